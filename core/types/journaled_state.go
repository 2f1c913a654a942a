package types

// AccountStatus tracks how an account entered a JournaledState and whether
// the interpreter has observed modifications to it that must survive a
// fork switch or be committed on success.
type AccountStatus uint8

const (
	// StatusLoaded means the account was read but never written or created.
	StatusLoaded AccountStatus = iota
	// StatusTouched means the interpreter observed a write to the account
	// (balance, nonce, code, or storage) and must commit it on success.
	StatusTouched
	// StatusCreated means the account was created during this call tree
	// (CREATE/CREATE2, or an EOA receiving its first transfer).
	StatusCreated
	// StatusSelfDestructed means SELFDESTRUCT was executed against the
	// account during this call tree.
	StatusSelfDestructed
)

func (s AccountStatus) String() string {
	switch s {
	case StatusLoaded:
		return "loaded"
	case StatusTouched:
		return "touched"
	case StatusCreated:
		return "created"
	case StatusSelfDestructed:
		return "selfdestructed"
	default:
		return "unknown"
	}
}

// Slot is a single storage value together with the value it held when the
// account was first loaded into the JournaledState, so the interpreter can
// compute SSTORE gas refunds without a second database round-trip.
type Slot struct {
	Original U256
	Present  U256
}

// NewSlot returns a Slot whose original and present values both equal v,
// as when a slot is freshly loaded from the database.
func NewSlot(v U256) Slot {
	return Slot{Original: v, Present: v}
}

// Clone returns a deep copy of the slot.
func (s Slot) Clone() Slot {
	return Slot{Original: *new(U256).Set(&s.Original), Present: *new(U256).Set(&s.Present)}
}

// AccountState is the JournaledState's per-account working record: the
// account's info plus its hot storage cache and lifecycle status.
type AccountState struct {
	Info    AccountInfo
	Storage map[U256]Slot
	Status  AccountStatus
}

// NewAccountState returns a freshly loaded AccountState with no storage
// cached yet.
func NewAccountState(info AccountInfo) *AccountState {
	return &AccountState{Info: info, Storage: make(map[U256]Slot), Status: StatusLoaded}
}

// Clone returns a deep copy of the account state, safe to mutate
// independently of the source (used when merging persistent accounts and
// when forks are reloaded on roll).
func (a *AccountState) Clone() *AccountState {
	if a == nil {
		return nil
	}
	cp := &AccountState{
		Info:    a.Info.Clone(),
		Storage: make(map[U256]Slot, len(a.Storage)),
		Status:  a.Status,
	}
	for k, v := range a.Storage {
		cp.Storage[k] = v.Clone()
	}
	return cp
}

// Touch upgrades the account's status to at least touched, never
// downgrading an already-stronger status (created, selfdestructed).
func (a *AccountState) Touch() {
	if a.Status == StatusLoaded {
		a.Status = StatusTouched
	}
}

// JournalEntry is a single revertible modification recorded within one call
// frame of a JournaledState. Concrete entries are defined by whatever
// drives mutation (the interpreter, outside this module); the
// JournaledState only owns the frame structure itself.
type JournalEntry interface {
	// Revert undoes this entry's effect on js.
	Revert(js *JournaledState)
}

// JournaledState is the interpreter's per-call-tree working cache: hot
// accounts, an ordered log buffer, the current call depth, and an undo
// journal with one sub-sequence per call frame.
//
// Invariant: len(Journal) == Depth+1 always holds; merging accounts across
// forks must synthesize empty frames to preserve it (see package fork).
type JournaledState struct {
	State   map[Address]*AccountState
	Logs    []Log
	Depth   uint32
	Journal [][]JournalEntry
}

// NewJournaledState returns an empty JournaledState at depth 0 with a
// single, empty journal frame.
func NewJournaledState() *JournaledState {
	return &JournaledState{
		State:   make(map[Address]*AccountState),
		Journal: [][]JournalEntry{{}},
	}
}

// Clone returns a deep copy of the JournaledState.
func (j *JournaledState) Clone() *JournaledState {
	cp := &JournaledState{
		State:   make(map[Address]*AccountState, len(j.State)),
		Logs:    make([]Log, len(j.Logs)),
		Depth:   j.Depth,
		Journal: make([][]JournalEntry, len(j.Journal)),
	}
	for addr, st := range j.State {
		cp.State[addr] = st.Clone()
	}
	for i, l := range j.Logs {
		cp.Logs[i] = l.Clone()
	}
	for i, frame := range j.Journal {
		cp.Journal[i] = append([]JournalEntry(nil), frame...)
	}
	return cp
}

// EnsureDepth pads the journal with empty frames until len(Journal) ==
// depth+1, preserving the frame-per-depth invariant after a merge that
// brought in entries from a deeper call tree.
func (j *JournaledState) EnsureDepth(depth uint32) {
	for uint32(len(j.Journal)) <= depth {
		j.Journal = append(j.Journal, []JournalEntry{})
	}
}

// Record appends an entry to the current (deepest) journal frame.
func (j *JournaledState) Record(e JournalEntry) {
	j.EnsureDepth(j.Depth)
	j.Journal[j.Depth] = append(j.Journal[j.Depth], e)
}
