// Package backend implements the Backend facade described in spec §3–§5:
// the single object the interpreter and cheatcode callers drive, sitting
// between the Database contract (package inspector) and however many
// forks a test has created, each backed by a RemoteState (package
// remote) through a ForkDB (package forkdb) and its own JournaledState.
package backend

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/chainforge/chainforge/core/fork"
	"github.com/chainforge/chainforge/core/forkdb"
	"github.com/chainforge/chainforge/core/inspector"
	"github.com/chainforge/chainforge/core/multifork"
	"github.com/chainforge/chainforge/core/snapshot"
	"github.com/chainforge/chainforge/core/types"
	xlog "github.com/chainforge/chainforge/pkg/log"
	"github.com/chainforge/chainforge/pkg/metrics"
)

// DefaultPersistentAccounts are the addresses every fork carries
// regardless of which test installed them: the cheatcode precompile and
// the canonical CREATE2 deployer. The address acting as msg.sender for the
// running test is added separately by SetCaller. See spec §4.3.
var DefaultPersistentAccounts = []types.Address{
	CheatcodeAddress,
	DefaultCreate2Deployer,
}

// CheatcodeAddress is the fixed precompile-like address cheatcode calls
// are dispatched through.
var CheatcodeAddress = types.HexToAddress("0x7109709ECfa91a80626fF3989D68f67F5b1DD12D")

// DefaultCreate2Deployer is the canonical, chain-independent CREATE2
// deployer contract address.
var DefaultCreate2Deployer = types.HexToAddress("0x4e59b44847b379578588920cA78FbF26c0B4956C")

// globalFailureSlot is the storage slot on the cheatcode address that
// records "some assertion failed somewhere", set by the global-failure
// latch and read back at the end of a test run. It is the ASCII bytes of
// "failed" right-padded to 32 bytes.
var globalFailureSlot = types.HexToHash256("0x6661696c65640000000000000000000000000000000000000000000000000000")

// activeForkState tracks which fork is currently live: its LocalForkId,
// its index into the Backend's fork vector, and the canonical ForkId the
// supervisor knows it by.
type activeForkState struct {
	local types.U256
	index int
	id    multifork.ForkId
}

// Backend is the facade described in spec §3: it owns the in-memory DB,
// the fork vector, the snapshot store, and the persistent/cheatcode
// address sets, and drives select_fork, roll_fork, snapshotting, and
// revert-diagnosis on top of them.
//
// A Backend is single-threaded-cooperative (spec §5): callers must not
// invoke its methods concurrently from multiple goroutines, though the
// multifork supervisor it owns runs independently and may be shared by
// concurrently-running Backends that forked the same endpoint/block.
type Backend struct {
	mu sync.Mutex

	memDB *memDB

	forks   []*fork.Fork         // index -> live fork, nil if retired
	forkIDs []multifork.ForkId   // parallel to forks
	localOf map[types.U256]int   // LocalForkId -> index into forks/forkIDs
	nextLID uint64

	active *activeForkState // nil when running against memDB

	forkInitJournaledState *types.JournaledState

	env types.Env

	snapshots *snapshot.Store

	persistentAccounts map[types.Address]bool
	cheatcodeAccess    map[types.Address]bool

	hasSnapshotFailure atomic.Bool
	envInitialized     bool

	callerAddress types.Address
	testContract  *types.Address

	multiFork   *multifork.MultiFork
	specID      string
	interpreter inspector.Interpreter

	log *xlog.Logger

	metrics     *metrics.Registry
	metricsAddr string
	metricsSrv  *http.Server
}

// Config bundles the construction-time parameters a Backend needs: the
// starting Env (covering the in-memory-mode chain state), the active
// spec identifier, the interpreter it will drive execution through, and
// the MultiFork supervisor backing every future create_fork/roll_fork.
type Config struct {
	Env         types.Env
	SpecID      string
	Interpreter inspector.Interpreter
	MultiFork   *multifork.MultiFork
	Logger      *xlog.Logger
	Metrics     *metrics.Registry

	// MetricsAddr, if non-empty, is the address ServeMetrics binds its
	// Prometheus exporter to (e.g. ":9090") when called with an empty
	// addr. ServeMetrics is never called automatically; callers that want
	// the endpoint invoke it explicitly once the Backend is constructed.
	MetricsAddr string
}

// New returns a Backend running in in-memory mode (no active fork) with
// the default persistent-account set and a cheatcode-access set holding
// only CheatcodeAddress.
func New(cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = xlog.Default()
	}
	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.DefaultRegistry
	}
	persistent := make(map[types.Address]bool, len(DefaultPersistentAccounts))
	for _, a := range DefaultPersistentAccounts {
		persistent[a] = true
	}
	b := &Backend{
		memDB:              newMemDB(),
		localOf:            make(map[types.U256]int),
		env:                cfg.Env,
		snapshots:          snapshot.New(),
		persistentAccounts: persistent,
		cheatcodeAccess:    make(map[types.Address]bool),
		multiFork:          cfg.MultiFork,
		specID:             cfg.SpecID,
		interpreter:        cfg.Interpreter,
		log:                logger.Module("backend"),
		envInitialized:     true,
		metrics:            reg,
		metricsAddr:        cfg.MetricsAddr,
	}
	b.persistentAccounts[CheatcodeAddress] = true
	b.cheatcodeAccess[CheatcodeAddress] = true
	return b
}

// SetCaller records the address acting as msg.sender for the running
// test, adding it to the persistent and cheatcode-access sets per spec
// §4.3's "caller presence guarantee".
func (b *Backend) SetCaller(addr types.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callerAddress = addr
	b.persistentAccounts[addr] = true
	b.cheatcodeAccess[addr] = true
}

// SetTestContract records the contract under test, also granted
// cheatcode access.
func (b *Backend) SetTestContract(addr types.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.testContract = &addr
	b.cheatcodeAccess[addr] = true
}

// IsPersistent reports whether addr is in the persistent-account set.
func (b *Backend) IsPersistent(addr types.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.persistentAccounts[addr]
}

// MakePersistent adds addr to the persistent-account set, carried across
// every future select_fork/roll_fork.
func (b *Backend) MakePersistent(addr types.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persistentAccounts[addr] = true
}

// RevokePersistent removes addr from the persistent-account set. The
// default accounts (cheatcode address, CREATE2 deployer) can be revoked
// like any other; callers that need them back must re-add them.
func (b *Backend) RevokePersistent(addr types.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.persistentAccounts, addr)
}

// PersistentAccounts returns a snapshot slice of the current
// persistent-account set, in no particular order.
func (b *Backend) PersistentAccounts() []types.Address {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]types.Address, 0, len(b.persistentAccounts))
	for a := range b.persistentAccounts {
		out = append(out, a)
	}
	return out
}

// HasCheatcodeAccess reports whether addr may invoke cheatcodes while a
// fork is active. Outside fork mode every address has access.
func (b *Backend) HasCheatcodeAccess(addr types.Address) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return true
	}
	return b.cheatcodeAccess[addr]
}

// GrantCheatcodeAccess adds addr to the cheatcode-access set. This is
// allow_cheatcode_access (§4.1).
func (b *Backend) GrantCheatcodeAccess(addr types.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cheatcodeAccess[addr] = true
}

// RevokeCheatcodeAccess removes addr from the cheatcode-access set. This is
// revoke_cheatcode_access (§4.1).
func (b *Backend) RevokeCheatcodeAccess(addr types.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.cheatcodeAccess, addr)
}

// EnsureCheatcodeAccess returns NoCheatcodeAccessError if addr may not
// invoke cheatcodes right now. This is ensure_cheatcode_access_forking
// (§7): only meaningful while a fork is active, since every address has
// access in in-memory mode.
func (b *Backend) EnsureCheatcodeAccess(addr types.Address) error {
	if !b.HasCheatcodeAccess(addr) {
		return &types.NoCheatcodeAccessError{Addr: addr}
	}
	return nil
}

// HasSnapshotFailure reports whether any snapshot revert has observed a
// test failure (the global-failure slot or DSTest's _failed flag) since
// the Backend was created; it never resets, per §4.4's single-direction
// latch.
func (b *Backend) HasSnapshotFailure() bool {
	return b.hasSnapshotFailure.Load()
}

// ActiveFork reports the LocalForkId of the currently selected fork, and
// false if running in in-memory mode.
func (b *Backend) ActiveFork() (types.U256, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active == nil {
		return types.U256{}, false
	}
	return b.active.local, true
}

// Env returns the Env currently governing execution: the active fork's
// (rewritten) Env, or the in-memory-mode Env.
func (b *Backend) Env() types.Env {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.env
}

// JournaledState returns the JournaledState execution is currently
// reading/writing through: the active fork's, or a lazily-initialized
// in-memory-mode one tracked by the Backend itself via
// forkInitJournaledState.
func (b *Backend) JournaledState() *types.JournaledState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.journaledStateLocked()
}

func (b *Backend) journaledStateLocked() *types.JournaledState {
	if b.active != nil {
		return b.forks[b.active.index].JournaledState
	}
	if b.forkInitJournaledState == nil {
		b.forkInitJournaledState = types.NewJournaledState()
	}
	return b.forkInitJournaledState
}

// databaseLocked returns the Accessor-compatible database execution currently
// reads through: the active fork's ForkDB, or the in-memory DB.
func (b *Backend) databaseLocked() fork.Accessor {
	if b.active != nil {
		return b.forks[b.active.index].DB
	}
	return b.memDB
}

// MergedLogs returns every log recorded across every fork, in the order
// spec §4.3/§8 requires: the currently active context's logs (the active
// fork's, or the in-memory journaled state's when no fork is active),
// followed by every other non-nil fork's logs in fork-vector order. Tests only ever look at this merged view,
// never at a single fork's logs directly.
func (b *Backend) MergedLogs() []types.Log {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []types.Log
	if b.active == nil && b.forkInitJournaledState != nil {
		out = append(out, b.forkInitJournaledState.Logs...)
	} else if b.active != nil {
		out = append(out, b.forks[b.active.index].JournaledState.Logs...)
	}
	for i, f := range b.forks {
		if f == nil {
			continue
		}
		if b.active != nil && b.active.index == i {
			continue
		}
		out = append(out, f.JournaledState.Logs...)
	}
	return out
}

// CreateFork allocates a new fork from spec via the MultiFork supervisor
// and returns its LocalForkId, without selecting it as active. This is
// create_fork (§4.1).
func (b *Backend) CreateFork(ctx context.Context, spec multifork.Spec) (types.U256, error) {
	id, remoteState, env, err := b.multiFork.CreateFork(ctx, spec)
	if err != nil {
		return types.U256{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.internFork(id, forkdb.New(remoteState), env), nil
}

// internFork appends a brand new Fork (backed by db) to the fork vector
// and assigns it the next LocalForkId. Caller must hold b.mu.
func (b *Backend) internFork(id multifork.ForkId, db *forkdb.ForkDB, env types.Env) types.U256 {
	f := fork.New(db)
	f.JournaledState.EnsureDepth(b.currentDepthLocked())

	index := len(b.forks)
	b.forks = append(b.forks, f)
	b.forkIDs = append(b.forkIDs, id)

	lid := *types.NewU256(b.nextLID)
	b.nextLID++
	b.localOf[lid] = index

	b.metrics.Counter("chainforge.forks.created").Inc()
	b.metrics.Gauge("chainforge.forks.active").Set(int64(len(b.forks)))

	if !b.envInitialized {
		b.env = env
		b.envInitialized = true
	}
	return lid
}

// currentDepthLocked returns the call depth execution is presently at,
// read off whichever JournaledState is live, so a freshly interned fork
// starts with the same frame count (§4.1 step "depth continuity").
func (b *Backend) currentDepthLocked() uint32 {
	if b.active != nil {
		return b.forks[b.active.index].JournaledState.Depth
	}
	if b.forkInitJournaledState != nil {
		return b.forkInitJournaledState.Depth
	}
	return 0
}
