package backend

import (
	"github.com/chainforge/chainforge/core/types"
)

// Diagnostic is the user-facing hint diagnose_revert produces for an
// unreasoned revert, per spec §4.7.
type Diagnostic struct {
	Kind       DiagnosticKind
	Callee     types.Address
	Active     types.U256
	Persistent bool
	AvailableOn []types.U256
}

// DiagnosticKind distinguishes why a call to a code-less address reverted.
type DiagnosticKind uint8

const (
	// ContractDoesNotExist means callee has code on no fork at all.
	ContractDoesNotExist DiagnosticKind = iota
	// ContractExistsOnOtherForks means callee has code elsewhere, just
	// not on the currently active fork.
	ContractExistsOnOtherForks
)

// DiagnoseRevert reports a hint for an unreasoned revert against callee,
// or nil if there is nothing useful to say (fewer than two forks, or
// callee does have code on the active fork/jstate).
func (b *Backend) DiagnoseRevert(callee types.Address, jstate *types.JournaledState) *Diagnostic {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.liveForkCountLocked() <= 1 {
		return nil
	}
	if st, ok := jstate.State[callee]; ok && st.Info.CodeHash != types.EmptyCodeHash && !st.Info.CodeHash.IsZero() {
		return nil
	}
	if b.active != nil && b.forks[b.active.index].DB.HasCodeAt(callee) {
		return nil
	}

	var availableOn []types.U256
	for lid, idx := range b.localOf {
		f := b.forks[idx]
		if f == nil {
			continue
		}
		if b.active != nil && idx == b.active.index {
			continue
		}
		if f.DB.HasCodeAt(callee) {
			availableOn = append(availableOn, lid)
		}
	}

	var activeLID types.U256
	if b.active != nil {
		activeLID = b.active.local
	}

	if len(availableOn) == 0 {
		return &Diagnostic{
			Kind:       ContractDoesNotExist,
			Callee:     callee,
			Active:     activeLID,
			Persistent: b.persistentAccounts[callee],
		}
	}
	return &Diagnostic{
		Kind:        ContractExistsOnOtherForks,
		Callee:      callee,
		Active:      activeLID,
		AvailableOn: availableOn,
	}
}

func (b *Backend) liveForkCountLocked() int {
	n := 0
	for _, f := range b.forks {
		if f != nil {
			n++
		}
	}
	return n
}
