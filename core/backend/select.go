package backend

import (
	"context"

	"github.com/chainforge/chainforge/core/fork"
	"github.com/chainforge/chainforge/core/forkdb"
	"github.com/chainforge/chainforge/core/types"
)

// SelectFork switches the active fork to target, mutating env in place
// and returning the JournaledState execution should continue through.
// This is the select_fork algorithm of spec §4.1, steps 1–10.
func (b *Backend) SelectFork(ctx context.Context, target types.U256, env *types.Env) (*types.JournaledState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Step 1: no-op if already active.
	if b.active != nil && b.active.local.Eq(&target) {
		return b.forks[b.active.index].JournaledState, nil
	}

	targetIdx, ok := b.localOf[target]
	if !ok {
		return nil, &types.UnknownForkError{ID: target}
	}

	// Step 3: first-ever select captures fork_init_journaled_state and
	// replaces its stub accounts with values drawn from the target's
	// remote, then resets its depth to 0.
	if b.active == nil {
		if b.forkInitJournaledState == nil {
			b.forkInitJournaledState = types.NewJournaledState()
		}
		if err := b.prepareInitJournalStateLocked(ctx, b.forks[targetIdx].DB); err != nil {
			return nil, err
		}
		b.forkInitJournaledState.Depth = 0
	}

	// Step 2: the outgoing fork's JournaledState is whatever is already
	// stored on it — the Backend hands out that exact pointer to the
	// interpreter, so there is nothing to copy back; it is already
	// current. (See the no-aliasing design note in §9: the Backend
	// either owns the jstate in a stored Fork, or the caller does.)
	outgoingDepth := b.currentDepthLocked()
	srcDB := b.databaseLocked()
	srcJState := b.journaledStateLocked()

	tgt := b.forks[targetIdx]

	// Step 5: depth continuity.
	tgt.JournaledState.Depth = outgoingDepth
	tgt.JournaledState.EnsureDepth(outgoingDepth)

	// Step 6: caller presence guarantee.
	caller := env.Tx.Caller
	if _, ok := tgt.JournaledState.State[caller]; !ok {
		info, err := b.resolveCallerInfoLocked(ctx, caller, srcJState, tgt.DB)
		if err != nil {
			return nil, err
		}
		tgt.JournaledState.State[caller] = types.NewAccountState(info)
	}
	if _, err := tgt.DB.Basic(ctx, caller); err != nil {
		return nil, err
	}

	// Step 7: persistent-account merge.
	persistent := b.persistentAddressesLocked()
	fork.MergeDBAccountData(persistent, srcDB, tgt.DB)
	if srcJState != nil {
		fork.MergeJournaledStateData(persistent, srcJState, tgt.JournaledState)
	}

	// Step 8: rewrite env.block/env.cfg from the target's pinned env; tx
	// is left untouched.
	tEnv, err := b.multiFork.GetEnv(b.forkIDs[targetIdx])
	if err != nil {
		return nil, err
	}
	env.Block = tEnv.Block
	env.Cfg = tEnv.Cfg

	// Steps 9–10: install target as active.
	b.active = &activeForkState{local: target, index: targetIdx, id: b.forkIDs[targetIdx]}
	b.env = *env
	b.metrics.Counter("chainforge.forks.selected").Inc()
	return tgt.JournaledState, nil
}

// resolveCallerInfoLocked clones the caller's account info from whichever
// jstate was active before the switch, falling back to a fresh DB read
// if the caller was never loaded there either.
func (b *Backend) resolveCallerInfoLocked(ctx context.Context, caller types.Address, srcJState *types.JournaledState, dst *forkdb.ForkDB) (types.AccountInfo, error) {
	if srcJState != nil {
		if st, ok := srcJState.State[caller]; ok {
			return st.Info.Clone(), nil
		}
	}
	return dst.Basic(ctx, caller)
}

// prepareInitJournalStateLocked replaces every stub account currently
// cached in fork_init_journaled_state (loaded before any fork existed)
// with its true value drawn from db, run once on the first select_fork.
func (b *Backend) prepareInitJournalStateLocked(ctx context.Context, db *forkdb.ForkDB) error {
	for addr, st := range b.forkInitJournaledState.State {
		info, err := db.Basic(ctx, addr)
		if err != nil {
			return err
		}
		st.Info = info
	}
	return nil
}

// persistentAddressesLocked returns the persistent-account set as a
// slice. Caller must hold b.mu.
func (b *Backend) persistentAddressesLocked() []types.Address {
	out := make([]types.Address, 0, len(b.persistentAccounts))
	for a := range b.persistentAccounts {
		out = append(out, a)
	}
	return out
}

// RollFork repoints the LocalForkId → ForkId mapping for id to a newly
// interned (endpoint, newBlock) pair. If id is currently active, it also
// rebuilds the active JournaledState and rewrites env in place. This is
// the roll-fork algorithm of spec §4.1.
func (b *Backend) RollFork(ctx context.Context, id types.U256, newBlock uint64, env *types.Env) (*types.JournaledState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx, ok := b.localOf[id]
	if !ok {
		return nil, &types.UnknownForkError{ID: id}
	}
	oldForkID := b.forkIDs[idx]
	oldFork := b.forks[idx]

	newID, remoteState, newEnv, err := b.multiFork.RollFork(ctx, oldForkID, newBlock)
	if err != nil {
		return nil, err
	}

	newFork := fork.New(forkdb.New(remoteState))
	b.forkIDs[idx] = newID
	b.forks[idx] = newFork
	b.metrics.Counter("chainforge.forks.rolled").Inc()

	if b.active == nil || b.active.index != idx {
		return nil, nil
	}

	fresh := b.forkInitJournaledState.Clone()
	fresh.Depth = oldFork.JournaledState.Depth
	fresh.EnsureDepth(fresh.Depth)

	persistent := b.persistentAddressesLocked()
	fork.MergeDBAccountData(persistent, oldFork.DB, newFork.DB)
	fork.MergeJournaledStateData(persistent, oldFork.JournaledState, fresh)

	for addr, st := range oldFork.JournaledState.State {
		if _, already := fresh.State[addr]; already {
			continue
		}
		switch st.Status {
		case types.StatusTouched, types.StatusCreated, types.StatusSelfDestructed:
			fresh.State[addr] = st.Clone()
		default:
			info, err := newFork.DB.Basic(ctx, addr)
			if err != nil {
				return nil, err
			}
			fresh.State[addr] = types.NewAccountState(info)
		}
	}

	newFork.JournaledState = fresh
	env.Block = newEnv.Block
	env.Cfg = newEnv.Cfg
	b.active.id = newID
	b.env = *env
	return fresh, nil
}
