package backend

import (
	"context"

	"github.com/chainforge/chainforge/core/forkdb"
	"github.com/chainforge/chainforge/core/inspector"
	"github.com/chainforge/chainforge/core/types"
)

// Basic implements inspector.Database, routing to the active fork's DB
// or the in-memory DB.
func (b *Backend) Basic(ctx context.Context, addr types.Address) (types.AccountInfo, error) {
	b.mu.Lock()
	active := b.active
	var db interface {
		Basic(context.Context, types.Address) (types.AccountInfo, error)
	}
	if active != nil {
		db = b.forks[active.index].DB
	}
	b.mu.Unlock()
	if db != nil {
		return db.Basic(ctx, addr)
	}
	return b.memDB.Basic(addr), nil
}

// CodeByHash implements inspector.Database.
func (b *Backend) CodeByHash(ctx context.Context, hash types.Hash256) (*types.Bytecode, error) {
	b.mu.Lock()
	active := b.active
	var fdb *forkdb.ForkDB
	if active != nil {
		fdb = b.forks[active.index].DB
	}
	b.mu.Unlock()
	if fdb != nil {
		return fdb.CodeByHash(ctx, hash)
	}
	return b.memDB.CodeByHash(hash), nil
}

// Storage implements inspector.Database.
func (b *Backend) Storage(ctx context.Context, addr types.Address, slot types.U256) (types.U256, error) {
	b.mu.Lock()
	active := b.active
	var fdb *forkdb.ForkDB
	if active != nil {
		fdb = b.forks[active.index].DB
	}
	b.mu.Unlock()
	if fdb != nil {
		return fdb.Storage(ctx, addr, slot)
	}
	return b.memDB.Storage(addr, slot), nil
}

// BlockHash implements inspector.Database.
func (b *Backend) BlockHash(ctx context.Context, n uint64) (types.Hash256, error) {
	b.mu.Lock()
	active := b.active
	var fdb *forkdb.ForkDB
	if active != nil {
		fdb = b.forks[active.index].DB
	}
	b.mu.Unlock()
	if fdb != nil {
		return fdb.BlockHash(ctx, n)
	}
	return b.memDB.BlockHash(n), nil
}

// Commit implements inspector.Database: applies diff to whichever DB is
// active, then reloads every touched account into the live jstate so the
// caller observes a consistent post-commit view, and appends the diff's
// logs.
func (b *Backend) Commit(ctx context.Context, diff inspector.StateDiff) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	accountDiffs := make([]forkdb.AccountDiff, 0, len(diff.Accounts))
	for addr, st := range diff.Accounts {
		ad := forkdb.AccountDiff{Addr: addr, Info: st.Info, Deleted: st.Status == types.StatusSelfDestructed}
		if len(st.Storage) > 0 {
			ad.Storage = make(map[types.U256]types.U256, len(st.Storage))
			for slot, s := range st.Storage {
				ad.Storage[slot] = s.Present
			}
		}
		accountDiffs = append(accountDiffs, ad)
	}

	jstate := b.journaledStateLocked()

	if b.active != nil {
		fdb := b.forks[b.active.index].DB
		fdb.Commit(accountDiffs)
		for addr := range diff.Accounts {
			info, err := fdb.Basic(ctx, addr)
			if err != nil {
				return err
			}
			if st, ok := jstate.State[addr]; ok {
				st.Info = info
			} else {
				jstate.State[addr] = types.NewAccountState(info)
			}
		}
	} else {
		b.memDB.Commit(accountDiffs)
		for addr := range diff.Accounts {
			info := b.memDB.Basic(addr)
			if st, ok := jstate.State[addr]; ok {
				st.Info = info
			} else {
				jstate.State[addr] = types.NewAccountState(info)
			}
		}
	}

	for addr, st := range diff.Accounts {
		js, ok := jstate.State[addr]
		if !ok {
			continue
		}
		for slot, s := range st.Storage {
			if existing, ok := js.Storage[slot]; ok {
				existing.Present = s.Present
				js.Storage[slot] = existing
			} else {
				js.Storage[slot] = s
			}
		}
		js.Status = st.Status
	}

	jstate.Logs = append(jstate.Logs, diff.Logs...)

	return nil
}

// checkGlobalFailureLocked reports whether the cheatcode address's
// global-failure slot currently reads non-zero, or byte 1 of the tracked
// test contract's slot 0 (DSTest's _failed flag) is set.
func (b *Backend) checkGlobalFailureLocked(jstate *types.JournaledState) bool {
	if st, ok := jstate.State[CheatcodeAddress]; ok {
		if slot, ok := st.Storage[slotFromHash(globalFailureSlot)]; ok && !slot.Present.IsZero() {
			return true
		}
	}
	if b.testContract != nil {
		if st, ok := jstate.State[*b.testContract]; ok {
			if slot, ok := st.Storage[slotFromHash(dstestFailedSlot)]; ok && (slot.Present.Uint64()>>8)&0xff != 0 {
				return true
			}
		}
	}
	return false
}

// dstestFailedSlot is storage slot 0 of the test contract, where classic
// DSTest stores its `_failed` bool in byte 1.
var dstestFailedSlot = types.Hash256{}

func slotFromHash(h types.Hash256) types.U256 {
	return *new(types.U256).SetBytes(h.Bytes())
}
