package backend

import (
	"context"
	"fmt"

	"github.com/chainforge/chainforge/core/fork"
	"github.com/chainforge/chainforge/core/forkdb"
	"github.com/chainforge/chainforge/core/inspector"
	"github.com/chainforge/chainforge/core/multifork"
	"github.com/chainforge/chainforge/core/remote"
	"github.com/chainforge/chainforge/core/types"
)

// forkDatabase adapts a single Fork (not necessarily the Backend's
// active one) to inspector.Database, used by the replay driver to run
// earlier transactions in a block against the exact fork being rolled to
// without disturbing the Backend's own active-fork bookkeeping.
type forkDatabase struct {
	f *fork.Fork
}

func (d *forkDatabase) Basic(ctx context.Context, addr types.Address) (types.AccountInfo, error) {
	return d.f.DB.Basic(ctx, addr)
}

func (d *forkDatabase) CodeByHash(ctx context.Context, hash types.Hash256) (*types.Bytecode, error) {
	return d.f.DB.CodeByHash(ctx, hash)
}

func (d *forkDatabase) Storage(ctx context.Context, addr types.Address, slot types.U256) (types.U256, error) {
	return d.f.DB.Storage(ctx, addr, slot)
}

func (d *forkDatabase) BlockHash(ctx context.Context, n uint64) (types.Hash256, error) {
	return d.f.DB.BlockHash(ctx, n)
}

func (d *forkDatabase) Commit(ctx context.Context, diff inspector.StateDiff) error {
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
	d.f.DB.Commit(accountDiffs)

	for addr, st := range diff.Accounts {
		info, err := d.f.DB.Basic(ctx, addr)
		if err != nil {
			return err
		}
		js, ok := d.f.JournaledState.State[addr]
		if !ok {
			js = types.NewAccountState(info)
			d.f.JournaledState.State[addr] = js
		} else {
			js.Info = info
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
	d.f.JournaledState.Logs = append(d.f.JournaledState.Logs, diff.Logs...)
	return nil
}

// txEnv derives a fresh per-tx Env from base, copying tx's own caller,
// to, data, value, gas, nonce, chain id, and access list while keeping
// base's block/cfg fields, per spec §4.5.
func txEnv(base types.Env, tx *remote.Transaction) types.Env {
	e := base.Clone()
	e.Tx = types.TxEnv{
		Caller:     tx.From,
		Nonce:      tx.Nonce,
		To:         tx.To,
		Data:       append([]byte(nil), tx.Data...),
		Value:      tx.Value,
		GasLimit:   tx.Gas,
		AccessList: tx.AccessList,
	}
	e.Cfg.ChainID = tx.ChainID
	return e
}

// replayUntil fetches the full block at env.Block.Number from f's
// RemoteState and executes every transaction preceding target in order,
// applying each one's state diff to f. It stops and returns the target
// transaction without executing it — the caller runs that one under its
// own inspector. This is replay_until (spec §4.5).
func (b *Backend) replayUntil(ctx context.Context, f *fork.Fork, env types.Env, target types.Hash256) (*remote.Transaction, error) {
	block, err := f.DB.Remote().GetFullBlock(ctx, remote.Pinned(env.Block.Number))
	if err != nil {
		return nil, &types.RemoteIOError{Op: "get_full_block", Err: err}
	}

	db := &forkDatabase{f: f}
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		if tx.Hash == target {
			return tx, nil
		}
		txe := txEnv(env, tx)
		result, err := b.interpreter.Inspect(ctx, txe, db, nil)
		if err != nil {
			return nil, err
		}
		if err := db.Commit(ctx, result.State); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("replay_until: transaction %s not found in block %d", target.Hex(), env.Block.Number)
}

// CreateForkAtTx creates a new fork from spec, then rolls it to the
// block containing tx, replaying every earlier transaction in that
// block. It returns the new fork's LocalForkId without selecting it.
func (b *Backend) CreateForkAtTx(ctx context.Context, spec multifork.Spec, txHash types.Hash256) (types.U256, error) {
	lid, err := b.CreateFork(ctx, spec)
	if err != nil {
		return types.U256{}, err
	}
	if _, err := b.RollForkToTx(ctx, lid, txHash, &types.Env{}); err != nil {
		return types.U256{}, err
	}
	return lid, nil
}

// RollForkToTx resolves tx to its containing block, rolls the fork to
// block_number-1, patches env's block fields, and replays up to (but not
// including) tx. This is roll_fork_to_tx (spec §4.5).
func (b *Backend) RollForkToTx(ctx context.Context, id types.U256, txHash types.Hash256, env *types.Env) (*types.JournaledState, error) {
	b.mu.Lock()
	idx, ok := b.localOf[id]
	if !ok {
		b.mu.Unlock()
		return nil, &types.UnknownForkError{ID: id}
	}
	remoteState := b.forks[idx].DB.Remote()
	b.mu.Unlock()

	tx, err := remoteState.GetTransaction(ctx, txHash)
	if err != nil {
		return nil, &types.RemoteIOError{Op: "get_transaction", Err: err}
	}
	if tx == nil {
		return nil, &types.MissingAccountError{}
	}

	targetBlock := tx.BlockNum
	if targetBlock > 0 {
		targetBlock--
	}

	jstate, err := b.RollFork(ctx, id, targetBlock, env)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	idx, ok = b.localOf[id]
	if !ok {
		b.mu.Unlock()
		return nil, &types.UnknownForkError{ID: id}
	}
	f := b.forks[idx]
	isActive := b.active != nil && b.active.index == idx
	b.mu.Unlock()

	// Patch env.block with the target block's own header fields (spec
	// §4.5) — the roll above pinned the fork at block-1, so timestamp,
	// coinbase, and base fee must be re-fetched for the block actually
	// being replayed, not inherited from its predecessor. This is written
	// into the caller's own env, not a local copy, so a subsequent
	// Transact over the same env sees the correct block context.
	targetHeader, err := f.DB.Remote().GetFullBlock(ctx, remote.Pinned(tx.BlockNum))
	if err != nil {
		return nil, &types.RemoteIOError{Op: "get_full_block", Err: err}
	}
	env.Block.Number = targetHeader.Number
	env.Block.Timestamp = targetHeader.Timestamp
	env.Block.Coinbase = targetHeader.Coinbase
	env.Block.BaseFee = targetHeader.BaseFee
	env.Block.GasLimit = targetHeader.GasLimit
	env.Block.Difficulty = targetHeader.Difficulty

	if isActive {
		b.mu.Lock()
		b.env.Block = env.Block
		b.mu.Unlock()
	}

	if _, err := b.replayUntil(ctx, f, *env, txHash); err != nil {
		return nil, err
	}

	if jstate == nil {
		jstate = f.JournaledState
	}
	return jstate, nil
}

// Transact executes a specific historical transaction against the fork
// identified by id (or the active fork if id is the zero value and a
// fork is active) and commits its state diff. This is transact() in
// spec §4.1.
func (b *Backend) Transact(ctx context.Context, id *types.U256, tx *remote.Transaction, env types.Env, insp inspector.Inspector) (inspector.ResultAndState, error) {
	b.mu.Lock()
	var f *fork.Fork
	if id != nil {
		idx, ok := b.localOf[*id]
		if !ok {
			b.mu.Unlock()
			return inspector.ResultAndState{}, &types.UnknownForkError{ID: *id}
		}
		f = b.forks[idx]
	} else if b.active != nil {
		f = b.forks[b.active.index]
	}
	b.mu.Unlock()
	if f == nil {
		return inspector.ResultAndState{}, &types.NoActiveForkError{}
	}

	db := &forkDatabase{f: f}
	txe := txEnv(env, tx)
	result, err := b.interpreter.Inspect(ctx, txe, db, insp)
	if err != nil {
		return inspector.ResultAndState{}, err
	}
	if err := db.Commit(ctx, result.State); err != nil {
		return inspector.ResultAndState{}, err
	}
	return result, nil
}
