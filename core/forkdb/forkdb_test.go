package forkdb

import (
	"context"
	"errors"
	"testing"

	"github.com/chainforge/chainforge/core/remote"
	"github.com/chainforge/chainforge/core/types"
)

// fakeRemote is a minimal, in-memory remote.State used to exercise
// ForkDB's caching behavior without a live RPC endpoint.
type fakeRemote struct {
	accounts map[types.Address]*types.AccountInfo
	storage  map[types.Address]map[types.U256]types.U256
	code     map[types.Hash256]*types.Bytecode
	hashes   map[uint64]types.Hash256
	basicHits int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		accounts: make(map[types.Address]*types.AccountInfo),
		storage:  make(map[types.Address]map[types.U256]types.U256),
		code:     make(map[types.Hash256]*types.Bytecode),
		hashes:   make(map[uint64]types.Hash256),
	}
}

func (r *fakeRemote) Basic(ctx context.Context, addr types.Address) (*types.AccountInfo, error) {
	r.basicHits++
	return r.accounts[addr], nil
}

func (r *fakeRemote) CodeByHash(ctx context.Context, hash types.Hash256) (*types.Bytecode, error) {
	if c, ok := r.code[hash]; ok {
		return c, nil
	}
	return nil, errors.New("no such code")
}

func (r *fakeRemote) Storage(ctx context.Context, addr types.Address, slot types.U256) (types.U256, error) {
	return r.storage[addr][slot], nil
}

func (r *fakeRemote) BlockHash(ctx context.Context, n uint64) (types.Hash256, error) {
	return r.hashes[n], nil
}

func (r *fakeRemote) GetTransaction(ctx context.Context, hash types.Hash256) (*remote.Transaction, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeRemote) GetFullBlock(ctx context.Context, numberOrTag remote.BlockNumberOrTag) (*remote.Block, error) {
	return nil, errors.New("not implemented")
}

func (r *fakeRemote) Endpoint() string { return "fake://test" }

func TestBasicCachesRemoteMiss(t *testing.T) {
	r := newFakeRemote()
	db := New(r)
	addr := types.HexToAddress("0xAAAA000000000000000000000000000000AAAA")
	ctx := context.Background()

	if _, err := db.Basic(ctx, addr); err != nil {
		t.Fatalf("Basic: %v", err)
	}
	if _, err := db.Basic(ctx, addr); err != nil {
		t.Fatalf("Basic: %v", err)
	}
	if r.basicHits != 1 {
		t.Fatalf("remote hit %d times, want 1 (second call should be cached)", r.basicHits)
	}
}

func TestStorageMaterializesAccountFirst(t *testing.T) {
	r := newFakeRemote()
	addr := types.HexToAddress("0xBBBB000000000000000000000000000000BBBB")
	slot := *types.NewU256(7)
	r.accounts[addr] = &types.AccountInfo{Nonce: 3}
	r.storage[addr] = map[types.U256]types.U256{slot: *types.NewU256(0x99)}

	db := New(r)
	ctx := context.Background()

	val, err := db.Storage(ctx, addr, slot)
	if err != nil {
		t.Fatalf("Storage: %v", err)
	}
	if val != *types.NewU256(0x99) {
		t.Fatalf("storage = %v, want 0x99", val)
	}
	if _, ok := db.CachedAccount(addr); !ok {
		t.Fatal("Storage should have materialized the account info as a side effect")
	}
}

func TestCommitAppliesOverlay(t *testing.T) {
	r := newFakeRemote()
	db := New(r)
	addr := types.HexToAddress("0xCCCC000000000000000000000000000000CCCC")

	db.Commit([]AccountDiff{{
		Addr: addr,
		Info: types.AccountInfo{Nonce: 9, Balance: types.NewU256(100)},
	}})

	info, ok := db.CachedAccount(addr)
	if !ok || info.Nonce != 9 {
		t.Fatalf("CachedAccount = %+v, ok=%v, want nonce 9", info, ok)
	}
}

func TestCommitDeletedRemovesAccount(t *testing.T) {
	r := newFakeRemote()
	db := New(r)
	addr := types.HexToAddress("0xDDDD000000000000000000000000000000DDDD")

	db.Commit([]AccountDiff{{Addr: addr, Info: types.AccountInfo{Nonce: 1}}})
	db.Commit([]AccountDiff{{Addr: addr, Deleted: true}})

	if _, ok := db.CachedAccount(addr); ok {
		t.Fatal("selfdestructed account should be gone from the overlay")
	}
}

func TestCodeByHashEmptyHashShortCircuits(t *testing.T) {
	r := newFakeRemote()
	db := New(r)
	ctx := context.Background()

	code, err := db.CodeByHash(ctx, types.EmptyCodeHash)
	if err != nil {
		t.Fatalf("CodeByHash: %v", err)
	}
	if !code.IsEmpty() {
		t.Fatal("CodeByHash(EmptyCodeHash) should return empty bytecode without consulting remote")
	}
}
