// Package forkdb implements the two-layer cache a Fork uses to answer
// database reads: an immutable read-through to a RemoteState, plus a
// mutable overlay of locally committed writes. See spec §4.2.
package forkdb

import (
	"context"
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/chainforge/chainforge/core/remote"
	"github.com/chainforge/chainforge/core/types"
)

// codeCacheBytes bounds the fastcache instance backing large contract
// bytecode so a long-running multi-fork session can't grow its code cache
// without bound when many distinct forks load many distinct contracts.
const codeCacheBytes = 64 << 20 // 64 MiB

// AccountDiff is a single account's committed delta, as produced by a
// completed transaction and applied via ForkDB.Commit.
type AccountDiff struct {
	Addr    types.Address
	Info    types.AccountInfo
	Storage map[types.U256]types.U256 // slot -> new value; absent slots are untouched
	Deleted bool                      // selfdestructed: remove account + storage entirely
}

// ForkDB is the database half of a Fork: accounts, contracts, and block
// hashes cached from a RemoteState, with a mutable overlay applied on
// Commit. Cached data is never invalidated by a re-pin to another block;
// rolling a fork installs a brand new ForkDB (§4.2 invariant).
type ForkDB struct {
	remote remote.State

	mu          sync.RWMutex
	accounts    map[types.Address]types.AccountInfo
	haveAccount map[types.Address]bool // distinguishes "no entry yet" from "fetched, found empty"
	storage     map[types.Address]map[types.U256]types.U256
	blockHashes map[uint64]types.Hash256
	contracts   map[types.Hash256]*types.Bytecode

	codeCache *fastcache.Cache
}

// New returns a ForkDB reading through to remote.
func New(remoteState remote.State) *ForkDB {
	return &ForkDB{
		remote:      remoteState,
		accounts:    make(map[types.Address]types.AccountInfo),
		haveAccount: make(map[types.Address]bool),
		storage:     make(map[types.Address]map[types.U256]types.U256),
		blockHashes: make(map[uint64]types.Hash256),
		contracts:   make(map[types.Hash256]*types.Bytecode),
		codeCache:   fastcache.New(codeCacheBytes),
	}
}

// Remote returns the RemoteState this ForkDB reads through to.
func (d *ForkDB) Remote() remote.State { return d.remote }

// Basic returns the cached account info for addr, fetching and caching it
// from remote on a miss. A remote miss is cached as an empty AccountInfo
// so the RPC round-trip is not repeated.
func (d *ForkDB) Basic(ctx context.Context, addr types.Address) (types.AccountInfo, error) {
	d.mu.RLock()
	if d.haveAccount[addr] {
		info := d.accounts[addr]
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	remoteInfo, err := d.remote.Basic(ctx, addr)
	if err != nil {
		return types.AccountInfo{}, &types.RemoteIOError{Op: "basic", Err: err}
	}

	var info types.AccountInfo
	if remoteInfo != nil {
		info = *remoteInfo
		if info.Code != nil {
			d.cacheCode(info.Code)
		}
	} else {
		info = types.EmptyAccountInfo()
	}

	d.mu.Lock()
	d.accounts[addr] = info
	d.haveAccount[addr] = true
	d.mu.Unlock()
	return info, nil
}

// CodeByHash returns cached bytecode for hash, fetching from remote on a
// miss. Code observed via Basic() is cached eagerly, so most CodeByHash
// calls hit the fast path populated there.
func (d *ForkDB) CodeByHash(ctx context.Context, hash types.Hash256) (*types.Bytecode, error) {
	if hash == types.EmptyCodeHash || hash.IsZero() {
		return &types.Bytecode{}, nil
	}
	if code := d.lookupCode(hash); code != nil {
		return code, nil
	}

	code, err := d.remote.CodeByHash(ctx, hash)
	if err != nil {
		return nil, &types.RemoteIOError{Op: "code_by_hash", Err: err}
	}
	d.cacheCode(code)
	return code, nil
}

func (d *ForkDB) lookupCode(hash types.Hash256) *types.Bytecode {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if c, ok := d.contracts[hash]; ok {
		return c
	}
	if raw, ok := d.codeCache.HasGet(nil, hash.Bytes()); ok {
		return &types.Bytecode{Code: raw, Hash: hash}
	}
	return nil
}

func (d *ForkDB) cacheCode(code *types.Bytecode) {
	if code == nil || code.IsEmpty() {
		return
	}
	d.mu.Lock()
	d.contracts[code.Hash] = code
	d.mu.Unlock()
	d.codeCache.Set(code.Hash.Bytes(), code.Code)
}

// Storage returns the cached value of (addr, slot), fetching from remote
// on a miss. On a miss for an account whose info is not cached yet, the
// info is materialized first (via Basic), matching §4.2's invariant.
func (d *ForkDB) Storage(ctx context.Context, addr types.Address, slot types.U256) (types.U256, error) {
	d.mu.RLock()
	if slots, ok := d.storage[addr]; ok {
		if v, ok := slots[slot]; ok {
			d.mu.RUnlock()
			return v, nil
		}
	}
	d.mu.RUnlock()

	if !d.hasAccount(addr) {
		if _, err := d.Basic(ctx, addr); err != nil {
			return types.U256{}, err
		}
	}

	val, err := d.remote.Storage(ctx, addr, slot)
	if err != nil {
		return types.U256{}, &types.RemoteIOError{Op: "storage", Err: err}
	}

	d.mu.Lock()
	if d.storage[addr] == nil {
		d.storage[addr] = make(map[types.U256]types.U256)
	}
	d.storage[addr][slot] = val
	d.mu.Unlock()
	return val, nil
}

func (d *ForkDB) hasAccount(addr types.Address) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.haveAccount[addr]
}

// BlockHash returns the cached hash of block n, fetching from remote on a
// miss.
func (d *ForkDB) BlockHash(ctx context.Context, n uint64) (types.Hash256, error) {
	d.mu.RLock()
	if h, ok := d.blockHashes[n]; ok {
		d.mu.RUnlock()
		return h, nil
	}
	d.mu.RUnlock()

	h, err := d.remote.BlockHash(ctx, n)
	if err != nil {
		return types.Hash256{}, &types.RemoteIOError{Op: "block_hash", Err: err}
	}
	d.mu.Lock()
	d.blockHashes[n] = h
	d.mu.Unlock()
	return h, nil
}

// Commit applies a state diff in place, mutating the accounts and
// contracts overlay. It never touches the remote.
func (d *ForkDB) Commit(diff []AccountDiff) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ad := range diff {
		if ad.Deleted {
			delete(d.accounts, ad.Addr)
			delete(d.haveAccount, ad.Addr)
			delete(d.storage, ad.Addr)
			continue
		}
		d.accounts[ad.Addr] = ad.Info
		d.haveAccount[ad.Addr] = true
		if ad.Info.Code != nil {
			d.contracts[ad.Info.CodeHash] = ad.Info.Code
		}
		if len(ad.Storage) == 0 {
			continue
		}
		if d.storage[ad.Addr] == nil {
			d.storage[ad.Addr] = make(map[types.U256]types.U256, len(ad.Storage))
		}
		for slot, val := range ad.Storage {
			d.storage[ad.Addr][slot] = val
		}
	}
}

// CachedAccount returns the account info cached for addr without
// consulting remote, and whether an entry exists at all.
func (d *ForkDB) CachedAccount(addr types.Address) (types.AccountInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.accounts[addr], d.haveAccount[addr]
}

// CachedStorage returns the storage map cached for addr without
// consulting remote, for use by the persistent-account merge logic in
// package fork.
func (d *ForkDB) CachedStorage(addr types.Address) map[types.U256]types.U256 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.storage[addr]
}

// ContractByHash returns the cached bytecode for hash without consulting
// remote.
func (d *ForkDB) ContractByHash(hash types.Hash256) (*types.Bytecode, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contracts[hash]
	return c, ok
}

// HasCodeAt reports whether addr has non-empty cached code, used by
// diagnose_revert to decide whether a callee exists on this fork.
func (d *ForkDB) HasCodeAt(addr types.Address) bool {
	d.mu.RLock()
	info, ok := d.accounts[addr]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	return info.CodeHash != types.EmptyCodeHash && !info.CodeHash.IsZero()
}

// SetAccount directly installs account info into the overlay, used when
// merging persistent-account data into a freshly rolled ForkDB (§4.3).
func (d *ForkDB) SetAccount(addr types.Address, info types.AccountInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[addr] = info
	d.haveAccount[addr] = true
	if info.Code != nil {
		d.contracts[info.CodeHash] = info.Code
	}
}

// SetStorage directly installs storage values into the overlay for addr,
// used by the same persistent-account merge path as SetAccount.
func (d *ForkDB) SetStorage(addr types.Address, storage map[types.U256]types.U256) {
	if len(storage) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.storage[addr] == nil {
		d.storage[addr] = make(map[types.U256]types.U256, len(storage))
	}
	for k, v := range storage {
		d.storage[addr][k] = v
	}
}
