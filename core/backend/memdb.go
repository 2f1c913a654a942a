package backend

import (
	"sync"

	"github.com/chainforge/chainforge/core/forkdb"
	"github.com/chainforge/chainforge/core/types"
)

// memDB is the Backend's default in-memory database: no RemoteState
// behind it, just a plain map. It implements the same read surface as
// forkdb.ForkDB (and fork.Accessor) so persistent-account merges treat
// "no active fork" identically to "source is fork A" (spec §4.1 step 7).
type memDB struct {
	mu          sync.RWMutex
	accounts    map[types.Address]types.AccountInfo
	haveAccount map[types.Address]bool
	storage     map[types.Address]map[types.U256]types.U256
	blockHashes map[uint64]types.Hash256
	contracts   map[types.Hash256]*types.Bytecode
}

func newMemDB() *memDB {
	return &memDB{
		accounts:    make(map[types.Address]types.AccountInfo),
		haveAccount: make(map[types.Address]bool),
		storage:     make(map[types.Address]map[types.U256]types.U256),
		blockHashes: make(map[uint64]types.Hash256),
		contracts:   make(map[types.Hash256]*types.Bytecode),
	}
}

func (d *memDB) Basic(addr types.Address) types.AccountInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.accounts[addr]
}

func (d *memDB) CodeByHash(hash types.Hash256) *types.Bytecode {
	if hash == types.EmptyCodeHash || hash.IsZero() {
		return &types.Bytecode{}
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.contracts[hash]
}

func (d *memDB) Storage(addr types.Address, slot types.U256) types.U256 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.storage[addr][slot]
}

func (d *memDB) BlockHash(n uint64) types.Hash256 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.blockHashes[n]
}

func (d *memDB) SetBlockHash(n uint64, h types.Hash256) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blockHashes[n] = h
}

func (d *memDB) CachedAccount(addr types.Address) (types.AccountInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.accounts[addr], d.haveAccount[addr]
}

func (d *memDB) CachedStorage(addr types.Address) map[types.U256]types.U256 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.storage[addr]
}

func (d *memDB) ContractByHash(hash types.Hash256) (*types.Bytecode, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	c, ok := d.contracts[hash]
	return c, ok
}

func (d *memDB) SetAccount(addr types.Address, info types.AccountInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accounts[addr] = info
	d.haveAccount[addr] = true
	if info.Code != nil {
		d.contracts[info.CodeHash] = info.Code
	}
}

func (d *memDB) SetStorage(addr types.Address, storage map[types.U256]types.U256) {
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

func (d *memDB) HasCodeAt(addr types.Address) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	info, ok := d.accounts[addr]
	if !ok {
		return false
	}
	return info.CodeHash != types.EmptyCodeHash && !info.CodeHash.IsZero()
}

// Commit applies a state diff in place, the in-memory-mode counterpart of
// forkdb.ForkDB.Commit.
func (d *memDB) Commit(diff []forkdb.AccountDiff) {
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

// clone returns a deep copy of the in-memory DB, used by Backend.Snapshot
// to capture a DB image in in-memory mode.
func (d *memDB) clone() *memDB {
	d.mu.RLock()
	defer d.mu.RUnlock()
	cp := newMemDB()
	for a, info := range d.accounts {
		cp.accounts[a] = info.Clone()
	}
	for a, ok := range d.haveAccount {
		cp.haveAccount[a] = ok
	}
	for a, slots := range d.storage {
		cp.storage[a] = make(map[types.U256]types.U256, len(slots))
		for k, v := range slots {
			cp.storage[a][k] = v
		}
	}
	for n, h := range d.blockHashes {
		cp.blockHashes[n] = h
	}
	for h, c := range d.contracts {
		cp.contracts[h] = c
	}
	return cp
}
