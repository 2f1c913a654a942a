package fork

import (
	"github.com/chainforge/chainforge/core/types"
)

// Accessor is the subset of ForkDB's (or the in-memory DB's) surface the
// persistent-account merge needs. Both forkdb.ForkDB and the Backend's
// in-memory DB implement it, so MergeDBAccountData works identically
// whether the source or destination is a live fork or the in-memory DB
// (§4.1 step 7: "copy from A, or from the in-memory DB, if no active
// fork").
type Accessor interface {
	CachedAccount(addr types.Address) (types.AccountInfo, bool)
	CachedStorage(addr types.Address) map[types.U256]types.U256
	ContractByHash(hash types.Hash256) (*types.Bytecode, bool)
	SetAccount(addr types.Address, info types.AccountInfo)
	SetStorage(addr types.Address, storage map[types.U256]types.U256)
}

// MergeDBAccountData copies each persistent address's cached account and
// storage from src into dst, source winning on any storage key present in
// both. Addresses with no cached account in src are skipped — there is
// nothing authoritative to copy. This is merge_db_account_data (§4.3).
func MergeDBAccountData(persistent []types.Address, src, dst Accessor) {
	for _, addr := range persistent {
		info, ok := src.CachedAccount(addr)
		if !ok {
			continue
		}
		clone := info.Clone()

		if clone.Code == nil && clone.CodeHash != types.EmptyCodeHash && !clone.CodeHash.IsZero() {
			if code, ok := src.ContractByHash(clone.CodeHash); ok {
				clone.Code = code
			}
		}

		srcStorage := src.CachedStorage(addr)
		dstStorage := dst.CachedStorage(addr)
		merged := mergeStorageMaps(dstStorage, srcStorage)

		dst.SetAccount(addr, clone)
		if len(merged) > 0 {
			dst.SetStorage(addr, merged)
		}
	}
}

// MergeJournaledStateData copies each persistent address's account record
// from src into dst's JournaledState, merging storage the same way as
// MergeDBAccountData (source wins on duplicate keys). This is
// merge_journaled_state_data (§4.3).
//
// When src's call depth exceeds dst's, this merge also raises dst's depth
// to src's and synthesizes empty journal frames in dst, preserving the
// invariant len(Journal) == Depth+1. MergeDBAccountData does not touch
// journals.
func MergeJournaledStateData(persistent []types.Address, src, dst *types.JournaledState) {
	for _, addr := range persistent {
		srcState, ok := src.State[addr]
		if !ok {
			continue
		}
		clone := srcState.Clone()

		if dstState, ok := dst.State[addr]; ok {
			clone.Storage = mergeSlotMaps(dstState.Storage, clone.Storage)
		}
		dst.State[addr] = clone
	}

	if src.Depth > dst.Depth {
		dst.Depth = src.Depth
		dst.EnsureDepth(src.Depth)
	}
}

// mergeStorageMaps overlays src onto a copy of dst, source winning on
// duplicate keys, per the invariant that persistent data is authoritative
// from its source fork.
func mergeStorageMaps(dst, src map[types.U256]types.U256) map[types.U256]types.U256 {
	if len(dst) == 0 && len(src) == 0 {
		return nil
	}
	merged := make(map[types.U256]types.U256, len(dst)+len(src))
	for k, v := range dst {
		merged[k] = v
	}
	for k, v := range src {
		merged[k] = v
	}
	return merged
}

// mergeSlotMaps is mergeStorageMaps for JournaledState's richer Slot
// value type (original + present), used when merging account records
// directly rather than DB-cached plain values.
func mergeSlotMaps(dst, src map[types.U256]types.Slot) map[types.U256]types.Slot {
	merged := make(map[types.U256]types.Slot, len(dst)+len(src))
	for k, v := range dst {
		merged[k] = v
	}
	for k, v := range src {
		merged[k] = v
	}
	return merged
}
