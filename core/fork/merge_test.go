package fork

import (
	"testing"

	"github.com/chainforge/chainforge/core/types"
)

// fakeAccessor is a minimal in-memory fork.Accessor for exercising the
// merge logic without pulling in forkdb's RemoteState dependency.
type fakeAccessor struct {
	accounts map[types.Address]types.AccountInfo
	storage  map[types.Address]map[types.U256]types.U256
	code     map[types.Hash256]*types.Bytecode
}

func newFakeAccessor() *fakeAccessor {
	return &fakeAccessor{
		accounts: make(map[types.Address]types.AccountInfo),
		storage:  make(map[types.Address]map[types.U256]types.U256),
		code:     make(map[types.Hash256]*types.Bytecode),
	}
}

func (f *fakeAccessor) CachedAccount(addr types.Address) (types.AccountInfo, bool) {
	info, ok := f.accounts[addr]
	return info, ok
}

func (f *fakeAccessor) CachedStorage(addr types.Address) map[types.U256]types.U256 {
	return f.storage[addr]
}

func (f *fakeAccessor) ContractByHash(hash types.Hash256) (*types.Bytecode, bool) {
	c, ok := f.code[hash]
	return c, ok
}

func (f *fakeAccessor) SetAccount(addr types.Address, info types.AccountInfo) {
	f.accounts[addr] = info
}

func (f *fakeAccessor) SetStorage(addr types.Address, storage map[types.U256]types.U256) {
	if f.storage[addr] == nil {
		f.storage[addr] = make(map[types.U256]types.U256)
	}
	for k, v := range storage {
		f.storage[addr][k] = v
	}
}

func u256(v uint64) types.U256 { return *types.NewU256(v) }

func TestMergeDBAccountDataSkipsAbsentSource(t *testing.T) {
	src, dst := newFakeAccessor(), newFakeAccessor()
	addr := types.HexToAddress("0xAAAA000000000000000000000000000000AAAA")

	MergeDBAccountData([]types.Address{addr}, src, dst)

	if _, ok := dst.CachedAccount(addr); ok {
		t.Fatal("dst should not gain an account the source never had")
	}
}

func TestMergeDBAccountDataSourceWinsOnDuplicateKeys(t *testing.T) {
	src, dst := newFakeAccessor(), newFakeAccessor()
	addr := types.HexToAddress("0xBBBB000000000000000000000000000000BBBB")
	slot := u256(7)

	src.SetAccount(addr, types.AccountInfo{Balance: types.NewU256(1), Nonce: 1})
	src.SetStorage(addr, map[types.U256]types.U256{slot: u256(0x99)})

	dst.SetAccount(addr, types.AccountInfo{Balance: types.NewU256(2), Nonce: 2})
	dst.SetStorage(addr, map[types.U256]types.U256{slot: u256(0x01), u256(8): u256(0x02)})

	MergeDBAccountData([]types.Address{addr}, src, dst)

	got := dst.CachedStorage(addr)
	if got[slot] != u256(0x99) {
		t.Fatalf("slot 7 = %v, want source value 0x99", got[slot])
	}
	if got[u256(8)] != u256(0x02) {
		t.Fatal("dst-only slot 8 should survive the merge")
	}
	info, _ := dst.CachedAccount(addr)
	if info.Nonce != 1 {
		t.Fatalf("nonce = %d, want source's 1", info.Nonce)
	}
}

func TestMergeJournaledStateDataSynthesizesFrames(t *testing.T) {
	src := types.NewJournaledState()
	dst := types.NewJournaledState()
	addr := types.HexToAddress("0xCCCC000000000000000000000000000000CCCC")

	src.Depth = 3
	src.EnsureDepth(3)
	src.State[addr] = types.NewAccountState(types.AccountInfo{Nonce: 5})

	MergeJournaledStateData([]types.Address{addr}, src, dst)

	if len(dst.Journal) != 4 {
		t.Fatalf("len(journal) = %d, want 4 (depth+1)", len(dst.Journal))
	}
	if dst.State[addr].Info.Nonce != 5 {
		t.Fatalf("nonce = %d, want 5", dst.State[addr].Info.Nonce)
	}
}

func TestMergeJournaledStateDataMergesStorage(t *testing.T) {
	src := types.NewJournaledState()
	dst := types.NewJournaledState()
	addr := types.HexToAddress("0xDDDD000000000000000000000000000000DDDD")
	slot := u256(1)

	src.State[addr] = types.NewAccountState(types.AccountInfo{})
	src.State[addr].Storage[slot] = types.NewSlot(u256(0x42))

	dst.State[addr] = types.NewAccountState(types.AccountInfo{})
	dst.State[addr].Storage[slot] = types.NewSlot(u256(0x00))
	dst.State[addr].Storage[u256(2)] = types.NewSlot(u256(0x07))

	MergeJournaledStateData([]types.Address{addr}, src, dst)

	if dst.State[addr].Storage[slot].Present != u256(0x42) {
		t.Fatalf("slot 1 = %v, want source's 0x42", dst.State[addr].Storage[slot].Present)
	}
	if dst.State[addr].Storage[u256(2)].Present != u256(0x07) {
		t.Fatal("dst-only slot 2 should survive the merge")
	}
}
