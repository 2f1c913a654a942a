package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/chainforge/chainforge/core/multifork"
	"github.com/chainforge/chainforge/core/remote"
	"github.com/chainforge/chainforge/core/types"
	"github.com/chainforge/chainforge/pkg/metrics"
)

// testRemote is a shared, read-only chain view: every fork dialed against
// the same testRemote instance observes the same base data, exactly as
// two local forks pinned at the same (endpoint, block) would against a
// real archive node.
type testRemote struct {
	endpoint string
	accounts map[types.Address]*types.AccountInfo
	storage  map[types.Address]map[types.U256]types.U256
	txs      map[types.Hash256]*remote.Transaction
	blocks   map[uint64]*remote.Block
}

func newTestRemote(endpoint string) *testRemote {
	return &testRemote{
		endpoint: endpoint,
		accounts: make(map[types.Address]*types.AccountInfo),
		storage:  make(map[types.Address]map[types.U256]types.U256),
		txs:      make(map[types.Hash256]*remote.Transaction),
		blocks:   make(map[uint64]*remote.Block),
	}
}

func (r *testRemote) Basic(ctx context.Context, addr types.Address) (*types.AccountInfo, error) {
	return r.accounts[addr], nil
}
func (r *testRemote) CodeByHash(ctx context.Context, hash types.Hash256) (*types.Bytecode, error) {
	return &types.Bytecode{}, nil
}
func (r *testRemote) Storage(ctx context.Context, addr types.Address, slot types.U256) (types.U256, error) {
	return r.storage[addr][slot], nil
}
func (r *testRemote) BlockHash(ctx context.Context, n uint64) (types.Hash256, error) {
	return types.Hash256{}, nil
}
func (r *testRemote) GetTransaction(ctx context.Context, hash types.Hash256) (*remote.Transaction, error) {
	if tx, ok := r.txs[hash]; ok {
		return tx, nil
	}
	return nil, errors.New("not implemented")
}
func (r *testRemote) GetFullBlock(ctx context.Context, n remote.BlockNumberOrTag) (*remote.Block, error) {
	if blk, ok := r.blocks[n.Number]; ok {
		return blk, nil
	}
	return nil, errors.New("not implemented")
}
func (r *testRemote) Endpoint() string { return r.endpoint }

// sharedDialer always returns the same testRemote for a given endpoint,
// mirroring the MultiFork supervisor's own deduplication one layer up.
type sharedDialer struct {
	remotes map[string]*testRemote
}

func (d *sharedDialer) Dial(ctx context.Context, spec multifork.Spec) (remote.State, types.Env, uint64, error) {
	r, ok := d.remotes[spec.Endpoint]
	if !ok {
		r = newTestRemote(spec.Endpoint)
		d.remotes[spec.Endpoint] = r
	}
	block := spec.BlockTag.Number
	return r, types.Env{Block: types.BlockEnv{Number: block}}, block, nil
}

func newTestBackend(t *testing.T) (*Backend, *sharedDialer) {
	t.Helper()
	d := &sharedDialer{remotes: make(map[string]*testRemote)}
	mf := multifork.New(d)
	t.Cleanup(mf.Close)
	b := New(Config{MultiFork: mf, Metrics: metrics.NewRegistry()})
	return b, d
}

var addrAA = types.HexToAddress("0xAAAA000000000000000000000000000000AAAA")
var addrBB = types.HexToAddress("0xBBBB000000000000000000000000000000BBBB")
var addrCaller = types.HexToAddress("0xCA11e50000000000000000000000000000000000")

// writeSlot simulates the interpreter recording an SSTORE: it updates
// both the fork's DB overlay (as Commit would) and the live jstate.
func writeSlot(f *Backend, jstate *types.JournaledState, dbAddr types.Address, db interface {
	CachedAccount(types.Address) (types.AccountInfo, bool)
	SetAccount(types.Address, types.AccountInfo)
	SetStorage(types.Address, map[types.U256]types.U256)
}, slot, val types.U256) {
	if _, ok := db.CachedAccount(dbAddr); !ok {
		db.SetAccount(dbAddr, types.EmptyAccountInfo())
	}
	db.SetStorage(dbAddr, map[types.U256]types.U256{slot: val})
	st, ok := jstate.State[dbAddr]
	if !ok {
		st = types.NewAccountState(types.AccountInfo{})
		jstate.State[dbAddr] = st
	}
	st.Storage[slot] = types.Slot{Original: val, Present: val}
	st.Touch()
}

func u256(v uint64) types.U256 { return *types.NewU256(v) }

// TestForkIsolation is property 1 / scenario S1: a non-persistent write
// under fork A must not be visible after selecting fork B.
func TestForkIsolation(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)

	spec := multifork.Spec{Endpoint: "http://chain", BlockTag: remote.Pinned(100)}
	idA, err := b.CreateFork(ctx, spec)
	if err != nil {
		t.Fatalf("CreateFork A: %v", err)
	}
	idB, err := b.CreateFork(ctx, spec)
	if err != nil {
		t.Fatalf("CreateFork B: %v", err)
	}
	if idA == idB {
		t.Fatal("two create_fork calls must yield distinct LocalForkIds even at the same endpoint/block")
	}

	env := types.Env{Tx: types.TxEnv{Caller: addrCaller}}
	jstateA, err := b.SelectFork(ctx, idA, &env)
	if err != nil {
		t.Fatalf("SelectFork A: %v", err)
	}

	slot := u256(1)
	writeSlot(b, jstateA, addrAA, b.forks[b.localOf[idA]].DB, slot, u256(0x42))

	jstateB, err := b.SelectFork(ctx, idB, &env)
	if err != nil {
		t.Fatalf("SelectFork B: %v", err)
	}

	got, err := b.forks[b.localOf[idB]].DB.Storage(ctx, addrAA, slot)
	if err != nil {
		t.Fatalf("Storage: %v", err)
	}
	if !got.IsZero() {
		t.Fatalf("fork B observed fork A's non-persistent write: slot = %v", got)
	}
	if _, ok := jstateB.State[addrAA]; ok {
		if jstateB.State[addrAA].Storage[slot].Present != (types.U256{}) {
			t.Fatal("fork B's jstate should not carry fork A's non-persistent write")
		}
	}
}

// TestPersistentPropagation is property 2 / scenario S2.
func TestPersistentPropagation(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)
	b.MakePersistent(addrBB)

	spec := multifork.Spec{Endpoint: "http://chain", BlockTag: remote.Pinned(100)}
	idA, _ := b.CreateFork(ctx, spec)
	idB, _ := b.CreateFork(ctx, spec)

	env := types.Env{Tx: types.TxEnv{Caller: addrCaller}}
	jstateA, err := b.SelectFork(ctx, idA, &env)
	if err != nil {
		t.Fatalf("SelectFork A: %v", err)
	}

	slot := u256(7)
	writeSlot(b, jstateA, addrBB, b.forks[b.localOf[idA]].DB, slot, u256(0x99))

	jstateB, err := b.SelectFork(ctx, idB, &env)
	if err != nil {
		t.Fatalf("SelectFork B: %v", err)
	}

	got, err := b.forks[b.localOf[idB]].DB.Storage(ctx, addrBB, slot)
	if err != nil {
		t.Fatalf("Storage: %v", err)
	}
	if got != u256(0x99) {
		t.Fatalf("fork B's DB slot 7 = %v, want persisted 0x99", got)
	}
	if jstateB.State[addrBB].Storage[slot].Present != u256(0x99) {
		t.Fatalf("fork B's jstate slot 7 = %v, want persisted 0x99", jstateB.State[addrBB].Storage[slot].Present)
	}
}

// TestSnapshotReversibility covers properties 3-5 / scenario S3: revert
// restores prior state, is single-use, and invalidates later snapshots.
func TestSnapshotReversibility(t *testing.T) {
	b, _ := newTestBackend(t)
	env := types.Env{}
	jstate := b.JournaledState()

	s := b.Snapshot(jstate, env)

	jstate.Logs = append(jstate.Logs, types.Log{Address: addrAA, Data: []byte("first")})
	jstate.State[addrAA] = types.NewAccountState(types.AccountInfo{Nonce: 1})

	s2 := b.Snapshot(jstate, env)

	jstate.Logs = append(jstate.Logs, types.Log{Address: addrAA, Data: []byte("second")})
	jstate.State[addrAA].Info.Nonce = 2

	restored := b.Revert(s, jstate, &env)
	if restored == nil {
		t.Fatal("Revert(s) should succeed")
	}
	if _, ok := restored.State[addrAA]; ok {
		t.Fatal("reverted state should not contain the post-snapshot account write")
	}
	if len(restored.Logs) != 2 {
		t.Fatalf("logs after revert = %d, want 2 (both emitted during S survive)", len(restored.Logs))
	}

	if again := b.Revert(s, restored, &env); again != nil {
		t.Fatal("reverting the same snapshot id twice should return nil")
	}
	if again := b.Revert(s2, restored, &env); again != nil {
		t.Fatal("s2 should have been invalidated by reverting s (monotone deletion)")
	}
}

// TestSnapshotFailureLatch is scenario S6.
func TestSnapshotFailureLatch(t *testing.T) {
	b, _ := newTestBackend(t)
	env := types.Env{}
	jstate := b.JournaledState()

	s := b.Snapshot(jstate, env)

	failState := types.NewAccountState(types.AccountInfo{})
	failState.Storage[slotFromHash(globalFailureSlot)] = types.NewSlot(u256(1))
	jstate.State[CheatcodeAddress] = failState

	if b.HasSnapshotFailure() {
		t.Fatal("HasSnapshotFailure should be false before the revert observes the fail() write")
	}

	b.Revert(s, jstate, &env)

	if !b.HasSnapshotFailure() {
		t.Fatal("HasSnapshotFailure should be latched true after reverting a snapshot that observed fail()")
	}
}

// TestMergedLogsOrdering is property 10: the active fork's logs come
// first, in emission order, followed by every other fork's stored logs
// in fork-vector order.
func TestMergedLogsOrdering(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)

	spec := multifork.Spec{Endpoint: "http://chain", BlockTag: remote.Pinned(100)}
	idA, _ := b.CreateFork(ctx, spec)
	idB, _ := b.CreateFork(ctx, spec)

	env := types.Env{Tx: types.TxEnv{Caller: addrCaller}}
	jstateA, err := b.SelectFork(ctx, idA, &env)
	if err != nil {
		t.Fatalf("SelectFork A: %v", err)
	}
	jstateA.Logs = append(jstateA.Logs, types.Log{Address: addrAA, Data: []byte("a1")})

	jstateB, err := b.SelectFork(ctx, idB, &env)
	if err != nil {
		t.Fatalf("SelectFork B: %v", err)
	}
	jstateB.Logs = append(jstateB.Logs, types.Log{Address: addrBB, Data: []byte("b1")})
	jstateB.Logs = append(jstateB.Logs, types.Log{Address: addrBB, Data: []byte("b2")})

	merged := b.MergedLogs()
	if len(merged) != 3 {
		t.Fatalf("merged logs = %d, want 3", len(merged))
	}
	want := []string{"b1", "b2", "a1"}
	for i, l := range merged {
		if string(l.Data) != want[i] {
			t.Fatalf("merged[%d] = %q, want %q (active fork B's logs first, then retired fork A's)", i, l.Data, want[i])
		}
	}
}

// TestDiagnoseRevertContractExistsOnOtherForks is scenario S5.
func TestDiagnoseRevertContractExistsOnOtherForks(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBackend(t)

	spec := multifork.Spec{Endpoint: "http://chain", BlockTag: remote.Pinned(100)}
	idA, _ := b.CreateFork(ctx, spec)
	idB, _ := b.CreateFork(ctx, spec)

	env := types.Env{Tx: types.TxEnv{Caller: addrCaller}}
	if _, err := b.SelectFork(ctx, idA, &env); err != nil {
		t.Fatalf("SelectFork A: %v", err)
	}
	callee := types.HexToAddress("0xC0DE000000000000000000000000000000C0DE")
	b.forks[b.localOf[idA]].DB.SetAccount(callee, types.AccountInfo{
		Nonce:    0,
		CodeHash: types.HexToHash256("0x1111111111111111111111111111111111111111111111111111111111111111"),
	})

	jstateB, err := b.SelectFork(ctx, idB, &env)
	if err != nil {
		t.Fatalf("SelectFork B: %v", err)
	}

	diag := b.DiagnoseRevert(callee, jstateB)
	if diag == nil {
		t.Fatal("expected a diagnostic, got nil")
	}
	if diag.Kind != ContractExistsOnOtherForks {
		t.Fatalf("kind = %v, want ContractExistsOnOtherForks", diag.Kind)
	}
	if len(diag.AvailableOn) != 1 || diag.AvailableOn[0] != idA {
		t.Fatalf("available_on = %v, want [%v]", diag.AvailableOn, idA)
	}
}
