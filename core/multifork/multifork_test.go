package multifork

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/chainforge/chainforge/core/remote"
	"github.com/chainforge/chainforge/core/types"
)

type fakeRemoteState struct {
	endpoint string
}

func (f *fakeRemoteState) Basic(ctx context.Context, addr types.Address) (*types.AccountInfo, error) {
	return nil, nil
}
func (f *fakeRemoteState) CodeByHash(ctx context.Context, hash types.Hash256) (*types.Bytecode, error) {
	return nil, nil
}
func (f *fakeRemoteState) Storage(ctx context.Context, addr types.Address, slot types.U256) (types.U256, error) {
	return types.U256{}, nil
}
func (f *fakeRemoteState) BlockHash(ctx context.Context, n uint64) (types.Hash256, error) {
	return types.Hash256{}, nil
}
func (f *fakeRemoteState) GetTransaction(ctx context.Context, hash types.Hash256) (*remote.Transaction, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRemoteState) GetFullBlock(ctx context.Context, n remote.BlockNumberOrTag) (*remote.Block, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRemoteState) Endpoint() string { return f.endpoint }

type fakeDialer struct {
	dials atomic.Int32
}

func (d *fakeDialer) Dial(ctx context.Context, spec Spec) (remote.State, types.Env, uint64, error) {
	d.dials.Add(1)
	block := spec.BlockTag.Number
	if spec.BlockTag.Tag != "" {
		block = 100
	}
	return &fakeRemoteState{endpoint: spec.Endpoint}, types.Env{Block: types.BlockEnv{Number: block}}, block, nil
}

func TestCreateForkInternsByEndpointAndBlock(t *testing.T) {
	d := &fakeDialer{}
	m := New(d)
	defer m.Close()
	ctx := context.Background()

	id1, _, _, err := m.CreateFork(ctx, Spec{Endpoint: "http://a", BlockTag: remote.Pinned(10)})
	if err != nil {
		t.Fatalf("CreateFork: %v", err)
	}
	id2, _, _, err := m.CreateFork(ctx, Spec{Endpoint: "http://a", BlockTag: remote.Pinned(10)})
	if err != nil {
		t.Fatalf("CreateFork: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ids = %v, %v, want the same interned ForkId", id1, id2)
	}
	if d.dials.Load() != 1 {
		t.Fatalf("dialed %d times, want 1 (second request should reuse the cached handle)", d.dials.Load())
	}
}

func TestCreateForkDistinctBlocksDistinctIDs(t *testing.T) {
	d := &fakeDialer{}
	m := New(d)
	defer m.Close()
	ctx := context.Background()

	id1, _, _, _ := m.CreateFork(ctx, Spec{Endpoint: "http://a", BlockTag: remote.Pinned(10)})
	id2, _, _, _ := m.CreateFork(ctx, Spec{Endpoint: "http://a", BlockTag: remote.Pinned(11)})
	if id1 == id2 {
		t.Fatal("distinct pinned blocks should intern to distinct ForkIds")
	}
}

func TestRollForkProducesNewIDSameEndpoint(t *testing.T) {
	d := &fakeDialer{}
	m := New(d)
	defer m.Close()
	ctx := context.Background()

	id1, _, _, _ := m.CreateFork(ctx, Spec{Endpoint: "http://a", BlockTag: remote.Pinned(10)})
	id2, _, _, err := m.RollFork(ctx, id1, 20)
	if err != nil {
		t.Fatalf("RollFork: %v", err)
	}
	if id2.Endpoint != id1.Endpoint {
		t.Fatalf("endpoint changed across roll: %s -> %s", id1.Endpoint, id2.Endpoint)
	}
	if id2.Block != 20 {
		t.Fatalf("rolled block = %d, want 20", id2.Block)
	}
}

func TestGetEnvUnknownForkErrors(t *testing.T) {
	d := &fakeDialer{}
	m := New(d)
	defer m.Close()

	if _, err := m.GetEnv(ForkId{Endpoint: "http://nope", Block: 1}); err == nil {
		t.Fatal("GetEnv of an uninterned ForkId should error")
	}
}
