// Package multifork implements the MultiFork supervisor: the single point
// where (endpoint, block) pairs are canonicalized into ForkIds, and the
// owner of the RemoteState handles backing them. See spec §4.6.
//
// The supervisor runs on its own goroutine and is driven by the Backend
// over a request/response channel; every call the Backend makes into it
// blocks until the reply arrives, exactly as §4.6 and §5 require.
package multifork

import (
	"context"
	"fmt"
	"sync"

	"github.com/chainforge/chainforge/core/remote"
	"github.com/chainforge/chainforge/core/types"
)

// ForkId canonically identifies a (endpoint, pinned-block) pair. Two tests
// that ask for the same pair share a single underlying RemoteState.
type ForkId struct {
	Endpoint string
	Block    uint64
}

func (f ForkId) String() string { return fmt.Sprintf("%s@%d", f.Endpoint, f.Block) }

// Spec describes what fork to create: an endpoint plus the block to pin
// it at (or "latest" to pin at the chain tip observed at dial time).
type Spec struct {
	Endpoint  string
	BlockTag  remote.BlockNumberOrTag
	JWTSecret []byte
}

// Dialer opens a RemoteState for (endpoint, block) and reports the Env
// implied by that block's header. It is the one seam Backend tests can
// fake without a live archive node.
type Dialer interface {
	Dial(ctx context.Context, spec Spec) (remote.State, types.Env, uint64, error)
}

type entry struct {
	state remote.State
	env   types.Env
}

// request is the unit of work the supervisor goroutine drains; result is
// delivered back over reply, which is always buffered size 1.
type request struct {
	do    func() (any, error)
	reply chan result
}

type result struct {
	val any
	err error
}

// MultiFork owns the set of RemoteState handles indexed by ForkId and
// services fork-allocation and roll requests from a single goroutine.
type MultiFork struct {
	dialer Dialer

	reqs chan request
	done chan struct{}

	mu    sync.RWMutex // guards forks for read-only getters used off the loop goroutine
	forks map[ForkId]entry
}

// New starts a MultiFork supervisor backed by dialer.
func New(dialer Dialer) *MultiFork {
	m := &MultiFork{
		dialer: dialer,
		reqs:   make(chan request),
		done:   make(chan struct{}),
		forks:  make(map[ForkId]entry),
	}
	go m.run()
	return m
}

// Close stops the supervisor goroutine. Outstanding RemoteState handles
// remain usable; Close only stops new requests from being serviced.
func (m *MultiFork) Close() {
	close(m.done)
}

func (m *MultiFork) run() {
	for {
		select {
		case <-m.done:
			return
		case r := <-m.reqs:
			val, err := r.do()
			r.reply <- result{val: val, err: err}
		}
	}
}

// call enqueues work onto the supervisor goroutine and blocks for its
// reply, implementing the synchronous-from-the-Backend's-perspective
// contract of §4.6/§5.
func (m *MultiFork) call(ctx context.Context, do func() (any, error)) (any, error) {
	req := request{do: do, reply: make(chan result, 1)}
	select {
	case m.reqs <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, fmt.Errorf("multifork: supervisor closed")
	}
	select {
	case res := <-req.reply:
		return res.val, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateFork allocates (or reuses, if already interned) a RemoteState for
// spec and returns its canonical ForkId, the handle, and the Env implied
// by the pinned block's header.
func (m *MultiFork) CreateFork(ctx context.Context, spec Spec) (ForkId, remote.State, types.Env, error) {
	v, err := m.call(ctx, func() (any, error) {
		return m.dialAndIntern(ctx, spec)
	})
	if err != nil {
		return ForkId{}, nil, types.Env{}, err
	}
	e := v.(dialedEntry)
	return e.id, e.state, e.env, nil
}

// RollFork produces a new ForkId for (endpoint_of(oldID), newBlock),
// reusing a cached handle if that pair was already interned.
func (m *MultiFork) RollFork(ctx context.Context, oldID ForkId, newBlock uint64) (ForkId, remote.State, types.Env, error) {
	spec := Spec{Endpoint: oldID.Endpoint, BlockTag: remote.Pinned(newBlock)}
	v, err := m.call(ctx, func() (any, error) {
		return m.dialAndIntern(ctx, spec)
	})
	if err != nil {
		return ForkId{}, nil, types.Env{}, err
	}
	e := v.(dialedEntry)
	return e.id, e.state, e.env, nil
}

type dialedEntry struct {
	id    ForkId
	state remote.State
	env   types.Env
}

// dialAndIntern runs on the supervisor goroutine only: the request/reply
// channel in call enforces that every invocation across every Backend is
// fully serialized, so the interning map check below never races with
// itself and needs no separate dedup layer on top of it.
func (m *MultiFork) dialAndIntern(ctx context.Context, spec Spec) (dialedEntry, error) {
	state, env, resolvedBlock, err := m.dialer.Dial(ctx, spec)
	if err != nil {
		return dialedEntry{}, &types.RemoteIOError{Op: "dial", Err: err}
	}
	id := ForkId{Endpoint: spec.Endpoint, Block: resolvedBlock}

	m.mu.Lock()
	if existing, ok := m.forks[id]; ok {
		m.mu.Unlock()
		return dialedEntry{id: id, state: existing.state, env: existing.env}, nil
	}
	m.forks[id] = entry{state: state, env: env}
	m.mu.Unlock()
	return dialedEntry{id: id, state: state, env: env}, nil
}

// GetEnv returns the Env recorded for a previously interned ForkId.
func (m *MultiFork) GetEnv(id ForkId) (types.Env, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.forks[id]
	if !ok {
		return types.Env{}, fmt.Errorf("multifork: unknown fork id %s", id)
	}
	return e.env, nil
}

// GetForkURL returns the endpoint URL for a previously interned ForkId.
func (m *MultiFork) GetForkURL(id ForkId) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.forks[id]; !ok {
		return "", fmt.Errorf("multifork: unknown fork id %s", id)
	}
	return id.Endpoint, nil
}
