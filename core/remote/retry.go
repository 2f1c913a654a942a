package remote

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chainforge/chainforge/core/types"
)

// retrying wraps a State and retries each call with exponential backoff,
// the way an archive-node client must tolerate transient rate limiting and
// connection resets from a remote RPC provider.
type retrying struct {
	inner State
	newBO func() backoff.BackOff
}

// WithRetry decorates state so every method retries on error using an
// exponential backoff policy capped at maxElapsed. A maxElapsed of zero
// disables the cap (retries until ctx is cancelled).
func WithRetry(state State, maxElapsed int) State {
	return &retrying{
		inner: state,
		newBO: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			if maxElapsed > 0 {
				b.MaxElapsedTime = time.Duration(maxElapsed) * time.Second
			} else {
				b.MaxElapsedTime = 0
			}
			return b
		},
	}
}

func (r *retrying) Endpoint() string { return r.inner.Endpoint() }

func (r *retrying) Basic(ctx context.Context, addr types.Address) (*types.AccountInfo, error) {
	var out *types.AccountInfo
	err := backoff.Retry(func() error {
		var err error
		out, err = r.inner.Basic(ctx, addr)
		return wrapRetryable(ctx, err)
	}, backoff.WithContext(r.newBO(), ctx))
	return out, err
}

func (r *retrying) CodeByHash(ctx context.Context, hash types.Hash256) (*types.Bytecode, error) {
	var out *types.Bytecode
	err := backoff.Retry(func() error {
		var err error
		out, err = r.inner.CodeByHash(ctx, hash)
		return wrapRetryable(ctx, err)
	}, backoff.WithContext(r.newBO(), ctx))
	return out, err
}

func (r *retrying) Storage(ctx context.Context, addr types.Address, slot types.U256) (types.U256, error) {
	var out types.U256
	err := backoff.Retry(func() error {
		var err error
		out, err = r.inner.Storage(ctx, addr, slot)
		return wrapRetryable(ctx, err)
	}, backoff.WithContext(r.newBO(), ctx))
	return out, err
}

func (r *retrying) BlockHash(ctx context.Context, n uint64) (types.Hash256, error) {
	var out types.Hash256
	err := backoff.Retry(func() error {
		var err error
		out, err = r.inner.BlockHash(ctx, n)
		return wrapRetryable(ctx, err)
	}, backoff.WithContext(r.newBO(), ctx))
	return out, err
}

func (r *retrying) GetTransaction(ctx context.Context, hash types.Hash256) (*Transaction, error) {
	var out *Transaction
	err := backoff.Retry(func() error {
		var err error
		out, err = r.inner.GetTransaction(ctx, hash)
		return wrapRetryable(ctx, err)
	}, backoff.WithContext(r.newBO(), ctx))
	return out, err
}

func (r *retrying) GetFullBlock(ctx context.Context, numberOrTag BlockNumberOrTag) (*Block, error) {
	var out *Block
	err := backoff.Retry(func() error {
		var err error
		out, err = r.inner.GetFullBlock(ctx, numberOrTag)
		return wrapRetryable(ctx, err)
	}, backoff.WithContext(r.newBO(), ctx))
	return out, err
}

// wrapRetryable marks a non-nil error as permanent once the context is
// done, so backoff.Retry stops instead of spinning past cancellation.
func wrapRetryable(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return backoff.Permanent(err)
	}
	return err
}
