package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dmitrijs2005/mailkeeper/internal/common"
)

const (
	DefaultCallTimeout = 15 * time.Second
	defaultMaxRetries  = 4
	defaultBackoffBase = 250 * time.Millisecond
)

// Reliable decorates a Store with a per-call timeout and capped exponential
// backoff on transient failures. Once the retry budget is exhausted the
// error surfaces as common.ErrUnavailable.
//
// RowPollNew is exempt from the call timeout: blocking is its job.
type Reliable struct {
	inner   Store
	timeout time.Duration
	retries uint64
	base    time.Duration
}

func NewReliable(inner Store) *Reliable {
	return &Reliable{
		inner:   inner,
		timeout: DefaultCallTimeout,
		retries: defaultMaxRetries,
		base:    defaultBackoffBase,
	}
}

// WithTimeout overrides the per-call timeout.
func (r *Reliable) WithTimeout(d time.Duration) *Reliable {
	r.timeout = d
	return r
}

func (r *Reliable) do(ctx context.Context, timed bool, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(r.retries, retry.NewExponential(r.base))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		callCtx := ctx
		if timed {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: call timeout: %v", common.ErrTransient, err)
		}
		if errors.Is(err, common.ErrTransient) {
			return retry.RetryableError(err)
		}
		return err
	})
	if errors.Is(err, common.ErrTransient) {
		return fmt.Errorf("%w: %v", common.ErrUnavailable, err)
	}
	return err
}

func do1[T any](r *Reliable, ctx context.Context, timed bool, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.do(ctx, timed, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}

func (r *Reliable) BlobGet(ctx context.Context, key string) ([]byte, error) {
	return do1(r, ctx, true, func(ctx context.Context) ([]byte, error) {
		return r.inner.BlobGet(ctx, key)
	})
}

func (r *Reliable) BlobPut(ctx context.Context, key string, value []byte) error {
	return r.do(ctx, true, func(ctx context.Context) error {
		return r.inner.BlobPut(ctx, key, value)
	})
}

func (r *Reliable) BlobDelete(ctx context.Context, key string) error {
	return r.do(ctx, true, func(ctx context.Context) error {
		return r.inner.BlobDelete(ctx, key)
	})
}

func (r *Reliable) BlobCopy(ctx context.Context, src, dst string) error {
	return r.do(ctx, true, func(ctx context.Context) error {
		return r.inner.BlobCopy(ctx, src, dst)
	})
}

func (r *Reliable) BlobList(ctx context.Context, prefix string) ([]BlobItem, error) {
	return do1(r, ctx, true, func(ctx context.Context) ([]BlobItem, error) {
		return r.inner.BlobList(ctx, prefix)
	})
}

// RowInsert is not retried as a whole: a timed-out insert may still have
// landed, and a blind retry would then report a spurious conflict. The
// caller (the log engine) retries with a fresh timestamp instead.
func (r *Reliable) RowInsert(ctx context.Context, partition, sort string, value []byte) error {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	err := r.inner.RowInsert(callCtx, partition, sort, value)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w: call timeout: %v", common.ErrTransient, err)
	}
	return err
}

func (r *Reliable) RowGet(ctx context.Context, partition, sort string) (RowItem, error) {
	return do1(r, ctx, true, func(ctx context.Context) (RowItem, error) {
		return r.inner.RowGet(ctx, partition, sort)
	})
}

func (r *Reliable) RowRange(ctx context.Context, partition, lo, hi string, limit int) ([]RowItem, error) {
	return do1(r, ctx, true, func(ctx context.Context) ([]RowItem, error) {
		return r.inner.RowRange(ctx, partition, lo, hi, limit)
	})
}

func (r *Reliable) RowDelete(ctx context.Context, partition, sort string) error {
	return r.do(ctx, true, func(ctx context.Context) error {
		return r.inner.RowDelete(ctx, partition, sort)
	})
}

func (r *Reliable) RowDeleteRange(ctx context.Context, partition, lo, hi string) error {
	return r.do(ctx, true, func(ctx context.Context) error {
		return r.inner.RowDeleteRange(ctx, partition, lo, hi)
	})
}

func (r *Reliable) RowPollNew(ctx context.Context, partition, after string) ([]RowItem, error) {
	return do1(r, ctx, false, func(ctx context.Context) ([]RowItem, error) {
		return r.inner.RowPollNew(ctx, partition, after)
	})
}

func (r *Reliable) RowCAS(ctx context.Context, partition, sort string, expected, value []byte) error {
	return r.do(ctx, true, func(ctx context.Context) error {
		return r.inner.RowCAS(ctx, partition, sort, expected, value)
	})
}
