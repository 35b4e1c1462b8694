package kms

import (
	"context"
	"errors"
	"time"
)

// DefaultTimeout bounds a single KMS call when none is configured.
const DefaultTimeout = 5 * time.Second

// BoundedEncryptor applies a per-call deadline and metrics to an Encryptor.
type BoundedEncryptor struct {
	next    Encryptor
	timeout time.Duration
	metrics *Metrics
	now     func() time.Time
	wipe    func([]byte)
}

// Bounded wraps enc. A non-positive timeout uses DefaultTimeout; metrics may be nil.
func Bounded(enc Encryptor, timeout time.Duration, metrics *Metrics) *BoundedEncryptor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &BoundedEncryptor{
		next:    enc,
		timeout: timeout,
		metrics: metrics,
		now:     time.Now,
		wipe:    zero,
	}
}

func (b *BoundedEncryptor) Encrypt(ctx context.Context, keyRef string, plaintext []byte) ([]byte, error) {
	out, err := b.call(ctx, "encrypt", func(ctx context.Context) ([]byte, error) {
		return b.next.Encrypt(ctx, keyRef, plaintext)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoundedEncryptor) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	out, err := b.call(ctx, "decrypt", func(ctx context.Context) ([]byte, error) {
		return b.next.Decrypt(ctx, ciphertext)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoundedEncryptor) call(ctx context.Context, op string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	if b == nil || b.next == nil {
		return nil, &ProviderError{Op: op, Err: errors.New("encryptor not configured")}
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type result struct {
		out []byte
		err error
	}

	start := b.now()
	done := make(chan result, 1)
	go func() {
		out, err := fn(ctx)
		done <- result{out: out, err: err}
	}()

	// Providers that ignore ctx still cannot hold the caller past the deadline.
	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{err: ctx.Err()}
		// A late result may still carry plaintext; wipe it when it lands.
		go func() {
			late := <-done
			b.wipe(late.out)
		}()
	}

	outcome := outcomeOK
	switch {
	case res.err == nil:
	case errors.Is(res.err, context.DeadlineExceeded):
		outcome = outcomeTimeout
	default:
		outcome = outcomeError
	}
	b.metrics.observe(op, outcome, b.now().Sub(start))

	if res.err != nil {
		return nil, &ProviderError{Op: op, Err: res.err}
	}
	return res.out, nil
}
