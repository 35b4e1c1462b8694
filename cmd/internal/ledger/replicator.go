package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

const backoffMultiplier = 1.5

// Replicator copies ledger rows from a Source into a Sink.
type Replicator struct {
	src     Source
	sink    Sink
	cfg     Config
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu     sync.Mutex
	cursor *Cursor
}

// Option configures a Replicator.
type Option func(*Replicator)

func WithLogger(l *slog.Logger) Option {
	return func(r *Replicator) {
		if l != nil {
			r.log = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Replicator) { r.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(r *Replicator) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReplicator validates cfg and returns a Replicator.
func NewReplicator(src Source, sink Sink, cfg Config, opts ...Option) (*Replicator, error) {
	if src == nil || sink == nil {
		return nil, errors.New("ledger: source and sink are required")
	}
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxBackoff < cfg.PollInterval {
		cfg.MaxBackoff = max(def.MaxBackoff, cfg.PollInterval)
	}

	r := &Replicator{
		src:  src,
		sink: sink,
		cfg:  cfg,
		log:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// SyncOnce drains the source past the replication cursor and returns the rows
// applied. The first call starts at the beginning of the local watermark
// block, so a block cut short by a crash or a batch boundary is read again.
func (r *Replicator) SyncOnce(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cursor == nil {
		watermark, err := r.sink.LedgerWatermark(ctx)
		if err != nil {
			return 0, err
		}
		r.cursor = &Cursor{BlockNum: watermark}
	}

	total := 0
	for {
		rows, err := r.src.Fetch(ctx, *r.cursor, r.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			return total, nil
		}

		n, err := r.sink.UpsertLedgerUsers(ctx, rows, r.now())
		if err != nil {
			return total, err
		}
		total += n
		next := cursorOf(rows[len(rows)-1])
		r.cursor = &next
		r.metrics.applied(n, next.BlockNum)

		if len(rows) < r.cfg.BatchSize {
			return total, nil
		}
	}
}

// Run polls until ctx is canceled. It returns nil on cancellation.
func (r *Replicator) Run(ctx context.Context) error {
	r.log.Info("ledger.replicator.start",
		"table", r.cfg.SourceTable,
		"interval", r.cfg.PollInterval.String(),
		"batch", r.cfg.BatchSize,
	)

	wait := r.cfg.PollInterval
	for {
		n, err := r.SyncOnce(ctx)
		switch {
		case ctx.Err() != nil:
			r.log.Info("ledger.replicator.stop")
			return nil
		case err != nil:
			r.metrics.failed()
			wait = r.nextBackoff(wait)
			r.log.Warn("ledger.sync.fail", "err", err, "retry_in", wait.String())
		default:
			wait = r.cfg.PollInterval
			if n > 0 {
				r.log.Debug("ledger.sync.ok", "rows", n)
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.log.Info("ledger.replicator.stop")
			return nil
		case <-timer.C:
		}
	}
}

// nextBackoff grows wait by backoffMultiplier with up to 30% jitter, capped at MaxBackoff.
func (r *Replicator) nextBackoff(wait time.Duration) time.Duration {
	next := time.Duration(float64(wait) * backoffMultiplier)
	next += time.Duration(rand.Float64() * 0.3 * float64(next))
	if next > r.cfg.MaxBackoff {
		next = r.cfg.MaxBackoff
	}
	return next
}
