package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"custodian/cmd/identity"
)

type fakeSource struct {
	mu     sync.Mutex
	rows   []identity.LedgerUser
	err    error
	calls  int
	limits []int
}

func (f *fakeSource) Fetch(ctx context.Context, after Cursor, limit int) ([]identity.LedgerUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	f.limits = append(f.limits, limit)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}

	sorted := append([]identity.LedgerUser(nil), f.rows...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].BlockNum != sorted[j].BlockNum {
			return sorted[i].BlockNum < sorted[j].BlockNum
		}
		return sorted[i].UserID < sorted[j].UserID
	})

	var out []identity.LedgerUser
	for _, r := range sorted {
		if after.After(r) {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) add(rows ...identity.LedgerUser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rows...)
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func row(id string, block int64) identity.LedgerUser {
	return identity.LedgerUser{
		UserID:    id,
		To:        "to-" + id,
		Recovery:  "rec-" + id,
		Timestamp: 1700000000 + block,
		LogAddr:   "log-" + id,
		BlockNum:  block,
	}
}

func TestSyncOnce_DrainsInBatches(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.add(row("u1", 1), row("u2", 2), row("u3", 3), row("u4", 4), row("u5", 5))
	sink := identity.NewMemoryStore()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	r, err := NewReplicator(src, sink, Config{BatchSize: 2}, WithMetrics(m))
	if err != nil {
		t.Fatalf("NewReplicator: %v", err)
	}

	n, err := r.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if n != 5 {
		t.Fatalf("applied=%d want 5", n)
	}
	// 2 + 2 + 1: the short batch ends the drain.
	if src.callCount() != 3 {
		t.Fatalf("fetch calls=%d want 3", src.callCount())
	}

	wm, _ := sink.LedgerWatermark(context.Background())
	if wm != 5 {
		t.Fatalf("watermark=%d want 5", wm)
	}
	if got := testutil.ToFloat64(m.rows); got != 5 {
		t.Fatalf("rows metric=%v", got)
	}
	if got := testutil.ToFloat64(m.watermark); got != 5 {
		t.Fatalf("watermark metric=%v", got)
	}

	u, err := sink.GetUser(context.Background(), "u3")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.To == nil || *u.To != "to-u3" || u.BlockNum == nil || *u.BlockNum != 3 {
		t.Fatalf("unexpected replicated user %+v", u)
	}
}

func TestSyncOnce_ResumesFromWatermarkAndLastWriteWins(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.add(row("u1", 1))
	sink := identity.NewMemoryStore()
	r, _ := NewReplicator(src, sink, Config{BatchSize: 10})

	if _, err := r.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	updated := row("u1", 7)
	updated.To = "moved"
	src.add(updated)

	n, err := r.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("second sync applied=%d want 1", n)
	}
	u, _ := sink.GetUser(context.Background(), "u1")
	if *u.To != "moved" || *u.BlockNum != 7 {
		t.Fatalf("expected latest ledger row, got to=%s block=%d", *u.To, *u.BlockNum)
	}

	n, _ = r.SyncOnce(context.Background())
	if n != 0 {
		t.Fatalf("idle sync applied=%d", n)
	}
}

func TestSyncOnce_BlockSpanningBatches(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.add(row("u1", 5), row("u2", 5), row("u3", 5), row("u4", 6))
	sink := identity.NewMemoryStore()
	r, _ := NewReplicator(src, sink, Config{BatchSize: 2})

	n, err := r.SyncOnce(context.Background())
	if err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if n != 4 {
		t.Fatalf("applied=%d want 4", n)
	}
	for _, id := range []string{"u1", "u2", "u3", "u4"} {
		if _, err := sink.GetUser(context.Background(), id); err != nil {
			t.Fatalf("%s not replicated: %v", id, err)
		}
	}

	// A row landing later in an already replicated block is still picked up.
	src.add(row("u5", 6))
	n, err = r.SyncOnce(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("late row: applied=%d err=%v", n, err)
	}
}

func TestSyncOnce_RestartRereadsWatermarkBlock(t *testing.T) {
	t.Parallel()

	sink := identity.NewMemoryStore()
	// A previous process applied only the first half of block 5.
	if _, err := sink.UpsertLedgerUsers(context.Background(), []identity.LedgerUser{row("u1", 5), row("u2", 5)}, time.Time{}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	src := &fakeSource{}
	src.add(row("u1", 5), row("u2", 5), row("u3", 5))
	r, _ := NewReplicator(src, sink, Config{BatchSize: 2})

	if _, err := r.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if _, err := sink.GetUser(context.Background(), "u3"); err != nil {
		t.Fatalf("u3 not replicated: %v", err)
	}
}

func TestCursorAfter(t *testing.T) {
	t.Parallel()

	c := Cursor{BlockNum: 5, UserID: "u2"}
	cases := []struct {
		row  identity.LedgerUser
		want bool
	}{
		{row("u1", 5), false},
		{row("u2", 5), false},
		{row("u3", 5), true},
		{row("u0", 6), true},
		{row("u9", 4), false},
	}
	for _, tc := range cases {
		if got := c.After(tc.row); got != tc.want {
			t.Fatalf("After(%s@%d)=%v want %v", tc.row.UserID, tc.row.BlockNum, got, tc.want)
		}
	}
	if !(Cursor{BlockNum: 5}).After(row("u1", 5)) {
		t.Fatalf("empty user id must sort before every row of its block")
	}
}

func TestSyncOnce_SourceError(t *testing.T) {
	t.Parallel()

	boom := errors.New("source unavailable")
	src := &fakeSource{err: boom}
	r, _ := NewReplicator(src, identity.NewMemoryStore(), Config{})

	if _, err := r.SyncOnce(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected source error, got %v", err)
	}
}

func TestRun_StopsOnCancelAndRetriesAfterErrors(t *testing.T) {
	t.Parallel()

	src := &fakeSource{err: errors.New("down")}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r, _ := NewReplicator(src, identity.NewMemoryStore(), Config{
		PollInterval: time.Millisecond,
		MaxBackoff:   2 * time.Millisecond,
	}, WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for src.callCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("replicator did not retry, calls=%d", src.callCount())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
	if testutil.ToFloat64(m.errors) < 2 {
		t.Fatalf("expected error metric to count failed rounds")
	}
}

func TestNextBackoff_Capped(t *testing.T) {
	t.Parallel()

	r, _ := NewReplicator(&fakeSource{}, identity.NewMemoryStore(), Config{
		PollInterval: 100 * time.Millisecond,
		MaxBackoff:   time.Second,
	})
	wait := r.cfg.PollInterval
	for i := 0; i < 20; i++ {
		next := r.nextBackoff(wait)
		if next < wait && wait < r.cfg.MaxBackoff {
			t.Fatalf("backoff shrank: %v -> %v", wait, next)
		}
		if next > r.cfg.MaxBackoff {
			t.Fatalf("backoff %v above cap", next)
		}
		wait = next
	}
	if wait != r.cfg.MaxBackoff {
		t.Fatalf("backoff did not reach cap: %v", wait)
	}
}

func TestNewReplicator_RequiresSourceAndSink(t *testing.T) {
	t.Parallel()

	if _, err := NewReplicator(nil, identity.NewMemoryStore(), Config{}); err == nil {
		t.Fatalf("expected error for nil source")
	}
	if _, err := NewReplicator(&fakeSource{}, nil, Config{}); err == nil {
		t.Fatalf("expected error for nil sink")
	}
}

func TestParseTable(t *testing.T) {
	t.Parallel()

	ok := map[string]string{
		"users":        `"users"`,
		"public.users": `"public"."users"`,
	}
	for in, want := range ok {
		ident, err := parseTable(in)
		if err != nil {
			t.Fatalf("parseTable(%q): %v", in, err)
		}
		if got := ident.Sanitize(); got != want {
			t.Fatalf("parseTable(%q)=%s want %s", in, got, want)
		}
	}
	for _, bad := range []string{"", "a.b.c", "users;drop", `"x"`, "public."} {
		if _, err := parseTable(bad); err == nil {
			t.Fatalf("parseTable(%q) accepted", bad)
		}
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CUSTODIAN_LEDGER_SOURCE_URL", "postgres://ledger/db")
	t.Setenv("CUSTODIAN_LEDGER_SOURCE_TABLE", "chain.accounts")
	t.Setenv("CUSTODIAN_LEDGER_POLL_INTERVAL", "250ms")
	t.Setenv("CUSTODIAN_LEDGER_BATCH", "50")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if !cfg.Enabled() || cfg.SourceTable != "chain.accounts" || cfg.PollInterval != 250*time.Millisecond || cfg.BatchSize != 50 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	t.Setenv("CUSTODIAN_LEDGER_BATCH", "0")
	if _, err := LoadConfigFromEnv(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}
