// Package app wires the custodian server runtime: config, logging, stores,
// KMS, protocols, HTTP routes and the signing stream.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"custodian/cmd/identity"
	"custodian/cmd/internal/api"
	"custodian/cmd/internal/audit"
	"custodian/cmd/internal/auth/session"
	"custodian/cmd/internal/keys"
	"custodian/cmd/internal/kms"
	"custodian/cmd/internal/ledger"
	"custodian/cmd/internal/provision"
	"custodian/cmd/internal/ratelimit"
	"custodian/cmd/internal/signing"
	"custodian/cmd/internal/signstream"
	"custodian/cmd/security/token"
)

// identityStore is what both the provisioning protocol and the ledger
// replicator need from the user table.
type identityStore interface {
	provision.Users
	ledger.Sink
}

// keyStore is the union of the key custody surfaces used by the protocols.
type keyStore interface {
	provision.Keys
	signing.Keys
}

// App owns every long-lived dependency of the server process.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry

	pool       *pgxpool.Pool
	ledgerPool *pgxpool.Pool
	redis      *redis.Client

	api        *api.Handler
	stream     *signstream.Gateway
	replicator *ledger.Replicator
}

// New builds a fully wired App. Without a database URL every store is in
// memory and nothing survives a restart.
func New(ctx context.Context, cfg Config, log Logger) (a *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	kmsCfg, err := kms.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if err := ValidateSecurityConfig(cfg, kmsCfg); err != nil {
		return nil, err
	}
	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	ledgerCfg, err := ledger.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	hasher, err := token.HasherFromEnv(cfg.RequireTokenHMAC)
	if err != nil {
		return nil, err
	}

	a = &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	built := a
	defer func() {
		if err != nil {
			built.close()
		}
	}()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	enc, err := kms.New(ctx, kmsCfg, kms.NewMetrics(a.registry))
	if err != nil {
		return nil, fmt.Errorf("kms: %w", err)
	}
	log.Info("kms.ready", "provider", kmsCfg.Provider, "timeout", kmsCfg.Timeout)

	var (
		sessStore session.Store
		keyRows   keyStore
		users     identityStore
		recorder  audit.Recorder = audit.Nop{}
	)
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		sessStore = session.NewMemoryStore()
		keyRows = keys.NewMemoryStore()
		users = identity.NewMemoryStore()
	} else {
		a.pool, err = NewDBPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

		if sessStore, err = session.NewPostgresStore(a.pool, cfg.DBSchema); err != nil {
			return nil, err
		}
		if keyRows, err = keys.NewPostgresStore(a.pool, keys.WithSchema(cfg.DBSchema)); err != nil {
			return nil, err
		}
		if users, err = identity.NewPostgresStore(a.pool, identity.WithSchema(cfg.DBSchema)); err != nil {
			return nil, err
		}
		if recorder, err = audit.NewPostgresRecorder(a.pool, cfg.DBSchema, log); err != nil {
			return nil, err
		}
	}

	sessions := session.NewManager(sessCfg, sessStore, hasher)

	prov, err := provision.New(sessions, keyRows, users, enc, provision.Config{
		KeyRef:          kmsCfg.KeyRef,
		IssuerAllowlist: cfg.IssuerAllowlist,
		OpTimeout:       cfg.OpTimeout,
	}, provision.WithLogger(log), provision.WithMetrics(provision.NewMetrics(a.registry)))
	if err != nil {
		return nil, err
	}
	if len(cfg.IssuerAllowlist) > 0 {
		log.Info("provision.issuer_allowlist", "count", len(cfg.IssuerAllowlist))
	}

	signer, err := signing.New(sessions, keyRows, enc, signing.Config{
		ReencryptAfterSign: cfg.ReencryptAfterSign,
		KeyRef:             kmsCfg.KeyRef,
		MaxBatch:           cfg.SignMaxBatch,
		OpTimeout:          cfg.OpTimeout,
	}, signing.WithLogger(log), signing.WithMetrics(signing.NewMetrics(a.registry)))
	if err != nil {
		return nil, err
	}

	apiCfg := api.LoadConfigFromEnv()
	limiter, err := a.provisionLimiter(apiCfg)
	if err != nil {
		return nil, err
	}
	a.api, err = api.NewHandler(log, apiCfg, prov, signer, sessions,
		api.WithAudit(recorder),
		api.WithProvisionLimiter(limiter),
	)
	if err != nil {
		return nil, err
	}

	a.stream, err = signstream.New(signer, signstream.ConfigFromEnv(),
		signstream.WithLogger(log),
		signstream.WithMetrics(signstream.NewMetrics(a.registry)),
		signstream.WithCookieToken(sessions.TokenFromCookie),
		signstream.WithAudit(recorder, sessions.StorageID),
	)
	if err != nil {
		return nil, err
	}

	if ledgerCfg.Enabled() {
		a.ledgerPool, err = NewDBPool(ctx, ledgerCfg.SourceURL, 2, 0)
		if err != nil {
			return nil, fmt.Errorf("ledger source: %w", err)
		}
		src, err := ledger.NewPostgresSource(a.ledgerPool, ledgerCfg.SourceTable)
		if err != nil {
			return nil, err
		}
		a.replicator, err = ledger.NewReplicator(src, users, ledgerCfg,
			ledger.WithLogger(log),
			ledger.WithMetrics(ledger.NewMetrics(a.registry)),
		)
		if err != nil {
			return nil, err
		}
	}

	return a, nil
}

// provisionLimiter combines the in-process token bucket with the shared Redis
// window when CUSTODIAN_REDIS_ADDR is set.
func (a *App) provisionLimiter(cfg api.Config) (ratelimit.Limiter, error) {
	var chain ratelimit.Chain
	if local := ratelimit.NewMapLimiter(cfg.ProvisionRPS, cfg.ProvisionBurst, 10*time.Minute); local != nil {
		chain = append(chain, local)
	}

	if a.cfg.RedisAddr != "" && cfg.ProvisionMaxPerWindow > 0 {
		client, err := ratelimit.NewRedisClient(a.cfg.RedisAddr, a.cfg.RedisPassword, a.cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		a.redis = client
		shared, err := ratelimit.NewRedisLimiter(client, "custodian:rl:provision", cfg.ProvisionMaxPerWindow, cfg.ProvisionWindow)
		if err != nil {
			return nil, err
		}
		chain = append(chain, shared)
		a.log.Info("ratelimit.redis.enabled", "addr", a.cfg.RedisAddr, "limit", cfg.ProvisionMaxPerWindow, "window", cfg.ProvisionWindow)
	}

	if len(chain) == 0 {
		return nil, nil
	}
	return chain, nil
}

// Handler returns the complete HTTP handler including middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a)

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run serves HTTP and, when configured, replicates the ledger until ctx is
// cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ledgerDone := make(chan struct{})
	if a.replicator != nil {
		go func() {
			defer close(ledgerDone)
			if err := a.replicator.Run(runCtx); err != nil {
				a.log.Error("ledger.replicator.fail", "err", err)
			}
		}()
	} else {
		close(ledgerDone)
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.pool != nil, "ledger_enabled", a.replicator != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}
	cancel()
	<-ledgerDone

	a.close()
	a.log.Info("server.stopped")
	return runErr
}

// close releases pools and clients; it is safe on a partially built App.
func (a *App) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.ledgerPool != nil {
		a.ledgerPool.Close()
		a.ledgerPool = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
