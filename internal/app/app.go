// Package app provides application-level wiring and dependency injection
// for the lineage statistics correlator.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"lineage-stats/internal/api"
	"lineage-stats/internal/config"
	"lineage-stats/internal/correlate"
	"lineage-stats/internal/db"
	"lineage-stats/internal/db/repository"
	"lineage-stats/internal/domain"
	"lineage-stats/internal/emit"
	"lineage-stats/internal/middleware"
	"lineage-stats/internal/retry"
	"lineage-stats/internal/service/correlator"
	"lineage-stats/internal/transport"
)

// Deps holds the external dependencies that main() must provide.
type Deps struct {
	Cfg    *config.Config
	Logger *slog.Logger
	// HTTPClient is used by http(s) transports; nil uses a client with
	// SendTimeout.
	HTTPClient *http.Client
}

// App holds the fully-wired correlator: index, delivery pipeline, service
// and the archive behind the events API.
type App struct {
	Index      *correlate.Index
	Sweeper    *correlate.Sweeper
	Transports *transport.Multi
	Sender     *emit.Sender
	Service    *correlator.Service
	Archive    domain.EventArchive // nil when no archive:// target is configured
	Validator  middleware.TokenValidator

	cfg     *config.Config
	logger  *slog.Logger
	archive *db.Archive
}

// New wires the index, transports, sender, emitter and service from deps.
// Background work (sweeps, sends) does not start until Start.
func New(ctx context.Context, deps Deps) (_ *App, err error) {
	cfg := deps.Cfg
	logger := deps.Logger
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.closeResources()
		}
	}()

	// === Archive ===
	if cfg.UsesArchive() {
		a.archive, err = db.OpenArchive(ctx, cfg.ArchivePath, db.Options{})
		if err != nil {
			return nil, fmt.Errorf("open event archive: %w", err)
		}
		a.Archive = repository.NewEventRepo(a.archive.WriteDB, a.archive.ReadDB)
		logger.Info("event archive opened", "path", cfg.ArchivePath)
	}

	// === Index ===
	ixOpts := correlate.DefaultOptions()
	ixOpts.IdleTimeout = cfg.IdleTimeout
	ixOpts.RetentionWindow = cfg.RetentionWindow
	ixOpts.TombstoneTTL = cfg.TombstoneTTL
	ixOpts.AutoOpen = cfg.AutoOpen
	ixOpts.DefaultJob = domain.Job{Namespace: cfg.DefaultJobNamespace}
	if a.Archive != nil {
		ixOpts.ClosedLookup = closedInArchive(a.Archive, cfg.SendTimeout)
	}
	a.Index = correlate.New(ixOpts, logger.With("component", "index"))

	if a.Archive != nil {
		var since time.Time
		if cfg.TombstoneTTL > 0 {
			since = time.Now().Add(-cfg.TombstoneTTL)
		}
		n, err := restoreTombstones(ctx, a.Archive, a.Index, since)
		if err != nil {
			logger.Warn("restore closed runs failed", "error", err)
		} else if n > 0 {
			logger.Info("closed runs restored from archive", "runs", n)
		}
	}

	// === Transports ===
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.SendTimeout}
	}
	a.Transports, err = transport.Build(ctx, cfg.Transports, transport.Deps{
		Logger:      logger.With("component", "transport"),
		HTTPClient:  httpClient,
		HTTPToken:   cfg.HTTPToken,
		S3: transport.S3Config{
			Endpoint:     cfg.S3.Endpoint,
			Region:       cfg.S3.Region,
			KeyID:        cfg.S3.KeyID,
			Secret:       cfg.S3.Secret,
			UsePathStyle: cfg.S3.UsePathStyle,
		},
		GCS:         transport.GCSConfig{KeyFile: cfg.GCS.KeyFile, Endpoint: cfg.GCS.Endpoint},
		Azure:       transport.AzureConfig{AccountKey: cfg.Azure.AccountKey, ServiceURL: cfg.Azure.ServiceURL},
		Archive:     a.Archive,
		OpenArchive: openStandaloneArchive,
	})
	if err != nil {
		return nil, fmt.Errorf("build transports: %w", err)
	}

	// === Delivery ===
	senderOpts := emit.SenderOptions{
		QueueSize:   cfg.QueueSize,
		Workers:     cfg.SendWorkers,
		Policy:      retryPolicy(cfg.Retry),
		SendTimeout: cfg.SendTimeout,
		OnDrop:      func(env domain.Envelope, _ error) { a.Transports.Forget(env.ID()) },
	}
	if cfg.SendRPS > 0 {
		senderOpts.RateLimit = rate.Limit(cfg.SendRPS)
		senderOpts.Burst = max(1, int(cfg.SendRPS))
	}
	a.Sender = emit.NewSender(a.Transports, senderOpts, logger.With("component", "sender"))

	emitter := emit.NewEmitter(a.Index, a.Sender, emit.Options{Producer: cfg.Producer}, logger.With("component", "emitter"))
	a.Service = correlator.NewService(a.Index, emitter, correlator.Options{
		EmitStart: cfg.EmitStart,
		Queue:     a.Sender,
	}, logger.With("component", "correlator"))

	// === Sweeper ===
	a.Sweeper = correlate.NewSweeper(a.Index, cfg.SweepInterval, logger.With("component", "sweeper"))
	a.Sweeper.OnSweep(a.Service.ObserveSweep)

	// === Authentication ===
	a.Validator, err = newValidator(ctx, cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	logger.Info("correlator wired",
		"transports", a.Transports.Name(),
		"auto_open", cfg.AutoOpen,
		"emit_start", cfg.EmitStart,
		"auth", cfg.Auth.Enabled(),
	)
	return a, nil
}

// Start launches the sweeper and its housekeeping tasks.
func (a *App) Start() error {
	var tasks []correlate.Task
	if a.Archive != nil && a.cfg.ArchiveRetention > 0 {
		tasks = append(tasks, archivePurgeTask(a.Archive, a.archive.Checkpoint, a.cfg.ArchiveRetention, a.cfg.SweepInterval, a.logger))
	}
	return a.Sweeper.Start(tasks...)
}

// Router returns the HTTP API. ctx bounds the rate limiter's cleanup.
func (a *App) Router(ctx context.Context) http.Handler {
	h := api.NewHandler(a.Service, a.Archive, a.logger.With("component", "api"))
	return api.NewRouter(ctx, h, api.RouterConfig{
		CORSAllowedOrigins: a.cfg.CORSAllowedOrigins,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: a.cfg.RateLimitRPS,
			Burst:             a.cfg.RateLimitBurst,
			IdleTTL:           10 * time.Minute,
		},
		Validator: a.Validator,
		Logger:    a.logger.With("component", "http"),
	})
}

// Shutdown stops the sweeper, drains the send queue within ctx and closes
// transports and the archive, in that order.
func (a *App) Shutdown(ctx context.Context) error {
	if a.Sweeper != nil {
		a.Sweeper.Stop()
	}
	var errs []error
	if a.Sender != nil {
		if err := a.Sender.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain send queue: %w", err))
		}
	}
	if err := a.closeResources(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeResources() error {
	var errs []error
	if a.Transports != nil {
		if err := a.Transports.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transports: %w", err))
		}
	}
	if a.archive != nil {
		if err := a.archive.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close archive: %w", err))
		}
		a.archive = nil
	}
	return errors.Join(errs...)
}

func retryPolicy(c config.RetryConfig) *retry.Policy {
	return &retry.Policy{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Multiplier:   c.Multiplier,
		Jitter:       c.Jitter,
	}
}

// openStandaloneArchive backs sqlite:// targets: a separate archive file
// with its own pools.
func openStandaloneArchive(ctx context.Context, path string) (domain.EventArchive, io.Closer, error) {
	ar, err := db.OpenArchive(ctx, path, db.Options{})
	if err != nil {
		return nil, nil, err
	}
	return repository.NewEventRepo(ar.WriteDB, ar.ReadDB), ar, nil
}

func newValidator(ctx context.Context, auth config.AuthConfig) (middleware.TokenValidator, error) {
	switch {
	case auth.IssuerURL != "":
		v, err := middleware.NewOIDCValidator(ctx, auth.IssuerURL, auth.Audience)
		if err != nil {
			return nil, err
		}
		return v, nil
	case auth.JWTSecret != "":
		v, err := middleware.NewHS256Validator(auth.JWTSecret, auth.Audience)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, nil
	}
}

// checkpoint, when set, runs after a purge that deleted rows.
func archivePurgeTask(archive domain.EventArchive, checkpoint func(context.Context) error, retention, interval time.Duration, logger *slog.Logger) correlate.Task {
	// Purging is cheap but needn't follow every sweep.
	every := max(interval, time.Hour)
	return correlate.Task{
		Name:     "archive-purge",
		Interval: every,
		Run: func(ctx context.Context) error {
			n, err := archive.PurgeOlderThan(ctx, time.Now().Add(-retention))
			if err != nil {
				return fmt.Errorf("purge archive: %w", err)
			}
			if n == 0 {
				return nil
			}
			logger.Info("archive purged", "events", n, "retention", retention.String())
			if checkpoint != nil {
				return checkpoint(ctx)
			}
			return nil
		},
	}
}
