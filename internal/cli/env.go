package cli

import (
	"io"

	"go.uber.org/zap"

	"github.com/roach88/studysync/internal/breaker"
	"github.com/roach88/studysync/internal/cache"
	"github.com/roach88/studysync/internal/config"
	"github.com/roach88/studysync/internal/connectivity"
	"github.com/roach88/studysync/internal/dispatch"
	"github.com/roach88/studysync/internal/engine"
	"github.com/roach88/studysync/internal/logging"
	"github.com/roach88/studysync/internal/queue"
	"github.com/roach88/studysync/internal/remote"
	"github.com/roach88/studysync/internal/store"
)

// env is everything a command needs, opened from the config file.
type env struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    *store.Store
	queue    *queue.Store
	cache    *cache.Reconciler
	gate     *connectivity.Gate
	breakers *breaker.Registry
	engine   *engine.Engine

	// client is nil when the authority was injected.
	client *remote.Client
}

// loadConfig reads and validates the config named by --config.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openEnv loads config and opens the store and engine. Failures print
// through f and come back as ExitErrors. Callers must close the env.
func openEnv(opts *RootOptions, f *OutputFormatter, logs io.Writer) (*env, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, f.fail(ExitCommandError, ErrCodeConfig, "failed to load config", err)
	}

	level := cfg.Logging.Level
	if opts.Verbose {
		level = "debug"
	}
	logger, err := logging.New(level, cfg.Logging.Format, logs)
	if err != nil {
		return nil, f.fail(ExitCommandError, ErrCodeConfig, "failed to configure logging", err)
	}

	f.VerboseLog("opening store %s", cfg.Storage.Path)
	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, f.fail(ExitCommandError, ErrCodeStore, "failed to open store", err)
	}

	e := &env{
		cfg:    cfg,
		logger: logger,
		store:  st,
		queue:  queue.New(st, cfg.Storage.Namespace, queue.WithLogger(logger)),
		cache:  cache.New(st, cfg.Storage.Namespace, cache.WithLogger(logger)),
		gate:   connectivity.New(true, connectivity.WithLogger(logger)),
	}

	e.breakers = breaker.NewRegistry(cfg.Breaker.Defaults(),
		breaker.WithLogger(logger),
		breaker.WithFailurePredicate(dispatch.CountsAgainstBreaker),
	)
	for endpoint, bc := range cfg.Breaker.Endpoints {
		e.breakers.Configure(endpoint, bc)
	}

	authority := opts.authority
	if authority == nil {
		e.client = remote.NewClient(cfg.Remote.BaseURL,
			remote.WithToken(cfg.Remote.ResolveToken()),
			remote.WithLogger(logger),
		)
		authority = e.client
	}

	e.engine = engine.New(engine.Deps{
		Queue:     e.queue,
		Authority: authority,
		Cache:     e.cache,
		Journal:   st,
		Gate:      e.gate,
		Breakers:  e.breakers,
	},
		engine.WithLogger(logger),
		engine.WithInterval(cfg.Sync.Interval),
		engine.WithBackoff(cfg.Sync.RetryMin, cfg.Sync.RetryMax),
		engine.WithDispatchConfig(cfg.Sync.Dispatch()),
	)
	return e, nil
}

func (e *env) close() {
	e.engine.Stop()
	if err := e.store.Close(); err != nil {
		e.logger.Error("close store", zap.Error(err))
	}
	_ = e.logger.Sync()
}
