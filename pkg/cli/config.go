package cli

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoria/pkg/adapter"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/oracle"
	"github.com/m-mizutani/memoria/pkg/policy"
	"github.com/m-mizutani/memoria/pkg/repository"
	"github.com/m-mizutani/memoria/pkg/usecase/archive"
	"github.com/m-mizutani/memoria/pkg/usecase/memory"
	"github.com/m-mizutani/memoria/pkg/utils/logging"
	"github.com/m-mizutani/memoria/pkg/utils/metrics"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// config holds configuration values
type config struct {
	// Logging
	logLevel  string
	logFormat string

	// Repository
	store      string
	sqlitePath string
	postgreURL string
	project    string
	database   string
	cacheSize  int64
	seedPath   string

	// Oracle
	llm             string
	anthropicAPIKey string
	claudeModel     string
	geminiProject   string
	geminiLocation  string
	geminiModel     string
	openaiBaseURL   string
	openaiAPIKey    string
	openaiModel     string
	reasoning       bool
	oracleTimeout   time.Duration

	// Manager
	fanOut       string
	concurrency  int64
	policyDir    string
	visibleLimit int64

	// Archive
	bucket      string
	archiveDir  string
	snapshotKey string

	metrics *metrics.Metrics
}

// globalFlags returns common flags used across commands with destination config
func globalFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "Log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("MEMORIA_LOG_LEVEL"),
			Destination: &cfg.logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "Log format (console, json)",
			Value:       string(logging.FormatConsole),
			Sources:     cli.EnvVars("MEMORIA_LOG_FORMAT"),
			Destination: &cfg.logFormat,
		},
	}
}

// storeFlags returns flags selecting and configuring the memory repository
func storeFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "store",
			Usage:       "Memory store (memory, sqlite, postgres, firestore)",
			Value:       "memory",
			Sources:     cli.EnvVars("MEMORIA_STORE"),
			Destination: &cfg.store,
		},
		&cli.StringFlag{
			Name:        "sqlite-path",
			Usage:       "SQLite database file",
			Value:       "memoria.db",
			Sources:     cli.EnvVars("MEMORIA_SQLITE_PATH"),
			Destination: &cfg.sqlitePath,
		},
		&cli.StringFlag{
			Name:        "postgres-url",
			Usage:       "PostgreSQL connection URL",
			Sources:     cli.EnvVars("MEMORIA_POSTGRES_URL", "DATABASE_URL"),
			Destination: &cfg.postgreURL,
		},
		&cli.StringFlag{
			Name:        "project",
			Aliases:     []string{"p"},
			Usage:       "Google Cloud project ID",
			Sources:     cli.EnvVars("GOOGLE_CLOUD_PROJECT"),
			Destination: &cfg.project,
		},
		&cli.StringFlag{
			Name:        "database",
			Aliases:     []string{"d"},
			Usage:       "Firestore database ID",
			Value:       "(default)",
			Sources:     cli.EnvVars("FIRESTORE_DATABASE_ID"),
			Destination: &cfg.database,
		},
		&cli.IntFlag{
			Name:        "cache",
			Usage:       "Cache up to this many fetched memories in process (0 disables)",
			Sources:     cli.EnvVars("MEMORIA_CACHE"),
			Destination: &cfg.cacheSize,
		},
		&cli.StringFlag{
			Name:        "seed",
			Usage:       "YAML or JSON file with memories to load into the store at startup",
			Sources:     cli.EnvVars("MEMORIA_SEED"),
			Destination: &cfg.seedPath,
		},
	}
}

// llmFlags returns flags for LLM-related configuration with destination config
func llmFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "llm",
			Usage:       "Oracle provider (gemini, claude, openai)",
			Value:       "gemini",
			Sources:     cli.EnvVars("MEMORIA_LLM"),
			Destination: &cfg.llm,
		},
		&cli.StringFlag{
			Name:        "anthropic-api-key",
			Usage:       "Anthropic API key",
			Sources:     cli.EnvVars("ANTHROPIC_API_KEY"),
			Destination: &cfg.anthropicAPIKey,
		},
		&cli.StringFlag{
			Name:        "claude-model",
			Usage:       "Claude model name",
			Sources:     cli.EnvVars("MEMORIA_CLAUDE_MODEL"),
			Destination: &cfg.claudeModel,
		},
		&cli.StringFlag{
			Name:        "gemini-project",
			Usage:       "Google Cloud project ID for Gemini",
			Sources:     cli.EnvVars("GEMINI_PROJECT_ID"),
			Destination: &cfg.geminiProject,
		},
		&cli.StringFlag{
			Name:        "gemini-location",
			Usage:       "Google Cloud location for Gemini",
			Value:       "us-central1",
			Sources:     cli.EnvVars("GEMINI_LOCATION"),
			Destination: &cfg.geminiLocation,
		},
		&cli.StringFlag{
			Name:        "gemini-model",
			Usage:       "Gemini model name",
			Sources:     cli.EnvVars("MEMORIA_GEMINI_MODEL"),
			Destination: &cfg.geminiModel,
		},
		&cli.StringFlag{
			Name:        "openai-base-url",
			Usage:       "Base URL of an OpenAI compatible API, e.g. http://localhost:11434/v1",
			Sources:     cli.EnvVars("OPENAI_BASE_URL"),
			Destination: &cfg.openaiBaseURL,
		},
		&cli.StringFlag{
			Name:        "openai-api-key",
			Usage:       "API key of the OpenAI compatible API",
			Sources:     cli.EnvVars("OPENAI_API_KEY"),
			Destination: &cfg.openaiAPIKey,
		},
		&cli.StringFlag{
			Name:        "openai-model",
			Usage:       "Model name of the OpenAI compatible API",
			Sources:     cli.EnvVars("MEMORIA_OPENAI_MODEL"),
			Destination: &cfg.openaiModel,
		},
		&cli.BoolFlag{
			Name:        "reasoning",
			Usage:       "Ask OpenAI compatible models to think before answering",
			Sources:     cli.EnvVars("MEMORIA_REASONING"),
			Destination: &cfg.reasoning,
		},
		&cli.DurationFlag{
			Name:        "oracle-timeout",
			Usage:       "Timeout of one oracle round-trip (0 waits forever)",
			Value:       2 * time.Minute,
			Sources:     cli.EnvVars("MEMORIA_ORACLE_TIMEOUT"),
			Destination: &cfg.oracleTimeout,
		},
	}
}

// managerFlags returns flags tuning memory manager behavior
func managerFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "fan-out",
			Usage:       "What a failed per-memory update does to its batch (all, partial)",
			Value:       "all",
			Sources:     cli.EnvVars("MEMORIA_FAN_OUT"),
			Destination: &cfg.fanOut,
		},
		&cli.IntFlag{
			Name:        "concurrency",
			Usage:       "Maximum concurrent per-memory updates (0 is unbounded)",
			Sources:     cli.EnvVars("MEMORIA_CONCURRENCY"),
			Destination: &cfg.concurrency,
		},
		&cli.StringFlag{
			Name:        "policy-dir",
			Usage:       "Directory of Rego policies filtering new memories",
			Sources:     cli.EnvVars("MEMORIA_POLICY_DIR"),
			Destination: &cfg.policyDir,
		},
		&cli.IntFlag{
			Name:        "visible-limit",
			Usage:       "Number of memories kept visible",
			Value:       10,
			Sources:     cli.EnvVars("MEMORIA_VISIBLE_LIMIT"),
			Destination: &cfg.visibleLimit,
		},
	}
}

// archiveFlags returns flags for snapshot archive storage
func archiveFlags(cfg *config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "bucket",
			Usage:       "Cloud Storage bucket for snapshots",
			Sources:     cli.EnvVars("MEMORIA_BUCKET"),
			Destination: &cfg.bucket,
		},
		&cli.StringFlag{
			Name:        "archive-dir",
			Usage:       "Local directory for snapshots, used when no bucket is set",
			Value:       ".memoria",
			Sources:     cli.EnvVars("MEMORIA_ARCHIVE_DIR"),
			Destination: &cfg.archiveDir,
		},
		&cli.StringFlag{
			Name:        "snapshot",
			Usage:       "Restore the manager from this snapshot key and save it back on exit",
			Sources:     cli.EnvVars("MEMORIA_SNAPSHOT"),
			Destination: &cfg.snapshotKey,
		},
	}
}

// setupLogger installs the default logger and returns a context carrying it
func (cfg *config) setupLogger(ctx context.Context) context.Context {
	logger := logging.New(cfg.logLevel, os.Stderr, logging.WithFormat(logging.Format(cfg.logFormat)))
	logging.SetDefault(logger)
	return logging.With(ctx, logger)
}

// newRepository creates the configured repository. The returned func releases it.
func (cfg *config) newRepository(ctx context.Context) (repository.Repository, func(), error) {
	var (
		repo    repository.Repository
		closers []func()
	)

	switch cfg.store {
	case "memory":
		mem, err := repository.NewMemory()
		if err != nil {
			return nil, nil, err
		}
		repo = mem

	case "sqlite":
		db, err := repository.NewSQLite(cfg.sqlitePath)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to open sqlite store")
		}
		repo = db
		closers = append(closers, func() { _ = db.Close() })

	case "postgres":
		if cfg.postgreURL == "" {
			return nil, nil, goerr.New("postgres-url is required")
		}
		pg, err := repository.NewPostgres(ctx, cfg.postgreURL)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to connect postgres store")
		}
		repo = pg
		closers = append(closers, pg.Close)

	case "firestore":
		if cfg.project == "" {
			return nil, nil, goerr.New("project is required")
		}
		if cfg.database == "" {
			return nil, nil, goerr.New("database is required")
		}
		fs, err := repository.NewFirestore(ctx, cfg.project, cfg.database)
		if err != nil {
			return nil, nil, goerr.Wrap(err, "failed to create firestore store")
		}
		repo = fs
		closers = append(closers, func() { _ = fs.Close() })

	default:
		return nil, nil, goerr.New("unsupported store", goerr.V("store", cfg.store))
	}

	if cfg.cacheSize > 0 {
		cached, err := repository.NewCached(repo, cfg.cacheSize)
		if err != nil {
			return nil, nil, err
		}
		repo = cached
		closers = append(closers, cached.Close)
	}

	closer := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if err := cfg.loadSeed(ctx, repo); err != nil {
		closer()
		return nil, nil, err
	}
	return repo, closer, nil
}

// loadSeed adds the memories in the seed file. Names already stored are kept as they are.
func (cfg *config) loadSeed(ctx context.Context, repo repository.Repository) error {
	if cfg.seedPath == "" {
		return nil
	}

	var seed []model.Memory
	if err := readYAML(cfg.seedPath, &seed); err != nil {
		return goerr.Wrap(err, "failed to load seed memories")
	}

	logger := logging.From(ctx)
	for _, m := range seed {
		err := repo.Add(ctx, m)
		if errors.Is(err, model.ErrDuplicateKey) {
			logger.Debug("seed memory already stored", "name", m.Name)
			continue
		}
		if err != nil {
			return goerr.Wrap(err, "failed to add seed memory", goerr.V("name", m.Name))
		}
	}
	logger.Info("seed memories loaded", "path", cfg.seedPath, "count", len(seed))
	return nil
}

// newLLM creates the raw oracle adapter for the configured provider
func (cfg *config) newLLM(ctx context.Context) (adapter.Oracle, error) {
	switch cfg.llm {
	case "gemini":
		if cfg.geminiProject == "" {
			return nil, goerr.New("gemini-project is required")
		}
		if cfg.geminiLocation == "" {
			return nil, goerr.New("gemini-location is required")
		}
		var opts []adapter.GeminiOption
		if cfg.geminiModel != "" {
			opts = append(opts, adapter.WithGenerativeModel(cfg.geminiModel))
		}
		return adapter.NewGemini(ctx, cfg.geminiProject, cfg.geminiLocation, opts...)

	case "claude":
		if cfg.anthropicAPIKey == "" {
			return nil, goerr.New("anthropic-api-key is required")
		}
		var opts []adapter.ClaudeOption
		if cfg.claudeModel != "" {
			opts = append(opts, adapter.WithClaudeModel(cfg.claudeModel))
		}
		return adapter.NewClaude(cfg.anthropicAPIKey, opts...), nil

	case "openai":
		if cfg.openaiBaseURL == "" {
			return nil, goerr.New("openai-base-url is required")
		}
		opts := []adapter.OpenAIOption{adapter.WithReasoning(cfg.reasoning)}
		if cfg.openaiAPIKey != "" {
			opts = append(opts, adapter.WithOpenAIAPIKey(cfg.openaiAPIKey))
		}
		if cfg.openaiModel != "" {
			opts = append(opts, adapter.WithOpenAIModel(cfg.openaiModel))
		}
		return adapter.NewOpenAI(cfg.openaiBaseURL, opts...), nil
	}

	return nil, goerr.New("unsupported llm", goerr.V("llm", cfg.llm))
}

// newOracle creates the protocol client on top of the configured provider
func (cfg *config) newOracle(ctx context.Context) (*oracle.Client, error) {
	llm, err := cfg.newLLM(ctx)
	if err != nil {
		return nil, err
	}

	client, err := oracle.New(llm,
		oracle.WithTimeout(cfg.oracleTimeout),
		oracle.WithMetrics(cfg.metrics),
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create oracle client")
	}
	return client, nil
}

// managerOptions converts manager flags to memory options
func (cfg *config) managerOptions(ctx context.Context) ([]memory.Option, error) {
	var fanOut memory.FanOutPolicy
	switch cfg.fanOut {
	case "all", "":
		fanOut = memory.FanOutAllOrNothing
	case "partial":
		fanOut = memory.FanOutPartial
	default:
		return nil, goerr.New("unsupported fan-out policy", goerr.V("fan_out", cfg.fanOut))
	}

	admission, err := policy.Load(ctx, cfg.policyDir)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load admission policy")
	}

	return []memory.Option{
		memory.WithFanOutPolicy(fanOut),
		memory.WithConcurrency(int(cfg.concurrency)),
		memory.WithAdmission(admission),
		memory.WithMetrics(cfg.metrics),
	}, nil
}

// newStorage creates the snapshot archive storage
func (cfg *config) newStorage(ctx context.Context) (adapter.Storage, error) {
	if cfg.bucket != "" {
		storage, err := adapter.NewStorage(ctx, cfg.bucket, adapter.WithPrefix("memoria/"))
		if err != nil {
			return nil, goerr.Wrap(err, "failed to create storage")
		}
		return storage, nil
	}
	return adapter.NewFileStorage(cfg.archiveDir)
}

// newManager builds the first snapshot. With a snapshot key it restores the
// archived state when present; otherwise it ranks the stored memories.
func (cfg *config) newManager(ctx context.Context, repo repository.Repository, client memory.Oracle) (*memory.Manager, error) {
	opts, err := cfg.managerOptions(ctx)
	if err != nil {
		return nil, err
	}

	if cfg.snapshotKey != "" {
		storage, err := cfg.newStorage(ctx)
		if err != nil {
			return nil, err
		}
		state, err := archive.Load(ctx, storage, cfg.snapshotKey)
		switch {
		case err == nil:
			logging.From(ctx).Info("snapshot restored", "key", cfg.snapshotKey, "saved_at", state.SavedAt)
			return state.Restore(ctx, repo, client, opts...)
		case !errors.Is(err, adapter.ErrObjectNotFound):
			return nil, err
		}
	}

	mgr, err := memory.New(repo, client, opts...)
	if err != nil {
		return nil, err
	}
	return mgr.RefreshVisible(ctx, int(cfg.visibleLimit))
}

// saveSnapshot archives mgr when a snapshot key is configured
func (cfg *config) saveSnapshot(ctx context.Context, mgr *memory.Manager) error {
	if cfg.snapshotKey == "" {
		return nil
	}
	storage, err := cfg.newStorage(ctx)
	if err != nil {
		return err
	}
	_, err = archive.Save(ctx, storage, cfg.snapshotKey, mgr)
	return err
}

func readYAML(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return goerr.Wrap(err, "failed to read file", goerr.V("path", path))
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return goerr.Wrap(err, "failed to parse file", goerr.V("path", path))
	}
	return nil
}
