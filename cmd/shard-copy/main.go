package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/fhirserver/internal/config"
	"github.com/ehr/fhirserver/internal/platform/db"
	"github.com/ehr/fhirserver/internal/platform/search"
	"github.com/ehr/fhirserver/internal/shardcopy"
)

var commandWords = []string{"setupdb", "init", "rebuildqueue", "merge", "query"}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shard-copy <" + strings.Join(commandWords, "|") + ">",
		Short: "Copy the search store into sharded databases",
		Long: `setupdb       create the queue and shard schemas
init          fill the job queue unless it already holds jobs
rebuildqueue  empty the job queue and fill it again
merge         copy queued jobs into the shards
query         print queue and shard statistics

All settings are read from the environment or a .env file.`,
		Args:         cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs:    commandWords,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.OutOrStdout(), args[0])
		},
	}
}

// newLogger writes to stderr so that query output stays machine readable.
func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

func run(out io.Writer, word string) error {
	cfg, err := config.LoadCopy()
	if err != nil {
		l := newLogger(os.Getenv("ENV"), "")
		l.Error().Err(err).Msg("failed to load config")
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel).With().Str("command", word).Logger()
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg, err := search.DefaultRegistry()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load search parameters")
		return err
	}

	t := &tool{cfg: cfg, logger: logger, types: shardcopy.NewTypeCatalog(reg.ResourceTypes())}
	defer t.close()

	switch word {
	case "setupdb":
		err = t.setupDB(ctx)
	case "init":
		err = t.fillQueue(ctx, false)
	case "rebuildqueue":
		err = t.fillQueue(ctx, true)
	case "merge":
		err = t.merge(ctx)
	case "query":
		err = t.query(ctx, out)
	default:
		err = fmt.Errorf("unknown command %q", word)
	}
	if err != nil {
		logger.Error().Err(err).Msg("command failed")
	}
	return err
}

// tool opens connections on first use and closes them all at the end.
type tool struct {
	cfg    *config.CopyConfig
	logger zerolog.Logger
	types  *shardcopy.TypeCatalog

	closers []func()
}

func (t *tool) close() {
	for i := len(t.closers) - 1; i >= 0; i-- {
		t.closers[i]()
	}
}

func (t *tool) retryPolicy() shardcopy.RetryPolicy {
	return shardcopy.RetryPolicy{Attempts: t.cfg.MaxRetries, Backoff: t.cfg.RetryBackoff}
}

// open connects a pool sized for the worker count and a database/sql
// handle on top of it.
func (t *tool) open(ctx context.Context, name, url string) (*pgxpool.Pool, *sql.DB, error) {
	if url == "" {
		return nil, nil, fmt.Errorf("no connection string for %s", name)
	}
	pool, err := db.NewPool(ctx, url, int32(t.cfg.Threads+2), 1)
	if err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", name, err)
	}
	sqlDB := stdlib.OpenDBFromPool(pool)
	t.closers = append(t.closers, pool.Close, func() { sqlDB.Close() })
	t.logger.Debug().Str("database", name).Msg("connected")
	return pool, sqlDB, nil
}

// queueStore returns the configured queue. pool is nil for the Redis
// backend.
func (t *tool) queueStore(ctx context.Context) (shardcopy.QueueStore, *pgxpool.Pool, error) {
	if t.cfg.QueueBackend == config.QueueBackendRedis {
		q, err := shardcopy.NewRedisQueue(ctx, t.cfg.RedisURL, "shardcopy")
		if err != nil {
			return nil, nil, err
		}
		t.closers = append(t.closers, func() { q.Close() })
		return q, nil, nil
	}
	pool, sqlDB, err := t.open(ctx, "queue", t.cfg.QueueDatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return shardcopy.NewSQLQueue(sqlDB), pool, nil
}

func (t *tool) sourceStore(ctx context.Context) (*shardcopy.SQLSource, error) {
	_, sqlDB, err := t.open(ctx, "source", t.cfg.SourceDatabaseURL)
	if err != nil {
		return nil, err
	}
	return shardcopy.NewSQLSource(sqlDB, t.types, t.retryPolicy(), t.logger), nil
}

type shardConn struct {
	pool  *pgxpool.Pool
	store *shardcopy.SQLShard
}

func (t *tool) shardMap() (*shardcopy.ShardMap, map[int]string, error) {
	urls, err := t.cfg.ShardURLs()
	if err != nil {
		return nil, nil, err
	}
	ids := make([]shardcopy.ShardID, 0, len(urls))
	for id := range urls {
		ids = append(ids, shardcopy.ShardID(id))
	}
	m, err := shardcopy.NewShardMap(ids, t.cfg.ShardletCount)
	if err != nil {
		return nil, nil, err
	}
	return m, urls, nil
}

// shards connects every shard named in ids.
func (t *tool) shards(ctx context.Context, urls map[int]string, ids []shardcopy.ShardID) ([]shardConn, error) {
	out := make([]shardConn, 0, len(ids))
	for _, id := range ids {
		pool, sqlDB, err := t.open(ctx, fmt.Sprintf("shard %d", id), urls[int(id)])
		if err != nil {
			return nil, err
		}
		out = append(out, shardConn{pool: pool, store: shardcopy.NewSQLShard(id, sqlDB, t.retryPolicy(), t.logger)})
	}
	return out, nil
}

// targetIDs is the shard filter, or every shard when none is set.
func (t *tool) targetIDs(m *shardcopy.ShardMap) ([]shardcopy.ShardID, error) {
	filter, err := t.cfg.ShardFilterIDs()
	if err != nil {
		return nil, err
	}
	if len(filter) == 0 {
		return m.Shards(), nil
	}
	ids := make([]shardcopy.ShardID, len(filter))
	for i, id := range filter {
		ids[i] = shardcopy.ShardID(id)
	}
	return ids, nil
}

func (t *tool) setupDB(ctx context.Context) error {
	_, queuePool, err := t.queueStore(ctx)
	if err != nil {
		return err
	}
	if queuePool != nil {
		// The queue may live in the source database, next to the search
		// store's own migrations.
		m := db.NewMigrator(queuePool, shardcopy.QueueMigrations(), "")
		m.Table = "_copy_queue_migrations"
		if err := migrate(ctx, t.logger, "queue", m); err != nil {
			return err
		}
	}

	m, urls, err := t.shardMap()
	if err != nil {
		return err
	}
	conns, err := t.shards(ctx, urls, m.Shards())
	if err != nil {
		return err
	}
	for _, c := range conns {
		name := fmt.Sprintf("shard %d", c.store.ID())
		if err := migrate(ctx, t.logger, name, db.NewMigrator(c.pool, shardcopy.ShardMigrations(), "")); err != nil {
			return err
		}
	}
	return nil
}

func migrate(ctx context.Context, logger zerolog.Logger, name string, m *db.Migrator) error {
	n, err := m.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate %s: %w", name, err)
	}
	logger.Info().Str("database", name).Int("applied", n).Msg("schema up to date")
	return nil
}

func (t *tool) fillQueue(ctx context.Context, rebuild bool) error {
	queue, _, err := t.queueStore(ctx)
	if err != nil {
		return err
	}
	source, err := t.sourceStore(ctx)
	if err != nil {
		return err
	}
	_, err = populateQueue(ctx, t.logger, queue, source, t.cfg.UnitSize, rebuild)
	return err
}

// populateQueue cuts the source into units and enqueues them. Without
// rebuild a queue that still holds jobs is left alone. A rebuild tags its
// definitions with a fresh suffix so they never collide with earlier ones.
func populateQueue(ctx context.Context, logger zerolog.Logger, queue shardcopy.QueueStore, source shardcopy.SourceStore, unitSize int64, rebuild bool) (int, error) {
	if !rebuild {
		notEmpty, err := queue.JobQueueIsNotEmpty(ctx)
		if err != nil {
			return 0, err
		}
		if notEmpty {
			logger.Info().Msg("job queue already populated, leaving it as is")
			return 0, nil
		}
	}

	ranges, err := source.ResourceTypeRanges(ctx)
	if err != nil {
		return 0, err
	}
	suffix := ""
	if rebuild {
		suffix = uuid.NewString()[:8]
	}
	defs := shardcopy.BuildDefinitions(ranges, unitSize, suffix)
	added, err := queue.EnqueueJobs(ctx, defs, rebuild)
	if err != nil {
		return 0, err
	}
	logger.Info().Int("types", len(ranges)).Int("jobs", added).Bool("rebuild", rebuild).Msg("job queue populated")
	return added, nil
}

func (t *tool) merge(ctx context.Context) error {
	queue, _, err := t.queueStore(ctx)
	if err != nil {
		return err
	}
	source, err := t.sourceStore(ctx)
	if err != nil {
		return err
	}
	if _, err := populateQueue(ctx, t.logger, queue, source, t.cfg.UnitSize, t.cfg.RebuildQueue); err != nil {
		return err
	}
	if t.cfg.QueueOnly {
		t.logger.Info().Msg("QUEUE_ONLY set, not copying")
		return nil
	}

	m, urls, err := t.shardMap()
	if err != nil {
		return err
	}
	ids, err := t.targetIDs(m)
	if err != nil {
		return err
	}
	conns, err := t.shards(ctx, urls, ids)
	if err != nil {
		return err
	}
	stores := make([]shardcopy.ShardStore, len(conns))
	for i, c := range conns {
		stores[i] = c.store
	}

	registry := prometheus.NewRegistry()
	metrics := shardcopy.NewMetrics(registry)
	if t.cfg.MetricsAddr != "" {
		srv := serveMetrics(t.cfg.MetricsAddr, registry, t.logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	engine, err := shardcopy.NewEngine(queue, source, stores, m, t.engineOptions(ids), metrics, t.logger)
	if err != nil {
		return err
	}
	report, runErr := engine.Run(ctx)
	if t.cfg.ReportFile != "" && report != nil {
		if err := shardcopy.WriteReport(t.cfg.ReportFile, report); err != nil {
			runErr = errors.Join(runErr, err)
		} else {
			t.logger.Info().Str("path", t.cfg.ReportFile).Msg("report written")
		}
	}
	return runErr
}

func (t *tool) engineOptions(targets []shardcopy.ShardID) shardcopy.Options {
	opts := shardcopy.Options{
		Threads:            t.cfg.Threads,
		MaxRetries:         t.cfg.MaxRetries,
		RetryBackoff:       t.cfg.RetryBackoff,
		TransactionsOnly:   t.cfg.TransactionsOnly,
		WritesEnabled:      t.cfg.WritesEnabled,
		WatchdogEnabled:    t.cfg.WatchdogEnabled,
		WatchdogBackoff:    t.cfg.WatchdogBackoff,
		TransactionsPerJob: t.cfg.TransactionsPerJob,
	}
	if t.cfg.ShardFilter != "" {
		opts.ShardFilter = targets
	}
	return opts
}

func serveMetrics(addr string, g prometheus.Gatherer, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/metrics", echo.WrapHandler(shardcopy.MetricsHandler(g)))
	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return e
}

func (t *tool) query(ctx context.Context, out io.Writer) error {
	queue, _, err := t.queueStore(ctx)
	if err != nil {
		return err
	}
	qs, err := queue.Stats(ctx)
	if err != nil {
		return err
	}

	m, urls, err := t.shardMap()
	if err != nil {
		return err
	}
	conns, err := t.shards(ctx, urls, m.Shards())
	if err != nil {
		return err
	}
	stats := make([]*shardcopy.ShardStats, 0, len(conns))
	for _, c := range conns {
		st, err := c.store.Stats(ctx)
		if err != nil {
			return err
		}
		stats = append(stats, st)
	}
	return printQuery(out, qs, stats)
}

func printQuery(out io.Writer, qs *shardcopy.QueueStats, shards []*shardcopy.ShardStats) error {
	fmt.Fprintf(out, "Jobs: %d pending, %d running, %d completed, %d failed\n\n",
		qs.Pending, qs.Running, qs.Completed, qs.Failed)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SHARD\tRESOURCES\tTRANSACTIONS\tOPEN\tFAILED\tVISIBLE")
	for _, s := range shards {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\n",
			s.Shard, s.Resources, s.Transactions, s.OpenTransactions, s.FailedTransactions, s.VisibleTransaction)
	}
	return w.Flush()
}
