package shardcopy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// errStopped is returned by a unit when another worker stopped the engine.
var errStopped = errors.New("copy engine stopped")

// Options tune an engine run.
type Options struct {
	Threads    int
	MaxRetries int
	// RetryBackoff is multiplied by the attempt number.
	RetryBackoff time.Duration
	// TransactionsOnly opens and commits shard transactions without
	// reading or writing data.
	TransactionsOnly bool
	// WritesEnabled false reads every unit but touches no shard.
	WritesEnabled   bool
	WatchdogEnabled bool
	WatchdogBackoff time.Duration
	// TransactionsPerJob splits each job into that many units, each
	// copied in its own transactions.
	TransactionsPerJob int
	// ShardFilter limits the copy to these shards; empty means all.
	ShardFilter []ShardID
}

// Engine copies queued units of work from the source into the shards.
type Engine struct {
	queue    QueueStore
	source   SourceStore
	targets  []ShardStore
	isTarget map[ShardID]bool
	shardMap *ShardMap
	opts     Options
	metrics  *Metrics
	logger   zerolog.Logger
	sleep    func(context.Context, time.Duration) error
	now      func() time.Time

	stop    atomic.Bool
	running atomic.Int32

	jobsCompleted      atomic.Int64
	jobsFailed         atomic.Int64
	units              atomic.Int64
	resources          atomic.Int64
	indexRows          atomic.Int64
	transactions       atomic.Int64
	failedTransactions atomic.Int64
	retries            atomic.Int64
	visibilityAdvances atomic.Int64
}

func NewEngine(queue QueueStore, source SourceStore, shards []ShardStore, shardMap *ShardMap, opts Options, metrics *Metrics, logger zerolog.Logger) (*Engine, error) {
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.TransactionsPerJob < 1 {
		opts.TransactionsPerJob = 1
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	stores := make(map[ShardID]ShardStore, len(shards))
	for _, s := range shards {
		stores[s.ID()] = s
	}
	inMap := make(map[ShardID]bool)
	for _, id := range shardMap.Shards() {
		inMap[id] = true
	}
	wanted := opts.ShardFilter
	if len(wanted) == 0 {
		wanted = shardMap.Shards()
	}

	e := &Engine{
		queue:    queue,
		source:   source,
		isTarget: make(map[ShardID]bool),
		shardMap: shardMap,
		opts:     opts,
		metrics:  metrics,
		logger:   logger.With().Str("component", "copy-engine").Logger(),
		sleep:    sleepCtx,
		now:      time.Now,
	}
	for _, id := range wanted {
		if !inMap[id] {
			return nil, fmt.Errorf("shard filter names shard %d, which is not in the shard map", id)
		}
		store, ok := stores[id]
		if !ok {
			return nil, fmt.Errorf("no connection for shard %d", id)
		}
		if e.isTarget[id] {
			continue
		}
		e.isTarget[id] = true
		e.targets = append(e.targets, store)
	}
	sort.Slice(e.targets, func(i, j int) bool { return e.targets[i].ID() < e.targets[j].ID() })
	return e, nil
}

// Stop asks every worker to finish after its current attempt.
func (e *Engine) Stop() { e.stop.Store(true) }

// Stopped reports whether the engine was stopped, by Stop or by a worker
// that exhausted its retry budget.
func (e *Engine) Stopped() bool { return e.stop.Load() }

// Run works the queue with Options.Threads workers until it is exhausted,
// the engine is stopped or ctx is done. The report is returned even when
// the run fails.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	started := e.now()
	runID := uuid.NewString()[:8]
	e.logger.Info().Str("run", runID).Int("threads", e.opts.Threads).Int("shards", len(e.targets)).
		Bool("writes_enabled", e.opts.WritesEnabled).Bool("transactions_only", e.opts.TransactionsOnly).
		Msg("copy run starting")

	g, gctx := errgroup.WithContext(ctx)
	e.running.Store(int32(e.opts.Threads))
	for i := 0; i < e.opts.Threads; i++ {
		worker := fmt.Sprintf("%s-%d", runID, i)
		g.Go(func() error {
			defer e.running.Add(-1)
			return e.work(gctx, worker)
		})
	}

	// The watchdog outlives a failed worker so that the failure's
	// transactions still become visible; only ctx cancels it.
	watchdogErr := make(chan error, 1)
	if e.opts.WatchdogEnabled {
		go func() { watchdogErr <- e.watchdog(ctx) }()
	} else {
		watchdogErr <- nil
	}

	err := g.Wait()
	if werr := <-watchdogErr; werr != nil && !errors.Is(werr, context.Canceled) {
		err = errors.Join(err, werr)
	}

	report := e.report(started)
	if err != nil {
		report.Error = err.Error()
		e.logger.Error().Err(err).Str("run", runID).Msg("copy run failed")
	} else {
		e.logger.Info().Str("run", runID).Int64("jobs", report.JobsCompleted).Int64("resources", report.Resources).
			Str("duration", report.Duration).Msg("copy run finished")
	}
	return report, err
}

func (e *Engine) report(started time.Time) *Report {
	finished := e.now()
	return &Report{
		StartedAt:          started,
		FinishedAt:         finished,
		Duration:           finished.Sub(started).Round(time.Millisecond).String(),
		Threads:            e.opts.Threads,
		JobsCompleted:      e.jobsCompleted.Load(),
		JobsFailed:         e.jobsFailed.Load(),
		Units:              e.units.Load(),
		Resources:          e.resources.Load(),
		IndexRows:          e.indexRows.Load(),
		Transactions:       e.transactions.Load(),
		FailedTransactions: e.failedTransactions.Load(),
		Retries:            e.retries.Load(),
		VisibilityAdvances: e.visibilityAdvances.Load(),
		Stopped:            e.stop.Load(),
	}
}

func (e *Engine) commandPolicy() RetryPolicy {
	return RetryPolicy{Attempts: e.opts.MaxRetries, Backoff: e.opts.RetryBackoff}
}

// work is one worker: dequeue, copy, complete, until the queue is empty.
func (e *Engine) work(ctx context.Context, worker string) error {
	log := e.logger.With().Str("worker", worker).Logger()
	for {
		if e.stop.Load() {
			log.Info().Msg("engine stopped, worker exiting")
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		var job *Job
		err := withRetry(ctx, e.commandPolicy(), log, "dequeue job", func(ctx context.Context) error {
			var err error
			job, err = e.queue.DequeueJob(ctx, worker)
			return err
		})
		if err != nil {
			log.Error().Err(err).Msg("dequeue failed, stopping")
			e.stop.Store(true)
			return err
		}
		if job.Exhausted() {
			log.Debug().Msg("queue exhausted")
			return nil
		}
		if err := e.runJob(ctx, log, job); err != nil {
			return err
		}
	}
}

type unitResult struct {
	resources    int
	indexRows    int
	transactions int
}

func (r *unitResult) add(o unitResult) {
	r.resources += o.resources
	r.indexRows += o.indexRows
	r.transactions += o.transactions
}

func (e *Engine) runJob(ctx context.Context, log zerolog.Logger, job *Job) error {
	e.metrics.ActiveWorkers.Inc()
	defer e.metrics.ActiveWorkers.Dec()

	log = log.With().Int64("job", job.ID).Str("definition", job.Definition).Logger()
	log.Debug().Msg("job started")

	def, err := ParseDefinition(job.Definition)
	if err != nil {
		log.Error().Err(err).Msg("bad job definition, stopping")
		e.stop.Store(true)
		e.completeJob(ctx, log, job, err)
		return err
	}

	var total unitResult
	for _, unit := range def.Split(e.opts.TransactionsPerJob) {
		res, err := e.runUnit(ctx, log, unit)
		if err != nil {
			e.completeJob(ctx, log, job, err)
			if errors.Is(err, errStopped) {
				return nil
			}
			return err
		}
		total.add(res)
	}

	job.Result = fmt.Sprintf("resources=%d index_rows=%d transactions=%d", total.resources, total.indexRows, total.transactions)
	if err := e.completeJob(ctx, log, job, nil); err != nil {
		e.stop.Store(true)
		return err
	}
	log.Debug().Int("resources", total.resources).Msg("job completed")
	return nil
}

// completeJob records the outcome of job. It runs even when ctx is
// cancelled so that no job is left running.
func (e *Engine) completeJob(ctx context.Context, log zerolog.Logger, job *Job, cause error) error {
	failed := cause != nil
	result := job.Result
	outcome := "completed"
	if failed {
		result = cause.Error()
		outcome = "failed"
		e.jobsFailed.Add(1)
	} else {
		e.jobsCompleted.Add(1)
	}
	e.metrics.JobsTotal.WithLabelValues(outcome).Inc()

	err := withRetry(context.WithoutCancel(ctx), e.commandPolicy(), log, "complete job", func(ctx context.Context) error {
		return e.queue.CompleteJob(ctx, job, failed, result)
	})
	if err != nil {
		log.Error().Err(err).Bool("failed", failed).Msg("could not complete job")
	}
	return err
}

// runUnit copies one unit. Transient errors extend the retry budget by one,
// any other error uses it up; an exhausted budget stops the whole engine.
func (e *Engine) runUnit(ctx context.Context, log zerolog.Logger, def Definition) (unitResult, error) {
	budget := e.opts.MaxRetries
	for attempt := 1; ; attempt++ {
		if e.stop.Load() {
			return unitResult{}, errStopped
		}

		started := e.now()
		res, err := e.copyUnit(ctx, def)
		e.metrics.UnitDuration.Observe(e.now().Sub(started).Seconds())
		if err == nil {
			e.units.Add(1)
			e.resources.Add(int64(res.resources))
			e.indexRows.Add(int64(res.indexRows))
			e.metrics.RowsCopied.WithLabelValues("resource").Add(float64(res.resources))
			e.metrics.RowsCopied.WithLabelValues("index").Add(float64(res.indexRows))
			return res, nil
		}
		if ctx.Err() != nil {
			return res, err
		}

		retryable := IsRetryable(err)
		if retryable {
			budget++
		}
		e.retries.Add(1)
		e.metrics.Retries.WithLabelValues(strconv.FormatBool(retryable)).Inc()
		log.Warn().Err(err).Str("unit", def.String()).Int("attempt", attempt).Int("budget", budget).
			Bool("retryable", retryable).Msg("unit failed")

		if attempt >= budget {
			e.stop.Store(true)
			log.Error().Err(err).Str("unit", def.String()).Int("attempts", attempt).Msg("retry budget exhausted, stopping all workers")
			return res, fmt.Errorf("unit %s failed after %d attempts: %w", def, attempt, err)
		}
		if err := e.sleep(ctx, e.opts.RetryBackoff*time.Duration(attempt)); err != nil {
			return res, err
		}
	}
}

// copyUnit moves one unit into every target shard, one transaction per
// shard. On error every transaction it opened is committed with the error
// as failure reason before the error is returned.
func (e *Engine) copyUnit(ctx context.Context, def Definition) (res unitResult, err error) {
	var batch *Batch
	if !e.opts.TransactionsOnly {
		if batch, err = e.source.ReadUnit(ctx, def); err != nil {
			return res, err
		}
	}
	if !e.opts.WritesEnabled {
		if batch != nil {
			res.resources = len(batch.Resources)
			res.indexRows = batch.IndexRowCount()
		}
		return res, nil
	}

	var parts map[ShardID]*Batch
	if batch != nil {
		parts = e.partition(batch)
	}

	open := make(map[ShardID]TransactionID)
	defer func() {
		if err != nil && len(open) > 0 {
			if cerr := e.closeFailed(ctx, open, err); cerr != nil {
				err = errors.Join(err, cerr)
			}
		}
	}()

	for _, shard := range e.targets {
		id := shard.ID()
		part := parts[id]
		if !e.opts.TransactionsOnly && part == nil {
			continue
		}

		tid, err := shard.BeginTransaction(ctx)
		if err != nil {
			return res, err
		}
		open[id] = tid

		if part != nil {
			if err := stamp(part, tid); err != nil {
				return res, err
			}
			written, err := shard.MergeResources(ctx, tid, part)
			if err != nil {
				return res, err
			}
			res.resources += len(part.Resources)
			res.indexRows += written - len(part.Resources)
		}

		if err := shard.CommitTransaction(ctx, tid, ""); err != nil {
			return res, err
		}
		delete(open, id)
		res.transactions++
		e.transactions.Add(1)
		e.metrics.Transactions.WithLabelValues("committed").Inc()
	}
	return res, nil
}

func (e *Engine) closeFailed(ctx context.Context, open map[ShardID]TransactionID, cause error) error {
	ctx = context.WithoutCancel(ctx)
	reason := "copy failed: " + cause.Error()
	var errs []error
	for _, shard := range e.targets {
		tid, ok := open[shard.ID()]
		if !ok {
			continue
		}
		if err := shard.CommitTransaction(ctx, tid, reason); err != nil {
			e.logger.Error().Err(err).Int("shard", int(shard.ID())).Int64("transaction", int64(tid)).Msg("could not close failed transaction")
			errs = append(errs, err)
			continue
		}
		delete(open, shard.ID())
		e.failedTransactions.Add(1)
		e.metrics.Transactions.WithLabelValues("failed").Inc()
	}
	return errors.Join(errs...)
}

// partition assigns every resource a shardlet and groups the batch by
// target shard. Rows for shards outside the filter are dropped, as are the
// source surrogate ids.
func (e *Engine) partition(batch *Batch) map[ShardID]*Batch {
	parts := make(map[ShardID]*Batch)
	owner := make(map[string]ShardID, len(batch.Resources))
	for _, r := range batch.Resources {
		shardlet, shard := e.shardMap.Route(r.Key.ResourceTypeID, r.Key.ResourceID)
		if !e.isTarget[shard] {
			continue
		}
		p := parts[shard]
		if p == nil {
			p = &Batch{Definition: batch.Definition, Index: make(map[string][]IndexRow)}
			parts[shard] = p
		}
		r.Key.ShardletID = shardlet
		r.Key.SurrogateID = 0
		p.Resources = append(p.Resources, r)
		owner[r.Key.ResourceID] = shard
	}
	for table, rows := range batch.Index {
		for _, row := range rows {
			shard, ok := owner[row.Key.ResourceID]
			if !ok {
				continue
			}
			parts[shard].Index[table] = append(parts[shard].Index[table], row)
		}
	}
	return parts
}

// stamp gives every row of part its shard key: tid, its shardlet and the
// next sequence number within that shardlet.
func stamp(part *Batch, tid TransactionID) error {
	next := make(map[ShardletID]int)
	keys := make(map[string]ResourceKey, len(part.Resources))
	for i := range part.Resources {
		k := &part.Resources[i].Key
		seq := next[k.ShardletID]
		if seq > math.MaxInt16 {
			return fmt.Errorf("shardlet %d has more than %d resources in one transaction", k.ShardletID, math.MaxInt16+1)
		}
		next[k.ShardletID] = seq + 1
		k.TransactionID = tid
		k.Sequence = int16(seq)
		keys[k.ResourceID] = *k
	}
	for _, rows := range part.Index {
		for i := range rows {
			rows[i].Key = keys[rows[i].Key.ResourceID]
		}
	}
	return nil
}
