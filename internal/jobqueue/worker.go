package jobqueue

import (
	"context"
	"encoding/json"
	"log"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloakgate/gateway/internal/cache"
	"github.com/cloakgate/gateway/internal/model"
	"github.com/cloakgate/gateway/internal/scanloop"
	"github.com/cloakgate/gateway/internal/state"
)

// WorkerConfig configures a single job-runner process. Multiple workers
// may run concurrently against the same queues (spec §4.7).
type WorkerConfig struct {
	Cache    *cache.Client
	Store    *state.Store
	Executor Executor

	MaxConcurrent        int
	MaxAttempts          int
	RetryBaseDelay       time.Duration
	RetryMaxDelay        time.Duration
	RetryJitterRatio     float64
	PollTimeout          time.Duration
	DelayedMoverInterval time.Duration
	MetricsInterval      time.Duration
	ShutdownDrain        time.Duration

	// OnMetrics, if set, is called after every metrics-refresh tick.
	OnMetrics func(Metrics)
	// OnOutcome, if set, is called after every dispatch with one of
	// "success", "retry", or "dead_letter".
	OnOutcome func(outcome string)
}

// Metrics is a point-in-time sample of queue depths.
type Metrics struct {
	Pending    int64
	Processing int64
	Delayed    int64
	Dead       int64
}

// Worker polls the pending queue, dispatches jobs to an Executor up to a
// concurrency cap, and runs the delayed-mover and metrics-refresher loops
// alongside it.
type Worker struct {
	cache *cache.Client
	store *state.Store
	exec  Executor

	maxConcurrent   int
	maxAttempts     int
	baseDelay       time.Duration
	maxDelay        time.Duration
	jitterRatio     float64
	pollTimeout     time.Duration
	moverInterval   time.Duration
	metricsInterval time.Duration
	shutdownDrain   time.Duration
	onMetrics       func(Metrics)
	onOutcome       func(outcome string)

	sem chan struct{}

	started atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWorker constructs a Worker. Call Start to begin processing.
func NewWorker(cfg WorkerConfig) *Worker {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	maxDelay := cfg.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 5 * time.Second
	}
	moverInterval := cfg.DelayedMoverInterval
	if moverInterval <= 0 {
		moverInterval = time.Second
	}
	metricsInterval := cfg.MetricsInterval
	if metricsInterval <= 0 {
		metricsInterval = 10 * time.Second
	}
	shutdownDrain := cfg.ShutdownDrain
	if shutdownDrain <= 0 {
		shutdownDrain = 30 * time.Second
	}
	return &Worker{
		cache:           cfg.Cache,
		store:           cfg.Store,
		exec:            cfg.Executor,
		maxConcurrent:   maxConcurrent,
		maxAttempts:     maxAttempts,
		baseDelay:       baseDelay,
		maxDelay:        maxDelay,
		jitterRatio:     cfg.RetryJitterRatio,
		pollTimeout:     pollTimeout,
		moverInterval:   moverInterval,
		metricsInterval: metricsInterval,
		shutdownDrain:   shutdownDrain,
		onMetrics:       cfg.OnMetrics,
		onOutcome:       cfg.OnOutcome,
		sem:             make(chan struct{}, maxConcurrent),
		stopCh:          make(chan struct{}),
	}
}

// Start recovers crashed in-flight jobs, then launches the poll loop, the
// delayed mover, and the metrics refresher. Safe to call only once.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		log.Printf("[jobqueue] Start called more than once, ignoring")
		return
	}
	w.recoverProcessing(ctx)

	w.wg.Add(1)
	go w.pollLoop(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		scanloop.Run(w.stopCh, w.moverInterval, w.moverInterval/4, func() { w.runDelayedMover(ctx) })
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		scanloop.Run(w.stopCh, w.metricsInterval, w.metricsInterval/4, func() { w.runMetricsRefresh(ctx) })
	}()
}

// Stop stops accepting new jobs and waits, up to the shutdown-drain
// budget, for in-flight jobs to finish before returning.
func (w *Worker) Stop() {
	close(w.stopCh)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(w.shutdownDrain):
		log.Printf("[jobqueue] shutdown drain exceeded %s, exiting with jobs still in flight", w.shutdownDrain)
	}
}

// recoverProcessing moves every job still sitting in the processing list
// back to pending. A prior process that died mid-job leaves its in-flight
// entries here; spec §4.7 requires they are recovered at startup.
func (w *Worker) recoverProcessing(ctx context.Context) {
	moved := 0
	for {
		_, err := w.cache.Raw().RPopLPush(ctx, cache.JobQueueProcessing, cache.JobQueuePending).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			log.Printf("[jobqueue] startup recovery failed: %v", err)
			break
		}
		moved++
	}
	if moved > 0 {
		log.Printf("[jobqueue] recovered %d jobs left in processing at startup", moved)
	}
}

// pollLoop takes one job at a time up to the concurrency cap and forks
// its handling off so polling never waits on a single job's work.
func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		select {
		case w.sem <- struct{}{}:
		case <-w.stopCh:
			return
		}

		raw, err := w.cache.Raw().BRPopLPush(ctx, cache.JobQueuePending, cache.JobQueueProcessing, w.pollTimeout).Result()
		if err == redis.Nil {
			<-w.sem
			continue
		}
		if err != nil {
			<-w.sem
			if ctx.Err() != nil || isStopped(w.stopCh) {
				return
			}
			log.Printf("[jobqueue] pop failed: %v", err)
			time.Sleep(time.Second)
			continue
		}

		w.wg.Add(1)
		go func(raw string) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.dispatch(ctx, raw)
		}(raw)
	}
}

func isStopped(stopCh chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

func (w *Worker) dispatch(ctx context.Context, raw string) {
	var job model.PageGenerationJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		log.Printf("[jobqueue] dropping malformed job: %v", err)
		if err := w.cache.Raw().LRem(ctx, cache.JobQueueProcessing, 1, raw).Err(); err != nil {
			log.Printf("[jobqueue] ack (LREM) for malformed job failed: %v", err)
		}
		return
	}

	w.updatePage(job, model.PageGenerating, "")

	if err := w.exec.Execute(ctx, job); err != nil {
		w.handleFailure(ctx, raw, job, err)
		return
	}
	w.succeed(ctx, raw, job)
}

func (w *Worker) succeed(ctx context.Context, raw string, job model.PageGenerationJob) {
	w.ack(ctx, raw)
	w.updatePage(job, model.PageGenerated, "")
	w.reportOutcome("success")
}

func (w *Worker) reportOutcome(outcome string) {
	if w.onOutcome != nil {
		w.onOutcome(outcome)
	}
}

// handleFailure applies spec §4.7's retry ladder: requeue onto the
// delayed set with exponential backoff and jitter while attempts remain,
// otherwise dead-letter.
func (w *Worker) handleFailure(ctx context.Context, raw string, job model.PageGenerationJob, cause error) {
	attempt := job.Attempt
	if attempt+1 >= w.maxAttempts {
		w.deadLetter(ctx, raw, job, cause)
		return
	}
	delay := w.backoffDelay(attempt)
	job.Attempt = attempt + 1
	w.requeueDelayed(ctx, raw, job, delay)
	w.updatePage(job, model.PageGenerating, cause.Error())
	w.reportOutcome("retry")
}

// backoffDelay computes min(maxDelay, baseDelay * 2^attempt) with uniform
// jitter of ± jitterRatio applied.
func (w *Worker) backoffDelay(attempt int) time.Duration {
	d := time.Duration(float64(w.baseDelay) * math.Pow(2, float64(attempt)))
	if d <= 0 || d > w.maxDelay {
		d = w.maxDelay
	}
	if w.jitterRatio > 0 {
		span := float64(d) * w.jitterRatio
		d += time.Duration((rand.Float64()*2 - 1) * span)
		if d < 0 {
			d = 0
		}
	}
	return d
}

// requeueDelayed acks the original entry and schedules the retry via the
// delayed sorted set. If the ZADD itself fails, it falls back to an
// immediate LPUSH onto pending — at-least-once is preserved at the cost
// of ordering, as spec §4.7 allows.
func (w *Worker) requeueDelayed(ctx context.Context, raw string, job model.PageGenerationJob, delay time.Duration) {
	w.ack(ctx, raw)

	payload, err := json.Marshal(job)
	if err != nil {
		log.Printf("[jobqueue] marshal retry job failed, dropping: %v", err)
		return
	}
	unlockAt := float64(time.Now().Add(delay).UnixMilli())
	if err := w.cache.Raw().ZAdd(ctx, cache.JobQueueDelayed, redis.Z{Score: unlockAt, Member: payload}).Err(); err != nil {
		log.Printf("[jobqueue] delayed zset push failed, falling back to immediate requeue: %v", err)
		if err := w.cache.Raw().LPush(ctx, cache.JobQueuePending, payload).Err(); err != nil {
			log.Printf("[jobqueue] fallback requeue failed, job dropped: %v", err)
		}
	}
}

type deadLetterRecord struct {
	Job      model.PageGenerationJob `json:"job"`
	Error    string                  `json:"error"`
	FailedAt time.Time               `json:"failed_at"`
}

func (w *Worker) deadLetter(ctx context.Context, raw string, job model.PageGenerationJob, cause error) {
	w.ack(ctx, raw)

	record := deadLetterRecord{Job: job, Error: cause.Error(), FailedAt: time.Now()}
	payload, err := json.Marshal(record)
	if err != nil {
		log.Printf("[jobqueue] marshal dead-letter record failed: %v", err)
		payload = []byte(raw)
	}
	if err := w.cache.Raw().LPush(ctx, cache.JobQueueDead, payload).Err(); err != nil {
		log.Printf("[jobqueue] dead-letter push failed: %v", err)
	}
	w.updatePage(job, model.PageFailed, cause.Error())
	log.Printf("[jobqueue] page=%d variant=%s dead-lettered after %d attempts: %v", job.PageID, job.Variant, job.Attempt+1, cause)
	w.reportOutcome("dead_letter")
}

func (w *Worker) ack(ctx context.Context, raw string) {
	if err := w.cache.Raw().LRem(ctx, cache.JobQueueProcessing, 1, raw).Err(); err != nil {
		log.Printf("[jobqueue] ack (LREM) failed: %v", err)
	}
}

func (w *Worker) updatePage(job model.PageGenerationJob, status model.PageStatus, errMsg string) {
	if w.store == nil {
		return
	}
	p := model.Page{
		ID:          job.PageID,
		OfferID:     job.OfferID,
		Variant:     job.Variant,
		Status:      status,
		Error:       errMsg,
		UpdatedAtNs: time.Now().UnixNano(),
	}
	if err := w.store.UpsertPage(p); err != nil {
		log.Printf("[jobqueue] page status update failed (page=%d variant=%s status=%s): %v", job.PageID, job.Variant, status, err)
	}
}

// delayedMoverScript atomically pops every delayed entry whose unlock
// time has passed and pushes it back onto the pending queue. Running this
// as a server-side script (rather than ZRANGEBYSCORE+ZREM+LPUSH as three
// round trips) is what spec §4.7 means by "atomically" here.
var delayedMoverScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
if #items > 0 then
	redis.call('ZREM', KEYS[1], unpack(items))
	for _, item in ipairs(items) do
		redis.call('LPUSH', KEYS[2], item)
	end
end
return #items
`)

const delayedMoverBatchSize = 100

func (w *Worker) runDelayedMover(ctx context.Context) {
	now := time.Now().UnixMilli()
	n, err := delayedMoverScript.Run(ctx, w.cache.Raw(), []string{cache.JobQueueDelayed, cache.JobQueuePending}, now, delayedMoverBatchSize).Int()
	if err != nil {
		log.Printf("[jobqueue] delayed mover failed: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[jobqueue] moved %d delayed jobs back to pending", n)
	}
}

// Status samples current queue depths on demand, for the admin API.
func (w *Worker) Status(ctx context.Context) (Metrics, error) {
	var m Metrics
	var err error
	if m.Pending, err = w.cache.Raw().LLen(ctx, cache.JobQueuePending).Result(); err != nil {
		return m, err
	}
	if m.Processing, err = w.cache.Raw().LLen(ctx, cache.JobQueueProcessing).Result(); err != nil {
		return m, err
	}
	if m.Delayed, err = w.cache.Raw().ZCard(ctx, cache.JobQueueDelayed).Result(); err != nil {
		return m, err
	}
	if m.Dead, err = w.cache.Raw().LLen(ctx, cache.JobQueueDead).Result(); err != nil {
		return m, err
	}
	return m, nil
}

func (w *Worker) runMetricsRefresh(ctx context.Context) {
	var m Metrics
	var err error
	if m.Pending, err = w.cache.Raw().LLen(ctx, cache.JobQueuePending).Result(); err != nil {
		log.Printf("[jobqueue] metrics: LLEN pending failed: %v", err)
	}
	if m.Processing, err = w.cache.Raw().LLen(ctx, cache.JobQueueProcessing).Result(); err != nil {
		log.Printf("[jobqueue] metrics: LLEN processing failed: %v", err)
	}
	if m.Delayed, err = w.cache.Raw().ZCard(ctx, cache.JobQueueDelayed).Result(); err != nil {
		log.Printf("[jobqueue] metrics: ZCARD delayed failed: %v", err)
	}
	if m.Dead, err = w.cache.Raw().LLen(ctx, cache.JobQueueDead).Result(); err != nil {
		log.Printf("[jobqueue] metrics: LLEN dead failed: %v", err)
	}
	if w.onMetrics != nil {
		w.onMetrics(m)
	}
}
