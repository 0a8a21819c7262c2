package logpipeline

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cloakgate/gateway/internal/cache"
	"github.com/cloakgate/gateway/internal/model"
	"github.com/cloakgate/gateway/internal/state"
)

// WriterConfig configures the single background writer that drains the
// shared log queue into the primary store.
type WriterConfig struct {
	Cache           *cache.Client
	Store           *state.Store
	BatchSize       int
	FlushInterval   time.Duration
	MetricsInterval time.Duration
	PopTimeout      time.Duration
	// OnFlush, if set, is called after every successful batch insert with
	// the number of records written. Used to drive C6's counter metrics.
	OnFlush func(written int)
	// OnRequeue, if set, is called after a failed batch insert with the
	// number of records pushed back onto pending.
	OnRequeue func(n int)
	// OnQueueDepth, if set, is called periodically with the pending
	// queue's current length.
	OnQueueDepth func(pending int64)
}

// Writer is the single-writer consumer side of the log pipeline.
type Writer struct {
	cache           *cache.Client
	store           *state.Store
	batchSize       int
	flushInterval   time.Duration
	metricsInterval time.Duration
	popTimeout      time.Duration
	onFlush         func(written int)
	onRequeue       func(n int)
	onQueueDepth    func(pending int64)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWriter constructs a Writer. Call Start to begin draining the queue.
func NewWriter(cfg WriterConfig) *Writer {
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	metricsInterval := cfg.MetricsInterval
	if metricsInterval <= 0 {
		metricsInterval = 10 * time.Second
	}
	popTimeout := cfg.PopTimeout
	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}
	return &Writer{
		cache:           cfg.Cache,
		store:           cfg.Store,
		batchSize:       batchSize,
		flushInterval:   flushInterval,
		metricsInterval: metricsInterval,
		popTimeout:      popTimeout,
		onFlush:         cfg.OnFlush,
		onRequeue:       cfg.OnRequeue,
		onQueueDepth:    cfg.OnQueueDepth,
		stopCh:          make(chan struct{}),
	}
}

// Start recovers any items left in the processing list by a crashed prior
// process, then launches the drain and metrics loops.
func (w *Writer) Start(ctx context.Context) {
	w.recoverProcessing(ctx)

	w.wg.Add(1)
	go w.drainLoop(ctx)

	w.wg.Add(1)
	go w.metricsLoop(ctx)
}

// Stop signals both loops to stop and waits for them to drain.
func (w *Writer) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// recoverProcessing moves every item still sitting in the processing list
// back to pending. A prior process that died mid-batch leaves its
// in-flight items here; spec §8 requires they are not lost.
func (w *Writer) recoverProcessing(ctx context.Context) {
	moved := 0
	for {
		item, err := w.cache.Raw().RPopLPush(ctx, cache.LogQueueProcessing, cache.LogQueuePending).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			log.Printf("[logpipeline] startup recovery failed: %v", err)
			break
		}
		_ = item
		moved++
	}
	if moved > 0 {
		log.Printf("[logpipeline] recovered %d records left in processing at startup", moved)
	}
}

func (w *Writer) drainLoop(ctx context.Context) {
	defer w.wg.Done()

	batch := make([]string, 0, w.batchSize)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			w.flush(ctx, batch)
			return
		default:
		}

		item, err := w.cache.Raw().BRPopLPush(ctx, cache.LogQueuePending, cache.LogQueueProcessing, w.popTimeout).Result()
		if err == redis.Nil {
			select {
			case <-ticker.C:
				if len(batch) > 0 {
					w.flush(ctx, batch)
					batch = batch[:0]
				}
			case <-w.stopCh:
				w.flush(ctx, batch)
				return
			default:
			}
			continue
		}
		if err != nil {
			if ctx.Err() != nil || isStopped(w.stopCh) {
				w.flush(ctx, batch)
				return
			}
			log.Printf("[logpipeline] pop failed: %v", err)
			time.Sleep(time.Second)
			continue
		}

		batch = append(batch, item)
		if len(batch) >= w.batchSize {
			w.flush(ctx, batch)
			batch = batch[:0]
		}
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

// flush decodes batch, writes every decodable record to the primary store,
// then acknowledges every item (decodable or not) by removing it from the
// processing list — a malformed record can never be retried into validity.
func (w *Writer) flush(ctx context.Context, batch []string) {
	if len(batch) == 0 {
		return
	}

	decisions := make([]model.CloakDecision, 0, len(batch))
	for _, raw := range batch {
		var d model.CloakDecision
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			log.Printf("[logpipeline] dropping malformed log record: %v", err)
			continue
		}
		decisions = append(decisions, d)
	}

	if len(decisions) == 0 {
		w.ack(ctx, batch)
		return
	}

	written, err := w.store.InsertDecisionsBatch(decisions)
	if err != nil {
		log.Printf("[logpipeline] batch insert failed (%d records), requeuing: %v", len(decisions), err)
		w.requeue(ctx, batch)
		time.Sleep(time.Second)
		return
	}
	if w.onFlush != nil {
		w.onFlush(written)
	}
	w.ack(ctx, batch)
}

// ack acknowledges successfully-written items by removing them from the
// processing list.
func (w *Writer) ack(ctx context.Context, batch []string) {
	for _, raw := range batch {
		if err := w.cache.Raw().LRem(ctx, cache.LogQueueProcessing, 1, raw).Err(); err != nil {
			log.Printf("[logpipeline] ack (LREM) failed: %v", err)
		}
	}
}

// requeue moves items that failed to write back onto the pending list so a
// later attempt can retry them, preserving at-least-once delivery (spec
// §4.6) across a primary-store write failure.
func (w *Writer) requeue(ctx context.Context, batch []string) {
	for _, raw := range batch {
		if err := w.cache.Raw().LRem(ctx, cache.LogQueueProcessing, 1, raw).Err(); err != nil {
			log.Printf("[logpipeline] requeue LREM failed: %v", err)
			continue
		}
		if err := w.cache.Raw().LPush(ctx, cache.LogQueuePending, raw).Err(); err != nil {
			log.Printf("[logpipeline] requeue LPUSH failed, record dropped: %v", err)
		}
	}
	if w.onRequeue != nil {
		w.onRequeue(len(batch))
	}
}

func (w *Writer) metricsLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			pending, err := w.cache.Raw().LLen(ctx, cache.LogQueuePending).Result()
			if err != nil {
				log.Printf("[logpipeline] queue depth check failed: %v", err)
				continue
			}
			log.Printf("[logpipeline] queue depth: pending=%d", pending)
			if w.onQueueDepth != nil {
				w.onQueueDepth(pending)
			}
		}
	}
}
