package usage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/coursehub/entitlements/internal/domain/model"
)

const (
	defaultBufferSize   = 1024
	defaultMaxBatchSize = 100
	defaultFlushEvery   = time.Second
	writeTimeout        = 5 * time.Second
)

type Store interface {
	InsertBatch(ctx context.Context, events []model.UsageEvent) error
}

type Config struct {
	BufferSize   int
	MaxBatchSize int
	FlushEvery   time.Duration
}

// Recorder logs and persists decision events off the request path. Record
// never blocks: when the buffer is full the event is dropped and counted.
type Recorder struct {
	store  Store
	logger *zap.Logger
	cfg    Config

	events  chan model.UsageEvent
	dropped atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewRecorder(store Store, cfg Config, logger *zap.Logger) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = defaultMaxBatchSize
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = defaultFlushEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Recorder{
		store:  store,
		logger: logger,
		cfg:    cfg,
		events: make(chan model.UsageEvent, cfg.BufferSize),
		done:   make(chan struct{}),
	}
}

func (r *Recorder) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.run()
	})
}

func (r *Recorder) Record(event model.UsageEvent) {
	select {
	case r.events <- event:
	default:
		r.dropped.Add(1)
		r.logger.Warn("usage buffer full, dropping event", zap.String("user_id", event.UserID))
	}
}

func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Close stops the worker after it drains what is already buffered.
func (r *Recorder) Close() {
	r.stopOnce.Do(func() {
		close(r.done)
	})
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.FlushEvery)
	defer ticker.Stop()

	batch := make([]model.UsageEvent, 0, r.cfg.MaxBatchSize)
	for {
		select {
		case event := <-r.events:
			r.log(event)
			batch = append(batch, event)
			if len(batch) >= r.cfg.MaxBatchSize {
				batch = r.flush(batch)
			}
		case <-ticker.C:
			batch = r.flush(batch)
		case <-r.done:
			for {
				select {
				case event := <-r.events:
					r.log(event)
					batch = append(batch, event)
				default:
					r.flush(batch)
					return
				}
			}
		}
	}
}

func (r *Recorder) log(event model.UsageEvent) {
	r.logger.Debug("ai usage decision",
		zap.String("user_id", event.UserID),
		zap.String("action", string(event.Action)),
		zap.String("tier", string(event.TierAtTime)),
		zap.Int("effective_quota", event.EffectiveQuota),
		zap.Int("prompt_chars", event.PromptChars),
		zap.Bool("allowed", event.Allowed),
		zap.String("reason", string(event.Reason)),
		zap.Int("remaining", event.Remaining),
		zap.Duration("latency", event.Latency),
	)
}

func (r *Recorder) flush(batch []model.UsageEvent) []model.UsageEvent {
	if len(batch) == 0 || r.store == nil {
		return batch[:0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := r.store.InsertBatch(ctx, batch); err != nil {
		r.logger.Warn("persist usage events failed", zap.Int("count", len(batch)), zap.Error(err))
	}
	return batch[:0]
}
