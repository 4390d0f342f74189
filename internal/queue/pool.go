package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aristath/nextaction/internal/domain"
	"github.com/aristath/nextaction/internal/observability"
	"github.com/rs/zerolog"
)

// PoolConfig configures the worker pool
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
}

// Pool drains the queue with a fixed number of workers. Workers wake on
// Trigger or on the poll ticker, whichever comes first, and keep claiming
// until the queue has nothing claimable.
type Pool struct {
	store    *Store
	handler  Handler
	statuses ProcessingStatusWriter
	metrics  *observability.Metrics
	cfg      PoolConfig
	log      zerolog.Logger

	trigger    chan struct{}
	stop       chan struct{}
	processing atomic.Int32
	started    bool
	stopped    bool
	mu         sync.Mutex
	wg         sync.WaitGroup
}

// NewPool creates a worker pool. statuses and metrics may be nil.
func NewPool(store *Store, handler Handler, statuses ProcessingStatusWriter, metrics *observability.Metrics, cfg PoolConfig, log zerolog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Pool{
		store:    store,
		handler:  handler,
		statuses: statuses,
		metrics:  metrics,
		cfg:      cfg,
		log:      log.With().Str("component", "queue_pool").Logger(),
		trigger:  make(chan struct{}, cfg.Workers),
		stop:     make(chan struct{}),
	}
}

// Start launches the workers
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started && !p.stopped {
		p.log.Warn().Msg("Worker pool already started, ignoring")
		return
	}
	if p.stopped {
		p.stop = make(chan struct{})
		p.stopped = false
	}
	p.started = true

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}

	p.log.Info().
		Int("workers", p.cfg.Workers).
		Dur("poll_interval", p.cfg.PollInterval).
		Msg("Worker pool started")
}

// Stop signals the workers and waits for in-flight items to finish
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()
	p.log.Info().Msg("Worker pool stopped")
}

// Trigger wakes idle workers. Non-blocking.
func (p *Pool) Trigger() {
	for i := 0; i < p.cfg.Workers; i++ {
		select {
		case p.trigger <- struct{}{}:
		default:
			return
		}
	}
}

// TriggerManually wakes the workers, or drains the queue synchronously
// when the pool is not running
func (p *Pool) TriggerManually(ctx context.Context) int {
	if p.Status().Running {
		p.Trigger()
		return 0
	}
	return p.Drain(ctx)
}

// Drain processes items on the calling goroutine until none is claimable.
// Returns the number of items processed.
func (p *Pool) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		if !p.processNext(ctx) {
			break
		}
		n++
	}
	return n
}

// Status returns a snapshot of the pool
func (p *Pool) Status() Status {
	p.mu.Lock()
	running := p.started && !p.stopped
	p.mu.Unlock()

	return Status{
		Running:    running,
		Processing: int(p.processing.Load()),
		Workers:    p.cfg.Workers,
	}
}

func (p *Pool) run(worker int) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	log := p.log.With().Int("worker", worker).Logger()
	log.Debug().Msg("Worker started")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		select {
		case <-p.stop:
			log.Debug().Msg("Worker stopped")
			return
		case <-p.trigger:
		case <-ticker.C:
		}

		for {
			select {
			case <-p.stop:
				log.Debug().Msg("Worker stopped")
				return
			default:
			}
			if !p.processNext(ctx) {
				break
			}
		}
	}
}

// processNext claims and handles one item. Returns false when nothing was claimable.
func (p *Pool) processNext(ctx context.Context) bool {
	item, err := p.store.ClaimNext(ctx)
	if err != nil {
		p.log.Error().Err(err).Msg("Failed to claim queue item")
		return false
	}
	if item == nil {
		return false
	}

	p.processing.Add(1)
	defer p.processing.Add(-1)

	log := p.log.With().
		Str("item", item.ID).
		Str("type", string(item.Type)).
		Str("opportunity", item.Opportunity).
		Int("attempts", item.Attempts).
		Logger()

	p.setProcessingStatus(ctx, item.Opportunity, domain.ProcessingInProgress)

	start := time.Now()
	err = p.handle(ctx, *item)
	if err != nil {
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("Queue item failed")
		if ferr := p.store.Fail(ctx, item.ID, err); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to mark queue item failed")
		}
		p.setProcessingStatus(ctx, item.Opportunity, domain.ProcessingFailed)
		p.metrics.QueueItemFinished(ctx, string(item.Type), false)
		return true
	}

	if cerr := p.store.Complete(ctx, item.ID); cerr != nil {
		log.Error().Err(cerr).Msg("Failed to mark queue item completed")
	}
	p.setProcessingStatus(ctx, item.Opportunity, domain.ProcessingCompleted)
	p.metrics.QueueItemFinished(ctx, string(item.Type), true)
	log.Info().Dur("duration", time.Since(start)).Msg("Queue item completed")
	return true
}

func (p *Pool) handle(ctx context.Context, item domain.QueueItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in queue handler: %v", r)
		}
	}()
	return p.handler(ctx, item)
}

func (p *Pool) setProcessingStatus(ctx context.Context, opportunityID string, status domain.ProcessingStatus) {
	if p.statuses == nil || opportunityID == "" {
		return
	}
	if err := p.statuses.SetProcessingStatus(ctx, opportunityID, status); err != nil {
		p.log.Warn().
			Err(err).
			Str("opportunity", opportunityID).
			Str("status", string(status)).
			Msg("Failed to record processing status")
	}
}
