package status

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/metrics"
	"go.uber.org/zap"
)

//go:generate mockgen -destination=mocks/mock_recomputer.go -source=dispatcher.go Recomputer
type Recomputer interface {
	Recompute(ctx context.Context, transactionID uuid.UUID) (domain.TransactionStatus, error)
}

type DispatcherConfig struct {
	Workers     int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	QueueSize   int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

type retry struct {
	id      uuid.UUID
	attempt int
}

// Dispatcher is the ledger's status notifier. It recomputes synchronously and
// hands failures to a background worker pool that retries with exponential
// backoff. A transaction is queued at most once at a time.
type Dispatcher struct {
	engine Recomputer
	cfg    DispatcherConfig
	logger *zap.Logger

	queue   chan retry
	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
}

func NewDispatcher(engine Recomputer, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		engine:  engine,
		cfg:     cfg,
		logger:  logger,
		queue:   make(chan retry, cfg.QueueSize),
		pending: make(map[uuid.UUID]struct{}),
	}
}

// Notify never returns an error to the writer that triggered it.
func (d *Dispatcher) Notify(ctx context.Context, transactionID uuid.UUID) {
	if _, err := d.engine.Recompute(ctx, transactionID); err != nil {
		d.logger.Error("status recompute failed, scheduling retry",
			zap.String("transaction_id", transactionID.String()),
			zap.String("kind", string(domain.KindStatusRecompute)),
			zap.Error(err))
		d.enqueue(retry{id: transactionID, attempt: 1})
	}
}

// Pending is the number of transactions waiting for a retry.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) enqueue(r retry) {
	d.mu.Lock()
	if _, ok := d.pending[r.id]; ok {
		d.mu.Unlock()
		return
	}
	d.pending[r.id] = struct{}{}
	d.mu.Unlock()
	d.push(r)
}

func (d *Dispatcher) push(r retry) {
	select {
	case d.queue <- r:
		metrics.RecomputeRetryQueue.Set(float64(d.Pending()))
	default:
		d.logger.Error("status retry queue full, recompute dropped",
			zap.String("transaction_id", r.id.String()))
		d.done(r.id)
	}
}

func (d *Dispatcher) done(id uuid.UUID) {
	d.mu.Lock()
	delete(d.pending, id)
	n := len(d.pending)
	d.mu.Unlock()
	metrics.RecomputeRetryQueue.Set(float64(n))
}

// Run starts the retry workers and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < d.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.work(ctx)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-d.queue:
			timer := time.NewTimer(d.backoff(r.attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			d.attempt(ctx, r)
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, r retry) {
	_, err := d.engine.Recompute(ctx, r.id)
	if err == nil {
		d.logger.Info("status recompute recovered",
			zap.String("transaction_id", r.id.String()),
			zap.Int("attempt", r.attempt))
		d.done(r.id)
		return
	}
	if r.attempt >= d.cfg.MaxAttempts {
		metrics.RecomputesTotal.WithLabelValues("abandoned").Inc()
		d.logger.Error("status recompute abandoned",
			zap.String("transaction_id", r.id.String()),
			zap.String("kind", string(domain.KindStatusRecompute)),
			zap.Int("attempts", r.attempt),
			zap.Error(err))
		d.done(r.id)
		return
	}
	d.logger.Warn("status recompute retry failed",
		zap.String("transaction_id", r.id.String()),
		zap.Int("attempt", r.attempt),
		zap.Error(err))
	d.push(retry{id: r.id, attempt: r.attempt + 1})
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.MaxDelay {
			return d.cfg.MaxDelay
		}
	}
	return delay
}
