package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/punchamoorthee/walletcore/internal/metrics"
	"go.uber.org/zap"
)

type Kind string

const (
	OperationCreated    Kind = "operation.created"
	OperationFailed     Kind = "operation.failed"
	StatusRecomputed    Kind = "status.recomputed"
	AllocationAccepted  Kind = "allocation.accepted"
	AllocationRejected  Kind = "allocation.rejected"
	AllocationCancelled Kind = "allocation.cancelled"
)

// Fact is one audit event. Storage of facts belongs to the Publisher.
type Fact struct {
	ID         uuid.UUID         `json:"id"`
	Kind       Kind              `json:"kind"`
	At         time.Time         `json:"at"`
	SubjectID  uuid.UUID         `json:"subject_id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func NewFact(kind Kind, subject uuid.UUID, attrs map[string]string) Fact {
	return Fact{ID: uuid.New(), Kind: kind, At: time.Now().UTC(), SubjectID: subject, Attributes: attrs}
}

// Sink accepts facts. Emit must never block or fail the caller.
type Sink interface {
	Emit(f Fact)
}

// Publisher delivers facts to durable storage.
//
//go:generate mockgen -destination=mocks/mock_publisher.go -source=audit.go Publisher
type Publisher interface {
	Publish(ctx context.Context, f Fact) error
}

type nopSink struct{}

func (nopSink) Emit(Fact) {}

// Nop discards every fact.
func Nop() Sink { return nopSink{} }

// AsyncSink buffers facts in a bounded channel and publishes them from Run.
// When the buffer is full the fact is dropped and counted.
type AsyncSink struct {
	facts     chan Fact
	publisher Publisher
	logger    *zap.Logger
	timeout   time.Duration
}

func NewAsyncSink(p Publisher, buffer int, logger *zap.Logger) *AsyncSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1
	}
	return &AsyncSink{
		facts:     make(chan Fact, buffer),
		publisher: p,
		logger:    logger,
		timeout:   5 * time.Second,
	}
}

func (s *AsyncSink) Emit(f Fact) {
	select {
	case s.facts <- f:
	default:
		metrics.AuditFactsTotal.WithLabelValues("dropped").Inc()
		s.logger.Warn("audit buffer full, fact dropped",
			zap.String("kind", string(f.Kind)),
			zap.String("subject_id", f.SubjectID.String()))
	}
}

// Run publishes buffered facts until ctx is done, then drains what is left.
func (s *AsyncSink) Run(ctx context.Context) {
	for {
		select {
		case f := <-s.facts:
			s.publish(f)
		case <-ctx.Done():
			for {
				select {
				case f := <-s.facts:
					s.publish(f)
				default:
					return
				}
			}
		}
	}
}

func (s *AsyncSink) publish(f Fact) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, f); err != nil {
		metrics.AuditFactsTotal.WithLabelValues("failed").Inc()
		s.logger.Error("audit publish failed",
			zap.String("kind", string(f.Kind)),
			zap.String("fact_id", f.ID.String()),
			zap.Error(err))
		return
	}
	metrics.AuditFactsTotal.WithLabelValues("published").Inc()
}

// LogPublisher writes facts to the structured log.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(ctx context.Context, f Fact) error {
	fields := []zap.Field{
		zap.String("fact_id", f.ID.String()),
		zap.String("kind", string(f.Kind)),
		zap.String("subject_id", f.SubjectID.String()),
		zap.Time("at", f.At),
	}
	for k, v := range f.Attributes {
		fields = append(fields, zap.String(k, v))
	}
	p.Logger.Info("audit", fields...)
	return nil
}
