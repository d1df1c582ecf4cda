package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ArmDaniel/medrouter/internal/domain"
	"github.com/ArmDaniel/medrouter/pkg/metrics"
	"go.uber.org/zap"
)

type AuditRepository interface {
	Create(ctx context.Context, entry *domain.AuditLog) error
}

type AuditService struct {
	repo     AuditRepository
	log      *zap.Logger
	metrics  *metrics.Collector
	entries  chan *domain.AuditLog
	done     chan struct{}
	shutdown sync.Once
}

const auditBufferSize = 10_000

func NewAuditService(repo AuditRepository, m *metrics.Collector, log *zap.Logger) *AuditService {
	svc := &AuditService{
		repo:    repo,
		log:     log,
		metrics: m,
		entries: make(chan *domain.AuditLog, auditBufferSize),
		done:    make(chan struct{}),
	}
	go svc.worker()
	return svc
}

// LogAsync enqueues an audit entry for async persistence.
// If the buffer is full, the entry is dropped and a warning is emitted.
func (s *AuditService) LogAsync(ctx context.Context, entry AuditEntry) {
	changes := "{}"
	if len(entry.Changes) > 0 {
		if raw, err := json.Marshal(entry.Changes); err == nil {
			changes = string(raw)
		}
	}

	al := &domain.AuditLog{
		OccurredAt:   time.Now(),
		UserID:       entry.UserID,
		UserRole:     entry.UserRole,
		Action:       entry.Action,
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		IPAddress:    entry.IPAddress,
		RequestID:    requestIDFrom(ctx),
		Changes:      changes,
	}

	select {
	case s.entries <- al:
	default:
		s.metrics.AuditDropped()
		s.log.Warn("audit log buffer full, dropping entry",
			zap.String("action", string(entry.Action)),
			zap.String("resource", entry.ResourceType),
		)
	}
}

// Shutdown drains the buffer. Call it only once every producer has stopped.
func (s *AuditService) Shutdown() {
	s.shutdown.Do(func() {
		close(s.entries)
		select {
		case <-s.done:
		case <-time.After(10 * time.Second):
			s.log.Warn("audit service shutdown timed out; some entries may be lost")
		}
	})
}

func (s *AuditService) worker() {
	defer close(s.done)
	for entry := range s.entries {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.repo.Create(ctx, entry); err != nil {
			s.log.Error("failed to persist audit log", zap.Error(err))
		} else {
			s.metrics.AuditWritten()
		}
		cancel()
	}
}
