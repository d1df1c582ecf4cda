package service

import (
	"context"
	"time"

	"github.com/ArmDaniel/medrouter/internal/domain"
	"github.com/ArmDaniel/medrouter/internal/domain/medcase"
	"github.com/ArmDaniel/medrouter/internal/events"
	"github.com/ArmDaniel/medrouter/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// notifier publishes case events. A failed publish is logged and counted but
// never fails the operation that produced it.
type notifier struct {
	pub     events.Publisher
	metrics *metrics.Collector
	log     *zap.Logger
}

func (n notifier) caseEvent(ctx context.Context, typ events.Type, c *medcase.Case, actorID uuid.UUID, actorRole domain.Role, attrs map[string]string) {
	if n.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err := n.pub.Publish(ctx, events.Event{
		ID:         uuid.New(),
		Type:       typ,
		CaseID:     c.ID,
		ActorID:    actorID,
		ActorRole:  string(actorRole),
		Status:     string(c.Status),
		OccurredAt: time.Now().UTC(),
		Attributes: attrs,
	})
	if err != nil {
		n.metrics.EventPublishFailed()
		n.log.Warn("failed to publish case event",
			zap.String("event", string(typ)),
			zap.String("case_id", c.ID.String()),
			zap.Error(err),
		)
	}
}
