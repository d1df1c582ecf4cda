package service

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ArmDaniel/medrouter/internal/domain"
	"github.com/ArmDaniel/medrouter/internal/domain/medcase"
	"github.com/ArmDaniel/medrouter/internal/events"
	"github.com/ArmDaniel/medrouter/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxChatMessageLen = 4000

// ChatService manages the append-only message log of a case.
type ChatService struct {
	cases    medcase.Repository
	auditSvc *AuditService
	notify   notifier
	metrics  *metrics.Collector
	log      *zap.Logger
	now      func() time.Time
}

func NewChatService(cases medcase.Repository, auditSvc *AuditService, pub events.Publisher, m *metrics.Collector, log *zap.Logger) *ChatService {
	return &ChatService{
		cases:    cases,
		auditSvc: auditSvc,
		notify:   notifier{pub: pub, metrics: m, log: log},
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
}

func (s *ChatService) Append(ctx context.Context, caseID uuid.UUID, senderID uuid.UUID, senderRole domain.Role, content string, ip string) (*medcase.Message, error) {
	content = strings.TrimSpace(content)
	switch {
	case content == "":
		return nil, &ValidationError{Fields: []string{"content is required"}}
	case utf8.RuneCountInString(content) > maxChatMessageLen:
		return nil, &ValidationError{Fields: []string{fmt.Sprintf("content must be at most %d characters", maxChatMessageLen)}}
	}

	c, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if err := authorizeParticipant(c, senderID, senderRole); err != nil {
		return nil, err
	}

	msg := medcase.Message{
		ID:         uuid.New(),
		SenderID:   senderID,
		SenderRole: senderRole,
		Content:    content,
		Timestamp:  s.now().UTC(),
	}
	updated, err := s.cases.AppendChatMessage(ctx, caseID, msg)
	if err != nil {
		return nil, err
	}

	if s.auditSvc != nil {
		s.auditSvc.LogAsync(ctx, AuditEntry{
			UserID:       senderID,
			UserRole:     senderRole,
			Action:       domain.ActionCreate,
			ResourceType: "chat_message",
			ResourceID:   msg.ID.String(),
			IPAddress:    ip,
			Changes:      map[string]any{"case_id": caseID.String()},
		})
	}
	s.notify.caseEvent(ctx, events.CaseChatMessageAdded, updated, senderID, senderRole, map[string]string{"messageId": msg.ID.String()})
	s.metrics.ChatMessageAppended()

	return &msg, nil
}

// List returns the messages of a case in insertion order.
func (s *ChatService) List(ctx context.Context, caseID uuid.UUID, callerID uuid.UUID, callerRole domain.Role) ([]medcase.Message, error) {
	c, err := s.cases.GetByID(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if err := authorizeParticipant(c, callerID, callerRole); err != nil {
		return nil, err
	}
	if c.ChatHistory == nil {
		return []medcase.Message{}, nil
	}
	return c.ChatHistory, nil
}
