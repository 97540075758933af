package notify

import (
	"context"

	"github.com/dropDatabas3/nfsegate/internal/observability/logger"
)

// LogSender solo registra el aviso. Default en dev o sin SMTP configurado.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, userID, template string, args map[string]any) error {
	subject, _, _, err := Render(template, args)
	if err != nil {
		return err
	}
	logger.From(ctx).Info("notificação (log)",
		logger.Component("notify.log"),
		logger.UserID(userID),
		logger.String("template", template),
		logger.String("subject", subject),
	)
	return nil
}

// NoopPublisher descarta los eventos (sin brokers configurados).
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, eventType string, payload []byte, partitionKey string) error {
	logger.From(ctx).Debug("evento descartado (sem broker)",
		logger.EventType(eventType),
		logger.String("key", partitionKey),
	)
	return nil
}

func (NoopPublisher) Close() error { return nil }
