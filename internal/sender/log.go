package sender

import (
	"context"

	"bikenotify/internal/delivery"
	logx "bikenotify/pkg/logx"
)

// Log writes messages to the logger instead of sending them.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	return &Log{log: log.With(logx.String("comp", "sender.log"))}
}

func (l *Log) Send(ctx context.Context, recipient string, p delivery.Payload) (delivery.MessageID, error) {
	to, err := parseRecipient(recipient)
	if err != nil {
		return "", delivery.NoRetry(err)
	}
	id := newMessageID(domainOf(to.Address))
	l.log.Info("mail (not sent)",
		logx.String("to", to.Address),
		logx.String("subject", p.Subject),
		logx.String("message_id", string(id)),
		logx.String("text", p.Text),
	)
	return id, nil
}
