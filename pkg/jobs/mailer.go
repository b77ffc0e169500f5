package jobs

import (
	"context"

	"go.uber.org/zap"
)

// Mailer delivers transactional mail. SMTP transport lives outside this
// repo; workers are handed whatever implementation the deployment wires
// in.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogMailer is the default development implementation: it records the
// send instead of delivering it.
type LogMailer struct {
	Log *zap.Logger
}

func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	m.Log.Info("mail send (log transport)",
		zap.String("to", to),
		zap.String("subject", subject),
		zap.Int("body_bytes", len(body)))
	return nil
}

// TierResolver answers account-tier questions for rate limiting and
// authorization. The users schema is external; only ids cross this
// boundary.
type TierResolver interface {
	IsPaid(ctx context.Context, userID string) (bool, error)
	IsAdmin(ctx context.Context, userID string) (bool, error)
}

// FreeTierResolver treats every account as free and non-admin; the
// default when no user service is wired.
type FreeTierResolver struct{}

func (FreeTierResolver) IsPaid(context.Context, string) (bool, error)  { return false, nil }
func (FreeTierResolver) IsAdmin(context.Context, string) (bool, error) { return false, nil }
