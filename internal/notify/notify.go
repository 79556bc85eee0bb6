// Package notify hands freshly minted credentials to the mail collaborator.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Credentials is the hand-off envelope for one new account. It carries the
// plaintext password and QR payload.
type Credentials struct {
	ID        string    `json:"id"`
	AccountID string    `json:"accountId"`
	Role      string    `json:"role"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	QRPayload string    `json:"qrPayload"`
	QueuedAt  time.Time `json:"queuedAt"`
}

type Notifier interface {
	NotifyCredentials(ctx context.Context, msg Credentials) error
}

// LogNotifier records the hand-off without secrets. Used when no queue is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) NotifyCredentials(_ context.Context, msg Credentials) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("credential notification not queued",
		"account_id", msg.AccountID,
		"email", msg.Email,
		"username", msg.Username,
	)
	return nil
}
