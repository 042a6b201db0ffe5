// Package notify carries intervention notifications to tutors.
package notify

import (
	"context"

	"github.com/tutorhq/retention/pkg/logger"
)

// LogNotifier writes notifications to the structured log. It stands in
// until a real delivery channel (email, push) is wired.
type LogNotifier struct {
	logger logger.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: logger.Get().Named("notify")}
}

// Send records the notification. It never fails.
func (n *LogNotifier) Send(ctx context.Context, tutorID, template string, payload map[string]any) error {
	n.logger.Info(ctx, "notification sent",
		logger.String("tutorID", tutorID),
		logger.String("template", template),
		logger.Any("payload", payload),
	)
	return nil
}
