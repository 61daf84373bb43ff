package dispatch

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// NoticeKind says what a user-facing notice is about.
type NoticeKind string

const (
	// NoticeRejected: the mutation failed permanently and waits for the
	// user to retry or discard it.
	NoticeRejected NoticeKind = "rejected"

	// NoticeAbandoned: a conflict could not be reapplied.
	NoticeAbandoned NoticeKind = "abandoned"

	// NoticeConflictResolved: a conflict was settled automatically.
	NoticeConflictResolved NoticeKind = "conflict_resolved"

	// NoticePersistence: the queue could not be read or written.
	NoticePersistence NoticeKind = "persistence"
)

// Notice is a user-facing event produced while draining.
type Notice struct {
	Kind       NoticeKind `json:"kind"`
	MutationID string     `json:"mutation_id,omitempty"`
	Entity     string     `json:"entity,omitempty"`
	ResourceID string     `json:"resource_id,omitempty"`
	Message    string     `json:"message"`
	At         time.Time  `json:"at"`
}

// Notifier receives notices. Implementations must not drop them silently.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notice)

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, n Notice) { f(ctx, n) }

// logNotifier is the fallback when nobody listens: notices go to the log.
type logNotifier struct {
	logger *zap.Logger
}

func (l logNotifier) Notify(_ context.Context, n Notice) {
	l.logger.Warn("sync notice",
		zap.String("kind", string(n.Kind)),
		zap.String("mutation_id", n.MutationID),
		zap.String("entity", n.Entity),
		zap.String("resource_id", n.ResourceID),
		zap.String("message", n.Message),
	)
}
