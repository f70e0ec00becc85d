// Package notify posts a one-line summary to chat platforms when an
// assessment reaches a terminal state.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-assess/internal/orchestrator"
	"github.com/nidhogg/nuka-assess/internal/protocol"
)

// Sender delivers text to one platform channel.
type Sender interface {
	Platform() string
	Send(ctx context.Context, text string) error
	Close() error
}

// Notifier fans terminal assessment events out to every sender.
type Notifier struct {
	mu      sync.RWMutex
	senders []Sender
	logger  *zap.Logger
}

// New creates an empty notifier.
func New(logger *zap.Logger) *Notifier {
	return &Notifier{logger: logger}
}

// Add registers a sender.
func (n *Notifier) Add(s Sender) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.senders = append(n.senders, s)
	n.logger.Info("registered notifier", zap.String("platform", s.Platform()))
}

// Platforms lists the registered platforms.
func (n *Notifier) Platforms() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.senders))
	for _, s := range n.senders {
		out = append(out, s.Platform())
	}
	return out
}

// Handle is a bus handler for assessment events. Task-level and
// non-terminal events are ignored.
func (n *Notifier) Handle(ctx context.Context, msg protocol.Message) error {
	ev, ok := msg.Content.(protocol.TaskEvent)
	if !ok || ev.TaskID != "" || !orchestrator.AssessmentStatus(ev.Status).Terminal() {
		return nil
	}
	return n.Notify(ctx, Summary(ev))
}

// Notify sends text to every sender and joins their failures.
func (n *Notifier) Notify(ctx context.Context, text string) error {
	n.mu.RLock()
	senders := append([]Sender(nil), n.senders...)
	n.mu.RUnlock()

	var errs []error
	for _, s := range senders {
		if err := s.Send(ctx, text); err != nil {
			n.logger.Error("notification failed", zap.String("platform", s.Platform()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Platform(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sender.
func (n *Notifier) Close() error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var errs []error
	for _, s := range n.senders {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Summary renders the one-line message for an assessment event.
func Summary(ev protocol.TaskEvent) string {
	project := ev.Name
	if project == "" {
		project = "unknown project"
	}
	line := fmt.Sprintf("Assessment %s of %s %s", ev.AssessmentID, project, ev.Status)
	if ev.Error != "" {
		line += ": " + ev.Error
	}
	return line
}
