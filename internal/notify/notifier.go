// Package notify delivers operator alerts to Telegram and Discord. Alerts
// are filtered by event, and repeats of the same alert are held back for a
// cooldown so a failing venue does not flood the channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Message is one alert.
type Message struct {
	Event string
	Title string
	Body  string
}

// Sender is one delivery channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Config configures a Notifier.
type Config struct {
	// Events is the allow list. Empty allows everything.
	Events []string
	// Cooldown suppresses an identical event and title within the window.
	Cooldown time.Duration
	Clock    func() time.Time
}

// Notifier fans alerts out to its senders.
type Notifier struct {
	senders  []Sender
	events   map[string]bool
	cooldown time.Duration
	clock    func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	sent map[string]time.Time
}

// NewNotifier creates a Notifier that delivers to senders.
func NewNotifier(senders []Sender, cfg Config, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(cfg.Events))
	for _, e := range cfg.Events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Notifier{
		senders:  senders,
		events:   allowed,
		cooldown: cfg.Cooldown,
		clock:    clock,
		logger:   logger.With(slog.String("component", "notifier")),
		sent:     make(map[string]time.Time),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.senders) > 0
}

// Notify delivers an alert when its event is allowed and it is not a repeat
// within the cooldown.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	if !n.Enabled() {
		return nil
	}
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", event))
		return nil
	}
	if n.throttled(event + "|" + title) {
		n.logger.DebugContext(ctx, "repeat alert suppressed",
			slog.String("event", event),
			slog.String("title", title),
		)
		return nil
	}
	return n.dispatch(ctx, Message{Event: event, Title: title, Body: message})
}

func (n *Notifier) throttled(key string) bool {
	if n.cooldown <= 0 {
		return false
	}
	now := n.clock()
	n.mu.Lock()
	defer n.mu.Unlock()
	if last, ok := n.sent[key]; ok && now.Sub(last) < n.cooldown {
		return true
	}
	n.sent[key] = now
	for k, ts := range n.sent {
		if now.Sub(ts) >= n.cooldown {
			delete(n.sent, k)
		}
	}
	return false
}

// dispatch sends to every sender. One failing sender does not stop the
// others.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("event", msg.Event),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", msg.Title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %w", errors.Join(errs...))
	}
	return nil
}
