// Package notify delivers transient, identity-keyed user notifications.
//
// A notification whose ID is still on screen is dropped, so bursts of the same
// failure (rapid over-ceiling edits, repeated network errors) surface once.
package notify

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

// SharedID is the identity used for every user-facing toast, so at most one
// is visible at a time.
const SharedID = "toasting"

// DefaultDuration is how long a toast stays visible.
const DefaultDuration = 4 * time.Second

// Level is the severity of a notification.
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

// Notification is one transient, dismissible message.
type Notification struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Notifier accepts notifications. Notify reports whether the notification was
// shown (false when one with the same ID is already active).
type Notifier interface {
	Notify(n Notification) bool
}

// Sink receives every notification that is actually shown.
type Sink func(Notification)

// Center de-duplicates notifications by ID for their display duration.
type Center struct {
	mu     sync.Mutex
	active *expirable.LRU[string, Notification]
	sinks  []Sink
}

// NewCenter creates a Center whose notifications stay active for ttl.
func NewCenter(ttl time.Duration, sinks ...Sink) *Center {
	if ttl <= 0 {
		ttl = DefaultDuration
	}
	return &Center{
		active: expirable.NewLRU[string, Notification](64, nil, ttl),
		sinks:  sinks,
	}
}

// Notify shows n unless a notification with the same ID is still active.
func (c *Center) Notify(n Notification) bool {
	if n.ID == "" {
		n.ID = SharedID
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	c.mu.Lock()
	if _, ok := c.active.Get(n.ID); ok {
		c.mu.Unlock()
		zap.L().Debug("notify: suppressed duplicate", zap.String("id", n.ID), zap.String("message", n.Message))
		return false
	}
	c.active.Add(n.ID, n)
	sinks := c.sinks
	c.mu.Unlock()

	for _, s := range sinks {
		s(n)
	}
	return true
}

// Active returns the notifications currently on screen.
func (c *Center) Active() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active.Values()
}

// Dismiss closes the notification with the given ID.
func (c *Center) Dismiss(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active.Remove(id)
}

// Error shows msg as the shared "Action Failed!" toast.
func Error(n Notifier, msg string) bool {
	return n.Notify(Notification{
		ID:      SharedID,
		Level:   LevelError,
		Title:   "Action Failed!",
		Message: msg,
	})
}

// LogSink writes shown notifications to the global zap logger.
func LogSink() Sink {
	return func(n Notification) {
		zap.L().Info("notification",
			zap.String("id", n.ID),
			zap.String("level", string(n.Level)),
			zap.String("message", n.Message),
		)
	}
}

// Discard drops every notification. Useful for headless callers.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(Notification) bool { return false }
