// Package notify delivers transient user-visible notifications.
package notify

import (
	"time"

	"github.com/rs/zerolog/log"
)

// Level is the severity of a notification.
type Level string

// Notification levels
const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification is a short message for whoever is watching.
type Notification struct {
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Target  string    `json:"target,omitempty"`
	Time    time.Time `json:"time"`
}

// Notifier receives notifications. Implementations must not block.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to Notifier.
type Func func(Notification)

// Notify implements Notifier
func (f Func) Notify(n Notification) { f(n) }

// Multi fans a notification out to several notifiers.
type Multi []Notifier

// Notify implements Notifier
func (m Multi) Notify(n Notification) {
	for _, x := range m {
		if x != nil {
			x.Notify(n)
		}
	}
}

// LogNotifier writes notifications to the global logger.
type LogNotifier struct{}

// Notify implements Notifier
func (LogNotifier) Notify(n Notification) {
	ev := log.Info()
	switch n.Level {
	case LevelWarning:
		ev = log.Warn()
	case LevelError:
		ev = log.Error()
	}
	ev.Str("title", n.Title).Str("target", n.Target).Msg(n.Message)
}

// Send stamps the time and delivers. A nil notifier drops the message.
func Send(to Notifier, level Level, title, message string) {
	SendFor(to, level, "", title, message)
}

// SendFor is Send with a target id attached.
func SendFor(to Notifier, level Level, target, title, message string) {
	if to == nil {
		return
	}
	to.Notify(Notification{
		Level:   level,
		Title:   title,
		Message: message,
		Target:  target,
		Time:    time.Now(),
	})
}
