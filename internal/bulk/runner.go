// Package bulk runs one operation over many targets, one at a time.
package bulk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fleetd/internal/ledger"
	"github.com/dokzlo13/fleetd/internal/notify"
	"github.com/dokzlo13/fleetd/internal/registry"
)

// Op is applied to each target. A returned error counts as a failure for that
// target only.
type Op func(ctx context.Context, t registry.Target) error

// Summary counts the outcome of one run.
type Summary struct {
	Name      string            `json:"name"`
	Attempted int               `json:"attempted"`
	Successes int               `json:"successes"`
	Failures  int               `json:"failures"`
	Errors    map[string]string `json:"errors,omitempty"` // target id -> message
	Cancelled bool              `json:"cancelled,omitempty"`
}

// Recorder appends to the control history.
type Recorder interface {
	Append(e ledger.Entry) error
}

// Runner serializes bulk runs and spaces out their calls.
type Runner struct {
	delay    time.Duration
	notifier notify.Notifier
	ledger   Recorder

	mu sync.Mutex // one run at a time
}

// NewRunner creates a bulk runner. rec may be nil.
func NewRunner(delay time.Duration, notifier notify.Notifier, rec Recorder) *Runner {
	return &Runner{delay: delay, notifier: notifier, ledger: rec}
}

// Run applies op to each target in order with the configured delay between
// items. Cancelling ctx skips the remaining items. One summary notification is
// sent at the end.
func (r *Runner) Run(ctx context.Context, name string, targets []registry.Target, op Op) Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	sum := Summary{Name: name, Errors: make(map[string]string)}
	log.Info().Str("op", name).Int("targets", len(targets)).Msg("Bulk operation started")

	for i, t := range targets {
		if i > 0 && r.delay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(r.delay):
			}
		}
		if ctx.Err() != nil {
			sum.Cancelled = true
			break
		}

		sum.Attempted++
		if err := op(ctx, t); err != nil {
			sum.Failures++
			sum.Errors[t.ID] = err.Error()
			log.Debug().Err(err).Str("op", name).Str("target", t.ID).Msg("Bulk item failed")
			continue
		}
		sum.Successes++
	}

	log.Info().
		Str("op", name).
		Int("attempted", sum.Attempted).
		Int("successes", sum.Successes).
		Int("failures", sum.Failures).
		Bool("cancelled", sum.Cancelled).
		Msg("Bulk operation finished")

	r.announce(sum)
	if r.ledger != nil {
		entry := ledger.Entry{
			EventType: ledger.EventBulkCompleted,
			Target:    name,
			Payload: map[string]any{
				"attempted": sum.Attempted,
				"successes": sum.Successes,
				"failures":  sum.Failures,
				"cancelled": sum.Cancelled,
			},
		}
		if err := r.ledger.Append(entry); err != nil {
			log.Error().Err(err).Str("op", name).Msg("Failed to append to ledger")
		}
	}
	return sum
}

func (r *Runner) announce(sum Summary) {
	level := notify.LevelSuccess
	msg := fmt.Sprintf("%d of %d succeeded", sum.Successes, sum.Attempted)
	switch {
	case sum.Attempted == 0:
		level = notify.LevelInfo
		msg = "No devices to update"
	case sum.Successes == 0:
		level = notify.LevelError
	case sum.Failures > 0:
		level = notify.LevelWarning
		msg = fmt.Sprintf("%d succeeded, %d failed", sum.Successes, sum.Failures)
	}
	if sum.Cancelled {
		msg += " (cancelled)"
	}
	notify.Send(r.notifier, level, sum.Name, msg)
}
