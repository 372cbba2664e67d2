// Package ledger provides an append-only history of control outcomes.
// Every dispatched control, scene activation and bulk run leaves one row.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event in the ledger
type EventType string

const (
	EventControlSucceeded EventType = "control_succeeded"
	EventControlFailed    EventType = "control_failed"
	EventSceneActivated   EventType = "scene_activated"
	EventBulkCompleted    EventType = "bulk_completed"
)

// Entry represents a single event in the ledger
type Entry struct {
	ID            int64
	EventType     EventType
	Timestamp     time.Time
	CorrelationID string
	Target        string
	Axis          string
	Payload       map[string]any
	Error         string
}

// Ledger provides append-only event logging
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db, now: time.Now}
}

// NewCorrelationID returns an id linking the rows of one logical operation
func NewCorrelationID() string {
	return uuid.NewString()
}

// Append adds a new event to the ledger. An empty correlation id gets a fresh one.
func (l *Ledger) Append(e Entry) error {
	var payloadJSON []byte
	var err error

	if e.Payload != nil {
		payloadJSON, err = json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}
	if e.CorrelationID == "" {
		e.CorrelationID = NewCorrelationID()
	}

	_, err = l.db.Exec(`
		INSERT INTO control_ledger (event_type, timestamp, correlation_id, target, axis, payload, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, string(e.EventType), l.now().UTC().UnixMilli(), e.CorrelationID, e.Target, e.Axis, string(payloadJSON), e.Error)

	return err
}

// GetByType returns entries filtered by event type, newest first
func (l *Ledger) GetByType(eventType EventType, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, correlation_id, target, axis, payload, error
		FROM control_ledger
		WHERE event_type = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, string(eventType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// GetByTarget returns the history of one target, newest first
func (l *Ledger) GetByTarget(target string, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, event_type, timestamp, correlation_id, target, axis, payload, error
		FROM control_ledger
		WHERE target = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, target, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := l.now().Add(-retention).UTC().UnixMilli()
	result, err := l.db.Exec(`
		DELETE FROM control_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr, correlationID, target, axis, errStr sql.NullString
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.EventType, &timestamp, &correlationID, &target, &axis, &payloadStr, &errStr,
		)
		if err != nil {
			return nil, err
		}

		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		entry.CorrelationID = correlationID.String
		entry.Target = target.String
		entry.Axis = axis.String
		entry.Error = errStr.String

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
