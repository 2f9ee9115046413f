package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/licensebridge/internal/model"
)

const eventFailed = "failed"

// ErrEventInFlight is returned by Begin when another delivery of the same
// event is still being processed.
var ErrEventInFlight = errors.New("webhook event is in flight")

type EventStore struct {
	db    *sql.DB
	lease time.Duration
}

// NewEventStore returns a ledger whose processing claims expire after lease.
func NewEventStore(db *sql.DB, lease time.Duration) *EventStore {
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	return &EventStore{db: db, lease: lease}
}

func scanEvent(scanner interface{ Scan(...any) error }) (*model.WebhookEvent, error) {
	var e model.WebhookEvent
	err := scanner.Scan(&e.Provider, &e.EventID, &e.Kind, &e.Status, &e.Attempts, &e.LastError, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

const eventCols = `provider, event_id, kind, status, attempts, last_error, created_at, updated_at`

// Begin claims an event for processing. It returns false when the event was
// already completed, and ErrEventInFlight when a fresh claim is held by
// another delivery. Failed events and stale claims are retaken.
func (s *EventStore) Begin(provider, eventID, kind string) (bool, error) {
	staleBefore := fmt.Sprintf("-%d seconds", int(s.lease.Seconds()))
	result, err := s.db.Exec(
		`INSERT INTO webhook_events (provider, event_id, kind) VALUES (?, ?, ?)
		 ON CONFLICT(provider, event_id) DO UPDATE SET
		   status = 'processing',
		   attempts = webhook_events.attempts + 1,
		   updated_at = CURRENT_TIMESTAMP
		 WHERE webhook_events.status = 'failed'
		    OR (webhook_events.status = 'processing' AND webhook_events.updated_at <= datetime('now', ?))`,
		provider, eventID, kind, staleBefore,
	)
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	ev, err := s.Get(provider, eventID)
	if err != nil {
		return false, err
	}
	if ev != nil && ev.Status == model.EventDone {
		return false, nil
	}
	return false, ErrEventInFlight
}

func (s *EventStore) Complete(provider, eventID string) error {
	_, err := s.db.Exec(
		`UPDATE webhook_events SET status = 'done', last_error = '', updated_at = CURRENT_TIMESTAMP
		 WHERE provider = ? AND event_id = ?`,
		provider, eventID,
	)
	if err != nil {
		return fmt.Errorf("complete webhook event: %w", err)
	}
	return nil
}

// Fail releases the claim so the vendor's next redelivery is processed again.
func (s *EventStore) Fail(provider, eventID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.Exec(
		`UPDATE webhook_events SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE provider = ? AND event_id = ?`,
		eventFailed, msg, provider, eventID,
	)
	if err != nil {
		return fmt.Errorf("fail webhook event: %w", err)
	}
	return nil
}

// Get returns the ledger row, or nil if the event was never seen.
func (s *EventStore) Get(provider, eventID string) (*model.WebhookEvent, error) {
	row := s.db.QueryRow(`SELECT `+eventCols+` FROM webhook_events WHERE provider = ? AND event_id = ?`, provider, eventID)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return e, nil
}

// DeleteCompletedBefore prunes completed events older than age.
func (s *EventStore) DeleteCompletedBefore(age time.Duration) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM webhook_events WHERE status = 'done' AND updated_at <= datetime('now', ?)`,
		fmt.Sprintf("-%d seconds", int(age.Seconds())),
	)
	if err != nil {
		return 0, fmt.Errorf("delete completed webhook events: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
