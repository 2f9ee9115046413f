package store

import (
	"errors"
	"testing"
	"time"

	"github.com/dukerupert/licensebridge/internal/database"
	"github.com/dukerupert/licensebridge/internal/model"
)

func setupEventTestDB(t *testing.T, lease time.Duration) *EventStore {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewEventStore(db, lease)
}

func TestEventBeginFirstDelivery(t *testing.T) {
	s := setupEventTestDB(t, time.Minute)

	ok, err := s.Begin(model.ProviderKeygen, "evt-1", "user.created")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !ok {
		t.Fatal("expected first delivery to be claimed")
	}

	ev, err := s.Get(model.ProviderKeygen, "evt-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ev.Status != model.EventProcessing {
		t.Errorf("status = %q, want %q", ev.Status, model.EventProcessing)
	}
	if ev.Kind != "user.created" {
		t.Errorf("kind = %q, want %q", ev.Kind, "user.created")
	}
}

func TestEventBeginAfterComplete(t *testing.T) {
	s := setupEventTestDB(t, time.Minute)

	s.Begin(model.ProviderStripe, "evt_1", "checkout.session.completed")
	if err := s.Complete(model.ProviderStripe, "evt_1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	ok, err := s.Begin(model.ProviderStripe, "evt_1", "checkout.session.completed")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if ok {
		t.Error("expected completed event not to be claimed again")
	}
}

func TestEventBeginInFlight(t *testing.T) {
	s := setupEventTestDB(t, time.Hour)

	s.Begin(model.ProviderKeygen, "evt-1", "user.created")
	_, err := s.Begin(model.ProviderKeygen, "evt-1", "user.created")
	if !errors.Is(err, ErrEventInFlight) {
		t.Errorf("err = %v, want ErrEventInFlight", err)
	}
}

func TestEventBeginAfterFail(t *testing.T) {
	s := setupEventTestDB(t, time.Hour)

	s.Begin(model.ProviderKeygen, "evt-1", "user.created")
	if err := s.Fail(model.ProviderKeygen, "evt-1", errors.New("stripe down")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	ok, err := s.Begin(model.ProviderKeygen, "evt-1", "user.created")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !ok {
		t.Fatal("expected failed event to be retaken")
	}
	ev, _ := s.Get(model.ProviderKeygen, "evt-1")
	if ev.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", ev.Attempts)
	}
	if ev.LastError != "stripe down" {
		t.Errorf("last error = %q, want %q", ev.LastError, "stripe down")
	}
}

func TestEventStaleClaimRetaken(t *testing.T) {
	s := setupEventTestDB(t, time.Hour)

	s.Begin(model.ProviderKeygen, "evt-1", "user.created")
	if _, err := s.db.Exec(`UPDATE webhook_events SET updated_at = datetime('now', '-2 hours')`); err != nil {
		t.Fatalf("age claim: %v", err)
	}

	ok, err := s.Begin(model.ProviderKeygen, "evt-1", "user.created")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !ok {
		t.Error("expected stale claim to be retaken")
	}
}

func TestEventDeleteCompletedBefore(t *testing.T) {
	s := setupEventTestDB(t, time.Hour)

	s.Begin(model.ProviderStripe, "old", "")
	s.Complete(model.ProviderStripe, "old")
	s.Begin(model.ProviderStripe, "pending", "")
	if _, err := s.db.Exec(`UPDATE webhook_events SET updated_at = datetime('now', '-48 hours')`); err != nil {
		t.Fatalf("age rows: %v", err)
	}

	n, err := s.DeleteCompletedBefore(24 * time.Hour)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	if ev, _ := s.Get(model.ProviderStripe, "pending"); ev == nil {
		t.Error("pending event should survive pruning")
	}
}
