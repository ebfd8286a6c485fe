package store

import (
	"errors"
	"testing"
	"time"

	"github.com/mhawila/openmrs-module-sync/internal/record"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestCreateRecord_AssignsSequence(t *testing.T) {
	s := createTestStore(t)

	r1 := createTestRecord(t, "rec-1", baseTime)
	r2 := createTestRecord(t, "rec-2", baseTime.Add(time.Second))
	mustCreate(t, s, r1)
	mustCreate(t, s, r2)

	if r1.RecordID == 0 || r2.RecordID == 0 {
		t.Fatal("RecordID was not assigned")
	}
	if r2.RecordID <= r1.RecordID {
		t.Errorf("sequence not monotonic: %d then %d", r1.RecordID, r2.RecordID)
	}
}

func TestCreateRecord_DuplicateUUIDFails(t *testing.T) {
	s := createTestStore(t)

	mustCreate(t, s, createTestRecord(t, "rec-1", baseTime))
	err := s.CreateRecord(t.Context(), createTestRecord(t, "rec-1", baseTime))
	if err == nil {
		t.Error("duplicate uuid insert should fail")
	}
}

func TestGetRecord_RoundTrip(t *testing.T) {
	s := createTestStore(t)

	orig := createTestRecord(t, "rec-1", baseTime)
	mustCreate(t, s, orig)

	got, err := s.GetRecord(t.Context(), "rec-1")
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetRecord() returned nil for existing record")
	}
	if got.UUID != orig.UUID || got.OriginalUUID != orig.OriginalUUID {
		t.Errorf("identity mismatch: got %s/%s", got.UUID, got.OriginalUUID)
	}
	if !got.Timestamp.Equal(orig.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, orig.Timestamp)
	}
	if got.State != record.StateNew {
		t.Errorf("state = %s, want NEW", got.State)
	}
	if len(got.Changes) != 1 || got.Changes[0].EntityUUID != "p-rec-1" {
		t.Errorf("changes did not round-trip: %+v", got.Changes)
	}
	if err := got.VerifyChecksum(); err != nil {
		t.Errorf("checksum did not survive store round trip: %v", err)
	}
}

func TestGetRecord_Missing(t *testing.T) {
	s := createTestStore(t)

	got, err := s.GetRecord(t.Context(), "nope")
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if got != nil {
		t.Errorf("GetRecord() = %+v, want nil", got)
	}
}

func TestGetRecordByOriginalUUID(t *testing.T) {
	s := createTestStore(t)

	r := createTestRecord(t, "rec-1", baseTime)
	r.UUID = "relay-uuid"
	mustCreate(t, s, r)

	got, err := s.GetRecordByOriginalUUID(t.Context(), "rec-1")
	if err != nil {
		t.Fatalf("GetRecordByOriginalUUID() failed: %v", err)
	}
	if got == nil || got.UUID != "relay-uuid" {
		t.Errorf("got %+v, want record with uuid relay-uuid", got)
	}
}

func TestLatestRecord(t *testing.T) {
	s := createTestStore(t)

	got, err := s.LatestRecord(t.Context())
	if err != nil {
		t.Fatalf("LatestRecord() on empty store failed: %v", err)
	}
	if got != nil {
		t.Errorf("LatestRecord() on empty store = %+v, want nil", got)
	}

	mustCreate(t, s, createTestRecord(t, "rec-1", baseTime))
	mustCreate(t, s, createTestRecord(t, "rec-2", baseTime.Add(time.Second)))

	got, err = s.LatestRecord(t.Context())
	if err != nil {
		t.Fatalf("LatestRecord() failed: %v", err)
	}
	if got == nil || got.UUID != "rec-2" {
		t.Errorf("LatestRecord() = %+v, want rec-2", got)
	}
}

func TestClaim_CompareAndSet(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	r := createTestRecord(t, "rec-1", baseTime)
	mustCreate(t, s, r)

	ok, err := s.Claim(ctx, r.RecordID)
	if err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if !ok {
		t.Fatal("first Claim() should succeed")
	}

	// Second worker observes an already-claimed record and must skip it.
	ok, err = s.Claim(ctx, r.RecordID)
	if err != nil {
		t.Fatalf("second Claim() failed: %v", err)
	}
	if ok {
		t.Error("second Claim() must return false")
	}

	got, _ := s.GetRecord(ctx, "rec-1")
	if got.State != record.StateSent {
		t.Errorf("claimed record state = %s, want SENT", got.State)
	}
}

func TestMarkCommitted(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()

	r := createTestRecord(t, "rec-1", baseTime)
	mustCreate(t, s, r)

	// Committing an unclaimed record is a protocol violation.
	if err := s.MarkCommitted(ctx, r.RecordID); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("MarkCommitted() on NEW record: err = %v, want ErrNotClaimed", err)
	}

	if _, err := s.Claim(ctx, r.RecordID); err != nil {
		t.Fatalf("Claim() failed: %v", err)
	}
	if err := s.MarkCommitted(ctx, r.RecordID); err != nil {
		t.Fatalf("MarkCommitted() failed: %v", err)
	}

	got, _ := s.GetRecord(ctx, "rec-1")
	if got.State != record.StateCommitted {
		t.Errorf("state = %s, want COMMITTED", got.State)
	}

	// COMMITTED is absorbing.
	if ok, _ := s.Claim(ctx, r.RecordID); ok {
		t.Error("Claim() must not acquire a COMMITTED record")
	}
}

func TestRelease_RetryThenTerminalFailure(t *testing.T) {
	s := createTestStore(t)
	ctx := t.Context()
	const maxRetries = 2

	r := createTestRecord(t, "rec-1", baseTime)
	mustCreate(t, s, r)

	for attempt := 1; attempt <= maxRetries; attempt++ {
		if ok, _ := s.Claim(ctx, r.RecordID); !ok {
			t.Fatalf("Claim() attempt %d should succeed", attempt)
		}
		next, err := s.Release(ctx, r.RecordID, maxRetries)
		if err != nil {
			t.Fatalf("Release() attempt %d failed: %v", attempt, err)
		}
		if next != record.StatePendingSend {
			t.Fatalf("Release() attempt %d -> %s, want PENDING_SEND", attempt, next)
		}
	}

	// Ceiling exhausted on the next failure.
	if ok, _ := s.Claim(ctx, r.RecordID); !ok {
		t.Fatal("final Claim() should succeed")
	}
	next, err := s.Release(ctx, r.RecordID, maxRetries)
	if err != nil {
		t.Fatalf("final Release() failed: %v", err)
	}
	if next != record.StateFailed {
		t.Errorf("final Release() -> %s, want FAILED", next)
	}

	got, _ := s.GetRecord(ctx, "rec-1")
	if got.RetryCount != maxRetries+1 {
		t.Errorf("retry count = %d, want %d", got.RetryCount, maxRetries+1)
	}
	if ok, _ := s.Claim(ctx, r.RecordID); ok {
		t.Error("FAILED record must never be claimable again")
	}
}

func TestRelease_UnclaimedRecord(t *testing.T) {
	s := createTestStore(t)

	r := createTestRecord(t, "rec-1", baseTime)
	mustCreate(t, s, r)

	if _, err := s.Release(t.Context(), r.RecordID, 5); !errors.Is(err, ErrNotClaimed) {
		t.Errorf("Release() on NEW record: err = %v, want ErrNotClaimed", err)
	}
}
