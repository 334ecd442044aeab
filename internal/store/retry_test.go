package store

import (
	"testing"

	"github.com/klowery/stagehand/pkg/models"
)

func TestRetryRecordRoundTrip(t *testing.T) {
	db := openTestDB(t)

	got, err := db.GetRetryRecord("iss-1")
	if err != nil {
		t.Fatalf("get retry record: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown key, got %+v", got)
	}

	rec := &models.RetryRecord{
		Key:                "iss-1",
		RetryCount:         2,
		FailureSignature:   "sig2",
		PreviousSignatures: []string{"sig1"},
		SignatureRepeats:   1,
	}
	if err := db.SaveRetryRecord(rec); err != nil {
		t.Fatalf("save retry record: %v", err)
	}

	got, err = db.GetRetryRecord("iss-1")
	if err != nil {
		t.Fatalf("get retry record: %v", err)
	}
	if got.RetryCount != 2 || got.FailureSignature != "sig2" || got.SignatureRepeats != 1 {
		t.Errorf("unexpected record: %+v", got)
	}
	if len(got.PreviousSignatures) != 1 || got.PreviousSignatures[0] != "sig1" {
		t.Errorf("unexpected signature history: %v", got.PreviousSignatures)
	}

	// Upsert overwrites.
	rec.Halted = true
	rec.SignatureRepeats = 3
	if err := db.SaveRetryRecord(rec); err != nil {
		t.Fatalf("save retry record: %v", err)
	}
	got, err = db.GetRetryRecord("iss-1")
	if err != nil {
		t.Fatalf("get retry record: %v", err)
	}
	if !got.Halted || got.SignatureRepeats != 3 {
		t.Errorf("expected halted record, got %+v", got)
	}
}

func TestResetRetryRecord(t *testing.T) {
	db := openTestDB(t)

	ok, err := db.ResetRetryRecord("missing")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if ok {
		t.Error("expected reset of unknown key to report false")
	}

	rec := &models.RetryRecord{
		Key:                "iss-1",
		RetryCount:         5,
		FailureSignature:   "sig1",
		PreviousSignatures: []string{"sig0"},
		SignatureRepeats:   3,
		Halted:             true,
	}
	if err := db.SaveRetryRecord(rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	ok, err = db.ResetRetryRecord("iss-1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !ok {
		t.Fatal("expected reset to succeed")
	}

	got, err := db.GetRetryRecord("iss-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Halted || got.SignatureRepeats != 0 || got.RetryCount != 0 {
		t.Errorf("expected cleared record, got %+v", got)
	}
	// History is preserved for the audit trail.
	if len(got.PreviousSignatures) != 1 {
		t.Errorf("expected signature history preserved, got %v", got.PreviousSignatures)
	}
}

func TestListHaltedRecords(t *testing.T) {
	db := openTestDB(t)

	records := []*models.RetryRecord{
		{Key: "iss-1", Halted: true, SignatureRepeats: 3},
		{Key: "iss-2", Halted: false, SignatureRepeats: 1},
		{Key: "iss-3", Halted: true, SignatureRepeats: 3},
	}
	for _, r := range records {
		if err := db.SaveRetryRecord(r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	halted, err := db.ListHaltedRecords()
	if err != nil {
		t.Fatalf("list halted: %v", err)
	}
	if len(halted) != 2 {
		t.Fatalf("expected 2 halted records, got %d", len(halted))
	}
}
