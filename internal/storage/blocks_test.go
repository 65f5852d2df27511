package storage

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"authguard/internal/blocker"
)

func TestBlockStoreSaveInsertsCurrentState(t *testing.T) {
	var gotQuery string
	var gotArgs []any
	conn := &mockConn{
		execFunc: func(_ context.Context, query string, args ...any) error {
			gotQuery = query
			gotArgs = args
			return nil
		},
	}
	store := NewBlockStore(newTestClient(conn))

	record := &blocker.BlockRecord{
		IP:        "198.51.100.23",
		Reason:    "rate_critical (95)",
		Source:    "bruteforce",
		Severity:  blocker.SeverityCritical,
		CreatedAt: time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC),
		ExpiresAt: time.Date(2026, 9, 19, 9, 0, 0, 0, time.UTC),
		Active:    true,
		Enforced:  true,
		Version:   4,
	}

	if err := store.Save(context.Background(), record); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if !strings.Contains(gotQuery, "INSERT INTO block_records") {
		t.Fatalf("Save() query = %q, want block_records insert", gotQuery)
	}
	if len(gotArgs) != 9 {
		t.Fatalf("Save() passed %d args, want 9", len(gotArgs))
	}
	if gotArgs[0] != "198.51.100.23" {
		t.Errorf("ip arg = %v", gotArgs[0])
	}
	if gotArgs[3] != "critical" {
		t.Errorf("severity arg = %v, want plain string", gotArgs[3])
	}
	if gotArgs[6] != uint8(1) || gotArgs[7] != uint8(1) {
		t.Errorf("active/enforced args = %v/%v, want 1/1", gotArgs[6], gotArgs[7])
	}
	if gotArgs[8] != uint64(4) {
		t.Errorf("version arg = %v, want 4", gotArgs[8])
	}
}

func TestBlockStoreSaveWrapsErrors(t *testing.T) {
	conn := &mockConn{
		execFunc: func(_ context.Context, _ string, _ ...any) error {
			return errors.New("connection reset")
		},
	}
	store := NewBlockStore(newTestClient(conn))

	err := store.Save(context.Background(), &blocker.BlockRecord{IP: "203.0.113.1"})
	if !IsQueryError(err) {
		t.Fatalf("Save() error = %v, want query error", err)
	}

	var storageErr *StorageError
	if !errors.As(err, &storageErr) || storageErr.Table != "block_records" {
		t.Fatalf("error = %#v, want StorageError for block_records", err)
	}
}
