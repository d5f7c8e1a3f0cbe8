package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/vouch/internal/model"
)

// createTestStore opens a fresh store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var baseTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func at(offset time.Duration) *time.Time {
	t := baseTime.Add(offset)
	return &t
}

func testClaim(id string, requested *time.Time) model.Claim {
	return model.Claim{
		ItemID:      id,
		ElementID:   "e1",
		PolicyID:    "p1",
		Protocol:    "null",
		Intent:      "null/good",
		Parameters:  map[string]any{},
		Payload:     map[string]any{"quote": map[string]any{"magic": "ff544347"}},
		RequestedAt: requested,
	}
}

func testResult(id string, verified *time.Time) model.Result {
	return model.Result{
		ItemID:     id,
		ClaimID:    "c1",
		ElementID:  "e1",
		PolicyID:   "p1",
		RuleName:   "null/pass",
		Outcome:    model.Pass,
		Parameters: map[string]any{},
		VerifiedAt: verified,
	}
}
