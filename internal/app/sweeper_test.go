package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chamapay/chama-service/internal/store"
)

type sweeperRepoStub struct {
	store.Repository

	cutoff  time.Time
	reason  string
	expired []uuid.UUID
}

func (s *sweeperRepoStub) ExpireStaleContributions(ctx context.Context, cutoff time.Time, reason string) ([]uuid.UUID, error) {
	s.cutoff = cutoff
	s.reason = reason
	return s.expired, nil
}

func TestSweepOnce_ExpiresOlderThanTimeout(t *testing.T) {
	repo := &sweeperRepoStub{expired: []uuid.UUID{uuid.New(), uuid.New()}}
	sweeper := NewSweeper(repo, 5*time.Minute, "* * * * *")

	before := time.Now().Add(-5 * time.Minute)
	n, err := sweeper.SweepOnce(context.Background())
	after := time.Now().Add(-5 * time.Minute)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired, got %d", n)
	}
	if repo.cutoff.Before(before) || repo.cutoff.After(after) {
		t.Fatalf("cutoff %s not within expected window", repo.cutoff)
	}
	if repo.reason == "" {
		t.Fatal("expected a human-readable expiry reason")
	}
}

func TestNewSweeper_Defaults(t *testing.T) {
	sweeper := NewSweeper(&sweeperRepoStub{}, 0, "")
	if sweeper.timeout != 5*time.Minute {
		t.Fatalf("expected default timeout 5m, got %s", sweeper.timeout)
	}
	if sweeper.schedule != "* * * * *" {
		t.Fatalf("expected every-minute default schedule, got %q", sweeper.schedule)
	}
}
