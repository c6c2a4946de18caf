package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testChama(memberCount int) *Chama {
	c := &Chama{
		ID:                 uuid.New(),
		Status:             ChamaStatusActive,
		ContributionAmount: 1000,
		CurrentCycle:       1,
	}
	for i := 1; i <= memberCount; i++ {
		c.Members = append(c.Members, ChamaMember{
			UserID:      uuid.New(),
			PayoutOrder: i,
		})
	}
	return c
}

func TestEffectiveOrder(t *testing.T) {
	tests := []struct {
		name         string
		currentCycle int
		memberCount  int
		want         int
	}{
		{"first cycle", 1, 3, 1},
		{"last cycle of rotation", 3, 3, 3},
		{"wraps into second rotation", 4, 3, 1},
		{"mid second rotation", 5, 3, 2},
		{"deep into later rotations", 10, 3, 1},
		{"single member", 7, 1, 1},
		{"no members", 1, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EffectiveOrder(tt.currentCycle, tt.memberCount); got != tt.want {
				t.Fatalf("EffectiveOrder(%d, %d) = %d, want %d", tt.currentCycle, tt.memberCount, got, tt.want)
			}
		})
	}
}

func TestCurrentReceiver_ResolvesByPayoutOrder(t *testing.T) {
	for cycle := 1; cycle <= 3; cycle++ {
		c := testChama(3)
		c.CurrentCycle = cycle
		// Members before the current one have already received.
		for i := 0; i < cycle-1; i++ {
			c.Members[i].HasReceived = true
		}

		receiver, err := c.CurrentReceiver()
		if err != nil {
			t.Fatalf("cycle %d: unexpected error: %v", cycle, err)
		}
		if receiver.PayoutOrder != cycle {
			t.Fatalf("cycle %d: expected receiver with payout order %d, got %d", cycle, cycle, receiver.PayoutOrder)
		}
	}
}

func TestCurrentReceiver_ResolvesPastFirstRotation(t *testing.T) {
	c := testChama(3)
	c.CurrentCycle = 4 // second rotation, flags already reset

	receiver, err := c.CurrentReceiver()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receiver.PayoutOrder != 1 {
		t.Fatalf("expected payout order 1 in second rotation, got %d", receiver.PayoutOrder)
	}
}

func TestCurrentReceiver_IntegrityFailure(t *testing.T) {
	c := testChama(3)
	// Receiver for this cycle is already flagged as paid: unresolvable.
	c.Members[0].HasReceived = true

	if _, err := c.CurrentReceiver(); !errors.Is(err, ErrNoCurrentReceiver) {
		t.Fatalf("expected ErrNoCurrentReceiver, got %v", err)
	}
}

func TestAdvanceCycle_FullRotationInvariant(t *testing.T) {
	const memberCount = 4
	c := testChama(memberCount)
	now := time.Now().UTC()

	received := make(map[uuid.UUID]int)
	for i := 0; i < memberCount; i++ {
		receiver, err := c.CurrentReceiver()
		if err != nil {
			t.Fatalf("advance %d: receiver: %v", i, err)
		}
		received[receiver.UserID]++
		if err := c.AdvanceCycle(now); err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}

	for _, m := range c.Members {
		if received[m.UserID] != 1 {
			t.Fatalf("member order %d received %d times, want exactly 1", m.PayoutOrder, received[m.UserID])
		}
		if m.HasReceived {
			t.Fatalf("member order %d still flagged after full-rotation reset", m.PayoutOrder)
		}
	}
	if c.CompletedCycles != 1 {
		t.Fatalf("expected exactly 1 completed rotation, got %d", c.CompletedCycles)
	}
	if c.CurrentCycle != memberCount+1 {
		t.Fatalf("expected current cycle %d, got %d", memberCount+1, c.CurrentCycle)
	}
	if c.CurrentCycleAmount != 0 {
		t.Fatalf("expected cycle amount reset to 0, got %d", c.CurrentCycleAmount)
	}
}

func TestAdvanceCycle_ResetsCycleAmount(t *testing.T) {
	c := testChama(3)
	c.CurrentCycleAmount = 3000

	if err := c.AdvanceCycle(time.Now().UTC()); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if c.CurrentCycleAmount != 0 {
		t.Fatalf("expected cycle amount 0 after advance, got %d", c.CurrentCycleAmount)
	}
	if c.CurrentCycle != 2 {
		t.Fatalf("expected cycle 2, got %d", c.CurrentCycle)
	}
	if !c.Members[0].HasReceived || !c.Members[0].ReceivedInCurrentCycle {
		t.Fatal("expected first member flagged as received")
	}
}

func TestPayoutAmount(t *testing.T) {
	c := testChama(3)
	if got := c.PayoutAmount(); got != 3000 {
		t.Fatalf("expected pooled amount 3000, got %d", got)
	}
}
