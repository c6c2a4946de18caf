/**
 * @description
 * This file defines the Chama (rotating savings group) aggregate and its rotation
 * rules. The Chama owns its member list by value; contributions and payouts are
 * separate entities that reference it by id.
 *
 * @notes
 * - Amounts are stored as `int64` in whole Kenyan shillings, since M-Pesa does
 *   not support decimal amounts.
 * - `CurrentCycle` is unbounded and increasing. Receiver lookup maps it onto the
 *   rotation with `((CurrentCycle-1) mod memberCount)+1`, so lookup keeps working
 *   after the group completes more than one full rotation.
 */

package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Chama status values.
const (
	ChamaStatusActive    = "active"
	ChamaStatusPaused    = "paused"
	ChamaStatusCompleted = "completed"
	ChamaStatusCancelled = "cancelled"
)

var (
	// ErrNoCurrentReceiver is returned when receiver derivation cannot resolve a
	// member for the current cycle. This is a data-integrity condition: the cycle
	// pointer and the member flags disagree.
	ErrNoCurrentReceiver = errors.New("no resolvable receiver for current cycle")

	// ErrNoMembers is returned for rotation operations on an empty member list.
	ErrNoMembers = errors.New("chama has no members")
)

// Chama represents a rotating savings group. This struct maps directly to the
// `chamas` table, with members loaded from `chama_members`.
type Chama struct {
	ID                 uuid.UUID     `json:"id"`
	Name               string        `json:"name"`
	Description        string        `json:"description"`
	InviteCode         string        `json:"invite_code"`
	AdminID            uuid.UUID     `json:"admin_id"`
	ContributionAmount int64         `json:"contribution_amount"`
	CollectionAccount  string        `json:"collection_account"`
	Status             string        `json:"status"`
	CurrentCycle       int           `json:"current_cycle"`
	CurrentCycleAmount int64         `json:"current_cycle_amount"`
	CompletedCycles    int           `json:"completed_cycles"`
	CycleStartedAt     time.Time     `json:"cycle_started_at"`
	Members            []ChamaMember `json:"members"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// ChamaMember is a member's position in the rotation. Members are embedded in
// the aggregate; `payout_order` values are a dense permutation of 1..N.
type ChamaMember struct {
	UserID                 uuid.UUID `json:"user_id"`
	PayoutOrder            int       `json:"payout_order"`
	HasReceived            bool      `json:"has_received"`
	ReceivedInCurrentCycle bool      `json:"received_in_current_cycle"`
	TotalContributed       int64     `json:"total_contributed"`
	TotalReceived          int64     `json:"total_received"`
	// ReceivingPhone is the number the member nominates for payouts. It may
	// differ from the number they contribute from and must be explicitly set
	// before the member's turn; it is never substituted from another source.
	ReceivingPhone *string   `json:"receiving_phone,omitempty"`
	JoinedAt       time.Time `json:"joined_at"`
}

// EffectiveOrder maps the unbounded cycle counter onto a rotation position in
// 1..memberCount.
func EffectiveOrder(currentCycle, memberCount int) int {
	if memberCount <= 0 || currentCycle <= 0 {
		return 0
	}
	return ((currentCycle - 1) % memberCount) + 1
}

// CurrentReceiver resolves the member due to receive this cycle's payout: the
// member whose payout order equals the effective order and who has not yet
// received in the active rotation.
func (c *Chama) CurrentReceiver() (*ChamaMember, error) {
	if len(c.Members) == 0 {
		return nil, ErrNoMembers
	}
	order := EffectiveOrder(c.CurrentCycle, len(c.Members))
	for i := range c.Members {
		m := &c.Members[i]
		if m.PayoutOrder == order && !m.HasReceived {
			return m, nil
		}
	}
	return nil, ErrNoCurrentReceiver
}

// MemberByUserID returns the member entry for a user, or nil.
func (c *Chama) MemberByUserID(userID uuid.UUID) *ChamaMember {
	for i := range c.Members {
		if c.Members[i].UserID == userID {
			return &c.Members[i]
		}
	}
	return nil
}

// IsMember reports whether the user belongs to the chama.
func (c *Chama) IsMember(userID uuid.UUID) bool {
	return c.MemberByUserID(userID) != nil
}

// PayoutAmount is the full pooled amount for one cycle.
func (c *Chama) PayoutAmount() int64 {
	return c.ContributionAmount * int64(len(c.Members))
}

// AdvanceCycle applies the post-payout transition in memory: mark the receiver,
// reset the rotation when everyone has received, bump the cycle pointer and
// clear the running total. The store performs the same transition in a single
// database transaction; this form exists for the rotation rules themselves and
// for tests.
func (c *Chama) AdvanceCycle(now time.Time) error {
	receiver, err := c.CurrentReceiver()
	if err != nil {
		return err
	}
	receiver.HasReceived = true
	receiver.ReceivedInCurrentCycle = true

	allReceived := true
	for i := range c.Members {
		if !c.Members[i].HasReceived {
			allReceived = false
			break
		}
	}
	if allReceived {
		for i := range c.Members {
			c.Members[i].HasReceived = false
			c.Members[i].ReceivedInCurrentCycle = false
		}
		c.CompletedCycles++
	}

	c.CurrentCycle++
	c.CurrentCycleAmount = 0
	c.CycleStartedAt = now
	return nil
}

// CreateChamaRequest is the DTO for creating a new chama.
type CreateChamaRequest struct {
	Name               string  `json:"name"`
	Description        string  `json:"description"`
	ContributionAmount int64   `json:"contribution_amount"`
	CollectionAccount  string  `json:"collection_account"`
	ReceivingPhone     *string `json:"receiving_phone,omitempty"`
}

// JoinChamaRequest is the DTO for joining a chama by invite code.
type JoinChamaRequest struct {
	InviteCode     string  `json:"invite_code"`
	ReceivingPhone *string `json:"receiving_phone,omitempty"`
}

// UpdateReceivingPhoneRequest sets the caller's payout number for a chama.
type UpdateReceivingPhoneRequest struct {
	ReceivingPhone string `json:"receiving_phone"`
}
