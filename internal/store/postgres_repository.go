/**
 * @description
 * PostgreSQL implementation of the `Repository` interface. All the SQL for the
 * chama aggregate, the contribution/payout ledger, and the cycle-advance
 * transition lives here.
 *
 * Concurrency notes (schema in migrations/001_init.sql):
 * - `contributions` carries a partial unique index on (chama_id, user_id, cycle)
 *   WHERE status NOT IN ('failed', 'cancelled'); near-simultaneous duplicate
 *   contribution attempts lose at the index, not at an application check.
 * - `payouts` carries a partial unique index on (chama_id, cycle) WHERE
 *   status <> 'failed'; the first of two racing cycle-completion observers wins
 *   the insert, the second sees 23505 and backs off.
 * - Aggregate mutations (join, remove, advance) lock the chama row FOR UPDATE.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/domain: entity models.
 */

package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chamapay/chama-service/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrChamaNotFound         = errors.New("chama not found")
	ErrMemberNotFound        = errors.New("chama member not found")
	ErrAlreadyMember         = errors.New("user is already a member of this chama")
	ErrDuplicateContribution = errors.New("a contribution for this cycle already exists")
	ErrContributionNotFound  = errors.New("contribution not found")
	ErrContributionFinalized = errors.New("contribution has already reached a terminal state")
	ErrPayoutNotFound        = errors.New("payout not found")
	ErrPayoutAlreadyExists   = errors.New("a non-failed payout for this cycle already exists")
	ErrInviteCodeExhausted   = errors.New("could not allocate a unique invite code")
)

// inviteCodeAlphabet omits easily confused characters (0/O, 1/I).
const (
	inviteCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	inviteCodeLength   = 6
	inviteCodeAttempts = 5
)

// PostgresRepository is the concrete Repository backed by a pgx pool.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// newInviteCode generates a 6-character uppercase invite code.
func newInviteCode() (string, error) {
	buf := make([]byte, inviteCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate invite code: %w", err)
	}
	code := make([]byte, inviteCodeLength)
	for i, b := range buf {
		code[i] = inviteCodeAlphabet[int(b)%len(inviteCodeAlphabet)]
	}
	return string(code), nil
}

// CreateChama inserts the chama and its founding admin member in one
// transaction. The invite code is regenerated on collision.
func (r *PostgresRepository) CreateChama(ctx context.Context, chama *domain.Chama) error {
	var lastErr error
	for attempt := 0; attempt < inviteCodeAttempts; attempt++ {
		code, err := newInviteCode()
		if err != nil {
			return err
		}
		chama.InviteCode = code

		err = r.insertChamaWithAdmin(ctx, chama)
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrInviteCodeExhausted, lastErr)
}

func (r *PostgresRepository) insertChamaWithAdmin(ctx context.Context, chama *domain.Chama) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO chamas (id, name, description, invite_code, admin_id, contribution_amount,
		                    collection_account, status, current_cycle, current_cycle_amount,
		                    completed_cycles, cycle_started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		RETURNING cycle_started_at, created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		chama.ID, chama.Name, chama.Description, chama.InviteCode, chama.AdminID,
		chama.ContributionAmount, chama.CollectionAccount, chama.Status,
		chama.CurrentCycle, chama.CurrentCycleAmount, chama.CompletedCycles,
	).Scan(&chama.CycleStartedAt, &chama.CreatedAt, &chama.UpdatedAt)
	if err != nil {
		return err
	}

	if len(chama.Members) != 1 {
		return errors.New("new chama must have exactly one founding member")
	}
	admin := &chama.Members[0]
	memberQuery := `
		INSERT INTO chama_members (chama_id, user_id, payout_order, receiving_phone)
		VALUES ($1, $2, 1, $3)
		RETURNING joined_at
	`
	if err := tx.QueryRow(ctx, memberQuery, chama.ID, admin.UserID, admin.ReceivingPhone).Scan(&admin.JoinedAt); err != nil {
		return err
	}
	admin.PayoutOrder = 1

	return tx.Commit(ctx)
}

const chamaColumns = `
	id, name, COALESCE(description, ''), invite_code, admin_id, contribution_amount,
	collection_account, status, current_cycle, current_cycle_amount, completed_cycles,
	cycle_started_at, created_at, updated_at
`

func scanChama(row pgx.Row) (*domain.Chama, error) {
	var chama domain.Chama
	err := row.Scan(
		&chama.ID, &chama.Name, &chama.Description, &chama.InviteCode, &chama.AdminID,
		&chama.ContributionAmount, &chama.CollectionAccount, &chama.Status,
		&chama.CurrentCycle, &chama.CurrentCycleAmount, &chama.CompletedCycles,
		&chama.CycleStartedAt, &chama.CreatedAt, &chama.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrChamaNotFound
		}
		return nil, err
	}
	return &chama, nil
}

func (r *PostgresRepository) loadMembers(ctx context.Context, chama *domain.Chama) error {
	query := `
		SELECT user_id, payout_order, has_received, received_in_current_cycle,
		       total_contributed, total_received, receiving_phone, joined_at
		FROM chama_members
		WHERE chama_id = $1
		ORDER BY payout_order
	`
	rows, err := r.db.Query(ctx, query, chama.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var m domain.ChamaMember
		if err := rows.Scan(
			&m.UserID, &m.PayoutOrder, &m.HasReceived, &m.ReceivedInCurrentCycle,
			&m.TotalContributed, &m.TotalReceived, &m.ReceivingPhone, &m.JoinedAt,
		); err != nil {
			return err
		}
		chama.Members = append(chama.Members, m)
	}
	return rows.Err()
}

// FindChamaByID loads the aggregate with its members ordered by payout order.
func (r *PostgresRepository) FindChamaByID(ctx context.Context, chamaID uuid.UUID) (*domain.Chama, error) {
	chama, err := scanChama(r.db.QueryRow(ctx, `SELECT `+chamaColumns+` FROM chamas WHERE id = $1`, chamaID))
	if err != nil {
		return nil, err
	}
	if err := r.loadMembers(ctx, chama); err != nil {
		return nil, err
	}
	return chama, nil
}

// FindChamaByInviteCode looks up a chama by its invite code, case-insensitively.
func (r *PostgresRepository) FindChamaByInviteCode(ctx context.Context, inviteCode string) (*domain.Chama, error) {
	code := strings.ToUpper(strings.TrimSpace(inviteCode))
	chama, err := scanChama(r.db.QueryRow(ctx, `SELECT `+chamaColumns+` FROM chamas WHERE invite_code = $1`, code))
	if err != nil {
		return nil, err
	}
	if err := r.loadMembers(ctx, chama); err != nil {
		return nil, err
	}
	return chama, nil
}

// AddChamaMember appends a member at payout_order = N+1. The chama row is
// locked so two concurrent joins cannot be assigned the same order.
func (r *PostgresRepository) AddChamaMember(ctx context.Context, chamaID, userID uuid.UUID, receivingPhone *string) (*domain.ChamaMember, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `SELECT true FROM chamas WHERE id = $1 FOR UPDATE`, chamaID).Scan(&exists)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrChamaNotFound
		}
		return nil, err
	}

	var currentCount int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM chama_members WHERE chama_id = $1`, chamaID).Scan(&currentCount); err != nil {
		return nil, err
	}

	member := &domain.ChamaMember{
		UserID:         userID,
		PayoutOrder:    currentCount + 1,
		ReceivingPhone: receivingPhone,
	}
	query := `
		INSERT INTO chama_members (chama_id, user_id, payout_order, receiving_phone)
		VALUES ($1, $2, $3, $4)
		RETURNING joined_at
	`
	if err := tx.QueryRow(ctx, query, chamaID, userID, member.PayoutOrder, receivingPhone).Scan(&member.JoinedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyMember
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return member, nil
}

// RemoveChamaMember deletes the member and renumbers the remaining payout
// orders densely as 1..N, preserving relative order.
func (r *PostgresRepository) RemoveChamaMember(ctx context.Context, chamaID, userID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `SELECT true FROM chamas WHERE id = $1 FOR UPDATE`, chamaID).Scan(&exists)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrChamaNotFound
		}
		return err
	}

	result, err := tx.Exec(ctx, `DELETE FROM chama_members WHERE chama_id = $1 AND user_id = $2`, chamaID, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrMemberNotFound
	}

	renumber := `
		UPDATE chama_members cm
		SET payout_order = ranked.new_order
		FROM (
			SELECT user_id, ROW_NUMBER() OVER (ORDER BY payout_order) AS new_order
			FROM chama_members
			WHERE chama_id = $1
		) ranked
		WHERE cm.chama_id = $1 AND cm.user_id = ranked.user_id
	`
	if _, err := tx.Exec(ctx, renumber, chamaID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SetMemberReceivingPhone records the member's nominated payout number.
func (r *PostgresRepository) SetMemberReceivingPhone(ctx context.Context, chamaID, userID uuid.UUID, phone string) error {
	result, err := r.db.Exec(ctx,
		`UPDATE chama_members SET receiving_phone = $1 WHERE chama_id = $2 AND user_id = $3`,
		phone, chamaID, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// CountChamaMembers returns the current member count.
func (r *PostgresRepository) CountChamaMembers(ctx context.Context, chamaID uuid.UUID) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM chama_members WHERE chama_id = $1`, chamaID).Scan(&count)
	return count, err
}

// AdvanceChamaCycle applies the advance-cycle transition atomically: no
// intermediate state is observable outside the transaction.
func (r *PostgresRepository) AdvanceChamaCycle(ctx context.Context, chamaID, receiverID uuid.UUID) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `SELECT true FROM chamas WHERE id = $1 FOR UPDATE`, chamaID).Scan(&exists)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrChamaNotFound
		}
		return err
	}

	result, err := tx.Exec(ctx, `
		UPDATE chama_members SET has_received = true, received_in_current_cycle = true
		WHERE chama_id = $1 AND user_id = $2
	`, chamaID, receiverID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrMemberNotFound
	}

	var remaining int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM chama_members WHERE chama_id = $1 AND has_received = false`,
		chamaID).Scan(&remaining); err != nil {
		return err
	}

	if remaining == 0 {
		// Full rotation complete: reset flags and count the rotation.
		if _, err := tx.Exec(ctx, `
			UPDATE chama_members SET has_received = false, received_in_current_cycle = false
			WHERE chama_id = $1
		`, chamaID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE chamas SET completed_cycles = completed_cycles + 1 WHERE id = $1`,
			chamaID); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE chamas
		SET current_cycle = current_cycle + 1,
		    current_cycle_amount = 0,
		    cycle_started_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1
	`, chamaID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// CreateContribution inserts a pending contribution. The partial unique index
// on (chama_id, user_id, cycle) rejects a second live contribution.
func (r *PostgresRepository) CreateContribution(ctx context.Context, contribution *domain.Contribution) error {
	query := `
		INSERT INTO contributions (id, chama_id, user_id, cycle, amount, phone_number, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		contribution.ID, contribution.ChamaID, contribution.UserID, contribution.Cycle,
		contribution.Amount, contribution.PhoneNumber, contribution.Status,
	).Scan(&contribution.CreatedAt, &contribution.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateContribution
		}
		return err
	}
	return nil
}

// SetContributionCheckoutReference stores the gateway's checkout id and moves
// the contribution to processing.
func (r *PostgresRepository) SetContributionCheckoutReference(ctx context.Context, contributionID uuid.UUID, checkoutRequestID string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE contributions
		SET checkout_request_id = $1, status = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, checkoutRequestID, domain.ContributionStatusProcessing, contributionID, domain.ContributionStatusPending)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrContributionNotFound
	}
	return nil
}

const contributionColumns = `
	id, chama_id, user_id, cycle, amount, phone_number, checkout_request_id,
	receipt_code, status, failure_reason, transaction_at, created_at, updated_at
`

func scanContribution(row pgx.Row) (*domain.Contribution, error) {
	var c domain.Contribution
	err := row.Scan(
		&c.ID, &c.ChamaID, &c.UserID, &c.Cycle, &c.Amount, &c.PhoneNumber,
		&c.CheckoutRequestID, &c.ReceiptCode, &c.Status, &c.FailureReason,
		&c.TransactionAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrContributionNotFound
		}
		return nil, err
	}
	return &c, nil
}

// FindContributionByID retrieves a contribution by its internal id.
func (r *PostgresRepository) FindContributionByID(ctx context.Context, contributionID uuid.UUID) (*domain.Contribution, error) {
	return scanContribution(r.db.QueryRow(ctx,
		`SELECT `+contributionColumns+` FROM contributions WHERE id = $1`, contributionID))
}

// FindContributionByCheckoutReference retrieves a contribution by the gateway's
// checkout id. Callbacks arrive keyed by this reference; the column is indexed.
func (r *PostgresRepository) FindContributionByCheckoutReference(ctx context.Context, checkoutRequestID string) (*domain.Contribution, error) {
	return scanContribution(r.db.QueryRow(ctx,
		`SELECT `+contributionColumns+` FROM contributions WHERE checkout_request_id = $1`, checkoutRequestID))
}

// CountCompletedContributions is the authoritative cycle-completeness input.
func (r *PostgresRepository) CountCompletedContributions(ctx context.Context, chamaID uuid.UUID, cycle int) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM contributions
		WHERE chama_id = $1 AND cycle = $2 AND status = $3
	`, chamaID, cycle, domain.ContributionStatusCompleted).Scan(&count)
	return count, err
}

// ListContributionsByMember returns a member's contributions, newest first.
func (r *PostgresRepository) ListContributionsByMember(ctx context.Context, chamaID, userID uuid.UUID) ([]domain.Contribution, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+contributionColumns+`
		FROM contributions
		WHERE chama_id = $1 AND user_id = $2
		ORDER BY created_at DESC
	`, chamaID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contributions []domain.Contribution
	for rows.Next() {
		var c domain.Contribution
		if err := rows.Scan(
			&c.ID, &c.ChamaID, &c.UserID, &c.Cycle, &c.Amount, &c.PhoneNumber,
			&c.CheckoutRequestID, &c.ReceiptCode, &c.Status, &c.FailureReason,
			&c.TransactionAt, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, err
		}
		contributions = append(contributions, c)
	}
	return contributions, rows.Err()
}

// MarkContributionCompleted finalizes a contribution and applies its ledger
// side effects in one transaction. The gateway-confirmed amount overwrites the
// initiated amount so the row matches what actually moved. The status guard
// makes redelivered success callbacks harmless: the second delivery updates
// zero rows and the member total and cycle amount are incremented exactly once.
func (r *PostgresRepository) MarkContributionCompleted(ctx context.Context, contributionID uuid.UUID, receiptCode string, amount int64, transactionAt *time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var chamaID, userID uuid.UUID
	err = tx.QueryRow(ctx, `
		UPDATE contributions
		SET status = $1, receipt_code = $2, amount = $3, transaction_at = COALESCE($4, NOW()), updated_at = NOW()
		WHERE id = $5 AND status IN ($6, $7)
		RETURNING chama_id, user_id
	`, domain.ContributionStatusCompleted, receiptCode, amount, transactionAt, contributionID,
		domain.ContributionStatusPending, domain.ContributionStatusProcessing,
	).Scan(&chamaID, &userID)
	if err != nil {
		if err == pgx.ErrNoRows {
			return r.contributionExists(ctx, contributionID)
		}
		return false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE chama_members SET total_contributed = total_contributed + $1
		WHERE chama_id = $2 AND user_id = $3
	`, amount, chamaID, userID); err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE chamas SET current_cycle_amount = current_cycle_amount + $1, updated_at = NOW()
		WHERE id = $2
	`, amount, chamaID); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// contributionExists distinguishes "already terminal" (no-op) from "unknown id".
func (r *PostgresRepository) contributionExists(ctx context.Context, contributionID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT true FROM contributions WHERE id = $1`, contributionID).Scan(&exists)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, ErrContributionNotFound
		}
		return false, err
	}
	return false, nil
}

// MarkContributionFailed records a terminal failure. Returns false when the
// contribution was already terminal.
func (r *PostgresRepository) MarkContributionFailed(ctx context.Context, contributionID uuid.UUID, reason string) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE contributions
		SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE id = $3 AND status IN ($4, $5)
	`, domain.ContributionStatusFailed, reason, contributionID,
		domain.ContributionStatusPending, domain.ContributionStatusProcessing)
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 0 {
		return r.contributionExists(ctx, contributionID)
	}
	return true, nil
}

// CancelContribution lets the owner withdraw a contribution that has not yet
// reached a terminal state.
func (r *PostgresRepository) CancelContribution(ctx context.Context, contributionID, userID uuid.UUID) error {
	result, err := r.db.Exec(ctx, `
		UPDATE contributions
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND user_id = $3 AND status IN ($4, $5)
	`, domain.ContributionStatusCancelled, contributionID, userID,
		domain.ContributionStatusPending, domain.ContributionStatusProcessing)
	if err != nil {
		return err
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	var status string
	err = r.db.QueryRow(ctx,
		`SELECT status FROM contributions WHERE id = $1 AND user_id = $2`,
		contributionID, userID).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrContributionNotFound
		}
		return err
	}
	return ErrContributionFinalized
}

// ExpireStaleContributions fails every non-terminal contribution created before
// the cutoff and returns the affected ids for logging.
func (r *PostgresRepository) ExpireStaleContributions(ctx context.Context, cutoff time.Time, reason string) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		UPDATE contributions
		SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE status IN ($3, $4) AND created_at < $5
		RETURNING id
	`, domain.ContributionStatusFailed, reason,
		domain.ContributionStatusPending, domain.ContributionStatusProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreatePayout inserts a payout. The partial unique index on (chama_id, cycle)
// WHERE status <> 'failed' is the fencing token: the losing writer gets
// ErrPayoutAlreadyExists and must treat the cycle as already handled.
func (r *PostgresRepository) CreatePayout(ctx context.Context, payout *domain.Payout) error {
	query := `
		INSERT INTO payouts (id, chama_id, recipient_id, cycle, amount, phone_number, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		payout.ID, payout.ChamaID, payout.RecipientID, payout.Cycle,
		payout.Amount, payout.PhoneNumber, payout.Status,
	).Scan(&payout.CreatedAt, &payout.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPayoutAlreadyExists
		}
		return err
	}
	return nil
}

// SetPayoutConversationID stores the gateway's disbursement tracking id.
func (r *PostgresRepository) SetPayoutConversationID(ctx context.Context, payoutID uuid.UUID, conversationID string) error {
	result, err := r.db.Exec(ctx,
		`UPDATE payouts SET conversation_id = $1, updated_at = NOW() WHERE id = $2`,
		conversationID, payoutID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

const payoutColumns = `
	id, chama_id, recipient_id, cycle, amount, phone_number, conversation_id,
	transaction_id, status, failure_reason, transaction_at, created_at, updated_at
`

func scanPayout(row pgx.Row) (*domain.Payout, error) {
	var p domain.Payout
	err := row.Scan(
		&p.ID, &p.ChamaID, &p.RecipientID, &p.Cycle, &p.Amount, &p.PhoneNumber,
		&p.ConversationID, &p.TransactionID, &p.Status, &p.FailureReason,
		&p.TransactionAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPayoutNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindPayoutByID retrieves a payout by its internal id.
func (r *PostgresRepository) FindPayoutByID(ctx context.Context, payoutID uuid.UUID) (*domain.Payout, error) {
	return scanPayout(r.db.QueryRow(ctx, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, payoutID))
}

// FindPayoutByConversationID retrieves a payout by the gateway's disbursement
// reference, the key the payout result callback arrives with.
func (r *PostgresRepository) FindPayoutByConversationID(ctx context.Context, conversationID string) (*domain.Payout, error) {
	return scanPayout(r.db.QueryRow(ctx,
		`SELECT `+payoutColumns+` FROM payouts WHERE conversation_id = $1`, conversationID))
}

// MarkPayoutCompleted finalizes a payout and credits the recipient's lifetime
// received total in the same transaction. Returns false when the payout was
// already terminal.
func (r *PostgresRepository) MarkPayoutCompleted(ctx context.Context, payoutID uuid.UUID, transactionID string, transactionAt *time.Time) (bool, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var chamaID, recipientID uuid.UUID
	var amount int64
	err = tx.QueryRow(ctx, `
		UPDATE payouts
		SET status = $1, transaction_id = $2, transaction_at = COALESCE($3, NOW()), updated_at = NOW()
		WHERE id = $4 AND status IN ($5, $6)
		RETURNING chama_id, recipient_id, amount
	`, domain.PayoutStatusCompleted, transactionID, transactionAt, payoutID,
		domain.PayoutStatusPending, domain.PayoutStatusProcessing,
	).Scan(&chamaID, &recipientID, &amount)
	if err != nil {
		if err == pgx.ErrNoRows {
			return r.payoutExists(ctx, payoutID)
		}
		return false, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE chama_members SET total_received = total_received + $1
		WHERE chama_id = $2 AND user_id = $3
	`, amount, chamaID, recipientID); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *PostgresRepository) payoutExists(ctx context.Context, payoutID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT true FROM payouts WHERE id = $1`, payoutID).Scan(&exists)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, ErrPayoutNotFound
		}
		return false, err
	}
	return false, nil
}

// MarkPayoutFailed records a terminal failure. The cycle stays open: the
// partial unique index ignores failed rows, so a re-trigger can insert a fresh
// payout for the same (chama, cycle).
func (r *PostgresRepository) MarkPayoutFailed(ctx context.Context, payoutID uuid.UUID, reason string) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE payouts
		SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE id = $3 AND status IN ($4, $5)
	`, domain.PayoutStatusFailed, reason, payoutID,
		domain.PayoutStatusPending, domain.PayoutStatusProcessing)
	if err != nil {
		return false, err
	}
	if result.RowsAffected() == 0 {
		return r.payoutExists(ctx, payoutID)
	}
	return true, nil
}
