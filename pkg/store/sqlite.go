package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/fredSavings/pkg/models"
	"github.com/sirupsen/logrus"
)

// ErrConflict is returned when an insert collides with a uniqueness constraint.
var ErrConflict = errors.New("record already exists")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db   *sql.DB
	q    querier
	inTx bool
	log  logrus.FieldLogger
}

// busyTimeoutMillis bounds how long a writer waits for another process (the API
// ticker, savingsctl tick) to release the database file.
const busyTimeoutMillis = 5000

func withBusyTimeout(dsn string) string {
	if strings.Contains(dsn, "_timeout=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_busy_timeout=%d", dsn, sep, busyTimeoutMillis)
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string, log logrus.FieldLogger) (*SQLiteStore, error) {
	if log == nil {
		l := logrus.New()
		l.Out = io.Discard
		log = l
	}

	db, err := sql.Open("sqlite3", withBusyTimeout(dataSourceName))
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	// A single connection serializes writers; per-plan transactions never interleave.
	db.SetMaxOpenConns(1)

	// Manually enable foreign keys and WAL mode
	if _, err = db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, q: db, log: log}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	log.WithField("dsn", dataSourceName).Info("database connection established and schema initialized")
	return s, nil
}

// initSchema creates the database tables if they don't already exist and adds new columns if necessary.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		fixed_amount TEXT NOT NULL,
		frequency_days INTEGER NOT NULL,
		duration_months INTEGER NOT NULL,
		total_deposits INTEGER NOT NULL,
		deposits_made INTEGER NOT NULL DEFAULT 0,
		balance TEXT NOT NULL DEFAULT '0',
		total_interest TEXT NOT NULL DEFAULT '0',
		last_interest_period INTEGER NOT NULL DEFAULT -1,
		status TEXT NOT NULL,
		setup_fee_reference TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		end_date DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME,
		final_balance TEXT NOT NULL DEFAULT '0',
		final_interest TEXT NOT NULL DEFAULT '0',
		closed_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_plans_owner ON plans(owner_id);
	CREATE INDEX IF NOT EXISTS idx_plans_status ON plans(status);

	CREATE TABLE IF NOT EXISTS deposits (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		amount TEXT NOT NULL,
		recorded_at DATETIME NOT NULL,
		source_reference TEXT NOT NULL,
		FOREIGN KEY(plan_id) REFERENCES plans(id),
		UNIQUE(plan_id, source_reference),
		UNIQUE(plan_id, sequence_number)
	);

	CREATE TABLE IF NOT EXISTS interest_entries (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		period_index INTEGER NOT NULL,
		amount TEXT NOT NULL,
		basis_balance TEXT NOT NULL,
		computed_at DATETIME NOT NULL,
		FOREIGN KEY(plan_id) REFERENCES plans(id),
		UNIQUE(plan_id, period_index)
	);

	CREATE TABLE IF NOT EXISTS reminders (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		deposit_sequence INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		reminder_date DATETIME NOT NULL,
		acknowledged INTEGER NOT NULL DEFAULT 0,
		satisfied_by_deposit_id TEXT,
		FOREIGN KEY(plan_id) REFERENCES plans(id),
		UNIQUE(plan_id, deposit_sequence)
	);

	CREATE TABLE IF NOT EXISTS withdrawals (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		requested_amount TEXT NOT NULL,
		requested_at DATETIME NOT NULL,
		is_early INTEGER NOT NULL DEFAULT 0,
		remaining_days INTEGER NOT NULL DEFAULT 0,
		penalty_amount TEXT NOT NULL,
		net_amount TEXT NOT NULL,
		status TEXT NOT NULL,
		resolved_at DATETIME,
		FOREIGN KEY(plan_id) REFERENCES plans(id)
	);

	CREATE TABLE IF NOT EXISTS payment_attempts (
		reference TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		deadline DATETIME NOT NULL,
		resolved_at DATETIME,
		deposit_id TEXT,
		FOREIGN KEY(plan_id) REFERENCES plans(id)
	);
	CREATE INDEX IF NOT EXISTS idx_payment_attempts_status ON payment_attempts(status);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Columns added after the first release. Existing databases pick them up here.
	migrations := map[string][]string{
		"plans": {
			"close_choice TEXT NOT NULL DEFAULT ''",
			"successor_plan_id TEXT",
		},
		"reminders": {
			"notified_at DATETIME",
		},
		"withdrawals": {
			"force_majeure INTEGER NOT NULL DEFAULT 0",
			"operator_id TEXT NOT NULL DEFAULT ''",
			"reason TEXT NOT NULL DEFAULT ''",
		},
	}
	for _, table := range []string{"plans", "reminders", "withdrawals"} {
		for _, col := range migrations[table] {
			_, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, col))
			if err != nil && !isDuplicateColumnError(err) {
				return fmt.Errorf("failed to add column %s to %s: %w", col, table, err)
			}
		}
	}
	return nil
}

// isDuplicateColumnError checks if the error indicates a duplicate column.
func isDuplicateColumnError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "duplicate column name")
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// WithTx runs fn inside a database transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Storage) error) error {
	if s.inTx {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&SQLiteStore{db: s.db, q: tx, inTx: true, log: s.log}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const planColumns = `id, owner_id, fixed_amount, frequency_days, duration_months, total_deposits, deposits_made, balance, total_interest, last_interest_period, status, setup_fee_reference, created_at, end_date, updated_at, completed_at, final_balance, final_interest, closed_at, close_choice, successor_plan_id`

// CreatePlan inserts a new plan into the database.
func (s *SQLiteStore) CreatePlan(ctx context.Context, plan *models.SavingsPlan) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO plans (`+planColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID.String(), plan.OwnerID, plan.FixedAmount, plan.FrequencyDays, plan.DurationMonths, plan.TotalDeposits,
		plan.DepositsMade, plan.Balance, plan.TotalInterest, plan.LastInterestPeriod, plan.Status, plan.SetupFeeReference,
		plan.CreatedAt, plan.EndDate, plan.UpdatedAt, plan.CompletedAt, plan.FinalBalance, plan.FinalInterest,
		plan.ClosedAt, plan.CloseChoice, plan.SuccessorPlanID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create plan: %w", ErrConflict)
		}
		return fmt.Errorf("failed to create plan: %w", err)
	}
	return nil
}

func scanPlan(row rowScanner) (*models.SavingsPlan, error) {
	var plan models.SavingsPlan
	var completedAt, closedAt sql.NullTime
	var successor uuid.NullUUID
	err := row.Scan(&plan.ID, &plan.OwnerID, &plan.FixedAmount, &plan.FrequencyDays, &plan.DurationMonths, &plan.TotalDeposits,
		&plan.DepositsMade, &plan.Balance, &plan.TotalInterest, &plan.LastInterestPeriod, &plan.Status, &plan.SetupFeeReference,
		&plan.CreatedAt, &plan.EndDate, &plan.UpdatedAt, &completedAt, &plan.FinalBalance, &plan.FinalInterest,
		&closedAt, &plan.CloseChoice, &successor)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		plan.CompletedAt = &completedAt.Time
	}
	if closedAt.Valid {
		plan.ClosedAt = &closedAt.Time
	}
	if successor.Valid {
		plan.SuccessorPlanID = &successor.UUID
	}
	return &plan, nil
}

// GetPlan retrieves a plan by its ID.
func (s *SQLiteStore) GetPlan(ctx context.Context, id uuid.UUID) (*models.SavingsPlan, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id.String())
	plan, err := scanPlan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("plan %s: %w", id, models.ErrPlanNotFound)
		}
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

// UpdatePlan updates the mutable counters and status of an existing plan.
func (s *SQLiteStore) UpdatePlan(ctx context.Context, plan *models.SavingsPlan) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE plans SET deposits_made = ?, balance = ?, total_interest = ?, last_interest_period = ?, status = ?, updated_at = ?,
		completed_at = ?, final_balance = ?, final_interest = ?, closed_at = ?, close_choice = ?, successor_plan_id = ? WHERE id = ?`,
		plan.DepositsMade, plan.Balance, plan.TotalInterest, plan.LastInterestPeriod, plan.Status, plan.UpdatedAt,
		plan.CompletedAt, plan.FinalBalance, plan.FinalInterest, plan.ClosedAt, plan.CloseChoice, plan.SuccessorPlanID, plan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("plan %s: %w", plan.ID, models.ErrPlanNotFound)
	}
	return nil
}

// ListPlans retrieves all plans, or only those of ownerID when it is not empty.
func (s *SQLiteStore) ListPlans(ctx context.Context, ownerID string) ([]*models.SavingsPlan, error) {
	var rows *sql.Rows
	var err error
	if ownerID == "" {
		rows, err = s.q.QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY created_at ASC`)
	} else {
		rows, err = s.q.QueryContext(ctx, `SELECT `+planColumns+` FROM plans WHERE owner_id = ? ORDER BY created_at ASC`, ownerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	return scanPlans(rows)
}

// ListPlansByStatus retrieves all plans in the given status.
func (s *SQLiteStore) ListPlansByStatus(ctx context.Context, status models.PlanStatus) ([]*models.SavingsPlan, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+planColumns+` FROM plans WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s plans: %w", status, err)
	}
	defer rows.Close()

	return scanPlans(rows)
}

func scanPlans(rows *sql.Rows) ([]*models.SavingsPlan, error) {
	var plans []*models.SavingsPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan row: %w", err)
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return plans, nil
}

// CreateDeposit inserts a new deposit. A repeated source reference surfaces as models.ErrDuplicateDeposit.
func (s *SQLiteStore) CreateDeposit(ctx context.Context, deposit *models.Deposit) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO deposits (id, plan_id, sequence_number, amount, recorded_at, source_reference)
		VALUES (?, ?, ?, ?, ?, ?)`,
		deposit.ID.String(), deposit.PlanID.String(), deposit.SequenceNumber, deposit.Amount, deposit.RecordedAt, deposit.SourceReference,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create deposit: %w", models.ErrDuplicateDeposit)
		}
		return fmt.Errorf("failed to create deposit: %w", err)
	}
	return nil
}

const depositColumns = `id, plan_id, sequence_number, amount, recorded_at, source_reference`

func scanDeposit(row rowScanner) (*models.Deposit, error) {
	var d models.Deposit
	if err := row.Scan(&d.ID, &d.PlanID, &d.SequenceNumber, &d.Amount, &d.RecordedAt, &d.SourceReference); err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDepositBySource returns the deposit recorded for a payment reference, or (nil, nil) when there is none.
func (s *SQLiteStore) GetDepositBySource(ctx context.Context, planID uuid.UUID, sourceReference string) (*models.Deposit, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+depositColumns+` FROM deposits WHERE plan_id = ? AND source_reference = ?`,
		planID.String(), sourceReference)
	d, err := scanDeposit(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get deposit: %w", err)
	}
	return d, nil
}

// ListDeposits retrieves all deposits of a plan in sequence order.
func (s *SQLiteStore) ListDeposits(ctx context.Context, planID uuid.UUID) ([]*models.Deposit, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+depositColumns+` FROM deposits WHERE plan_id = ? ORDER BY sequence_number ASC`, planID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get deposits for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var deposits []*models.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deposit row: %w", err)
		}
		deposits = append(deposits, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for deposits: %w", err)
	}
	return deposits, nil
}

// CreateInterestEntry inserts an interest entry. A second entry for the same period surfaces as ErrConflict.
func (s *SQLiteStore) CreateInterestEntry(ctx context.Context, entry *models.InterestEntry) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO interest_entries (id, plan_id, period_index, amount, basis_balance, computed_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID.String(), entry.PlanID.String(), entry.PeriodIndex, entry.Amount, entry.BasisBalance, entry.ComputedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create interest entry: %w", ErrConflict)
		}
		return fmt.Errorf("failed to create interest entry: %w", err)
	}
	return nil
}

const interestColumns = `id, plan_id, period_index, amount, basis_balance, computed_at`

func scanInterestEntry(row rowScanner) (*models.InterestEntry, error) {
	var e models.InterestEntry
	if err := row.Scan(&e.ID, &e.PlanID, &e.PeriodIndex, &e.Amount, &e.BasisBalance, &e.ComputedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

// GetInterestEntry returns the entry for a period, or (nil, nil) when it has not been posted.
func (s *SQLiteStore) GetInterestEntry(ctx context.Context, planID uuid.UUID, periodIndex int) (*models.InterestEntry, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+interestColumns+` FROM interest_entries WHERE plan_id = ? AND period_index = ?`,
		planID.String(), periodIndex)
	e, err := scanInterestEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get interest entry: %w", err)
	}
	return e, nil
}

// ListInterestEntries retrieves all interest entries of a plan in period order.
func (s *SQLiteStore) ListInterestEntries(ctx context.Context, planID uuid.UUID) ([]*models.InterestEntry, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+interestColumns+` FROM interest_entries WHERE plan_id = ? ORDER BY period_index ASC`, planID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get interest entries for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var entries []*models.InterestEntry
	for rows.Next() {
		e, err := scanInterestEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interest row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for interest entries: %w", err)
	}
	return entries, nil
}

// CreateReminders inserts the reminder calendar of a plan.
func (s *SQLiteStore) CreateReminders(ctx context.Context, reminders []*models.Reminder) error {
	for _, r := range reminders {
		_, err := s.q.ExecContext(ctx,
			`INSERT INTO reminders (id, plan_id, deposit_sequence, due_date, reminder_date, acknowledged, satisfied_by_deposit_id, notified_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID.String(), r.PlanID.String(), r.DepositSequence, r.DueDate, r.ReminderDate, r.Acknowledged, r.SatisfiedByDepositID, r.NotifiedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create reminder %d: %w", r.DepositSequence, err)
		}
	}
	return nil
}

// UpdateReminder persists acknowledgement and notification state of a reminder.
func (s *SQLiteStore) UpdateReminder(ctx context.Context, reminder *models.Reminder) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE reminders SET acknowledged = ?, satisfied_by_deposit_id = ?, notified_at = ? WHERE id = ?`,
		reminder.Acknowledged, reminder.SatisfiedByDepositID, reminder.NotifiedAt, reminder.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update reminder: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("reminder %s not found", reminder.ID)
	}
	return nil
}

// ListReminders retrieves the reminders of a plan in deposit order.
func (s *SQLiteStore) ListReminders(ctx context.Context, planID uuid.UUID) ([]*models.Reminder, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, plan_id, deposit_sequence, due_date, reminder_date, acknowledged, satisfied_by_deposit_id, notified_at
		FROM reminders WHERE plan_id = ? ORDER BY deposit_sequence ASC`, planID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get reminders for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var reminders []*models.Reminder
	for rows.Next() {
		var r models.Reminder
		var satisfiedBy uuid.NullUUID
		var notifiedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.PlanID, &r.DepositSequence, &r.DueDate, &r.ReminderDate, &r.Acknowledged, &satisfiedBy, &notifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan reminder row: %w", err)
		}
		if satisfiedBy.Valid {
			r.SatisfiedByDepositID = &satisfiedBy.UUID
		}
		if notifiedAt.Valid {
			r.NotifiedAt = &notifiedAt.Time
		}
		reminders = append(reminders, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for reminders: %w", err)
	}
	return reminders, nil
}

const withdrawalColumns = `id, plan_id, requested_amount, requested_at, is_early, remaining_days, penalty_amount, net_amount, status, force_majeure, operator_id, reason, resolved_at`

// CreateWithdrawal inserts a withdrawal request.
func (s *SQLiteStore) CreateWithdrawal(ctx context.Context, w *models.WithdrawalRequest) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO withdrawals (`+withdrawalColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID.String(), w.PlanID.String(), w.RequestedAmount, w.RequestedAt, w.IsEarly, w.RemainingDays, w.PenaltyAmount,
		w.NetAmount, w.Status, w.ForceMajeure, w.OperatorID, w.Reason, w.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create withdrawal: %w", err)
	}
	return nil
}

func scanWithdrawal(row rowScanner) (*models.WithdrawalRequest, error) {
	var w models.WithdrawalRequest
	var resolvedAt sql.NullTime
	err := row.Scan(&w.ID, &w.PlanID, &w.RequestedAmount, &w.RequestedAt, &w.IsEarly, &w.RemainingDays, &w.PenaltyAmount,
		&w.NetAmount, &w.Status, &w.ForceMajeure, &w.OperatorID, &w.Reason, &resolvedAt)
	if err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		w.ResolvedAt = &resolvedAt.Time
	}
	return &w, nil
}

// GetWithdrawal retrieves a withdrawal request by its ID.
func (s *SQLiteStore) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = ?`, id.String())
	w, err := scanWithdrawal(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("withdrawal %s: %w", id, models.ErrWithdrawalNotFound)
		}
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	return w, nil
}

// UpdateWithdrawal persists the status change of a withdrawal request.
func (s *SQLiteStore) UpdateWithdrawal(ctx context.Context, w *models.WithdrawalRequest) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE withdrawals SET status = ?, remaining_days = ?, penalty_amount = ?, net_amount = ?, resolved_at = ? WHERE id = ?`,
		w.Status, w.RemainingDays, w.PenaltyAmount, w.NetAmount, w.ResolvedAt, w.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update withdrawal: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("withdrawal %s: %w", w.ID, models.ErrWithdrawalNotFound)
	}
	return nil
}

// ListWithdrawals retrieves the withdrawal requests of a plan, oldest first.
func (s *SQLiteStore) ListWithdrawals(ctx context.Context, planID uuid.UUID) ([]*models.WithdrawalRequest, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE plan_id = ? ORDER BY requested_at ASC`, planID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawals for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var requests []*models.WithdrawalRequest
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdrawal row: %w", err)
		}
		requests = append(requests, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for withdrawals: %w", err)
	}
	return requests, nil
}

const paymentColumns = `reference, plan_id, amount, status, created_at, deadline, resolved_at, deposit_id`

// CreatePaymentAttempt inserts a pending gateway charge.
func (s *SQLiteStore) CreatePaymentAttempt(ctx context.Context, a *models.PaymentAttempt) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO payment_attempts (`+paymentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.Reference, a.PlanID.String(), a.Amount, a.Status, a.CreatedAt, a.Deadline, a.ResolvedAt, a.DepositID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("failed to create payment attempt: %w", ErrConflict)
		}
		return fmt.Errorf("failed to create payment attempt: %w", err)
	}
	return nil
}

func scanPaymentAttempt(row rowScanner) (*models.PaymentAttempt, error) {
	var a models.PaymentAttempt
	var resolvedAt sql.NullTime
	var depositID uuid.NullUUID
	if err := row.Scan(&a.Reference, &a.PlanID, &a.Amount, &a.Status, &a.CreatedAt, &a.Deadline, &resolvedAt, &depositID); err != nil {
		return nil, err
	}
	if resolvedAt.Valid {
		a.ResolvedAt = &resolvedAt.Time
	}
	if depositID.Valid {
		a.DepositID = &depositID.UUID
	}
	return &a, nil
}

// GetPaymentAttempt retrieves a payment attempt by its gateway reference.
func (s *SQLiteStore) GetPaymentAttempt(ctx context.Context, reference string) (*models.PaymentAttempt, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payment_attempts WHERE reference = ?`, reference)
	a, err := scanPaymentAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("payment %s: %w", reference, models.ErrPaymentNotFound)
		}
		return nil, fmt.Errorf("failed to get payment attempt: %w", err)
	}
	return a, nil
}

// UpdatePaymentAttempt persists the resolution of a payment attempt.
func (s *SQLiteStore) UpdatePaymentAttempt(ctx context.Context, a *models.PaymentAttempt) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE payment_attempts SET status = ?, resolved_at = ?, deposit_id = ? WHERE reference = ?`,
		a.Status, a.ResolvedAt, a.DepositID, a.Reference,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment attempt: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("payment %s: %w", a.Reference, models.ErrPaymentNotFound)
	}
	return nil
}

// ListPaymentAttempts retrieves every charge issued for a plan, oldest first.
func (s *SQLiteStore) ListPaymentAttempts(ctx context.Context, planID uuid.UUID) ([]*models.PaymentAttempt, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payment_attempts WHERE plan_id = ? ORDER BY created_at ASC`, planID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get payment attempts for plan %s: %w", planID, err)
	}
	defer rows.Close()

	var attempts []*models.PaymentAttempt
	for rows.Next() {
		a, err := scanPaymentAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment attempt row: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for payment attempts: %w", err)
	}
	return attempts, nil
}

// ListExpiredPaymentAttempts returns pending attempts whose confirmation deadline is before now.
func (s *SQLiteStore) ListExpiredPaymentAttempts(ctx context.Context, now time.Time) ([]*models.PaymentAttempt, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+paymentColumns+` FROM payment_attempts WHERE status = ? ORDER BY created_at ASC`,
		models.PaymentStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payment attempts: %w", err)
	}
	defer rows.Close()

	var expired []*models.PaymentAttempt
	for rows.Next() {
		a, err := scanPaymentAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment attempt row: %w", err)
		}
		// Deadlines are compared as instants; stored timestamps carry their offset.
		if a.Deadline.Before(now) {
			expired = append(expired, a)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration for payment attempts: %w", err)
	}
	return expired, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.inTx {
		return nil
	}
	return s.db.Close()
}
