/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces using SQLite. In production, the
  same patterns apply to PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  benefit.PlanSource:  Plan benefit versions, coverage layers, limit groups
  accumulator.Store:   Versioned accumulator totals with idempotent deltas
  fund.Ledger:         Policy funding with two-phase bounded draws
  engine.ResultStore:  Append-only adjudication result history

KEY TABLES (the durable data contracts):
  plan_benefit:           Versioned benefit configuration (terms as JSON)
  member_coverage_layer:  Layer assignments per member
  accumulator:            One row per accumulator key; member- and
                          family-scoped totals share the table, keyed by scope
  accumulator_applied:    Committed deltas; UNIQUE(claim_line_id, key...)
                          backs the idempotency guarantee
  policy_funding:         Fund balances, versioned on every write
  fund_reservation:       Held money pending claim commit
  fund_draw:              Committed draws per claim line (for voids)
  claim_line_calc:        Append-only adjudication results

APPEND-ONLY ENFORCEMENT:
  accumulator_applied and claim_line_calc never see UPDATE or DELETE;
  corrections are reversal rows and superseding results.

CONCURRENCY:
  A mutex serializes read-modify-write sections on top of SQLite
  transactions. In production with PostgreSQL, the row versions carry the
  same optimistic guarantees without the process-level lock.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency.

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/meridian/claims-engine/accumulator"
	"github.com/meridian/claims-engine/benefit"
	"github.com/meridian/claims-engine/engine"
	"github.com/meridian/claims-engine/fund"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection avoids SQLITE_BUSY under concurrent adjudication.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Versioned benefit configuration. Layer terms are stored as JSON;
	-- rows are never updated, a change is a new version row.
	CREATE TABLE IF NOT EXISTS plan_benefit (
		plan_id TEXT NOT NULL,
		benefit_code TEXT NOT NULL,
		version INTEGER NOT NULL,
		shared_limit_group TEXT NOT NULL DEFAULT '',
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		config_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (plan_id, benefit_code, version)
	);

	CREATE INDEX IF NOT EXISTS idx_plan_benefit_group
		ON plan_benefit(plan_id, shared_limit_group)
		WHERE shared_limit_group != '';

	CREATE TABLE IF NOT EXISTS member_coverage_layer (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL,
		layer TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		precedence INTEGER NOT NULL,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_coverage_layer_member
		ON member_coverage_layer(member_id);

	CREATE TABLE IF NOT EXISTS accumulator (
		scope TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		benefit_code TEXT NOT NULL,
		period TEXT NOT NULL,
		layer TEXT NOT NULL,
		bucket TEXT NOT NULL,
		amount_used TEXT NOT NULL,
		qty_used INTEGER NOT NULL,
		version INTEGER NOT NULL,
		PRIMARY KEY (scope, scope_id, plan_id, benefit_code, period, layer, bucket)
	);

	-- Committed deltas per claim line. The unique constraint is the
	-- idempotency guarantee: a claim line lands on a key at most once
	-- per direction (forward, reversal).
	CREATE TABLE IF NOT EXISTS accumulator_applied (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		claim_line_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		scope_id TEXT NOT NULL,
		plan_id TEXT NOT NULL,
		benefit_code TEXT NOT NULL,
		period TEXT NOT NULL,
		layer TEXT NOT NULL,
		bucket TEXT NOT NULL,
		amount_delta TEXT NOT NULL,
		qty_delta INTEGER NOT NULL,
		reversal INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE (claim_line_id, scope, scope_id, plan_id, benefit_code, period, layer, bucket, reversal)
	);

	CREATE INDEX IF NOT EXISTS idx_applied_claim
		ON accumulator_applied(claim_line_id);
	CREATE INDEX IF NOT EXISTS idx_applied_key
		ON accumulator_applied(scope, scope_id, plan_id, benefit_code, period, layer, bucket);

	CREATE TABLE IF NOT EXISTS policy_funding (
		policy_id TEXT PRIMARY KEY,
		aso_balance TEXT NOT NULL,
		buffer_balance TEXT NOT NULL,
		non_benefit_balance TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fund_reservation (
		id TEXT PRIMARY KEY,
		policy_id TEXT NOT NULL,
		claim_line_id TEXT NOT NULL,
		draws_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fund_draw (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		claim_line_id TEXT NOT NULL,
		policy_id TEXT NOT NULL,
		fund TEXT NOT NULL,
		amount TEXT NOT NULL,
		refunded INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fund_draw_claim
		ON fund_draw(claim_line_id);

	CREATE TABLE IF NOT EXISTS claim_line_calc (
		id TEXT PRIMARY KEY,
		claim_line_id TEXT NOT NULL,
		prior_result_id TEXT NOT NULL DEFAULT '',
		member_id TEXT NOT NULL,
		benefit_code TEXT NOT NULL,
		incident_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		reason_codes_json TEXT NOT NULL,
		scheduled_allowed TEXT NOT NULL,
		deductible_applied TEXT NOT NULL,
		coins_member TEXT NOT NULL,
		il_portion TEXT NOT NULL,
		ac_portion TEXT NOT NULL,
		aso_draw TEXT NOT NULL,
		buffer_draw TEXT NOT NULL,
		non_benefit_draw TEXT NOT NULL,
		payer_liability TEXT NOT NULL,
		member_liability TEXT NOT NULL,
		fund_source TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_calc_claim
		ON claim_line_calc(claim_line_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_calc_incident
		ON claim_line_calc(member_id, benefit_code, incident_id)
		WHERE incident_id != '';
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// PLAN SOURCE (benefit.PlanSource interface)
// =============================================================================

// benefitConfig is the JSON shape stored per plan_benefit row. Everything
// except the lookup columns lives here.
type benefitConfig struct {
	Category          string                     `json:"category"`
	Coverage          benefit.CoverageType       `json:"coverage"`
	Scope             benefit.AccumScope         `json:"scope"`
	Applies           benefit.LayerApplicability `json:"applies"`
	IL                *benefit.LayerTerms        `json:"il,omitempty"`
	AC                *benefit.LayerTerms        `json:"ac,omitempty"`
	AllowedChannels   []benefit.Channel          `json:"allowed_channels,omitempty"`
	AllowExcessDraw   bool                       `json:"allow_excess_draw"`
	Excess            benefit.ExcessPolicy       `json:"excess"`
	BedUpgrade        benefit.BedUpgradePolicy   `json:"bed_upgrade"`
	NonMedical        benefit.NonMedicalPolicy   `json:"non_medical"`
	WaitingPeriodDays int                        `json:"waiting_period_days,omitempty"`
	ExcludedDiagnoses []string                   `json:"excluded_diagnoses,omitempty"`
}

// SaveBenefit persists a benefit version row. Rows are insert-only.
func (s *Store) SaveBenefit(ctx context.Context, b benefit.PlanBenefit) error {
	cfg := benefitConfig{
		Category:          b.Category,
		Coverage:          b.Coverage,
		Scope:             b.Scope,
		Applies:           b.Applies,
		IL:                b.IL,
		AC:                b.AC,
		AllowedChannels:   b.AllowedChannels,
		AllowExcessDraw:   b.AllowExcessDraw,
		Excess:            b.Excess,
		BedUpgrade:        b.BedUpgrade,
		NonMedical:        b.NonMedical,
		WaitingPeriodDays: b.WaitingPeriodDays,
		ExcludedDiagnoses: b.ExcludedDiagnoses,
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal benefit config: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_benefit
		(plan_id, benefit_code, version, shared_limit_group, effective_from, effective_to, config_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.PlanID, b.Code, b.Version, b.SharedLimitGroup,
		b.EffectiveFrom.UTC().Format(time.RFC3339), nullTime(b.EffectiveTo),
		string(cfgJSON), now(),
	)
	if err != nil {
		return fmt.Errorf("insert plan_benefit: %w", err)
	}
	return nil
}

// SaveAssignment persists a member coverage layer row.
func (s *Store) SaveAssignment(ctx context.Context, a benefit.MemberCoverageLayer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO member_coverage_layer
		(id, member_id, layer, plan_id, precedence, effective_from, effective_to, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), a.MemberID, a.Layer, a.PlanID, a.Precedence,
		a.EffectiveFrom.UTC().Format(time.RFC3339), nullTime(a.EffectiveTo), now(),
	)
	if err != nil {
		return fmt.Errorf("insert member_coverage_layer: %w", err)
	}
	return nil
}

func (s *Store) BenefitVersions(ctx context.Context, plan benefit.PlanID, code benefit.BenefitCode) ([]benefit.PlanBenefit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT plan_id, benefit_code, version, shared_limit_group, effective_from, effective_to, config_json
		FROM plan_benefit
		WHERE plan_id = ? AND benefit_code = ?
		ORDER BY version ASC`,
		plan, code,
	)
	if err != nil {
		return nil, fmt.Errorf("query plan_benefit: %w", err)
	}
	defer rows.Close()

	var out []benefit.PlanBenefit
	for rows.Next() {
		var (
			b       benefit.PlanBenefit
			from    string
			to      sql.NullString
			cfgJSON string
		)
		if err := rows.Scan(&b.PlanID, &b.Code, &b.Version, &b.SharedLimitGroup, &from, &to, &cfgJSON); err != nil {
			return nil, err
		}
		var cfg benefitConfig
		if err := json.Unmarshal([]byte(cfgJSON), &cfg); err != nil {
			return nil, fmt.Errorf("unmarshal benefit config: %w", err)
		}
		b.Category = cfg.Category
		b.Coverage = cfg.Coverage
		b.Scope = cfg.Scope
		b.Applies = cfg.Applies
		b.IL = cfg.IL
		b.AC = cfg.AC
		b.AllowedChannels = cfg.AllowedChannels
		b.AllowExcessDraw = cfg.AllowExcessDraw
		b.Excess = cfg.Excess
		b.BedUpgrade = cfg.BedUpgrade
		b.NonMedical = cfg.NonMedical
		b.WaitingPeriodDays = cfg.WaitingPeriodDays
		b.ExcludedDiagnoses = cfg.ExcludedDiagnoses
		b.EffectiveFrom, _ = time.Parse(time.RFC3339, from)
		if to.Valid {
			b.EffectiveTo, _ = time.Parse(time.RFC3339, to.String)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *Store) LayerAssignments(ctx context.Context, member benefit.MemberID) ([]benefit.MemberCoverageLayer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT member_id, layer, plan_id, precedence, effective_from, effective_to
		FROM member_coverage_layer
		WHERE member_id = ?
		ORDER BY precedence ASC`,
		member,
	)
	if err != nil {
		return nil, fmt.Errorf("query member_coverage_layer: %w", err)
	}
	defer rows.Close()

	var out []benefit.MemberCoverageLayer
	for rows.Next() {
		var (
			a    benefit.MemberCoverageLayer
			from string
			to   sql.NullString
		)
		if err := rows.Scan(&a.MemberID, &a.Layer, &a.PlanID, &a.Precedence, &from, &to); err != nil {
			return nil, err
		}
		a.EffectiveFrom, _ = time.Parse(time.RFC3339, from)
		if to.Valid {
			a.EffectiveTo, _ = time.Parse(time.RFC3339, to.String)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GroupBenefits(ctx context.Context, plan benefit.PlanID, group benefit.GroupCode) ([]benefit.BenefitCode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT benefit_code
		FROM plan_benefit
		WHERE plan_id = ? AND shared_limit_group = ?
		ORDER BY benefit_code`,
		plan, group,
	)
	if err != nil {
		return nil, fmt.Errorf("query limit group: %w", err)
	}
	defer rows.Close()

	var out []benefit.BenefitCode
	for rows.Next() {
		var code benefit.BenefitCode
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		out = append(out, code)
	}
	return out, rows.Err()
}

// =============================================================================
// ACCUMULATOR STORE (accumulator.Store interface)
// =============================================================================

func (s *Store) Get(ctx context.Context, key accumulator.Key) (accumulator.Usage, error) {
	var (
		amount  string
		qty     int64
		version int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT amount_used, qty_used, version FROM accumulator
		WHERE scope=? AND scope_id=? AND plan_id=? AND benefit_code=? AND period=? AND layer=? AND bucket=?`,
		key.Scope, key.ScopeID, key.Plan, key.Code, key.Period, key.Layer, key.Bucket,
	).Scan(&amount, &qty, &version)
	if err == sql.ErrNoRows {
		return accumulator.Usage{Amount: decimal.Zero}, nil
	}
	if err != nil {
		return accumulator.Usage{}, fmt.Errorf("query accumulator: %w", err)
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return accumulator.Usage{}, fmt.Errorf("parse accumulator amount: %w", err)
	}
	return accumulator.Usage{Amount: amt, Qty: qty, Version: version}, nil
}

func (s *Store) Applied(ctx context.Context, claimLineID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accumulator_applied WHERE claim_line_id = ? AND reversal = 0`,
		claimLineID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query applied deltas: %w", err)
	}
	return n > 0, nil
}

func (s *Store) Apply(ctx context.Context, claimLineID string, deltas []accumulator.Delta) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accumulator_applied WHERE claim_line_id = ? AND reversal = 0`,
		claimLineID,
	).Scan(&n); err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil // already applied, safe retry
	}

	// Check every version expectation before applying any delta.
	for _, d := range deltas {
		if d.Expect == nil {
			continue
		}
		u, err := getTx(ctx, tx, d.Key)
		if err != nil {
			return false, err
		}
		if u.Version != *d.Expect {
			return false, &accumulator.ConflictError{Key: d.Key, Expected: *d.Expect, Actual: u.Version}
		}
	}

	for _, d := range deltas {
		if err := bumpTx(ctx, tx, d.Key, d.Amount, d.Qty); err != nil {
			return false, err
		}
		if err := recordTx(ctx, tx, claimLineID, d.Key, d.Amount, d.Qty, false); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *Store) Void(ctx context.Context, claimLineID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT scope, scope_id, plan_id, benefit_code, period, layer, bucket, amount_delta, qty_delta, reversal
		FROM accumulator_applied WHERE claim_line_id = ? ORDER BY seq`,
		claimLineID,
	)
	if err != nil {
		return false, err
	}
	var recorded []accumulator.AppliedDelta
	alreadyVoided := false
	for rows.Next() {
		var (
			ad       accumulator.AppliedDelta
			amount   string
			reversal int
		)
		if err := rows.Scan(&ad.Key.Scope, &ad.Key.ScopeID, &ad.Key.Plan, &ad.Key.Code,
			&ad.Key.Period, &ad.Key.Layer, &ad.Key.Bucket, &amount, &ad.Qty, &reversal); err != nil {
			rows.Close()
			return false, err
		}
		if reversal == 1 {
			alreadyVoided = true
			continue
		}
		ad.ClaimLineID = claimLineID
		if ad.Amount, err = decimal.NewFromString(amount); err != nil {
			rows.Close()
			return false, err
		}
		recorded = append(recorded, ad)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	if len(recorded) == 0 && !alreadyVoided {
		return false, accumulator.ErrNotApplied
	}
	if alreadyVoided {
		return false, nil
	}

	for _, ad := range recorded {
		if err := bumpTx(ctx, tx, ad.Key, ad.Amount.Neg(), -ad.Qty); err != nil {
			return false, err
		}
		if err := recordTx(ctx, tx, claimLineID, ad.Key, ad.Amount.Neg(), -ad.Qty, true); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func (s *Store) DeltaHistory(ctx context.Context, key accumulator.Key) ([]accumulator.AppliedDelta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT claim_line_id, amount_delta, qty_delta
		FROM accumulator_applied
		WHERE scope=? AND scope_id=? AND plan_id=? AND benefit_code=? AND period=? AND layer=? AND bucket=?
		ORDER BY seq`,
		key.Scope, key.ScopeID, key.Plan, key.Code, key.Period, key.Layer, key.Bucket,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []accumulator.AppliedDelta
	for rows.Next() {
		ad := accumulator.AppliedDelta{Key: key}
		var amount string
		if err := rows.Scan(&ad.ClaimLineID, &amount, &ad.Qty); err != nil {
			return nil, err
		}
		if ad.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		out = append(out, ad)
	}
	return out, rows.Err()
}

func getTx(ctx context.Context, tx *sql.Tx, key accumulator.Key) (accumulator.Usage, error) {
	var (
		amount  string
		qty     int64
		version int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT amount_used, qty_used, version FROM accumulator
		WHERE scope=? AND scope_id=? AND plan_id=? AND benefit_code=? AND period=? AND layer=? AND bucket=?`,
		key.Scope, key.ScopeID, key.Plan, key.Code, key.Period, key.Layer, key.Bucket,
	).Scan(&amount, &qty, &version)
	if err == sql.ErrNoRows {
		return accumulator.Usage{Amount: decimal.Zero}, nil
	}
	if err != nil {
		return accumulator.Usage{}, err
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return accumulator.Usage{}, err
	}
	return accumulator.Usage{Amount: amt, Qty: qty, Version: version}, nil
}

func bumpTx(ctx context.Context, tx *sql.Tx, key accumulator.Key, amount decimal.Decimal, qty int64) error {
	u, err := getTx(ctx, tx, key)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO accumulator (scope, scope_id, plan_id, benefit_code, period, layer, bucket, amount_used, qty_used, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, scope_id, plan_id, benefit_code, period, layer, bucket)
		DO UPDATE SET amount_used = excluded.amount_used, qty_used = excluded.qty_used, version = excluded.version`,
		key.Scope, key.ScopeID, key.Plan, key.Code, key.Period, key.Layer, key.Bucket,
		u.Amount.Add(amount).String(), u.Qty+qty, u.Version+1,
	)
	return err
}

func recordTx(ctx context.Context, tx *sql.Tx, claimLineID string, key accumulator.Key, amount decimal.Decimal, qty int64, reversal bool) error {
	rev := 0
	if reversal {
		rev = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO accumulator_applied
		(claim_line_id, scope, scope_id, plan_id, benefit_code, period, layer, bucket, amount_delta, qty_delta, reversal, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		claimLineID, key.Scope, key.ScopeID, key.Plan, key.Code, key.Period, key.Layer, key.Bucket,
		amount.String(), qty, rev, now(),
	)
	return err
}

// =============================================================================
// FUND LEDGER (fund.Ledger interface)
// =============================================================================

// SetBalances seeds (or replaces) a policy funding row.
func (s *Store) SetBalances(ctx context.Context, policy benefit.PolicyID, aso, buffer, nonBenefit decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_funding (policy_id, aso_balance, buffer_balance, non_benefit_balance, version)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT (policy_id)
		DO UPDATE SET aso_balance = excluded.aso_balance,
		              buffer_balance = excluded.buffer_balance,
		              non_benefit_balance = excluded.non_benefit_balance,
		              version = policy_funding.version + 1`,
		policy, aso.String(), buffer.String(), nonBenefit.String(),
	)
	return err
}

func (s *Store) Balances(ctx context.Context, policy benefit.PolicyID) (fund.Balances, error) {
	return balancesQuery(ctx, s.db, policy)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func balancesQuery(ctx context.Context, q querier, policy benefit.PolicyID) (fund.Balances, error) {
	var (
		b                fund.Balances
		aso, buf, nonBen string
	)
	err := q.QueryRowContext(ctx, `
		SELECT policy_id, aso_balance, buffer_balance, non_benefit_balance, version
		FROM policy_funding WHERE policy_id = ?`,
		policy,
	).Scan(&b.PolicyID, &aso, &buf, &nonBen, &b.Version)
	if err == sql.ErrNoRows {
		return fund.Balances{}, fund.ErrUnknownPolicy
	}
	if err != nil {
		return fund.Balances{}, fmt.Errorf("query policy_funding: %w", err)
	}
	if b.ASO, err = decimal.NewFromString(aso); err != nil {
		return fund.Balances{}, err
	}
	if b.Buffer, err = decimal.NewFromString(buf); err != nil {
		return fund.Balances{}, err
	}
	if b.NonBenefit, err = decimal.NewFromString(nonBen); err != nil {
		return fund.Balances{}, err
	}
	return b, nil
}

func (s *Store) Reserve(ctx context.Context, policy benefit.PolicyID, claimLineID string, amount decimal.Decimal, allowed []fund.Fund) (*fund.Reservation, error) {
	if !amount.IsPositive() {
		return nil, fund.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	b, err := balancesQuery(ctx, tx, policy)
	if err != nil {
		return nil, err
	}

	res := &fund.Reservation{
		ID:          uuid.NewString(),
		PolicyID:    policy,
		ClaimLineID: claimLineID,
		Granted:     decimal.Zero,
	}
	remaining := amount
	shortfallSeen := false
	for _, f := range allowed {
		if remaining.IsZero() {
			break
		}
		grant := decimal.Min(b.Of(f), remaining)
		if grant.LessThan(remaining) && !shortfallSeen {
			res.ShortfallFund = f
			shortfallSeen = true
		}
		if grant.IsPositive() {
			b = applyBalance(b, f, grant.Neg())
			res.Draws = append(res.Draws, fund.Draw{Fund: f, Amount: grant})
			res.Granted = res.Granted.Add(grant)
			remaining = remaining.Sub(grant)
		}
	}
	res.Shortfall = remaining
	if res.Shortfall.IsZero() {
		res.ShortfallFund = ""
	}

	if err := writeBalances(ctx, tx, b); err != nil {
		return nil, err
	}
	drawsJSON, err := json.Marshal(res.Draws)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO fund_reservation (id, policy_id, claim_line_id, draws_json, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		res.ID, policy, claimLineID, string(drawsJSON), now(),
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func (s *Store) Commit(ctx context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	policy, claimLineID, draws, err := takeReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	for _, d := range draws {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO fund_draw (claim_line_id, policy_id, fund, amount, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			claimLineID, policy, d.Fund, d.Amount.String(), now(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Release(ctx context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	policy, _, draws, err := takeReservation(ctx, tx, reservationID)
	if err != nil {
		return err
	}
	b, err := balancesQuery(ctx, tx, policy)
	if err != nil {
		return err
	}
	for _, d := range draws {
		b = applyBalance(b, d.Fund, d.Amount)
	}
	if err := writeBalances(ctx, tx, b); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Deposit(ctx context.Context, policy benefit.PolicyID, f fund.Fund, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fund.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	b, err := balancesQuery(ctx, tx, policy)
	if err == fund.ErrUnknownPolicy {
		b = fund.Balances{PolicyID: policy, ASO: decimal.Zero, Buffer: decimal.Zero, NonBenefit: decimal.Zero}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO policy_funding (policy_id, aso_balance, buffer_balance, non_benefit_balance, version)
			VALUES (?, '0', '0', '0', 0)`,
			policy,
		); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	b = applyBalance(b, f, amount)
	if err := writeBalances(ctx, tx, b); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Refund(ctx context.Context, claimLineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT seq, policy_id, fund, amount FROM fund_draw
		WHERE claim_line_id = ? AND refunded = 0 ORDER BY seq`,
		claimLineID,
	)
	if err != nil {
		return err
	}
	type draw struct {
		seq    int64
		policy benefit.PolicyID
		f      fund.Fund
		amount decimal.Decimal
	}
	var draws []draw
	for rows.Next() {
		var (
			d      draw
			amount string
		)
		if err := rows.Scan(&d.seq, &d.policy, &d.f, &amount); err != nil {
			rows.Close()
			return err
		}
		if d.amount, err = decimal.NewFromString(amount); err != nil {
			rows.Close()
			return err
		}
		draws = append(draws, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, d := range draws {
		b, err := balancesQuery(ctx, tx, d.policy)
		if err != nil {
			return err
		}
		b = applyBalance(b, d.f, d.amount)
		if err := writeBalances(ctx, tx, b); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE fund_draw SET refunded = 1 WHERE seq = ?`, d.seq,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func takeReservation(ctx context.Context, tx *sql.Tx, id string) (benefit.PolicyID, string, []fund.Draw, error) {
	var (
		policy      benefit.PolicyID
		claimLineID string
		drawsJSON   string
	)
	err := tx.QueryRowContext(ctx,
		`SELECT policy_id, claim_line_id, draws_json FROM fund_reservation WHERE id = ?`, id,
	).Scan(&policy, &claimLineID, &drawsJSON)
	if err == sql.ErrNoRows {
		return "", "", nil, fund.ErrUnknownReservation
	}
	if err != nil {
		return "", "", nil, err
	}
	var draws []fund.Draw
	if err := json.Unmarshal([]byte(drawsJSON), &draws); err != nil {
		return "", "", nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fund_reservation WHERE id = ?`, id); err != nil {
		return "", "", nil, err
	}
	return policy, claimLineID, draws, nil
}

func applyBalance(b fund.Balances, f fund.Fund, delta decimal.Decimal) fund.Balances {
	switch f {
	case fund.ASO:
		b.ASO = b.ASO.Add(delta)
	case fund.Buffer:
		b.Buffer = b.Buffer.Add(delta)
	case fund.NonBenefit:
		b.NonBenefit = b.NonBenefit.Add(delta)
	}
	b.Version++
	return b
}

func writeBalances(ctx context.Context, tx *sql.Tx, b fund.Balances) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE policy_funding
		SET aso_balance = ?, buffer_balance = ?, non_benefit_balance = ?, version = ?
		WHERE policy_id = ?`,
		b.ASO.String(), b.Buffer.String(), b.NonBenefit.String(), b.Version, b.PolicyID,
	)
	return err
}

// =============================================================================
// RESULT STORE (engine.ResultStore interface)
// =============================================================================

func (s *Store) Save(ctx context.Context, r engine.AdjudicationResult) error {
	reasonsJSON, err := json.Marshal(r.ReasonCodes)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO claim_line_calc
		(id, claim_line_id, prior_result_id, member_id, benefit_code, incident_id, status, reason_codes_json,
		 scheduled_allowed, deductible_applied, coins_member, il_portion, ac_portion,
		 aso_draw, buffer_draw, non_benefit_draw, payer_liability, member_liability, fund_source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ClaimLineID, r.PriorResultID, r.MemberID, r.BenefitCode, r.IncidentID,
		r.Status, string(reasonsJSON),
		r.ScheduledAllowed.String(), r.DeductibleApplied.String(), r.CoinsMember.String(),
		r.ILPortion.String(), r.ACPortion.String(),
		r.ASODraw.String(), r.BufferDraw.String(), r.NonBenefitDraw.String(),
		r.PayerLiability.String(), r.MemberLiability.String(), r.FundSource,
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert claim_line_calc: %w", err)
	}
	return nil
}

func (s *Store) Latest(ctx context.Context, claimLineID string) (*engine.AdjudicationResult, error) {
	results, err := s.queryResults(ctx, `
		SELECT `+resultColumns+` FROM claim_line_calc
		WHERE claim_line_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		claimLineID,
	)
	if err != nil || len(results) == 0 {
		return nil, err
	}
	return &results[0], nil
}

func (s *Store) History(ctx context.Context, claimLineID string) ([]engine.AdjudicationResult, error) {
	return s.queryResults(ctx, `
		SELECT `+resultColumns+` FROM claim_line_calc
		WHERE claim_line_id = ? ORDER BY created_at ASC, rowid ASC`,
		claimLineID,
	)
}

func (s *Store) IncidentSeen(ctx context.Context, member benefit.MemberID, code benefit.BenefitCode, incidentID, excludeClaimLineID string) (bool, error) {
	if incidentID == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM claim_line_calc
		WHERE member_id = ? AND benefit_code = ? AND incident_id = ?
		  AND claim_line_id != ? AND status IN (?, ?)`,
		member, code, incidentID, excludeClaimLineID,
		engine.StatusApproved, engine.StatusPartiallyApproved,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const resultColumns = `id, claim_line_id, prior_result_id, member_id, benefit_code, incident_id, status, reason_codes_json,
	scheduled_allowed, deductible_applied, coins_member, il_portion, ac_portion,
	aso_draw, buffer_draw, non_benefit_draw, payer_liability, member_liability, fund_source, created_at`

func (s *Store) queryResults(ctx context.Context, query string, args ...any) ([]engine.AdjudicationResult, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query claim_line_calc: %w", err)
	}
	defer rows.Close()

	var out []engine.AdjudicationResult
	for rows.Next() {
		var (
			r         engine.AdjudicationResult
			reasons   string
			createdAt string
			money     [10]string
		)
		if err := rows.Scan(&r.ID, &r.ClaimLineID, &r.PriorResultID, &r.MemberID, &r.BenefitCode,
			&r.IncidentID, &r.Status, &reasons,
			&money[0], &money[1], &money[2], &money[3], &money[4],
			&money[5], &money[6], &money[7], &money[8], &money[9],
			&r.FundSource, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(reasons), &r.ReasonCodes); err != nil {
			return nil, err
		}
		fields := []*decimal.Decimal{
			&r.ScheduledAllowed, &r.DeductibleApplied, &r.CoinsMember, &r.ILPortion, &r.ACPortion,
			&r.ASODraw, &r.BufferDraw, &r.NonBenefitDraw, &r.PayerLiability, &r.MemberLiability,
		}
		for i, f := range fields {
			v, err := decimal.NewFromString(money[i])
			if err != nil {
				return nil, fmt.Errorf("parse result money: %w", err)
			}
			*f = v
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
