// Package pgstore is the Postgres persistence backend. Request documents
// (plans, target, windows, constraints) are stored as jsonb alongside the
// columns the sweeps and the contention estimator query on; allocation
// rows are locked with SELECT ... FOR UPDATE inside Atomic so concurrent
// ledger mutations serialize per bucket.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/signalsfoundry/observation-portal/internal/store"
	"github.com/signalsfoundry/observation-portal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS request_groups (
	id               BIGSERIAL PRIMARY KEY,
	proposal_id      TEXT NOT NULL,
	submitter        TEXT NOT NULL,
	group_name       TEXT NOT NULL,
	operator         TEXT NOT NULL,
	ipp_value        DOUBLE PRECISION NOT NULL,
	observation_type TEXT NOT NULL,
	state            TEXT NOT NULL,
	created          TIMESTAMPTZ NOT NULL,
	modified         TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS requests (
	id                   BIGSERIAL PRIMARY KEY,
	group_id             BIGINT NOT NULL REFERENCES request_groups(id),
	state                TEXT NOT NULL,
	observation_type     TEXT NOT NULL,
	fail_count           INTEGER NOT NULL DEFAULT 0,
	scheduled_count      INTEGER NOT NULL DEFAULT 0,
	completion_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
	completed            TIMESTAMPTZ,
	duration             BIGINT NOT NULL,
	instrument_name      TEXT NOT NULL,
	target_type          TEXT NOT NULL,
	min_window           TIMESTAMPTZ NOT NULL,
	max_window           TIMESTAMPTZ NOT NULL,
	document             JSONB NOT NULL,
	created              TIMESTAMPTZ NOT NULL,
	modified             TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS requests_state_idx ON requests(state);
CREATE INDEX IF NOT EXISTS requests_windows_idx ON requests(min_window, max_window);

CREATE TABLE IF NOT EXISTS semesters (
	id         TEXT PRIMARY KEY,
	start_time TIMESTAMPTZ NOT NULL,
	end_time   TIMESTAMPTZ NOT NULL,
	public     BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS time_allocations (
	proposal_id        TEXT NOT NULL,
	semester_id        TEXT NOT NULL,
	telescope_class    TEXT NOT NULL,
	std_allocation     DOUBLE PRECISION NOT NULL,
	std_time_used      DOUBLE PRECISION NOT NULL,
	too_allocation     DOUBLE PRECISION NOT NULL,
	too_time_used      DOUBLE PRECISION NOT NULL,
	ipp_limit          DOUBLE PRECISION NOT NULL,
	ipp_time_available DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (proposal_id, semester_id, telescope_class)
);
`

// document is the jsonb payload of one request row.
type document struct {
	Plans       []model.ExposurePlan `json:"exposure_plans"`
	Target      model.Target         `json:"target"`
	Constraints model.Constraints    `json:"constraints"`
	Location    model.Location       `json:"location"`
	Windows     []model.Window       `json:"windows"`
	Cadence     *model.Cadence       `json:"cadence,omitempty"`
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store wraps a Postgres connection pool.
type Store struct {
	db *sql.DB
	ops
}

// Open connects to Postgres and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db, ops: ops{q: db}}, nil
}

// Close releases the pool.
func (s *Store) Close() error { return s.db.Close() }

// Atomic runs fn in one transaction; allocation reads inside it take row
// locks.
func (s *Store) Atomic(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&ops{q: tx, locking: true}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// ops implements store.Tx over either the pool or an open transaction.
type ops struct {
	q       querier
	locking bool
}

func (o *ops) CreateRequestGroup(ctx context.Context, g *model.RequestGroup) error {
	now := time.Now().UTC()
	g.Created, g.Modified = now, now
	err := o.q.QueryRowContext(ctx,
		`INSERT INTO request_groups
		 (proposal_id, submitter, group_name, operator, ipp_value, observation_type, state, created, modified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		g.ProposalID, g.Submitter, g.GroupName, string(g.Operator), g.IPPValue,
		string(g.ObservationType), string(g.State), g.Created, g.Modified,
	).Scan(&g.ID)
	if err != nil {
		return fmt.Errorf("inserting request group: %w", err)
	}

	for i := range g.Requests {
		r := &g.Requests[i]
		r.GroupID = g.ID
		r.Created, r.Modified = now, now
		doc, err := json.Marshal(document{
			Plans: r.Plans, Target: r.Target, Constraints: r.Constraints,
			Location: r.Location, Windows: r.Windows, Cadence: r.Cadence,
		})
		if err != nil {
			return fmt.Errorf("encoding request document: %w", err)
		}
		err = o.q.QueryRowContext(ctx,
			`INSERT INTO requests
			 (group_id, state, observation_type, fail_count, scheduled_count,
			  completion_threshold, completed, duration, instrument_name,
			  target_type, min_window, max_window, document, created, modified)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			 RETURNING id`,
			g.ID, string(r.State), string(r.ObservationType), r.FailCount, r.ScheduledCount,
			r.CompletionThreshold, r.Completed, r.Duration, r.InstrumentName(),
			string(r.Target.Type), r.MinWindowTime(), r.MaxWindowTime(), doc, r.Created, r.Modified,
		).Scan(&r.ID)
		if err != nil {
			return fmt.Errorf("inserting request: %w", err)
		}
	}
	return nil
}

const requestColumns = `id, group_id, state, observation_type, fail_count, scheduled_count,
	completion_threshold, completed, duration, document, created, modified`

func scanRequest(scan func(...any) error) (*model.Request, error) {
	var r model.Request
	var doc []byte
	var completed sql.NullTime
	var state, obsType string
	if err := scan(&r.ID, &r.GroupID, &state, &obsType, &r.FailCount, &r.ScheduledCount,
		&r.CompletionThreshold, &completed, &r.Duration, &doc, &r.Created, &r.Modified); err != nil {
		return nil, err
	}
	r.State = model.RequestState(state)
	r.ObservationType = model.ObservationType(obsType)
	if completed.Valid {
		t := completed.Time
		r.Completed = &t
	}
	var d document
	if err := json.Unmarshal(doc, &d); err != nil {
		return nil, fmt.Errorf("decoding request document: %w", err)
	}
	r.Plans, r.Target, r.Constraints = d.Plans, d.Target, d.Constraints
	r.Location, r.Windows, r.Cadence = d.Location, d.Windows, d.Cadence
	return &r, nil
}

func (o *ops) GetRequestGroup(ctx context.Context, id int64) (*model.RequestGroup, error) {
	var g model.RequestGroup
	var operator, obsType, state string
	err := o.q.QueryRowContext(ctx,
		`SELECT id, proposal_id, submitter, group_name, operator, ipp_value,
		        observation_type, state, created, modified
		 FROM request_groups WHERE id = $1`, id,
	).Scan(&g.ID, &g.ProposalID, &g.Submitter, &g.GroupName, &operator, &g.IPPValue,
		&obsType, &state, &g.Created, &g.Modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: request group %d", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting request group: %w", err)
	}
	g.Operator = model.Operator(operator)
	g.ObservationType = model.ObservationType(obsType)
	g.State = model.RequestState(state)

	rows, err := o.q.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE group_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("selecting group requests: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		r, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		g.Requests = append(g.Requests, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating group requests: %w", err)
	}
	return &g, nil
}

func (o *ops) GetRequest(ctx context.Context, id int64) (*model.Request, error) {
	r, err := scanRequest(o.q.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = $1`, id).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %d", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting request: %w", err)
	}
	return r, nil
}

func (o *ops) SaveRequest(ctx context.Context, r *model.Request) error {
	doc, err := json.Marshal(document{
		Plans: r.Plans, Target: r.Target, Constraints: r.Constraints,
		Location: r.Location, Windows: r.Windows, Cadence: r.Cadence,
	})
	if err != nil {
		return fmt.Errorf("encoding request document: %w", err)
	}
	res, err := o.q.ExecContext(ctx,
		`UPDATE requests SET state = $2, fail_count = $3, scheduled_count = $4,
		 completed = $5, duration = $6, document = $7,
		 min_window = $8, max_window = $9, modified = NOW()
		 WHERE id = $1`,
		r.ID, string(r.State), r.FailCount, r.ScheduledCount, r.Completed,
		r.Duration, doc, r.MinWindowTime(), r.MaxWindowTime())
	if err != nil {
		return fmt.Errorf("updating request: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: request %d", store.ErrNotFound, r.ID)
	}
	return nil
}

func (o *ops) SaveGroupState(ctx context.Context, id int64, state model.RequestState) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE request_groups SET state = $2, modified = NOW() WHERE id = $1`,
		id, string(state))
	if err != nil {
		return fmt.Errorf("updating group state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: request group %d", store.ErrNotFound, id)
	}
	return nil
}

func (o *ops) RequestsInStates(ctx context.Context, states ...model.RequestState) ([]model.Request, error) {
	if len(states) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(states))
	args := make([]any, len(states))
	for i, st := range states {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = string(st)
	}
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE state IN (`+strings.Join(placeholders, ", ")+`) ORDER BY id`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("selecting requests by state: %w", err)
	}
	defer rows.Close()

	var out []model.Request
	for rows.Next() {
		r, err := scanRequest(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (o *ops) PendingContention(ctx context.Context, instrumentType string, from, to time.Time) ([]store.ContentionRow, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT `+requestColumns+`, g.proposal_id
		 FROM requests r JOIN request_groups g ON g.id = r.group_id
		 WHERE r.state = $1 AND r.target_type = $2 AND r.instrument_name = $3
		   AND r.min_window < $4 AND r.max_window > $5`,
		string(model.StatePending), string(model.TargetSidereal), instrumentType, to, from)
	if err != nil {
		return nil, fmt.Errorf("selecting contention rows: %w", err)
	}
	defer rows.Close()

	var out []store.ContentionRow
	for rows.Next() {
		var row store.ContentionRow
		var doc []byte
		var completed sql.NullTime
		var state, obsType string
		r := &row.Request
		if err := rows.Scan(&r.ID, &r.GroupID, &state, &obsType, &r.FailCount, &r.ScheduledCount,
			&r.CompletionThreshold, &completed, &r.Duration, &doc, &r.Created, &r.Modified,
			&row.ProposalID); err != nil {
			return nil, fmt.Errorf("scanning contention row: %w", err)
		}
		r.State = model.RequestState(state)
		r.ObservationType = model.ObservationType(obsType)
		var d document
		if err := json.Unmarshal(doc, &d); err != nil {
			return nil, fmt.Errorf("decoding request document: %w", err)
		}
		r.Plans, r.Target, r.Constraints = d.Plans, d.Target, d.Constraints
		r.Location, r.Windows, r.Cadence = d.Location, d.Windows, d.Cadence
		out = append(out, row)
	}
	return out, rows.Err()
}

func (o *ops) SemesterFor(ctx context.Context, start, end time.Time) (*model.Semester, error) {
	var sem model.Semester
	err := o.q.QueryRowContext(ctx,
		`SELECT id, start_time, end_time, public FROM semesters
		 WHERE start_time <= $1 AND end_time >= $2
		 ORDER BY start_time LIMIT 1`, start, end,
	).Scan(&sem.ID, &sem.Start, &sem.End, &sem.Public)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s to %s", store.ErrNoSemester,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	if err != nil {
		return nil, fmt.Errorf("selecting semester: %w", err)
	}
	return &sem, nil
}

func (o *ops) AllocationFor(ctx context.Context, proposalID string, key model.TimeAllocationKey) (*model.TimeAllocation, error) {
	query := `SELECT proposal_id, semester_id, telescope_class, std_allocation, std_time_used,
	          too_allocation, too_time_used, ipp_limit, ipp_time_available
	          FROM time_allocations
	          WHERE proposal_id = $1 AND semester_id = $2 AND telescope_class = $3`
	if o.locking {
		query += " FOR UPDATE"
	}
	var a model.TimeAllocation
	err := o.q.QueryRowContext(ctx, query, proposalID, key.SemesterID, key.TelescopeClass).Scan(
		&a.ProposalID, &a.Key.SemesterID, &a.Key.TelescopeClass,
		&a.StdAllocation, &a.StdTimeUsed, &a.TooAllocation, &a.TooTimeUsed,
		&a.IPPLimit, &a.IPPTimeAvailable)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: proposal %s bucket %s", store.ErrNoAllocation, proposalID, key)
	}
	if err != nil {
		return nil, fmt.Errorf("locking allocation: %w", err)
	}
	return &a, nil
}

func (o *ops) AllocationsFor(ctx context.Context, proposalID string) ([]model.TimeAllocation, error) {
	rows, err := o.q.QueryContext(ctx,
		`SELECT proposal_id, semester_id, telescope_class, std_allocation, std_time_used,
		 too_allocation, too_time_used, ipp_limit, ipp_time_available
		 FROM time_allocations WHERE proposal_id = $1`, proposalID)
	if err != nil {
		return nil, fmt.Errorf("selecting allocations: %w", err)
	}
	defer rows.Close()

	var out []model.TimeAllocation
	for rows.Next() {
		var a model.TimeAllocation
		if err := rows.Scan(&a.ProposalID, &a.Key.SemesterID, &a.Key.TelescopeClass,
			&a.StdAllocation, &a.StdTimeUsed, &a.TooAllocation, &a.TooTimeUsed,
			&a.IPPLimit, &a.IPPTimeAvailable); err != nil {
			return nil, fmt.Errorf("scanning allocation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (o *ops) SaveAllocation(ctx context.Context, a *model.TimeAllocation) error {
	res, err := o.q.ExecContext(ctx,
		`UPDATE time_allocations
		 SET std_allocation = $4, std_time_used = $5, too_allocation = $6,
		     too_time_used = $7, ipp_limit = $8, ipp_time_available = $9
		 WHERE proposal_id = $1 AND semester_id = $2 AND telescope_class = $3`,
		a.ProposalID, a.Key.SemesterID, a.Key.TelescopeClass,
		a.StdAllocation, a.StdTimeUsed, a.TooAllocation, a.TooTimeUsed,
		a.IPPLimit, a.IPPTimeAvailable)
	if err != nil {
		return fmt.Errorf("updating allocation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: proposal %s bucket %s", store.ErrNoAllocation, a.ProposalID, a.Key)
	}
	return nil
}
