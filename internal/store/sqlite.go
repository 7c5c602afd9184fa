package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
)

// SQLite implements Store on a single SQLite database in WAL mode.
// Use ":memory:" for tests, a file path for persistent storage.
type SQLite struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ Store = (*SQLite)(nil)

func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, pferrors.StoreError("open database", err)
	}
	// One connection: serializes writers and keeps :memory: databases from
	// splitting across pool connections.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, pferrors.StoreError("initialize schema", err)
	}
	return s, nil
}

func (s *SQLite) initialize() error {
	pragmas := `
	PRAGMA journal_mode=WAL;
	PRAGMA busy_timeout=5000;
	PRAGMA foreign_keys=ON;
	`
	if _, err := s.db.Exec(pragmas); err != nil {
		return err
	}
	schema := `
	CREATE TABLE IF NOT EXISTS sites (
		id TEXT PRIMARY KEY,
		origin TEXT NOT NULL,
		overrides TEXT,
		edge_url TEXT,
		state TEXT NOT NULL DEFAULT 'active',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS builds (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		triggered_by TEXT NOT NULL,
		status TEXT NOT NULL,
		scope TEXT,
		pages_done INTEGER NOT NULL DEFAULT 0,
		pages_total INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		effective TEXT,
		edge_url TEXT,
		created_at INTEGER NOT NULL,
		finished_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_builds_site ON builds(site_id, created_at);
	CREATE TABLE IF NOT EXISTS agent_runs (
		id TEXT PRIMARY KEY,
		site_id TEXT NOT NULL,
		status TEXT NOT NULL,
		phase TEXT,
		iteration INTEGER NOT NULL DEFAULT 0,
		work_dir TEXT,
		checkpoint BLOB,
		log_tail TEXT,
		last_error TEXT,
		last_successful_phase TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_site ON agent_runs(site_id, status);
	CREATE TABLE IF NOT EXISTS iteration_results (
		run_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		build_id TEXT,
		edge_url TEXT,
		payload BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, iteration)
	);
	CREATE TABLE IF NOT EXISTS build_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload BLOB,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_build_events_build ON build_events(build_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func notFound(kind, id string) *pferrors.PageForgeError {
	return pferrors.New(pferrors.CategoryNotFound, pferrors.SeverityError, kind+" not found").
		WithContext("id", id)
}

func encodeTree(m map[string]any) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeTree(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

// Sites

func (s *SQLite) UpsertSite(ctx context.Context, site *Site) error {
	if site == nil || site.Origin == "" {
		return pferrors.ValidationError("site requires an origin")
	}
	if site.ID == "" {
		site.ID = uuid.NewString()
	}
	now := time.Now()
	if site.CreatedAt.IsZero() {
		site.CreatedAt = now
	}
	site.UpdatedAt = now
	if site.State == "" {
		site.State = "active"
	}

	overrides, err := encodeTree(site.Overrides)
	if err != nil {
		return pferrors.StoreError("encode site overrides", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sites (id, origin, overrides, edge_url, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			origin = excluded.origin,
			overrides = excluded.overrides,
			edge_url = excluded.edge_url,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		site.ID, site.Origin, overrides, nullString(site.EdgeURL), site.State,
		millis(site.CreatedAt), millis(site.UpdatedAt))
	if err != nil {
		return pferrors.StoreError("upsert site", err)
	}
	return nil
}

func (s *SQLite) GetSite(ctx context.Context, id string) (*Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		`SELECT id, origin, overrides, edge_url, state, created_at, updated_at
		 FROM sites WHERE id = ?`, id)
	site, err := scanSite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("site", id)
	}
	if err != nil {
		return nil, pferrors.StoreError("get site", err)
	}
	return site, nil
}

func (s *SQLite) ListSites(ctx context.Context) ([]*Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, origin, overrides, edge_url, state, created_at, updated_at
		 FROM sites ORDER BY created_at, rowid`)
	if err != nil {
		return nil, pferrors.StoreError("list sites", err)
	}
	defer rows.Close()

	var sites []*Site
	for rows.Next() {
		site, scanErr := scanSite(rows)
		if scanErr != nil {
			return nil, pferrors.StoreError("scan site", scanErr)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, pferrors.StoreError("iterate sites", err)
	}
	return sites, nil
}

func scanSite(sc scanner) (*Site, error) {
	var (
		site               Site
		overrides, edgeURL sql.NullString
		created, updated   int64
	)
	if err := sc.Scan(&site.ID, &site.Origin, &overrides, &edgeURL, &site.State, &created, &updated); err != nil {
		return nil, err
	}
	tree, err := decodeTree(overrides)
	if err != nil {
		return nil, err
	}
	site.Overrides = tree
	site.EdgeURL = edgeURL.String
	site.CreatedAt = fromMillis(created)
	site.UpdatedAt = fromMillis(updated)
	return &site, nil
}

// Builds

func (s *SQLite) SaveBuild(ctx context.Context, build *Build) error {
	if build == nil || build.ID == "" || build.SiteID == "" {
		return pferrors.ValidationError("build requires id and siteId")
	}
	if build.CreatedAt.IsZero() {
		build.CreatedAt = time.Now()
	}
	effective, err := encodeTree(build.Effective)
	if err != nil {
		return pferrors.StoreError("encode build settings", err)
	}
	var finished sql.NullInt64
	if build.FinishedAt != nil {
		finished = sql.NullInt64{Int64: millis(*build.FinishedAt), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO builds (id, site_id, triggered_by, status, scope, pages_done,
			pages_total, error, effective, edge_url, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			scope = excluded.scope,
			pages_done = excluded.pages_done,
			pages_total = excluded.pages_total,
			error = excluded.error,
			effective = excluded.effective,
			edge_url = excluded.edge_url,
			finished_at = excluded.finished_at`,
		build.ID, build.SiteID, build.Trigger, build.Status, nullString(build.Scope),
		build.PagesDone, build.PagesTotal, nullString(build.Error), effective,
		nullString(build.EdgeURL), millis(build.CreatedAt), finished)
	if err != nil {
		return pferrors.StoreError("save build", err)
	}
	return nil
}

func (s *SQLite) GetBuild(ctx context.Context, id string) (*Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, buildSelect+` WHERE id = ?`, id)
	build, err := scanBuild(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("build", id)
	}
	if err != nil {
		return nil, pferrors.StoreError("get build", err)
	}
	return build, nil
}

func (s *SQLite) ListBuilds(ctx context.Context, siteID string, limit int) ([]*Build, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := buildSelect + ` WHERE site_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []any{siteID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, pferrors.StoreError("list builds", err)
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		build, scanErr := scanBuild(rows)
		if scanErr != nil {
			return nil, pferrors.StoreError("scan build", scanErr)
		}
		builds = append(builds, build)
	}
	if err := rows.Err(); err != nil {
		return nil, pferrors.StoreError("iterate builds", err)
	}
	return builds, nil
}

const buildSelect = `SELECT id, site_id, triggered_by, status, scope, pages_done,
	pages_total, error, effective, edge_url, created_at, finished_at FROM builds`

func scanBuild(sc scanner) (*Build, error) {
	var (
		build                            Build
		scope, errMsg, effective, edgeURL sql.NullString
		created                          int64
		finished                         sql.NullInt64
	)
	if err := sc.Scan(&build.ID, &build.SiteID, &build.Trigger, &build.Status,
		&scope, &build.PagesDone, &build.PagesTotal, &errMsg, &effective,
		&edgeURL, &created, &finished); err != nil {
		return nil, err
	}
	tree, err := decodeTree(effective)
	if err != nil {
		return nil, err
	}
	build.Scope = scope.String
	build.Error = errMsg.String
	build.Effective = tree
	build.EdgeURL = edgeURL.String
	build.CreatedAt = fromMillis(created)
	if finished.Valid {
		t := fromMillis(finished.Int64)
		build.FinishedAt = &t
	}
	return &build, nil
}

// Agent runs

func (s *SQLite) SaveRun(ctx context.Context, run *AgentRun) error {
	if run == nil || run.ID == "" || run.SiteID == "" {
		return pferrors.ValidationError("agent run requires id and siteId")
	}
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	var logTail sql.NullString
	if len(run.LogTail) > 0 {
		b, err := json.Marshal(run.LogTail)
		if err != nil {
			return pferrors.StoreError("encode run log tail", err)
		}
		logTail = sql.NullString{String: string(b), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_runs (id, site_id, status, phase, iteration, work_dir,
			checkpoint, log_tail, last_error, last_successful_phase, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			phase = excluded.phase,
			iteration = excluded.iteration,
			work_dir = excluded.work_dir,
			checkpoint = excluded.checkpoint,
			log_tail = excluded.log_tail,
			last_error = excluded.last_error,
			last_successful_phase = excluded.last_successful_phase,
			updated_at = excluded.updated_at`,
		run.ID, run.SiteID, run.Status, nullString(run.Phase), run.Iteration,
		nullString(run.WorkDir), run.Checkpoint, logTail, nullString(run.LastError),
		nullString(run.LastSuccessfulPhase), millis(run.CreatedAt), millis(run.UpdatedAt))
	if err != nil {
		return pferrors.StoreError("save run", err)
	}
	return nil
}

func (s *SQLite) GetRun(ctx context.Context, id string) (*AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("agent run", id)
	}
	if err != nil {
		return nil, pferrors.StoreError("get run", err)
	}
	return run, nil
}

func (s *SQLite) ActiveRun(ctx context.Context, siteID string) (*AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row := s.db.QueryRowContext(ctx,
		runSelect+` WHERE site_id = ? AND status = 'running' ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		siteID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pferrors.StoreError("query active run", err)
	}
	return run, nil
}

func (s *SQLite) ListRuns(ctx context.Context, siteID string, limit int) ([]*AgentRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := runSelect + ` WHERE site_id = ? ORDER BY created_at DESC, rowid DESC`
	args := []any{siteID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, pferrors.StoreError("list runs", err)
	}
	defer rows.Close()

	var runs []*AgentRun
	for rows.Next() {
		run, scanErr := scanRun(rows)
		if scanErr != nil {
			return nil, pferrors.StoreError("scan run", scanErr)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, pferrors.StoreError("iterate runs", err)
	}
	return runs, nil
}

const runSelect = `SELECT id, site_id, status, phase, iteration, work_dir,
	checkpoint, log_tail, last_error, last_successful_phase, created_at, updated_at
	FROM agent_runs`

func scanRun(sc scanner) (*AgentRun, error) {
	var (
		run                                    AgentRun
		phase, workDir, logTail, lastErr, lastPhase sql.NullString
		created, updated                       int64
	)
	if err := sc.Scan(&run.ID, &run.SiteID, &run.Status, &phase, &run.Iteration,
		&workDir, &run.Checkpoint, &logTail, &lastErr, &lastPhase,
		&created, &updated); err != nil {
		return nil, err
	}
	run.Phase = phase.String
	run.WorkDir = workDir.String
	run.LastError = lastErr.String
	run.LastSuccessfulPhase = lastPhase.String
	if logTail.Valid && logTail.String != "" {
		if err := json.Unmarshal([]byte(logTail.String), &run.LogTail); err != nil {
			return nil, err
		}
	}
	run.CreatedAt = fromMillis(created)
	run.UpdatedAt = fromMillis(updated)
	return &run, nil
}

// Iteration results

func (s *SQLite) AppendIteration(ctx context.Context, res *IterationResult) error {
	if res == nil || res.RunID == "" {
		return pferrors.ValidationError("iteration result requires runId")
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO iteration_results (run_id, iteration, build_id, edge_url, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		res.RunID, res.Iteration, nullString(res.BuildID), nullString(res.EdgeURL),
		res.Payload, millis(res.CreatedAt))
	if err != nil {
		return pferrors.StoreError("append iteration", err)
	}
	return nil
}

func (s *SQLite) ListIterations(ctx context.Context, runID string) ([]*IterationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, iteration, build_id, edge_url, payload, created_at
		FROM iteration_results WHERE run_id = ? ORDER BY iteration`, runID)
	if err != nil {
		return nil, pferrors.StoreError("list iterations", err)
	}
	defer rows.Close()

	var results []*IterationResult
	for rows.Next() {
		var (
			res              IterationResult
			buildID, edgeURL sql.NullString
			created          int64
		)
		if err := rows.Scan(&res.RunID, &res.Iteration, &buildID, &edgeURL,
			&res.Payload, &created); err != nil {
			return nil, pferrors.StoreError("scan iteration", err)
		}
		res.BuildID = buildID.String
		res.EdgeURL = edgeURL.String
		res.CreatedAt = fromMillis(created)
		results = append(results, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, pferrors.StoreError("iterate iterations", err)
	}
	return results, nil
}

// Build events

func (s *SQLite) AppendBuildEvent(ctx context.Context, buildID, eventType string, payload []byte) error {
	if buildID == "" || eventType == "" {
		return pferrors.ValidationError("build event requires buildId and type")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO build_events (build_id, event_type, payload, created_at)
		VALUES (?, ?, ?, ?)`,
		buildID, eventType, payload, millis(time.Now()))
	if err != nil {
		return pferrors.StoreError("append build event", err)
	}
	return nil
}

func (s *SQLite) BuildEvents(ctx context.Context, buildID string, limit int) ([]*BuildEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := `SELECT id, build_id, event_type, payload, created_at FROM build_events
		WHERE build_id = ? ORDER BY id DESC`
	args := []any{buildID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, pferrors.StoreError("list build events", err)
	}
	defer rows.Close()

	var events []*BuildEvent
	for rows.Next() {
		var (
			evt     BuildEvent
			created int64
		)
		if err := rows.Scan(&evt.ID, &evt.BuildID, &evt.Type, &evt.Payload, &created); err != nil {
			return nil, pferrors.StoreError("scan build event", err)
		}
		evt.At = fromMillis(created)
		events = append(events, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, pferrors.StoreError("iterate build events", err)
	}
	// Tail query runs newest-first; flip back to append order.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
