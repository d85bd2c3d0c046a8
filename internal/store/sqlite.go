package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/vrutest/internal/fault"
	"github.com/banshee-data/vrutest/internal/matching"
	"github.com/banshee-data/vrutest/internal/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// SQLite is the production Store.
type SQLite struct {
	*sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}
	s := &SQLite{DB: db, path: path}
	if err := s.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// MigrateUp runs all pending embedded migrations.
func (s *SQLite) MigrateUp() error {
	m, err := s.newMigrate()
	if err != nil {
		return err
	}
	// Not closing m: that would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the current schema version. Zero means no
// migrations have run.
func (s *SQLite) MigrateVersion() (uint, bool, error) {
	m, err := s.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (s *SQLite) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// CreateSession stores a definition, replacing any previous definition with
// the same id. Stored results are kept.
func (s *SQLite) CreateSession(ctx context.Context, def session.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	truth, err := assignIDs(nil, def.GroundTruth)
	if err != nil {
		return err
	}
	stamp(&def, time.Now().UTC())
	cfg, err := json.Marshal(def.Session.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ss := def.Session
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO test_sessions (session_id, name, config_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			name = excluded.name,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at`,
		ss.ID, ss.Name, string(cfg), ss.CreatedAt, ss.UpdatedAt); err != nil {
		return fmt.Errorf("insert session %s: %w", ss.ID, err)
	}
	for _, table := range []string{"session_videos", "ground_truth"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE session_id = ?", ss.ID); err != nil {
			return fmt.Errorf("clear %s for %s: %w", table, ss.ID, err)
		}
	}
	for i, v := range ss.Videos {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO session_videos (session_id, position, video_id, path, duration_seconds, frame_count)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ss.ID, i, v.ID, v.Path, v.DurationSeconds, v.FrameCount); err != nil {
			return fmt.Errorf("insert video %s: %w", v.ID, err)
		}
	}
	if err := insertTruth(ctx, tx, ss.ID, truth); err != nil {
		return err
	}
	return tx.Commit()
}

func insertTruth(ctx context.Context, tx *sql.Tx, sessionID string, truth []matching.GroundTruth) error {
	for _, g := range truth {
		var box sql.NullString
		if g.Box != nil {
			b, err := json.Marshal(g.Box)
			if err != nil {
				return err
			}
			box = sql.NullString{String: string(b), Valid: true}
		}
		var end sql.NullFloat64
		if g.End != nil {
			end = sql.NullFloat64{Float64: *g.End, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ground_truth (session_id, gt_id, video_id, class_label, t_start, t_end, tolerance_ms, bbox_json, source)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, g.ID, g.VideoID, g.ClassLabel, g.Timestamp, end, g.ToleranceMs, box, g.Source); err != nil {
			return fmt.Errorf("insert ground truth %d: %w", g.ID, err)
		}
	}
	return nil
}

func (s *SQLite) loadHeader(ctx context.Context, id string) (session.TestSession, error) {
	var ts session.TestSession
	var cfg string
	err := s.QueryRowContext(ctx, `
		SELECT session_id, name, config_json, created_at, updated_at
		FROM test_sessions WHERE session_id = ?`, id).
		Scan(&ts.ID, &ts.Name, &cfg, &ts.CreatedAt, &ts.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ts, fault.New(fault.SessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return ts, fmt.Errorf("load session %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(cfg), &ts.Config); err != nil {
		return ts, fmt.Errorf("decode config of %s: %w", id, err)
	}
	return ts, nil
}

// LoadSession loads a definition with its videos and ground truth.
func (s *SQLite) LoadSession(ctx context.Context, id string) (session.Definition, error) {
	ts, err := s.loadHeader(ctx, id)
	if err != nil {
		return session.Definition{}, err
	}

	rows, err := s.QueryContext(ctx, `
		SELECT video_id, path, duration_seconds, frame_count
		FROM session_videos WHERE session_id = ? ORDER BY position`, id)
	if err != nil {
		return session.Definition{}, fmt.Errorf("load videos of %s: %w", id, err)
	}
	for rows.Next() {
		var v session.VideoRef
		if err := rows.Scan(&v.ID, &v.Path, &v.DurationSeconds, &v.FrameCount); err != nil {
			rows.Close()
			return session.Definition{}, err
		}
		ts.Videos = append(ts.Videos, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return session.Definition{}, err
	}

	truth, err := s.groundTruth(ctx, id)
	if err != nil {
		return session.Definition{}, err
	}
	return session.Definition{Session: ts, GroundTruth: truth}, nil
}

func (s *SQLite) groundTruth(ctx context.Context, id string) ([]matching.GroundTruth, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT gt_id, video_id, class_label, t_start, t_end, tolerance_ms, bbox_json, source
		FROM ground_truth WHERE session_id = ? ORDER BY gt_id`, id)
	if err != nil {
		return nil, fmt.Errorf("load ground truth of %s: %w", id, err)
	}
	defer rows.Close()

	var out []matching.GroundTruth
	for rows.Next() {
		var g matching.GroundTruth
		var end sql.NullFloat64
		var box sql.NullString
		if err := rows.Scan(&g.ID, &g.VideoID, &g.ClassLabel, &g.Timestamp, &end, &g.ToleranceMs, &box, &g.Source); err != nil {
			return nil, err
		}
		if end.Valid {
			g.End = &end.Float64
		}
		if box.Valid {
			g.Box = &matching.BoundingBox{}
			if err := json.Unmarshal([]byte(box.String), g.Box); err != nil {
				return nil, fmt.Errorf("decode bbox of ground truth %d: %w", g.ID, err)
			}
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// ImportAnnotations appends ground truth to an existing session.
func (s *SQLite) ImportAnnotations(ctx context.Context, id string, truth []matching.GroundTruth) (int, error) {
	if _, err := s.loadHeader(ctx, id); err != nil {
		return 0, err
	}
	existing, err := s.groundTruth(ctx, id)
	if err != nil {
		return 0, err
	}
	added, err := assignIDs(existing, truth)
	if err != nil {
		return 0, err
	}
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if err := insertTruth(ctx, tx, id, added); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE test_sessions SET updated_at = ? WHERE session_id = ?", time.Now().UTC(), id); err != nil {
		return 0, err
	}
	return len(added), tx.Commit()
}

// ListSessions returns stored session headers (without videos).
func (s *SQLite) ListSessions(ctx context.Context) ([]session.TestSession, error) {
	rows, err := s.QueryContext(ctx, "SELECT session_id FROM test_sessions ORDER BY session_id")
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]session.TestSession, 0, len(ids))
	for _, id := range ids {
		ts, err := s.loadHeader(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, nil
}

// AppendResult records one match result. A re-run of the session
// overwrites results at the same index.
func (s *SQLite) AppendResult(ctx context.Context, id string, r matching.MatchResult) error {
	_, err := s.ExecContext(ctx, `
		INSERT OR REPLACE INTO match_results (
			session_id, result_index, classification, class_label, video_id,
			detection_id, ground_truth_id, detection_time, confidence, offset_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.Index, string(r.Classification), r.ClassLabel, r.VideoID,
		r.DetectionID, r.GroundTruthID, r.DetectionTime, r.Confidence, r.OffsetMs)
	if err != nil {
		return fmt.Errorf("append result %d for %s: %w", r.Index, id, err)
	}
	return nil
}

// SaveSummary stores the final metrics of a session.
func (s *SQLite) SaveSummary(ctx context.Context, id string, m matching.SessionMetrics) error {
	_, err := s.ExecContext(ctx, `
		INSERT OR REPLACE INTO session_summaries (
			session_id, true_positives, false_positives, false_negatives,
			precision, recall, f1, accuracy,
			precision_lower, precision_upper, recall_lower, recall_upper, ci_level
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, m.TruePositives, m.FalsePositives, m.FalseNegatives,
		m.Precision, m.Recall, m.F1, m.Accuracy,
		m.PrecisionCI.Lower, m.PrecisionCI.Upper, m.RecallCI.Lower, m.RecallCI.Upper, m.PrecisionCI.Level)
	if err != nil {
		return fmt.Errorf("save summary for %s: %w", id, err)
	}
	return nil
}

// StoredResults returns persisted results ordered by index.
func (s *SQLite) StoredResults(ctx context.Context, id string) ([]matching.MatchResult, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT result_index, classification, class_label, video_id,
			detection_id, ground_truth_id, detection_time, confidence, offset_ms
		FROM match_results WHERE session_id = ? ORDER BY result_index`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []matching.MatchResult{}
	for rows.Next() {
		var r matching.MatchResult
		var class string
		var detID, gtID sql.NullInt64
		var detTime, conf, offset sql.NullFloat64
		if err := rows.Scan(&r.Index, &class, &r.ClassLabel, &r.VideoID, &detID, &gtID, &detTime, &conf, &offset); err != nil {
			return nil, err
		}
		r.Classification = matching.Classification(class)
		r.DetectionID = nullInt(detID)
		r.GroundTruthID = nullInt(gtID)
		r.DetectionTime = nullFloat(detTime)
		r.Confidence = nullFloat(conf)
		r.OffsetMs = nullFloat(offset)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Summary returns the stored final metrics, if any.
func (s *SQLite) Summary(ctx context.Context, id string) (matching.SessionMetrics, bool, error) {
	var m matching.SessionMetrics
	err := s.QueryRowContext(ctx, `
		SELECT true_positives, false_positives, false_negatives,
			precision, recall, f1, accuracy,
			precision_lower, precision_upper, recall_lower, recall_upper, ci_level
		FROM session_summaries WHERE session_id = ?`, id).Scan(
		&m.TruePositives, &m.FalsePositives, &m.FalseNegatives,
		&m.Precision, &m.Recall, &m.F1, &m.Accuracy,
		&m.PrecisionCI.Lower, &m.PrecisionCI.Upper, &m.RecallCI.Lower, &m.RecallCI.Upper, &m.PrecisionCI.Level)
	if errors.Is(err, sql.ErrNoRows) {
		return matching.SessionMetrics{}, false, nil
	}
	if err != nil {
		return matching.SessionMetrics{}, false, err
	}
	m.RecallCI.Level = m.PrecisionCI.Level
	return m, true, nil
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

// AttachAdminRoutes mounts the SQL console and a backup endpoint on the
// tsweb debug page.
func (s *SQLite) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Printf("[Store] tailsql unavailable: %v", err)
		return
	}
	tsql.SetDB("sqlite://"+s.path, s.DB, &tailsql.DBOptions{
		Label: "Test results DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := fmt.Sprintf("%s.backup-%d", s.path, time.Now().Unix())
		if _, err := s.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", "attachment; filename=backup.db")
		http.ServeFile(w, r, backupPath)
	}))
}
