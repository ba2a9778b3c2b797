// Package db is the ingest journal: a SQLite record of every frame outcome
// and range reading. The live scene is never stored here; the journal is
// for inspection and debugging only.
package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/aura/internal/ingest"
	"github.com/banshee-data/aura/internal/security"
)

// DefaultRecentLimit and MaxRecentLimit bound RecentEvents.
const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 1000
)

type DB struct {
	*sql.DB
	path string
}

// OpenDB opens (creating if needed) the SQLite file at path with the
// service's connection pragmas. It does not migrate.
func OpenDB(path string) (*DB, error) {
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// NewDB opens the journal at path and applies all embedded migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// RecordOutcome journals one terminal event outcome.
func (db *DB) RecordOutcome(ctx context.Context, o ingest.Outcome) error {
	var version uint64
	var objects, people int
	var sceneContext string
	if o.Scene != nil {
		version = o.Scene.Version
		objects, people = len(o.Scene.Objects), len(o.Scene.People)
		sceneContext = o.Scene.Context
	}
	received := unixSeconds(o.ReceivedAt)

	var err error
	switch o.Kind {
	case ingest.KindFrame:
		_, err = db.ExecContext(ctx,
			`INSERT INTO frame_events (
				event_id, seq, image_ref, state, distance_m, distance_source,
				detect_ms, objects, people, scene_version, error, scene_context, received_unix
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.EventID, int64(o.Seq), o.ImageRef, o.State.String(), o.Distance, o.DistanceSource,
			float64(o.DetectDuration)/float64(time.Millisecond), objects, people, int64(version),
			o.ErrMessage(), sceneContext, received,
		)
	case ingest.KindDistance:
		_, err = db.ExecContext(ctx,
			`INSERT INTO distance_readings (
				event_id, seq, distance_m, source, state, scene_version, received_unix
			) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			o.EventID, int64(o.Seq), o.Distance, o.DistanceSource, o.State.String(), int64(version), received,
		)
	default:
		return fmt.Errorf("unknown event kind %q", o.Kind)
	}
	if err != nil {
		return fmt.Errorf("record %s %s: %w", o.Kind, o.EventID, err)
	}
	return nil
}

// EventRecord is one journal row, frame or distance.
type EventRecord struct {
	EventID        string    `json:"event_id"`
	Kind           string    `json:"kind"`
	Seq            uint64    `json:"seq"`
	State          string    `json:"state"`
	ImageRef       string    `json:"image_ref,omitempty"`
	DistanceM      float64   `json:"distance_m"`
	DistanceSource string    `json:"distance_source,omitempty"`
	DetectMillis   float64   `json:"detect_ms,omitempty"`
	Objects        int       `json:"objects"`
	People         int       `json:"people"`
	SceneVersion   uint64    `json:"scene_version,omitempty"`
	SceneContext   string    `json:"scene_context,omitempty"`
	Error          string    `json:"error,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`
}

// RecentEvents returns up to limit journal rows, newest first. kind filters
// to "frame" or "distance" when non-empty.
func (db *DB) RecentEvents(ctx context.Context, kind string, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if limit > MaxRecentLimit {
		limit = MaxRecentLimit
	}
	switch kind {
	case "", ingest.KindFrame, ingest.KindDistance:
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT * FROM (
			SELECT event_id, 'frame' AS kind, seq, state, image_ref, distance_m, distance_source,
				detect_ms, objects, people, scene_version, scene_context, error, received_unix
			FROM frame_events
			UNION ALL
			SELECT event_id, 'distance' AS kind, seq, state, '', distance_m, source,
				0, 0, 0, scene_version, '', '', received_unix
			FROM distance_readings
		)
		WHERE ? = '' OR kind = ?
		ORDER BY received_unix DESC, seq DESC
		LIMIT ?`, kind, kind, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []EventRecord{}
	for rows.Next() {
		var (
			r        EventRecord
			seq      int64
			version  int64
			received float64
		)
		if err := rows.Scan(
			&r.EventID, &r.Kind, &seq, &r.State, &r.ImageRef, &r.DistanceM, &r.DistanceSource,
			&r.DetectMillis, &r.Objects, &r.People, &version, &r.SceneContext, &r.Error, &received,
		); err != nil {
			return nil, err
		}
		r.Seq = uint64(seq)
		r.SceneVersion = uint64(version)
		r.ReceivedAt = fromUnixSeconds(received)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// CountByState returns frame outcome counts keyed by state.
func (db *DB) CountByState(ctx context.Context) (map[string]int64, error) {
	rows, err := db.QueryContext(ctx, `SELECT state, COUNT(*) FROM frame_events GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[state] = n
	}
	return counts, rows.Err()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	sec := int64(s)
	nsec := int64((s - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Aura journal",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the journal now", http.HandlerFunc(db.serveBackup))

	debug.Handle("db-stats", "Journal row counts and migration version", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := db.Stats(r.Context())
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to read stats: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(stats); err != nil {
			log.Printf("Failed to encode db stats: %v", err)
		}
	}))
}

// DatabaseStats summarises the journal for the db-stats debug page.
type DatabaseStats struct {
	Tables        map[string]int64 `json:"tables"`
	FrameStates   map[string]int64 `json:"frame_states"`
	SchemaVersion uint             `json:"schema_version"`
	SchemaDirty   bool             `json:"schema_dirty"`
}

func (db *DB) Stats(ctx context.Context) (*DatabaseStats, error) {
	stats := &DatabaseStats{Tables: make(map[string]int64)}
	for _, table := range []string{"frame_events", "distance_readings"} {
		var n int64
		// table names come from the fixed list above
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats.Tables[table] = n
	}
	states, err := db.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	stats.FrameStates = states
	stats.SchemaVersion, stats.SchemaDirty, err = db.MigrateVersion(MigrationsFS())
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// serveBackup writes a consistent copy of the journal with VACUUM INTO and
// streams it gzipped.
func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	name := security.SanitizeFilename(fmt.Sprintf("aura-journal-%d.db", time.Now().Unix()))
	backupPath := filepath.Join(os.TempDir(), name)
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}

	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		backupFile.Close()
		if err := os.Remove(backupPath); err != nil {
			log.Printf("Failed to remove backup file: %v", err)
		}
	}()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", name))
	w.Header().Set("Content-Type", "application/gzip")

	gzipWriter := gzip.NewWriter(w)
	defer gzipWriter.Close()
	if _, err := io.Copy(gzipWriter, backupFile); err != nil {
		log.Printf("Failed to stream backup: %v", err)
	}
}
