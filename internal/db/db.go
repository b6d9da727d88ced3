// Package db stores decoded meter readings in SQLite.
package db

import (
	"compress/gzip"
	"database/sql"
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

	"github.com/banshee-data/power.report/internal/bl0942"
)

type DB struct {
	*sql.DB
	path string
}

// pragmas are applied to every connection opened by OpenDB.
var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
}

// OpenDB opens the database at path without touching the schema.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// most pragmas are per connection; one pooled connection keeps them in force
	db.SetMaxOpenConns(1)
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return &DB{DB: db, path: path}, nil
}

// NewDB opens the database at path and applies any pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(migrationsFS); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// StoredReading is a reading as persisted.
type StoredReading struct {
	ID         int64          `json:"id"`
	SessionID  string         `json:"session_id"`
	Reading    bl0942.Reading `json:"reading"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// RecordSession registers a meter session so readings can be traced to
// the port and gain they were taken with.
func (db *DB) RecordSession(sessionID, portPath string, gain bl0942.GainMode, startedAt time.Time) error {
	_, err := db.Exec(
		`INSERT INTO meter_sessions (session_id, port_path, gain_mode, started_at) VALUES (?, ?, ?, ?)`,
		sessionID, portPath, gain.String(), startedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", sessionID, err)
	}
	return nil
}

func (db *DB) RecordReading(sessionID string, r bl0942.Reading, at time.Time) error {
	_, err := db.Exec(
		`INSERT INTO readings (session_id, voltage, current, power, power_factor, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, r.Voltage, r.Current, r.Power, r.PowerFactor, at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record reading: %w", err)
	}
	return nil
}

// RecentReadings returns up to limit readings, newest first.
func (db *DB) RecentReadings(limit int) ([]StoredReading, error) {
	return db.queryReadings(
		`SELECT reading_id, session_id, voltage, current, power, power_factor, recorded_at
		FROM readings ORDER BY recorded_at DESC, reading_id DESC LIMIT ?`, limit)
}

// ReadingsSince returns readings recorded at or after since, oldest first.
func (db *DB) ReadingsSince(since time.Time) ([]StoredReading, error) {
	return db.queryReadings(
		`SELECT reading_id, session_id, voltage, current, power, power_factor, recorded_at
		FROM readings WHERE recorded_at >= ? ORDER BY recorded_at ASC, reading_id ASC`, since.UnixNano())
}

func (db *DB) queryReadings(query string, args ...any) ([]StoredReading, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []StoredReading
	for rows.Next() {
		var (
			sr StoredReading
			ns int64
		)
		if err := rows.Scan(
			&sr.ID,
			&sr.SessionID,
			&sr.Reading.Voltage,
			&sr.Reading.Current,
			&sr.Reading.Power,
			&sr.Reading.PowerFactor,
			&ns,
		); err != nil {
			return nil, err
		}
		sr.RecordedAt = time.Unix(0, ns).UTC()
		readings = append(readings, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return readings, nil
}

// PruneBefore deletes readings recorded before cutoff and returns how many
// were removed.
func (db *DB) PruneBefore(cutoff time.Time) (int64, error) {
	res, err := db.Exec(`DELETE FROM readings WHERE recorded_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune readings: %w", err)
	}
	return res.RowsAffected()
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
		Label: "Power DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("power-backup-%d.db", time.Now().UnixNano()))
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer backupFile.Close()

		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
		w.Header().Set("Content-Type", "application/gzip")

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			log.Printf("Failed to stream backup: %v", err)
		}
	}))
}
