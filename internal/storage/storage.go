// Package storage provides SQLite-backed persistence for incident history
// and small application settings.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rewired-gh/fallguard/internal/models"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Storage wraps a SQLite database for all persistence operations.
type Storage struct {
	db           *sql.DB
	maxIncidents int
}

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/fallguard/data.db.
func New(maxIncidents int, dbPath string) (*Storage, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "fallguard", "data.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Storage{db: db, maxIncidents: maxIncidents}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id                   TEXT PRIMARY KEY,
			source               TEXT NOT NULL,
			status               TEXT NOT NULL,
			triggering_magnitude REAL NOT NULL DEFAULT 0,
			started_at           INTEGER NOT NULL,
			resolved_at          INTEGER NOT NULL DEFAULT 0,
			latitude             REAL,
			longitude            REAL,
			alert_success        INTEGER,
			alert_message        TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_started_at ON incidents(started_at DESC)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// AddIncident inserts a new incident and trims history to maxIncidents.
func (s *Storage) AddIncident(inc *models.Incident) error {
	if err := inc.Validate(); err != nil {
		return fmt.Errorf("invalid incident: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.Exec(`
		INSERT INTO incidents
			(id, source, status, triggering_magnitude, started_at, resolved_at,
			 latitude, longitude, alert_success, alert_message)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		inc.ID, string(inc.Source), string(inc.Status), inc.TriggeringMagnitude,
		inc.StartedAt.UnixNano(), timeToNano(inc.ResolvedAt),
		nullFloat(inc.Latitude), nullFloat(inc.Longitude),
		nullBool(inc.AlertSuccess), inc.AlertMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}

	if s.maxIncidents > 0 {
		if _, err = tx.Exec(`
			DELETE FROM incidents WHERE id NOT IN (
				SELECT id FROM incidents ORDER BY started_at DESC LIMIT ?
			)`, s.maxIncidents); err != nil {
			return fmt.Errorf("failed to enforce incident cap: %w", err)
		}
	}

	return tx.Commit()
}

// UpdateIncident overwrites the mutable fields of an existing incident.
func (s *Storage) UpdateIncident(inc *models.Incident) error {
	if err := inc.Validate(); err != nil {
		return fmt.Errorf("invalid incident: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE incidents SET
			source=?, status=?, triggering_magnitude=?, started_at=?, resolved_at=?,
			latitude=?, longitude=?, alert_success=?, alert_message=?
		WHERE id=?`,
		string(inc.Source), string(inc.Status), inc.TriggeringMagnitude,
		inc.StartedAt.UnixNano(), timeToNano(inc.ResolvedAt),
		nullFloat(inc.Latitude), nullFloat(inc.Longitude),
		nullBool(inc.AlertSuccess), inc.AlertMessage,
		inc.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update incident: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("incident %w: %s", ErrNotFound, inc.ID)
	}
	return nil
}

func (s *Storage) GetIncident(id string) (*models.Incident, error) {
	row := s.db.QueryRow(`SELECT `+incidentCols+` FROM incidents WHERE id = ?`, id)
	inc, err := scanIncident(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("incident %w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	return inc, nil
}

// ListIncidents returns incidents matching filter, newest first.
// A limit <= 0 returns every match.
func (s *Storage) ListIncidents(filter models.IncidentFilter, limit int) ([]*models.Incident, error) {
	query := `SELECT ` + incidentCols + ` FROM incidents`
	var args []any

	switch filter {
	case models.FilterAll, "":
	case models.FilterFalls:
		query += ` WHERE source = ?`
		args = append(args, string(models.SourceDetector))
	case models.FilterAlerts:
		query += ` WHERE alert_success IS NOT NULL`
	case models.FilterCancelled:
		query += ` WHERE status = ?`
		args = append(args, string(models.StatusCancelled))
	default:
		return nil, fmt.Errorf("unknown incident filter %q", filter)
	}

	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	incidents := []*models.Incident{}
	for rows.Next() {
		inc, err := scanIncident(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// RotateIncidents keeps at most maxIncidents newest incidents by started_at.
func (s *Storage) RotateIncidents() error {
	if s.maxIncidents <= 0 {
		return nil
	}
	_, err := s.db.Exec(`
		DELETE FROM incidents WHERE id NOT IN (
			SELECT id FROM incidents ORDER BY started_at DESC LIMIT ?
		)`, s.maxIncidents)
	if err != nil {
		return fmt.Errorf("failed to rotate incidents: %w", err)
	}
	return nil
}

// GetSetting returns the value stored under key and whether it exists.
func (s *Storage) GetSetting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Storage) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?,?,?)`,
		key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

const incidentCols = `id, source, status, triggering_magnitude, started_at, resolved_at,
	latitude, longitude, alert_success, alert_message`

func scanIncident(scan func(...any) error) (*models.Incident, error) {
	var (
		inc                  models.Incident
		source, status       string
		startedNano, resNano int64
		lat, lng             sql.NullFloat64
		success              sql.NullInt64
	)
	err := scan(
		&inc.ID, &source, &status, &inc.TriggeringMagnitude, &startedNano, &resNano,
		&lat, &lng, &success, &inc.AlertMessage,
	)
	if err != nil {
		return nil, err
	}
	inc.Source = models.TriggerSource(source)
	inc.Status = models.SessionStatus(status)
	inc.StartedAt = time.Unix(0, startedNano)
	if resNano != 0 {
		inc.ResolvedAt = time.Unix(0, resNano)
	}
	if lat.Valid && lng.Valid {
		la, lo := lat.Float64, lng.Float64
		inc.Latitude, inc.Longitude = &la, &lo
	}
	if success.Valid {
		ok := success.Int64 != 0
		inc.AlertSuccess = &ok
	}
	return &inc, nil
}

func timeToNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullBool(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}
