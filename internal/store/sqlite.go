package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS patients (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	age INTEGER NOT NULL,
	sex TEXT NOT NULL,
	curp TEXT UNIQUE,
	phone TEXT,
	emergency_contact TEXT,
	active INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS doctors (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	specialty TEXT NOT NULL,
	available INTEGER NOT NULL DEFAULT 1,
	active INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS social_workers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS beds (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	number INTEGER NOT NULL,
	occupied INTEGER NOT NULL DEFAULT 0,
	patient_id INTEGER
);
CREATE TABLE IF NOT EXISTS visits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	folio TEXT UNIQUE NOT NULL,
	patient_id INTEGER NOT NULL,
	doctor_id INTEGER NOT NULL,
	bed_id INTEGER NOT NULL,
	social_worker_id INTEGER,
	symptoms TEXT,
	diagnosis TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	opened_at DATETIME NOT NULL,
	closed_at DATETIME
);
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	related_id INTEGER,
	active INTEGER NOT NULL DEFAULT 1
);
`

// SQLiteStore is the reference local-store implementation. Each node owns
// its copy on disk; nothing here is replicated to peers (propagation is the
// best-effort notification sink, not this store).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) a WAL-mode SQLite database at path
// and ensures the domain schema exists.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLiteStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, role, COALESCE(related_id, 0), active FROM users WHERE username = ?`,
		username)
	var u User
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.RelatedID, &u.Active); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find user %s: %w", username, err)
	}
	return &u, nil
}

// CreateUser inserts a new login with an already-hashed password. Used by
// the operator-facing provisioning path, not by any leader-gated
// transaction, since a node with no users yet can't reach leader-gated
// anything to begin with.
func (s *SQLiteStore) CreateUser(ctx context.Context, u User) (User, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, related_id, active) VALUES (?, ?, ?, ?, 1)`,
		u.Username, u.PasswordHash, u.Role, u.RelatedID)
	if err != nil {
		return User{}, fmt.Errorf("store: create user %s: %w", u.Username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("store: create user %s: %w", u.Username, err)
	}
	u.ID = int(id)
	u.Active = true
	return u, nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Commit() error   { return t.tx.Commit() }
func (t *sqliteTx) Rollback() error { return t.tx.Rollback() }

func (t *sqliteTx) AvailableDoctors(ctx context.Context) ([]Doctor, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, name, specialty, available, active FROM doctors WHERE available = 1 AND active = 1`)
	if err != nil {
		return nil, fmt.Errorf("store: available doctors: %w", err)
	}
	defer rows.Close()
	var out []Doctor
	for rows.Next() {
		var d Doctor
		if err := rows.Scan(&d.ID, &d.Name, &d.Specialty, &d.Available, &d.Active); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (t *sqliteTx) AvailableBeds(ctx context.Context) ([]Bed, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, number, occupied, COALESCE(patient_id, 0) FROM beds WHERE occupied = 0`)
	if err != nil {
		return nil, fmt.Errorf("store: available beds: %w", err)
	}
	defer rows.Close()
	var out []Bed
	for rows.Next() {
		var b Bed
		if err := rows.Scan(&b.ID, &b.Number, &b.Occupied, &b.PatientID); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (t *sqliteTx) ActiveVisits(ctx context.Context) ([]Visit, error) {
	rows, err := t.tx.QueryContext(ctx,
		`SELECT id, folio, patient_id, doctor_id, bed_id, COALESCE(social_worker_id, 0), symptoms, diagnosis, status
		 FROM visits WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("store: active visits: %w", err)
	}
	defer rows.Close()
	var out []Visit
	for rows.Next() {
		var v Visit
		if err := rows.Scan(&v.ID, &v.Folio, &v.PatientID, &v.DoctorID, &v.BedID, &v.SocialWorkerID, &v.Symptoms, &v.Diagnosis, &v.Status); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (t *sqliteTx) FindPatientByCURP(ctx context.Context, curp string) (*Patient, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, name, age, sex, COALESCE(curp,''), phone, emergency_contact, active FROM patients WHERE curp = ?`, curp)
	var p Patient
	if err := row.Scan(&p.ID, &p.Name, &p.Age, &p.Sex, &p.CURP, &p.Phone, &p.EmergencyContact, &p.Active); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: find patient by curp: %w", err)
	}
	return &p, nil
}

func (t *sqliteTx) CreatePatient(ctx context.Context, p Patient) (Patient, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO patients (name, age, sex, curp, phone, emergency_contact, active) VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, 1)`,
		p.Name, p.Age, p.Sex, p.CURP, p.Phone, p.EmergencyContact)
	if err != nil {
		return Patient{}, fmt.Errorf("store: create patient: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Patient{}, err
	}
	p.ID = int(id)
	p.Active = true
	return p, nil
}

func (t *sqliteTx) OccupyDoctor(ctx context.Context, doctorID int) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE doctors SET available = 0 WHERE id = ?`, doctorID)
	if err != nil {
		return fmt.Errorf("store: occupy doctor %d: %w", doctorID, err)
	}
	return nil
}

func (t *sqliteTx) OccupyBed(ctx context.Context, bedID, patientID int) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE beds SET occupied = 1, patient_id = ? WHERE id = ?`, patientID, bedID)
	if err != nil {
		return fmt.Errorf("store: occupy bed %d: %w", bedID, err)
	}
	return nil
}

func (t *sqliteTx) ReleaseDoctor(ctx context.Context, doctorID int) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE doctors SET available = 1 WHERE id = ?`, doctorID)
	if err != nil {
		return fmt.Errorf("store: release doctor %d: %w", doctorID, err)
	}
	return nil
}

func (t *sqliteTx) ReleaseBed(ctx context.Context, bedID int) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE beds SET occupied = 0, patient_id = NULL WHERE id = ?`, bedID)
	if err != nil {
		return fmt.Errorf("store: release bed %d: %w", bedID, err)
	}
	return nil
}

func (t *sqliteTx) CreateVisit(ctx context.Context, in NewVisitInput) (Visit, error) {
	folio := newFolio()
	now := time.Now().UTC()
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO visits (folio, patient_id, doctor_id, bed_id, social_worker_id, symptoms, status, opened_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'active', ?)`,
		folio, in.PatientID, in.DoctorID, in.BedID, in.SocialWorkerID, in.Symptoms, now)
	if err != nil {
		return Visit{}, fmt.Errorf("store: create visit: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Visit{}, err
	}
	return Visit{
		ID: int(id), Folio: folio, PatientID: in.PatientID, DoctorID: in.DoctorID,
		BedID: in.BedID, SocialWorkerID: in.SocialWorkerID, Symptoms: in.Symptoms,
		Status: VisitActive,
	}, nil
}

func (t *sqliteTx) CloseVisit(ctx context.Context, visitID int, diagnosis string) (Visit, error) {
	now := time.Now().UTC()
	_, err := t.tx.ExecContext(ctx,
		`UPDATE visits SET status = 'completed', diagnosis = ?, closed_at = ? WHERE id = ? AND status = 'active'`,
		diagnosis, now, visitID)
	if err != nil {
		return Visit{}, fmt.Errorf("store: close visit %d: %w", visitID, err)
	}
	return t.loadVisit(ctx, visitID)
}

func (t *sqliteTx) CancelVisit(ctx context.Context, visitID int) (Visit, error) {
	now := time.Now().UTC()
	_, err := t.tx.ExecContext(ctx,
		`UPDATE visits SET status = 'cancelled', closed_at = ? WHERE id = ? AND status = 'active'`,
		now, visitID)
	if err != nil {
		return Visit{}, fmt.Errorf("store: cancel visit %d: %w", visitID, err)
	}
	return t.loadVisit(ctx, visitID)
}

func (t *sqliteTx) loadVisit(ctx context.Context, visitID int) (Visit, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, folio, patient_id, doctor_id, bed_id, COALESCE(social_worker_id, 0), symptoms, diagnosis, status
		 FROM visits WHERE id = ?`, visitID)
	var v Visit
	if err := row.Scan(&v.ID, &v.Folio, &v.PatientID, &v.DoctorID, &v.BedID, &v.SocialWorkerID, &v.Symptoms, &v.Diagnosis, &v.Status); err != nil {
		return Visit{}, fmt.Errorf("store: load visit %d: %w", visitID, err)
	}
	return v, nil
}

// newFolio generates a human-readable visit identifier. The original system
// derived folios from a per-room daily consecutive counter; a uuid-derived
// short code sidesteps the need for that per-room sequence table while
// keeping folios unique across the whole cluster, not just one room.
func newFolio() string {
	id := uuid.New().String()
	return "VIS-" + strings.ToUpper(id[:8])
}
