package library

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Preference keys kept in the prefs table.
const (
	PrefBookViewMode = "bookViewMode"
)

// StateDB is the local cache for the logged-in session and UI preferences.
// It is never a source of truth: the remote service is.
type StateDB struct {
	db     *sql.DB
	sealer *sealer

	saveSessionStmt *sql.Stmt
	setPrefStmt     *sql.Stmt
}

// NewStateDB opens (or creates) the SQLite file at dbPath, applies schema
// migrations and prepares common statements. When secret is empty the token
// sealing key is read from (or written to) dbPath + ".key".
func NewStateDB(dbPath string, secret []byte) (*StateDB, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}

	if len(secret) == 0 {
		var err error
		if secret, err = loadOrCreateKeyFile(dbPath + ".key"); err != nil {
			return nil, fmt.Errorf("session key: %w", err)
		}
	}
	s, err := newSealer(secret)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyStateMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	state := &StateDB{db: db, sealer: s}
	if err := state.prepareStatements(); err != nil {
		state.Close()
		return nil, err
	}
	return state, nil
}

// Close releases prepared statements and closes the DB.
func (s *StateDB) Close() error {
	if s.saveSessionStmt != nil {
		s.saveSessionStmt.Close()
	}
	if s.setPrefStmt != nil {
		s.setPrefStmt.Close()
	}
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const stateSchemaVersion = 1

func applyStateMigrations(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= stateSchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS session (
            id INTEGER PRIMARY KEY CHECK (id = 1),
            token TEXT NOT NULL,
            profile TEXT NOT NULL,
            saved_at DATETIME NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS prefs (
            key TEXT PRIMARY KEY,
            value TEXT NOT NULL
        );`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, stateSchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

func (s *StateDB) prepareStatements() error {
	var err error
	if s.saveSessionStmt, err = s.db.Prepare(`INSERT INTO session(id,token,profile,saved_at) VALUES(1,?,?,?)
        ON CONFLICT(id) DO UPDATE SET token=excluded.token, profile=excluded.profile, saved_at=excluded.saved_at`); err != nil {
		return err
	}
	if s.setPrefStmt, err = s.db.Prepare(`INSERT INTO prefs(key,value) VALUES(?,?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value`); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Session cache
// ---------------------------------------------------------------------------

// SaveSession replaces the cached session. Last writer wins.
func (s *StateDB) SaveSession(sess *Session) error {
	if sess == nil {
		return s.ClearSession()
	}
	sealed, err := s.sealer.seal(sess.BearerToken)
	if err != nil {
		return fmt.Errorf("seal token: %w", err)
	}
	profile, err := json.Marshal(sess.User)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	savedAt := sess.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	_, err = s.saveSessionStmt.Exec(sealed, string(profile), savedAt)
	return err
}

// LoadSession returns the cached session, or nil when there is none. A row
// that cannot be unsealed or decoded is discarded rather than reported.
func (s *StateDB) LoadSession() (*Session, error) {
	var sealed, profile string
	var savedAt time.Time
	err := s.db.QueryRow(`SELECT token, profile, saved_at FROM session WHERE id=1`).Scan(&sealed, &profile, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	token, err := s.sealer.open(sealed)
	if err != nil {
		return nil, s.ClearSession()
	}
	var user User
	if err := json.Unmarshal([]byte(profile), &user); err != nil {
		return nil, s.ClearSession()
	}
	return &Session{BearerToken: token, User: user, SavedAt: savedAt}, nil
}

// ClearSession forgets the cached session.
func (s *StateDB) ClearSession() error {
	_, err := s.db.Exec(`DELETE FROM session`)
	return err
}

// ---------------------------------------------------------------------------
// Preferences
// ---------------------------------------------------------------------------

// Pref returns the stored value for key, or def when unset.
func (s *StateDB) Pref(key, def string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM prefs WHERE key=?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return def, nil
	}
	if err != nil {
		return def, err
	}
	return v, nil
}

// SetPref stores value under key.
func (s *StateDB) SetPref(key, value string) error {
	_, err := s.setPrefStmt.Exec(key, value)
	return err
}
