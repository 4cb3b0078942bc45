package devserver

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3"

	"library-client/library"
)

// Store errors mapped to HTTP statuses by the handlers.
var (
	ErrNotFound    = errors.New("not found")
	ErrUnavailable = errors.New("book is not available")
	ErrConflict    = errors.New("conflict")
	ErrInUse       = errors.New("record is referenced by issues or reservations")
)

// Store persists users, books, issues and reservations in SQLite.
type Store struct {
	db *sql.DB

	insertBookStmt *sql.Stmt
	insertUserStmt *sql.Stmt
}

// NewStore opens (or creates) the SQLite file at dbPath, applies schema
// migrations and prepares common statements.
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db}
	if err := s.prepareStatements(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close releases prepared statements and closes the DB.
func (s *Store) Close() error {
	if s.insertBookStmt != nil {
		s.insertBookStmt.Close()
	}
	if s.insertUserStmt != nil {
		s.insertUserStmt.Close()
	}
	return s.db.Close()
}

const schemaVersion = 1

func applyMigrations(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            name TEXT NOT NULL,
            username TEXT NOT NULL UNIQUE,
            password_hash TEXT NOT NULL,
            role TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS books (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            isbn TEXT NOT NULL DEFAULT '',
            genre TEXT NOT NULL DEFAULT '',
            edition TEXT NOT NULL DEFAULT '',
            publisher TEXT NOT NULL DEFAULT '',
            publication_year INTEGER,
            available BOOLEAN NOT NULL DEFAULT 1
        );`,
		`CREATE TABLE IF NOT EXISTS issues (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            book_id INTEGER NOT NULL REFERENCES books(id),
            user_id INTEGER NOT NULL REFERENCES users(id),
            issue_date TEXT NOT NULL,
            due_date TEXT NOT NULL,
            return_date TEXT,
            fine_paid REAL
        );`,
		`CREATE TABLE IF NOT EXISTS reservations (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            book_id INTEGER NOT NULL REFERENCES books(id),
            user_id INTEGER NOT NULL REFERENCES users(id),
            reservation_date TEXT NOT NULL,
            active BOOLEAN NOT NULL DEFAULT 1,
            notified BOOLEAN NOT NULL DEFAULT 0
        );`,
		`CREATE INDEX IF NOT EXISTS idx_issues_user ON issues(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_user ON reservations(user_id);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

func (s *Store) prepareStatements() error {
	var err error
	if s.insertBookStmt, err = s.db.Prepare(`INSERT INTO books(title,author,isbn,genre,edition,publisher,publication_year,available)
        VALUES(?,?,?,?,?,?,?,?)`); err != nil {
		return err
	}
	if s.insertUserStmt, err = s.db.Prepare(`INSERT INTO users(name,username,password_hash,role) VALUES(?,?,?,?)`); err != nil {
		return err
	}
	return nil
}

// mapConstraint turns SQLite constraint failures into store errors.
func mapConstraint(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintUnique:
		return ErrConflict
	case sqlite3.ErrConstraintForeignKey:
		return ErrInUse
	}
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// userRecord is a user plus the stored password hash.
type userRecord struct {
	library.User
	PasswordHash string
}

const userColumns = `id, name, username, password_hash, role`

func scanUser(sc scanner) (*userRecord, error) {
	var u userRecord
	var role string
	if err := sc.Scan(&u.ID, &u.Name, &u.Username, &u.PasswordHash, &role); err != nil {
		return nil, err
	}
	u.Role = library.Role(role)
	return &u, nil
}

func (s *Store) CreateUser(name, username, hash string, role library.Role) (*library.User, error) {
	res, err := s.insertUserStmt.Exec(name, username, hash, string(role))
	if err != nil {
		return nil, mapConstraint(err)
	}
	id, _ := res.LastInsertId()
	return &library.User{ID: id, Name: name, Username: username, Role: role}, nil
}

func (s *Store) userWhere(where string, arg any) (*userRecord, error) {
	u, err := scanUser(s.db.QueryRow(`SELECT `+userColumns+` FROM users WHERE `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

func (s *Store) userByID(id int64) (*userRecord, error) { return s.userWhere("id=?", id) }

func (s *Store) userByUsername(username string) (*userRecord, error) {
	return s.userWhere("username=?", username)
}

// Users lists accounts, optionally restricted to one role.
func (s *Store) Users(role library.Role) ([]library.User, error) {
	q := `SELECT ` + userColumns + ` FROM users`
	var args []any
	if role != "" {
		q += ` WHERE role=?`
		args = append(args, string(role))
	}
	rows, err := s.db.Query(q+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []library.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u.User)
	}
	return users, rows.Err()
}

// UpdateUser writes name, username, role and, when hash is non-empty, the password.
func (s *Store) UpdateUser(u library.User, hash string) error {
	q := `UPDATE users SET name=?, username=?, role=?`
	args := []any{u.Name, u.Username, string(u.Role)}
	if hash != "" {
		q += `, password_hash=?`
		args = append(args, hash)
	}
	res, err := s.db.Exec(q+` WHERE id=?`, append(args, u.ID)...)
	if err != nil {
		return mapConstraint(err)
	}
	return requireRow(res)
}

func (s *Store) DeleteUser(id int64) error {
	res, err := s.db.Exec(`DELETE FROM users WHERE id=?`, id)
	if err != nil {
		return mapConstraint(err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Books
// ---------------------------------------------------------------------------

const bookColumns = `b.id, b.title, b.author, b.isbn, b.genre, b.edition, b.publisher, b.publication_year, b.available`

func bookDest(b *library.Book, year *sql.NullInt64) []any {
	return []any{&b.ID, &b.Title, &b.Author, &b.ISBN, &b.Genre, &b.Edition, &b.Publisher, year, &b.Available}
}

func setYear(b *library.Book, year sql.NullInt64) {
	if year.Valid {
		y := int(year.Int64)
		b.PublicationYear = &y
	}
}

func yearArg(b library.Book) any {
	if b.PublicationYear == nil {
		return nil
	}
	return *b.PublicationYear
}

func (s *Store) queryBooks(where string, args ...any) ([]library.Book, error) {
	rows, err := s.db.Query(`SELECT `+bookColumns+` FROM books b `+where+` ORDER BY b.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	books := []library.Book{}
	for rows.Next() {
		var b library.Book
		var year sql.NullInt64
		if err := rows.Scan(bookDest(&b, &year)...); err != nil {
			return nil, err
		}
		setYear(&b, year)
		books = append(books, b)
	}
	return books, rows.Err()
}

func (s *Store) Books() ([]library.Book, error) { return s.queryBooks("") }

// SearchBooks matches title, author and genre case-insensitively by substring
// and isbn exactly. An unknown search type matches nothing.
func (s *Store) SearchBooks(by library.SearchType, keyword string) ([]library.Book, error) {
	like := "%" + strings.ToLower(keyword) + "%"
	switch by {
	case library.SearchByTitle:
		return s.queryBooks(`WHERE lower(b.title) LIKE ?`, like)
	case library.SearchByAuthor:
		return s.queryBooks(`WHERE lower(b.author) LIKE ?`, like)
	case library.SearchByGenre:
		return s.queryBooks(`WHERE lower(b.genre) LIKE ?`, like)
	case library.SearchByISBN:
		return s.queryBooks(`WHERE b.isbn = ?`, keyword)
	}
	return []library.Book{}, nil
}

func (s *Store) BookByID(id int64) (*library.Book, error) {
	books, err := s.queryBooks(`WHERE b.id=?`, id)
	if err != nil {
		return nil, err
	}
	if len(books) == 0 {
		return nil, ErrNotFound
	}
	return &books[0], nil
}

func (s *Store) AddBook(b library.Book) (*library.Book, error) {
	res, err := s.insertBookStmt.Exec(b.Title, b.Author, b.ISBN, b.Genre, b.Edition, b.Publisher, yearArg(b), b.Available)
	if err != nil {
		return nil, err
	}
	b.ID, _ = res.LastInsertId()
	return &b, nil
}

func (s *Store) UpdateBook(b library.Book) error {
	res, err := s.db.Exec(`UPDATE books SET title=?, author=?, isbn=?, genre=?, edition=?, publisher=?, publication_year=?, available=?
        WHERE id=?`, b.Title, b.Author, b.ISBN, b.Genre, b.Edition, b.Publisher, yearArg(b), b.Available, b.ID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) DeleteBook(id int64) error {
	res, err := s.db.Exec(`DELETE FROM books WHERE id=?`, id)
	if err != nil {
		return mapConstraint(err)
	}
	return requireRow(res)
}

// ---------------------------------------------------------------------------
// Issues
// ---------------------------------------------------------------------------

const issueSelect = `SELECT i.id, i.issue_date, i.due_date, i.return_date, i.fine_paid,
    ` + bookColumns + `, u.id, u.name, u.username, u.role
    FROM issues i JOIN books b ON b.id = i.book_id JOIN users u ON u.id = i.user_id `

func scanIssue(sc scanner) (*library.Issue, error) {
	var (
		is       library.Issue
		ret      sql.NullString
		fine     sql.NullFloat64
		year     sql.NullInt64
		userRole string
	)
	dest := []any{&is.ID, &is.IssueDate, &is.DueDate, &ret, &fine}
	dest = append(dest, bookDest(&is.Book, &year)...)
	dest = append(dest, &is.User.ID, &is.User.Name, &is.User.Username, &userRole)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	setYear(&is.Book, year)
	is.User.Role = library.Role(userRole)
	is.ReturnDate = ret.String
	if fine.Valid {
		f := fine.Float64
		is.FinePaid = &f
	}
	return &is, nil
}

func (s *Store) queryIssues(where string, args ...any) ([]library.Issue, error) {
	rows, err := s.db.Query(issueSelect+where+` ORDER BY i.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	issues := []library.Issue{}
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, *is)
	}
	return issues, rows.Err()
}

func (s *Store) Issues() ([]library.Issue, error) { return s.queryIssues("") }

func (s *Store) IssuesByUser(userID int64) ([]library.Issue, error) {
	return s.queryIssues(`WHERE i.user_id=?`, userID)
}

func (s *Store) IssueByID(id int64) (*library.Issue, error) {
	is, err := scanIssue(s.db.QueryRow(issueSelect+`WHERE i.id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return is, err
}

// IssueBook marks the book unavailable and records the loan atomically.
func (s *Store) IssueBook(bookID, userID int64, issueDate, dueDate string) (*library.Issue, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE books SET available=0 WHERE id=? AND available=1`, bookID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrUnavailable
	}
	res, err = tx.Exec(`INSERT INTO issues(book_id,user_id,issue_date,due_date,fine_paid) VALUES(?,?,?,?,0)`,
		bookID, userID, issueDate, dueDate)
	if err != nil {
		return nil, mapConstraint(err)
	}
	id, _ := res.LastInsertId()
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.IssueByID(id)
}

// ReturnIssue closes an open issue and makes the book available again.
func (s *Store) ReturnIssue(id int64, returnDate string, finePaid float64) (*library.Issue, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var bookID int64
	if err := tx.QueryRow(`SELECT book_id FROM issues WHERE id=? AND return_date IS NULL`, id).Scan(&bookID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if _, err := tx.Exec(`UPDATE issues SET return_date=?, fine_paid=? WHERE id=?`, returnDate, finePaid, id); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`UPDATE books SET available=1 WHERE id=?`, bookID); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.IssueByID(id)
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

const reservationSelect = `SELECT r.id, r.reservation_date, r.active, r.notified,
    ` + bookColumns + `, u.id, u.name, u.username, u.role
    FROM reservations r JOIN books b ON b.id = r.book_id JOIN users u ON u.id = r.user_id `

func scanReservation(sc scanner) (*library.Reservation, error) {
	var (
		r        library.Reservation
		year     sql.NullInt64
		userRole string
	)
	dest := []any{&r.ID, &r.ReservationDate, &r.Active, &r.Notified}
	dest = append(dest, bookDest(&r.Book, &year)...)
	dest = append(dest, &r.User.ID, &r.User.Name, &r.User.Username, &userRole)
	if err := sc.Scan(dest...); err != nil {
		return nil, err
	}
	setYear(&r.Book, year)
	r.User.Role = library.Role(userRole)
	return &r, nil
}

func (s *Store) queryReservations(where string, args ...any) ([]library.Reservation, error) {
	rows, err := s.db.Query(reservationSelect+where+` ORDER BY r.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []library.Reservation{}
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *Store) Reservations() ([]library.Reservation, error) { return s.queryReservations("") }

func (s *Store) ReservationsByUser(userID int64) ([]library.Reservation, error) {
	return s.queryReservations(`WHERE r.user_id=?`, userID)
}

func (s *Store) ReservationByID(id int64) (*library.Reservation, error) {
	r, err := scanReservation(s.db.QueryRow(reservationSelect+`WHERE r.id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *Store) Reserve(bookID, userID int64, date string) (*library.Reservation, error) {
	res, err := s.db.Exec(`INSERT INTO reservations(book_id,user_id,reservation_date) VALUES(?,?,?)`, bookID, userID, date)
	if err != nil {
		return nil, mapConstraint(err)
	}
	id, _ := res.LastInsertId()
	return s.ReservationByID(id)
}

// CancelReservation deactivates the reservation; the row is kept.
func (s *Store) CancelReservation(id int64) error {
	res, err := s.db.Exec(`UPDATE reservations SET active=0 WHERE id=?`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *Store) MarkNotified(id int64) (*library.Reservation, error) {
	res, err := s.db.Exec(`UPDATE reservations SET notified=1 WHERE id=?`, id)
	if err != nil {
		return nil, err
	}
	if err := requireRow(res); err != nil {
		return nil, err
	}
	return s.ReservationByID(id)
}
