package library

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// View modes for book listings.
const (
	ViewGrid = "grid"
	ViewList = "list"
)

// LibraryManager is the façade the CLI talks to. It owns the explicit session,
// the local state cache and the API client, and derives view state from fresh
// service responses on every call.
type LibraryManager struct {
	cfg     Config
	state   *StateDB
	session *SessionHolder
	client  *Client
	log     *Logger
	now     func() time.Time
}

// NewLibraryManager opens the state cache at cfg.StatePath, restores a cached
// session that has not expired, and builds the client.
func NewLibraryManager(cfg Config, logger *Logger) (*LibraryManager, error) {
	state, err := NewStateDB(cfg.StatePath, []byte(cfg.SessionSecret))
	if err != nil {
		return nil, err
	}
	holder := &SessionHolder{}
	lm := &LibraryManager{
		cfg:     cfg,
		state:   state,
		session: holder,
		client:  NewClient(cfg, nil, holder, logger),
		log:     logger,
		now:     time.Now,
	}
	if err := lm.restoreSession(); err != nil {
		state.Close()
		return nil, err
	}
	return lm, nil
}

func (lm *LibraryManager) restoreSession() error {
	sess, err := lm.state.LoadSession()
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil
	}
	if sess.Expired(lm.now()) {
		lm.log.Infof("cached session for %s expired, clearing", sess.User.Username)
		return lm.state.ClearSession()
	}
	lm.session.Set(sess)
	return nil
}

// Close closes the local state cache.
func (lm *LibraryManager) Close() error { return lm.state.Close() }

// Client exposes the raw API client.
func (lm *LibraryManager) Client() *Client { return lm.client }

// Config returns the configuration the manager was built with.
func (lm *LibraryManager) Config() Config { return lm.cfg }

// ------------------ Session ------------------

// Session returns the current session or nil.
func (lm *LibraryManager) Session() *Session { return lm.session.Current() }

// CurrentUser returns the logged-in user's cached profile.
func (lm *LibraryManager) CurrentUser() (*User, error) {
	sess := lm.session.Current()
	if sess == nil {
		return nil, ErrNotLoggedIn
	}
	u := sess.User
	return &u, nil
}

// Login authenticates, then persists the new session.
func (lm *LibraryManager) Login(ctx context.Context, username, password string) (*Session, error) {
	resp, err := lm.client.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	sess, err := NewSession(resp)
	if err != nil {
		return nil, err
	}
	lm.session.Set(sess)
	if err := lm.state.SaveSession(sess); err != nil {
		lm.log.Warnf("could not cache session: %v", err)
	}
	return sess, nil
}

// Logout clears the session in memory and on disk.
func (lm *LibraryManager) Logout() error {
	lm.session.Clear()
	return lm.state.ClearSession()
}

func (lm *LibraryManager) Register(ctx context.Context, name, username, password string) (*User, error) {
	return lm.client.Register(ctx, name, username, password)
}

func (lm *LibraryManager) isStudent() bool {
	u, err := lm.CurrentUser()
	return err == nil && !u.Role.IsStaff()
}

// resolveUser maps 0 to the current user's id.
func (lm *LibraryManager) resolveUser(userID int64) (int64, error) {
	if userID != 0 {
		return userID, nil
	}
	u, err := lm.CurrentUser()
	if err != nil {
		return 0, err
	}
	return u.ID, nil
}

// ------------------ Catalog ------------------

// CatalogEntry is a book plus flags derived from the current user's open issues.
type CatalogEntry struct {
	Book
	BorrowedByCurrentUser bool  `json:"borrowedByCurrentUser"`
	IssueID               int64 `json:"issueId,omitempty"`
}

// Catalog lists every book, annotated for the current user.
func (lm *LibraryManager) Catalog(ctx context.Context) ([]CatalogEntry, error) {
	books, err := lm.client.Books(ctx)
	if err != nil {
		return nil, err
	}
	return lm.annotate(ctx, books), nil
}

// Search runs a catalog search, annotated for the current user.
func (lm *LibraryManager) Search(ctx context.Context, by SearchType, keyword string) ([]CatalogEntry, error) {
	books, err := lm.client.SearchBooks(ctx, by, keyword)
	if err != nil {
		return nil, err
	}
	return lm.annotate(ctx, books), nil
}

// annotate never fails: without a session or issue list the flags stay false.
func (lm *LibraryManager) annotate(ctx context.Context, books []Book) []CatalogEntry {
	open := map[int64]int64{}
	if u, err := lm.CurrentUser(); err == nil {
		issues, err := lm.client.UserIssues(ctx, u.ID)
		if err != nil {
			lm.log.Warnf("failed to get user issues: %v", err)
		}
		for _, is := range issues {
			if is.Open() {
				open[is.Book.ID] = is.ID
			}
		}
	}

	entries := make([]CatalogEntry, 0, len(books))
	for _, b := range books {
		issueID, borrowed := open[b.ID]
		entries = append(entries, CatalogEntry{Book: b, BorrowedByCurrentUser: borrowed, IssueID: issueID})
	}
	return entries
}

func (lm *LibraryManager) AddBook(ctx context.Context, b Book) (*Book, error) {
	return lm.client.AddBook(ctx, b)
}

func (lm *LibraryManager) DeleteBook(ctx context.Context, id int64) error {
	return lm.client.DeleteBook(ctx, id)
}

// ------------------ Dashboard ------------------

// DashboardStats are the headline counts shown after login.
type DashboardStats struct {
	TotalBooks         int `json:"totalBooks"`
	AvailableBooks     int `json:"availableBooks"`
	CurrentIssues      int `json:"currentIssues"`
	OverdueIssues      int `json:"overdueIssues"`
	ActiveReservations int `json:"activeReservations"`
}

// Dashboard computes stats for the current user from fresh responses.
func (lm *LibraryManager) Dashboard(ctx context.Context) (*DashboardStats, error) {
	u, err := lm.CurrentUser()
	if err != nil {
		return nil, err
	}
	books, err := lm.client.Books(ctx)
	if err != nil {
		return nil, err
	}

	stats := &DashboardStats{TotalBooks: len(books)}
	for _, b := range books {
		if b.Available {
			stats.AvailableBooks++
		}
	}

	issues, err := lm.client.UserIssues(ctx, u.ID)
	if err != nil {
		lm.log.Warnf("failed to get user issues: %v", err)
	}
	now := lm.now()
	for i := range issues {
		if issues[i].Open() {
			stats.CurrentIssues++
		}
		if issues[i].Overdue(now) {
			stats.OverdueIssues++
		}
	}

	reservations, err := lm.client.UserReservations(ctx, u.ID)
	if err != nil {
		lm.log.Warnf("failed to get reservations: %v", err)
	}
	for _, r := range reservations {
		if r.Active {
			stats.ActiveReservations++
		}
	}
	return stats, nil
}

// ------------------ Circulation ------------------

// Issues lists the current user's issues, or every issue when all is set and
// the user is staff. Students always get their own.
func (lm *LibraryManager) Issues(ctx context.Context, all bool) ([]Issue, error) {
	if all && !lm.isStudent() {
		return lm.client.Issues(ctx)
	}
	id, err := lm.resolveUser(0)
	if err != nil {
		return nil, err
	}
	return lm.client.UserIssues(ctx, id)
}

// Borrow issues a book. userID 0 means the current user.
func (lm *LibraryManager) Borrow(ctx context.Context, bookID, userID int64) (*Issue, error) {
	id, err := lm.resolveUser(userID)
	if err != nil {
		return nil, err
	}
	return lm.client.IssueBook(ctx, bookID, id)
}

func (lm *LibraryManager) Return(ctx context.Context, issueID int64, finePaid *float64) (*Issue, error) {
	return lm.client.ReturnBook(ctx, issueID, finePaid)
}

func (lm *LibraryManager) Fine(ctx context.Context, issueID int64) (*Fine, error) {
	return lm.client.CalculateFine(ctx, issueID)
}

// ------------------ Reservations ------------------

// Reserve places a reservation. userID 0 means the current user.
func (lm *LibraryManager) Reserve(ctx context.Context, bookID, userID int64) (*Reservation, error) {
	id, err := lm.resolveUser(userID)
	if err != nil {
		return nil, err
	}
	return lm.client.ReserveBook(ctx, bookID, id)
}

// Reservations mirrors Issues: staff may see all, students see their own.
func (lm *LibraryManager) Reservations(ctx context.Context, all bool) ([]Reservation, error) {
	if all && !lm.isStudent() {
		return lm.client.Reservations(ctx)
	}
	id, err := lm.resolveUser(0)
	if err != nil {
		return nil, err
	}
	return lm.client.UserReservations(ctx, id)
}

func (lm *LibraryManager) CancelReservation(ctx context.Context, id int64) (*Message, error) {
	return lm.client.CancelReservation(ctx, id)
}

func (lm *LibraryManager) NotifyReservation(ctx context.Context, id int64) (*Notification, error) {
	return lm.client.NotifyReservation(ctx, id)
}

// ------------------ Reports ------------------

// ActivityReport returns the activity report for userID (0 = current user).
// Students are always pointed at their own report.
func (lm *LibraryManager) ActivityReport(ctx context.Context, userID int64) (*UserActivity, error) {
	if lm.isStudent() {
		userID = 0
	}
	id, err := lm.resolveUser(userID)
	if err != nil {
		return nil, err
	}
	return lm.client.UserActivity(ctx, id)
}

// ------------------ Preferences ------------------

// ViewMode returns the stored book view mode, grid by default.
func (lm *LibraryManager) ViewMode() string {
	mode, err := lm.state.Pref(PrefBookViewMode, ViewGrid)
	if err != nil || (mode != ViewGrid && mode != ViewList) {
		return ViewGrid
	}
	return mode
}

func (lm *LibraryManager) SetViewMode(mode string) error {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode != ViewGrid && mode != ViewList {
		return fmt.Errorf("unknown view mode %q (want %s or %s)", mode, ViewGrid, ViewList)
	}
	return lm.state.SetPref(PrefBookViewMode, mode)
}

// ------------------ Bulk import ------------------

// ImportResult is the outcome of one CSV row.
type ImportResult struct {
	Line int
	Book Book
	Err  error
}

// ImportBooks reads CSV rows (header required; recognised columns: title,
// author, isbn, genre, edition, publisher, publicationYear) and adds each as a
// book. Row failures are reported through onRow and do not stop the import.
func (lm *LibraryManager) ImportBooks(ctx context.Context, r io.Reader, onRow func(ImportResult)) (added, failed int, err error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return 0, 0, fmt.Errorf("read header: %w", err)
	}
	cols := map[string]int{}
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols["title"]; !ok {
		return 0, 0, errors.New("csv header must include a title column")
	}

	field := func(rec []string, name string) string {
		if i, ok := cols[strings.ToLower(name)]; ok && i < len(rec) {
			return strings.TrimSpace(rec[i])
		}
		return ""
	}

	line := 1
	for {
		rec, readErr := cr.Read()
		if readErr == io.EOF {
			break
		}
		line++
		if readErr != nil {
			return added, failed, fmt.Errorf("line %d: %w", line, readErr)
		}

		book := Book{
			Title:     field(rec, "title"),
			Author:    field(rec, "author"),
			ISBN:      field(rec, "isbn"),
			Genre:     field(rec, "genre"),
			Edition:   field(rec, "edition"),
			Publisher: field(rec, "publisher"),
			Available: true,
		}
		res := ImportResult{Line: line}
		if y := field(rec, "publicationYear"); y != "" {
			year, convErr := strconv.Atoi(y)
			if convErr != nil {
				res.Err = fmt.Errorf("invalid publication year %q", y)
			} else {
				book.PublicationYear = &year
			}
		}
		res.Book = book
		if res.Err == nil && book.Title == "" {
			res.Err = errors.New("missing title")
		}
		if res.Err == nil {
			var created *Book
			if created, res.Err = lm.client.AddBook(ctx, book); res.Err == nil {
				res.Book = *created
			}
		}

		if res.Err != nil {
			failed++
		} else {
			added++
		}
		if onRow != nil {
			onRow(res)
		}
	}
	return added, failed, nil
}
