package library

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// fakeService answers the handful of endpoints the manager tests touch.
type fakeService struct {
	t       *testing.T
	token   string
	books   []Book
	issues  []Issue
	reserve []Reservation
	added   recorder
}

func (f *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("POST /users/login", func(w http.ResponseWriter, r *http.Request) {
		write(w, LoginResponse{ID: 7, Name: "Sam", Username: "sam", Role: RoleStudent, Token: f.token})
	})
	mux.HandleFunc("GET /books", func(w http.ResponseWriter, r *http.Request) {
		write(w, f.books)
	})
	mux.HandleFunc("POST /books", func(w http.ResponseWriter, r *http.Request) {
		var b Book
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.added.add(b.Title)
		b.ID = 100
		write(w, b)
	})
	mux.HandleFunc("GET /issues", func(w http.ResponseWriter, r *http.Request) {
		f.t.Errorf("student must not list every issue")
		write(w, f.issues)
	})
	mux.HandleFunc("GET /issues/user/7", func(w http.ResponseWriter, r *http.Request) {
		write(w, f.issues)
	})
	mux.HandleFunc("GET /reservations/user/7", func(w http.ResponseWriter, r *http.Request) {
		write(w, f.reserve)
	})
	return mux
}

func newManager(t *testing.T, svc *fakeService) (*LibraryManager, Config) {
	t.Helper()
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)

	cfg := Config{BaseURL: srv.URL, StatePath: filepath.Join(t.TempDir(), "state.db"), SessionSecret: "test"}
	mgr, err := NewLibraryManager(cfg, nil)
	if err != nil {
		t.Fatalf("mgr: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr, cfg
}

func TestLoginPersistsSessionAcrossRestarts(t *testing.T) {
	svc := &fakeService{t: t, token: signedToken(t, time.Now().Add(time.Hour))}
	mgr, cfg := newManager(t, svc)

	if _, err := mgr.CurrentUser(); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("want ErrNotLoggedIn before login, got %v", err)
	}
	if _, err := mgr.Login(context.Background(), "sam", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	mgr.Close()

	again, err := NewLibraryManager(cfg, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	u, err := again.CurrentUser()
	if err != nil {
		t.Fatalf("current user: %v", err)
	}
	if u.ID != 7 || u.Role != RoleStudent {
		t.Fatalf("user = %+v", u)
	}

	if err := again.Logout(); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if again.Session() != nil {
		t.Fatalf("session kept after logout")
	}
}

func TestExpiredSessionIsNotRestored(t *testing.T) {
	svc := &fakeService{t: t, token: signedToken(t, time.Now().Add(-time.Minute))}
	mgr, cfg := newManager(t, svc)
	if _, err := mgr.Login(context.Background(), "sam", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	mgr.Close()

	again, err := NewLibraryManager(cfg, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer again.Close()
	if again.Session() != nil {
		t.Fatalf("expired session restored")
	}
}

func TestCatalogMarksBooksBorrowedByCurrentUser(t *testing.T) {
	svc := &fakeService{
		t:     t,
		token: "opaque",
		books: []Book{{ID: 1, Title: "A", Available: false}, {ID: 2, Title: "B", Available: true}, {ID: 3, Title: "C"}},
		issues: []Issue{
			{ID: 11, Book: Book{ID: 1}, IssueDate: "2024-03-01", DueDate: "2024-03-15"},
			{ID: 12, Book: Book{ID: 3}, IssueDate: "2024-01-01", DueDate: "2024-01-15", ReturnDate: "2024-01-10"},
		},
	}
	mgr, _ := newManager(t, svc)

	entries, err := mgr.Catalog(context.Background())
	if err != nil {
		t.Fatalf("catalog without session: %v", err)
	}
	for _, e := range entries {
		if e.BorrowedByCurrentUser {
			t.Fatalf("no session, yet %d marked borrowed", e.ID)
		}
	}

	if _, err := mgr.Login(context.Background(), "sam", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	entries, err = mgr.Catalog(context.Background())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries", len(entries))
	}
	if !entries[0].BorrowedByCurrentUser || entries[0].IssueID != 11 {
		t.Fatalf("book 1 = %+v", entries[0])
	}
	if entries[1].BorrowedByCurrentUser || entries[2].BorrowedByCurrentUser {
		t.Fatalf("returned or untouched books marked borrowed")
	}
}

func TestDashboardCounts(t *testing.T) {
	svc := &fakeService{
		t:     t,
		token: "opaque",
		books: []Book{{ID: 1, Available: true}, {ID: 2, Available: false}, {ID: 3, Available: true}},
		issues: []Issue{
			{ID: 1, Book: Book{ID: 2}, DueDate: "2024-03-01"},
			{ID: 2, Book: Book{ID: 3}, DueDate: "2024-03-20"},
			{ID: 3, Book: Book{ID: 1}, DueDate: "2024-02-01", ReturnDate: "2024-02-05"},
		},
		reserve: []Reservation{{ID: 1, Active: true}, {ID: 2, Active: false}},
	}
	mgr, _ := newManager(t, svc)
	mgr.now = func() time.Time { return time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC) }

	if _, err := mgr.Dashboard(context.Background()); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("want ErrNotLoggedIn, got %v", err)
	}
	if _, err := mgr.Login(context.Background(), "sam", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}

	stats, err := mgr.Dashboard(context.Background())
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	want := DashboardStats{TotalBooks: 3, AvailableBooks: 2, CurrentIssues: 2, OverdueIssues: 1, ActiveReservations: 1}
	if *stats != want {
		t.Fatalf("stats = %+v, want %+v", *stats, want)
	}
}

func TestStudentIssuesAreAlwaysOwn(t *testing.T) {
	svc := &fakeService{t: t, token: "opaque", issues: []Issue{{ID: 5}}}
	mgr, _ := newManager(t, svc)
	if _, err := mgr.Login(context.Background(), "sam", "pw"); err != nil {
		t.Fatalf("login: %v", err)
	}
	issues, err := mgr.Issues(context.Background(), true)
	if err != nil {
		t.Fatalf("issues: %v", err)
	}
	if len(issues) != 1 || issues[0].ID != 5 {
		t.Fatalf("issues = %+v", issues)
	}
}

func TestBorrowNeedsUserWithoutSession(t *testing.T) {
	mgr, _ := newManager(t, &fakeService{t: t})
	if _, err := mgr.Borrow(context.Background(), 1, 0); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("want ErrNotLoggedIn, got %v", err)
	}
}

func TestViewMode(t *testing.T) {
	mgr, _ := newManager(t, &fakeService{t: t})
	if got := mgr.ViewMode(); got != ViewGrid {
		t.Fatalf("default view = %q", got)
	}
	if err := mgr.SetViewMode(" LIST "); err != nil {
		t.Fatalf("set view: %v", err)
	}
	if got := mgr.ViewMode(); got != ViewList {
		t.Fatalf("view = %q", got)
	}
	if err := mgr.SetViewMode("table"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestImportBooks(t *testing.T) {
	svc := &fakeService{t: t}
	mgr, _ := newManager(t, svc)

	csvData := strings.Join([]string{
		"Title,Author,ISBN,publicationYear",
		"Dune,Frank Herbert,9780441013593,1965",
		",Nobody,,",
		"Emma,Jane Austen,,nineteen",
		"Ulysses,James Joyce,,",
	}, "\n")

	var rows []ImportResult
	added, failed, err := mgr.ImportBooks(context.Background(), strings.NewReader(csvData), func(r ImportResult) {
		rows = append(rows, r)
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if added != 2 || failed != 2 {
		t.Fatalf("added=%d failed=%d", added, failed)
	}
	if got := svc.added.all(); len(got) != 2 || got[0] != "Dune" || got[1] != "Ulysses" {
		t.Fatalf("posted titles = %v", got)
	}
	if rows[0].Book.ID != 100 || rows[0].Book.PublicationYear == nil || *rows[0].Book.PublicationYear != 1965 {
		t.Fatalf("first row = %+v", rows[0])
	}
	if rows[1].Line != 3 || rows[1].Err == nil {
		t.Fatalf("second row = %+v", rows[1])
	}
}

func TestImportBooksNeedsTitleColumn(t *testing.T) {
	mgr, _ := newManager(t, &fakeService{t: t})
	if _, _, err := mgr.ImportBooks(context.Background(), strings.NewReader("author\nX\n"), nil); err == nil {
		t.Fatalf("expected header error")
	}
}
