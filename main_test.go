package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"library-client/devserver"
	"library-client/library"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"Dune", 10, "Dune"},
		{"The Fellowship of the Ring", 10, "The Fel..."},
		{"abcdef", 3, "abc"},
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := truncateString(tt.in, tt.max); got != tt.want {
			t.Errorf("truncateString(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestParseID(t *testing.T) {
	if id, err := parseID(" 42 ", "book ID"); err != nil || id != 42 {
		t.Fatalf("parseID = %d, %v", id, err)
	}
	for _, bad := range []string{"", "0", "-3", "seven"} {
		if _, err := parseID(bad, "book ID"); err == nil {
			t.Errorf("parseID(%q) succeeded", bad)
		}
	}
}

func TestParseSearchType(t *testing.T) {
	st, err := parseSearchType(" ISBN ")
	if err != nil || st != library.SearchByISBN {
		t.Fatalf("parseSearchType = %q, %v", st, err)
	}
	if _, err := parseSearchType("publisher"); err == nil {
		t.Fatal("expected error for unknown search type")
	}
}

func TestPrintCatalogModes(t *testing.T) {
	year := 1965
	entries := []library.CatalogEntry{
		{Book: library.Book{ID: 1, Title: "Dune", Author: "Frank Herbert", Genre: "SF", PublicationYear: &year, Available: false}, BorrowedByCurrentUser: true, IssueID: 9},
		{Book: library.Book{ID: 2, Title: "Emma", Author: "Jane Austen", Available: true}},
	}

	var grid bytes.Buffer
	printCatalog(&grid, entries, library.ViewGrid)
	for _, want := range []string{"[1] Dune", "by Frank Herbert | SF | 1965", "Borrowed by you (issue 9)", "[2] Emma", "Available"} {
		if !strings.Contains(grid.String(), want) {
			t.Errorf("grid output missing %q:\n%s", want, grid.String())
		}
	}

	var list bytes.Buffer
	printCatalog(&list, entries, library.ViewList)
	lines := strings.Split(strings.TrimSpace(list.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("list output has %d lines, want header, rule and 2 rows:\n%s", len(lines), list.String())
	}
	if !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[3], "Jane Austen") {
		t.Errorf("unexpected list output:\n%s", list.String())
	}

	var empty bytes.Buffer
	printCatalog(&empty, nil, library.ViewList)
	if got := strings.TrimSpace(empty.String()); got != "No books in library." {
		t.Errorf("empty catalog = %q", got)
	}
}

func TestPrintIssuesStatus(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	fine := 3.0
	issues := []library.Issue{
		{ID: 1, Book: library.Book{Title: "Dune"}, User: library.User{Name: "Sam"}, IssueDate: "2024-02-01", DueDate: "2024-02-15"},
		{ID: 2, Book: library.Book{Title: "Emma"}, User: library.User{Name: "Sam"}, IssueDate: "2024-03-01", DueDate: "2024-03-15"},
		{ID: 3, Book: library.Book{Title: "Ulysses"}, User: library.User{Name: "Sam"}, IssueDate: "2024-01-01", DueDate: "2024-01-15", ReturnDate: "2024-01-18", FinePaid: &fine},
	}
	var buf bytes.Buffer
	printIssues(&buf, issues, now)
	out := buf.String()
	for _, want := range []string{"OVERDUE", "Open", "Returned, fine 3.00"} {
		if !strings.Contains(out, want) {
			t.Errorf("issues output missing %q:\n%s", want, out)
		}
	}
}

func TestShellSession(t *testing.T) {
	srv, err := devserver.New(devserver.Config{
		DBPath:        filepath.Join(t.TempDir(), "dev.db"),
		Prefix:        "/api",
		JWTSecret:     "shell-test",
		AdminName:     "Admin User",
		AdminUsername: "admin",
		AdminPassword: "admin123",
		CORSOrigins:   []string{"*"},
	}, nil)
	if err != nil {
		t.Fatalf("dev server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})

	mgr, err := library.NewLibraryManager(library.Config{
		BaseURL:   ts.URL,
		Prefix:    "/api",
		StatePath: filepath.Join(t.TempDir(), "state.db"),
		Timeout:   5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	script := strings.Join([]string{
		"login", "admin", "admin123",
		"add book", "Dune", "Frank Herbert", "", "SF", "", "1965",
		"view", "list",
		"list books",
		"frobnicate",
		"exit",
		"whoami",
	}, "\n") + "\n"

	var out bytes.Buffer
	a := &app{mgr: mgr, in: bufio.NewReader(strings.NewReader(script)), out: &out}
	if err := a.runShell(context.Background()); err != nil {
		t.Fatalf("runShell: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"Logged in as Admin User (ADMIN)",
		"Added book ID 1.",
		"Book view: list",
		"Dune",
		"Unknown command.",
		"Goodbye!",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("shell output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "Username: admin") {
		t.Error("shell kept reading after exit")
	}
	if mgr.ViewMode() != library.ViewList {
		t.Errorf("view mode = %q, want list", mgr.ViewMode())
	}
}

func TestShellStopsAtEOF(t *testing.T) {
	mgr, err := library.NewLibraryManager(library.Config{
		BaseURL:   "http://127.0.0.1:1",
		StatePath: filepath.Join(t.TempDir(), "state.db"),
	}, nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })

	var out bytes.Buffer
	a := &app{mgr: mgr, in: bufio.NewReader(strings.NewReader("help\n")), out: &out}
	if err := a.runShell(context.Background()); err != nil {
		t.Fatalf("runShell: %v", err)
	}
	if !strings.Contains(out.String(), "Available commands:") {
		t.Errorf("help not printed:\n%s", out.String())
	}
}

// returnLog records return queries seen by the fake service.
type returnLog struct {
	mu      sync.Mutex
	queries []string
}

func (l *returnLog) add(q string) {
	l.mu.Lock()
	l.queries = append(l.queries, q)
	l.mu.Unlock()
}

func (l *returnLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.queries...)
}

// fineService answers the fine lookup with amount and records return queries.
func fineService(t *testing.T, amount float64, returns *returnLog) *library.LibraryManager {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /issues/fine/4", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(library.Fine{IssueID: 4, BookTitle: "Dune", UserName: "Sam", DueDate: "2024-03-01", DaysOverdue: int64(amount), FineAmount: amount})
	})
	mux.HandleFunc("POST /issues/return", func(w http.ResponseWriter, r *http.Request) {
		returns.add(r.URL.RawQuery)
		is := library.Issue{ID: 4, Book: library.Book{Title: "Dune"}, User: library.User{Name: "Sam"}, ReturnDate: "2024-03-07"}
		if v := r.URL.Query().Get("finePaid"); v != "" {
			f := amount
			is.FinePaid = &f
		}
		json.NewEncoder(w).Encode(is)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mgr, err := library.NewLibraryManager(library.Config{
		BaseURL:   srv.URL,
		StatePath: filepath.Join(t.TempDir(), "state.db"),
		Timeout:   5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	return mgr
}

func TestReturnConfirmsOverdueFine(t *testing.T) {
	tests := []struct {
		name        string
		amount      float64
		input       string
		args        []string
		wantReturns []string
		wantOut     []string
	}{
		{
			name:        "accepted",
			amount:      6,
			input:       "y\n",
			args:        []string{"4"},
			wantReturns: []string{"finePaid=6&issueId=4"},
			wantOut:     []string{"A fine of 6.00 is applicable", "Proceed with return?", "Fine paid: 6.00"},
		},
		{
			name:    "declined",
			amount:  6,
			input:   "n\n",
			args:    []string{"4"},
			wantOut: []string{"Proceed with return?", "Return cancelled."},
		},
		{
			name:        "assume yes",
			amount:      2.5,
			args:        []string{"4", "--yes"},
			wantReturns: []string{"finePaid=2.5&issueId=4"},
			wantOut:     []string{"A fine of 2.50 is applicable", "Fine paid: 2.50"},
		},
		{
			name:        "nothing owed",
			amount:      0,
			args:        []string{"4"},
			wantReturns: []string{"issueId=4"},
			wantOut:     []string{"Book 'Dune' returned by Sam"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			returns := &returnLog{}
			mgr := fineService(t, tt.amount, returns)

			var out bytes.Buffer
			a := &app{mgr: mgr, in: bufio.NewReader(strings.NewReader(tt.input)), out: &out}
			cmd := returnCmd(a)
			cmd.SetArgs(tt.args)
			if err := cmd.ExecuteContext(context.Background()); err != nil {
				t.Fatalf("return: %v", err)
			}

			if got := returns.all(); strings.Join(got, "|") != strings.Join(tt.wantReturns, "|") {
				t.Errorf("return calls = %q, want %q", got, tt.wantReturns)
			}
			for _, want := range tt.wantOut {
				if !strings.Contains(out.String(), want) {
					t.Errorf("output missing %q:\n%s", want, out.String())
				}
			}
			if tt.amount == 0 && strings.Contains(out.String(), "Proceed") {
				t.Errorf("asked for confirmation with no fine:\n%s", out.String())
			}
		})
	}
}

func TestShellReturnAsksAboutFine(t *testing.T) {
	returns := &returnLog{}
	mgr := fineService(t, 3, returns)

	var out bytes.Buffer
	a := &app{mgr: mgr, in: bufio.NewReader(strings.NewReader("return\n4\nyes\nexit\n")), out: &out}
	if err := a.runShell(context.Background()); err != nil {
		t.Fatalf("runShell: %v", err)
	}
	if got := returns.all(); len(got) != 1 || got[0] != "finePaid=3&issueId=4" {
		t.Fatalf("return calls = %q", got)
	}
	if !strings.Contains(out.String(), "Fine paid: 3.00") {
		t.Errorf("output:\n%s", out.String())
	}
}
