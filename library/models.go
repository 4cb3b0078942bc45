package library

import (
	"strings"
	"time"
)

// Role is the authorization level the remote service assigns to a user.
type Role string

const (
	RoleStudent   Role = "STUDENT"
	RoleLibrarian Role = "LIBRARIAN"
	RoleAdmin     Role = "ADMIN"
)

// ParseRole accepts any casing and rejects unknown roles.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(s))); r {
	case RoleStudent, RoleLibrarian, RoleAdmin:
		return r, true
	}
	return "", false
}

// IsStaff reports whether the role may manage the catalog, other users' loans and reports.
func (r Role) IsStaff() bool { return r == RoleLibrarian || r == RoleAdmin }

// DateLayout is the calendar-date format the service uses for issue and due dates.
const DateLayout = "2006-01-02"

// Book is a catalog entry as returned by the service.
type Book struct {
	ID              int64  `json:"id,omitempty"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	ISBN            string `json:"isbn,omitempty"`
	Genre           string `json:"genre,omitempty"`
	Edition         string `json:"edition,omitempty"`
	Publisher       string `json:"publisher,omitempty"`
	PublicationYear *int   `json:"publicationYear,omitempty"`
	Available       bool   `json:"available"`
}

// User is a registered account. Password is only ever sent, never read back.
type User struct {
	ID       int64  `json:"id,omitempty"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
	Role     Role   `json:"role,omitempty"`
}

// Issue is a borrowing record linking a user and a book.
type Issue struct {
	ID         int64    `json:"id"`
	Book       Book     `json:"book"`
	User       User     `json:"user"`
	IssueDate  string   `json:"issueDate"`
	DueDate    string   `json:"dueDate"`
	ReturnDate string   `json:"returnDate,omitempty"`
	FinePaid   *float64 `json:"finePaid,omitempty"`
}

// Open reports whether the book has not been returned yet.
func (i *Issue) Open() bool { return i.ReturnDate == "" }

// Overdue reports whether an open issue is past its due date on the given day.
// An unparseable due date is never overdue.
func (i *Issue) Overdue(now time.Time) bool {
	if !i.Open() {
		return false
	}
	due, err := time.Parse(DateLayout, i.DueDate)
	if err != nil {
		return false
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return today.After(due)
}

// Reservation is a standing request for a book that is currently out.
type Reservation struct {
	ID              int64  `json:"id"`
	Book            Book   `json:"book"`
	User            User   `json:"user"`
	ReservationDate string `json:"reservationDate"`
	Active          bool   `json:"active"`
	Notified        bool   `json:"notified"`
}

// LoginResponse is the flat body returned by /users/login.
type LoginResponse struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Token    string `json:"token"`
}

// Fine is the result of /issues/fine/{id}.
type Fine struct {
	IssueID     int64   `json:"issueId"`
	BookTitle   string  `json:"bookTitle"`
	UserName    string  `json:"userName"`
	DueDate     string  `json:"dueDate"`
	DaysOverdue int64   `json:"daysOverdue"`
	FineAmount  float64 `json:"fineAmount"`
}

// PopularBook is one row of the most-issued report.
type PopularBook struct {
	ID         int64  `json:"id"`
	Title      string `json:"title"`
	Author     string `json:"author"`
	Available  bool   `json:"available"`
	IssueCount int64  `json:"issueCount"`
}

// CurrentBorrow is an open loan inside a user activity report.
type CurrentBorrow struct {
	IssueID     int64  `json:"issueId"`
	Book        Book   `json:"book"`
	IssueDate   string `json:"issueDate"`
	DueDate     string `json:"dueDate"`
	DaysOverdue int64  `json:"daysOverdue"`
}

// UserActivity is the per-user report from /issues/reports/userActivity/{id}.
type UserActivity struct {
	User                   User            `json:"user"`
	TotalBooksIssued       int64           `json:"totalBooksIssued"`
	TotalCurrentlyBorrowed int64           `json:"totalCurrentlyBorrowed"`
	TotalFinesPaid         float64         `json:"totalFinesPaid"`
	CurrentBorrows         []CurrentBorrow `json:"currentBorrows"`
}

// FinesReport summarizes collected and outstanding fines. FinesByMonth is keyed
// by month number (1-12) of the current year.
type FinesReport struct {
	TotalFinesCollected float64            `json:"totalFinesCollected"`
	FinesByMonth        map[string]float64 `json:"finesByMonth"`
	OutstandingFines    float64            `json:"outstandingFines"`
}

// OverdueIssue is one row of /reports/overdue.
type OverdueIssue struct {
	IssueID       int64   `json:"issueId"`
	BookID        int64   `json:"bookId"`
	BookTitle     string  `json:"bookTitle"`
	UserID        int64   `json:"userId"`
	UserName      string  `json:"userName"`
	IssueDate     string  `json:"issueDate"`
	DueDate       string  `json:"dueDate"`
	DaysOverdue   int64   `json:"daysOverdue"`
	EstimatedFine float64 `json:"estimatedFine"`
}

// Notification is the acknowledgement for /reservations/notify-available/{id}.
type Notification struct {
	Message     string      `json:"message"`
	Reservation Reservation `json:"reservation"`
}

// Message is the generic {"message": "..."} acknowledgement.
type Message struct {
	Message string `json:"message"`
}

// SearchType selects the field /books/search matches against.
type SearchType string

const (
	SearchByTitle  SearchType = "title"
	SearchByAuthor SearchType = "author"
	SearchByISBN   SearchType = "isbn"
	SearchByGenre  SearchType = "genre"
)
