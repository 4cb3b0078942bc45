package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"library-client/library"
)

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil
}

func queryID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return id, err == nil
}

// caller is the authenticated user; authenticate guarantees it is present.
func caller(r *http.Request) *library.User {
	u, _ := currentUser(r.Context())
	return u
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Errorf("%v", err)
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

func (s *Server) today() time.Time {
	now := s.now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// daysOverdue counts whole days past the due date, zero when not late.
func (s *Server) daysOverdue(dueDate string) int64 {
	due, err := time.Parse(library.DateLayout, dueDate)
	if err != nil {
		return 0
	}
	today := s.today()
	if !today.After(due) {
		return 0
	}
	return int64(today.Sub(due).Hours() / 24)
}

// fineFor is what was paid for a returned book, or what is owed so far.
func (s *Server) fineFor(is *library.Issue) float64 {
	if !is.Open() {
		if is.FinePaid != nil {
			return *is.FinePaid
		}
		return 0
	}
	return float64(s.daysOverdue(is.DueDate)) * FinePerDay
}

// ------------------ Users ------------------

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req library.User
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password required")
		return
	}
	role := library.RoleStudent
	if req.Role != "" {
		var ok bool
		if role, ok = library.ParseRole(string(req.Role)); !ok {
			writeError(w, http.StatusBadRequest, "Invalid role")
			return
		}
	}
	hash, err := hashPassword(req.Password)
	if err != nil {
		s.internalError(w, err)
		return
	}
	u, err := s.store.CreateUser(req.Name, strings.TrimSpace(req.Username), hash, role)
	if errors.Is(err, ErrConflict) {
		writeError(w, http.StatusConflict, "Username already taken")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req library.User
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	rec, err := s.store.userByUsername(req.Username)
	if err != nil || !checkPassword(rec.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
		return
	}
	token, err := s.tokens.issue(rec.User)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, library.LoginResponse{
		ID:       rec.ID,
		Name:     rec.Name,
		Username: rec.Username,
		Role:     rec.Role,
		Token:    token,
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.Users("")
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleUsersByRole(w http.ResponseWriter, r *http.Request) {
	role, ok := library.ParseRole(chi.URLParam(r, "role"))
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid role")
		return
	}
	users, err := s.store.Users(role)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

// loadUser resolves {id} and enforces admin-or-self access.
func (s *Server) loadUser(w http.ResponseWriter, r *http.Request) (*userRecord, bool) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return nil, false
	}
	rec, err := s.store.userByID(id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return nil, false
	}
	if err != nil {
		s.internalError(w, err)
		return nil, false
	}
	if me := caller(r); me.Role != library.RoleAdmin && me.ID != id {
		writeError(w, http.StatusForbidden, "Access denied")
		return nil, false
	}
	return rec, true
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec.User)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.loadUser(w, r)
	if !ok {
		return
	}
	var req library.User
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}

	isAdmin := caller(r).Role == library.RoleAdmin
	u := rec.User
	if req.Role != "" && req.Role != u.Role {
		if !isAdmin {
			writeError(w, http.StatusForbidden, "Only administrators can change user roles")
			return
		}
		role, ok := library.ParseRole(string(req.Role))
		if !ok {
			writeError(w, http.StatusBadRequest, "Invalid role")
			return
		}
		u.Role = role
	}
	if strings.TrimSpace(req.Name) != "" {
		u.Name = req.Name
	}
	if strings.TrimSpace(req.Username) != "" {
		u.Username = strings.TrimSpace(req.Username)
	}

	var hash string
	if req.Password != "" {
		var err error
		if hash, err = hashPassword(req.Password); err != nil {
			s.internalError(w, err)
			return
		}
	}
	err := s.store.UpdateUser(u, hash)
	if errors.Is(err, ErrConflict) {
		writeError(w, http.StatusBadRequest, "Username already taken")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return
	}
	switch err := s.store.DeleteUser(id); {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found")
	case errors.Is(err, ErrInUse):
		writeError(w, http.StatusConflict, "User has issue or reservation records")
	case err != nil:
		s.internalError(w, err)
	default:
		writeJSON(w, http.StatusOK, library.Message{Message: "User deleted successfully"})
	}
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return
	}
	rec, err := s.store.userByID(id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	var req struct {
		Role string `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil || req.Role == "" {
		writeError(w, http.StatusBadRequest, "Role is required")
		return
	}
	role, ok := library.ParseRole(req.Role)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid role")
		return
	}
	u := rec.User
	u.Role = role
	if err := s.store.UpdateUser(u, ""); err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ------------------ Books ------------------

func (s *Server) handleListBooks(w http.ResponseWriter, r *http.Request) {
	books, err := s.store.Books()
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleSearchBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	books, err := s.store.SearchBooks(library.SearchType(q.Get("type")), q.Get("keyword"))
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, books)
}

func (s *Server) handleAddBook(w http.ResponseWriter, r *http.Request) {
	var b library.Book
	if err := decodeJSON(r, &b); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	if strings.TrimSpace(b.Title) == "" {
		writeError(w, http.StatusBadRequest, "Title is required")
		return
	}
	b.ID = 0
	b.Available = true
	created, err := s.store.AddBook(b)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, created)
}

func (s *Server) handleUpdateBook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid book id")
		return
	}
	existing, err := s.store.BookByID(id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusBadRequest, "Book not found")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	var b library.Book
	if err := decodeJSON(r, &b); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	// availability only changes through issue and return
	b.ID = id
	b.Available = existing.Available
	if strings.TrimSpace(b.Title) == "" {
		b.Title = existing.Title
	}
	if err := s.store.UpdateBook(b); err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid book id")
		return
	}
	switch err := s.store.DeleteBook(id); {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "Book not found")
	case errors.Is(err, ErrInUse):
		writeError(w, http.StatusConflict, "Book has issue or reservation records")
	case err != nil:
		s.internalError(w, err)
	default:
		writeJSON(w, http.StatusOK, library.Message{Message: "Book deleted successfully"})
	}
}

// ------------------ Issues ------------------

// bookAndUser resolves the bookId/userId query pair shared by issue and reserve.
func (s *Server) bookAndUser(w http.ResponseWriter, r *http.Request) (*library.Book, *userRecord, bool) {
	bookID, okB := queryID(r, "bookId")
	userID, okU := queryID(r, "userId")
	if !okB || !okU {
		writeError(w, http.StatusBadRequest, "bookId and userId are required")
		return nil, nil, false
	}
	book, err := s.store.BookByID(bookID)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusBadRequest, "Book not found")
		return nil, nil, false
	}
	if err != nil {
		s.internalError(w, err)
		return nil, nil, false
	}
	user, err := s.store.userByID(userID)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusBadRequest, "User not found")
		return nil, nil, false
	}
	if err != nil {
		s.internalError(w, err)
		return nil, nil, false
	}
	return book, user, true
}

func (s *Server) handleIssueBook(w http.ResponseWriter, r *http.Request) {
	book, user, ok := s.bookAndUser(w, r)
	if !ok {
		return
	}
	if !book.Available {
		writeError(w, http.StatusBadRequest, "Book is not available")
		return
	}
	if me := caller(r); !me.Role.IsStaff() && me.ID != user.ID {
		writeError(w, http.StatusForbidden, "Students can only borrow books for themselves")
		return
	}
	today := s.today()
	is, err := s.store.IssueBook(book.ID, user.ID,
		today.Format(library.DateLayout), today.AddDate(0, 0, LoanPeriodDays).Format(library.DateLayout))
	if errors.Is(err, ErrUnavailable) {
		writeError(w, http.StatusBadRequest, "Book is not available")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, is)
}

func (s *Server) handleReturnBook(w http.ResponseWriter, r *http.Request) {
	issueID, ok := queryID(r, "issueId")
	if !ok {
		writeError(w, http.StatusBadRequest, "issueId is required")
		return
	}
	is, err := s.store.IssueByID(issueID)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Issue record not found: %d", issueID))
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	if me := caller(r); !me.Role.IsStaff() && me.ID != is.User.ID {
		writeError(w, http.StatusForbidden, "Students can only return their own books")
		return
	}
	if !is.Open() {
		writeError(w, http.StatusBadRequest, "Book already returned")
		return
	}

	fine := s.fineFor(is)
	if v := r.URL.Query().Get("finePaid"); v != "" {
		paid, err := strconv.ParseFloat(v, 64)
		if err != nil || paid < 0 {
			writeError(w, http.StatusBadRequest, "Invalid finePaid")
			return
		}
		fine = paid
	}
	is, err = s.store.ReturnIssue(issueID, s.today().Format(library.DateLayout), fine)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusBadRequest, "Book already returned")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, is)
}

// ownUserParam resolves {userId} and lets students see only themselves.
func (s *Server) ownUserParam(w http.ResponseWriter, r *http.Request, denied string) (int64, bool) {
	userID, ok := pathID(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return 0, false
	}
	if _, err := s.store.userByID(userID); err != nil {
		if errors.Is(err, ErrNotFound) {
			writeError(w, http.StatusBadRequest, "User not found")
		} else {
			s.internalError(w, err)
		}
		return 0, false
	}
	if me := caller(r); !me.Role.IsStaff() && me.ID != userID {
		writeError(w, http.StatusForbidden, denied)
		return 0, false
	}
	return userID, true
}

func (s *Server) handleUserIssues(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.ownUserParam(w, r, "Students can only view their own records")
	if !ok {
		return
	}
	issues, err := s.store.IssuesByUser(userID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issues)
}

func (s *Server) handleAllIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := s.store.Issues()
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, issues)
}

func (s *Server) handleFine(w http.ResponseWriter, r *http.Request) {
	issueID, ok := pathID(r, "issueId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid issue id")
		return
	}
	is, err := s.store.IssueByID(issueID)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusBadRequest, "Issue record not found")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	if me := caller(r); !me.Role.IsStaff() && me.ID != is.User.ID {
		writeError(w, http.StatusForbidden, "Students can only calculate fines for their own books")
		return
	}
	writeJSON(w, http.StatusOK, library.Fine{
		IssueID:     is.ID,
		BookTitle:   is.Book.Title,
		UserName:    is.User.Name,
		DueDate:     is.DueDate,
		DaysOverdue: s.daysOverdue(is.DueDate),
		FineAmount:  s.fineFor(is),
	})
}

// ------------------ Reports ------------------

func (s *Server) handleMostIssued(w http.ResponseWriter, r *http.Request) {
	issues, err := s.store.Issues()
	if err != nil {
		s.internalError(w, err)
		return
	}
	counts := map[int64]*library.PopularBook{}
	for _, is := range issues {
		pb, ok := counts[is.Book.ID]
		if !ok {
			pb = &library.PopularBook{ID: is.Book.ID, Title: is.Book.Title, Author: is.Book.Author, Available: is.Book.Available}
			counts[is.Book.ID] = pb
		}
		pb.IssueCount++
	}
	out := make([]library.PopularBook, 0, len(counts))
	for _, pb := range counts {
		out = append(out, *pb)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IssueCount != out[j].IssueCount {
			return out[i].IssueCount > out[j].IssueCount
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > 10 {
		out = out[:10]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUserActivity(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathID(r, "userId")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid user id")
		return
	}
	rec, err := s.store.userByID(userID)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusBadRequest, "User not found")
		return
	}
	if err != nil {
		s.internalError(w, err)
		return
	}
	if me := caller(r); !me.Role.IsStaff() && me.ID != userID {
		writeError(w, http.StatusForbidden, "Access denied")
		return
	}
	issues, err := s.store.IssuesByUser(userID)
	if err != nil {
		s.internalError(w, err)
		return
	}

	report := library.UserActivity{
		User:             rec.User,
		TotalBooksIssued: int64(len(issues)),
		CurrentBorrows:   []library.CurrentBorrow{},
	}
	for i := range issues {
		is := &issues[i]
		if is.FinePaid != nil {
			report.TotalFinesPaid += *is.FinePaid
		}
		if is.Open() {
			report.CurrentBorrows = append(report.CurrentBorrows, library.CurrentBorrow{
				IssueID:     is.ID,
				Book:        library.Book{ID: is.Book.ID, Title: is.Book.Title, Author: is.Book.Author},
				IssueDate:   is.IssueDate,
				DueDate:     is.DueDate,
				DaysOverdue: s.daysOverdue(is.DueDate),
			})
		}
	}
	report.TotalCurrentlyBorrowed = int64(len(report.CurrentBorrows))
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleFinesReport(w http.ResponseWriter, r *http.Request) {
	issues, err := s.store.Issues()
	if err != nil {
		s.internalError(w, err)
		return
	}
	year := s.today().Year()
	report := library.FinesReport{FinesByMonth: map[string]float64{}}
	for i := range issues {
		is := &issues[i]
		if is.FinePaid != nil {
			report.TotalFinesCollected += *is.FinePaid
		}
		if is.Open() {
			report.OutstandingFines += s.fineFor(is)
			continue
		}
		returned, err := time.Parse(library.DateLayout, is.ReturnDate)
		if err == nil && returned.Year() == year && is.FinePaid != nil {
			report.FinesByMonth[strconv.Itoa(int(returned.Month()))] += *is.FinePaid
		}
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleOverdueReport(w http.ResponseWriter, r *http.Request) {
	issues, err := s.store.Issues()
	if err != nil {
		s.internalError(w, err)
		return
	}
	rows := []library.OverdueIssue{}
	for _, is := range issues {
		days := s.daysOverdue(is.DueDate)
		if !is.Open() || days == 0 {
			continue
		}
		rows = append(rows, library.OverdueIssue{
			IssueID:       is.ID,
			BookID:        is.Book.ID,
			BookTitle:     is.Book.Title,
			UserID:        is.User.ID,
			UserName:      is.User.Name,
			IssueDate:     is.IssueDate,
			DueDate:       is.DueDate,
			DaysOverdue:   days,
			EstimatedFine: float64(days) * FinePerDay,
		})
	}
	writeJSON(w, http.StatusOK, rows)
}

// ------------------ Reservations ------------------

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	book, user, ok := s.bookAndUser(w, r)
	if !ok {
		return
	}
	if book.Available {
		writeError(w, http.StatusBadRequest, "Book is available. No need to reserve")
		return
	}
	if me := caller(r); !me.Role.IsStaff() && me.ID != user.ID {
		writeError(w, http.StatusForbidden, "Students can only reserve books for themselves")
		return
	}
	res, err := s.store.Reserve(book.ID, user.ID, s.today().Format(library.DateLayout))
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleUserReservations(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.ownUserParam(w, r, "Students can only view their own reservations")
	if !ok {
		return
	}
	out, err := s.store.ReservationsByUser(userID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAllReservations(w http.ResponseWriter, r *http.Request) {
	out, err := s.store.Reservations()
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) loadReservation(w http.ResponseWriter, r *http.Request) (*library.Reservation, bool) {
	id, ok := pathID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid reservation id")
		return nil, false
	}
	res, err := s.store.ReservationByID(id)
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusBadRequest, "Reservation not found")
		return nil, false
	}
	if err != nil {
		s.internalError(w, err)
		return nil, false
	}
	return res, true
}

func (s *Server) handleCancelReservation(w http.ResponseWriter, r *http.Request) {
	res, ok := s.loadReservation(w, r)
	if !ok {
		return
	}
	if me := caller(r); !me.Role.IsStaff() && me.ID != res.User.ID {
		writeError(w, http.StatusForbidden, "You can only cancel your own reservations")
		return
	}
	if err := s.store.CancelReservation(res.ID); err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, library.Message{Message: "Reservation canceled successfully"})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	res, ok := s.loadReservation(w, r)
	if !ok {
		return
	}
	res, err := s.store.MarkNotified(res.ID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, library.Notification{
		Message:     fmt.Sprintf("User %s notified about book availability", res.User.Name),
		Reservation: *res,
	})
}
