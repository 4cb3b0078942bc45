package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"library-client/library"
)

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func printUser(w io.Writer, u library.User) {
	fmt.Fprintf(w, "ID:       %d\n", u.ID)
	fmt.Fprintf(w, "Name:     %s\n", u.Name)
	fmt.Fprintf(w, "Username: %s\n", u.Username)
	fmt.Fprintf(w, "Role:     %s\n", u.Role)
}

func printDashboard(w io.Writer, u *library.User, s *library.DashboardStats) {
	if u != nil {
		fmt.Fprintf(w, "Welcome, %s (%s)\n\n", u.Name, u.Role)
	}
	fmt.Fprintf(w, "%-22s %d\n", "Total books:", s.TotalBooks)
	fmt.Fprintf(w, "%-22s %d\n", "Available books:", s.AvailableBooks)
	fmt.Fprintf(w, "%-22s %d\n", "Your current issues:", s.CurrentIssues)
	fmt.Fprintf(w, "%-22s %d\n", "Overdue:", s.OverdueIssues)
	fmt.Fprintf(w, "%-22s %d\n", "Active reservations:", s.ActiveReservations)
}

func bookStatus(e library.CatalogEntry) string {
	switch {
	case e.BorrowedByCurrentUser:
		return fmt.Sprintf("Borrowed by you (issue %d)", e.IssueID)
	case e.Available:
		return "Available"
	default:
		return "Checked out"
	}
}

// printCatalog renders books as cards (grid) or one row per book (list).
func printCatalog(w io.Writer, entries []library.CatalogEntry, mode string) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No books in library.")
		return
	}
	if mode == library.ViewList {
		fmt.Fprintf(w, "%-5s %-30s %-25s %-15s %-15s %s\n", "ID", "Title", "Author", "ISBN", "Genre", "Status")
		fmt.Fprintln(w, strings.Repeat("-", 120))
		for _, e := range entries {
			fmt.Fprintf(w, "%-5d %-30s %-25s %-15s %-15s %s\n",
				e.ID,
				truncateString(e.Title, 30),
				truncateString(e.Author, 25),
				truncateString(e.ISBN, 15),
				truncateString(e.Genre, 15),
				bookStatus(e))
		}
		return
	}

	for _, e := range entries {
		fmt.Fprintf(w, "[%d] %s\n", e.ID, e.Title)
		detail := "by " + e.Author
		if e.Genre != "" {
			detail += " | " + e.Genre
		}
		if e.PublicationYear != nil {
			detail += " | " + strconv.Itoa(*e.PublicationYear)
		}
		fmt.Fprintf(w, "    %s\n", detail)
		if e.ISBN != "" {
			fmt.Fprintf(w, "    ISBN %s\n", e.ISBN)
		}
		fmt.Fprintf(w, "    %s\n\n", bookStatus(e))
	}
}

func printIssues(w io.Writer, issues []library.Issue, now time.Time) {
	if len(issues) == 0 {
		fmt.Fprintln(w, "No issues.")
		return
	}
	fmt.Fprintf(w, "%-5s %-30s %-20s %-11s %-11s %-11s %s\n", "ID", "Book", "User", "Issued", "Due", "Returned", "Status")
	fmt.Fprintln(w, strings.Repeat("-", 110))
	for i := range issues {
		is := &issues[i]
		status := "Open"
		switch {
		case !is.Open():
			status = "Returned"
			if is.FinePaid != nil && *is.FinePaid > 0 {
				status = fmt.Sprintf("Returned, fine %.2f", *is.FinePaid)
			}
		case is.Overdue(now):
			status = "OVERDUE"
		}
		returned := is.ReturnDate
		if returned == "" {
			returned = "-"
		}
		fmt.Fprintf(w, "%-5d %-30s %-20s %-11s %-11s %-11s %s\n",
			is.ID,
			truncateString(is.Book.Title, 30),
			truncateString(is.User.Name, 20),
			is.IssueDate, is.DueDate, returned, status)
	}
}

func printFine(w io.Writer, f *library.Fine) {
	fmt.Fprintf(w, "Issue %d: '%s' borrowed by %s\n", f.IssueID, f.BookTitle, f.UserName)
	fmt.Fprintf(w, "Due %s, %d day(s) overdue\n", f.DueDate, f.DaysOverdue)
	fmt.Fprintf(w, "Fine: %.2f\n", f.FineAmount)
}

func printReservations(w io.Writer, rs []library.Reservation) {
	if len(rs) == 0 {
		fmt.Fprintln(w, "No reservations.")
		return
	}
	fmt.Fprintf(w, "%-5s %-30s %-20s %-11s %-8s %s\n", "ID", "Book", "User", "Reserved", "Active", "Notified")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, r := range rs {
		fmt.Fprintf(w, "%-5d %-30s %-20s %-11s %-8s %s\n",
			r.ID,
			truncateString(r.Book.Title, 30),
			truncateString(r.User.Name, 20),
			r.ReservationDate, yesNo(r.Active), yesNo(r.Notified))
	}
}

func printUsers(w io.Writer, users []library.User) {
	if len(users) == 0 {
		fmt.Fprintln(w, "No users registered.")
		return
	}
	fmt.Fprintf(w, "%-5s %-30s %-20s %s\n", "ID", "Name", "Username", "Role")
	fmt.Fprintln(w, strings.Repeat("-", 70))
	for _, u := range users {
		fmt.Fprintf(w, "%-5d %-30s %-20s %s\n", u.ID, truncateString(u.Name, 30), truncateString(u.Username, 20), u.Role)
	}
}

func printPopular(w io.Writer, books []library.PopularBook) {
	if len(books) == 0 {
		fmt.Fprintln(w, "No books have been issued yet.")
		return
	}
	fmt.Fprintf(w, "%-3s %-5s %-35s %-25s %s\n", "#", "ID", "Title", "Author", "Issues")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for i, b := range books {
		fmt.Fprintf(w, "%-3d %-5d %-35s %-25s %d\n", i+1, b.ID, truncateString(b.Title, 35), truncateString(b.Author, 25), b.IssueCount)
	}
}

func printActivity(w io.Writer, r *library.UserActivity) {
	fmt.Fprintf(w, "%s (%s, %s)\n", r.User.Name, r.User.Username, r.User.Role)
	fmt.Fprintf(w, "Books issued: %d, currently borrowed: %d, fines paid: %.2f\n",
		r.TotalBooksIssued, r.TotalCurrentlyBorrowed, r.TotalFinesPaid)
	if len(r.CurrentBorrows) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%-6s %-35s %-11s %-11s %s\n", "Issue", "Book", "Issued", "Due", "Days overdue")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, b := range r.CurrentBorrows {
		fmt.Fprintf(w, "%-6d %-35s %-11s %-11s %d\n", b.IssueID, truncateString(b.Book.Title, 35), b.IssueDate, b.DueDate, b.DaysOverdue)
	}
}

func printFinesReport(w io.Writer, r *library.FinesReport) {
	fmt.Fprintf(w, "Total collected: %.2f\n", r.TotalFinesCollected)
	fmt.Fprintf(w, "Outstanding:     %.2f\n", r.OutstandingFines)
	if len(r.FinesByMonth) == 0 {
		return
	}
	months := make([]int, 0, len(r.FinesByMonth))
	for k := range r.FinesByMonth {
		if m, err := strconv.Atoi(k); err == nil && m >= 1 && m <= 12 {
			months = append(months, m)
		}
	}
	sort.Ints(months)
	fmt.Fprintln(w, "\nCollected this year by month:")
	for _, m := range months {
		fmt.Fprintf(w, "  %-10s %.2f\n", time.Month(m).String(), r.FinesByMonth[strconv.Itoa(m)])
	}
}

func printOverdue(w io.Writer, rows []library.OverdueIssue) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No overdue books.")
		return
	}
	fmt.Fprintf(w, "%-6s %-30s %-20s %-11s %-5s %s\n", "Issue", "Book", "User", "Due", "Days", "Est. fine")
	fmt.Fprintln(w, strings.Repeat("-", 90))
	for _, r := range rows {
		fmt.Fprintf(w, "%-6d %-30s %-20s %-11s %-5d %.2f\n",
			r.IssueID, truncateString(r.BookTitle, 30), truncateString(r.UserName, 20), r.DueDate, r.DaysOverdue, r.EstimatedFine)
	}
}
