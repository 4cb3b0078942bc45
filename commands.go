package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"library-client/library"

	"github.com/spf13/cobra"
)

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s: %s", what, s)
	}
	return id, nil
}

// ------------------ Session ------------------

func loginCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "login [username]",
		Short: "Log in and remember the session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var username string
			if len(args) == 1 {
				username = args[0]
			} else {
				var err error
				if username, err = a.readLine("Username: "); err != nil {
					return err
				}
			}
			if username == "" {
				return errors.New("username cannot be empty")
			}
			password, err := a.readPassword("Password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			sess, err := a.mgr.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Logged in as %s (%s)\n", sess.User.Name, sess.User.Role)
			return nil
		},
	}
}

func logoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.mgr.Logout(); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "Logged out.")
			return nil
		},
	}
}

func registerCmd(a *app) *cobra.Command {
	var name, username string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a student account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if name == "" {
				if name, err = a.readLine("Name: "); err != nil {
					return err
				}
			}
			if username == "" {
				if username, err = a.readLine("Username: "); err != nil {
					return err
				}
			}
			password, err := a.readPassword(fmt.Sprintf("Enter password for %s: ", username))
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if strings.TrimSpace(password) == "" {
				return errors.New("password cannot be empty")
			}
			confirm, err := a.readPassword("Confirm password: ")
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			if confirm != password {
				return errors.New("passwords do not match")
			}
			u, err := a.mgr.Register(cmd.Context(), name, username, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Registered %s (ID %d, %s). You can now log in.\n", u.Username, u.ID, u.Role)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringVar(&username, "username", "", "login name")
	return cmd
}

func whoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the logged-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess := a.mgr.Session()
			if sess == nil {
				return library.ErrNotLoggedIn
			}
			printUser(a.out, sess.User)
			if claims, err := sess.Claims(); err == nil && claims.ExpiresAt != nil {
				fmt.Fprintf(a.out, "Session expires %s\n", claims.ExpiresAt.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
}

func dashboardCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Show headline numbers for the current user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.mgr.Dashboard(cmd.Context())
			if err != nil {
				return err
			}
			u, _ := a.mgr.CurrentUser()
			printDashboard(a.out, u, stats)
			return nil
		},
	}
}

// ------------------ Books ------------------

func booksCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "books", Short: "Browse and manage the catalog"}

	var view string
	list := &cobra.Command{
		Use:   "list",
		Short: "List every book",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := a.mgr.Catalog(cmd.Context())
			if err != nil {
				return err
			}
			printCatalog(a.out, entries, pickView(a, view))
			return nil
		},
	}
	list.Flags().StringVar(&view, "view", "", "grid or list (defaults to the saved preference)")

	var by string
	search := &cobra.Command{
		Use:   "search <keyword>...",
		Short: "Search by title, author, isbn or genre",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseSearchType(by)
			if err != nil {
				return err
			}
			keyword := strings.Join(args, " ")
			entries, err := a.mgr.Search(cmd.Context(), st, keyword)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintf(a.out, "No books found matching '%s'.\n", keyword)
				return nil
			}
			fmt.Fprintf(a.out, "Found %d book(s) matching '%s':\n", len(entries), keyword)
			printCatalog(a.out, entries, pickView(a, view))
			return nil
		},
	}
	search.Flags().StringVar(&by, "by", string(library.SearchByTitle), "title, author, isbn or genre")
	search.Flags().StringVar(&view, "view", "", "grid or list (defaults to the saved preference)")

	var book library.Book
	var year int
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a book (librarians and admins)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(book.Title) == "" {
				return errors.New("--title is required")
			}
			if cmd.Flags().Changed("year") {
				book.PublicationYear = &year
			}
			book.Available = true
			created, err := a.mgr.AddBook(cmd.Context(), book)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Added book ID %d: %s\n", created.ID, created.Title)
			return nil
		},
	}
	f := add.Flags()
	f.StringVar(&book.Title, "title", "", "title")
	f.StringVar(&book.Author, "author", "", "author")
	f.StringVar(&book.ISBN, "isbn", "", "ISBN")
	f.StringVar(&book.Genre, "genre", "", "genre")
	f.StringVar(&book.Edition, "edition", "", "edition")
	f.StringVar(&book.Publisher, "publisher", "", "publisher")
	f.IntVar(&year, "year", 0, "publication year")

	del := &cobra.Command{
		Use:   "delete <bookId>",
		Short: "Delete a book (librarians and admins)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "book ID")
			if err != nil {
				return err
			}
			if err := a.mgr.DeleteBook(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Deleted book %d\n", id)
			return nil
		},
	}

	cmd.AddCommand(list, search, add, del)
	return cmd
}

func parseSearchType(s string) (library.SearchType, error) {
	switch st := library.SearchType(strings.ToLower(strings.TrimSpace(s))); st {
	case library.SearchByTitle, library.SearchByAuthor, library.SearchByISBN, library.SearchByGenre:
		return st, nil
	}
	return "", fmt.Errorf("unknown search type %q (want title, author, isbn or genre)", s)
}

func pickView(a *app, flag string) string {
	if flag == library.ViewGrid || flag == library.ViewList {
		return flag
	}
	return a.mgr.ViewMode()
}

func viewCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "view [grid|list]",
		Short: "Show or set how book listings are displayed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := a.mgr.SetViewMode(args[0]); err != nil {
					return err
				}
			}
			fmt.Fprintf(a.out, "Book view: %s\n", a.mgr.ViewMode())
			return nil
		},
	}
}

// ------------------ Circulation ------------------

func issuesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "issues", Short: "Borrowing records"}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List your issues, or every issue with --all (staff)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			issues, err := a.mgr.Issues(cmd.Context(), all)
			if err != nil {
				return err
			}
			printIssues(a.out, issues, time.Now())
			return nil
		},
	}
	list.Flags().BoolVar(&all, "all", false, "every user's issues (librarians and admins)")

	fine := &cobra.Command{
		Use:   "fine <issueId>",
		Short: "Show the fine owed on an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "issue ID")
			if err != nil {
				return err
			}
			f, err := a.mgr.Fine(cmd.Context(), id)
			if err != nil {
				return err
			}
			printFine(a.out, f)
			return nil
		},
	}

	cmd.AddCommand(list, fine)
	return cmd
}

func borrowCmd(a *app) *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "borrow <bookId>",
		Short: "Issue a book to yourself, or to --user (staff)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID(args[0], "book ID")
			if err != nil {
				return err
			}
			is, err := a.mgr.Borrow(cmd.Context(), bookID, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Book '%s' issued to %s (issue %d), due %s\n", is.Book.Title, is.User.Name, is.ID, is.DueDate)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "borrower's user ID (defaults to you)")
	return cmd
}

func returnCmd(a *app) *cobra.Command {
	var (
		fine float64
		yes  bool
	)
	cmd := &cobra.Command{
		Use:   "return <issueId>",
		Short: "Return a borrowed book, confirming any overdue fine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "issue ID")
			if err != nil {
				return err
			}
			var paid *float64
			if cmd.Flags().Changed("fine") {
				paid = &fine
			}
			return a.returnIssue(cmd.Context(), id, paid, yes)
		},
	}
	cmd.Flags().Float64Var(&fine, "fine", 0, "fine amount paid, skipping the fine check")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "accept an overdue fine without asking")
	return cmd
}

// returnIssue returns a book. Without an explicit amount it looks up the fine
// first and, when one is due, asks before returning with that fine paid.
func (a *app) returnIssue(ctx context.Context, issueID int64, paid *float64, assumeYes bool) error {
	if paid == nil {
		f, err := a.mgr.Fine(ctx, issueID)
		if err != nil {
			return err
		}
		if f.FineAmount > 0 {
			fmt.Fprintf(a.out, "This book is overdue. A fine of %.2f is applicable.\n", f.FineAmount)
			if !assumeYes {
				answer, err := a.readLine("Proceed with return? [y/N]: ")
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				if answer = strings.ToLower(answer); answer != "y" && answer != "yes" {
					fmt.Fprintln(a.out, "Return cancelled.")
					return nil
				}
			}
			amount := f.FineAmount
			paid = &amount
		}
	}

	is, err := a.mgr.Return(ctx, issueID, paid)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Book '%s' returned by %s\n", is.Book.Title, is.User.Name)
	if is.FinePaid != nil && *is.FinePaid > 0 {
		fmt.Fprintf(a.out, "Fine paid: %.2f\n", *is.FinePaid)
	}
	return nil
}

// ------------------ Reservations ------------------

func reservationsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "reservations", Short: "Book reservations"}

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List your reservations, or every reservation with --all (staff)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.mgr.Reservations(cmd.Context(), all)
			if err != nil {
				return err
			}
			printReservations(a.out, out)
			return nil
		},
	}
	list.Flags().BoolVar(&all, "all", false, "every user's reservations (librarians and admins)")

	cancel := &cobra.Command{
		Use:   "cancel <reservationId>",
		Short: "Cancel a reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "reservation ID")
			if err != nil {
				return err
			}
			msg, err := a.mgr.CancelReservation(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, msg.Message)
			return nil
		},
	}

	notify := &cobra.Command{
		Use:   "notify <reservationId>",
		Short: "Tell the reserver their book is available (staff)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "reservation ID")
			if err != nil {
				return err
			}
			n, err := a.mgr.NotifyReservation(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, n.Message)
			return nil
		},
	}

	cmd.AddCommand(list, cancel, notify)
	return cmd
}

func reserveCmd(a *app) *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "reserve <bookId>",
		Short: "Reserve a book that is currently checked out",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bookID, err := parseID(args[0], "book ID")
			if err != nil {
				return err
			}
			r, err := a.mgr.Reserve(cmd.Context(), bookID, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Reserved '%s' for %s (reservation %d)\n", r.Book.Title, r.User.Name, r.ID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user ID to reserve for (defaults to you)")
	return cmd
}

// ------------------ Users ------------------

func usersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "users", Short: "User administration (admins)"}

	var role string
	list := &cobra.Command{
		Use:   "list",
		Short: "List users, optionally by --role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.mgr.Client()
			var (
				users []library.User
				err   error
			)
			if role != "" {
				r, ok := library.ParseRole(role)
				if !ok {
					return fmt.Errorf("unknown role %q", role)
				}
				users, err = c.UsersByRole(cmd.Context(), r)
			} else {
				users, err = c.Users(cmd.Context())
			}
			if err != nil {
				return err
			}
			printUsers(a.out, users)
			return nil
		},
	}
	list.Flags().StringVar(&role, "role", "", "STUDENT, LIBRARIAN or ADMIN")

	show := &cobra.Command{
		Use:   "show <userId>",
		Short: "Show one user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "user ID")
			if err != nil {
				return err
			}
			u, err := a.mgr.Client().User(cmd.Context(), id)
			if err != nil {
				return err
			}
			printUser(a.out, *u)
			return nil
		},
	}

	setRole := &cobra.Command{
		Use:   "role <userId> <role>",
		Short: "Change a user's role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "user ID")
			if err != nil {
				return err
			}
			r, ok := library.ParseRole(args[1])
			if !ok {
				return fmt.Errorf("unknown role %q", args[1])
			}
			u, err := a.mgr.Client().UpdateUserRole(cmd.Context(), id, r)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s is now %s\n", u.Username, u.Role)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <userId>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "user ID")
			if err != nil {
				return err
			}
			msg, err := a.mgr.Client().DeleteUser(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.out, msg.Message)
			return nil
		},
	}

	cmd.AddCommand(list, show, setRole, del)
	return cmd
}

// ------------------ Reports ------------------

func reportsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{Use: "reports", Short: "Circulation reports"}

	popular := &cobra.Command{
		Use:   "popular",
		Short: "Most issued books",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			books, err := a.mgr.Client().MostIssuedBooks(cmd.Context())
			if err != nil {
				return err
			}
			printPopular(a.out, books)
			return nil
		},
	}

	activity := &cobra.Command{
		Use:   "activity [userId]",
		Short: "A user's borrowing activity (defaults to you)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if len(args) == 1 {
				var err error
				if id, err = parseID(args[0], "user ID"); err != nil {
					return err
				}
			}
			report, err := a.mgr.ActivityReport(cmd.Context(), id)
			if err != nil {
				return err
			}
			printActivity(a.out, report)
			return nil
		},
	}

	fines := &cobra.Command{
		Use:   "fines",
		Short: "Fines collected and outstanding (staff)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := a.mgr.Client().FinesReport(cmd.Context())
			if err != nil {
				return err
			}
			printFinesReport(a.out, report)
			return nil
		},
	}

	overdue := &cobra.Command{
		Use:   "overdue",
		Short: "Open issues past their due date (staff)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := a.mgr.Client().OverdueReport(cmd.Context())
			if err != nil {
				return err
			}
			printOverdue(a.out, rows)
			return nil
		},
	}

	cmd.AddCommand(popular, activity, fines, overdue)
	return cmd
}
