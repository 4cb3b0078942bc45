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

func shellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runShell(cmd.Context())
		},
	}
}

func (a *app) printShellHelp() {
	fmt.Fprintln(a.out, "Available commands:")
	fmt.Fprintln(a.out, "  Session: login, logout, whoami, dashboard")
	fmt.Fprintln(a.out, "  Books: list books, search book, add book, view")
	fmt.Fprintln(a.out, "  Circulation: borrow, return, my issues, fine")
	fmt.Fprintln(a.out, "  Reservations: reserve, list reservations, cancel reservation")
	fmt.Fprintln(a.out, "  System: help, exit")
}

func (a *app) runShell(ctx context.Context) error {
	fmt.Fprintln(a.out, "Welcome to the Library Management System!")
	if u, err := a.mgr.CurrentUser(); err == nil {
		fmt.Fprintf(a.out, "Logged in as %s (%s)\n", u.Name, u.Role)
	}
	a.printShellHelp()

	for {
		line, err := a.readLine("\n> ")
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		var cmdErr error
		switch line {
		case "":
			continue
		case "login":
			cmdErr = a.handleLogin(ctx)
		case "logout":
			cmdErr = a.mgr.Logout()
			if cmdErr == nil {
				fmt.Fprintln(a.out, "Logged out.")
			}
		case "whoami":
			u, err := a.mgr.CurrentUser()
			if cmdErr = err; err == nil {
				printUser(a.out, *u)
			}
		case "dashboard":
			cmdErr = a.handleDashboard(ctx)
		case "list books":
			cmdErr = a.handleListBooks(ctx)
		case "search book":
			cmdErr = a.handleSearchBooks(ctx)
		case "add book":
			cmdErr = a.handleAddBook(ctx)
		case "view":
			cmdErr = a.handleView()
		case "borrow":
			cmdErr = a.handleBorrow(ctx)
		case "return":
			cmdErr = a.handleReturn(ctx)
		case "my issues":
			issues, err := a.mgr.Issues(ctx, false)
			if cmdErr = err; err == nil {
				printIssues(a.out, issues, time.Now())
			}
		case "fine":
			cmdErr = a.handleFine(ctx)
		case "reserve":
			cmdErr = a.handleReserve(ctx)
		case "list reservations":
			rs, err := a.mgr.Reservations(ctx, false)
			if cmdErr = err; err == nil {
				printReservations(a.out, rs)
			}
		case "cancel reservation":
			cmdErr = a.handleCancelReservation(ctx)
		case "help":
			a.printShellHelp()
		case "exit", "quit":
			fmt.Fprintln(a.out, "Goodbye!")
			return nil
		default:
			fmt.Fprintln(a.out, "Unknown command. Type 'help' to see the available commands.")
		}
		if cmdErr != nil {
			fmt.Fprintf(a.out, "Error: %v\n", cmdErr)
		}
	}
}

// promptID reads a positive integer after prompt.
func (a *app) promptID(prompt string) (int64, error) {
	s, err := a.readLine(prompt)
	if err != nil {
		return 0, err
	}
	return parseID(s, strings.TrimSuffix(strings.TrimSpace(prompt), ":"))
}

func (a *app) handleLogin(ctx context.Context) error {
	username, err := a.readLine("Username: ")
	if err != nil {
		return err
	}
	password, err := a.readPassword("Password: ")
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	sess, err := a.mgr.Login(ctx, username, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Logged in as %s (%s)\n", sess.User.Name, sess.User.Role)
	return nil
}

func (a *app) handleDashboard(ctx context.Context) error {
	stats, err := a.mgr.Dashboard(ctx)
	if err != nil {
		return err
	}
	u, _ := a.mgr.CurrentUser()
	printDashboard(a.out, u, stats)
	return nil
}

func (a *app) handleListBooks(ctx context.Context) error {
	entries, err := a.mgr.Catalog(ctx)
	if err != nil {
		return err
	}
	printCatalog(a.out, entries, a.mgr.ViewMode())
	return nil
}

func (a *app) handleSearchBooks(ctx context.Context) error {
	by, err := a.readLine("Search by (title/author/isbn/genre) [title]: ")
	if err != nil {
		return err
	}
	if by == "" {
		by = string(library.SearchByTitle)
	}
	st, err := parseSearchType(by)
	if err != nil {
		return err
	}
	query, err := a.readLine("Query: ")
	if err != nil {
		return err
	}
	entries, err := a.mgr.Search(ctx, st, query)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintf(a.out, "No books found matching '%s'.\n", query)
		return nil
	}
	fmt.Fprintf(a.out, "Found %d book(s) matching '%s':\n", len(entries), query)
	printCatalog(a.out, entries, a.mgr.ViewMode())
	return nil
}

func (a *app) handleAddBook(ctx context.Context) error {
	var b library.Book
	fields := []struct {
		prompt string
		dst    *string
	}{
		{"Title: ", &b.Title},
		{"Author: ", &b.Author},
		{"ISBN (optional): ", &b.ISBN},
		{"Genre (optional): ", &b.Genre},
		{"Publisher (optional): ", &b.Publisher},
	}
	for _, f := range fields {
		v, err := a.readLine(f.prompt)
		if err != nil {
			return err
		}
		*f.dst = v
	}
	if b.Title == "" {
		return errors.New("title cannot be empty")
	}
	yearStr, err := a.readLine("Publication year (optional): ")
	if err != nil {
		return err
	}
	if yearStr != "" {
		year, err := strconv.Atoi(yearStr)
		if err != nil {
			return fmt.Errorf("invalid year: %s", yearStr)
		}
		b.PublicationYear = &year
	}
	b.Available = true

	created, err := a.mgr.AddBook(ctx, b)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Added book ID %d.\n", created.ID)
	return nil
}

func (a *app) handleView() error {
	mode, err := a.readLine(fmt.Sprintf("View (grid/list) [%s]: ", a.mgr.ViewMode()))
	if err != nil || mode == "" {
		return err
	}
	if err := a.mgr.SetViewMode(mode); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Book view: %s\n", a.mgr.ViewMode())
	return nil
}

func (a *app) handleBorrow(ctx context.Context) error {
	bookID, err := a.promptID("Book ID: ")
	if err != nil {
		return err
	}
	is, err := a.mgr.Borrow(ctx, bookID, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Book '%s' checked out to %s, due %s\n", is.Book.Title, is.User.Name, is.DueDate)
	return nil
}

func (a *app) handleReturn(ctx context.Context) error {
	issueID, err := a.promptID("Issue ID: ")
	if err != nil {
		return err
	}
	return a.returnIssue(ctx, issueID, nil, false)
}

func (a *app) handleFine(ctx context.Context) error {
	issueID, err := a.promptID("Issue ID: ")
	if err != nil {
		return err
	}
	f, err := a.mgr.Fine(ctx, issueID)
	if err != nil {
		return err
	}
	printFine(a.out, f)
	return nil
}

func (a *app) handleReserve(ctx context.Context) error {
	bookID, err := a.promptID("Book ID: ")
	if err != nil {
		return err
	}
	r, err := a.mgr.Reserve(ctx, bookID, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Reserved '%s' (reservation %d)\n", r.Book.Title, r.ID)
	return nil
}

func (a *app) handleCancelReservation(ctx context.Context) error {
	id, err := a.promptID("Reservation ID: ")
	if err != nil {
		return err
	}
	msg, err := a.mgr.CancelReservation(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, msg.Message)
	return nil
}
