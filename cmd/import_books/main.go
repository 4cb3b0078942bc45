package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"library-client/library"
)

func main() {
	verbose := flag.Bool("v", false, "log every request attempt")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: import_books [-v] books.csv\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	os.Exit(run(flag.Arg(0), *verbose))
}

func run(csvPath string, verbose bool) int {
	cfg := library.LoadConfig()
	logger := library.DiscardLogger()
	if verbose || cfg.Verbose {
		logger = library.NewLogger(os.Stderr)
	}

	manager, err := library.NewLibraryManager(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening local state: %v\n", err)
		return 1
	}
	defer manager.Close()

	user, err := manager.CurrentUser()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: not logged in. Run 'lms login' with a librarian or admin account first.")
		return 1
	}
	if !user.Role.IsStaff() {
		fmt.Fprintf(os.Stderr, "Error: %s is a %s; importing books needs a librarian or admin account\n", user.Username, user.Role)
		return 1
	}

	f, err := os.Open(csvPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", csvPath, err)
		return 1
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Importing books from %s into %s...\n", csvPath, cfg.BaseURL)

	var imported []library.Book
	added, failed, err := manager.ImportBooks(ctx, f, func(res library.ImportResult) {
		fmt.Printf("Line %d: %s by %s... ", res.Line, res.Book.Title, res.Book.Author)
		if res.Err != nil {
			fmt.Printf("ERROR - %v\n", res.Err)
			return
		}
		fmt.Printf("SUCCESS (ID: %d)\n", res.Book.ID)
		imported = append(imported, res.Book)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	fmt.Printf("\nImport complete!\n")
	fmt.Printf("Successfully imported: %d books\n", added)
	fmt.Printf("Errors: %d\n", failed)

	if len(imported) > 0 {
		fmt.Println("\nImported books:")
		fmt.Printf("%-5s %-50s %-30s\n", "ID", "Title", "Author")
		fmt.Println(strings.Repeat("-", 87))
		for _, book := range imported {
			fmt.Printf("%-5d %-50s %-30s\n", book.ID, truncateString(book.Title, 50), truncateString(book.Author, 30))
		}
	}
	if err != nil || failed > 0 {
		return 1
	}
	return 0
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
