package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"library-client/library"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// app is the state shared by every command: configuration, the manager and
// where output goes.
type app struct {
	cfg library.Config
	mgr *library.LibraryManager
	in  *bufio.Reader
	out io.Writer
	// tty is set when stdin is a terminal, so passwords can be read unechoed.
	tty bool
}

// readPassword securely reads a password with masking. When stdin is not a
// terminal the next line is read as-is.
func (a *app) readPassword(prompt string) (string, error) {
	fmt.Fprint(a.out, prompt)
	if !a.tty {
		return a.readLine("")
	}
	bytePassword, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(a.out) // Add newline after password input
	return strings.TrimSpace(string(bytePassword)), nil
}

func (a *app) readLine(prompt string) (string, error) {
	if prompt != "" {
		fmt.Fprint(a.out, prompt)
	}
	line, err := a.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func main() {
	a := &app{
		in:  bufio.NewReader(os.Stdin),
		out: os.Stdout,
		tty: term.IsTerminal(int(syscall.Stdin)),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(a).ExecuteContext(ctx)
	if a.mgr != nil {
		a.mgr.Close()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, library.ErrNotLoggedIn) {
			fmt.Fprintln(os.Stderr, "Run 'lms login' first.")
		}
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	var (
		apiURL      string
		prefix      string
		fallbackURL string
		helpURL     string
		statePath   string
		timeout     time.Duration
		verbose     bool
	)

	root := &cobra.Command{
		Use:           "lms",
		Short:         "Command-line client for the library management service",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.cfg = library.LoadConfig()
			flags := cmd.Flags()
			if flags.Changed("api-url") {
				a.cfg.BaseURL = strings.TrimRight(apiURL, "/")
			}
			if flags.Changed("prefix") {
				a.cfg.Prefix = prefix
			}
			if flags.Changed("login-fallback-url") {
				a.cfg.LoginFallbackURL = fallbackURL
			}
			if flags.Changed("help-url") {
				a.cfg.HelpURL = helpURL
			}
			if flags.Changed("state") {
				a.cfg.StatePath = statePath
			}
			if flags.Changed("timeout") {
				a.cfg.Timeout = timeout
			}
			if flags.Changed("verbose") {
				a.cfg.Verbose = verbose
			}

			logger := library.DiscardLogger()
			if a.cfg.Verbose {
				logger = library.NewLogger(os.Stderr)
			}
			mgr, err := library.NewLibraryManager(a.cfg, logger)
			if err != nil {
				return fmt.Errorf("open local state: %w", err)
			}
			a.mgr = mgr
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&apiURL, "api-url", library.DefaultBaseURL, "service base URL (LMS_API_URL)")
	pf.StringVar(&prefix, "prefix", library.DefaultPrefix, "API path prefix tried after the bare path (LMS_API_PREFIX)")
	pf.StringVar(&fallbackURL, "login-fallback-url", "", "absolute login URL tried last (LMS_LOGIN_FALLBACK_URL)")
	pf.StringVar(&helpURL, "help-url", "", "page shown after a rejected login (LMS_HELP_URL)")
	pf.StringVar(&statePath, "state", "", "local state database (LMS_STATE_DB)")
	pf.DurationVar(&timeout, "timeout", library.DefaultTimeout, "per-attempt HTTP timeout (LMS_TIMEOUT)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "log every request attempt (LMS_VERBOSE)")

	root.AddCommand(
		loginCmd(a),
		logoutCmd(a),
		registerCmd(a),
		whoamiCmd(a),
		dashboardCmd(a),
		booksCmd(a),
		issuesCmd(a),
		borrowCmd(a),
		returnCmd(a),
		reservationsCmd(a),
		reserveCmd(a),
		usersCmd(a),
		reportsCmd(a),
		viewCmd(a),
		shellCmd(a),
	)
	return root
}
