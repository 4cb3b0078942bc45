package library

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the remote service location.
const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultPrefix  = "/api"
	DefaultTimeout = 30 * time.Second
)

// Config holds everything the client needs to reach the service and keep its
// local state.
type Config struct {
	BaseURL string
	Prefix  string

	// LoginFallbackURL is an absolute login URL tried after both derived
	// login candidates. Empty disables it.
	LoginFallbackURL string
	// HelpURL is appended to the operator guidance shown after a 401 login.
	HelpURL string

	StatePath     string
	SessionSecret string

	// Timeout bounds each HTTP attempt. Zero means no timeout.
	Timeout time.Duration
	Verbose bool
}

// LoadDotenv loads the first .env found in the working directory or its two
// parents. A missing file is not an error.
func LoadDotenv() {
	for _, p := range []string{".env", filepath.Join("..", ".env"), filepath.Join("..", "..", ".env")} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			return
		}
	}
}

// LoadConfig reads configuration from the environment (after LoadDotenv).
func LoadConfig() Config {
	LoadDotenv()
	return Config{
		BaseURL:          strings.TrimRight(envOr("LMS_API_URL", DefaultBaseURL), "/"),
		Prefix:           envOr("LMS_API_PREFIX", DefaultPrefix),
		LoginFallbackURL: os.Getenv("LMS_LOGIN_FALLBACK_URL"),
		HelpURL:          os.Getenv("LMS_HELP_URL"),
		StatePath:        envOr("LMS_STATE_DB", defaultStatePath()),
		SessionSecret:    os.Getenv("LMS_SESSION_SECRET"),
		Timeout:          envDuration("LMS_TIMEOUT", DefaultTimeout),
		Verbose:          envBool("LMS_VERBOSE"),
	}
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".lms", "state.db")
	}
	return filepath.Join(home, ".lms", "state.db")
}

func envOr(k, d string) string {
	if v, ok := os.LookupEnv(k); ok {
		return v
	}
	return d
}

func envDuration(k string, d time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return d
	}
	if v == "0" {
		return 0
	}
	if parsed, err := time.ParseDuration(v); err == nil && parsed >= 0 {
		return parsed
	}
	// bare seconds
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	return d
}

func envBool(k string) bool {
	b, _ := strconv.ParseBool(os.Getenv(k))
	return b
}
