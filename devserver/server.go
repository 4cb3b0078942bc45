// Package devserver is a small local implementation of the library service
// API, backed by SQLite. It exists so the client can be run and tested against
// something real.
package devserver

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"library-client/library"
)

// Loan and fine rules.
const (
	LoanPeriodDays = 14
	FinePerDay     = 1.0
)

// Config controls the dev server.
type Config struct {
	Addr   string
	DBPath string
	// Prefix is where the API is mounted, "/api" by default. Requests
	// without it 404.
	Prefix    string
	JWTSecret string

	AdminName     string
	AdminUsername string
	AdminPassword string

	CORSOrigins []string
}

// LoadConfig reads DEVSERVER_* settings from the environment (after .env).
func LoadConfig() Config {
	library.LoadDotenv()
	origins := []string{"*"}
	if v := strings.TrimSpace(os.Getenv("CORS_ORIGIN")); v != "" {
		origins = strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
	}
	return Config{
		Addr:          envOr("DEVSERVER_ADDR", ":8080"),
		DBPath:        envOr("DEVSERVER_DB", "devserver.db"),
		Prefix:        envOr("DEVSERVER_PREFIX", library.DefaultPrefix),
		JWTSecret:     os.Getenv("JWT_SECRET"),
		AdminName:     envOr("DEVSERVER_ADMIN_NAME", "Admin User"),
		AdminUsername: envOr("DEVSERVER_ADMIN_USERNAME", "admin"),
		AdminPassword: envOr("DEVSERVER_ADMIN_PASSWORD", "admin123"),
		CORSOrigins:   origins,
	}
}

func envOr(k, d string) string {
	if v, ok := os.LookupEnv(k); ok {
		return v
	}
	return d
}

// Server holds the store, token issuer and router.
type Server struct {
	cfg    Config
	store  *Store
	tokens *tokenIssuer
	log    *library.Logger
	now    func() time.Time
	router http.Handler
}

// New opens the store, seeds the admin account and builds the router.
func New(cfg Config, logger *library.Logger) (*Server, error) {
	store, err := NewStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	secret := []byte(cfg.JWTSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			store.Close()
			return nil, err
		}
		logger.Warnf("JWT_SECRET not set, tokens will not survive a restart")
	}

	s := &Server{cfg: cfg, store: store, log: logger, now: time.Now}
	s.tokens = &tokenIssuer{secret: secret, now: s.clock}
	if err := s.seedAdmin(); err != nil {
		store.Close()
		return nil, err
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) clock() time.Time { return s.now() }

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler { return s.router }

// Close closes the store.
func (s *Server) Close() error { return s.store.Close() }

func (s *Server) seedAdmin() error {
	if s.cfg.AdminUsername == "" {
		return nil
	}
	if _, err := s.store.userByUsername(s.cfg.AdminUsername); err == nil {
		return nil
	}
	hash, err := hashPassword(s.cfg.AdminPassword)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if _, err := s.store.CreateUser(s.cfg.AdminName, s.cfg.AdminUsername, hash, library.RoleAdmin); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	s.log.Infof("created default admin user %q", s.cfg.AdminUsername)
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	api := func(r chi.Router) {
		// public
		r.Post("/users/register", s.handleRegister)
		r.Post("/users/login", s.handleLogin)
		r.Get("/books", s.handleListBooks)
		r.Get("/books/search", s.handleSearchBooks)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.With(requireStaff("Only librarians and admins can add books")).Post("/books", s.handleAddBook)
			r.With(requireStaff("Only librarians and admins can update books")).Put("/books/{id}", s.handleUpdateBook)
			r.With(requireStaff("Only librarians and admins can delete books")).Delete("/books/{id}", s.handleDeleteBook)

			r.Post("/issues/issue", s.handleIssueBook)
			r.Post("/issues/return", s.handleReturnBook)
			r.Get("/issues/user/{userId}", s.handleUserIssues)
			r.Get("/issues/fine/{issueId}", s.handleFine)
			r.With(requireStaff("Only librarians and admins can view all issues")).Get("/issues", s.handleAllIssues)
			r.Get("/issues/reports/mostIssued", s.handleMostIssued)
			r.Get("/issues/reports/userActivity/{userId}", s.handleUserActivity)
			r.With(requireStaff("Only librarians and admins can access reports")).Get("/issues/reports/fines", s.handleFinesReport)
			r.With(requireStaff("Only librarians and admins can access reports")).Get("/reports/overdue", s.handleOverdueReport)

			r.Post("/reservations/reserve", s.handleReserve)
			r.Get("/reservations/user/{userId}", s.handleUserReservations)
			r.With(requireStaff("Only librarians and admins can view all reservations")).Get("/reservations", s.handleAllReservations)
			r.Delete("/reservations/{id}", s.handleCancelReservation)
			r.With(requireStaff("Only librarians and admins can send notifications")).Post("/reservations/notify-available/{id}", s.handleNotify)

			r.With(requireRole("Only administrators can view all users", library.RoleAdmin)).Get("/users", s.handleListUsers)
			r.With(requireRole("Only administrators can list users by role", library.RoleAdmin)).Get("/users/byRole/{role}", s.handleUsersByRole)
			r.Get("/users/{id}", s.handleGetUser)
			r.Put("/users/{id}", s.handleUpdateUser)
			r.With(requireRole("Only administrators can delete users", library.RoleAdmin)).Delete("/users/{id}", s.handleDeleteUser)
			r.With(requireRole("Only administrators can change user roles", library.RoleAdmin)).Put("/users/{id}/role", s.handleUpdateRole)
		})
	}

	if p := mountPath(s.cfg.Prefix); p != "" {
		r.Route(p, api)
	} else {
		api(r)
	}
	return r
}

// mountPath normalizes a configured prefix to "/segment" form, or "" for root.
func mountPath(prefix string) string {
	if p := strings.Trim(prefix, "/"); p != "" {
		return "/" + p
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
