package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/crypto/bcrypt"

	"library-client/library"
)

// TokenLifetime is how long an issued bearer token stays valid.
const TokenLifetime = 24 * time.Hour

var ErrExpiredToken = errors.New("token has expired")

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// tokenIssuer signs and validates HS256 tokens carrying sub=username and role.
type tokenIssuer struct {
	secret []byte
	now    func() time.Time
}

func (ti *tokenIssuer) issue(u library.User) (string, error) {
	now := ti.now()
	claims := &library.TokenClaims{
		Role: string(u.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenLifetime)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
}

func (ti *tokenIssuer) validate(tokenString string) (*library.TokenClaims, error) {
	claims := &library.TokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return ti.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, ErrExpiredToken
		}
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type contextKey string

const userKey contextKey = "user"

func currentUser(ctx context.Context) (*library.User, bool) {
	u, ok := ctx.Value(userKey).(*library.User)
	return u, ok
}

// authenticate resolves the bearer token to a stored user. The stored role,
// not the token's, is what later checks see.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "Unauthorized: no token provided")
			return
		}
		claims, err := s.tokens.validate(tokenString)
		if err != nil {
			msg := "Unauthorized: invalid token"
			if errors.Is(err, ErrExpiredToken) {
				msg = "Unauthorized: token has expired"
			}
			writeError(w, http.StatusUnauthorized, msg)
			return
		}
		rec, err := s.store.userByUsername(claims.Subject)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized: unknown user")
			return
		}
		u := rec.User
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, &u)))
	})
}

// requireStaff admits librarians and admins.
func requireStaff(msg string) func(http.Handler) http.Handler {
	return requireRole(msg, library.RoleLibrarian, library.RoleAdmin)
}

func requireRole(msg string, roles ...library.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, ok := currentUser(r.Context())
			if ok {
				for _, role := range roles {
					if u.Role == role {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			writeError(w, http.StatusForbidden, msg)
		})
	}
}
