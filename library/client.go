package library

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// LoginGuidance is appended to the error of a login rejected with 401.
const LoginGuidance = "Use the test page to create or reset your admin user"

// Client exposes one method per remote endpoint. Every call walks the
// candidate URLs through the Dispatcher.
type Client struct {
	cfg        Config
	dispatcher *Dispatcher
}

// NewClient builds a client. A nil httpClient gets one honouring cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, tokens TokenSource, logger *Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, dispatcher: NewDispatcher(httpClient, tokens, logger)}
}

// LoginCandidates lists the login URLs in the order they are tried.
func (c *Client) LoginCandidates() []string {
	candidates := Candidates(c.cfg.BaseURL, c.cfg.Prefix, "/users/login")
	if c.cfg.LoginFallbackURL != "" {
		candidates = append(candidates, c.cfg.LoginFallbackURL)
	}
	return candidates
}

func (c *Client) call(ctx context.Context, req *Request, out any) error {
	res, err := c.dispatcher.Dispatch(ctx, Candidates(c.cfg.BaseURL, c.cfg.Prefix, req.Path), req)
	if err != nil {
		return err
	}
	return decodeResult(res, out)
}

func decodeResult(res *Result, out any) error {
	if out == nil || len(bytes.TrimSpace(res.Body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(res.Body, out); err != nil {
		return &APIError{
			Message: "Unexpected response from server",
			Status:  res.Status,
			Details: err.Error(),
			URL:     res.URL,
		}
	}
	return nil
}

func idPath(format string, id int64) string { return fmt.Sprintf(format, id) }

// ------------------ Authentication ------------------

// Login exchanges credentials for a token. It is the only call with an extra
// absolute candidate (Config.LoginFallbackURL).
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	req := &Request{
		Method:       http.MethodPost,
		Path:         "/users/login",
		Body:         map[string]string{"username": username, "password": password},
		Header:       http.Header{"X-Requested-With": []string{"XMLHttpRequest"}},
		DefaultError: "Login failed",
	}
	res, err := c.dispatcher.Dispatch(ctx, c.LoginCandidates(), req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.LastStatus == http.StatusUnauthorized {
			return nil, &APIError{
				Message:    c.loginRejectedMessage(),
				Status:     apiErr.LastStatus,
				Details:    apiErr.Message,
				URL:        apiErr.URL,
				LastStatus: apiErr.LastStatus,
			}
		}
		return nil, err
	}

	var out LoginResponse
	if err := decodeResult(res, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, &APIError{Message: "Login failed: no token in response", Status: res.Status, URL: res.URL}
	}
	return &out, nil
}

func (c *Client) loginRejectedMessage() string {
	msg := "Login failed: Username or password incorrect. " + LoginGuidance
	if c.cfg.HelpURL != "" {
		return msg + ": " + c.cfg.HelpURL
	}
	return msg + "."
}

// Register creates a STUDENT account unless the service decides otherwise.
func (c *Client) Register(ctx context.Context, name, username, password string) (*User, error) {
	var out User
	err := c.call(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/users/register",
		Body:   User{Name: name, Username: username, Password: password},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ------------------ Books ------------------

func (c *Client) Books(ctx context.Context) ([]Book, error) {
	books := []Book{}
	if err := c.call(ctx, &Request{Path: "/books", Authenticated: true}, &books); err != nil {
		return nil, err
	}
	return books, nil
}

func (c *Client) SearchBooks(ctx context.Context, by SearchType, keyword string) ([]Book, error) {
	books := []Book{}
	err := c.call(ctx, &Request{
		Path:          "/books/search",
		Query:         url.Values{"type": {string(by)}, "keyword": {keyword}},
		Authenticated: true,
	}, &books)
	if err != nil {
		return nil, err
	}
	return books, nil
}

func (c *Client) AddBook(ctx context.Context, book Book) (*Book, error) {
	var out Book
	err := c.call(ctx, &Request{
		Method:        http.MethodPost,
		Path:          "/books",
		Body:          book,
		Authenticated: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateBook(ctx context.Context, id int64, book Book) (*Book, error) {
	var out Book
	err := c.call(ctx, &Request{
		Method:        http.MethodPut,
		Path:          idPath("/books/%d", id),
		Body:          book,
		Authenticated: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteBook succeeds on any 2xx, whatever the body.
func (c *Client) DeleteBook(ctx context.Context, id int64) error {
	return c.call(ctx, &Request{
		Method:        http.MethodDelete,
		Path:          idPath("/books/%d", id),
		Authenticated: true,
	}, nil)
}

// ------------------ Issues ------------------

func (c *Client) IssueBook(ctx context.Context, bookID, userID int64) (*Issue, error) {
	var out Issue
	err := c.call(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/issues/issue",
		Query: url.Values{
			"bookId": {strconv.FormatInt(bookID, 10)},
			"userId": {strconv.FormatInt(userID, 10)},
		},
		Authenticated: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ReturnBook closes an issue. A nil finePaid lets the service charge its own
// calculated fine.
func (c *Client) ReturnBook(ctx context.Context, issueID int64, finePaid *float64) (*Issue, error) {
	q := url.Values{"issueId": {strconv.FormatInt(issueID, 10)}}
	if finePaid != nil {
		q.Set("finePaid", strconv.FormatFloat(*finePaid, 'f', -1, 64))
	}
	var out Issue
	err := c.call(ctx, &Request{
		Method:        http.MethodPost,
		Path:          "/issues/return",
		Query:         q,
		Authenticated: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Issues(ctx context.Context) ([]Issue, error) {
	issues := []Issue{}
	if err := c.call(ctx, &Request{Path: "/issues", Authenticated: true}, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

func (c *Client) UserIssues(ctx context.Context, userID int64) ([]Issue, error) {
	issues := []Issue{}
	err := c.call(ctx, &Request{
		Path:          idPath("/issues/user/%d", userID),
		Authenticated: true,
	}, &issues)
	if err != nil {
		return nil, err
	}
	return issues, nil
}

func (c *Client) CalculateFine(ctx context.Context, issueID int64) (*Fine, error) {
	var out Fine
	err := c.call(ctx, &Request{
		Path:          idPath("/issues/fine/%d", issueID),
		Authenticated: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ------------------ Reports ------------------

func (c *Client) MostIssuedBooks(ctx context.Context) ([]PopularBook, error) {
	books := []PopularBook{}
	err := c.call(ctx, &Request{
		Path:          "/issues/reports/mostIssued",
		Authenticated: true,
	}, &books)
	if err != nil {
		return nil, err
	}
	return books, nil
}

func (c *Client) UserActivity(ctx context.Context, userID int64) (*UserActivity, error) {
	var out UserActivity
	err := c.call(ctx, &Request{
		Path:          idPath("/issues/reports/userActivity/%d", userID),
		Authenticated: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) FinesReport(ctx context.Context) (*FinesReport, error) {
	var out FinesReport
	err := c.call(ctx, &Request{
		Path:          "/issues/reports/fines",
		Authenticated: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) OverdueReport(ctx context.Context) ([]OverdueIssue, error) {
	rows := []OverdueIssue{}
	err := c.call(ctx, &Request{
		Path:          "/reports/overdue",
		Authenticated: true,
	}, &rows)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// ------------------ Reservations ------------------

func (c *Client) ReserveBook(ctx context.Context, bookID, userID int64) (*Reservation, error) {
	var out Reservation
	err := c.call(ctx, &Request{
		Method: http.MethodPost,
		Path:   "/reservations/reserve",
		Query: url.Values{
			"bookId": {strconv.FormatInt(bookID, 10)},
			"userId": {strconv.FormatInt(userID, 10)},
		},
		Authenticated: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Reservations(ctx context.Context) ([]Reservation, error) {
	out := []Reservation{}
	if err := c.call(ctx, &Request{Path: "/reservations", Authenticated: true}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UserReservations(ctx context.Context, userID int64) ([]Reservation, error) {
	out := []Reservation{}
	err := c.call(ctx, &Request{
		Path:          idPath("/reservations/user/%d", userID),
		Authenticated: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CancelReservation(ctx context.Context, id int64) (*Message, error) {
	var out Message
	err := c.call(ctx, &Request{
		Method:        http.MethodDelete,
		Path:          idPath("/reservations/%d", id),
		Authenticated: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) NotifyReservation(ctx context.Context, id int64) (*Notification, error) {
	var out Notification
	err := c.call(ctx, &Request{
		Method:        http.MethodPost,
		Path:          idPath("/reservations/notify-available/%d", id),
		Authenticated: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ------------------ Users ------------------

func (c *Client) Users(ctx context.Context) ([]User, error) {
	users := []User{}
	if err := c.call(ctx, &Request{Path: "/users", Authenticated: true}, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) User(ctx context.Context, id int64) (*User, error) {
	var out User
	if err := c.call(ctx, &Request{Path: idPath("/users/%d", id), Authenticated: true}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateUser(ctx context.Context, id int64, user User) (*User, error) {
	var out User
	err := c.call(ctx, &Request{
		Method:        http.MethodPut,
		Path:          idPath("/users/%d", id),
		Body:          user,
		Authenticated: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateUserRole(ctx context.Context, id int64, role Role) (*User, error) {
	var out User
	err := c.call(ctx, &Request{
		Method:        http.MethodPut,
		Path:          idPath("/users/%d/role", id),
		Body:          map[string]string{"role": string(role)},
		Authenticated: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UsersByRole(ctx context.Context, role Role) ([]User, error) {
	users := []User{}
	err := c.call(ctx, &Request{
		Path:          "/users/byRole/" + url.PathEscape(string(role)),
		Authenticated: true,
	}, &users)
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) DeleteUser(ctx context.Context, id int64) (*Message, error) {
	var out Message
	err := c.call(ctx, &Request{
		Method:        http.MethodDelete,
		Path:          idPath("/users/%d", id),
		Authenticated: true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
