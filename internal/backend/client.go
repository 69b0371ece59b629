// Package backend is the client for the parking backend that owns cards,
// monthly subscriptions and check-in/check-out sessions.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"gate-controller/internal/domain/anpr"
)

const (
	tokenCookie  = "access_token"
	refreshSkew  = time.Minute
	maxBodyBytes = 1 << 20
)

var (
	ErrNoToken     = errors.New("backend login returned no access token")
	ErrInvalidBody = errors.New("backend response is not a valid envelope")
)

// APIError is a non-success backend answer. Message is the backend's text, verbatim.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("backend returned status %d", e.Status)
}

// Envelope is the backend's response body.
type Envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type Card struct {
	ID                 int64      `json:"id"`
	UID                string     `json:"uid"`
	Type               string     `json:"type"`
	MonthlyUserName    *string    `json:"monthly_user_name"`
	MonthlyUserPhone   *string    `json:"monthly_user_phone"`
	MonthlyUserAddress *string    `json:"monthly_user_address"`
	MonthlyUserExpiry  *string    `json:"monthly_user_expiry"`
	CreatedAt          *time.Time `json:"created_at"`
	UpdatedAt          *time.Time `json:"updated_at"`
}

// CheckResult is the backend's answer to a gate pass.
type CheckResult struct {
	CheckedIn bool
	Message   string
	Data      json.RawMessage
}

type Config struct {
	BaseURL  string
	Email    string
	Password string
}

type Client struct {
	http     *http.Client
	baseURL  string
	email    string
	password string
	log      zerolog.Logger

	mu     sync.Mutex
	token  string
	expiry time.Time
}

func NewClient(httpClient *http.Client, cfg Config, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		http:     httpClient,
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		email:    cfg.Email,
		password: cfg.Password,
		log:      log.With().Str("component", "backend").Logger(),
	}
}

// Login authenticates with the configured credentials and stores the session token.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loginLocked(ctx)
}

func (c *Client) loginLocked(ctx context.Context) error {
	body, err := json.Marshal(map[string]string{"email": c.email, "password": c.password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/users/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if _, err := decodeEnvelope(resp); err != nil {
		return fmt.Errorf("login: %w", err)
	}

	var token string
	for _, cookie := range resp.Cookies() {
		if cookie.Name == tokenCookie {
			token = cookie.Value
		}
	}
	if token == "" {
		return ErrNoToken
	}

	c.token = token
	c.expiry = tokenExpiry(token)
	c.log.Info().Time("expires_at", c.expiry).Msg("logged in to backend")
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature; the backend
// owns the key. A zero time means the token carries no expiry.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" || (!c.expiry.IsZero() && time.Until(c.expiry) < refreshSkew) {
		if err := c.loginLocked(ctx); err != nil {
			return "", err
		}
	}
	return c.token, nil
}

func (c *Client) invalidate(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == token {
		c.token = ""
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string) (int, *Envelope, error) {
	token, err := c.bearer(ctx)
	if err != nil {
		return 0, nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.invalidate(token)
	}

	env, err := decodeEnvelope(resp)
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Err(err).
		Msg("backend call")
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, env, nil
}

func decodeEnvelope(resp *http.Response) (*Envelope, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return nil, &APIError{Status: resp.StatusCode}
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		return nil, &APIError{Status: resp.StatusCode, Message: env.Message}
	}
	return &env, nil
}

// CheckInOut submits a gate pass. The backend answers 201 for a check-in and
// 200 for a check-out.
func (c *Client) CheckInOut(ctx context.Context, cardUID, plate string, image []byte) (*CheckResult, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("card_uid", cardUID); err != nil {
		return nil, err
	}
	if err := mw.WriteField("plate", plate); err != nil {
		return nil, err
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="plate.jpg"`)
	header.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(image); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	status, env, err := c.do(ctx, http.MethodPost, "/sessions/check", buf.Bytes(), mw.FormDataContentType())
	if err != nil {
		return nil, err
	}
	return &CheckResult{
		CheckedIn: status == http.StatusCreated,
		Message:   env.Message,
		Data:      env.Data,
	}, nil
}

func (c *Client) GetCardByUID(ctx context.Context, uid string) (*Card, error) {
	_, env, err := c.do(ctx, http.MethodGet, "/cards/info?uid="+url.QueryEscape(uid), nil, "")
	if err != nil {
		return nil, err
	}
	return decodeCard(env)
}

func (c *Client) CreateCard(ctx context.Context, uid string) (*Card, string, error) {
	body, err := json.Marshal(map[string]string{"uid": uid})
	if err != nil {
		return nil, "", err
	}
	_, env, err := c.do(ctx, http.MethodPost, "/cards", body, "application/json")
	if err != nil {
		return nil, "", err
	}
	card, err := decodeCard(env)
	return card, env.Message, err
}

func (c *Client) RegisterMonthly(ctx context.Context, cardID int64, reg anpr.MonthlyRegistration) (*Card, string, error) {
	body, err := json.Marshal(reg)
	if err != nil {
		return nil, "", err
	}
	_, env, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/cards/%d/register-monthly", cardID), body, "application/json")
	if err != nil {
		return nil, "", err
	}
	card, err := decodeCard(env)
	return card, env.Message, err
}

func (c *Client) UnregisterMonthly(ctx context.Context, cardID int64) (*Card, string, error) {
	_, env, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/cards/%d/unregister-monthly", cardID), nil, "")
	if err != nil {
		return nil, "", err
	}
	card, err := decodeCard(env)
	return card, env.Message, err
}

func decodeCard(env *Envelope) (*Card, error) {
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, &APIError{Status: http.StatusNotFound, Message: env.Message}
	}
	var card Card
	if err := json.Unmarshal(env.Data, &card); err != nil {
		return nil, fmt.Errorf("%w: card: %v", ErrInvalidBody, err)
	}
	return &card, nil
}
