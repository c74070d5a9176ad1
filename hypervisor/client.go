// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

// Package hypervisor is the portal's client for the cluster management
// API. It authenticates with username/password, caches the resulting
// session ticket with a TTL, and exposes the guest lifecycle operations
// the portal needs: resource listing, container creation, VM cloning,
// power control, task watching, and console ticket minting.
//
// All remote failures fold into a small taxonomy: ErrConnection for
// transport and authentication reachability problems, *APIError for
// structured rejections from the cluster, *TaskFailedError for tasks
// that ran and failed, and ErrTimeout when the task watcher gives up.
package hypervisor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gatehouse-labs/gatehouse/lib/clock"
	"github.com/gatehouse-labs/gatehouse/lib/netutil"
	"github.com/gatehouse-labs/gatehouse/lib/secret"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// URL is the base URL of the cluster API (e.g. "https://pve.example.com:8006").
	URL string
	// Username is the cluster account the portal authenticates as,
	// including its realm (e.g. "gatehouse@pam").
	Username string
	// Password is the account password. The client borrows the buffer
	// for the lifetime of the client; the caller retains ownership.
	Password *secret.Buffer
	// TicketTTL is how long a session ticket is reused before the
	// client re-authenticates. The cluster issues tickets valid for
	// two hours; the default of 90 minutes stays safely inside that.
	TicketTTL time.Duration
	// HTTPClient is used for all requests. If nil, a client is built
	// from InsecureSkipVerify.
	HTTPClient *http.Client
	// InsecureSkipVerify disables TLS certificate verification for
	// clusters running self-signed certificates. Ignored when
	// HTTPClient is set.
	InsecureSkipVerify bool
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Clock is used for ticket expiry and task polling. If nil, the
	// real clock is used.
	Clock clock.Clock
}

// Client is an authenticated cluster API client. It is safe for
// concurrent use; the session ticket is shared across callers and
// refreshed at most once per expiry.
type Client struct {
	baseURL            string
	httpClient         *http.Client
	logger             *slog.Logger
	clock              clock.Clock
	username           string
	password           *secret.Buffer
	ticketTTL          time.Duration
	insecureSkipVerify bool

	mu      sync.Mutex
	session *session
}

// session is one authenticated exchange with the cluster: the auth
// ticket (sent as a cookie), the CSRF token (sent as a header on
// mutating requests), and when the pair was issued.
type session struct {
	ticket   *secret.Buffer
	csrf     string
	issuedAt time.Time
}

// NewClient creates a cluster API client. It does not authenticate;
// the first request does.
func NewClient(config ClientConfig) (*Client, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("hypervisor: URL is required")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("hypervisor: invalid URL %q: %w", config.URL, err)
	}
	if config.Username == "" {
		return nil, fmt.Errorf("hypervisor: Username is required")
	}
	if config.Password == nil {
		return nil, fmt.Errorf("hypervisor: Password is required")
	}

	ticketTTL := config.TicketTTL
	if ticketTTL <= 0 {
		ticketTTL = 90 * time.Minute
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if config.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		httpClient = &http.Client{Transport: transport}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	return &Client{
		baseURL:            strings.TrimRight(config.URL, "/"),
		httpClient:         httpClient,
		logger:             logger,
		clock:              clk,
		username:           config.Username,
		password:           config.Password,
		ticketTTL:          ticketTTL,
		insecureSkipVerify: config.InsecureSkipVerify,
	}, nil
}

// Close releases the cached session ticket. The client must not be
// used afterward.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		c.session.ticket.Close()
		c.session = nil
	}
	c.httpClient.CloseIdleConnections()
}

// acquire returns a session, authenticating if none is cached or the
// cached one has aged past the TTL. Callers that arrive while a refresh
// is in flight block and receive the result of that refresh: a
// password exchange happens at most once per expiry, not once per
// caller. A failed refresh is never cached.
func (c *Client) acquire(ctx context.Context) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil && c.clock.Now().Sub(c.session.issuedAt) < c.ticketTTL {
		return c.session, nil
	}

	fresh, err := c.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	if c.session != nil {
		c.session.ticket.Close()
	}
	c.session = fresh
	return fresh, nil
}

// ticketResponse is the payload of a successful access/ticket exchange.
type ticketResponse struct {
	Ticket              string `json:"ticket"`
	CSRFPreventionToken string `json:"CSRFPreventionToken"`
	Username            string `json:"username"`
}

// authenticate performs the username/password exchange and returns a
// fresh session. The caller holds c.mu.
func (c *Client) authenticate(ctx context.Context) (*session, error) {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password.String())

	body, err := c.doForm(ctx, http.MethodPost, "/api2/json/access/ticket", form, nil)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: authentication failed: %w", err)
	}

	var response ticketResponse
	if err := unmarshalData(body, &response); err != nil {
		return nil, fmt.Errorf("hypervisor: failed to parse ticket response: %w", err)
	}
	if response.Ticket == "" || response.CSRFPreventionToken == "" {
		return nil, fmt.Errorf("hypervisor: ticket response missing ticket or CSRF token: %w", ErrConnection)
	}

	ticket, err := secret.NewFromBytes([]byte(response.Ticket))
	if err != nil {
		return nil, fmt.Errorf("hypervisor: failed to store session ticket: %w", err)
	}

	c.logger.Debug("authenticated to cluster", "username", response.Username)

	return &session{
		ticket:   ticket,
		csrf:     response.CSRFPreventionToken,
		issuedAt: c.clock.Now(),
	}, nil
}

// get performs an authenticated GET and returns the raw response body
// (the undecoded {"data": ...} envelope).
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	session, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	requestPath := path
	if query != nil {
		requestPath += "?" + query.Encode()
	}
	return c.doForm(ctx, http.MethodGet, requestPath, nil, session)
}

// post performs an authenticated form-encoded POST.
func (c *Client) post(ctx context.Context, path string, form url.Values) ([]byte, error) {
	session, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c.doForm(ctx, http.MethodPost, path, form, session)
}

// put performs an authenticated form-encoded PUT.
func (c *Client) put(ctx context.Context, path string, form url.Values) ([]byte, error) {
	session, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c.doForm(ctx, http.MethodPut, path, form, session)
}

// delete performs an authenticated DELETE.
func (c *Client) delete(ctx context.Context, path string) ([]byte, error) {
	session, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c.doForm(ctx, http.MethodDelete, path, nil, session)
}

// doForm performs one HTTP exchange with the cluster. Mutating methods
// carry the CSRF token; all authenticated requests carry the ticket
// cookie. Transport failures wrap ErrConnection; non-2xx responses
// become *APIError. On success the raw body is returned for the caller
// to decode.
func (c *Client) doForm(ctx context.Context, method, path string, form url.Values, authSession *session) ([]byte, error) {
	var bodyReader *strings.Reader
	if form != nil && method != http.MethodGet {
		bodyReader = strings.NewReader(form.Encode())
	} else {
		bodyReader = strings.NewReader("")
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: failed to create request: %w", err)
	}
	if form != nil && method != http.MethodGet {
		request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if authSession != nil {
		request.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: authSession.ticket.String()})
		if method != http.MethodGet {
			request.Header.Set("CSRFPreventionToken", authSession.csrf)
		}
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: request to %s %s failed: %w: %v", method, path, ErrConnection, err)
	}
	defer response.Body.Close()

	responseBody, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("hypervisor: failed to read response body: %w: %v", ErrConnection, err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	return nil, &APIError{
		StatusCode: response.StatusCode,
		Message:    apiErrorMessage(response, responseBody),
	}
}

// apiErrorMessage extracts the most useful description from a cluster
// error response. The cluster puts field-level detail in an "errors"
// map; when that is absent the HTTP status line is all there is.
func apiErrorMessage(response *http.Response, body []byte) string {
	var envelope struct {
		Errors map[string]string `json:"errors"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Errors) > 0 {
		parts := make([]string, 0, len(envelope.Errors))
		for field, detail := range envelope.Errors {
			parts = append(parts, field+": "+strings.TrimSpace(detail))
		}
		return strings.Join(parts, "; ")
	}
	return response.Status
}

// unmarshalData decodes the "data" field of a cluster response
// envelope into v.
func unmarshalData(body []byte, v any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decoding response envelope: %w", err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return fmt.Errorf("response has no data")
	}
	return json.Unmarshal(envelope.Data, v)
}
