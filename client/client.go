// Package client is the Go sync adapter for a collaborative code session. It
// keeps a local editable buffer, pushes local edits to the hub, applies
// remote edits unless self-originated, and exposes a synced indicator that
// reflects state consistency rather than raw connectivity.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mentorhub/codesession/internal/endpoint"
	"github.com/mentorhub/codesession/internal/wire"
)

const (
	initWait         = 10 * time.Second
	reconnectMinWait = 250 * time.Millisecond
	reconnectMaxWait = 5 * time.Second
)

var ErrNotJoined = errors.New("client has not joined a session")

// Option configures the client.
type Option func(*Client)

// WithToken attaches a bearer token to join and execute requests.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient overrides the HTTP client used for the execute API.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithoutReconnect disables automatic redial after transport loss.
func WithoutReconnect() Option {
	return func(c *Client) { c.reconnect = false }
}

// WithOnUpdate registers a callback invoked for every applied remote update.
func WithOnUpdate(fn func(Update)) Option {
	return func(c *Client) { c.onUpdate = fn }
}

type Client struct {
	baseURL    string
	wsBase     string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
	reconnect  bool
	onUpdate   func(Update)

	mu            sync.Mutex
	sessionID     string
	participantID string
	role          Role
	code          string
	language      string
	revision      uint64
	synced        bool
	conn          *websocket.Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a client for the given control-plane host. Supported host
// formats match the CLI: http://host:port, https://host:port, or empty for
// the default endpoint.
func New(host string, opts ...Option) (*Client, error) {
	ep, err := endpoint.Resolve(host)
	if err != nil {
		return nil, err
	}
	if ep.Scheme == "unix" {
		return nil, fmt.Errorf("unix endpoints are not supported by the session client, got %q", host)
	}

	c := &Client{
		baseURL:    ep.BaseURL,
		wsBase:     ep.WebsocketURL(),
		httpClient: &http.Client{Timeout: 60 * time.Second},
		dialer:     websocket.DefaultDialer,
		reconnect:  true,
		closed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// CreateSession mints a new session id on the server.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", nil)
	if err != nil {
		return "", err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create session: unexpected status %d", resp.StatusCode)
	}

	var created wire.CreateSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return created.SessionID, nil
}

// Join connects to the session and blocks until the init snapshot has been
// applied. After Join returns, the local buffer mirrors the authoritative
// session state and Synced reports true.
func (c *Client) Join(ctx context.Context, sessionID, participantID string, role Role) error {
	c.mu.Lock()
	c.sessionID = sessionID
	c.participantID = participantID
	c.role = role
	c.mu.Unlock()

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	if err := c.awaitInit(conn); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	sessionID, participantID, role := c.sessionID, c.participantID, c.role
	c.mu.Unlock()
	if sessionID == "" {
		return nil, ErrNotJoined
	}

	query := url.Values{}
	query.Set("participant_id", participantID)
	query.Set("role", string(role))
	if c.token != "" {
		query.Set("token", c.token)
	}
	wsURL := fmt.Sprintf("%s/v1/sessions/%s/ws?%s", c.wsBase, url.PathEscape(sessionID), query.Encode())

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial session: %w", err)
	}
	return conn, nil
}

// awaitInit consumes frames until the init snapshot arrives and applies it.
func (c *Client) awaitInit(conn *websocket.Conn) error {
	deadline := time.Now().Add(initWait)
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("await init: %w", err)
		}
		msg, err := wire.Decode(raw)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case wire.Init:
			c.applyInit(m)
			return nil
		case wire.Error:
			return fmt.Errorf("join rejected: %s: %s", m.Kind, m.Message)
		default:
			// Presence or stray traffic ahead of init is harmless.
		}
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleTransportLoss(conn)
			return
		}

		msg, err := wire.Decode(raw)
		if err != nil {
			continue
		}

		switch m := msg.(type) {
		case wire.CodeUpdate:
			c.applyCodeUpdate(m)
		case wire.LanguageUpdate:
			c.applyLanguageUpdate(m)
		case wire.Init:
			c.applyInit(m)
		case wire.Error:
			// Server-directed teardown; the read error on the closing
			// transport drives the state change.
		default:
		}
	}
}

// handleTransportLoss flips the synced indicator immediately; the local
// buffer is retained as the presumed-correct state until a fresh init.
func (c *Client) handleTransportLoss(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	c.synced = false
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()

	if !c.reconnect {
		return
	}
	select {
	case <-c.closed:
		return
	default:
	}
	go c.redialLoop()
}

func (c *Client) redialLoop() {
	wait := reconnectMinWait
	for {
		select {
		case <-c.closed:
			return
		case <-time.After(wait):
		}

		ctx, cancel := context.WithTimeout(context.Background(), initWait)
		conn, err := c.dial(ctx)
		if err == nil {
			// Synced turns true only once the fresh init lands, not on
			// raw transport re-establishment.
			err = c.awaitInit(conn)
		}
		cancel()
		if err != nil {
			if conn != nil {
				conn.Close()
			}
			wait *= 2
			if wait > reconnectMaxWait {
				wait = reconnectMaxWait
			}
			continue
		}

		select {
		case <-c.closed:
			conn.Close()
			return
		default:
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		go c.readLoop(conn)
		return
	}
}

func (c *Client) applyInit(m wire.Init) {
	c.mu.Lock()
	c.code = m.Code
	c.language = m.Language
	c.revision = m.Revision
	c.synced = true
	c.mu.Unlock()
	c.notify(Update{Kind: "init", Code: m.Code, Language: m.Language, Revision: m.Revision})
}

func (c *Client) applyCodeUpdate(m wire.CodeUpdate) {
	c.mu.Lock()
	if m.UserID == c.participantID {
		// Self-originated: already applied locally.
		c.mu.Unlock()
		return
	}
	c.code = m.Code
	if m.Revision > c.revision {
		c.revision = m.Revision
	}
	c.mu.Unlock()
	c.notify(Update{Kind: "code", Code: m.Code, Revision: m.Revision, UserID: m.UserID})
}

func (c *Client) applyLanguageUpdate(m wire.LanguageUpdate) {
	c.mu.Lock()
	c.language = m.Language
	if m.Revision > c.revision {
		c.revision = m.Revision
	}
	c.mu.Unlock()
	c.notify(Update{Kind: "language", Language: m.Language, Revision: m.Revision})
}

func (c *Client) notify(u Update) {
	if c.onUpdate != nil {
		c.onUpdate(u)
	}
}

// SetCode replaces the local buffer and pushes the edit to the hub. The
// local buffer stays ground truth until a remote update supersedes it.
func (c *Client) SetCode(code string) error {
	c.mu.Lock()
	c.code = code
	conn := c.conn
	participantID := c.participantID
	c.mu.Unlock()

	return c.sendFrame(conn, wire.CodeUpdate{Code: code, UserID: participantID})
}

// SetLanguage replaces the local language and pushes the change to the hub.
func (c *Client) SetLanguage(language string) error {
	c.mu.Lock()
	c.language = language
	conn := c.conn
	c.mu.Unlock()

	return c.sendFrame(conn, wire.LanguageUpdate{Language: language})
}

func (c *Client) sendFrame(conn *websocket.Conn, msg wire.Message) error {
	if conn == nil {
		return ErrNotJoined
	}
	frame, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, frame)
}

// Execute runs source through the execution broker. Point-to-point: results
// come back on this call, never on the session transport.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	body, err := json.Marshal(wire.ExecuteRequest{
		Language:   req.Language,
		SourceCode: req.SourceCode,
		Stdin:      req.Stdin,
		TimeoutMs:  req.TimeoutMs,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp wire.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
			return nil, fmt.Errorf("execute: unexpected status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("execute: %s: %s", errResp.Error.Kind, errResp.Error.Message)
	}

	var result wire.ExecuteResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("execute: %w", err)
	}
	return &ExecuteResult{
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ExitStatus: result.ExitStatus,
		ExitCode:   result.ExitCode,
		DurationMs: result.DurationMs,
		Truncated:  result.Truncated,
	}, nil
}

// Languages lists the language names the server's broker supports.
func (c *Client) Languages(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/languages", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list languages: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list languages: unexpected status %d", resp.StatusCode)
	}

	var langs wire.LanguagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&langs); err != nil {
		return nil, fmt.Errorf("list languages: %w", err)
	}
	return langs.Languages, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) Code() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *Client) Language() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.language
}

func (c *Client) Revision() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revision
}

// Synced reports whether the local buffer is known to match the hub's
// last-broadcast state.
func (c *Client) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Close tears down the session connection. The client cannot be reused.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.synced = false
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
