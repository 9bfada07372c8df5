package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client provides HTTP client functionality to communicate with the botvisr daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig is used when the daemon sits behind a TLS terminating proxy.
type TLSClientConfig struct {
	CACert     string // CA certificate file path
	ServerName string // Server name for verification
}

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
	// Status is set when the daemon included the bot status in the error body.
	Status *Status
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8085/api",
		Timeout: 10 * time.Second,
	}
}

// New creates a new botvisr API client
func New(config Config) *Client {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.TLS != nil || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/bots", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	isReachable := resp.StatusCode == http.StatusOK
	c.logger.Debug("Daemon reachability check", "reachable", isReachable, "status", resp.StatusCode)
	return isReachable
}

// List returns the status of every known bot, sorted by id.
func (c *Client) List(ctx context.Context) ([]BotStatus, error) {
	var out []BotStatus
	if err := c.doJSONRequest(ctx, http.MethodGet, c.baseURL+"/bots", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns the status and latest process record of one bot.
func (c *Client) Get(ctx context.Context, botID string) (BotDetail, error) {
	var out BotDetail
	err := c.doJSONRequest(ctx, http.MethodGet, c.botURL(botID, ""), nil, &out)
	return out, err
}

// Start asks the daemon to start a bot and returns the resulting status.
func (c *Client) Start(ctx context.Context, botID string) (Status, error) {
	c.logger.Debug("Starting bot", "bot", botID)
	var out BotStatus
	if err := c.doJSONRequest(ctx, http.MethodPost, c.botURL(botID, "/start"), nil, &out); err != nil {
		return Status{}, err
	}
	c.logger.Debug("Bot start completed", "bot", botID, "status", out.Status.String())
	return out.Status, nil
}

// Stop stops a bot. A non-graceful stop kills the process group immediately.
func (c *Client) Stop(ctx context.Context, botID string, graceful bool) (Status, error) {
	c.logger.Debug("Stopping bot", "bot", botID, "graceful", graceful)
	u := c.botURL(botID, "/stop") + "?graceful=" + strconv.FormatBool(graceful)
	var out BotStatus
	if err := c.doJSONRequest(ctx, http.MethodPost, u, nil, &out); err != nil {
		return Status{}, err
	}
	c.logger.Debug("Bot stop completed", "bot", botID, "status", out.Status.String())
	return out.Status, nil
}

// Fail reports an externally detected fault; the bot is killed and moved to error.
func (c *Client) Fail(ctx context.Context, botID, reason string) (Status, error) {
	data, err := json.Marshal(struct {
		Reason string `json:"reason"`
	}{reason})
	if err != nil {
		return Status{}, fmt.Errorf("marshal request: %w", err)
	}
	var out BotStatus
	if err := c.doJSONRequest(ctx, http.MethodPost, c.botURL(botID, "/fail"), data, &out); err != nil {
		return Status{}, err
	}
	return out.Status, nil
}

// ReportPosition records the position of a live bot.
func (c *Client) ReportPosition(ctx context.Context, botID string, p Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.doJSONRequest(ctx, http.MethodPost, c.botURL(botID, "/position"), data, nil)
}

// ReportInventory replaces the inventory of a live bot.
func (c *Client) ReportInventory(ctx context.Context, botID string, items []InventoryItem) error {
	if items == nil {
		items = []InventoryItem{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	return c.doJSONRequest(ctx, http.MethodPost, c.botURL(botID, "/inventory"), data, nil)
}

// Telemetry returns the latest position and inventory of a bot.
func (c *Client) Telemetry(ctx context.Context, botID string) (Telemetry, error) {
	var out Telemetry
	err := c.doJSONRequest(ctx, http.MethodGet, c.botURL(botID, "/telemetry"), nil, &out)
	return out, err
}

// Active reports whether the bot has an open session.
func (c *Client) Active(ctx context.Context, botID string) (ActiveSession, error) {
	var out ActiveSession
	err := c.doJSONRequest(ctx, http.MethodGet, c.botURL(botID, "/active"), nil, &out)
	return out, err
}

// Sessions lists recorded sessions, newest first. An empty botID lists all bots.
func (c *Client) Sessions(ctx context.Context, botID string) ([]Session, error) {
	u := c.baseURL + "/sessions"
	if botID != "" {
		u += "?bot=" + url.QueryEscape(botID)
	}
	var out []Session
	if err := c.doJSONRequest(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Session returns one session by id.
func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var out Session
	err := c.doJSONRequest(ctx, http.MethodGet, c.baseURL+"/sessions/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Entries returns the log entries of a session in sequence order.
func (c *Client) Entries(ctx context.Context, sessionID string, q EntriesQuery) ([]LogEntry, error) {
	v := url.Values{}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	u := c.baseURL + "/sessions/" + url.PathEscape(sessionID) + "/entries"
	if len(v) > 0 {
		u += "?" + v.Encode()
	}
	var out []LogEntry
	if err := c.doJSONRequest(ctx, http.MethodGet, u, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) botURL(botID, suffix string) string {
	return c.baseURL + "/bots/" + url.PathEscape(botID) + suffix
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	// Handle insecure mode (skip verification)
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS.ServerName != "" {
		tlsConfig.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// doJSONRequest sends body (if any) as JSON and decodes a 2xx response into out (if non-nil)
func (c *Client) doJSONRequest(ctx context.Context, method, url string, body []byte, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}

	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error, Status: errorResp.Status}
}
