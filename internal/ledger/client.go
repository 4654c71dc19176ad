package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/terminal-bench/settlementrelay/pkg/circuit"
)

const (
	endpointLedgerEnd = "ledger-end"
	endpointActive    = "active-contracts"
	endpointSubmit    = "submit-and-wait"

	maxErrorBody = 4096
)

// Config holds ledger client configuration
type Config struct {
	BaseURL        string
	UserID         string
	JWTSecret      string
	Token          string
	Timeout        time.Duration
	MaxFailures    int
	BreakerTimeout time.Duration
}

// Client talks to the ledger JSON API v2.
type Client struct {
	baseURL  string
	userID   string
	token    string
	minter   *TokenMinter
	http     *http.Client
	breakers *circuit.BreakerGroup
	logger   *zap.Logger
}

// NewClient creates a ledger client. Each endpoint gets its own breaker;
// rejections do not count as failures.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		userID:  cfg.UserID,
		token:   cfg.Token,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}
	if cfg.JWTSecret != "" {
		c.minter = NewTokenMinter(cfg.JWTSecret, cfg.UserID, 0, false)
	}
	c.breakers = circuit.NewBreakerGroup(circuit.Config{
		MaxFailures: cfg.MaxFailures,
		Timeout:     cfg.BreakerTimeout,
		HalfOpenMax: 1,
		IsFailure:   func(err error) bool { return !IsRejected(err) },
		OnStateChange: func(name string, from, to circuit.State) {
			logger.Warn("ledger breaker state change",
				zap.String("endpoint", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c
}

// BreakerStates exposes per-endpoint breaker states for health reporting.
func (c *Client) BreakerStates() map[string]circuit.State {
	return c.breakers.States()
}

// LedgerEnd returns the current ledger offset.
func (c *Client) LedgerEnd(ctx context.Context) (int64, error) {
	var resp struct {
		Offset json.Number `json:"offset"`
	}
	if err := c.do(ctx, endpointLedgerEnd, http.MethodGet, "/v2/state/ledger-end", nil, func(body []byte) error {
		return unmarshalNumbers(body, &resp)
	}); err != nil {
		return 0, err
	}
	if resp.Offset == "" {
		return 0, nil
	}
	offset, err := resp.Offset.Int64()
	if err != nil {
		return 0, fmt.Errorf("invalid ledger offset %q: %w", resp.Offset, err)
	}
	return offset, nil
}

// QueryActive returns the contracts visible to party at offset. The API's own
// template filter is unreliable across participant versions, so the filter is
// applied client side.
func (c *Client) QueryActive(ctx context.Context, party string, templates []TemplateID, offset int64) ([]Contract, error) {
	req := map[string]interface{}{
		"filter": map[string]interface{}{
			"filtersByParty": map[string]interface{}{
				party: map[string]interface{}{
					"identifierFilter": map[string]interface{}{
						"wildcardFilter": map[string]interface{}{},
					},
				},
			},
		},
		"activeAtOffset": offset,
	}

	var contracts []Contract
	err := c.do(ctx, endpointActive, http.MethodPost, "/v2/state/active-contracts", req, func(body []byte) error {
		decoded, err := decodeActiveContracts(body)
		if err != nil {
			return err
		}
		contracts = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return Filter(contracts, templates), nil
}

type submitRequest struct {
	UserID    string    `json:"userId"`
	ActAs     []string  `json:"actAs"`
	ReadAs    []string  `json:"readAs"`
	CommandID string    `json:"commandId"`
	Commands  []Command `json:"commands"`
}

// SubmitAtomic submits every command in one transaction and waits for the
// outcome. The ledger either applies all of them or none.
func (c *Client) SubmitAtomic(ctx context.Context, sub Submission) (Result, error) {
	if len(sub.Commands) == 0 {
		return Result{}, errors.New("empty submission")
	}
	if len(sub.ActAs) == 0 {
		return Result{}, errors.New("submission requires at least one actAs party")
	}
	readAs := sub.ReadAs
	if readAs == nil {
		readAs = []string{}
	}
	req := submitRequest{
		UserID:    c.userID,
		ActAs:     sub.ActAs,
		ReadAs:    readAs,
		CommandID: sub.CommandID,
		Commands:  sub.Commands,
	}

	var resp struct {
		UpdateID         string      `json:"updateId"`
		CompletionOffset json.Number `json:"completionOffset"`
	}
	err := c.do(ctx, endpointSubmit, http.MethodPost, "/v2/commands/submit-and-wait", req, func(body []byte) error {
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		return unmarshalNumbers(body, &resp)
	})
	if err != nil {
		return Result{}, err
	}

	result := Result{UpdateID: resp.UpdateID}
	if resp.CompletionOffset != "" {
		result.CompletionOffset, _ = resp.CompletionOffset.Int64()
	}
	c.logger.Debug("ledger submission committed",
		zap.String("command_id", sub.CommandID),
		zap.String("update_id", result.UpdateID),
		zap.Int("commands", len(sub.Commands)))
	return result, nil
}

func (c *Client) do(ctx context.Context, endpoint, method, path string, payload interface{}, decode func([]byte) error) error {
	err := c.breakers.Execute(ctx, endpoint, func() error {
		return c.roundTrip(ctx, method, path, payload, decode)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, circuit.ErrCircuitOpen), errors.Is(err, circuit.ErrTooManyRequests):
		return fmt.Errorf("%w: %s: %w", ErrTransient, endpoint, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s: %w", ErrTransient, endpoint, err)
	default:
		return err
	}
}

func (c *Client) roundTrip(ctx context.Context, method, path string, payload interface{}, decode func([]byte) error) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token, err := c.bearer(); err != nil {
		return err
	} else if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrTransient, method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %w", ErrTransient, path, err)
	}

	switch {
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrTransient, method, path, resp.StatusCode, truncate(respBody))
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s %s throttled", ErrTransient, method, path)
	case resp.StatusCode >= 400:
		return rejection(resp.StatusCode, respBody)
	}

	if err := decode(respBody); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) bearer() (string, error) {
	if c.minter != nil {
		return c.minter.Mint()
	}
	return c.token, nil
}

func rejection(status int, body []byte) *RejectedError {
	rej := &RejectedError{Status: status, Message: truncate(body)}
	var payload struct {
		Code    string `json:"code"`
		Cause   string `json:"cause"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		rej.Code = payload.Code
		for _, m := range []string{payload.Cause, payload.Message, payload.Error} {
			if m != "" {
				rej.Message = m
				break
			}
		}
	}
	return rej
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
