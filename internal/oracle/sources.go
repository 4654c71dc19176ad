package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	pdec "github.com/terminal-bench/settlementrelay/pkg/decimal"
)

// tokenSkew is how long before expiry a cached bearer token is replaced.
const tokenSkew = 30 * time.Second

// QuoteSource reads an unauthenticated ratio/quote endpoint:
// GET {URL}?{Param}=ASSET returning {"price": .., "timestamp": ..}.
type QuoteSource struct {
	name   string
	url    string
	param  string
	client *http.Client
}

// NewQuoteSource creates a quote source. Param defaults to "pair".
func NewQuoteSource(name, endpoint, param string, client *http.Client) *QuoteSource {
	if param == "" {
		param = "pair"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &QuoteSource{name: name, url: endpoint, param: param, client: client}
}

func (s *QuoteSource) Name() string { return s.name }

func (s *QuoteSource) Fetch(ctx context.Context, asset string) (Sample, error) {
	req, err := newGet(ctx, s.url, s.param, asset)
	if err != nil {
		return Sample{}, err
	}
	return doQuote(s.client, req, asset)
}

// TickerSource reads a bearer-authenticated ticker endpoint. Tokens are
// obtained from TokenURL and reused until shortly before they expire.
type TickerSource struct {
	name         string
	url          string
	param        string
	tokenURL     string
	clientID     string
	clientSecret string
	client       *http.Client
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// TickerConfig configures a TickerSource.
type TickerConfig struct {
	Name         string
	URL          string
	Param        string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

func NewTickerSource(cfg TickerConfig, client *http.Client) *TickerSource {
	if cfg.Param == "" {
		cfg.Param = "symbol"
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &TickerSource{
		name:         cfg.Name,
		url:          cfg.URL,
		param:        cfg.Param,
		tokenURL:     cfg.TokenURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		client:       client,
		now:          time.Now,
	}
}

func (s *TickerSource) Name() string { return s.name }

func (s *TickerSource) Fetch(ctx context.Context, asset string) (Sample, error) {
	token, err := s.bearer(ctx)
	if err != nil {
		return Sample{}, err
	}
	req, err := newGet(ctx, s.url, s.param, asset)
	if err != nil {
		return Sample{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	sample, err := doQuote(s.client, req, asset)
	var herr *httpStatusError
	if errors.As(err, &herr) && herr.status == http.StatusUnauthorized {
		s.invalidate()
	}
	return sample, err
}

func (s *TickerSource) bearer(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && s.now().Before(s.expiresAt.Add(-tokenSkew)) {
		return s.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"client_id":     s.clientID,
		"client_secret": s.clientSecret,
		"grant_type":    "client_credentials",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: token request: %w", ErrSourceFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: token request: %w", ErrSourceFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrSourceFailed, resp.StatusCode)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		Token       string `json:"token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("%w: decode token: %w", ErrSourceFailed, err)
	}
	token := tok.AccessToken
	if token == "" {
		token = tok.Token
	}
	if token == "" {
		return "", fmt.Errorf("%w: empty token", ErrSourceFailed)
	}

	s.token = token
	s.expiresAt = s.tokenExpiry(token, tok.ExpiresIn)
	return token, nil
}

// tokenExpiry reads exp from the token without verifying it, falling back
// to expires_in.
func (s *TickerSource) tokenExpiry(token string, expiresIn int64) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.ExpiresAt != nil {
		return claims.ExpiresAt.Time
	}
	if expiresIn > 0 {
		return s.now().Add(time.Duration(expiresIn) * time.Second)
	}
	return s.now().Add(tokenSkew + time.Minute)
}

func (s *TickerSource) invalidate() {
	s.mu.Lock()
	s.token = ""
	s.mu.Unlock()
}

type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

func newGet(ctx context.Context, endpoint, param, asset string) (*http.Request, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid source url: %w", err)
	}
	q := u.Query()
	q.Set(param, asset)
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func doQuote(client *http.Client, req *http.Request, asset string) (Sample, error) {
	resp, err := client.Do(req)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %w", ErrSourceFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %w", ErrSourceFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Sample{}, fmt.Errorf("%w: %w", ErrSourceFailed, &httpStatusError{status: resp.StatusCode, body: strings.TrimSpace(string(body))})
	}

	price, observed, err := parseQuote(body)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %w", ErrSourceFailed, err)
	}
	return Sample{Asset: asset, Price: price, ObservedAt: observed}, nil
}

// parseQuote extracts a price and timestamp. Prices may be JSON numbers or
// strings; timestamps unix seconds, unix milliseconds or RFC3339.
func parseQuote(body []byte) (decimal.Decimal, time.Time, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload map[string]interface{}
	if err := dec.Decode(&payload); err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("decode quote: %w", err)
	}
	if data, ok := payload["data"].(map[string]interface{}); ok {
		payload = data
	}

	var raw interface{}
	for _, key := range []string{"price", "rate", "last"} {
		if v, ok := payload[key]; ok {
			raw = v
			break
		}
	}
	price, err := pdec.FromAny(raw)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("quote price: %w", err)
	}
	if !price.IsPositive() {
		return decimal.Zero, time.Time{}, fmt.Errorf("quote price %s: %w", price, pdec.ErrNotPositive)
	}

	for _, key := range []string{"timestamp", "time", "observedAt"} {
		if v, ok := payload[key]; ok {
			ts, err := parseTimestamp(v)
			if err != nil {
				return decimal.Zero, time.Time{}, err
			}
			return price, ts, nil
		}
	}
	return price, time.Time{}, nil
}

func parseTimestamp(v interface{}) (time.Time, error) {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = t
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(int64(n)).UTC(), nil
		}
		sec := int64(n)
		return time.Unix(sec, int64((n-float64(sec))*1e9)).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return ts.UTC(), nil
}
