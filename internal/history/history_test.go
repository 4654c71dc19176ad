package history

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/settlementrelay/internal/oracle"
)

type influxStub struct {
	mu     sync.Mutex
	lines  []string
	query  string
	status int
}

func (s *influxStub) handler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v2/write" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.lines = append(s.lines, strings.TrimSpace(string(body)))
	s.query = r.URL.RawQuery
	status := s.status
	s.mu.Unlock()
	if status == 0 {
		status = http.StatusNoContent
	}
	if status >= 400 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code":"invalid","message":"bucket not found"}`))
		return
	}
	w.WriteHeader(status)
}

func (s *influxStub) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *influxStub) Query() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.query
}

func (s *influxStub) SetStatus(code int) {
	s.mu.Lock()
	s.status = code
	s.mu.Unlock()
}

func newWriter(t *testing.T) (*Writer, *influxStub) {
	t.Helper()
	stub := &influxStub{}
	srv := httptest.NewServer(http.HandlerFunc(stub.handler))
	t.Cleanup(srv.Close)

	w, err := New(Config{URL: srv.URL, Token: "t", Org: "relay", Bucket: "prices"}, nil)
	require.NoError(t, err)
	t.Cleanup(w.Close)
	return w, stub
}

func TestWriter(t *testing.T) {
	ctx := context.Background()

	t.Run("should write accepted prices as line protocol", func(t *testing.T) {
		w, stub := newWriter(t)
		err := w.RecordPrice(ctx, oracle.ConsensusPrice{
			Asset:         "ETH",
			Price:         decimal.NewFromInt(3005),
			Sources:       []string{"quote", "ticker"},
			DivergencePct: decimal.RequireFromString("0.33"),
			Accepted:      true,
			At:            time.Unix(1767225600, 0),
		})
		require.NoError(t, err)

		lines := stub.Lines()
		require.Len(t, lines, 1)
		line := lines[0]
		assert.True(t, strings.HasPrefix(line, "consensus_price,asset=ETH,single_source=false "), line)
		assert.Contains(t, line, "price=3005")
		assert.Contains(t, line, "sources=2i")
		assert.Contains(t, stub.Query(), "bucket=prices")
		assert.Contains(t, stub.Query(), "org=relay")
	})

	t.Run("should write breaker transitions", func(t *testing.T) {
		w, stub := newWriter(t)
		require.NoError(t, w.RecordBreaker(ctx, true, 10))
		lines := stub.Lines()
		require.Len(t, lines, 1)
		assert.Contains(t, lines[0], "price_breaker,pipeline=price")
		assert.Contains(t, lines[0], "paused=true")
		assert.Contains(t, lines[0], "failures=10i")
	})

	t.Run("should surface server errors", func(t *testing.T) {
		w, stub := newWriter(t)
		stub.SetStatus(http.StatusNotFound)
		err := w.RecordBreaker(ctx, false, 0)
		assert.Error(t, err)
	})

	t.Run("should require a destination", func(t *testing.T) {
		_, err := New(Config{URL: "http://influx"}, nil)
		assert.Error(t, err)
	})
}
