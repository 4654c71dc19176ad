package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]interface{}
}

func newRelay(t *testing.T, status int, reply string) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.query = r.URL.RawQuery
		rec.auth = r.Header.Get("Authorization")
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&rec.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("should print health", func(t *testing.T) {
		srv, rec := newRelay(t, http.StatusOK, `{"status":"ok"}`)
		var out bytes.Buffer
		require.NoError(t, run(ctx, []string{"--addr", srv.URL, "health"}, &out))
		assert.Equal(t, "/health", rec.path)
		assert.Contains(t, out.String(), `"status": "ok"`)
	})

	t.Run("should post a redemption", func(t *testing.T) {
		srv, rec := newRelay(t, http.StatusOK, `{"success":true}`)
		var out bytes.Buffer
		err := run(ctx, []string{"--addr", srv.URL, "redeem", "--party", "alice::1220aa", "--amount", "12.50"}, &out)
		require.NoError(t, err)
		assert.Equal(t, http.MethodPost, rec.method)
		assert.Equal(t, "/redeem", rec.path)
		assert.Equal(t, "alice::1220aa", rec.body["party"])
		assert.Equal(t, "12.5", rec.body["amount"])
	})

	t.Run("should return the status of a failed reply", func(t *testing.T) {
		srv, _ := newRelay(t, http.StatusUnprocessableEntity, `{"success":false,"shortfall":"3"}`)
		var out bytes.Buffer
		err := run(ctx, []string{"--addr", srv.URL, "redeem", "--party", "alice::1220aa", "--amount", "5"}, &out)
		var serr *StatusError
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, http.StatusUnprocessableEntity, serr.Code)
		assert.Contains(t, out.String(), "shortfall")
	})

	t.Run("should send the admin token on breaker reset", func(t *testing.T) {
		srv, rec := newRelay(t, http.StatusOK, `{"paused":false}`)
		var out bytes.Buffer
		require.NoError(t, run(ctx, []string{"--addr", srv.URL, "--token", "s3cret", "reset-breaker"}, &out))
		assert.Equal(t, "/admin/breaker/reset", rec.path)
		assert.Equal(t, "Bearer s3cret", rec.auth)
	})

	t.Run("should escape the party in settlement queries", func(t *testing.T) {
		srv, rec := newRelay(t, http.StatusOK, `{"settlements":[]}`)
		var out bytes.Buffer
		require.NoError(t, run(ctx, []string{"--addr", srv.URL, "settlements", "--limit", "5", "alice::1220aa"}, &out))
		assert.Equal(t, "/settlements/alice::1220aa", rec.path)
		assert.Equal(t, "limit=5", rec.query)
	})

	t.Run("should query a party balance", func(t *testing.T) {
		srv, rec := newRelay(t, http.StatusOK, `{"party":"alice::1220aa","balance":"125.5"}`)
		var out bytes.Buffer
		require.NoError(t, run(ctx, []string{"--addr", srv.URL, "balance", "alice::1220aa"}, &out))
		assert.Equal(t, http.MethodGet, rec.method)
		assert.Equal(t, "/balances/alice::1220aa", rec.path)
		assert.Contains(t, out.String(), `"balance": "125.5"`)
	})

	t.Run("should surface a rejected balance query", func(t *testing.T) {
		srv, _ := newRelay(t, http.StatusBadRequest, `{"success":false,"error":"invalid party"}`)
		var out bytes.Buffer
		err := run(ctx, []string{"--addr", srv.URL, "balance", "nobody"}, &out)
		var serr *StatusError
		require.True(t, errors.As(err, &serr))
		assert.Equal(t, http.StatusBadRequest, serr.Code)
		assert.Contains(t, out.String(), "invalid party")
	})

	t.Run("should reject bad usage", func(t *testing.T) {
		t.Setenv("RELAY_ADMIN_TOKEN", "")
		var out bytes.Buffer
		for _, args := range [][]string{
			{},
			{"bogus"},
			{"redeem", "--party", "alice::1220aa"},
			{"redeem", "--party", "alice::1220aa", "--amount", "lots"},
			{"settlements"},
			{"balance"},
			{"balance", "a::1", "b::2"},
			{"reset-breaker"},
		} {
			err := run(ctx, args, &out)
			assert.ErrorIs(t, err, errUsage, "args %v", args)
		}
	})
}
