// Command relayctl queries and operates a running settlement relay over its
// HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
)

var errUsage = errors.New("usage error")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type options struct {
	addr    string
	token   string
	timeout time.Duration
}

func run(ctx context.Context, args []string, out io.Writer) error {
	var opts options
	flagSet := pflag.NewFlagSet("relayctl", pflag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&opts.addr, "addr", envOr("RELAY_URL", "http://localhost:8080"), "relay base URL")
	flagSet.StringVar(&opts.token, "token", os.Getenv("RELAY_ADMIN_TOKEN"), "admin bearer token")
	flagSet.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	flagSet.SetInterspersed(false)

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(out, flagSet)
			return nil
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(out, flagSet)
		return fmt.Errorf("%w: missing command", errUsage)
	}

	c := &client{
		base:  strings.TrimRight(opts.addr, "/"),
		token: opts.token,
		http:  &http.Client{Timeout: opts.timeout},
	}

	switch cmd, cmdArgs := rest[0], rest[1:]; cmd {
	case "health":
		return c.print(ctx, out, http.MethodGet, "/health", nil)
	case "metrics":
		return c.print(ctx, out, http.MethodGet, "/metrics", nil)
	case "redeem":
		return redeem(ctx, c, out, cmdArgs)
	case "settlements":
		return settlements(ctx, c, out, cmdArgs)
	case "balance":
		if len(cmdArgs) != 1 {
			return fmt.Errorf("%w: balance needs exactly one party", errUsage)
		}
		return c.print(ctx, out, http.MethodGet, "/balances/"+url.PathEscape(cmdArgs[0]), nil)
	case "reset-breaker":
		if c.token == "" {
			return fmt.Errorf("%w: reset-breaker needs --token or RELAY_ADMIN_TOKEN", errUsage)
		}
		return c.print(ctx, out, http.MethodPost, "/admin/breaker/reset", nil)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func redeem(ctx context.Context, c *client, out io.Writer, args []string) error {
	var party, amount string
	fs := pflag.NewFlagSet("redeem", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&party, "party", "", "redeeming party id")
	fs.StringVar(&amount, "amount", "", "amount to redeem")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if party == "" || amount == "" {
		return fmt.Errorf("%w: redeem needs --party and --amount", errUsage)
	}
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return fmt.Errorf("%w: invalid amount %q", errUsage, amount)
	}

	body := map[string]interface{}{"party": party, "amount": amt.String()}
	return c.print(ctx, out, http.MethodPost, "/redeem", body)
}

func settlements(ctx context.Context, c *client, out io.Writer, args []string) error {
	var limit int
	fs := pflag.NewFlagSet("settlements", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.IntVar(&limit, "limit", 50, "maximum entries")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: settlements needs exactly one party", errUsage)
	}
	path := fmt.Sprintf("/settlements/%s?limit=%d", url.PathEscape(fs.Arg(0)), limit)
	return c.print(ctx, out, http.MethodGet, path, nil)
}

type client struct {
	base  string
	token string
	http  *http.Client
}

// StatusError is a non-2xx reply. The body is still printed.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay answered %d %s", e.Code, http.StatusText(e.Code))
}

func (c *client) print(ctx context.Context, out io.Writer, method, path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		pretty.WriteByte('\n')
		_, _ = pretty.WriteTo(out)
	} else {
		_, _ = out.Write(raw)
	}

	if resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `relayctl operates a settlement relay.

Usage:
  relayctl [flags] <command> [command flags]

Commands:
  health                                   liveness and breaker summary
  metrics                                  prices, nonces, loops and stores
  redeem --party P --amount A              settle a redemption
  settlements [--limit N] PARTY            journaled settlements of a party
  balance PARTY                            token holdings of a party
  reset-breaker                            resume the paused price pipeline

Flags:
%s`, flagSet.FlagUsages())
}
