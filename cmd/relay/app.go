package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/terminal-bench/settlementrelay/internal/api"
	"github.com/terminal-bench/settlementrelay/internal/config"
	"github.com/terminal-bench/settlementrelay/internal/election"
	"github.com/terminal-bench/settlementrelay/internal/history"
	"github.com/terminal-bench/settlementrelay/internal/journal"
	"github.com/terminal-bench/settlementrelay/internal/keeper"
	"github.com/terminal-bench/settlementrelay/internal/ledger"
	"github.com/terminal-bench/settlementrelay/internal/oracle"
	"github.com/terminal-bench/settlementrelay/internal/poller"
	"github.com/terminal-bench/settlementrelay/internal/replay"
	"github.com/terminal-bench/settlementrelay/internal/settlement"
	"github.com/terminal-bench/settlementrelay/internal/store"
	"github.com/terminal-bench/settlementrelay/internal/validator"
	"github.com/terminal-bench/settlementrelay/pkg/messaging"
)

// app holds the wired components and everything that needs closing.
type app struct {
	server  *api.Server
	loops   *poller.Group
	elector *election.Elector
	closers []func()
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	publisher, err := openPublisher(cfg, logger, a)
	if err != nil {
		return nil, err
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		if rdb, err = store.OpenRedis(ctx, cfg.Redis.URL); err != nil {
			return nil, err
		}
		a.onClose(func() { _ = rdb.Close() })
		logger.Info("connected to redis")
	}

	var db *sql.DB
	var jrnl *journal.Journal
	if cfg.Postgres.DSN != "" {
		if db, err = store.OpenPostgres(ctx, cfg.Postgres.DSN); err != nil {
			return nil, err
		}
		a.onClose(func() { _ = db.Close() })
		jrnl = journal.New(db)
		if err = jrnl.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		logger.Info("connected to postgres")
	}

	gw := ledger.NewClient(ledger.Config{
		BaseURL:        cfg.Ledger.URL,
		UserID:         cfg.Ledger.UserID,
		JWTSecret:      cfg.Ledger.JWTSecret,
		Token:          cfg.Ledger.Token,
		Timeout:        cfg.Ledger.Timeout,
		MaxFailures:    cfg.Ledger.MaxFailures,
		BreakerTimeout: cfg.Ledger.BreakerTimeout,
	}, logger.Named("ledger"))

	v := validator.New(validator.DefaultSchemas(validator.Templates{
		Token:    cfg.Templates.Token,
		Escrow:   cfg.Templates.Escrow,
		Service:  cfg.Templates.Service,
		Oracle:   cfg.Templates.Oracle,
		Bridge:   cfg.Templates.Bridge,
		BridgeIn: cfg.Templates.BridgeIn,
	}, validator.Choices{
		Redeem:      cfg.Choices.Redeem,
		UpdatePrice: cfg.Choices.UpdatePrice,
		BridgeIn:    cfg.Choices.BridgeIn,
	})...)

	// Replay
	var processed store.ProcessedSet
	switch {
	case rdb != nil:
		processed = store.NewRedisProcessed(rdb, cfg.Redis.Prefix+"processed:")
	case db != nil:
		pp := store.NewPostgresProcessed(db)
		if err = pp.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		processed = pp
	}
	tracker := replay.NewTracker(processed,
		replay.WithMode(replay.In, nonceMode(cfg.Replay.InMode)),
		replay.WithMode(replay.Out, nonceMode(cfg.Replay.OutMode)),
		replay.WithLogger(logger.Named("replay")))

	// Settlement
	var idem store.IdempotencyStore = store.NewMemoryIdempotency(cfg.Settlement.IdempotencyCapacity, cfg.Settlement.IdempotencyTTL)
	if rdb != nil {
		idem = store.NewRedisIdempotency(rdb, cfg.Redis.Prefix+"idem:", cfg.Settlement.IdempotencyTTL)
	}
	settleOpts := []settlement.Option{
		settlement.WithPublisher(publisher),
		settlement.WithLogger(logger.Named("settlement")),
		settlement.WithReplayGuard(tracker),
	}
	if len(cfg.Templates.Reservations) > 0 {
		settleOpts = append(settleOpts, settlement.WithReservations(settlement.NewLedgerReservations(
			gw, cfg.Parties.Operator, cfg.Templates.Reservations, cfg.Settlement.ReservationFields)))
	}
	if jrnl != nil {
		settleOpts = append(settleOpts, settlement.WithJournal(jrnl))
	}
	settler, err := settlement.NewEngine(settlement.Config{
		Operator:     cfg.Parties.Operator,
		Issuer:       cfg.Parties.Issuer,
		Token:        cfg.Templates.Token,
		Escrow:       cfg.Templates.Escrow,
		Service:      cfg.Templates.Service,
		RedeemChoice: cfg.Choices.Redeem,
		FeeBps:       cfg.Settlement.FeeBps,
		Timeout:      cfg.Settlement.Timeout,
	}, gw, v, idem, settleOpts...)
	if err != nil {
		return nil, err
	}

	// Loops and API
	a.loops = poller.NewGroup()
	loopOpts := []poller.Option{
		poller.WithAlert(cfg.Loops.AlertAfter, poller.PublishAlerts(publisher, logger.Named("alerts"))),
		poller.WithTickTimeout(cfg.Loops.TickTimeout),
		poller.WithLogger(logger.Named("poller")),
	}

	deps := api.Deps{
		Settler: settler,
		Nonces:  tracker,
		Loops:   a.loops,
		Ledger:  gw,
	}
	if jrnl != nil {
		deps.History = jrnl
	}

	prices, err := buildOracle(cfg, gw, v, publisher, logger, a, func(cp oracle.ConsensusPrice) {
		if a.server != nil {
			a.server.Hub().Broadcast(cp)
		}
	})
	if err != nil {
		return nil, err
	}
	if prices != nil {
		deps.Prices = prices
		a.loops.Add(poller.New("price-consensus", cfg.Loops.PriceInterval, prices.Tick, loopOpts...))
		watchdog := keeper.NewStalenessWatchdog(prices, cfg.Oracle.MaxPriceAge, logger.Named("watchdog"))
		a.loops.Add(poller.New("price-staleness", cfg.Loops.WatchdogInterval, watchdog.Tick, loopOpts...))
	}

	if !cfg.Templates.Bridge.IsZero() {
		if err := replay.SeedNonces(ctx, tracker, gw, cfg.Parties.Operator, cfg.Templates.Bridge); err != nil {
			if !errors.Is(err, replay.ErrNoBridge) {
				return nil, fmt.Errorf("failed to seed nonces: %w", err)
			}
			logger.Warn("no bridge service on the ledger yet, nonces start at zero")
		}
		logger.Info("bridge nonces seeded",
			zap.Uint64("last_in", tracker.Last(replay.In)),
			zap.Uint64("last_out", tracker.Last(replay.Out)))
		if !cfg.Templates.BridgeIn.IsZero() {
			processor := replay.NewAttestationProcessor(replay.ProcessorConfig{
				Operator:      cfg.Parties.Operator,
				BridgeService: cfg.Templates.Bridge,
				Choice:        cfg.Choices.BridgeIn,
			}, tracker, gw, v, publisher, logger.Named("attestations"))
			var attJournal keeper.AttestationJournal
			if jrnl != nil {
				attJournal = jrnl
			}
			observer := keeper.NewAttestationObserver(gw, processor, cfg.Parties.Operator, cfg.Templates.BridgeIn, attJournal, logger.Named("observer"))
			a.loops.Add(poller.New("attestations", cfg.Loops.AttestationInterval, observer.Tick, loopOpts...))
		}
	}

	a.server = api.NewServer(api.Config{
		AdminToken:      cfg.Server.AdminToken,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow,
	}, deps, logger.Named("api"))
	if cfg.Server.RateLimitMax > 0 && cfg.Server.RateLimitWindow > 0 {
		a.loops.Add(poller.New("rate-limit-prune", cfg.Server.RateLimitWindow, a.server.PruneRateLimits,
			poller.WithLogger(logger.Named("poller"))))
	}

	if len(cfg.Etcd.Endpoints) > 0 {
		a.elector, err = election.New(election.Config{
			Endpoints:   cfg.Etcd.Endpoints,
			Prefix:      cfg.Etcd.Prefix,
			SessionTTL:  cfg.Etcd.SessionTTL,
			DialTimeout: cfg.Etcd.DialTimeout,
		}, logger.Named("election"))
		if err != nil {
			return nil, err
		}
		a.onClose(func() { _ = a.elector.Close() })
	}

	logger.Info("relay configured",
		zap.String("operator", cfg.Parties.Operator),
		zap.Int("assets", len(cfg.Oracle.Assets)),
		zap.Int("price_sources", cfg.SourceCount()),
		zap.Bool("redis", rdb != nil),
		zap.Bool("postgres", db != nil),
		zap.Bool("leader_election", a.elector != nil))
	return a, nil
}

func openPublisher(cfg *config.Config, logger *zap.Logger, a *app) (messaging.Publisher, error) {
	if cfg.NATS.URL == "" {
		return messaging.NopPublisher{}, nil
	}
	client, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATS.URL,
		Name:           "settlement-relay",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	}, logger.Named("nats"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	a.onClose(func() { _ = client.Close() })
	return client, nil
}

// buildOracle returns nil when no assets are configured.
func buildOracle(cfg *config.Config, gw ledger.Gateway, v *validator.Validator, pub messaging.Publisher, logger *zap.Logger, a *app, listener func(oracle.ConsensusPrice)) (*oracle.Engine, error) {
	if len(cfg.Oracle.Assets) == 0 {
		return nil, nil
	}

	httpClient := &http.Client{Timeout: cfg.Oracle.SourceTimeout}
	var sources []oracle.Source
	if q := cfg.Oracle.Quote; q.URL != "" {
		sources = append(sources, oracle.NewQuoteSource(q.Name, q.URL, q.Param, httpClient))
	}
	if t := cfg.Oracle.Ticker; t.URL != "" {
		sources = append(sources, oracle.NewTickerSource(oracle.TickerConfig{
			Name:         t.Name,
			URL:          t.URL,
			Param:        t.Param,
			TokenURL:     t.TokenURL,
			ClientID:     t.ClientID,
			ClientSecret: t.ClientSecret,
		}, httpClient))
	}

	assets := make([]oracle.AssetConfig, 0, len(cfg.Oracle.Assets))
	for _, ac := range cfg.Oracle.Assets {
		assets = append(assets, oracle.AssetConfig{
			Symbol:       ac.Symbol,
			MinPrice:     ac.MinPrice,
			MaxPrice:     ac.MaxPrice,
			MaxChangePct: ac.MaxChangePct,
		})
	}

	opts := []oracle.Option{
		oracle.WithPublisher(pub),
		oracle.WithLogger(logger.Named("oracle")),
		oracle.WithListener(listener),
		oracle.WithPusher(oracle.NewLedgerPusher(oracle.PusherConfig{
			Operator:     cfg.Parties.Operator,
			Oracle:       cfg.Templates.Oracle,
			Choice:       cfg.Choices.UpdatePrice,
			GuardMarkers: cfg.Oracle.GuardMarkers,
		}, gw, v, logger.Named("pusher"))),
	}
	if cfg.Influx.URL != "" {
		writer, err := history.New(history.Config{
			URL:    cfg.Influx.URL,
			Token:  cfg.Influx.Token,
			Org:    cfg.Influx.Org,
			Bucket: cfg.Influx.Bucket,
		}, logger.Named("history"))
		if err != nil {
			return nil, err
		}
		a.onClose(writer.Close)
		opts = append(opts, oracle.WithRecorder(writer))
	}

	return oracle.NewEngine(oracle.Config{
		Assets:               assets,
		MaxDivergencePct:     cfg.Oracle.MaxDivergencePct,
		ResetAfterViolations: cfg.Oracle.ResetAfterViolations,
		BreakerCeiling:       cfg.Oracle.BreakerCeiling,
		SourceTimeout:        cfg.Oracle.SourceTimeout,
		MaxSampleAge:         cfg.Oracle.MaxSampleAge,
	}, sources, opts...)
}

func nonceMode(s string) replay.Mode {
	if s == "monotonic" {
		return replay.Monotonic
	}
	return replay.Strict
}
