package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"price-attestor/internal/alerting"
	"price-attestor/internal/batcher"
	"price-attestor/internal/config"
	"price-attestor/internal/feed"
	"price-attestor/internal/fixedpoint"
	"price-attestor/internal/metrics"
	"price-attestor/internal/scheduler"
	"price-attestor/internal/service"
	"price-attestor/internal/signer"
	"price-attestor/internal/storage"
	"price-attestor/internal/submitter"
	"price-attestor/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newFeeds() ([]feed.Feed, error) {
	feeds := make([]feed.Feed, 0, len(a.Config.Feeds))
	for i, fc := range a.Config.Feeds {
		switch fc.Type {
		case config.FeedCryptoCompare:
			feeds = append(feeds, feed.NewCryptoCompare(feed.CryptoCompareOptions{
				Name:      fc.Name,
				BaseURL:   fc.BaseURL,
				FromSym:   fc.FromSym,
				ToSym:     fc.ToSym,
				APIKey:    fc.APIKey,
				Timeout:   fc.Timeout,
				UserAgent: fc.UserAgent,
			}, a.Logger))
		case config.FeedChainlink:
			feeds = append(feeds, feed.NewChainlink(feed.ChainlinkOptions{
				Name:       fc.Name,
				RPCURL:     a.Config.Chain.RPCURL,
				Aggregator: fc.Aggregator,
				Timeout:    fc.Timeout,
			}, a.Logger))
		case config.FeedStatic:
			price, err := decimal.NewFromString(fc.Price)
			if err != nil {
				return nil, &config.ConfigurationError{Key: fmt.Sprintf("feeds[%d].price", i), Reason: err.Error()}
			}
			feeds = append(feeds, feed.NewStatic(fc.Name, price))
		default:
			return nil, &config.ConfigurationError{Key: fmt.Sprintf("feeds[%d].type", i), Reason: fmt.Sprintf("unknown feed type %q", fc.Type)}
		}
	}
	if len(feeds) == 0 {
		return nil, &config.ConfigurationError{Key: "feeds", Reason: "no feeds configured"}
	}
	return feeds, nil
}

func (a *App) newBatcher() (*batcher.Batcher, *signer.Signer, error) {
	s, err := a.Config.LoadSigner()
	if err != nil {
		return nil, nil, err
	}
	marketID, err := a.Config.MarketID()
	if err != nil {
		return nil, nil, err
	}
	b, err := batcher.New(s, marketID, batcher.Options{
		Precision: fixedpoint.OracleDecimals,
		Workers:   a.Config.Signer.Workers,
	}, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	return b, s, nil
}

func (a *App) newSubmitter(s *signer.Signer, submit bool) (*submitter.Submitter, error) {
	var transactor *bind.TransactOpts
	if submit {
		var err error
		transactor, err = s.Transactor(big.NewInt(a.Config.Chain.ChainID))
		if err != nil {
			return nil, fmt.Errorf("build transactor: %w", err)
		}
	}
	return submitter.New(submitter.Options{
		RPCURL:        a.Config.Chain.RPCURL,
		OracleAddress: a.Config.Chain.OracleAddress,
		Enabled:       submit,
		Timeout:       a.Config.Chain.RequestTimeout,
	}, transactor, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		telegram := alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
		return alerting.NewCooldown(telegram, a.Config.Alerting.Cooldown, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) requireStore(ctx context.Context, action string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, fmt.Errorf("database not configured; cannot %s", action)
	}
	return store, closeStore, nil
}

// Run executes the long-running attestation service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b, s, err := a.newBatcher()
	if err != nil {
		return err
	}
	feeds, err := a.newFeeds()
	if err != nil {
		return err
	}
	sub, err := a.newSubmitter(s, a.Config.Chain.Submit)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToBucket:  a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: !a.Config.Scheduler.AlignToBucket,
	}, a.Logger)
	if err != nil {
		return err
	}

	var m *metrics.AttestorMetrics
	if a.Config.Metrics.Enabled {
		m = metrics.New(a.Config.Metrics.Namespace)
	}

	deps := service.Dependencies{
		Scheduler: sched,
		Feeds:     feeds,
		Batcher:   b,
		Submitter: sub,
		Notifier:  a.newNotifier(),
		Metrics:   m,
		LockKey:   a.Config.Scheduler.AdvisoryLockKey,
		Retention: a.Config.Database.Retention,
	}
	if store != nil {
		deps.Store = store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; audit trail disabled")
	}

	svc, err := service.New(deps, a.Logger)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if m != nil {
		group.Go(func() error {
			return m.Serve(groupCtx, a.Config.Metrics.ListenAddr, a.Logger)
		})
	}
	group.Go(func() error {
		a.Logger.Info().
			Str("signer", s.Address().Hex()).
			Str("market_id", b.MarketID().Hex()).
			Int("feeds", len(feeds)).
			Bool("submit", a.Config.Chain.Submit).
			Str("version", version.String()).
			Msg("starting attestation service")
		return svc.Run(groupCtx)
	})

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("attestation service stopped")
	return nil
}

// Address prints the signer's address.
func (a *App) Address(out io.Writer) error {
	s, err := a.Config.LoadSigner()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, s.Address().Hex())
	return err
}

// ExportOptions hold parameters for exporting historical attestations.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit  int
	Rounds bool
	Out    io.Writer
}

// SignOptions configure a one-off signing round.
type SignOptions struct {
	// Prices replaces the configured feeds with static feeds, in order.
	Prices []string
	Submit bool
	Out    io.Writer
}

// VerifyOptions configure signature verification of a batch document.
type VerifyOptions struct {
	Input    io.Reader
	Expected string
	Out      io.Writer
}
