package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"trade-assistant/internal/alert"
	"trade-assistant/internal/config"
	"trade-assistant/internal/engine"
	"trade-assistant/internal/exchange/binance"
	"trade-assistant/internal/gateway"
	"trade-assistant/internal/marketdata"
	"trade-assistant/internal/orders"
	"trade-assistant/internal/ratelimit"
	"trade-assistant/internal/safety"
	"trade-assistant/internal/store"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitStartup = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitStartup
	}

	notifier := alert.NewTelegramNotifier(
		cfg.Telegram.Enabled,
		cfg.Telegram.BotToken,
		cfg.Telegram.ChatID,
		cfg.Telegram.APIBaseURL,
		time.Duration(cfg.Telegram.TimeoutSec)*time.Second,
	)
	var alerts *alert.Manager
	if cfg.Telegram.Enabled {
		alerts = alert.NewManagerWithOptions(string(cfg.Mode), cfg.InstanceID, notifier, alert.ManagerOptions{
			DropReportInterval: time.Duration(cfg.Runtime.AlertDropReportSec) * time.Second,
		})
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stateDir := filepath.Join(cfg.State.Dir, string(cfg.Mode), cfg.InstanceID)
	st, err := store.Open(stateDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitStartup
	}
	defer st.Close()
	lock, err := store.AcquireLock(stateDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitStartup
	}
	defer func() {
		if err := lock.Release(); err != nil {
			fmt.Fprintf(os.Stderr, "release instance lock failed: %v\n", err)
		}
	}()

	limiter, err := ratelimit.New(cfg.RateLimits)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitStartup
	}
	client, err := binance.NewClient(cfg.Exchange, cfg.Execution, cfg.InstanceID, limiter)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitStartup
	}
	client.SetAlerter(alerts)

	breaker := safety.NewBreaker(
		cfg.CircuitBreaker.Enabled,
		cfg.CircuitBreaker.MaxSubmitFailures,
		cfg.CircuitBreaker.MaxCancelFailures,
		cfg.CircuitBreaker.MaxReconnectFailures,
		time.Duration(cfg.CircuitBreaker.ReconnectCooldownSec)*time.Second,
	)
	breaker.SetAlerter(alerts)

	book := orders.NewBook(client.ClientOrderPrefix())
	cache := marketdata.NewCache(
		cfg.Symbols,
		time.Duration(cfg.MarketData.StalenessWindowSec)*time.Second,
		cfg.MarketData.KlineHistory,
	)

	coord, err := engine.New(engine.Options{
		Mode:           string(cfg.Mode),
		InstanceID:     cfg.InstanceID,
		Symbols:        cfg.Symbols,
		Exchange:       safety.NewGuardedExchange(client, breaker),
		ClientIDs:      client,
		Book:           book,
		Cache:          cache,
		Breaker:        breaker,
		Store:          st,
		Alerter:        alerts,
		Issuers:        cfg.Execution.Issuers,
		OrderTimeout:   time.Duration(cfg.Execution.OrderTimeoutSec) * time.Second,
		PriceBand:      cfg.Execution.PriceBand.Decimal,
		Heartbeat:      time.Duration(cfg.Runtime.HeartbeatSec) * time.Second,
		ReconcileEvery: time.Duration(cfg.Runtime.ReconcileSec) * time.Second,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitStartup
	}

	prepCtx, prepCancel := context.WithTimeout(ctx, time.Minute)
	err = coord.Prepare(prepCtx)
	prepCancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup reconciliation failed: %v\n", err)
		return exitStartup
	}
	log.Printf("level=INFO event=started mode=%s instance=%s symbols=%v", cfg.Mode, cfg.InstanceID, cfg.Symbols)
	if alerts != nil {
		alerts.Important("started", map[string]string{
			"symbols": fmt.Sprint(cfg.Symbols),
		})
	}

	keepalive := time.Duration(cfg.Exchange.KeepaliveSec) * time.Second
	go pumpMarketStream(ctx, client, coord, breaker, cfg.Symbols, cfg.MarketData.KlineInterval, keepalive)
	go pumpUserStream(ctx, client, coord, breaker, keepalive)

	if cfg.Telegram.Enabled {
		gw, err := gateway.New(gateway.Options{
			BotToken:      cfg.Telegram.BotToken,
			AllowedChatID: cfg.Telegram.ChatID,
			APIBaseURL:    cfg.Telegram.APIBaseURL,
			PollTimeout:   time.Duration(cfg.Telegram.PollTimeoutSec) * time.Second,
		}, coord, notifier)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return exitStartup
		}
		go func() {
			if err := gw.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("level=ERROR event=gateway_stopped err=%q", err)
			}
		}()
	}

	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	log.Printf("level=INFO event=shutdown mode=%s instance=%s", cfg.Mode, cfg.InstanceID)
	return exitOK
}

// pumpMarketStream keeps one market subscription alive, feeding events to
// the coordinator and honoring the reconnect circuit between attempts.
func pumpMarketStream(ctx context.Context, client *binance.Client, coord *engine.Coordinator, breaker *safety.Breaker, symbols []string, klineInterval string, keepalive time.Duration) {
	for ctx.Err() == nil {
		if err := breaker.AllowReconnect(); err != nil {
			wait := breaker.ReconnectCooldownRemaining()
			if wait <= 0 {
				wait = time.Second
			}
			log.Printf("level=WARN event=market_stream_blocked err=%q wait=%s", err, wait)
			if sleepCtx(ctx, wait) != nil {
				return
			}
			continue
		}
		stream, err := client.NewMarketStream(ctx, symbols, klineInterval, keepalive)
		if err != nil {
			_ = breaker.RecordReconnect(err)
			log.Printf("level=WARN event=market_stream_dial_failed err=%q", err)
			if sleepCtx(ctx, 2*time.Second) != nil {
				return
			}
			continue
		}
		_ = breaker.RecordReconnect(nil)
		log.Printf("level=INFO event=market_stream_connected symbols=%v", symbols)
		events, errCh := stream.Events(ctx)
		for ev := range events {
			coord.OnMarketEvent(ev)
		}
		select {
		case err := <-errCh:
			log.Printf("level=WARN event=market_stream_closed err=%q", err)
		default:
			log.Printf("level=WARN event=market_stream_closed")
		}
		if sleepCtx(ctx, time.Second) != nil {
			return
		}
	}
}

func pumpUserStream(ctx context.Context, client *binance.Client, coord *engine.Coordinator, breaker *safety.Breaker, keepalive time.Duration) {
	for ctx.Err() == nil {
		if err := breaker.AllowReconnect(); err != nil {
			wait := breaker.ReconnectCooldownRemaining()
			if wait <= 0 {
				wait = time.Second
			}
			log.Printf("level=WARN event=user_stream_blocked err=%q wait=%s", err, wait)
			if sleepCtx(ctx, wait) != nil {
				return
			}
			continue
		}
		stream, err := client.NewUserStream(ctx, keepalive)
		if err != nil {
			_ = breaker.RecordReconnect(err)
			log.Printf("level=WARN event=user_stream_dial_failed err=%q", err)
			if sleepCtx(ctx, 2*time.Second) != nil {
				return
			}
			continue
		}
		_ = breaker.RecordReconnect(nil)
		log.Printf("level=INFO event=user_stream_connected")
		updates, errCh := stream.Updates(ctx)
		for update := range updates {
			coord.OnOrderUpdate(update)
		}
		select {
		case err := <-errCh:
			log.Printf("level=WARN event=user_stream_closed err=%q", err)
		default:
			log.Printf("level=WARN event=user_stream_closed")
		}
		if sleepCtx(ctx, time.Second) != nil {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
