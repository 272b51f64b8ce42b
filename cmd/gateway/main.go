// Command gateway launches the Tably realtime ordering gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tably/tably/config"
	"github.com/tably/tably/internal/normalize"
	"github.com/tably/tably/internal/observability"
	"github.com/tably/tably/internal/realtime"
	"github.com/tably/tably/internal/schema"
	"github.com/tably/tably/internal/simstore"
	"github.com/tably/tably/lib/telemetry"
)

const (
	defaultConfigPath        = "config/gateway.yaml"
	gatewayLoggerPrefix      = "gateway "
	shutdownTimeout          = 15 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	demoFeedInterval         = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newGatewayLogger()

	cfg, loadedFromFile, err := loadConfig(cfgPathFlag)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Print("configuration file not found, using environment and defaults")
	}
	logger.Printf("configuration initialised: env=%s, venue=%s, role=%s, offline=%v",
		cfg.Environment, cfg.Venue, cfg.Role, cfg.Offline)

	installStructuredLogger(cfg)

	_, telemetryShutdown, err := telemetry.Init(ctx, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	if cfg.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", cfg.OTLPEndpoint, cfg.ServiceName)
	} else {
		logger.Print("telemetry disabled")
	}

	svc := realtime.NewService(realtime.Options{
		Config:   cfg,
		Identity: realtime.NewSessionIdentity(),
	})
	svc.OnStatus(func(evt realtime.StatusEvent) {
		logger.Printf("channel status: connected=%v mock=%v", evt.Connected, evt.Mock)
	})

	if err := subscribeOrderTap(svc, cfg, logger); err != nil {
		logger.Fatalf("subscribe order tap: %v", err)
	}

	svc.Connect(ctx)

	if cfg.Offline {
		store := simstore.New(cfg.Venue, svc, simstore.WithTables(demoTables()))
		go runDemoFeed(ctx, store, logger)
		logger.Print("offline mode: local simulation feed started")
	}

	logger.Print("gateway started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	svc.Disconnect()
	shutdownStep(shutdownCtx, logger, "shutting down telemetry", telemetryShutdownTimeout, telemetryShutdown)
	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to gateway configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newGatewayLogger() *log.Logger {
	return log.New(os.Stdout, gatewayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func loadConfig(flagValue string) (config.Settings, bool, error) {
	path := flagValue
	if path == "" {
		path = filepath.Clean(defaultConfigPath)
	}
	return config.LoadFile(config.FromEnv(), path)
}

func installStructuredLogger(cfg config.Settings) {
	observability.SetLogger(observability.NewJSONLogger(os.Stderr, cfg.Debug))
}

// subscribeOrderTap registers a venue-wide subscription that logs every
// normalized order notification, so an operator can watch the channel work.
func subscribeOrderTap(svc *realtime.Service, cfg config.Settings, logger *log.Logger) error {
	venue := cfg.Venue
	if venue == "" {
		venue = "demo"
	}
	norm := normalize.Normalizer{}
	return svc.Subscribe(venue+"/orders/#", "order-tap", func(frame schema.Frame) {
		order := norm.Order([]byte(frame.Payload))
		if order == nil {
			return
		}
		logger.Printf("order %s table=%s status=%s total=%s items=%d",
			order.ID, order.TableLabel, order.Status, order.Total, len(order.Items))
	})
}

func demoTables() map[string]string {
	return map[string]string{
		"t-1": "Table 1",
		"t-2": "Table 2",
		"t-3": "Window booth",
	}
}

// runDemoFeed walks one order per interval through the full lifecycle so
// every subscribed dashboard has live-looking traffic without a backend.
func runDemoFeed(ctx context.Context, store *simstore.Store, logger *log.Logger) {
	ticker := time.NewTicker(demoFeedInterval)
	defer ticker.Stop()

	tables := []string{"t-1", "t-2", "t-3"}
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		order, err := store.PlaceOrder(ctx, simstore.PlaceOrderRequest{
			TableID: tables[n%len(tables)],
			Items: []simstore.PlaceOrderItem{
				{ItemID: "burger", Quantity: 1, UnitPrice: decimal.RequireFromString("9.50"), Station: "kitchen"},
				{ItemID: "lemonade", Quantity: 2, UnitPrice: decimal.RequireFromString("3.25"), Station: "bar"},
			},
		})
		if err != nil {
			logger.Printf("demo feed: place: %v", err)
			continue
		}
		n++

		steps := []func() error{
			func() error { _, err := store.AcceptOrder(ctx, order.ID, schema.RoleCook); return err },
			func() error { _, err := store.MarkReady(ctx, order.ID, schema.RoleCook, false); return err },
			func() error { _, err := store.ServeOrder(ctx, order.ID, schema.RoleWaiter); return err },
			func() error { _, err := store.SettleOrder(ctx, order.ID, schema.RoleWaiter); return err },
		}
		for _, step := range steps {
			if ctx.Err() != nil {
				return
			}
			if err := step(); err != nil {
				logger.Printf("demo feed: advance %s: %v", order.ID, err)
				break
			}
			time.Sleep(demoFeedInterval / 5)
		}
	}
}

func shutdownStep(ctx context.Context, logger *log.Logger, name string, timeout time.Duration, fn func(context.Context) error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	logger.Printf("shutdown: %s...", name)
	if err := fn(stepCtx); err != nil {
		logger.Printf("shutdown: %s failed: %v", name, err)
	} else {
		logger.Printf("shutdown: %s completed", name)
	}
}
