package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/k0kubun/pp/v3"
	_ "go.uber.org/automaxprocs"

	"github.com/fraiseql/saga"
)

// demoClient fakes three services in-process: payments, inventory and
// orders. The inventory service rejects SKUs marked out of stock, and the
// first charge call fails transiently to show the retry path.
type demoClient struct {
	logger  saga.Logger
	flaky   atomic.Int64
	charges atomic.Int64
	refunds atomic.Int64
}

func (d *demoClient) Invoke(ctx context.Context, service, operation string, variables map[string]any, requestID string) (saga.Payload, error) {
	d.logger.Info(ctx, "demo service invoked", "service", service, "operation", operation, "request.id", requestID)
	switch operation {
	case "charge_card":
		if d.flaky.Add(1) == 1 {
			return nil, saga.TransientError(service, operation, "payment gateway hiccup", errors.New("connection reset"))
		}
		n := d.charges.Add(1)
		return saga.Payload{"charge_id": fmt.Sprintf("ch_%03d", n)}, nil
	case "refund_charge":
		d.refunds.Add(1)
		return saga.Payload{"refunded": variables["charge_id"]}, nil
	case "reserve_inventory":
		if sku, _ := variables["sku"].(string); sku == "SOLD-OUT" {
			return nil, saga.PermanentError(service, operation, "sku is out of stock", nil)
		}
		return saga.Payload{"reservation_id": "rsv_001"}, nil
	case "release_inventory":
		return saga.Payload{}, nil
	case "create_order", "cancel_order":
		return saga.Payload{"order_id": "ord_001"}, nil
	}
	return nil, saga.PermanentError(service, operation, "unknown operation", nil)
}

func orderDefinition() (*saga.Definition, error) {
	return saga.NewDefinition("order-fulfillment").
		Add(
			saga.Step("charge",
				saga.Operation{Service: "payments", Operation: "charge_card", Variables: map[string]any{"amount": "{amount}", "customer": "{customer_id}"}},
				saga.Operation{Service: "payments", Operation: "refund_charge", Variables: map[string]any{"charge_id": "{charge_id}"}},
			),
			saga.Step("reserve",
				saga.Operation{Service: "inventory", Operation: "reserve_inventory", Variables: map[string]any{"sku": "{sku}"}},
				saga.Operation{Service: "inventory", Operation: "release_inventory", Variables: map[string]any{"reservation_id": "{reservation_id}"}},
			),
			saga.Step("order",
				saga.Operation{Service: "orders", Operation: "create_order", Variables: map[string]any{"charge_id": "{charge_id}", "reservation_id": "{reservation_id}"}},
				saga.Operation{Service: "orders", Operation: "cancel_order", Variables: map[string]any{"order_id": "{order_id}"}},
			),
		).
		Build()
}

func openStore(ctx context.Context, cfg saga.Config) (saga.Store, func(), error) {
	switch cfg.Store.Backend {
	case "sqlite":
		var opts []saga.SQLiteOption
		if cfg.Store.Path != "" {
			opts = append(opts, saga.WithSQLitePath(cfg.Store.Path))
		} else {
			opts = append(opts, saga.WithSQLiteMemory())
		}
		st, err := saga.NewSQLiteStore(ctx, opts...)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	case "postgres":
		st, err := saga.NewPostgresStore(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	default:
		st, err := saga.NewMemoryStore()
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	}
}

func run() error {
	configPath := flag.String("config", "", "path to yaml configuration")
	flag.Parse()

	cfg := saga.DefaultConfig()
	if *configPath != "" {
		loaded, err := saga.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	level := slog.LevelInfo
	if cfg.Log.Level == "debug" {
		level = slog.LevelDebug
	}
	format := saga.TextFormat
	if cfg.Log.Format == "json" {
		format = saga.JSONFormat
	}
	logger := saga.NewDefaultLogger(level, format)

	ctx := context.Background()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	client := &demoClient{logger: logger}
	coord := saga.NewCoordinator(store, client,
		saga.WithLogger(logger),
		saga.WithRetryPolicy(cfg.RetryPolicy()),
		saga.WithStepTimeout(cfg.Timeouts.Step.Std()),
		saga.WithCompensationTimeout(cfg.Timeouts.Compensation.Std()),
		saga.WithSagaTimeout(cfg.Timeouts.Saga.Std()),
	)

	def, err := orderDefinition()
	if err != nil {
		return err
	}
	if err := coord.RegisterDefinition(def); err != nil {
		return err
	}

	recovery := saga.NewRecoveryManager(coord, cfg.RecoveryConfig())
	if _, err := recovery.RecoverAtStartup(ctx); err != nil {
		return err
	}
	recovery.Start(ctx)
	defer recovery.Stop()

	fmt.Println("--- happy path: transiently failing charge, then success ---")
	res, err := coord.Execute(ctx, def.ID, map[string]any{
		"customer_id": "cust_42",
		"amount":      1999,
		"sku":         "WIDGET-9",
	}, saga.WithCreationKey("order-42"))
	if err != nil {
		return err
	}
	pp.Println(res)

	fmt.Println("--- rollback path: out-of-stock sku refunds the charge ---")
	res, err = coord.Execute(ctx, def.ID, map[string]any{
		"customer_id": "cust_43",
		"amount":      2999,
		"sku":         "SOLD-OUT",
	}, saga.WithCreationKey("order-43"))
	if !errors.Is(err, saga.ErrSagaRolledBack) {
		return fmt.Errorf("expected rollback, got %w", err)
	}
	pp.Println(res)
	fmt.Printf("charges=%d refunds=%d\n", client.charges.Load(), client.refunds.Load())

	pp.Println(recovery.Stats())
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
