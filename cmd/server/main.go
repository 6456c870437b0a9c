package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"conveyor/cmd/server/config"
	"conveyor/internal/adapters/httpapi"
	"conveyor/internal/events"
	"conveyor/internal/observability"
	"conveyor/internal/orders"
	"conveyor/internal/realtime"
	"conveyor/internal/reliability"
	"conveyor/internal/saga"
	"conveyor/internal/shipping"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	if err := run(ctx, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// observeEngine points the engine's activity and lifecycle hooks at the
// metrics registry.
func observeEngine(engine *saga.Engine, metrics *observability.Metrics) {
	engine.SetActivityObserver(metrics.Observer())
	engine.SetLifecycleHooks(saga.LifecycleHooks{
		Started:   metrics.WorkflowStarted,
		Completed: metrics.WorkflowCompleted,
		Failed:    metrics.WorkflowFailed,
		Canceled:  metrics.WorkflowCanceled,
		Recovered: metrics.WorkflowRecovered,
		Signal:    metrics.SignalDelivered,
	})
}

func run(ctx context.Context, logger *zap.Logger) error {
	serverCfg := config.LoadServer()
	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	paymentCfg, err := config.LoadPayment()
	if err != nil {
		return err
	}
	carrierCfg, err := config.LoadCarrier()
	if err != nil {
		return err
	}

	st, cleanupStores := buildStores(ctx, logger)
	defer cleanupStores()

	metrics := observability.NewMetrics()

	hub := realtime.NewHub()
	go hub.Run()
	defer hub.Stop()

	publisher, cleanupPublisher := buildPublisher(ctx, redisCfg, hub, logger)
	defer cleanupPublisher()
	recorder := events.NewRecorder(st.events, publisher, logger)

	limiter := reliability.NewRateLimiter(paymentCfg.RateLimitInterval, paymentCfg.RateLimitBurst)
	limiter.OnWait = metrics.AddRateLimitWait
	breaker := reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		MaxFailures:  paymentCfg.BreakerMaxFailures,
		ResetTimeout: paymentCfg.BreakerResetTimeout,
	})
	gateway := orders.NewReliablePaymentGateway(orders.NoopPaymentGateway{}, limiter, breaker)

	engine, err := saga.NewEngine(sagaCfg.JournalDir, logger)
	if err != nil {
		return err
	}
	observeEngine(engine, metrics)

	orderActivities := orders.NewActivities(st.orders, st.payments, recorder, gateway, logger)
	orderCfg := orders.DefaultWorkflowConfig()
	orderCfg.ApprovalWindow = sagaCfg.ApprovalWindow
	engine.RegisterWorkflow(orders.WorkflowKind, orders.NewWorkflowFactory(orderActivities, orderCfg))

	carrierLimiter := reliability.NewRateLimiter(carrierCfg.RateLimitInterval, carrierCfg.RateLimitBurst)
	carrierLimiter.OnWait = metrics.AddRateLimitWait
	carrierBreaker := reliability.NewCircuitBreaker(reliability.CircuitBreakerConfig{
		MaxFailures:  carrierCfg.BreakerMaxFailures,
		ResetTimeout: carrierCfg.BreakerResetTimeout,
	})
	carrier := shipping.NewReliableCarrierClient(shipping.NewInMemoryCarrierClient(), carrierLimiter, carrierBreaker)

	shippingActivities := shipping.NewActivities(st.orders, recorder, shipping.NewInMemoryWarehouseClient(), carrier, logger)
	engine.RegisterWorkflow(shipping.WorkflowKind, shipping.NewWorkflowFactory(shippingActivities, shipping.DefaultWorkflowConfig()))

	if err := engine.Recover(ctx); err != nil {
		return err
	}

	api := httpapi.NewServer(engine, st.orders, recorder, hub, logger)
	httpSrv := &http.Server{
		Addr:    serverCfg.HTTPAddr,
		Handler: api.Router(),
	}

	obsSrv := &http.Server{
		Addr:    serverCfg.ObsAddr,
		Handler: observability.Mux(metrics),
	}
	go func() {
		if err := obsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("observability server", zap.Error(err))
		}
	}()

	logger.Info("server running",
		zap.String("http_addr", serverCfg.HTTPAddr),
		zap.String("obs_addr", serverCfg.ObsAddr),
		zap.String("journal_dir", sagaCfg.JournalDir),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = httpSrv.Shutdown(shutdownCtx)
		_ = obsSrv.Shutdown(shutdownCtx)

		metrics.MarkShutdown(int64(engine.Live()))
		if err := engine.Shutdown(shutdownCtx); err != nil {
			logger.Warn("engine shutdown", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}
