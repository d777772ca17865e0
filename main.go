package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/habgyt95-stack/Chat-Support-sub001/config"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/adapters/kafka"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/adapters/pushgateway"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/adapters/rabbitmq"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/adapters/redis"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/auth"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/clock"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/db"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/events"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/handlers"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/models"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/push"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/realtime"
	"github.com/habgyt95-stack/Chat-Support-sub001/internal/services"
	"github.com/habgyt95-stack/Chat-Support-sub001/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

// hubBus forwards to the realtime hub once it exists. The hub depends on
// the delivery service, which needs a bus to be built.
type hubBus struct {
	hub atomic.Pointer[realtime.Hub]
}

func (b *hubBus) Publish(ctx context.Context, env events.Envelope) {
	if h := b.hub.Load(); h != nil {
		h.Publish(ctx, env)
	}
}

func main() {
	logger.InitLogger()
	lg := logger.For("main")

	cfg, err := config.LoadConfig()
	if err != nil {
		lg.Fatal().Err(err).Msg("Failed to load configuration")
	}

	gdb, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		lg.Fatal().Err(err).Msg("Failed to initialize database")
	}
	if err := db.Migrate(gdb, models.All()...); err != nil {
		lg.Fatal().Err(err).Msg("Failed to run database migrations")
	}
	xdb, err := db.Sqlx(gdb)
	if err != nil {
		lg.Fatal().Err(err).Msg("Failed to open read connection")
	}

	// Optional sinks. Each one is skipped when its URL is not configured.
	realtimeBus := &hubBus{}
	bus := events.Fanout{realtimeBus}
	var closers []func() error

	var rabbit *rabbitmq.Publisher
	if cfg.RabbitMQURL != "" {
		rabbit, err = rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQQueue, cfg.RabbitMQQueuePrefix, cfg.RabbitSpecificEvent)
		if err != nil {
			lg.Fatal().Err(err).Msg("Failed to connect to RabbitMQ")
		}
		sink := rabbitmq.NewEventSink(rabbit)
		bus = append(bus, sink)
		closers = append(closers, sink.Close, rabbit.Close)
	}
	if len(cfg.KafkaBrokers) > 0 {
		stream, err := kafka.Dial(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			lg.Fatal().Err(err).Msg("Failed to connect to Kafka")
		}
		bus = append(bus, stream)
		closers = append(closers, stream.Close)
	}

	var mirror services.PresenceMirror
	if cfg.RedisURL != "" {
		client, err := redis.Connect(cfg.RedisURL)
		if err != nil {
			lg.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		m, err := redis.NewPresenceMirror(client)
		if err != nil {
			lg.Fatal().Err(err).Msg("Failed to create presence mirror")
		}
		mirror = m
		closers = append(closers, client.Close)
	}

	var gateway push.Gateway
	if cfg.PushGatewayURL != "" {
		gw, err := pushgateway.NewClient(cfg.PushGatewayURL, cfg.PushGatewayToken)
		if err != nil {
			lg.Fatal().Err(err).Msg("Failed to create push gateway client")
		}
		gateway = gw
	}
	var queue push.QueuePublisher
	if rabbit != nil {
		queue = rabbit
	}
	pushes := push.NewDeliveryManager(gateway, queue, push.Options{})

	// Services.
	clk := clock.Real()
	presence := services.NewPresenceTracker(mirror)
	registry, err := services.NewAgentRegistry(gdb, clk, cfg.AgentOfflineAfter, cfg.DefaultMaxChats)
	if err != nil {
		lg.Fatal().Err(err).Msg("Failed to initialize AgentRegistry")
	}
	delivery, err := services.NewDeliveryStateMachine(gdb, xdb, bus, clk)
	if err != nil {
		lg.Fatal().Err(err).Msg("Failed to initialize DeliveryStateMachine")
	}
	var dispatcher *services.NotificationDispatcher
	if pushes.Enabled() {
		if dispatcher, err = services.NewNotificationDispatcher(gdb, presence, pushes); err != nil {
			lg.Fatal().Err(err).Msg("Failed to initialize NotificationDispatcher")
		}
	} else {
		lg.Warn().Msg("No push channel configured, offline recipients get no notifications")
	}
	messages, err := services.NewMessageService(gdb, delivery, dispatcher)
	if err != nil {
		lg.Fatal().Err(err).Msg("Failed to initialize MessageService")
	}
	virtual, err := services.NewVirtualAgent(gdb, messages, cfg.VirtualAgentName, cfg.HoldingIdleInterval)
	if err != nil {
		lg.Fatal().Err(err).Msg("Failed to initialize VirtualAgent")
	}
	if _, err := virtual.EnsureIdentity(context.Background()); err != nil {
		lg.Fatal().Err(err).Msg("Failed to provision the virtual agent")
	}
	router, err := services.NewTicketRouter(gdb, registry, virtual, messages)
	if err != nil {
		lg.Fatal().Err(err).Msg("Failed to initialize TicketRouter")
	}
	sweeper, err := services.NewReassignmentSweeper(gdb, registry, virtual, messages)
	if err != nil {
		lg.Fatal().Err(err).Msg("Failed to initialize ReassignmentSweeper")
	}
	hub, err := realtime.NewHub(presence, delivery, messages, registry)
	if err != nil {
		lg.Fatal().Err(err).Msg("Failed to initialize realtime hub")
	}
	realtimeBus.hub.Store(hub)

	resolver, err := auth.NewResolver(cfg.JWTSecret, gdb, clk)
	if err != nil {
		lg.Fatal().Err(err).Msg("Failed to initialize auth resolver")
	}
	var pushAdmin *push.DeliveryManager
	if pushes.Enabled() {
		pushAdmin = pushes
	}
	server, err := handlers.NewServer(handlers.Deps{
		DB:       gdb,
		Resolver: resolver,
		Router:   router,
		Registry: registry,
		Sweeper:  sweeper,
		Messages: messages,
		Delivery: delivery,
		Hub:      hub,
		Push:     pushAdmin,
	})
	if err != nil {
		lg.Fatal().Err(err).Msg("Failed to initialize HTTP handlers")
	}

	// Background loops.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	var loops sync.WaitGroup
	start := func(run func(context.Context)) {
		loops.Add(1)
		go func() {
			defer loops.Done()
			run(ctx)
		}()
	}
	start(func(ctx context.Context) { sweeper.Run(ctx, cfg.SweepInterval) })
	start(func(ctx context.Context) { virtual.Run(ctx, cfg.SweepInterval) })
	start(func(ctx context.Context) { registry.Run(ctx, cfg.StatusExpiryInterval) })
	if pushes.Enabled() {
		start(pushes.Run)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		lg.Info().Str("port", cfg.Port).Msg("Server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	lg.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	hub.Shutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		lg.Error().Err(err).Msg("HTTP server shutdown did not finish cleanly")
	}
	loops.Wait()
	messages.Wait()
	pushes.Wait()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Warn().Err(err).Msg("Closing a sink failed")
		}
	}
	if sqlDB, err := gdb.DB(); err == nil {
		_ = sqlDB.Close()
	}
	lg.Info().Msg("Server stopped")
}
