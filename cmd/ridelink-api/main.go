// README: Entry point; loads config, wires services, starts HTTP server and background schedulers.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ridelink/internal/config"
	"ridelink/internal/events"
	httptransport "ridelink/internal/http"
	"ridelink/internal/http/handlers"
	"ridelink/internal/infra"
	"ridelink/internal/logging"
	"ridelink/internal/maps"
	"ridelink/internal/modules/cancellation"
	"ridelink/internal/modules/chat"
	"ridelink/internal/modules/location"
	"ridelink/internal/modules/matching"
	"ridelink/internal/modules/pricing"
	"ridelink/internal/modules/proximity"
	"ridelink/internal/modules/ride"
	"ridelink/internal/notify"
)

const notifyBuffer = 256

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("ridelink-api stopped", zap.Error(err))
	}
}

type stores struct {
	rides        ride.Store
	negotiations cancellation.Store
	chat         chat.Store
	latest       location.LatestStore
	history      location.HistoryStore
	registry     matching.Registry
	tokens       interface {
		handlers.TokenStore
		notify.TokenResolver
	}
	rates pricing.RateStore
}

func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (stores, *redis.Client, func(), error) {
	if cfg.Storage.Driver == "memory" {
		logger.Warn("using in-memory storage; state is lost on restart")
		presence := location.NewMemoryStore()
		return stores{
			rides:        ride.NewMemoryStore(),
			negotiations: cancellation.NewMemoryStore(),
			chat:         chat.NewMemoryStore(),
			latest:       presence,
			history:      presence,
			registry:     matching.NewMemoryRegistry(),
			tokens:       notify.NewMemoryTokens(),
		}, nil, func() {}, nil
	}

	db, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		return stores{}, nil, nil, err
	}
	rdb, err := infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password)
	if err != nil {
		db.Close()
		return stores{}, nil, nil, err
	}
	closeAll := func() {
		_ = rdb.Close()
		db.Close()
	}
	return postgresStores(db, rdb), rdb, closeAll, nil
}

func postgresStores(db *pgxpool.Pool, rdb *redis.Client) stores {
	return stores{
		rides:        ride.NewPostgresStore(db),
		negotiations: cancellation.NewPostgresStore(db),
		chat:         chat.NewPostgresStore(db),
		latest:       location.NewRedisLatest(rdb),
		history:      location.NewPostgresHistory(db),
		registry:     matching.NewRedisRegistry(rdb),
		tokens:       notify.NewTokenRegistry(rdb),
		rates:        pricing.NewStore(db),
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	st, rdb, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	if cfg.Bus.Driver == "redis" && rdb == nil {
		rdb, err = infra.NewRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}
	bus, err := infra.NewBus(cfg.Bus.Driver, cfg.Bus.NATSURL, rdb)
	if err != nil {
		return err
	}
	defer bus.Close()

	var (
		verifier   infra.TokenVerifier
		dispatcher notify.Dispatcher = notify.NewLogDispatcher(logger)
		mirror     location.Mirror
	)
	if cfg.Firebase.ProjectID != "" {
		fb, err := infra.NewFirebase(ctx, infra.FirebaseConfig{
			ProjectID:       cfg.Firebase.ProjectID,
			CredentialsFile: cfg.Firebase.CredentialsFile,
			DatabaseURL:     cfg.Firebase.DatabaseURL,
		})
		if err != nil {
			return err
		}
		verifier = fb.Verifier
		dispatcher = notify.NewFCMDispatcher(fb.Messaging, st.tokens, logger)
		mirror = location.NewFirebaseMirror(fb.Database)
	} else {
		logger.Warn("firebase not configured; notifications are logged only")
	}
	async := notify.NewAsync(dispatcher, notifyBuffer, logger)
	go async.Run(ctx)

	var (
		geocoder ride.Geocoder
		router   pricing.Router
	)
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		geocoder, router = routes, routes
	}
	pricingSvc := pricing.NewService(st.rates).WithRouter(router, logger)

	var stream ride.Stream
	if len(cfg.Kafka.Brokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer kafka.Close()
		stream = kafka
	}

	locationSvc := location.NewService(st.latest, st.history, bus, logger, location.Options{
		MaxStaleness: cfg.Tracking.MaxStaleness(),
	})
	if mirror != nil {
		locationSvc = locationSvc.WithMirror(mirror)
	}
	monitor := proximity.NewMonitor(locationSvc, cfg.Proximity.RadiusKm, cfg.Tracking.MaxStaleness(), logger)

	rideSvc := ride.NewService(st.rides, ride.Deps{
		Geocoder:     geocoder,
		Quoter:       pricingSvc,
		Arrival:      monitor,
		Bus:          bus,
		Stream:       stream,
		Logger:       logger,
		ScheduleLead: cfg.Matching.ScheduleLead(),
	})
	matchingSvc := matching.NewService(st.registry, rideSvc, cfg.Matching, matching.Deps{
		Bus:      bus,
		Notifier: async,
		Logger:   logger,
	})
	cancellationSvc := cancellation.NewService(st.negotiations, rideSvc, cancellation.Deps{
		Bus:      bus,
		Notifier: async,
		Logger:   logger,
	})
	chatSvc := chat.NewService(st.chat, rideSvc, chat.Deps{
		Bus:      bus,
		Notifier: async,
		Logger:   logger,
	})

	handler := httptransport.NewServer(httptransport.ServerDeps{
		Rides:        rideSvc,
		Matching:     matchingSvc,
		Location:     locationSvc,
		Proximity:    monitor,
		Cancellation: cancellationSvc,
		Chat:         chatSvc,
		Tokens:       st.tokens,
		Bus:          bus,
		Verifier:     verifier,
		Logger:       logger,
	})
	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler.Routes()}

	go matchingSvc.RunScheduler(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTP.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
