package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/ocx/workerlink/internal/api"
	"github.com/ocx/workerlink/internal/channel"
	"github.com/ocx/workerlink/internal/config"
	"github.com/ocx/workerlink/internal/events"
	"github.com/ocx/workerlink/internal/infra"
	"github.com/ocx/workerlink/internal/journal"
	"github.com/ocx/workerlink/internal/metrics"
	"github.com/ocx/workerlink/internal/transaction"
	"github.com/ocx/workerlink/internal/transport/grpcstream"
	"github.com/ocx/workerlink/internal/transport/pipe"
	"github.com/ocx/workerlink/internal/transport/redisbus"
	"github.com/ocx/workerlink/internal/transport/stdio"
	"github.com/ocx/workerlink/internal/transport/ws"
	"github.com/ocx/workerlink/internal/worker"
	"github.com/ocx/workerlink/pkg/sdk"
)

func main() {
	configPath := flag.String("config", os.Getenv("WORKERLINK_CONFIG"), "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Observability
	bus := events.NewLocalBus()
	var fwd *events.PubSubForwarder
	defer func() {
		// Lifecycle handlers finish before the forwarder stops its topic.
		bus.Close()
		if fwd != nil {
			if err := fwd.Close(); err != nil {
				log.Printf("Pub/Sub forwarder close error: %v", err)
			}
		}
	}()
	m := metrics.NewMetrics(nil)
	defer m.Watch(bus)()

	store, err := openJournalStore(ctx, cfg.Journal)
	if err != nil {
		log.Fatalf("Failed to open journal: %v", err)
	}
	jrnl := journal.New(store, fmt.Sprintf("controller-%d", os.Getpid()), journal.Config{
		BufferSize:    cfg.Journal.BufferSize,
		BatchSize:     cfg.Journal.BatchSize,
		FlushInterval: cfg.Journal.FlushInterval,
	})
	defer jrnl.Close()

	if cfg.Events.PubSub.Project != "" {
		if fwd, err = openForwarder(ctx, cfg.Events.PubSub); err != nil {
			log.Fatalf("Failed to set up Pub/Sub forwarding: %v", err)
		}
		fwd.Forward(bus)
	}

	// 2. Channel to the worker
	transport, release, err := openTransport(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to open %s transport: %v", cfg.Transport.Kind, err)
	}
	defer release()

	faulted := make(chan error, 1)
	initCtx, cancelInit := context.WithTimeout(ctx, cfg.Gateway.RequestTimeout)
	client, err := sdk.CreateClient(initCtx, transport,
		sdk.WithInitiatorOptions(
			transaction.WithIDGenerator(idGenerator(cfg.Transport.IDs)),
			transaction.WithObserver(transaction.Observers{m, jrnl}),
		),
		sdk.WithEndpointOptions(
			channel.WithEventBus(bus),
			channel.WithFaultHandler(func(err error) {
				select {
				case faulted <- err:
				default:
				}
			}),
		),
	)
	cancelInit()
	if err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}
	defer client.Close()
	log.Printf("Worker ready over %s transport", cfg.Transport.Kind)

	// 3. Gateway
	server := api.NewServer(client,
		api.WithHistory(jrnl),
		api.WithRequestTimeout(cfg.Gateway.RequestTimeout),
	)
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Start(":" + cfg.Gateway.Port) }()
	log.Printf("Health check: http://localhost:%s/health", cfg.Gateway.Port)

	select {
	case <-ctx.Done():
		log.Println("Received shutdown signal, shutting down gracefully...")
	case err := <-faulted:
		log.Printf("Worker channel faulted, shutting down: %v", err)
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Gateway failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Gateway shutdown error: %v", err)
	}
	log.Println("Controller stopped")
}

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func idGenerator(kind string) transaction.IDGenerator {
	if kind == "uuid" {
		return transaction.NewUUIDIDs()
	}
	return transaction.NewSequentialIDs()
}

func openForwarder(ctx context.Context, cfg config.PubSubConfig) (*events.PubSubForwarder, error) {
	client, err := pubsub.NewClient(ctx, cfg.Project)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	fwd, err := events.NewPubSubForwarder(ctx, client, cfg.Topic)
	if err != nil {
		client.Close()
		return nil, err
	}
	return fwd, nil
}

func openJournalStore(ctx context.Context, cfg config.JournalConfig) (journal.Store, error) {
	if cfg.DSN == "" {
		return journal.NewMemoryStore(0), nil
	}
	dbCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return journal.NewPostgresStore(dbCtx, cfg.DSN)
}

// openTransport connects to the configured worker. release frees anything
// the transport itself does not own.
func openTransport(ctx context.Context, cfg *config.Config) (channel.Transport, func(), error) {
	nothing := func() {}
	tc := cfg.Transport

	switch tc.Kind {
	case config.TransportPipe:
		controller, workerEnd := pipe.New(0)
		d := worker.NewDispatcher(nil)
		worker.RegisterDefaults(d)
		go func() {
			if err := d.Serve(context.Background(), workerEnd); err != nil {
				slog.Info("[Worker] In-process worker stopped", "reason", err)
			}
		}()
		return controller, nothing, nil

	case config.TransportStdio:
		p, err := stdio.Spawn(exec.Command(tc.Command, tc.Args...), tc.GracePeriod)
		return p, nothing, err

	case config.TransportWS:
		c, err := ws.Dial(ctx, tc.URL, nil)
		return c, nothing, err

	case config.TransportGRPC:
		c, err := grpcstream.Dial(ctx, tc.Addr)
		return c, nothing, err

	case config.TransportRedis:
		ps, err := infra.NewGoRedisAdapter(tc.Redis.Addr, tc.Redis.Password, tc.Redis.DB)
		if err != nil {
			return nil, nothing, err
		}
		c, err := redisbus.Open(ctx, ps, tc.Redis.Prefix, redisbus.Controller)
		if err != nil {
			ps.Close()
			return nil, nothing, err
		}
		return c, func() { ps.Close() }, nil
	}
	return nil, nothing, fmt.Errorf("unknown transport kind %q", tc.Kind)
}
