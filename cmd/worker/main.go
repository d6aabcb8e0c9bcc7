package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"google.golang.org/grpc"

	"github.com/ocx/workerlink/internal/channel"
	"github.com/ocx/workerlink/internal/config"
	"github.com/ocx/workerlink/internal/infra"
	"github.com/ocx/workerlink/internal/transport/grpcstream"
	"github.com/ocx/workerlink/internal/transport/redisbus"
	"github.com/ocx/workerlink/internal/transport/stdio"
	"github.com/ocx/workerlink/internal/transport/ws"
	"github.com/ocx/workerlink/internal/worker"
)

func main() {
	configPath := flag.String("config", os.Getenv("WORKERLINK_CONFIG"), "path to YAML config")
	kind := flag.String("transport", config.TransportStdio, "stdio, ws, grpc or redis")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// stdout carries frames on the stdio transport; logs go to stderr.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *kind {
	case config.TransportStdio:
		serve(ctx, stdio.Attach(os.Stdin, os.Stdout))

	case config.TransportWS:
		r := mux.NewRouter()
		r.Handle("/worker", ws.Handler(func(c *ws.Conn) { go serve(ctx, c) }))
		server := &http.Server{Addr: cfg.Worker.Listen, Handler: r, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			<-ctx.Done()
			server.Close()
		}()
		log.Printf("Worker listening for WebSocket controllers on %s/worker", cfg.Worker.Listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}

	case config.TransportGRPC:
		lis, err := net.Listen("tcp", cfg.Worker.Listen)
		if err != nil {
			log.Fatalf("Failed to listen on %s: %v", cfg.Worker.Listen, err)
		}
		s := grpc.NewServer()
		grpcstream.Register(s, func(c *grpcstream.Conn) { go serve(ctx, c) })
		go func() {
			<-ctx.Done()
			s.GracefulStop()
		}()
		log.Printf("Worker listening for gRPC controllers on %s", cfg.Worker.Listen)
		if err := s.Serve(lis); err != nil {
			log.Fatalf("Server failed: %v", err)
		}

	case config.TransportRedis:
		rc := cfg.Transport.Redis
		ps, err := infra.NewGoRedisAdapter(rc.Addr, rc.Password, rc.DB)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer ps.Close()
		conn, err := redisbus.Open(ctx, ps, rc.Prefix, redisbus.Worker)
		if err != nil {
			log.Fatalf("Failed to open link: %v", err)
		}
		serve(ctx, conn)

	default:
		log.Fatalf("Unknown transport %q", *kind)
	}
}

// serve runs one dispatcher over t; each controller gets its own, so
// initialize is tracked per connection.
func serve(ctx context.Context, t channel.Transport) {
	d := worker.NewDispatcher(nil)
	worker.RegisterDefaults(d)
	if err := d.Serve(ctx, t); err != nil {
		slog.Info("[Worker] Controller gone", "reason", err)
		return
	}
	slog.Info("[Worker] Stopped")
}
