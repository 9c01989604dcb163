package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"github.com/relaycast/relaycast/pkg/relayrpc"
	"github.com/relaycast/relaycast/server/internal/alerts"
	"github.com/relaycast/relaycast/server/internal/api"
	"github.com/relaycast/relaycast/server/internal/auth"
	"github.com/relaycast/relaycast/server/internal/config"
	"github.com/relaycast/relaycast/server/internal/policy"
	"github.com/relaycast/relaycast/server/internal/receiver"
	"github.com/relaycast/relaycast/server/internal/relay"
	"github.com/relaycast/relaycast/server/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	logLevel := flag.String("log-level", "info", "log level: debug | info | warn | error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid -log-level %q\n", *logLevel)
		os.Exit(2)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("relayd starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.Info("config loaded",
		"http_port", cfg.Server.HTTPPort,
		"grpc_port", cfg.Server.GRPCPort,
		"auth_mode", cfg.Server.Auth.Mode,
		"policy_rules", len(cfg.Server.Policy.Rules),
		"queue_size", cfg.Server.Connections.QueueSize,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath, cfg); err != nil {
		slog.Error("relayd stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, cfg *config.Config) error {
	rules, err := policy.New(cfg.Server.Policy)
	if err != nil {
		return err
	}

	// Policy reloads on config change; other settings need a restart.
	go func() {
		err := config.Watch(ctx, configPath, func(next *config.Config) {
			if err := rules.Update(next.Server.Policy); err != nil {
				slog.Warn("policy reload rejected", "err", err)
				return
			}
			slog.Info("policy reloaded", "rules", rules.Len())
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("config watch stopped", "err", err)
		}
	}()

	resolver, closeResolver, err := buildResolver(cfg.Server.Handshake)
	if err != nil {
		return err
	}
	defer closeResolver()

	rs := relay.New(relay.Options{
		Resolver:   resolver,
		Authorizer: rules,
		QueueSize:  cfg.Server.Connections.QueueSize,
	})

	alertEngine, err := alerts.New(cfg.Server.Alerts)
	if err != nil {
		return err
	}
	go alertEngine.Run(ctx, rs, cfg.Server.Alerts.Interval)

	conns := cfg.Server.Connections
	wsHandler := ws.New(rs, ws.Options{
		CookieName:     cfg.Server.Handshake.CookieName,
		QueryParam:     cfg.Server.Handshake.QueryParam,
		MaxFrameBytes:  conns.MaxFrameBytes,
		ControlRate:    conns.ControlRate,
		ControlBurst:   conns.ControlBurst,
		PongWait:       conns.PongWait,
		PingPeriod:     conns.EffectivePingPeriod(),
		AllowedOrigins: conns.AllowedOrigins,
	})

	// gRPC Publisher service for producers, guarded by the API key interceptor.
	var grpcSrv *grpc.Server
	if cfg.Server.GRPCPort > 0 {
		interceptor := auth.APIKeyInterceptor(
			cfg.Server.Auth.Mode,
			cfg.Server.Auth.EffectiveHeader(),
			cfg.Server.Auth.Key(),
		)
		grpcSrv = grpc.NewServer(grpc.UnaryInterceptor(interceptor))
		relayrpc.RegisterPublisherServer(grpcSrv, receiver.New(rs))

		lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
		if err != nil {
			return fmt.Errorf("listen on gRPC port %d: %w", cfg.Server.GRPCPort, err)
		}
		go func() {
			slog.Info("gRPC publisher listening", "port", cfg.Server.GRPCPort)
			if err := grpcSrv.Serve(lis); err != nil {
				slog.Error("gRPC server stopped", "err", err)
			}
		}()
	}

	handler := api.New(api.Options{
		Relay:  rs,
		WS:     wsHandler,
		Alerts: alertEngine,
		Auth:   cfg.Server.Auth,
	})
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", cfg.Server.HTTPPort)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	slog.Info("relayd shutting down")
	// Close websocket connections first: hijacked connections are not
	// tracked by http.Server.Shutdown.
	rs.Shutdown()
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// buildResolver combines the configured credential sources. Sealed tokens
// need a session secret; issued tokens need a token database. At least one
// must be configured.
func buildResolver(cfg config.HandshakeConfig) (auth.Resolver, func(), error) {
	var resolvers []auth.Resolver
	closer := func() {}

	secret, err := cfg.Secret()
	if err != nil {
		return nil, nil, fmt.Errorf("handshake secret: %w", err)
	}
	if secret != nil {
		sealed, err := auth.NewSealedTokens(secret)
		if err != nil {
			return nil, nil, err
		}
		resolvers = append(resolvers, sealed)
		slog.Info("sealed session tokens enabled", "secret_env", cfg.SecretEnv)
	}

	if cfg.TokenDB != "" {
		store, err := auth.OpenTokenStore(cfg.TokenDB)
		if err != nil {
			return nil, nil, err
		}
		n, err := store.SweepExpired()
		if err != nil {
			slog.Warn("token sweep failed", "err", err)
		}
		slog.Info("issued tokens enabled", "path", cfg.TokenDB, "swept", n)
		resolvers = append(resolvers, store)
		closer = func() { store.Close() } //nolint:errcheck
	}

	if len(resolvers) == 0 {
		return nil, nil, errors.New("handshake: neither secret_env nor token_db is configured")
	}
	return auth.Chain(resolvers...), closer, nil
}
