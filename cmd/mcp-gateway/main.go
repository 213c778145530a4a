package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentuity/go-common/logger"
	"github.com/agentuity/mcp-gateway/mcp/engine"
	"github.com/agentuity/mcp-gateway/mcp/eventstore"
	mcphttp "github.com/agentuity/mcp-gateway/mcp/transport/http"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var (
	Version = "dev"

	addr            string
	path            string
	transportMode   string
	token           string
	resumable       bool
	redisURL        string
	allowedOrigin   string
	corsCredentials bool
	sessionTTL      time.Duration
	shutdownGrace   time.Duration
)

var rootCmd = &cobra.Command{
	Use:     "mcp-gateway",
	Short:   "Streamable HTTP gateway for MCP protocol engines",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.NewConsoleLogger()

		mode := mcphttp.Mode(transportMode)
		if mode != mcphttp.ModeStateful && mode != mcphttp.ModeStateless {
			return fmt.Errorf("invalid transport mode %q (want stateful or stateless)", transportMode)
		}

		options := []mcphttp.ServerOption{
			mcphttp.WithMode(mode),
			mcphttp.WithAllowedOrigin(allowedOrigin),
			mcphttp.WithShutdownGrace(shutdownGrace),
		}
		if token != "" {
			options = append(options, mcphttp.WithAuthToken(token))
		}
		if corsCredentials {
			options = append(options, mcphttp.WithCredentialedCORS())
		}
		if sessionTTL > 0 {
			options = append(options, mcphttp.WithSessionTTL(sessionTTL))
		}

		if resumable && mode == mcphttp.ModeStateful {
			store, err := buildEventStore(cmd.Context(), log)
			if err != nil {
				return err
			}
			options = append(options, mcphttp.WithEventStore(store))
		}

		eng := engine.NewEchoEngine("mcp-gateway", Version)
		server := mcphttp.NewServer(addr, path, eng, log, options...)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		if err := server.Start(ctx); err != nil {
			return err
		}

		done := make(chan os.Signal, 1)
		signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
		<-done

		log.Info("shutting down")
		return server.Close()
	},
}

func buildEventStore(ctx context.Context, log logger.Logger) (eventstore.Store, error) {
	if redisURL == "" {
		log.Debug("using in-memory event store")
		return eventstore.NewInMemoryStore(), nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	log.Debug("using redis event store at %s", opts.Addr)
	return eventstore.NewRedisStore(client), nil
}

func main() {
	rootCmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	rootCmd.Flags().StringVar(&path, "path", "/mcp", "primary protocol endpoint path")
	rootCmd.Flags().StringVar(&transportMode, "transport", string(mcphttp.ModeStateful), "transport mode: stateful or stateless")
	rootCmd.Flags().StringVar(&token, "token", os.Getenv("MCP_GATEWAY_TOKEN"), "bearer token for the access gate (empty disables auth)")
	rootCmd.Flags().BoolVar(&resumable, "resumable", false, "enable event-log resumability for streams")
	rootCmd.Flags().StringVar(&redisURL, "redis-url", os.Getenv("MCP_GATEWAY_REDIS_URL"), "redis URL for the event store (empty uses in-memory)")
	rootCmd.Flags().StringVar(&allowedOrigin, "origin", "*", "allowed CORS origin")
	rootCmd.Flags().BoolVar(&corsCredentials, "cors-credentials", false, "mark responses credential-capable (risky with a wildcard origin)")
	rootCmd.Flags().DurationVar(&sessionTTL, "session-ttl", 0, "idle session expiry (0 keeps sessions until deleted)")
	rootCmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", mcphttp.DefaultShutdownGrace, "bounded grace period for shutdown drain")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
