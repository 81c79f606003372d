// Package relay parses relay command flags and starts the websocket relay.
package relay

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/caseforge/caseforge/internal/id"
	entrypoint "github.com/caseforge/caseforge/internal/platform/cmd"
	relaysrv "github.com/caseforge/caseforge/internal/relay"
)

const shutdownTimeout = 5 * time.Second

// Config holds relay command configuration.
type Config struct {
	HTTPAddr   string `env:"CASEFORGE_RELAY_HTTP_ADDR"   envDefault:":8090"`
	RedisAddr  string `env:"CASEFORGE_RELAY_REDIS_ADDR"`
	InstanceID string `env:"CASEFORGE_RELAY_INSTANCE_ID"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "relay HTTP listen address")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address for cross-instance fan-out (empty disables)")
	fs.StringVar(&cfg.InstanceID, "instance-id", cfg.InstanceID, "relay instance identifier (minted when empty)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the relay server and serves it until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	instanceID := strings.TrimSpace(cfg.InstanceID)
	if instanceID == "" {
		minted, err := id.NewID()
		if err != nil {
			return fmt.Errorf("mint instance id: %w", err)
		}
		instanceID = minted
	}

	var redisClient *redis.Client
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: addr})
		defer func() {
			_ = redisClient.Close()
		}()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		log.Printf("relay: cross-instance fan-out enabled redis=%q instance=%q", addr, instanceID)
	}

	server := relaysrv.New(relaysrv.Options{Redis: redisClient, InstanceID: instanceID})

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: server.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("relay: listening on %s", cfg.HTTPAddr)
		serveErr <- httpServer.ListenAndServe()
	}()

	bridgeErr := make(chan error, 1)
	go func() {
		bridgeErr <- server.Run(ctx)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve relay: %w", err)
	case err := <-bridgeErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			shutdown(httpServer)
			return fmt.Errorf("relay bridge: %w", err)
		}
		shutdown(httpServer)
		return nil
	}
}

func shutdown(httpServer *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("relay: shutdown: %v", err)
	}
}
