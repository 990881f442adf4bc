package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	coordapi "github.com/tradehub/negotiation/internal/coord/api"
	"github.com/tradehub/negotiation/internal/coord/consensus"
	"github.com/tradehub/negotiation/internal/coord/protocol"
)

type runtimeConfig struct {
	NodeID            string
	RaftAddr          string
	HTTPAddr          string
	DataDir           string
	Bootstrap         bool
	ApplyTimeout      time.Duration
	JoinEndpoint      string
	JoinRetries       int
	JoinRetryDelay    time.Duration
	StartupWaitLeader time.Duration
	PurgeInterval     time.Duration
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("app", "coordnode").Logger()

	_ = godotenv.Load()
	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("config error")
	}

	node, err := consensus.NewNode(consensus.Config{
		NodeID:         cfg.NodeID,
		RaftAddr:       cfg.RaftAddr,
		DataDir:        cfg.DataDir,
		Bootstrap:      cfg.Bootstrap,
		SnapshotRetain: 2,
		ApplyTimeout:   cfg.ApplyTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create raft node")
	}
	defer func() {
		_ = node.Shutdown()
	}()

	if !cfg.Bootstrap && cfg.JoinEndpoint != "" {
		if err := joinCluster(cfg); err != nil {
			logger.Error().Err(err).Str("endpoint", cfg.JoinEndpoint).Msg("join cluster failed")
		} else {
			logger.Info().Str("endpoint", cfg.JoinEndpoint).Msg("joined cluster")
		}
	}

	if cfg.StartupWaitLeader > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.StartupWaitLeader)
		_, _ = node.WaitForLeader(ctx, 150*time.Millisecond)
		cancel()
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	if cfg.PurgeInterval > 0 {
		go runPurge(ctx, node, cfg.PurgeInterval, logger)
	}

	apiServer := coordapi.NewServer(node, logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.HTTPAddr).
			Str("node_id", cfg.NodeID).
			Str("raft_addr", cfg.RaftAddr).
			Bool("bootstrap", cfg.Bootstrap).
			Msg("coordination node listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = node.Shutdown()
}

// runPurge drops expired leases and grants through the log while this node leads.
func runPurge(ctx context.Context, node *consensus.Node, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !node.IsLeader() {
				continue
			}
			seq++
			cmd, err := protocol.NewCommand(fmt.Sprintf("%s-purge-%d", node.ID(), seq), protocol.OpPurgeExpired, time.Now(), protocol.PurgeExpiredPayload{})
			if err != nil {
				continue
			}
			res, err := node.Apply(ctx, cmd)
			if err != nil {
				logger.Warn().Err(err).Msg("purge expired failed")
				continue
			}
			if res.Count > 0 {
				logger.Debug().Int("purged", res.Count).Msg("purged expired coordination entries")
			}
		}
	}
}

func loadConfig() (*runtimeConfig, error) {
	hostname, _ := os.Hostname()
	nodeID := getenv("COORD_NODE_ID", strings.TrimSpace(hostname))
	if nodeID == "" {
		nodeID = "coord-1"
	}
	raftAddr := getenv("COORD_RAFT_ADDR", "127.0.0.1:17000")
	httpAddr := getenv("COORD_HTTP_ADDR", "0.0.0.0:18080")
	bootstrap := parseBool(getenv("COORD_BOOTSTRAP", "false"), false)
	applyTimeout := parseDuration(getenv("COORD_APPLY_TIMEOUT", "5s"), 5*time.Second)
	joinEndpoint := strings.TrimSpace(getenv("COORD_JOIN_ENDPOINT", ""))
	joinRetries := parseInt(getenv("COORD_JOIN_RETRIES", "30"), 30)
	joinRetryDelay := parseDuration(getenv("COORD_JOIN_RETRY_DELAY", "1s"), time.Second)
	startupWait := parseDuration(getenv("COORD_STARTUP_WAIT_LEADER", "4s"), 4*time.Second)
	purgeInterval := parseDuration(getenv("COORD_PURGE_INTERVAL", "1m"), time.Minute)

	dataDir := strings.TrimSpace(getenv("COORD_DATA_DIR", ""))
	if dataDir == "" {
		dataDir = filepath.Join("tmp", "coordnode", nodeID)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}

	return &runtimeConfig{
		NodeID:            nodeID,
		RaftAddr:          raftAddr,
		HTTPAddr:          httpAddr,
		DataDir:           dataDir,
		Bootstrap:         bootstrap,
		ApplyTimeout:      applyTimeout,
		JoinEndpoint:      joinEndpoint,
		JoinRetries:       joinRetries,
		JoinRetryDelay:    joinRetryDelay,
		StartupWaitLeader: startupWait,
		PurgeInterval:     purgeInterval,
	}, nil
}

func joinCluster(cfg *runtimeConfig) error {
	endpoint := strings.TrimRight(cfg.JoinEndpoint, "/") + "/v1/coord/raft/join"
	payload := map[string]string{
		"node_id":   cfg.NodeID,
		"raft_addr": cfg.RaftAddr,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	var lastErr error
	for i := 0; i < cfg.JoinRetries; i++ {
		req, _ := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(cfg.JoinRetryDelay)
			continue
		}
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("join returned status %d", resp.StatusCode)
		time.Sleep(cfg.JoinRetryDelay)
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}

func getenv(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func parseBool(raw string, def bool) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

func parseInt(raw string, def int) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}

func parseDuration(raw string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return def
	}
	return v
}
