package lavapool

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// NodeConfig describes one backend node.
type NodeConfig struct {
	// Node identity, used in logs and metrics. A random id is assigned when empty.
	Name string
	// Authorization is the password for the node.
	Authorization string
	// Server's IP/Hostname.
	Hostname string
	// Port to connect to.
	Port int
	// Use TLS when connecting to the node.
	SSL bool
	// Max buffer size for receiving websocket messages.
	BufferSize int
	// Applies User-Agent header to all requests.
	UserAgent string
	// How many reconnect attempts are allowed.
	ReconnectAttempts int
	// Reconnection delay for retrying the websocket connection.
	ReconnectDelay time.Duration
	// Toggle the node's session resume capability.
	EnableResume bool
	// ResumeKey identifies the client to the node across reconnects.
	ResumeKey string
	// Timeout duration for the resume request.
	ResumeTimeout time.Duration
}

// NewNodeConfig returns a NodeConfig with the defaults for a local node.
func NewNodeConfig() *NodeConfig {
	return &NodeConfig{
		Name:              uuid.NewString(),
		Authorization:     "youshallnotpass",
		Hostname:          "127.0.0.1",
		Port:              2333,
		BufferSize:        512,
		ReconnectAttempts: 10,
		ReconnectDelay:    10 * time.Second,
		EnableResume:      true,
		ResumeKey:         "lavapool",
		ResumeTimeout:     30 * time.Second,
	}
}

func (cfg *NodeConfig) socketEndpoint() string {
	if cfg.SSL {
		return fmt.Sprintf("wss://%s:%v", cfg.Hostname, cfg.Port)
	}
	return fmt.Sprintf("ws://%s:%v", cfg.Hostname, cfg.Port)
}

func (cfg *NodeConfig) httpEndpoint() string {
	if cfg.SSL {
		return fmt.Sprintf("https://%s:%v", cfg.Hostname, cfg.Port)
	}
	return fmt.Sprintf("http://%s:%v", cfg.Hostname, cfg.Port)
}

// Config configures a Cluster.
type Config struct {
	// Bot user id, sent to each node on connect.
	UserID string
	// Shard count of the bot, sent to each node on connect.
	Shards int
	// Whether to join voice channels deafened by default.
	SelfDeaf bool
	// Whether to join voice channels muted by default.
	SelfMute bool
	// Node pool. At least one entry is required.
	Nodes []*NodeConfig
	// Balancer scores nodes for selection. DefaultBalancer when nil.
	Balancer Balancer
	// Cache memoizes resolution results. Nil disables caching (every call
	// misses).
	Cache CacheStore
	// How long cached resolution results stay valid.
	CacheTTL time.Duration
	// Logger for the cluster and everything it owns. zap.NewNop when nil.
	Logger *zap.Logger
}

// NewConfig returns a Config with sane defaults and a single local node.
func NewConfig() *Config {
	return &Config{
		Shards:   1,
		SelfDeaf: true,
		Nodes:    []*NodeConfig{NewNodeConfig()},
		CacheTTL: 10 * time.Minute,
	}
}

// ConfigFromEnv builds a Config from the environment, loading a .env file
// first if one exists. Recognized variables:
//
//	LAVAPOOL_NODES      comma-separated host:port list (default 127.0.0.1:2333)
//	LAVAPOOL_PASSWORD   shared node password
//	LAVAPOOL_SSL        "true" to use TLS
//	LAVAPOOL_USER_ID    bot user id
//	LAVAPOOL_SHARDS     shard count
//	LAVAPOOL_CACHE_TTL  resolution cache TTL, Go duration syntax
func ConfigFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := NewConfig()
	cfg.UserID = os.Getenv("LAVAPOOL_USER_ID")

	if v := os.Getenv("LAVAPOOL_SHARDS"); v != "" {
		shards, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("%w: LAVAPOOL_SHARDS=%q", ErrInvalidArgument, v)
		}
		cfg.Shards = shards
	}
	if v := os.Getenv("LAVAPOOL_CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("%w: LAVAPOOL_CACHE_TTL=%q", ErrInvalidArgument, v)
		}
		cfg.CacheTTL = ttl
	}

	password := os.Getenv("LAVAPOOL_PASSWORD")
	ssl := os.Getenv("LAVAPOOL_SSL") == "true"
	addrs := os.Getenv("LAVAPOOL_NODES")
	if addrs == "" {
		for _, nc := range cfg.Nodes {
			if password != "" {
				nc.Authorization = password
			}
			nc.SSL = ssl
		}
		return cfg, nil
	}

	cfg.Nodes = nil
	for _, addr := range strings.Split(addrs, ",") {
		addr = strings.TrimSpace(addr)
		host, portS, found := strings.Cut(addr, ":")
		if !found {
			return nil, fmt.Errorf("%w: node address %q, want host:port", ErrInvalidArgument, addr)
		}
		port, err := strconv.Atoi(portS)
		if err != nil {
			return nil, fmt.Errorf("%w: node address %q, want host:port", ErrInvalidArgument, addr)
		}
		nc := NewNodeConfig()
		nc.Name = addr
		nc.Hostname = host
		nc.Port = port
		nc.SSL = ssl
		if password != "" {
			nc.Authorization = password
		}
		cfg.Nodes = append(cfg.Nodes, nc)
	}
	return cfg, nil
}
