// Package config holds the runtime configuration structs and their
// defaults. Parsing from files or flags is up to the embedding
// application; the runtime consumes plain structs.
package config

import (
	"fmt"
	"runtime"
)

// ServerConfig configures the RPC server.
type ServerConfig struct {
	Host string
	Port int

	// AdvertiseHost is the address published to the registry. Leave
	// empty to derive it: wildcard binds (0.0.0.0, ::) are placeholders
	// and never published.
	AdvertiseHost string

	ThreadPoolSize      int
	MaxConnections      int
	ConnectionTimeoutMs int
	RequestTimeoutMs    int
	SerializerType      string

	EnableRegistry      bool
	RegistryType        string
	RegistryAddress     string
	ServiceWeight       int
	HeartbeatIntervalMs int
	SessionTimeoutMs    int
}

// DefaultServerConfig returns the stock server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:                "0.0.0.0",
		Port:                8080,
		ThreadPoolSize:      runtime.NumCPU(),
		MaxConnections:      1000,
		ConnectionTimeoutMs: 30000,
		RequestTimeoutMs:    5000,
		SerializerType:      "binary",
		EnableRegistry:      false,
		RegistryType:        "etcd",
		RegistryAddress:     "localhost:2379",
		ServiceWeight:       1,
		HeartbeatIntervalMs: 10000,
		SessionTimeoutMs:    30000,
	}
}

// ListenAddr returns the host:port the listener binds.
func (c *ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate rejects configurations the server cannot run with.
func (c *ServerConfig) Validate() error {
	// Port 0 binds an ephemeral port, useful in tests.
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: max connections must be positive, got %d", c.MaxConnections)
	}
	if c.EnableRegistry {
		if c.RegistryAddress == "" {
			return fmt.Errorf("config: registry enabled without address")
		}
		if c.HeartbeatIntervalMs <= 0 {
			return fmt.Errorf("config: invalid heartbeat interval %d ms", c.HeartbeatIntervalMs)
		}
	}
	return nil
}

// ClientConfig configures the client stub.
type ClientConfig struct {
	ConnectTimeoutMs int
	ReceiveMaxBytes  uint32
	SerializerType   string
}

// DefaultClientConfig returns the stock client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ConnectTimeoutMs: 5000,
		ReceiveMaxBytes:  10 * 1024 * 1024,
		SerializerType:   "binary",
	}
}

// Validate rejects configurations the client cannot run with.
func (c *ClientConfig) Validate() error {
	if c.ConnectTimeoutMs <= 0 {
		return fmt.Errorf("config: invalid connect timeout %d ms", c.ConnectTimeoutMs)
	}
	if c.ReceiveMaxBytes == 0 {
		return fmt.Errorf("config: receive max must be positive")
	}
	return nil
}
