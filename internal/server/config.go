package server

import (
	"fmt"
	"time"

	"github.com/omochice/toy-socket-relay/internal/chat"
)

// DefaultListenAddress is the endpoint the relay binds when none is given.
const DefaultListenAddress = "127.0.0.1:6000"

// DefaultWriteTimeout is one poll interval. A peer that stops reading holds
// the broadcaster for at most this long per message before it is dropped.
const DefaultWriteTimeout = chat.DefaultPollInterval

// Config holds the relay server settings.
type Config struct {
	ListenAddress string
	// WSListenAddress enables the WebSocket listener when not empty.
	WSListenAddress string
	PollInterval    time.Duration
	WriteTimeout    time.Duration
	// Echo writes every message back to its sender as well.
	Echo bool
}

// DefaultConfig returns the reference settings.
func DefaultConfig() Config {
	return Config{
		ListenAddress: DefaultListenAddress,
		PollInterval:  chat.DefaultPollInterval,
		WriteTimeout:  DefaultWriteTimeout,
		Echo:          true,
	}
}

func (c Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.WSListenAddress != "" && c.WSListenAddress == c.ListenAddress {
		return fmt.Errorf("websocket listen address must differ from listen address")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, got %s", c.WriteTimeout)
	}
	return nil
}
