package strand

import (
	"fmt"
	"net"
)

// Config bundles the knobs of a server engine. It is read once on Start and
// never consulted again, so mutating it afterwards has no effect.
type Config struct {
	// Host is the interface to bind, "0.0.0.0" meaning any.
	Host string
	// Port is the TCP port to listen on, 1..65535.
	Port int
	// Backlog is the depth of the accept queue.
	Backlog int
	// BufferSize is the per-connection receive window in bytes. A single
	// inbound frame can never exceed BufferSize minus the frame header.
	BufferSize int
	// MaxConns caps the number of simultaneous connections. The receive
	// arena allocates exactly BufferSize*MaxConns bytes up front.
	MaxConns int
	// Workers is the size of the handler go-routine pool. Zero picks a
	// default.
	Workers int
	// Processor frames the inbound byte stream. Nil picks the default
	// length-prefix processor.
	Processor Processor
}

// check validates the configuration and fills in defaults. It runs before
// any socket is opened.
func (c *Config) check() error {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port %d", ErrConfig, c.Port)
	}
	if ip := net.ParseIP(c.Host); ip == nil {
		if _, err := net.ResolveIPAddr("ip", c.Host); err != nil {
			return fmt.Errorf("%w: unresolvable host %q: %v", ErrConfig, c.Host, err)
		}
	}
	if c.Backlog == 0 {
		c.Backlog = DefaultBacklog
	}
	if c.Backlog < 0 {
		return fmt.Errorf("%w: negative backlog %d", ErrConfig, c.Backlog)
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.BufferSize < 0 {
		return fmt.Errorf("%w: invalid buffer size %d", ErrConfig, c.BufferSize)
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("%w: invalid connection cap %d", ErrConfig, c.MaxConns)
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkersNum
	}
	if c.Processor == nil {
		c.Processor = LengthPrefixProcessor{}
	}
	if c.BufferSize <= c.Processor.HeaderSize() {
		return fmt.Errorf("%w: buffer size %d not above header size %d",
			ErrConfig, c.BufferSize, c.Processor.HeaderSize())
	}
	return nil
}

func (c *Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
