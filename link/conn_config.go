package link

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/arloliu/go-devlink/logger"
)

const (
	defaultConnectTimeout  = 3 * time.Second
	defaultResponseTimeout = 10 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultCloseTimeout    = 3 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultReadBufferSize  = 64 << 10

	maxReadBufferSize = 16 << 20
)

// ConnectionConfig represents the configuration parameters of a device connection.
//
// A config is immutable once created by NewConnectionConfig.
type ConnectionConfig struct {
	// host specifies the host name or IP address of the remote device.
	host string

	// port specifies the TCP port number of the remote device.
	port int

	// network is the dial network derived from host: "tcp4" or "tcp6" for IP literals, "tcp" otherwise.
	network string

	// connectTimeout bounds a single connect attempt.
	// Defaults to 3 seconds.
	connectTimeout time.Duration

	// responseTimeout bounds how long a request waits for its response.
	// Defaults to 10 seconds.
	responseTimeout time.Duration

	// writeTimeout bounds a single write to the socket.
	// Defaults to 5 seconds.
	writeTimeout time.Duration

	// closeTimeout bounds how long a graceful disconnect waits for the remote to close its side
	// before the socket is closed forcibly.
	// Defaults to 3 seconds.
	closeTimeout time.Duration

	// keepAlive is the TCP keep-alive period. A negative value disables keep-alive.
	// Defaults to 30 seconds.
	keepAlive time.Duration

	// readBufferSize is the size of the buffer used for a single socket read, and therefore the
	// largest payload a single inbound message can carry.
	// Defaults to 64 KiB.
	readBufferSize int

	// logger provides a logger instance for connection events and errors.
	logger logger.Logger
}

// NewConnectionConfig creates a connection configuration for the device at host:port, customized by opts.
//
// host may be a host name or an IP literal; the IP family is detected from it. port must be in [1, 65535].
//
// Returns the initialized ConnectionConfig and an error if host, port or any option is invalid.
func NewConnectionConfig(host string, port int, opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		connectTimeout:  defaultConnectTimeout,
		responseTimeout: defaultResponseTimeout,
		writeTimeout:    defaultWriteTimeout,
		closeTimeout:    defaultCloseTimeout,
		keepAlive:       defaultKeepAlive,
		readBufferSize:  defaultReadBufferSize,
		logger:          logger.GetLogger(),
	}

	if err := withRemoteHost(host).apply(cfg); err != nil {
		return cfg, err
	}

	if err := withPort(port).apply(cfg); err != nil {
		return cfg, err
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

// Host returns the remote host.
func (cfg *ConnectionConfig) Host() string { return cfg.host }

// Port returns the remote port.
func (cfg *ConnectionConfig) Port() int { return cfg.port }

// Network returns the dial network, "tcp4", "tcp6" or "tcp".
func (cfg *ConnectionConfig) Network() string { return cfg.network }

// Address returns the remote address in host:port form.
func (cfg *ConnectionConfig) Address() string {
	return net.JoinHostPort(cfg.host, strconv.Itoa(cfg.port))
}

// ConnectTimeout returns the connect timeout.
func (cfg *ConnectionConfig) ConnectTimeout() time.Duration { return cfg.connectTimeout }

// ResponseTimeout returns the response timeout.
func (cfg *ConnectionConfig) ResponseTimeout() time.Duration { return cfg.responseTimeout }

// WriteTimeout returns the write timeout.
func (cfg *ConnectionConfig) WriteTimeout() time.Duration { return cfg.writeTimeout }

// CloseTimeout returns the graceful close timeout.
func (cfg *ConnectionConfig) CloseTimeout() time.Duration { return cfg.closeTimeout }

// ReadBufferSize returns the read buffer size.
func (cfg *ConnectionConfig) ReadBufferSize() int { return cfg.readBufferSize }

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error {
	if cfg == nil {
		return ErrConnConfigNil
	}

	if err := c.applyFunc(cfg); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}

	return nil
}

func newConnOptFunc(name string, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{name: name, applyFunc: f}
}

// withRemoteHost validates host and derives the dial network from it.
// Host names are validated syntactically only; they are resolved when connecting.
func withRemoteHost(host string) ConnOption {
	return newConnOptFunc("withRemoteHost", func(cfg *ConnectionConfig) error {
		host = strings.TrimSpace(host)
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

		if ip := net.ParseIP(host); ip != nil {
			cfg.host = host
			if ip.To4() != nil {
				cfg.network = "tcp4"
			} else {
				cfg.network = "tcp6"
			}

			return nil
		}

		host = strings.TrimSuffix(strings.TrimPrefix(host, "."), ".")
		if !isValidHostname(host) {
			return fmt.Errorf("%w: %q", ErrInvalidHost, host)
		}
		cfg.host = host
		cfg.network = "tcp"

		return nil
	})
}

func isValidHostname(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}

	for _, label := range strings.Split(host, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			isAlnum := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
			if !isAlnum && r != '-' && r != '_' {
				return false
			}
		}
	}

	return true
}

func withPort(port int) ConnOption {
	return newConnOptFunc("withPort", func(cfg *ConnectionConfig) error {
		if port < 1 || port > 65535 {
			return ErrInvalidPort
		}
		cfg.port = port

		return nil
	})
}

// WithConnectTimeout sets the timeout of a single connect attempt.
// An error is returned if the timeout is outside the range (0, 60s].
//
// The default value is 3 seconds.
func WithConnectTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithConnectTimeout", func(cfg *ConnectionConfig) error {
		if val <= 0 || val > 60*time.Second {
			return errors.New("connect timeout out of range (0, 60s]")
		}
		cfg.connectTimeout = val

		return nil
	})
}

// WithResponseTimeout sets how long SendWaitForResponse waits for a response after its request was written.
// An error is returned if the timeout is outside the range (0, 10m].
//
// The default value is 10 seconds.
func WithResponseTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithResponseTimeout", func(cfg *ConnectionConfig) error {
		if val <= 0 || val > 10*time.Minute {
			return errors.New("response timeout out of range (0, 10m]")
		}
		cfg.responseTimeout = val

		return nil
	})
}

// WithWriteTimeout sets the deadline of a single socket write.
// An error is returned if the timeout is outside the range (0, 120s].
//
// The default value is 5 seconds.
func WithWriteTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithWriteTimeout", func(cfg *ConnectionConfig) error {
		if val <= 0 || val > 120*time.Second {
			return errors.New("write timeout out of range (0, 120s]")
		}
		cfg.writeTimeout = val

		return nil
	})
}

// WithCloseTimeout sets how long Disconnect waits for the remote device to close its side of the
// connection before closing the socket forcibly.
// An error is returned if the timeout is outside the range (0, 30s].
//
// The default value is 3 seconds.
func WithCloseTimeout(val time.Duration) ConnOption {
	return newConnOptFunc("WithCloseTimeout", func(cfg *ConnectionConfig) error {
		if val <= 0 || val > 30*time.Second {
			return errors.New("close timeout out of range (0, 30s]")
		}
		cfg.closeTimeout = val

		return nil
	})
}

// WithKeepAlive sets the TCP keep-alive period. A negative value disables keep-alive.
//
// The default value is 30 seconds.
func WithKeepAlive(val time.Duration) ConnOption {
	return newConnOptFunc("WithKeepAlive", func(cfg *ConnectionConfig) error {
		if val == 0 {
			return errors.New("keep-alive period is zero, use a negative value to disable")
		}
		cfg.keepAlive = val

		return nil
	})
}

// WithReadBufferSize sets the size of the socket read buffer, which caps the size of a single inbound message.
// An error is returned if the size is outside the range [1, 16MiB].
//
// The default value is 64 KiB.
func WithReadBufferSize(size int) ConnOption {
	return newConnOptFunc("WithReadBufferSize", func(cfg *ConnectionConfig) error {
		if size < 1 || size > maxReadBufferSize {
			return fmt.Errorf("read buffer size out of range [1, %d]", maxReadBufferSize)
		}
		cfg.readBufferSize = size

		return nil
	})
}

// WithLogger sets the logger of the connection.
// An error is returned if l is nil.
//
// The default value is the logger returned by logger.GetLogger().
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", func(cfg *ConnectionConfig) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
