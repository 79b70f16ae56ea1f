package wsconn

import (
	"log/slog"
	"time"
)

// Defaults used when an option is not given.
const (
	DefaultRequestTimeout      = 10 * time.Second
	DefaultKeepaliveInterval   = 55 * time.Second
	DefaultMaxMissedKeepalives = 3
	DefaultAgentHeader         = "X-Signal-Agent"
)

// Credentials identify the account a connection authenticates as.
type Credentials struct {
	User     string
	Password string
	Cookie   string
	// ClientID and Token are session correlation tokens sent as X-UFSRVCID
	// and X-CM-TOKEN.
	ClientID string
	Token    string
}

// CredentialsProvider supplies credentials at connect time.
type CredentialsProvider interface {
	Credentials() (Credentials, bool)
}

// StaticCredentials is a CredentialsProvider returning fixed values.
type StaticCredentials Credentials

// Credentials implements CredentialsProvider.
func (s StaticCredentials) Credentials() (Credentials, bool) {
	return Credentials(s), s.User != ""
}

// HealthMonitor observes keepalive responses and failed requests.
type HealthMonitor interface {
	OnKeepAliveResponse(id uint64)
	OnMessageError(status uint16)
}

// Option configures a Connection.
type Option func(*Connection)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Connection) {
		c.logger = logger
	}
}

// WithName sets the name used in logs.
func WithName(name string) Option {
	return func(c *Connection) {
		c.name = name
	}
}

// WithCredentials sets the credentials provider.
func WithCredentials(p CredentialsProvider) Option {
	return func(c *Connection) {
		c.creds = p
	}
}

// WithAgent sets the agent identifier and the header carrying it.
func WithAgent(header, agent string) Option {
	return func(c *Connection) {
		if header != "" {
			c.agentHeader = header
		}
		c.agent = agent
	}
}

// WithRequestTimeout sets how long a request future waits for its response.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Connection) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithKeepalive sets the probe interval and how many probes may stay
// unanswered before the connection is failed. Zero maxMissed disables the check.
func WithKeepalive(interval time.Duration, maxMissed int) Option {
	return func(c *Connection) {
		if interval > 0 {
			c.keepaliveInterval = interval
		}
		c.maxMissedKeepalives = maxMissed
	}
}

// WithHealthMonitor sets the monitor notified of keepalive responses.
func WithHealthMonitor(h HealthMonitor) Option {
	return func(c *Connection) {
		c.health = h
	}
}

// WithConnectivityListener registers fn to be called with true when the
// socket opens and false when it closes.
func WithConnectivityListener(fn func(connected bool)) Option {
	return func(c *Connection) {
		c.onConnectivity = fn
	}
}
