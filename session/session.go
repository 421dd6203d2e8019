package session

import (
	"errors"
	"time"

	"github.com/vinayprograms/llmdispatch/logging"
)

// Common errors.
var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// DefaultTimeout is how long a session stays live without a heartbeat.
const DefaultTimeout = 30 * time.Second

// Session is one live tenant sharing provider budgets with the others.
type Session struct {
	// ID identifies the session (tenant).
	ID string `json:"session_id"`

	// ConnectedAt is when the session was registered.
	ConnectedAt time.Time `json:"connected_at"`

	// LastHeartbeat is the last liveness signal.
	LastHeartbeat time.Time `json:"last_heartbeat"`

	// LastRequestTime is when the session last submitted a request.
	// Zero if it never has.
	LastRequestTime time.Time `json:"last_request_time,omitempty"`

	// RequestCount is the number of recorded requests.
	RequestCount int64 `json:"request_count"`
}

// Registry tracks live sessions. Sessions whose last heartbeat is older
// than the timeout are evicted lazily, whenever the set is read.
type Registry interface {
	// Register creates or overwrites a session with current timestamps.
	Register(id string)

	// Heartbeat refreshes a session, registering it if unknown.
	Heartbeat(id string)

	// RecordRequest stamps a request on a known session.
	// Unknown sessions are ignored.
	RecordRequest(id string)

	// Get returns a session by ID. Expired sessions are not returned.
	Get(id string) (Session, bool)

	// ActiveCount evicts expired sessions and returns how many remain.
	ActiveCount() int

	// Sessions evicts expired sessions and returns the rest.
	Sessions() []Session

	// Remove deletes a session.
	Remove(id string)

	// Clear deletes every session.
	Clear()
}

// Config configures a registry.
type Config struct {
	// Timeout after which a silent session is evicted.
	// Default: 30 seconds
	Timeout time.Duration

	// OnEvict is called for each session evicted for inactivity.
	OnEvict func(Session)

	// Logger for registry events. Nil disables logging.
	Logger *logging.Logger

	// Now overrides the clock; defaults to time.Now.
	Now func() time.Time
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: DefaultTimeout,
		Now:     time.Now,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	if c.Logger == nil {
		c.Logger = logging.Nop()
	}
	return c
}

func expired(s Session, now time.Time, timeout time.Duration) bool {
	return now.Sub(s.LastHeartbeat) > timeout
}
