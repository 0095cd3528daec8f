package ldapcore

import (
	"crypto/tls"
	"time"

	"github.com/creasty/defaults"

	"github.com/ldap-go/ldapcore/internal/engine"
)

// ClientConfig holds every tunable the Connection Controller and Request
// Dispatcher need, adapted from the teacher's ConnectionConfig
// (internal/ldap/types.go) down to this module's own concerns: no
// Kerberos/pool fields survive, since spec.md's Non-goals exclude SASL
// and this engine has exactly one socket per Client, not a pool.
type ClientConfig struct {
	URLs       []string
	SocketPath string
	BaseDN     string
	BindDN     string
	BindPassword string

	TLSConfig *tls.Config

	ConnectTimeout time.Duration `default:"10s"`
	RequestTimeout time.Duration `default:"30s"`
	IdleTimeout    time.Duration `default:"0s"`

	StrictDN bool `default:"true"`

	QueueSize     int `default:"256"`
	QueueDisabled bool

	Reconnect engine.ReconnectPolicy
}

// DefaultConfig returns a ClientConfig populated by creasty/defaults'
// struct-tag defaults, the way the teacher hand-writes DefaultConfig()
// (internal/ldap/types.go) but driven from declarative tags instead.
func DefaultConfig() *ClientConfig {
	cfg := &ClientConfig{Reconnect: engine.DefaultReconnectPolicy()}
	_ = defaults.Set(cfg)
	return cfg
}

// Option mutates a ClientConfig at construction time.
type Option func(*ClientConfig)

// WithURL sets the LDAP server URLs to connect to, round-robin order.
func WithURL(urls ...string) Option {
	return func(c *ClientConfig) { c.URLs = urls }
}

// WithSocketPath connects over a UNIX domain socket instead of a
// host:port URL (spec.md §6: "required unless socketPath is set").
// It takes precedence over WithURL when both are configured.
func WithSocketPath(path string) Option {
	return func(c *ClientConfig) { c.SocketPath = path }
}

// WithBaseDN sets the default base DN new searches are relative to.
func WithBaseDN(dn string) Option {
	return func(c *ClientConfig) { c.BaseDN = dn }
}

// WithBindCredentials configures an implicit simple bind to run as part
// of the Connection Controller's setup phase (spec.md §4.6 step 3).
func WithBindCredentials(dn, password string) Option {
	return func(c *ClientConfig) { c.BindDN = dn; c.BindPassword = password }
}

// WithTLSConfig sets the TLS configuration used for ldaps:// and for
// StartTLS upgrades.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *ClientConfig) { c.TLSConfig = cfg }
}

// WithTimeout sets the per-request timeout (spec.md §4.7's default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *ClientConfig) { c.RequestTimeout = d }
}

// WithConnectTimeout bounds how long a single dial attempt may take.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *ClientConfig) { c.ConnectTimeout = d }
}

// WithIdleTimeout arms an idle event once no request has been
// outstanding for d (spec.md §4.7); 0 disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *ClientConfig) { c.IdleTimeout = d }
}

// WithReconnect enables automatic reconnect with the given backoff
// policy (spec.md §4.6); disabled by default.
func WithReconnect(policy engine.ReconnectPolicy) Option {
	return func(c *ClientConfig) { c.Reconnect = policy }
}

// WithStrictDN toggles synchronous DN validation (spec.md §4.9);
// enabled by default.
func WithStrictDN(strict bool) Option {
	return func(c *ClientConfig) { c.StrictDN = strict }
}

// WithQueueSize bounds the Request Queue (spec.md §4.2); 0 means
// unbounded.
func WithQueueSize(n int) Option {
	return func(c *ClientConfig) { c.QueueSize = n }
}

// WithQueueDisabled rejects every request issued while disconnected
// instead of buffering it.
func WithQueueDisabled() Option {
	return func(c *ClientConfig) { c.QueueDisabled = true }
}
