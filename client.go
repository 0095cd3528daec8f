package ldapcore

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/go-ldap/ldap/v3"

	"github.com/ldap-go/ldapcore/internal/engine"
)

// Re-exported engine types, so callers never need to import
// internal/engine directly.
type (
	Change          = engine.Change
	ChangeOp        = engine.ChangeOp
	Attributes      = engine.Attributes
	SearchScope     = engine.SearchScope
	DerefAliases    = engine.DerefAliases
	SearchRequest   = engine.SearchRequest
	SearchEntry     = engine.SearchEntry
	SearchReference = engine.SearchReference
	PageResult      = engine.PageResult
	PagedControl    = engine.PagedControl
	ReconnectPolicy = engine.ReconnectPolicy
	ServerEndpoint  = engine.ServerEndpoint

	// SearchResultStream is the corked event source returned by Search;
	// subscribe to it with a callback or drain it with Next/ToArray.
	SearchResultStream = engine.SearchResultStream

	// Control is any LDAP request control, delegated to go-ldap/v3
	// (spec.md §1 OUT OF SCOPE).
	Control = ldap.Control
)

const (
	ChangeAdd     = engine.ChangeAdd
	ChangeDelete  = engine.ChangeDelete
	ChangeReplace = engine.ChangeReplace

	ScopeBaseObject   = engine.ScopeBaseObject
	ScopeSingleLevel  = engine.ScopeSingleLevel
	ScopeWholeSubtree = engine.ScopeWholeSubtree

	NeverDerefAliases   = engine.NeverDerefAliases
	DerefInSearching    = engine.DerefInSearching
	DerefFindingBaseObj = engine.DerefFindingBaseObj
	DerefAlways         = engine.DerefAlways
)

// NewPagedControl creates a paged-search cookie holder with the given
// page size (spec.md §3).
func NewPagedControl(pageSize uint32) *PagedControl { return engine.NewPagedControl(pageSize) }

// NewSearchRequest returns a SearchRequest with spec.md §4.7's stated
// defaults, relative to baseDN.
func NewSearchRequest(baseDN string) *SearchRequest { return engine.DefaultSearchRequest(baseDN) }

// Client is the module's public face: a single LDAP connection with
// automatic reconnect, request queueing while disconnected, and the full
// bind/add/compare/delete/modify/modifyDN/search/extended/abandon/unbind
// operation surface. It fronts internal/engine's Connection Controller
// and Request Dispatcher (spec.md §2), the way the teacher's top-level
// Client interface fronts its connectionPool (internal/ldap/types.go).
type Client struct {
	cfg        *ClientConfig
	controller *engine.Controller
	dispatcher *engine.Dispatcher
}

// New constructs a Client from the given options. It does not dial;
// call Connect to open the socket.
func New(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	if len(cfg.URLs) == 0 && cfg.SocketPath == "" {
		return nil, &LDAPError{Operation: "new", Kind: KindProtocol, Cause: fmt.Errorf("at least one server URL or a socketPath is required")}
	}

	var endpoints []engine.ServerEndpoint
	if cfg.SocketPath != "" {
		endpoints = []engine.ServerEndpoint{engine.UnixEndpoint(cfg.SocketPath)}
	} else {
		endpoints = make([]engine.ServerEndpoint, 0, len(cfg.URLs))
		for _, raw := range cfg.URLs {
			ep, err := engine.ParseServerEndpoint(raw)
			if err != nil {
				return nil, wrapError("new", err)
			}
			endpoints = append(endpoints, ep)
		}
	}

	controller := engine.NewController(engine.ControllerOptions{
		URLs:           endpoints,
		TLSConfig:      cfg.TLSConfig,
		ConnectTimeout: cfg.ConnectTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		Policy:         cfg.Reconnect,
		QueueSize:      cfg.QueueSize,
		QueueDisabled:  cfg.QueueDisabled,
		Logger:         newTFEventLogger(),
	})

	dispatcher := engine.NewDispatcher(engine.DispatcherOptions{
		Controller:     controller,
		StrictDN:       cfg.StrictDN,
		RequestTimeout: cfg.RequestTimeout,
	})

	// Setup-phase hooks run in order (spec.md §4.6 step 3): implicit
	// StartTLS first, then implicit simple bind, both over the same
	// tracker-routed path as every other request.
	var hooks []engine.SetupHook
	if cfg.TLSConfig != nil {
		hooks = append(hooks, func(ctx context.Context) error {
			if controller.CurrentEndpoint().Secure {
				return nil
			}
			return engine.StartTLS(ctx, dispatcher, cfg.TLSConfig)
		})
	}
	if cfg.BindDN != "" {
		hooks = append(hooks, func(ctx context.Context) error {
			return dispatcher.BindDirect(ctx, cfg.BindDN, cfg.BindPassword)
		})
	}
	if len(hooks) > 0 {
		controller.SetSetupHooks(hooks...)
	}

	return &Client{cfg: cfg, controller: controller, dispatcher: dispatcher}, nil
}

// Connect implements spec.md §4.6 step 1: dials round-robin across the
// configured URLs with exponential backoff until ready, the retry
// budget is exhausted, or ctx is done. A no-op if already connected,
// connecting, or destroyed.
func (c *Client) Connect(ctx context.Context) error {
	return wrapError("connect", c.controller.Connect(ctx))
}

// Bind performs a simple bind.
func (c *Client) Bind(ctx context.Context, dn, password string, controls ...Control) error {
	return wrapError("bind", c.dispatcher.Bind(ctx, dn, password, controls...))
}

// Add creates a new entry.
func (c *Client) Add(ctx context.Context, dn string, attrs Attributes, controls ...Control) error {
	return wrapError("add", c.dispatcher.Add(ctx, dn, attrs, controls...))
}

// Compare reports whether attr equals value on the entry at dn.
func (c *Client) Compare(ctx context.Context, dn, attr, value string, controls ...Control) (bool, error) {
	ok, err := c.dispatcher.Compare(ctx, dn, attr, value, controls...)
	return ok, wrapError("compare", err)
}

// Delete removes the entry at dn.
func (c *Client) Delete(ctx context.Context, dn string, controls ...Control) error {
	return wrapError("delete", c.dispatcher.Delete(ctx, dn, controls...))
}

// Modify applies an itemized set of per-attribute changes.
func (c *Client) Modify(ctx context.Context, dn string, changes []Change, controls ...Control) error {
	return wrapError("modify", c.dispatcher.Modify(ctx, dn, changes, controls...))
}

// ModifyAttributes replaces each named attribute wholesale, the
// plain-object convenience form resolved in SPEC_FULL.md §4.
func (c *Client) ModifyAttributes(ctx context.Context, dn string, attrs map[string][]string) error {
	return wrapError("modify", c.dispatcher.ModifyAttributes(ctx, dn, attrs))
}

// ModifyDN renames or moves an entry. deleteOldRDN is always true
// (SPEC_FULL.md §4 Open Question).
func (c *Client) ModifyDN(ctx context.Context, dn, newRDN, newSuperior string, controls ...Control) error {
	return wrapError("modifyDN", c.dispatcher.ModifyDN(ctx, dn, newRDN, newSuperior, controls...))
}

// ExtendedOperation sends a generic extended request and returns its
// responseValue as a string.
func (c *Client) ExtendedOperation(ctx context.Context, oid string, value []byte, controls ...Control) (string, error) {
	raw, err := c.dispatcher.Extended(ctx, oid, value, controls...)
	return string(raw), wrapError("extended", err)
}

// WhoAmI implements RFC 4532 (SPEC_FULL.md §4.10).
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	id, err := c.dispatcher.WhoAmI(ctx)
	return id, wrapError("whoami", err)
}

// Search starts a search and returns its Search Result Stream
// immediately; the stream delivers entries as they arrive and drives
// the Paged Search Driver if req.Paged is set.
func (c *Client) Search(ctx context.Context, req *SearchRequest) (*SearchResultStream, error) {
	stream, err := c.dispatcher.Search(ctx, req)
	if err != nil {
		return stream, wrapError("search", err)
	}
	return stream, nil
}

// Abandon requests that the server stop processing messageID. It never
// waits for, or expects, a response.
func (c *Client) Abandon(ctx context.Context, messageID int32, controls ...Control) error {
	return wrapError("abandon", c.dispatcher.Abandon(messageID, controls...))
}

// Unbind gracefully half-closes the connection and destroys the Client.
func (c *Client) Unbind(ctx context.Context, controls ...Control) error {
	return wrapError("unbind", c.dispatcher.Unbind(ctx, controls...))
}

// StartTLS upgrades the current connection to TLS (spec.md §4.8). cfg
// may be nil to use the Client's configured TLSConfig.
func (c *Client) StartTLS(ctx context.Context, cfg *tls.Config) error {
	if cfg == nil {
		cfg = c.cfg.TLSConfig
	}
	return wrapError("starttls", engine.StartTLS(ctx, c.dispatcher, cfg))
}

// Destroy tears the Client down irreversibly: the Request Queue is
// frozen and purged, every outstanding request is failed with err, the
// socket is closed, and reconnect is disabled.
func (c *Client) Destroy(err error) error {
	c.controller.Destroy(err)
	return nil
}

// OnConnect registers a callback invoked once the connection becomes
// ready (spec.md §4.6 step 4).
func (c *Client) OnConnect(fn func()) { c.controller.OnConnect(fn) }

// OnError registers a callback invoked when the retry budget is
// exhausted (spec.md §4.6).
func (c *Client) OnError(fn func(error)) { c.controller.OnError(fn) }

// OnClose registers a callback invoked every time a ready connection's
// socket closes, whether or not reconnect follows (spec.md §4.6 step 5).
// A close during setup, or one caused by Destroy, does not invoke it.
func (c *Client) OnClose(fn func()) { c.controller.OnClose(fn) }

// OnIdle registers a callback invoked once no request has been
// outstanding for the configured idle timeout (spec.md §4.7).
func (c *Client) OnIdle(fn func()) { c.controller.OnIdle(fn) }
