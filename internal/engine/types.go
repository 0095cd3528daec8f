// Package engine implements the connection and request lifecycle core of
// the client: socket management, the message tracker, the request queue,
// the search result stream, the paged search driver, and the StartTLS
// upgrade driver. Package ldapcore at the module root is the thin public
// face over this package.
package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// ServerEndpoint is a parsed, immutable LDAP server address.
type ServerEndpoint struct {
	Scheme string // "ldap" or "ldaps"
	Host   string
	Port   int
	Secure bool
}

func (e ServerEndpoint) String() string {
	if e.Scheme == "unix" {
		return "unix://" + e.Host
	}
	return fmt.Sprintf("%s://%s:%d", e.Scheme, e.Host, e.Port)
}

// UnixEndpoint addresses a UNIX domain socket instead of a host:port,
// per spec.md §6's socketPath option.
func UnixEndpoint(path string) ServerEndpoint {
	return ServerEndpoint{Scheme: "unix", Host: path}
}

// ParseServerEndpoint parses a ldap:// or ldaps:// URL into a ServerEndpoint.
func ParseServerEndpoint(raw string) (ServerEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return ServerEndpoint{}, fmt.Errorf("invalid LDAP URL %q: %w", raw, err)
	}

	scheme := strings.ToLower(u.Scheme)
	secure := false
	switch scheme {
	case "ldap":
	case "ldaps":
		secure = true
	default:
		return ServerEndpoint{}, fmt.Errorf("unsupported LDAP URL scheme %q", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return ServerEndpoint{}, fmt.Errorf("LDAP URL %q has no host", raw)
	}

	port := u.Port()
	portNum := 389
	if secure {
		portNum = 636
	}
	if port != "" {
		portNum, err = strconv.Atoi(port)
		if err != nil {
			return ServerEndpoint{}, fmt.Errorf("invalid port in LDAP URL %q: %w", raw, err)
		}
	}

	return ServerEndpoint{Scheme: scheme, Host: host, Port: portNum, Secure: secure}, nil
}

// ChangeOp is the kind of modification a Change applies: add, delete or
// replace.
type ChangeOp int

const (
	ChangeAdd ChangeOp = iota
	ChangeDelete
	ChangeReplace
)

func (c ChangeOp) String() string {
	switch c {
	case ChangeAdd:
		return "add"
	case ChangeDelete:
		return "delete"
	case ChangeReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// Change is a single per-attribute modification used by Modify.
type Change struct {
	Operation ChangeOp
	Attribute string
	Values    []string
}

// Attributes is the add-request attribute set: attribute name -> values.
type Attributes map[string][]string

// PagedControl tracks the pagedResults cookie across a chained paged search.
// The server-returned cookie is written back into the same object for the
// next request, per spec.md §3.
type PagedControl struct {
	PageSize uint32
	control  *ldap.ControlPaging
}

// NewPagedControl creates a control with the given page size and an empty
// (first-page) cookie.
func NewPagedControl(pageSize uint32) *PagedControl {
	return &PagedControl{PageSize: pageSize, control: ldap.NewControlPaging(pageSize)}
}

// Control returns the underlying go-ldap control, ready to attach to a
// search request.
func (p *PagedControl) Control() *ldap.ControlPaging {
	if p.control == nil {
		p.control = ldap.NewControlPaging(p.PageSize)
	}
	p.control.PagingSize = p.PageSize
	return p.control
}

// SetCookie copies the server-returned cookie back for the next request.
func (p *PagedControl) SetCookie(cookie []byte) {
	p.Control().SetCookie(cookie)
}

// Cookie returns the last cookie observed (empty means first or last page).
func (p *PagedControl) Cookie() []byte {
	if p.control == nil {
		return nil
	}
	return p.control.Cookie
}

// ExpectKind distinguishes the terminal condition a PendingRequest is
// waiting for, per spec.md §3.
type ExpectKind int

const (
	ExpectResultCodes ExpectKind = iota
	ExpectSearchStream
	ExpectAbandonSentinel
	ExpectUnbindSentinel
)

// PendingRequest is the record the Message Tracker holds per outstanding
// message ID, per spec.md §3.
type PendingRequest struct {
	MessageID int32
	Expect    ExpectKind
	Emitter   *SearchResultStream // non-nil when streaming a search
	OnMessage func(msg *Message)
	OnError   func(err error)
	Abandoned bool
}

// EpochID identifies one connection lifetime (from a successful dial,
// before setup, to purge) for log correlation, per SPEC_FULL.md §3.
type EpochID = uuid.UUID

// NewEpochID mints a fresh epoch identifier.
func NewEpochID() EpochID {
	return uuid.New()
}

// ReconnectPolicy configures the Connection Controller's exponential
// backoff, per spec.md §4.6.
type ReconnectPolicy struct {
	Enabled        bool
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	FailAfter      int // 0 means unbounded
}

// DefaultReconnectPolicy matches spec.md §4.6's stated defaults.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:      false,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		FailAfter:    0,
	}
}

// Dialer abstracts socket construction so tests can substitute an
// in-process pipe instead of a real TCP dial.
type Dialer func(ctx context.Context, endpoint ServerEndpoint, tlsConfig *tls.Config) (net.Conn, error)

// DefaultDialer dials a real TCP or TLS socket depending on the
// endpoint's scheme.
func DefaultDialer(ctx context.Context, endpoint ServerEndpoint, tlsConfig *tls.Config) (net.Conn, error) {
	if endpoint.Scheme == "unix" {
		var d net.Dialer
		return d.DialContext(ctx, "unix", endpoint.Host)
	}

	addr := net.JoinHostPort(endpoint.Host, strconv.Itoa(endpoint.Port))
	if endpoint.Secure {
		cfg := tlsConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		var d tls.Dialer
		d.Config = cfg
		return d.DialContext(ctx, "tcp", addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}
