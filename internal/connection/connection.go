// Package connection holds the per-session state record shared by all
// policy checks: remote identity, karma score, naughty mark, immunity.
// One Connection exists per inbound network session and is discarded at
// session close; reputation is re-derived from external sources on every
// connection.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guardpost/guardpost/internal/metrics"
)

// RejectType describes how a rejection is delivered to the client.
type RejectType string

const (
	RejectTemporary  RejectType = "temporary"
	RejectPermanent  RejectType = "permanent"
	RejectDisconnect RejectType = "disconnect"
)

// ValidRejectType reports whether s names a known reject type.
func ValidRejectType(s string) bool {
	switch RejectType(s) {
	case RejectTemporary, RejectPermanent, RejectDisconnect:
		return true
	}
	return false
}

// Naughty is a deferred-rejection mark set by a check. RejectType may be
// empty, in which case the dispatcher's configured default applies.
type Naughty struct {
	Message    string
	RejectType RejectType
	Check      string
}

// Common errors
var (
	ErrAlreadyProxied = errors.New("connection already proxied")
	ErrClosed         = errors.New("connection closed")
)

// ProxyInfo records the original proxy declaration accepted for a
// connection: the protocol tag and both address pairs as declared.
type ProxyInfo struct {
	Protocol   string
	SourceAddr string
	DestAddr   string
	SourcePort int
	DestPort   int
}

// Connection is the mutable per-session record. All policy decisions key
// off RemoteAddr, which the trust-boundary rewriter may replace exactly
// once. The record is guarded by a mutex because the detached reverse-DNS
// lookup writes RemoteHostname after the connect phase has moved on.
type Connection struct {
	ID        string
	StartTime time.Time

	mu             sync.RWMutex
	remoteAddr     string
	remotePort     int
	physicalAddr   string
	remoteHostname string
	helo           string
	karma          int
	naughty        *Naughty
	disposed       bool
	authenticated  bool
	authUser       string
	immune         bool
	proxied        bool
	proxy          *ProxyInfo
	closed         bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a connection record for a session from the given physical
// peer address and port.
func New(remoteAddr string, remotePort int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		ID:           uuid.New().String(),
		StartTime:    time.Now(),
		remoteAddr:   remoteAddr,
		remotePort:   remotePort,
		physicalAddr: remoteAddr,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Context is cancelled when the connection closes. DNS lookups on behalf
// of this connection run under it so they are abandoned on disconnect.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Close tears down the record. Late writes (reverse DNS) are dropped
// afterwards.
func (c *Connection) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cancel()
}

// RemoteAddr returns the address all reputation decisions use. After a
// proxy declaration this is the declared source, not the physical peer.
func (c *Connection) RemoteAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteAddr
}

func (c *Connection) RemotePort() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remotePort
}

// PhysicalAddr is the peer address of the underlying socket, unaffected
// by proxy rewriting. Only the trust-boundary check consults it.
func (c *Connection) PhysicalAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.physicalAddr
}

// SetRemoteHostname records the reverse-DNS name for the remote address.
// The write is dropped once the connection has closed.
func (c *Connection) SetRemoteHostname(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.remoteHostname = name
}

// RemoteHostname returns the reverse-DNS result, or "" when the lookup
// has not completed. Absence is not an error.
func (c *Connection) RemoteHostname() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.remoteHostname
}

func (c *Connection) SetHelo(helo string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.helo = helo
}

func (c *Connection) Helo() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.helo
}

// AdjustKarma shifts the reputation accumulator. Deltas are ±1 in
// practice and are never clamped; the engine itself never thresholds
// karma, downstream policy does.
func (c *Connection) AdjustKarma(delta int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.karma += delta
	return c.karma
}

func (c *Connection) Karma() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.karma
}

// MarkNaughty flags the connection for deferred rejection. Last call
// wins if invoked multiple times before disposal; calls after disposal
// are ignored.
func (c *Connection) MarkNaughty(check, message string, rejectType RejectType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.naughty = &Naughty{Message: message, RejectType: rejectType, Check: check}
	metrics.Get().NaughtyMarks.Inc()
}

// NaughtyMark returns the current mark, or nil when the connection is
// clean.
func (c *Connection) NaughtyMark() *Naughty {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.naughty
}

func (c *Connection) IsNaughty() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.naughty != nil
}

// Dispose atomically consumes the naughty mark. It returns the mark and
// true exactly once per connection; every later call returns false, so
// at most one terminal disposition is ever emitted.
func (c *Connection) Dispose() (*Naughty, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || c.naughty == nil || c.immune {
		return nil, false
	}
	c.disposed = true
	return c.naughty, true
}

// Authenticate records a successful authentication: the connection
// becomes immune and any naughty mark is cleared. This is the only way
// the core unsets a mark.
func (c *Connection) Authenticate(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authenticated = true
	c.authUser = username
	c.immune = true
	c.naughty = nil
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

func (c *Connection) AuthUser() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authUser
}

// SetImmune grants allow-list immunity: the reputation resolver will not
// run and the dispatcher will not terminate the connection.
func (c *Connection) SetImmune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.immune = true
}

func (c *Connection) IsImmune() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.immune
}

// ApplyProxy rewrites the remote identity from an accepted proxy
// declaration. The false→true transition of proxied happens exactly
// once; a second declaration fails with ErrAlreadyProxied regardless of
// content.
func (c *Connection) ApplyProxy(info ProxyInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.proxied {
		return ErrAlreadyProxied
	}
	if c.closed {
		return ErrClosed
	}
	c.proxied = true
	c.proxy = &info
	c.remoteAddr = info.SourceAddr
	c.remotePort = info.SourcePort
	c.remoteHostname = ""
	return nil
}

func (c *Connection) IsProxied() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proxied
}

// Proxy returns the accepted declaration, or nil when the connection was
// not proxied.
func (c *Connection) Proxy() *ProxyInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proxy
}
