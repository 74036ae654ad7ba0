// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable channels.
// Use Channel to inject server events and inspect what was sent.
//
// Example:
//
//	p := &mock.Provider{AutoOpen: true}
//	ch, _ := p.Connect(ctx, cfg)
//	p.Last().Emit(live.Event{Kind: live.EventMessage, Message: &live.Message{Audio: b64}})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/MrWong99/easel/pkg/provider/live"
)

// ErrClosed is returned by Channel.Send after Close.
var ErrClosed = errors.New("mock: channel closed")

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectFunc, if set, replaces the default behaviour of Connect. It
	// runs after the call has been recorded.
	ConnectFunc func(ctx context.Context, cfg live.SessionConfig) (live.Channel, error)

	// AutoOpen makes every channel created by Connect emit EventOpen
	// immediately.
	AutoOpen bool

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Channels holds every channel created by Connect in order.
	Channels []*Channel
}

// Connect records the call and returns a new Channel, or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Channel, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	fn, connErr, autoOpen := p.ConnectFunc, p.ConnectErr, p.AutoOpen
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, cfg)
	}
	if connErr != nil {
		return nil, connErr
	}

	ch := NewChannel()
	if autoOpen {
		ch.Emit(live.Event{Kind: live.EventOpen})
	}
	p.mu.Lock()
	p.Channels = append(p.Channels, ch)
	p.mu.Unlock()
	return ch, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// ConnectCount returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Last returns the most recently created channel, or nil. Thread-safe.
func (p *Provider) Last() *Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Channels) == 0 {
		return nil
	}
	return p.Channels[len(p.Channels)-1]
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Channel is a mock implementation of live.Channel. Create it with
// NewChannel.
type Channel struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned from Send.
	SendErr error

	events     chan live.Event
	sent       []live.Media
	closed     bool
	closeCalls int
	closedCh   chan struct{}
}

// NewChannel returns an open mock channel with a buffered event stream.
func NewChannel() *Channel {
	return &Channel{
		events:   make(chan live.Event, 64),
		closedCh: make(chan struct{}),
	}
}

// Emit injects ev into the event stream. It reports false if the channel is
// already closed.
func (c *Channel) Emit(ev live.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events <- ev
	return true
}

// Send records m and returns SendErr. After Close it returns ErrClosed.
func (c *Channel) Send(_ context.Context, m live.Media) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, live.Media{Data: append([]byte(nil), m.Data...), MIMEType: m.MIMEType})
	return nil
}

// Events returns the event stream.
func (c *Channel) Events() <-chan live.Event { return c.events }

// Close closes the event stream. Idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if !c.closed {
		c.closed = true
		close(c.events)
		close(c.closedCh)
	}
	return nil
}

// Sent returns a copy of every payload passed to Send.
func (c *Channel) Sent() []live.Media {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]live.Media(nil), c.sent...)
}

// SentOfType returns the payloads whose MIME type equals mime.
func (c *Channel) SentOfType(mime string) []live.Media {
	var out []live.Media
	for _, m := range c.Sent() {
		if m.MIMEType == mime {
			out = append(out, m)
		}
	}
	return out
}

// CloseCalls returns how many times Close was called.
func (c *Channel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Closed is closed once Close has been called.
func (c *Channel) Closed() <-chan struct{} { return c.closedCh }

// Ensure Channel implements live.Channel at compile time.
var _ live.Channel = (*Channel)(nil)
