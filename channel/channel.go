// Package channel is the client side of the transport: one push socket per
// signed-in session plus pull-fallback timers that only run while the socket
// is down.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/karthikraju391/hirechat/apperr"
	"github.com/karthikraju391/hirechat/clock"
	"github.com/karthikraju391/hirechat/config"
	"github.com/karthikraju391/hirechat/models"
)

var ErrNotConnected = fmt.Errorf("%w: push channel is not connected", apperr.ErrTransport)

// Conn is the part of a websocket connection the channel uses.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials with fasthttp/websocket. Header typically carries the
// caller's identity.
type WSDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// Handler receives one event. Handlers run on the channel's read goroutine
// or, for polled feeds, on the timer goroutine.
type Handler func(env models.Envelope)

// Fetch performs one pull for a feed.
type Fetch func(ctx context.Context) error

type Options struct {
	URL       string
	UserID    string
	Dialer    Dialer
	Clock     clock.Clock
	Reconnect config.ReconnectConfig
	Polling   config.PollingConfig
	// FetchTimeout bounds one pull. Defaults to 10s.
	FetchTimeout time.Duration
}

type feed struct {
	kind  config.Feed
	fetch Fetch
	timer clock.Timer

	// gen identifies the current arming; callbacks from older armings are stale.
	gen uint64
}

// Channel is constructed per session and injected where needed; there is no
// package-level instance.
type Channel struct {
	opts Options

	mu        sync.Mutex
	conn      Conn
	connected bool
	stopped   bool
	attempts  int
	retry     clock.Timer
	nextID    int
	handlers  map[string]map[int]Handler
	watchers  map[int]func(bool)
	feeds     map[string]*feed

	writeMu sync.Mutex
}

func New(opts Options) *Channel {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.Reconnect.Delay <= 0 {
		opts.Reconnect.Delay = time.Second
	}
	return &Channel{
		opts:     opts,
		handlers: make(map[string]map[int]Handler),
		watchers: make(map[int]func(bool)),
		feeds:    make(map[string]*feed),
	}
}

// Connected reports whether the push path is currently authoritative.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the push endpoint and joins the user's room. On failure the
// bounded reconnect cycle starts and polled feeds keep running.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = false
	c.attempts = 0
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		slog.WarnContext(ctx, "push connect failed, falling back to polling", "error", err)
		c.mu.Lock()
		c.startFeedsLocked()
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", apperr.ErrTransport, err)
	}
	return nil
}

func (c *Channel) dial(ctx context.Context) error {
	conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL)
	if err != nil {
		return err
	}

	join, err := models.NewEnvelope(models.EventJoinUser, models.JoinUserPayload{UserID: c.opts.UserID})
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return fmt.Errorf("join_user: %w", err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.connected = true
	c.attempts = 0
	c.stopFeedsLocked()
	watchers := c.watchersLocked()
	c.mu.Unlock()

	slog.Info("push channel connected", "user_id", c.opts.UserID)
	notifyState(watchers, true)
	go c.readLoop(conn)
	return nil
}

func (c *Channel) readLoop(conn Conn) {
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.dropped(conn, err)
			return
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env models.Envelope) {
	c.mu.Lock()
	hs := make([]Handler, 0, len(c.handlers[env.Event]))
	for _, h := range c.handlers[env.Event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(env)
	}
}

// Inject delivers an event that arrived through the pull path to the same
// handlers as pushed events.
func (c *Channel) Inject(env models.Envelope) {
	c.dispatch(env)
}

func (c *Channel) dropped(conn Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	stopped := c.stopped
	watchers := c.watchersLocked()
	if !stopped {
		c.startFeedsLocked()
		c.scheduleReconnectLocked()
	}
	c.mu.Unlock()

	_ = conn.Close()
	if !stopped {
		slog.Warn("push channel dropped", "user_id", c.opts.UserID, "error", err)
	}
	notifyState(watchers, false)
}

func (c *Channel) scheduleReconnectLocked() {
	if c.stopped || c.retry != nil {
		return
	}
	if c.attempts >= c.opts.Reconnect.MaxAttempts {
		slog.Warn("push reconnect attempts exhausted, staying on polling", "attempts", c.attempts)
		return
	}
	c.attempts++
	attempt := c.attempts
	c.retry = c.opts.Clock.AfterFunc(c.opts.Reconnect.Delay, func() {
		c.mu.Lock()
		c.retry = nil
		if c.stopped || c.connected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.dial(ctx); err != nil {
			slog.Warn("push reconnect failed", "attempt", attempt, "error", err)
			c.mu.Lock()
			c.scheduleReconnectLocked()
			c.mu.Unlock()
		}
	})
}

// Disconnect closes the socket and stops reconnecting and polling.
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.stopFeedsLocked()
	conn := c.conn
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	watchers := c.watchersLocked()
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		notifyState(watchers, false)
	}
}

// Send writes one event. It fails with ErrNotConnected while the push path is
// down so callers can use the pull write path instead.
func (c *Channel) Send(event string, payload any) error {
	c.mu.Lock()
	conn, ok := c.conn, c.connected
	c.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: sending %s: %v", apperr.ErrTransport, event, err)
	}
	return nil
}

// On registers h for event and returns a func that removes it.
func (c *Channel) On(event string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]Handler)
	}
	c.handlers[event][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			delete(c.handlers[event], id)
		})
	}
}

// OnStateChange registers fn to hear connected/disconnected transitions.
func (c *Channel) OnStateChange(fn func(connected bool)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.watchers, id)
	}
}

func (c *Channel) watchersLocked() []func(bool) {
	out := make([]func(bool), 0, len(c.watchers))
	for _, w := range c.watchers {
		out = append(out, w)
	}
	return out
}

func notifyState(watchers []func(bool), connected bool) {
	for _, w := range watchers {
		w(connected)
	}
}

// Poll registers a pull feed under key. Its timer runs at the feed's
// configured interval only while the push channel is down. Registering the
// same key again replaces the previous fetch, so there is never more than one
// timer per key. The returned func cancels the feed.
func (c *Channel) Poll(key string, kind config.Feed, fetch Fetch) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.feeds[key]; ok && old.timer != nil {
		old.timer.Stop()
	}
	f := &feed{kind: kind, fetch: fetch}
	c.feeds[key] = f
	if !c.connected && !c.stopped {
		c.armLocked(key, f)
	}

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cur, ok := c.feeds[key]; ok && cur == f {
			if f.timer != nil {
				f.timer.Stop()
			}
			delete(c.feeds, key)
		}
	}
}

// Polling reports how many feed timers are armed.
func (c *Channel) Polling() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.feeds {
		if f.timer != nil {
			n++
		}
	}
	return n
}

func (c *Channel) armLocked(key string, f *feed) {
	if f.timer != nil {
		return
	}
	f.gen++
	gen := f.gen
	f.timer = c.opts.Clock.AfterFunc(c.opts.Polling.Interval(f.kind), func() {
		c.mu.Lock()
		if c.feeds[key] != f || f.gen != gen || c.connected || c.stopped {
			c.mu.Unlock()
			return
		}
		f.timer = nil
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.FetchTimeout)
		err := f.fetch(ctx)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("poll failed", "feed", key, "error", err)
		}

		c.mu.Lock()
		if c.feeds[key] == f && f.gen == gen && !c.connected && !c.stopped {
			c.armLocked(key, f)
		}
		c.mu.Unlock()
	})
}

func (c *Channel) startFeedsLocked() {
	for key, f := range c.feeds {
		c.armLocked(key, f)
	}
}

func (c *Channel) stopFeedsLocked() {
	for _, f := range c.feeds {
		if f.timer != nil {
			f.timer.Stop()
			f.timer = nil
		}
	}
}
