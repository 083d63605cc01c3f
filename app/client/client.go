package client

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go-meshcore-gateway/app/metrics"
	"go-meshcore-gateway/app/models"

	"go.uber.org/zap"
)

const (
	defaultCommandTimeout = 5 * time.Second
	defaultEventBuffer    = 512
	idleReadTimeout       = 30 * time.Second
)

// Options configures a Client.
type Options struct {
	Addr           string // host:port of the companion radio
	CommandTimeout time.Duration
	EventBuffer    int
}

type waiter struct {
	codes  []byte
	stream bool // stays registered until removed
	ch     chan []byte
	quit   chan struct{}
	once   sync.Once
}

func (w *waiter) wants(code byte) bool {
	for _, c := range w.codes {
		if c == code {
			return true
		}
	}
	return false
}

func (w *waiter) stop() {
	w.once.Do(func() { close(w.quit) })
}

// Client speaks the MeshCore companion protocol over TCP. Replies to
// commands are routed to waiters; everything else is a push and is turned
// into a typed event on Events.
type Client struct {
	addr    string
	timeout time.Duration
	log     *zap.Logger
	metrics *metrics.Metrics
	dial    func(ctx context.Context, addr string) (net.Conn, error)

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	done      chan struct{}
	err       error

	cmdMu   sync.Mutex // one command in flight
	writeMu sync.Mutex

	waitersMu sync.Mutex
	waiters   []*waiter

	events   chan models.Event
	draining atomic.Bool
}

// New creates a disconnected client. m may be nil.
func New(opts Options, m *metrics.Metrics, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	done := make(chan struct{})
	close(done)
	var d net.Dialer
	return &Client{
		addr:    opts.Addr,
		timeout: opts.CommandTimeout,
		log:     log.Named("client"),
		metrics: m,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
		done:   done,
		events: make(chan models.Event, opts.EventBuffer),
	}
}

// Events delivers pushed radio events in arrival order. The channel
// outlives reconnects.
func (c *Client) Events() <-chan models.Event {
	return c.events
}

func (c *Client) Addr() string {
	return c.addr
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Done is closed when the current connection ends.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Err returns why the last connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connect opens the TCP connection and starts the reader. Any previous
// connection is closed first.
func (c *Client) Connect(ctx context.Context) error {
	_ = c.Close()

	dctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dial(dctx, c.addr)
	if err != nil {
		return fmt.Errorf("tcp connect failed: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.done = done
	c.err = nil
	c.mu.Unlock()

	c.metrics.SetConnected(true)
	c.log.Info("connected to meshcore node", zap.String("addr", c.addr))
	go c.readLoop(conn, done)
	return nil
}

// Close drops the connection. The reader notices and closes Done.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) readLoop(conn net.Conn, done chan struct{}) {
	for {
		frame, err := readFrame(conn, idleReadTimeout)
		if err != nil {
			if errors.Is(err, errIdle) {
				continue
			}
			c.lost(conn, done, err)
			return
		}
		c.log.Debug("<-- frame", zap.Int("len", len(frame)), zap.String("data", hex.EncodeToString(frame)))
		c.deliverFrame(frame)
	}
}

func (c *Client) lost(conn net.Conn, done chan struct{}, err error) {
	_ = conn.Close()
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.connected = false
		c.err = err
	}
	c.mu.Unlock()
	close(done)
	if current {
		c.metrics.SetConnected(false)
	}

	if errors.Is(err, net.ErrClosed) {
		c.log.Info("disconnected from meshcore node")
		return
	}
	c.log.Warn("connection lost", zap.Error(err))
}

// readFrame reads one inbound frame. It returns errIdle when nothing
// arrived within idle; a timeout in the middle of a frame is an error,
// since the stream can no longer be resynchronised.
func readFrame(conn net.Conn, idle time.Duration) ([]byte, error) {
	head := make([]byte, 3)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	if n, err := io.ReadFull(conn, head); err != nil {
		var ne net.Error
		if n == 0 && errors.As(err, &ne) && ne.Timeout() {
			return nil, errIdle
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}
	if head[0] != models.FrameInbound {
		return nil, fmt.Errorf("unexpected frame prefix: 0x%02x", head[0])
	}
	sz := binary.LittleEndian.Uint16(head[1:3])
	if sz > models.MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d", sz)
	}
	buf := make([]byte, sz)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return buf, nil
}

func (c *Client) sendFrame(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(encodeFrame(payload)); err != nil {
		return fmt.Errorf("send failed: %w", err)
	}
	c.log.Debug("--> frame", zap.Int("len", len(payload)), zap.String("data", hex.EncodeToString(payload)))
	return nil
}

func (c *Client) addWaiter(stream bool, codes ...byte) *waiter {
	size := 1
	if stream {
		size = 16
	}
	w := &waiter{codes: codes, stream: stream, ch: make(chan []byte, size), quit: make(chan struct{})}
	c.waitersMu.Lock()
	c.waiters = append(c.waiters, w)
	c.waitersMu.Unlock()
	return w
}

func (c *Client) removeWaiter(w *waiter) {
	w.stop()
	c.waitersMu.Lock()
	defer c.waitersMu.Unlock()
	for i, x := range c.waiters {
		if x == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// deliverFrame hands a frame to the oldest waiter expecting its code, or
// treats it as a push.
func (c *Client) deliverFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}
	code := frame[0]

	c.waitersMu.Lock()
	var target *waiter
	for i, w := range c.waiters {
		if w.wants(code) {
			target = w
			if !w.stream {
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			}
			break
		}
	}
	c.waitersMu.Unlock()

	if target == nil {
		c.handlePush(frame)
		return
	}
	select {
	case target.ch <- frame:
	case <-target.quit:
		c.log.Debug("waiter gone, dropping frame", zap.Uint8("code", code))
	}
}

func (c *Client) handlePush(frame []byte) {
	code := frame[0]
	switch code {
	case models.PushLogRxData:
		ev, err := parseRxLog(frame)
		if err != nil {
			c.log.Debug("bad rx log push", zap.Error(err))
			return
		}
		c.emit(ev)
	case models.PushMsgWaiting:
		go c.drainWaiting()
	case byte(models.ResponseCodes.ContactMsgRecv), byte(models.ResponseCodes.ContactMsgRecvV3),
		byte(models.ResponseCodes.ChannelMsgRecv), byte(models.ResponseCodes.ChannelMsgRecvV3):
		ev, err := parseMessage(frame)
		if err != nil {
			c.log.Debug("bad message frame", zap.Uint8("code", code), zap.Error(err))
			return
		}
		c.emit(ev)
	case models.PushAdvert, models.PushNewAdvert:
		if len(frame) >= 33 {
			c.log.Debug("advert", zap.String("pubkey", hex.EncodeToString(frame[1:7])))
		}
	case models.PushSendConfirmed:
		if len(frame) >= 9 {
			c.log.Debug("send confirmed",
				zap.Uint32("ack", binary.LittleEndian.Uint32(frame[1:5])),
				zap.Uint32("round_trip_ms", binary.LittleEndian.Uint32(frame[5:9])))
		}
	case models.PushPathUpdated:
		c.log.Debug("path updated")
	default:
		c.log.Debug("unhandled frame", zap.Uint8("code", code), zap.Int("len", len(frame)))
	}
}

func (c *Client) emit(ev models.Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("event queue full, dropping event", zap.String("event", models.EventKind(ev)))
	}
}

// drainWaiting pulls queued messages after a MSG_WAITING push until the
// radio reports there are no more.
func (c *Client) drainWaiting() {
	if !c.draining.CompareAndSwap(false, true) {
		return
	}
	defer c.draining.Store(false)

	n := 0
	for {
		ev, err := c.SyncNextMessage(context.Background())
		if err != nil {
			c.log.Warn("error draining waiting messages", zap.Error(err))
			return
		}
		if ev == nil {
			break
		}
		c.emit(ev)
		n++
	}
	if n > 0 {
		c.log.Debug("drained waiting messages", zap.Int("count", n))
	}
}

func parseMessage(frame []byte) (models.Event, error) {
	switch frame[0] {
	case byte(models.ResponseCodes.ContactMsgRecv), byte(models.ResponseCodes.ContactMsgRecvV3):
		ev, err := parseContactMsg(frame)
		if err != nil {
			return nil, err
		}
		return ev, nil
	default:
		ev, err := parseChannelMsg(frame)
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
}
