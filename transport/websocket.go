package transport

import (
	"context"
	"encoding/binary"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"spaceship-netsync/tick"
)

// Config holds websocket settings.
type Config struct {
	WriteWait         time.Duration
	PongWait          time.Duration
	PingPeriod        time.Duration
	HandshakeTimeout  time.Duration
	MaxMessageSize    int64
	SendBufSize       int
	QueueSize         int
	MaxMessagesPerSec int
	Logger            *log.Logger
}

// DefaultConfig pings every second so RTT stays current.
func DefaultConfig() Config {
	return Config{
		WriteWait:         10 * time.Second,
		PongWait:          10 * time.Second,
		PingPeriod:        time.Second,
		HandshakeTimeout:  5 * time.Second,
		MaxMessageSize:    64 * 1024,
		SendBufSize:       256,
		QueueSize:         1024,
		MaxMessagesPerSec: 240,
	}
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// conn owns one websocket and its pumps.
type conn struct {
	cfg     Config
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	once    sync.Once
	rtt     atomic.Int64
	limiter *rate.Limiter
}

func newConn(cfg Config, ws *websocket.Conn, limited bool) *conn {
	c := &conn{
		cfg:  cfg,
		ws:   ws,
		send: make(chan []byte, cfg.SendBufSize),
		done: make(chan struct{}),
	}
	if limited && cfg.MaxMessagesPerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxMessagesPerSec), cfg.MaxMessagesPerSec)
	}
	return c
}

func (c *conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSlowPeer
	}
}

// shutdown asks the write pump to send a close frame and drop the socket,
// which in turn ends the read pump.
func (c *conn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// observe folds a ping round trip into the estimate.
func (c *conn) observe(sample time.Duration) {
	prev := time.Duration(c.rtt.Load())
	if prev == 0 {
		c.rtt.Store(int64(sample))
		return
	}
	c.rtt.Store(int64(prev*7/8 + sample/8))
}

// readPump delivers frames into in until the connection fails, then queues
// a closed event.
func (c *conn) readPump(peer PeerID, in *Queue) {
	defer func() {
		c.shutdown()
		in.Push(Packet{Peer: peer, Event: EventClosed})
	}()

	c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	c.ws.SetPongHandler(func(data string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		if len(data) == 8 {
			sent := time.Unix(0, int64(binary.BigEndian.Uint64([]byte(data))))
			c.observe(time.Since(sent))
		}
		return nil
	})

	for {
		msgType, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.cfg.logger().Printf("ws error: %v", err)
			}
			return
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.cfg.logger().Printf("rate limit exceeded for peer %d, disconnecting", peer)
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		at, payload, err := Unframe(message)
		if err != nil {
			c.cfg.logger().Printf("peer %d: %v", peer, err)
			continue
		}
		in.Push(Packet{Peer: peer, Payload: payload, Tick: at})
	}
}

// ping sends a ping stamped with the wall time; the pong handler turns the
// echo into an RTT sample.
func (c *conn) ping() error {
	var stamp [8]byte
	binary.BigEndian.PutUint64(stamp[:], uint64(time.Now().UnixNano()))
	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return c.ws.WriteMessage(websocket.PingMessage, stamp[:])
}

// writePump writes queued frames and pings. The first ping goes out right
// away so an RTT sample exists soon after connecting.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
		c.ws.Close()
	}()

	if err := c.ping(); err != nil {
		return
	}
	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// tickSource is a swappable tick getter shared with the pumps.
type tickSource struct {
	fn atomic.Pointer[func() tick.Tick]
}

func (t *tickSource) set(fn func() tick.Tick) { t.fn.Store(&fn) }

func (t *tickSource) now() tick.Tick {
	if fn := t.fn.Load(); fn != nil {
		return (*fn)()
	}
	return 0
}

// WebSocketServer accepts authenticated websocket connections and serves
// as the server Transport.
type WebSocketServer struct {
	cfg      Config
	auth     *Authenticator
	upgrader websocket.Upgrader
	in       *Queue
	ticks    tickSource

	mu     sync.RWMutex
	conns  map[PeerID]*conn
	names  map[PeerID]string
	next   PeerID
	closed bool
}

// NewWebSocketServer creates the handler. A nil auth accepts everyone.
func NewWebSocketServer(cfg Config, auth *Authenticator) *WebSocketServer {
	return &WebSocketServer{
		cfg:  cfg,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		in:    NewQueue(cfg.QueueSize),
		conns: make(map[PeerID]*conn),
		names: make(map[PeerID]string),
	}
}

func bearer(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// ServeHTTP checks the token and upgrades the connection.
func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := "guest"
	if s.auth != nil {
		var err error
		if name, err = s.auth.Validate(bearer(r)); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.logger().Printf("ws upgrade error: %v", err)
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.next++
	id := s.next
	c := newConn(s.cfg, ws, true)
	s.conns[id] = c
	s.names[id] = name
	s.mu.Unlock()

	s.cfg.logger().Printf("peer %d (%s) connected from %s", id, name, r.RemoteAddr)
	s.in.Push(Packet{Peer: id, Event: EventConnected})
	go c.writePump()
	go func() {
		c.readPump(id, s.in)
		s.mu.Lock()
		delete(s.conns, id)
		delete(s.names, id)
		s.mu.Unlock()
		s.cfg.logger().Printf("peer %d disconnected", id)
	}()
}

func (s *WebSocketServer) conn(peer PeerID) (*conn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	c, ok := s.conns[peer]
	if !ok {
		return nil, eris.Wrapf(ErrPeerNotFound, "peer %d", peer)
	}
	return c, nil
}

// Send frames payload with the current tick and queues it for peer.
func (s *WebSocketServer) Send(peer PeerID, payload []byte) error {
	c, err := s.conn(peer)
	if err != nil {
		return err
	}
	return c.enqueue(Frame(s.ticks.now(), payload))
}

// TryReceive pops the next inbound packet.
func (s *WebSocketServer) TryReceive() (Packet, bool) { return s.in.Pop() }

// RTT returns the smoothed ping round trip for peer.
func (s *WebSocketServer) RTT(peer PeerID) time.Duration {
	c, err := s.conn(peer)
	if err != nil {
		return 0
	}
	return time.Duration(c.rtt.Load())
}

// SetTickSource stamps outgoing frames.
func (s *WebSocketServer) SetTickSource(fn func() tick.Tick) { s.ticks.set(fn) }

// Name returns the token name of peer.
func (s *WebSocketServer) Name(peer PeerID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.names[peer]
}

// PeerCount returns the number of open connections.
func (s *WebSocketServer) PeerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// Disconnect closes one peer's connection.
func (s *WebSocketServer) Disconnect(peer PeerID) error {
	c, err := s.conn(peer)
	if err != nil {
		return err
	}
	c.shutdown()
	return nil
}

// Close shuts every connection and refuses new ones.
func (s *WebSocketServer) Close() error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
	return nil
}

// WebSocketClient is the client Transport over one websocket.
type WebSocketClient struct {
	c     *conn
	in    *Queue
	ticks tickSource
}

// DialWebSocket connects to url presenting token as a bearer credential.
func DialWebSocket(ctx context.Context, url, token string, cfg Config) (*WebSocketClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, eris.Wrapf(ErrUnauthorized, "dial %s", url)
		}
		return nil, eris.Wrapf(err, "dial %s", url)
	}

	cl := &WebSocketClient{
		c:  newConn(cfg, ws, false),
		in: NewQueue(cfg.QueueSize),
	}
	cl.in.Push(Packet{Peer: ServerPeer, Event: EventConnected})
	go cl.c.writePump()
	go cl.c.readPump(ServerPeer, cl.in)
	return cl, nil
}

// Send frames payload for the server. peer is ignored.
func (cl *WebSocketClient) Send(_ PeerID, payload []byte) error {
	return cl.c.enqueue(Frame(cl.ticks.now(), payload))
}

// TryReceive pops the next inbound packet.
func (cl *WebSocketClient) TryReceive() (Packet, bool) { return cl.in.Pop() }

// RTT returns the smoothed ping round trip to the server.
func (cl *WebSocketClient) RTT(PeerID) time.Duration { return time.Duration(cl.c.rtt.Load()) }

// SetTickSource stamps outgoing frames.
func (cl *WebSocketClient) SetTickSource(fn func() tick.Tick) { cl.ticks.set(fn) }

// Close closes the connection.
func (cl *WebSocketClient) Close() error {
	cl.c.shutdown()
	return nil
}
