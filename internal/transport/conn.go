// Package transport owns the single real-time connection to the support
// backend's messaging endpoint: STOMP 1.2 frames over a WebSocket. It manages
// connect, disconnect and the fixed-delay reconnect loop, and the per-session
// topic subscription that isolates one session's messages from another's.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/supportsync/supportsync-go/internal/domain"
)

// DestSendMessage is the publish destination for outgoing chat messages.
const DestSendMessage = "/app/chat.sendMessage"

// ErrNotConnected is returned by Send when no established connection exists
// for the requested session. Sends after Disconnect are clean failures, never
// crashes.
var ErrNotConnected = errors.New("transport: not connected")

// TopicFor returns the per-session subscription destination.
func TopicFor(sessionID int64) string {
	return fmt.Sprintf("/topic/chat/%d", sessionID)
}

// DeriveWSURL turns the REST base URL into the websocket endpoint by scheme
// substitution (http -> ws, https -> wss) plus the configured path.
func DeriveWSURL(baseURL, wsPath string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + wsPath
	return u.String(), nil
}

// Handlers carries the callbacks for one Connect call. OnConnected fires
// exactly once per successful connection establishment, before any message
// for that connection is delivered; it is the trigger point for flushing a
// session-initiation message.
type Handlers struct {
	OnMessage   func(domain.Message)
	OnError     func(error)
	OnConnected func()
	OnState     func(domain.ConnState)
}

// Options configures a Manager.
type Options struct {
	// URL is the websocket endpoint, usually from DeriveWSURL.
	URL string
	// AuthHeader is sent verbatim as the Authorization header on the
	// websocket handshake. Empty means no header.
	AuthHeader string
	// ClientHeartbeat is the interval between client heartbeats. Zero
	// disables outgoing heartbeats.
	ClientHeartbeat time.Duration
	// ServerHeartbeat is the expected server heartbeat interval. A read
	// silence of twice this duration counts as a failed heartbeat. Zero
	// disables the check.
	ServerHeartbeat time.Duration
	// ReconnectDelay is the fixed wait between a reported failure and the
	// next connect attempt. Retries are unbounded.
	ReconnectDelay time.Duration
	// HandshakeTimeout bounds the dial plus CONNECT/CONNECTED exchange.
	HandshakeTimeout time.Duration
	// Dialer overrides the websocket dialer, mainly for tests.
	Dialer *websocket.Dialer
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.ClientHeartbeat == 0 {
		out.ClientHeartbeat = 10 * time.Second
	}
	if out.ServerHeartbeat == 0 {
		out.ServerHeartbeat = 10 * time.Second
	}
	if out.ReconnectDelay == 0 {
		out.ReconnectDelay = 5 * time.Second
	}
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = 10 * time.Second
	}
	if out.Dialer == nil {
		out.Dialer = websocket.DefaultDialer
	}
	return out
}

// Manager maintains at most one live connection. Calling Connect while a
// connection is live replaces it; two connections are never multiplexed for
// one session.
type Manager struct {
	opts Options

	mu       sync.Mutex
	state    domain.ConnState
	handlers Handlers
	active   *liveConn
	gen      uint64
}

type liveConn struct {
	cancel    context.CancelFunc
	sessionID int64
	subID     string
	topic     string

	mu sync.Mutex
	ws *websocket.Conn
}

func (lc *liveConn) setConn(ws *websocket.Conn) {
	lc.mu.Lock()
	lc.ws = ws
	lc.mu.Unlock()
}

func (lc *liveConn) write(data []byte) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.ws == nil {
		return ErrNotConnected
	}
	return lc.ws.WriteMessage(websocket.TextMessage, data)
}

func (lc *liveConn) close() {
	lc.mu.Lock()
	if lc.ws != nil {
		// Best-effort polite goodbye; the close that matters is below.
		_ = lc.ws.WriteMessage(websocket.TextMessage, NewFrame(CmdDisconnect).Marshal())
		_ = lc.ws.Close()
		lc.ws = nil
	}
	lc.mu.Unlock()
}

// NewManager creates a connection manager in the Disconnected state.
func NewManager(opts Options) *Manager {
	return &Manager{opts: opts.withDefaults(), state: domain.StateDisconnected}
}

// State returns the current connection state.
func (m *Manager) State() domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes a connection for the session and subscribes to its
// topic. Any prior live connection is torn down first. The attempt, the read
// loop and the reconnect delay all run under ctx; cancelling it abandons the
// connection without invoking further callbacks.
func (m *Manager) Connect(ctx context.Context, sessionID int64, h Handlers) {
	m.mu.Lock()
	prev := m.active
	m.gen++
	gen := m.gen
	m.handlers = h
	runCtx, cancel := context.WithCancel(ctx)
	lc := &liveConn{
		cancel:    cancel,
		sessionID: sessionID,
		subID:     "sub-" + uuid.NewString(),
		topic:     TopicFor(sessionID),
	}
	m.active = lc
	m.mu.Unlock()

	if prev != nil {
		prev.cancel()
		prev.close()
	}
	m.setState(gen, domain.StateConnecting)

	go m.run(runCtx, gen, lc, h)
}

// Disconnect releases the subscription and the underlying connection. It is
// idempotent; the state afterwards is Disconnected either way.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	lc := m.active
	m.active = nil
	m.gen++
	changed := m.state != domain.StateDisconnected
	m.state = domain.StateDisconnected
	onState := m.handlers.OnState
	m.mu.Unlock()

	if lc != nil {
		lc.cancel()
		lc.close()
	}
	if changed && onState != nil {
		onState(domain.StateDisconnected)
	}
}

// Send publishes a chat message for the session. Fire-and-forget from the
// delivery standpoint: a nil return means the frame was handed to the socket,
// not that the backend received it.
func (m *Manager) Send(sessionID, senderID int64, senderName, content, imageURL string) error {
	m.mu.Lock()
	lc := m.active
	state := m.state
	m.mu.Unlock()

	if lc == nil || state != domain.StateConnected || lc.sessionID != sessionID {
		return ErrNotConnected
	}

	sender := domain.User{ID: &senderID, Username: senderName, Role: domain.RoleCustomer}
	payload := sendPayload{
		Content: content,
		Sender:  sender,
		ChatSession: sendSession{
			ID:        sessionID,
			User:      sender,
			StartedAt: time.Now().UnixMilli(),
		},
	}
	if imageURL != "" {
		payload.ImageURL = &imageURL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	frame := NewFrame(CmdSend,
		Header{HdrDestination, DestSendMessage},
		Header{HdrContentType, "application/json"},
	)
	frame.Body = body
	if err := lc.write(frame.Marshal()); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// sendPayload mirrors the shape the backend expects on chat.sendMessage.
// The explicit null fields are part of the contract.
type sendPayload struct {
	Content     string      `json:"content"`
	ImageURL    *string     `json:"imageUrl"`
	Sender      domain.User `json:"sender"`
	ChatSession sendSession `json:"chatSession"`
}

type sendSession struct {
	ID        int64        `json:"id"`
	User      domain.User  `json:"user"`
	Agent     *domain.User `json:"agent"`
	StartedAt int64        `json:"startedAt"`
	EndedAt   *string      `json:"endedAt"`
}

// run drives the connect / read / fixed-delay-reconnect cycle until ctx is
// cancelled or a newer connection replaces this one.
func (m *Manager) run(ctx context.Context, gen uint64, lc *liveConn, h Handlers) {
	for {
		err := m.attempt(ctx, gen, lc, h)
		if ctx.Err() != nil || !m.current(gen) {
			return
		}

		log.Warn().Err(err).Int64("session_id", lc.sessionID).Msg("chat transport failed")
		m.setState(gen, domain.StateFailed)
		if h.OnError != nil {
			h.OnError(err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(m.opts.ReconnectDelay):
		}
		if !m.current(gen) {
			return
		}
		m.setState(gen, domain.StateConnecting)
	}
}

// attempt performs one full connection attempt: dial, STOMP handshake,
// subscribe, then the read loop. It returns when the connection dies.
func (m *Manager) attempt(ctx context.Context, gen uint64, lc *liveConn, h Handlers) error {
	header := http.Header{}
	if m.opts.AuthHeader != "" {
		header.Set("Authorization", m.opts.AuthHeader)
	}

	ws, resp, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s (HTTP %d): %w", m.opts.URL, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}
	defer ws.Close()

	if !m.current(gen) {
		return ErrNotConnected
	}
	lc.setConn(ws)

	hb := fmt.Sprintf("%d,%d", m.opts.ClientHeartbeat.Milliseconds(), m.opts.ServerHeartbeat.Milliseconds())
	connect := NewFrame(CmdConnect,
		Header{HdrAcceptVersion, "1.2"},
		Header{HdrHost, hostOf(m.opts.URL)},
		Header{HdrHeartBeat, hb},
	)
	if err := lc.write(connect.Marshal()); err != nil {
		return fmt.Errorf("stomp connect: %w", err)
	}

	if err := m.awaitConnected(ws); err != nil {
		return err
	}

	sub := NewFrame(CmdSubscribe,
		Header{HdrID, lc.subID},
		Header{HdrDestination, lc.topic},
	)
	if err := lc.write(sub.Marshal()); err != nil {
		return fmt.Errorf("subscribe %s: %w", lc.topic, err)
	}

	stopHB := make(chan struct{})
	defer close(stopHB)
	if m.opts.ClientHeartbeat > 0 {
		go m.heartbeatLoop(lc, stopHB)
	}

	log.Debug().Int64("session_id", lc.sessionID).Str("topic", lc.topic).Msg("chat transport connected")
	m.setState(gen, domain.StateConnected)
	if h.OnConnected != nil {
		h.OnConnected()
	}

	return m.readLoop(ctx, ws, lc, h)
}

// awaitConnected reads frames until the server confirms the STOMP session.
func (m *Manager) awaitConnected(ws *websocket.Conn) error {
	deadline := time.Now().Add(m.opts.HandshakeTimeout)
	for {
		_ = ws.SetReadDeadline(deadline)
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("awaiting CONNECTED: %w", err)
		}
		if IsHeartbeat(data) {
			continue
		}
		f, err := Parse(data)
		if err != nil {
			return err
		}
		switch f.Command {
		case CmdConnected:
			return nil
		case CmdError:
			return frameError(f)
		default:
			return fmt.Errorf("stomp: unexpected %s before CONNECTED", f.Command)
		}
	}
}

// readLoop delivers MESSAGE frames for this connection's subscription until
// the socket errors out or the server heartbeat goes missing.
func (m *Manager) readLoop(ctx context.Context, ws *websocket.Conn, lc *liveConn, h Handlers) error {
	for {
		if m.opts.ServerHeartbeat > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(2 * m.opts.ServerHeartbeat))
		} else {
			_ = ws.SetReadDeadline(time.Time{})
		}

		_, data, err := ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("missed server heartbeat: %w", err)
			}
			return fmt.Errorf("read: %w", err)
		}
		if IsHeartbeat(data) {
			continue
		}

		f, err := Parse(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping unparseable frame")
			continue
		}

		switch f.Command {
		case CmdMessage:
			// Route only frames for our subscription so a message delivered
			// on another session's topic can never reach this callback.
			if sub, ok := f.Header(HdrSubscription); ok && sub != lc.subID {
				continue
			}
			if dest, ok := f.Header(HdrDestination); ok && dest != lc.topic {
				continue
			}
			msg, err := decodeMessage(f.Body)
			if err != nil {
				log.Warn().Err(err).Msg("dropping undecodable message payload")
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if h.OnMessage != nil {
				h.OnMessage(msg)
			}
		case CmdError:
			return frameError(f)
		}
	}
}

func (m *Manager) heartbeatLoop(lc *liveConn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.opts.ClientHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			// A write failure here surfaces through the read loop as well.
			if err := lc.write(heartbeat); err != nil {
				return
			}
		}
	}
}

// decodeMessage handles the backend quirk of occasionally double-encoding
// the payload as a JSON string.
func decodeMessage(body []byte) (domain.Message, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err == nil {
			trimmed = []byte(inner)
		}
	}
	var msg domain.Message
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return domain.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}

func frameError(f *Frame) error {
	if msg, ok := f.Header(HdrMessageHdr); ok && msg != "" {
		return fmt.Errorf("stomp error: %s", msg)
	}
	return fmt.Errorf("stomp error: %s", string(f.Body))
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen == gen
}

func (m *Manager) setState(gen uint64, s domain.ConnState) {
	m.mu.Lock()
	if m.gen != gen || m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	onState := m.handlers.OnState
	m.mu.Unlock()
	if onState != nil {
		onState(s)
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}
