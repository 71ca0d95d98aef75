package devserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/supportsync/supportsync-go/internal/domain"
	"github.com/supportsync/supportsync-go/internal/transport"
)

// Broker is a minimal STOMP 1.2 broker for the chat channel: CONNECT,
// per-topic SUBSCRIBE, and SEND to the chat.sendMessage destination, which
// assigns ids/timestamps, persists and fans out to the session topic. It is
// intentionally only as much broker as the SDK needs.
type Broker struct {
	store          *Store
	heartbeatEvery time.Duration
	upgrader       websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*wsClient]string // topic -> client -> subscription id
}

type wsClient struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsClient) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsClient) writeFrame(f *transport.Frame) error {
	return c.write(f.Marshal())
}

// NewBroker creates a broker persisting through the given store.
func NewBroker(store *Store, heartbeatEvery time.Duration) *Broker {
	if heartbeatEvery == 0 {
		heartbeatEvery = 10 * time.Second
	}
	return &Broker{
		store:          store,
		heartbeatEvery: heartbeatEvery,
		upgrader: websocket.Upgrader{
			// Dev stub: accept any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[string]map[*wsClient]string),
	}
}

// Handle upgrades the request and serves the STOMP session until the peer
// goes away.
func (b *Broker) Handle(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &wsClient{ws: ws}
	defer func() {
		b.dropClient(c)
		ws.Close()
	}()
	b.serve(r.Context(), c)
}

func (b *Broker) serve(ctx context.Context, c *wsClient) {
	stopHB := make(chan struct{})
	defer close(stopHB)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if transport.IsHeartbeat(data) {
			continue
		}

		f, err := transport.Parse(data)
		if err != nil {
			log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		switch f.Command {
		case transport.CmdConnect:
			connected := transport.NewFrame(transport.CmdConnected,
				transport.Header{Name: transport.HdrVersion, Value: "1.2"},
				transport.Header{Name: transport.HdrHeartBeat, Value: fmt.Sprintf("%d,%d", b.heartbeatEvery.Milliseconds(), b.heartbeatEvery.Milliseconds())},
			)
			if err := c.writeFrame(connected); err != nil {
				return
			}
			go b.heartbeatLoop(c, stopHB)

		case transport.CmdSubscribe:
			subID, _ := f.Header(transport.HdrID)
			dest, _ := f.Header(transport.HdrDestination)
			if subID == "" || dest == "" {
				continue
			}
			b.subscribe(c, dest, subID)

		case transport.CmdUnsubscribe:
			subID, _ := f.Header(transport.HdrID)
			b.unsubscribe(c, subID)

		case transport.CmdSend:
			dest, _ := f.Header(transport.HdrDestination)
			if dest != transport.DestSendMessage {
				continue
			}
			if err := b.handleSend(ctx, f.Body); err != nil {
				log.Warn().Err(err).Msg("chat.sendMessage rejected")
			}

		case transport.CmdDisconnect:
			return
		}
	}
}

// inboundMessage is the client publish payload. The chatSession block
// carries a millisecond startedAt, so only the id is read from it.
type inboundMessage struct {
	Content     string       `json:"content"`
	ImageURL    *string      `json:"imageUrl"`
	VoiceURL    *string      `json:"voiceUrl"`
	Sender      *domain.User `json:"sender"`
	ChatSession struct {
		ID *int64 `json:"id"`
	} `json:"chatSession"`
}

func (b *Broker) handleSend(ctx context.Context, body []byte) error {
	var in inboundMessage
	if err := json.Unmarshal(body, &in); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if in.ChatSession.ID == nil {
		return fmt.Errorf("missing chat session id")
	}
	sessionID := *in.ChatSession.ID

	var content domain.MessageContent
	switch {
	case in.VoiceURL != nil && *in.VoiceURL != "":
		content = domain.VoiceContent{URL: *in.VoiceURL}
	case in.ImageURL != nil && *in.ImageURL != "":
		content = domain.ImageContent{URL: *in.ImageURL, Caption: in.Content}
	default:
		content = domain.TextContent{Body: in.Content}
	}

	stored, err := b.store.AppendMessage(ctx, sessionID, domain.Message{
		Sender:  in.Sender,
		Content: content,
	})
	if err != nil {
		return err
	}

	b.broadcast(transport.TopicFor(sessionID), *stored)
	return nil
}

func (b *Broker) broadcast(topic string, msg domain.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("marshal broadcast message")
		return
	}

	b.mu.Lock()
	receivers := make(map[*wsClient]string, len(b.subs[topic]))
	for c, subID := range b.subs[topic] {
		receivers[c] = subID
	}
	b.mu.Unlock()

	for c, subID := range receivers {
		frame := transport.NewFrame(transport.CmdMessage,
			transport.Header{Name: transport.HdrSubscription, Value: subID},
			transport.Header{Name: "message-id", Value: uuid.NewString()},
			transport.Header{Name: transport.HdrDestination, Value: topic},
			transport.Header{Name: transport.HdrContentType, Value: "application/json"},
		)
		frame.Body = payload
		if err := c.writeFrame(frame); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("broadcast write failed")
		}
	}
}

func (b *Broker) subscribe(c *wsClient, topic, subID string) {
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*wsClient]string)
	}
	b.subs[topic][c] = subID
	b.mu.Unlock()
	log.Debug().Str("topic", topic).Msg("client subscribed")
}

func (b *Broker) unsubscribe(c *wsClient, subID string) {
	b.mu.Lock()
	for topic, clients := range b.subs {
		if clients[c] == subID {
			delete(clients, c)
			if len(clients) == 0 {
				delete(b.subs, topic)
			}
		}
	}
	b.mu.Unlock()
}

func (b *Broker) dropClient(c *wsClient) {
	b.mu.Lock()
	for topic, clients := range b.subs {
		if _, ok := clients[c]; ok {
			delete(clients, c)
			if len(clients) == 0 {
				delete(b.subs, topic)
			}
		}
	}
	b.mu.Unlock()
}

func (b *Broker) heartbeatLoop(c *wsClient, stop <-chan struct{}) {
	ticker := time.NewTicker(b.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.write([]byte("\n")); err != nil {
				return
			}
		}
	}
}
