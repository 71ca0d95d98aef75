// Package chat is the SDK core: the session coordinator that creates a chat
// session over REST, drives the real-time transport around it, and merges
// everything into the message timeline. One coordinator owns one active
// session; it is an explicitly constructed, caller-owned object, not a
// process-wide singleton.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/supportsync/supportsync-go/internal/domain"
	"github.com/supportsync/supportsync-go/internal/timeline"
	"github.com/supportsync/supportsync-go/internal/transport"
	"github.com/supportsync/supportsync-go/internal/upload"
)

var (
	// ErrClosed is returned once the coordinator has been torn down.
	ErrClosed = errors.New("chat: coordinator closed")
	// ErrNoSession is returned by operations that need an active session.
	ErrNoSession = errors.New("chat: no active session")
)

// SessionAPI is the REST slice the coordinator consumes.
type SessionAPI interface {
	StartSession(ctx context.Context, req domain.SessionRequest) (*domain.ChatSession, error)
	GetMessages(ctx context.Context, sessionID int64) ([]domain.Message, error)
}

// Transport is the real-time connection manager slice the coordinator drives.
type Transport interface {
	Connect(ctx context.Context, sessionID int64, h transport.Handlers)
	Send(sessionID, senderID int64, senderName, content, imageURL string) error
	Disconnect()
	State() domain.ConnState
}

// Coordinator ties the session lifecycle together. All timeline appends flow
// through it: outgoing ones via SendMessage, incoming ones via the single
// transport read goroutine, which keeps append order equal to arrival order.
type Coordinator struct {
	api     SessionAPI
	tr      Transport
	tl      *timeline.Timeline
	uploads *upload.Pipeline
	status  *Status
	user    domain.User

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	session  *domain.ChatSession
	category domain.IssueCategory
	closed   bool
}

// NewCoordinator creates a coordinator for the given user. The user must
// carry an identifier and a non-empty display name; there is no post-hoc
// fixing up of a half-built configuration.
func NewCoordinator(user domain.User, api SessionAPI, tr Transport, tl *timeline.Timeline, uploads *upload.Pipeline) (*Coordinator, error) {
	if user.Username == "" {
		return nil, errors.New("chat: user display name is required")
	}
	if user.ID == nil {
		return nil, errors.New("chat: user id is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		api:     api,
		tr:      tr,
		tl:      tl,
		uploads: uploads,
		status:  NewStatus(),
		user:    user,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Status exposes the connectivity state and current-error surface.
func (c *Coordinator) Status() *Status { return c.status }

// Timeline exposes the message timeline for observation.
func (c *Coordinator) Timeline() *timeline.Timeline { return c.tl }

// SessionID returns the active session identifier, if a session exists.
func (c *Coordinator) SessionID() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.ID == nil {
		return 0, false
	}
	return *c.session.ID, true
}

type initialMessage struct {
	title       string
	description string
}

// StartSession creates a session for the pre-chat form input and, on
// success, connects the transport and subscribes to the session topic. The
// title and description are flushed as the first message once the connection
// is confirmed. On failure the error is surfaced and no connection is
// attempted; the caller may retry by calling StartSession again.
func (c *Coordinator) StartSession(ctx context.Context, category domain.IssueCategory, title, description string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	session, err := c.api.StartSession(ctx, domain.SessionRequest{User: c.user, Category: category})
	if err != nil {
		c.status.fail("Failed to start session: " + err.Error())
		return fmt.Errorf("start session: %w", err)
	}
	if session.ID == nil {
		c.status.fail("Failed to start session: backend returned no session id")
		return errors.New("start session: missing session id in response")
	}

	c.mu.Lock()
	c.session = session
	c.category = category
	c.mu.Unlock()

	log.Info().Int64("session_id", *session.ID).Msg("chat session started")
	c.connect(*session, &initialMessage{title: title, description: description})
	return nil
}

// Reconnect is the slower, out-of-band recovery path: it re-runs session
// creation with the recorded user identity and connects to the result. The
// backend may hand back a new session identifier; the previous timeline is
// kept as-is.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.session == nil {
		c.mu.Unlock()
		return ErrNoSession
	}
	category := c.category
	c.mu.Unlock()

	session, err := c.api.StartSession(ctx, domain.SessionRequest{User: c.user, Category: category})
	if err != nil {
		c.status.fail("Failed to reconnect: " + err.Error())
		return fmt.Errorf("reconnect: %w", err)
	}
	if session.ID == nil {
		c.status.fail("Failed to reconnect: backend returned no session id")
		return errors.New("reconnect: missing session id in response")
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.connect(*session, nil)
	return nil
}

// connect wires transport callbacks to the timeline and status surface. The
// initial message, when present, is flushed exactly once per session start,
// after the first confirmed connection; the backend drops sends on a channel
// that is not established yet.
func (c *Coordinator) connect(session domain.ChatSession, initial *initialMessage) {
	sessionID := *session.ID
	var flushOnce sync.Once

	h := transport.Handlers{
		OnMessage: func(msg domain.Message) {
			c.tl.AppendIncoming(msg)
		},
		OnError: func(err error) {
			c.status.fail("Connection error: " + err.Error())
		},
		OnConnected: func() {
			if initial == nil {
				return
			}
			flushOnce.Do(func() {
				content := fmt.Sprintf("Title: %s\nDescription: %s", initial.title, initial.description)
				if err := c.tr.Send(sessionID, *c.user.ID, c.user.Username, content, ""); err != nil {
					c.status.fail("Failed to send message: " + err.Error())
				}
			})
		},
		OnState: func(s domain.ConnState) {
			c.status.setState(s)
		},
	}
	c.tr.Connect(c.ctx, sessionID, h)
}

// SendMessage composes an outgoing message, consuming any pending image
// attachment, appends it to the timeline and hands it to the transport.
// Fire-and-forget: a network failure is surfaced but the message stays in
// the timeline; there is no rollback and no retry.
func (c *Coordinator) SendMessage(content string) {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil || session.ID == nil || c.tr.State() != domain.StateConnected {
		c.status.fail("Not connected to chat server")
		return
	}

	msg := c.tl.AppendOutgoing(c.user, *session, content)
	imageURL := ""
	if img, ok := msg.Content.(domain.ImageContent); ok {
		imageURL = img.URL
	}

	if err := c.tr.Send(*session.ID, *c.user.ID, c.user.Username, msg.Content.Text(), imageURL); err != nil {
		log.Warn().Err(err).Msg("message send failed")
		c.status.fail("Failed to send message: " + err.Error())
	}
}

// UploadImage runs the attachment pipeline for the session user. On success
// the returned reference becomes the pending attachment for the next
// outgoing message. Failures surface with the dedicated too-large message
// when the backend rejected the payload for size.
func (c *Coordinator) UploadImage(ctx context.Context, image []byte) (string, error) {
	imageURL, err := c.uploads.Upload(ctx, *c.user.ID, image)
	if err != nil {
		if errors.Is(err, upload.ErrImageTooLarge) {
			c.status.fail("Image is too large. Please select a smaller image.")
		} else {
			c.status.fail("Failed to upload image: " + err.Error())
		}
		return "", err
	}
	return imageURL, nil
}

// DiscardPendingImage drops an uploaded-but-unsent attachment.
func (c *Coordinator) DiscardPendingImage() {
	c.tl.ClearPendingAttachment()
}

// Backlog fetches the stored message history for the active session from
// the backend. It does not touch the timeline.
func (c *Coordinator) Backlog(ctx context.Context) ([]domain.Message, error) {
	id, ok := c.SessionID()
	if !ok {
		return nil, ErrNoSession
	}
	return c.api.GetMessages(ctx, id)
}

// Close tears the coordinator down: the transport disconnects, in-flight
// work is cancelled, and a pending reconnect delay is abandoned. Callbacks
// never fire against a closed coordinator. Close is idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.tr.Disconnect()
	c.status.setState(domain.StateDisconnected)
}
