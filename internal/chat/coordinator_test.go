package chat

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/supportsync/supportsync-go/internal/domain"
	"github.com/supportsync/supportsync-go/internal/rest"
	"github.com/supportsync/supportsync-go/internal/timeline"
	"github.com/supportsync/supportsync-go/internal/upload"
)

type coordinatorFixture struct {
	api *MockSessionAPI
	tr  *MockTransport
	tl  *timeline.Timeline
	up  *MockUploader
	c   *Coordinator
}

func newFixture(t *testing.T) *coordinatorFixture {
	t.Helper()
	f := &coordinatorFixture{
		api: new(MockSessionAPI),
		tr:  new(MockTransport),
		tl:  timeline.New(),
		up:  new(MockUploader),
	}
	c, err := NewCoordinator(
		domain.NewCustomer(123, "Alice"),
		f.api, f.tr, f.tl,
		upload.NewPipeline(f.up, f.tl),
	)
	require.NoError(t, err)
	f.c = c
	t.Cleanup(func() {
		f.tr.On("Disconnect").Return().Maybe()
		c.Close()
	})
	return f
}

func TestNewCoordinator_RejectsIncompleteUser(t *testing.T) {
	tl := timeline.New()
	up := upload.NewPipeline(new(MockUploader), tl)

	_, err := NewCoordinator(domain.User{ID: nil, Username: "Alice"}, new(MockSessionAPI), new(MockTransport), tl, up)
	assert.Error(t, err)

	id := int64(1)
	_, err = NewCoordinator(domain.User{ID: &id}, new(MockSessionAPI), new(MockTransport), tl, up)
	assert.Error(t, err)
}

func TestCoordinator_StartSessionConnectsToCreatedSession(t *testing.T) {
	f := newFixture(t)
	f.api.On("StartSession", mock.Anything, mock.MatchedBy(func(req domain.SessionRequest) bool {
		return req.User.Username == "Alice" && req.Category == domain.CategoryTechnical
	})).Return(sessionWithID(49), nil)
	f.tr.On("Connect", mock.Anything, int64(49), mock.Anything).Return()

	err := f.c.StartSession(context.Background(), domain.CategoryTechnical, "Login issue", "Cannot log in")
	require.NoError(t, err)

	id, ok := f.c.SessionID()
	require.True(t, ok)
	assert.Equal(t, int64(49), id)

	f.api.AssertExpectations(t)
	f.tr.AssertExpectations(t)
}

func TestCoordinator_StartSessionFailureDoesNotConnect(t *testing.T) {
	f := newFixture(t)
	f.api.On("StartSession", mock.Anything, mock.Anything).
		Return(nil, errors.New("backend down"))

	err := f.c.StartSession(context.Background(), domain.CategoryGeneral, "t", "d")
	require.Error(t, err)

	assert.Contains(t, f.c.Status().Err(), "Failed to start session")
	f.tr.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything, mock.Anything)

	_, ok := f.c.SessionID()
	assert.False(t, ok)
}

func TestCoordinator_InitialMessageFlushedOncePerSessionStart(t *testing.T) {
	f := newFixture(t)
	f.api.On("StartSession", mock.Anything, mock.Anything).Return(sessionWithID(49), nil)
	f.tr.On("Connect", mock.Anything, int64(49), mock.Anything).Return()
	f.tr.On("Send", int64(49), int64(123), "Alice", "Title: Login issue\nDescription: Cannot log in", "").
		Return(nil).Once()

	require.NoError(t, f.c.StartSession(context.Background(), domain.CategoryTechnical, "Login issue", "Cannot log in"))

	f.tr.setState(domain.StateConnected)
	f.tr.fireConnected()
	// A reconnect-triggered second establishment must not resend the form.
	f.tr.fireConnected()

	f.tr.AssertNumberOfCalls(t, "Send", 1)
}

func TestCoordinator_SendMessageWhileNotConnected(t *testing.T) {
	f := newFixture(t)
	f.api.On("StartSession", mock.Anything, mock.Anything).Return(sessionWithID(49), nil)
	f.tr.On("Connect", mock.Anything, int64(49), mock.Anything).Return()
	require.NoError(t, f.c.StartSession(context.Background(), domain.CategoryBilling, "t", "d"))

	f.tr.setState(domain.StateConnecting)
	f.c.SendMessage("hello?")

	assert.Equal(t, "Not connected to chat server", f.c.Status().Err())
	assert.Zero(t, f.tl.Len(), "unsent message must not enter the timeline")
	f.tr.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinator_SendMessageWithoutSession(t *testing.T) {
	f := newFixture(t)
	f.tr.setState(domain.StateConnected)

	f.c.SendMessage("hello?")

	assert.Equal(t, "Not connected to chat server", f.c.Status().Err())
	assert.Zero(t, f.tl.Len())
}

func TestCoordinator_SendMessageConsumesPendingAttachment(t *testing.T) {
	f := newFixture(t)
	f.api.On("StartSession", mock.Anything, mock.Anything).Return(sessionWithID(49), nil)
	f.tr.On("Connect", mock.Anything, int64(49), mock.Anything).Return()
	require.NoError(t, f.c.StartSession(context.Background(), domain.CategoryProduct, "t", "d"))
	f.tr.setState(domain.StateConnected)

	f.tl.SetPendingAttachment("/uploads/abc.jpg")
	f.tr.On("Send", int64(49), int64(123), "Alice", "look at this", "/uploads/abc.jpg").Return(nil).Once()

	f.c.SendMessage("look at this")

	_, pending := f.tl.PendingAttachment()
	assert.False(t, pending, "attachment must be consumed by the send")

	entries := f.tl.Snapshot()
	require.Len(t, entries, 1)
	img, ok := entries[0].Content.(domain.ImageContent)
	require.True(t, ok)
	assert.Equal(t, "/uploads/abc.jpg", img.URL)
	assert.Equal(t, "look at this", img.Caption)

	// The next message goes out plain.
	f.tr.On("Send", int64(49), int64(123), "Alice", "just text", "").Return(nil).Once()
	f.c.SendMessage("just text")
	f.tr.AssertExpectations(t)
}

func TestCoordinator_SendFailureKeepsTimelineEntry(t *testing.T) {
	f := newFixture(t)
	f.api.On("StartSession", mock.Anything, mock.Anything).Return(sessionWithID(49), nil)
	f.tr.On("Connect", mock.Anything, int64(49), mock.Anything).Return()
	require.NoError(t, f.c.StartSession(context.Background(), domain.CategoryGeneral, "t", "d"))
	f.tr.setState(domain.StateConnected)

	f.tr.On("Send", int64(49), int64(123), "Alice", "doomed", "").
		Return(errors.New("broken pipe"))

	f.c.SendMessage("doomed")

	assert.Equal(t, 1, f.tl.Len(), "failed send is not rolled back")
	assert.Contains(t, f.c.Status().Err(), "Failed to send message")
}

func TestCoordinator_IncomingMessagesAppendInArrivalOrder(t *testing.T) {
	f := newFixture(t)
	f.api.On("StartSession", mock.Anything, mock.Anything).Return(sessionWithID(49), nil)
	f.tr.On("Connect", mock.Anything, int64(49), mock.Anything).Return()
	require.NoError(t, f.c.StartSession(context.Background(), domain.CategoryGeneral, "t", "d"))

	agent := domain.User{Username: "Agent Smith", Role: domain.RoleAgent}
	f.tr.fireMessage(domain.Message{Sender: &agent, Content: domain.TextContent{Body: "first"}})
	f.tr.fireMessage(domain.Message{Sender: &agent, Content: domain.TextContent{Body: "second"}})

	entries := f.tl.Snapshot()
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Content.Text())
	assert.Equal(t, "second", entries[1].Content.Text())
}

func TestCoordinator_TransportErrorsSurfaceOnStatus(t *testing.T) {
	f := newFixture(t)
	f.api.On("StartSession", mock.Anything, mock.Anything).Return(sessionWithID(49), nil)
	f.tr.On("Connect", mock.Anything, int64(49), mock.Anything).Return()
	require.NoError(t, f.c.StartSession(context.Background(), domain.CategoryGeneral, "t", "d"))

	f.tr.fireError(errors.New("missed server heartbeat"))

	assert.Contains(t, f.c.Status().Err(), "Connection error")

	f.c.Status().Clear()
	assert.Empty(t, f.c.Status().Err())
}

func TestCoordinator_UploadImageTooLarge(t *testing.T) {
	f := newFixture(t)
	f.up.On("UploadImage", mock.Anything, int64(123), mock.Anything, mock.Anything).
		Return("", &rest.APIError{StatusCode: http.StatusRequestEntityTooLarge, Body: "too big"})

	_, err := f.c.UploadImage(context.Background(), make([]byte, 64))
	require.Error(t, err)
	assert.Equal(t, "Image is too large. Please select a smaller image.", f.c.Status().Err())

	_, pending := f.tl.PendingAttachment()
	assert.False(t, pending)
}

func TestCoordinator_UploadImageSuccessSetsPending(t *testing.T) {
	f := newFixture(t)
	f.up.On("UploadImage", mock.Anything, int64(123), mock.Anything, mock.Anything).
		Return("/uploads/abc.jpg", nil)

	url, err := f.c.UploadImage(context.Background(), []byte{0xFF, 0xD8})
	require.NoError(t, err)
	assert.Equal(t, "/uploads/abc.jpg", url)

	pending, ok := f.tl.PendingAttachment()
	require.True(t, ok)
	assert.Equal(t, "/uploads/abc.jpg", pending)

	f.c.DiscardPendingImage()
	_, ok = f.tl.PendingAttachment()
	assert.False(t, ok)
}

func TestCoordinator_ReconnectCreatesFreshSession(t *testing.T) {
	f := newFixture(t)
	f.api.On("StartSession", mock.Anything, mock.MatchedBy(func(req domain.SessionRequest) bool {
		return req.Category == domain.CategoryBilling
	})).Return(sessionWithID(49), nil).Once()
	f.tr.On("Connect", mock.Anything, int64(49), mock.Anything).Return().Once()
	require.NoError(t, f.c.StartSession(context.Background(), domain.CategoryBilling, "t", "d"))

	// The recorded category rides along on the recovery path.
	f.api.On("StartSession", mock.Anything, mock.MatchedBy(func(req domain.SessionRequest) bool {
		return req.Category == domain.CategoryBilling
	})).Return(sessionWithID(50), nil).Once()
	f.tr.On("Connect", mock.Anything, int64(50), mock.Anything).Return().Once()

	require.NoError(t, f.c.Reconnect(context.Background()))

	id, ok := f.c.SessionID()
	require.True(t, ok)
	assert.Equal(t, int64(50), id)
	f.tr.AssertExpectations(t)
}

func TestCoordinator_ReconnectWithoutSession(t *testing.T) {
	f := newFixture(t)
	err := f.c.Reconnect(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestCoordinator_Backlog(t *testing.T) {
	f := newFixture(t)
	f.api.On("StartSession", mock.Anything, mock.Anything).Return(sessionWithID(49), nil)
	f.tr.On("Connect", mock.Anything, int64(49), mock.Anything).Return()
	require.NoError(t, f.c.StartSession(context.Background(), domain.CategoryGeneral, "t", "d"))

	stored := []domain.Message{{Content: domain.TextContent{Body: "old"}}}
	f.api.On("GetMessages", mock.Anything, int64(49)).Return(stored, nil)

	msgs, err := f.c.Backlog(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "old", msgs[0].Content.Text())
	assert.Zero(t, f.tl.Len(), "backlog fetch must not touch the timeline")
}

func TestCoordinator_BacklogWithoutSession(t *testing.T) {
	f := newFixture(t)
	_, err := f.c.Backlog(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestCoordinator_CloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.tr.On("Disconnect").Return()

	f.c.Close()
	f.c.Close()

	f.tr.AssertNumberOfCalls(t, "Disconnect", 1)
	assert.Equal(t, domain.StateDisconnected, f.c.Status().State())

	err := f.c.StartSession(context.Background(), domain.CategoryGeneral, "t", "d")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, f.c.Reconnect(context.Background()), ErrClosed)
}
