package devserver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/supportsync/supportsync-go/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_CreateSession(t *testing.T) {
	store := newTestStore(t)

	session, err := store.CreateSession(context.Background(), domain.NewCustomer(123, "Alice"), domain.CategoryTechnical)
	require.NoError(t, err)

	require.NotNil(t, session.ID)
	assert.Positive(t, *session.ID)
	require.NotNil(t, session.User)
	assert.Equal(t, "Alice", session.User.Username)
	assert.Equal(t, domain.RoleCustomer, session.User.Role)
	assert.NotEmpty(t, session.StartedAt)
	assert.Nil(t, session.EndedAt)

	second, err := store.CreateSession(context.Background(), domain.NewCustomer(123, "Alice"), domain.CategoryBilling)
	require.NoError(t, err)
	assert.NotEqual(t, *session.ID, *second.ID)
}

func TestStore_AppendAndListMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session, err := store.CreateSession(ctx, domain.NewCustomer(123, "Alice"), domain.CategoryGeneral)
	require.NoError(t, err)
	sessionID := *session.ID

	customer := domain.NewCustomer(123, "Alice")
	agent := domain.User{Username: "Agent Smith", Role: domain.RoleAgent}

	first, err := store.AppendMessage(ctx, sessionID, domain.Message{
		Sender:  &customer,
		Content: domain.TextContent{Body: "hello"},
	})
	require.NoError(t, err)
	require.NotNil(t, first.ID)
	assert.NotEmpty(t, first.Timestamp)

	_, err = store.AppendMessage(ctx, sessionID, domain.Message{
		Sender:  &agent,
		Content: domain.ImageContent{URL: "/uploads/a.jpg", Caption: "see attached"},
	})
	require.NoError(t, err)

	_, err = store.AppendMessage(ctx, sessionID, domain.Message{
		Sender:  &agent,
		Content: domain.VoiceContent{URL: "/uploads/b.ogg"},
	})
	require.NoError(t, err)

	messages, err := store.ListMessages(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	assert.Equal(t, "hello", messages[0].Content.Text())
	assert.Equal(t, domain.RoleCustomer, messages[0].Sender.Role)

	img, ok := messages[1].Content.(domain.ImageContent)
	require.True(t, ok)
	assert.Equal(t, "/uploads/a.jpg", img.URL)
	assert.Equal(t, "see attached", img.Caption)

	voice, ok := messages[2].Content.(domain.VoiceContent)
	require.True(t, ok)
	assert.Equal(t, "/uploads/b.ogg", voice.URL)

	// Identifiers are monotonic, so listing preserves append order.
	assert.Less(t, *messages[0].ID, *messages[1].ID)
	assert.Less(t, *messages[1].ID, *messages[2].ID)
}

func TestStore_ListMessagesEmptySession(t *testing.T) {
	store := newTestStore(t)

	messages, err := store.ListMessages(context.Background(), 999)
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.NotNil(t, messages, "an empty backlog is an empty array, not null")
}
