package chat

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/supportsync/supportsync-go/internal/domain"
	"github.com/supportsync/supportsync-go/internal/transport"
)

type MockSessionAPI struct {
	mock.Mock
}

func (m *MockSessionAPI) StartSession(ctx context.Context, req domain.SessionRequest) (*domain.ChatSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ChatSession), args.Error(1)
}

func (m *MockSessionAPI) GetMessages(ctx context.Context, sessionID int64) ([]domain.Message, error) {
	args := m.Called(ctx, sessionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Message), args.Error(1)
}

// MockTransport records the handlers handed to Connect so tests can drive
// the callback side, and exposes a settable connection state.
type MockTransport struct {
	mock.Mock

	mu       sync.Mutex
	state    domain.ConnState
	handlers transport.Handlers
}

func (m *MockTransport) Connect(ctx context.Context, sessionID int64, h transport.Handlers) {
	m.mu.Lock()
	m.handlers = h
	m.mu.Unlock()
	m.Called(ctx, sessionID, h)
}

func (m *MockTransport) Send(sessionID, senderID int64, senderName, content, imageURL string) error {
	args := m.Called(sessionID, senderID, senderName, content, imageURL)
	return args.Error(0)
}

func (m *MockTransport) Disconnect() {
	m.Called()
}

func (m *MockTransport) State() domain.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockTransport) setState(s domain.ConnState) {
	m.mu.Lock()
	m.state = s
	h := m.handlers
	m.mu.Unlock()
	if h.OnState != nil {
		h.OnState(s)
	}
}

func (m *MockTransport) fireConnected() {
	m.mu.Lock()
	h := m.handlers
	m.mu.Unlock()
	if h.OnConnected != nil {
		h.OnConnected()
	}
}

func (m *MockTransport) fireMessage(msg domain.Message) {
	m.mu.Lock()
	h := m.handlers
	m.mu.Unlock()
	if h.OnMessage != nil {
		h.OnMessage(msg)
	}
}

func (m *MockTransport) fireError(err error) {
	m.mu.Lock()
	h := m.handlers
	m.mu.Unlock()
	if h.OnError != nil {
		h.OnError(err)
	}
}

type MockUploader struct {
	mock.Mock
}

func (m *MockUploader) UploadImage(ctx context.Context, userID int64, filename string, image []byte) (string, error) {
	args := m.Called(ctx, userID, filename, image)
	return args.String(0), args.Error(1)
}

func sessionWithID(id int64) *domain.ChatSession {
	user := domain.NewCustomer(123, "Alice")
	return &domain.ChatSession{
		ID:        &id,
		User:      &user,
		StartedAt: "2024-05-01T10:00:00Z",
	}
}
