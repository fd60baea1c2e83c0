package messaging

import (
	"context"
	"sync"

	"github.com/whaleflow/whaleflow/internal/models"
)

// MockService is an in-memory Service implementation for tests. It records
// sends and lets tests inject inbound messages via EmitInbound.
type MockService struct {
	mu        sync.Mutex
	Ready     bool
	SendErr   error
	Texts     []SentText
	Lists     []SentList
	Media     []SentMedia
	receipts  chan models.Receipt
	responses chan models.InboundMessage
}

type SentText struct {
	To   string
	Body string
}

type SentList struct {
	To      string
	Body    string
	Options []models.NodeOption
}

type SentMedia struct {
	To      string
	URL     string
	Caption string
	Kind    models.MediaKind
}

func NewMockService() *MockService {
	return &MockService{
		Ready:     true,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
	}
}

func (m *MockService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

func (m *MockService) SendText(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Texts = append(m.Texts, SentText{To: to, Body: body})
	return nil
}

func (m *MockService) SendList(ctx context.Context, to string, body string, options []models.NodeOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Lists = append(m.Lists, SentList{To: to, Body: body, Options: options})
	return nil
}

func (m *MockService) SendMedia(ctx context.Context, to string, url string, caption string, kind models.MediaKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SendErr != nil {
		return m.SendErr
	}
	m.Media = append(m.Media, SentMedia{To: to, URL: url, Caption: caption, Kind: kind})
	return nil
}

func (m *MockService) IsReady() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Ready
}

func (m *MockService) Start(ctx context.Context) error { return nil }

func (m *MockService) Stop() error { return nil }

func (m *MockService) Receipts() <-chan models.Receipt { return m.receipts }

func (m *MockService) Responses() <-chan models.InboundMessage { return m.responses }

// EmitInbound injects a message as if it arrived from the channel.
func (m *MockService) EmitInbound(msg models.InboundMessage) {
	m.responses <- msg
}
