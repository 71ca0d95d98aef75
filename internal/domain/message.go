package domain

import (
	"encoding/json"
)

// MessageContent is the tagged content variant carried by a Message.
// The backend wire format stays flat (content + optional imageUrl/voiceUrl);
// the variant is the in-memory shape.
type MessageContent interface {
	messageContent()
	// Text returns the textual part of the content, empty when none.
	Text() string
}

// TextContent is a plain text message body
type TextContent struct {
	Body string
}

// ImageContent is an uploaded image reference with an optional caption
type ImageContent struct {
	URL     string
	Caption string
}

// VoiceContent is a recorded voice clip reference
type VoiceContent struct {
	URL string
}

func (TextContent) messageContent()  {}
func (ImageContent) messageContent() {}
func (VoiceContent) messageContent() {}

func (c TextContent) Text() string  { return c.Body }
func (c ImageContent) Text() string { return c.Caption }
func (VoiceContent) Text() string   { return "" }

// Message is a single timeline entry. The ID is nil for locally-composed
// messages that the backend has not acknowledged yet.
type Message struct {
	ID          *int64
	ChatSession *ChatSession
	Sender      *User
	Content     MessageContent
	Timestamp   string
}

// wireMessage is the flat JSON shape the backend speaks.
type wireMessage struct {
	ID          *int64       `json:"id,omitempty"`
	ChatSession *ChatSession `json:"chatSession,omitempty"`
	Sender      *User        `json:"sender,omitempty"`
	Content     string       `json:"content"`
	ImageURL    *string      `json:"imageUrl,omitempty"`
	VoiceURL    *string      `json:"voiceUrl,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

// MarshalJSON flattens the content variant into the backend wire format.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:          m.ID,
		ChatSession: m.ChatSession,
		Sender:      m.Sender,
		Timestamp:   m.Timestamp,
	}
	switch c := m.Content.(type) {
	case TextContent:
		w.Content = c.Body
	case ImageContent:
		w.Content = c.Caption
		w.ImageURL = &c.URL
	case VoiceContent:
		w.VoiceURL = &c.URL
	}
	return json.Marshal(w)
}

// UnmarshalJSON rebuilds the content variant from the flat wire format.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.ID = w.ID
	m.ChatSession = w.ChatSession
	m.Sender = w.Sender
	m.Timestamp = w.Timestamp
	m.Content = contentFromWire(w.Content, w.ImageURL, w.VoiceURL)
	return nil
}

func contentFromWire(content string, imageURL, voiceURL *string) MessageContent {
	switch {
	case voiceURL != nil && *voiceURL != "":
		return VoiceContent{URL: *voiceURL}
	case imageURL != nil && *imageURL != "":
		return ImageContent{URL: *imageURL, Caption: content}
	default:
		return TextContent{Body: content}
	}
}

// NewContent builds a content variant from outgoing composer state: text
// plus an optional pending image reference.
func NewContent(text, imageURL string) MessageContent {
	if imageURL != "" {
		return ImageContent{URL: imageURL, Caption: text}
	}
	return TextContent{Body: text}
}

// UploadImageResponse is the body of POST /chat/uploadImage
type UploadImageResponse struct {
	FilePath string `json:"filePath"`
}
