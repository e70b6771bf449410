package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MessageKind tags the payload variant of a message.
type MessageKind string

const (
	KindText   MessageKind = "text"
	KindImage  MessageKind = "image"
	KindFile   MessageKind = "file"
	KindVoice  MessageKind = "voice"
	KindSystem MessageKind = "system"
)

// Payload is the content of a message. The set of implementations is closed.
type Payload interface {
	Kind() MessageKind
	isPayload()
}

type TextPayload struct {
	Text string `json:"text"`
}

type ImagePayload struct {
	URL      string `json:"url"`
	Caption  string `json:"caption,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type FilePayload struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

type VoicePayload struct {
	URL      string        `json:"url"`
	Duration time.Duration `json:"duration"`
	MimeType string        `json:"mime_type,omitempty"`
	Size     int64         `json:"size,omitempty"`
}

// SystemPayload carries engine generated notices such as "Alice joined".
type SystemPayload struct {
	Text string `json:"text"`
}

func (TextPayload) Kind() MessageKind   { return KindText }
func (ImagePayload) Kind() MessageKind  { return KindImage }
func (FilePayload) Kind() MessageKind   { return KindFile }
func (VoicePayload) Kind() MessageKind  { return KindVoice }
func (SystemPayload) Kind() MessageKind { return KindSystem }

func (TextPayload) isPayload()   {}
func (ImagePayload) isPayload()  {}
func (FilePayload) isPayload()   {}
func (VoicePayload) isPayload()  {}
func (SystemPayload) isPayload() {}

var ErrEmptyPayload = errors.New("message payload is empty")

// ValidatePayload checks the kind specific required fields.
func ValidatePayload(p Payload) error {
	switch v := p.(type) {
	case nil:
		return ErrEmptyPayload
	case TextPayload:
		if strings.TrimSpace(v.Text) == "" {
			return ErrEmptyPayload
		}
	case SystemPayload:
		if strings.TrimSpace(v.Text) == "" {
			return ErrEmptyPayload
		}
	case ImagePayload:
		if v.URL == "" {
			return fmt.Errorf("image: %w", ErrEmptyPayload)
		}
	case FilePayload:
		if v.URL == "" || v.Name == "" {
			return fmt.Errorf("file: %w", ErrEmptyPayload)
		}
	case VoicePayload:
		if v.URL == "" {
			return fmt.Errorf("voice: %w", ErrEmptyPayload)
		}
	default:
		return fmt.Errorf("unknown payload %T", p)
	}
	return nil
}

// Preview is the one line text used for chat list summaries and reply snippets.
func Preview(p Payload) string {
	switch v := p.(type) {
	case nil:
		return ""
	case TextPayload:
		return v.Text
	case SystemPayload:
		return v.Text
	case ImagePayload:
		if v.Caption != "" {
			return "📷 " + v.Caption
		}
		return "📷 Photo"
	case FilePayload:
		return "📎 " + v.Name
	case VoicePayload:
		return "🎤 Voice message"
	default:
		return ""
	}
}

// SearchText is the text matched by message search.
func SearchText(p Payload) string {
	switch v := p.(type) {
	case nil:
		return ""
	case TextPayload:
		return v.Text
	case SystemPayload:
		return v.Text
	case ImagePayload:
		return v.Caption
	case FilePayload:
		return v.Name
	case VoicePayload:
		return ""
	default:
		return ""
	}
}

// WithText returns p with its user editable text replaced. Only text and
// image captions are editable.
func WithText(p Payload, text string) (Payload, bool) {
	switch v := p.(type) {
	case TextPayload:
		v.Text = text
		return v, true
	case ImagePayload:
		v.Caption = text
		return v, true
	case FilePayload, VoicePayload, SystemPayload, nil:
		return p, false
	default:
		return p, false
	}
}

func encodePayload(p Payload) (MessageKind, json.RawMessage, error) {
	if p == nil {
		return "", nil, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", nil, err
	}
	return p.Kind(), raw, nil
}

func decodePayload(kind MessageKind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch kind {
	case KindText:
		var p TextPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case KindImage:
		var p ImagePayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case KindFile:
		var p FilePayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case KindVoice:
		var p VoicePayload
		err := json.Unmarshal(raw, &p)
		return p, err
	case KindSystem:
		var p SystemPayload
		err := json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown message kind %q", kind)
	}
}
