// Package models defines the core data structures for CorpusPipe.
//
// It includes the message segment model shared by every transport, the learned
// corpus rule, and the inbound message event.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SegmentType identifies the kind of a single message segment.
type SegmentType string

const (
	// SegmentTypeText carries a plain text payload.
	SegmentTypeText SegmentType = "text"
	// SegmentTypeFace carries a platform emoji/face id.
	SegmentTypeFace SegmentType = "face"
	// SegmentTypeImage carries an image reference (remote ref or local path).
	SegmentTypeImage SegmentType = "image"
	// SegmentTypeOther covers every kind the core does not interpret.
	SegmentTypeOther SegmentType = "other"
)

// Base64Prefix marks an image segment whose File holds inlined image bytes.
const Base64Prefix = "base64://"

// SegmentData holds the kind-specific payload of a segment.
type SegmentData struct {
	Text string `json:"text,omitempty"`
	ID   string `json:"id,omitempty"`
	File string `json:"file,omitempty"` // local path or base64:// payload
	URL  string `json:"url,omitempty"`  // transport-specific remote reference
}

// Segment is one typed unit of a chat message.
type Segment struct {
	Type SegmentType `json:"type"`
	Data SegmentData `json:"data"`
	// Raw keeps the platform's own kind name for "other" segments. Logging only.
	Raw string `json:"-"`
}

// Text builds a text segment.
func Text(s string) Segment {
	return Segment{Type: SegmentTypeText, Data: SegmentData{Text: s}}
}

// Face builds a face segment.
func Face(id string) Segment {
	return Segment{Type: SegmentTypeFace, Data: SegmentData{ID: id}}
}

// Sticker face id prefixes. A sticker face references transport media rather
// than an emoji and can only be sent back on the transport that produced it.
const (
	StickerPrefixWhatsApp = "wa-sticker:"
	StickerPrefixMatrix   = "mxc://"
)

// IsStickerFace reports whether a face id is a sticker reference.
func IsStickerFace(id string) bool {
	return strings.HasPrefix(id, StickerPrefixWhatsApp) || strings.HasPrefix(id, StickerPrefixMatrix)
}

// Image builds an image segment pointing at a local file.
func Image(file string) Segment {
	return Segment{Type: SegmentTypeImage, Data: SegmentData{File: file}}
}

// RemoteImage builds an image segment that still has to be downloaded.
func RemoteImage(ref string) Segment {
	return Segment{Type: SegmentTypeImage, Data: SegmentData{URL: ref}}
}

// Equal reports whether two segments are equal for matching purposes.
// Only text bodies and face ids are compared; other kinds match by kind alone.
func (s Segment) Equal(o Segment) bool {
	if s.Type != o.Type {
		return false
	}
	switch s.Type {
	case SegmentTypeText:
		return s.Data.Text == o.Data.Text
	case SegmentTypeFace:
		return s.Data.ID == o.Data.ID
	default:
		return true
	}
}

// IsText reports whether the segment is a text segment with exactly body.
func (s Segment) IsText(body string) bool {
	return s.Type == SegmentTypeText && s.Data.Text == body
}

// Message is an ordered sequence of segments.
type Message []Segment

// Equal reports whether two messages have the same length and pairwise equal segments.
func (m Message) Equal(o Message) bool {
	if len(m) != len(o) {
		return false
	}
	for i := range m {
		if !m[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// First returns the first segment and whether it exists.
func (m Message) First() (Segment, bool) {
	if len(m) == 0 {
		return Segment{}, false
	}
	return m[0], true
}

// Clone returns a copy that can be mutated without touching m.
func (m Message) Clone() Message {
	if m == nil {
		return nil
	}
	out := make(Message, len(m))
	copy(out, m)
	return out
}

// Serialize returns the canonical JSON form of the message. The result is the
// persisted representation and the uniqueness key of a keyword.
func (m Message) Serialize() (string, error) {
	if m == nil {
		m = Message{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("failed to serialize message: %w", err)
	}
	return string(b), nil
}

// MustSerialize is Serialize for messages known to be encodable.
func (m Message) MustSerialize() string {
	s, err := m.Serialize()
	if err != nil {
		panic(err)
	}
	return s
}

// ParseMessage decodes a message produced by Serialize.
func ParseMessage(s string) (Message, error) {
	var m Message
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return m, nil
}

// PlainText renders the message as a single line for logs and previews.
func (m Message) PlainText() string {
	var b strings.Builder
	for _, seg := range m {
		switch seg.Type {
		case SegmentTypeText:
			b.WriteString(seg.Data.Text)
		case SegmentTypeFace:
			b.WriteString("[face:" + seg.Data.ID + "]")
		case SegmentTypeImage:
			b.WriteString("[image]")
		default:
			b.WriteString("[" + string(seg.Type) + "]")
		}
	}
	return b.String()
}
