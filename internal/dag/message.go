package dag

import (
	"fmt"

	"github.com/systemshift/fzone/internal/codec"
)

// Header is the first field of every message.
type Header struct {
	// Refs lists the hashes of objects this message references.
	Refs []string `cbor:"r,omitempty"`
}

// SigHeader is the third field of a channel entry.
type SigHeader struct {
	Key  string `cbor:"k"`
	Time int64  `cbor:"t"`
	Sig  []byte `cbor:"s,omitempty"`
}

// Message is the decoded form of an object: [header, body?, sigheader?].
// A message with a SigHeader is a channel entry and always encodes as
// three fields, with a null body when Body is nil.
type Message struct {
	Header    Header
	Body      codec.RawMessage
	SigHeader *SigHeader
}

// IsEntry reports whether m is a signed channel entry.
func (m *Message) IsEntry() bool {
	return m.SigHeader != nil
}

// NewManifest builds the manifest message listing a channel's entries.
func NewManifest(entries []ChannelEntry) *Message {
	refs := make([]string, len(entries))
	for i, e := range entries {
		refs[i] = e.Hash
	}
	return &Message{Header: Header{Refs: refs}}
}

// EncodeMessage returns the canonical bytes of m.
func EncodeMessage(m *Message) ([]byte, error) {
	fields := []any{m.Header}
	switch {
	case m.SigHeader != nil:
		body := m.Body
		if body == nil {
			body = codec.Null
		}
		fields = append(fields, body, m.SigHeader)
	case m.Body != nil:
		fields = append(fields, m.Body)
	}
	data, err := codec.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// DecodeMessage parses object bytes into a Message.
func DecodeMessage(data []byte) (*Message, error) {
	var fields []codec.RawMessage
	if err := codec.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if len(fields) < 1 || len(fields) > 3 {
		return nil, fmt.Errorf("decode message: %d fields, want 1 to 3", len(fields))
	}

	m := &Message{}
	if err := codec.Unmarshal(fields[0], &m.Header); err != nil {
		return nil, fmt.Errorf("decode header: %w", err)
	}
	for _, ref := range m.Header.Refs {
		if !ValidHash(ref) {
			return nil, fmt.Errorf("decode header: invalid ref %q", ref)
		}
	}
	if len(fields) >= 2 {
		m.Body = fields[1]
	}
	if len(fields) == 3 {
		if codec.IsNull(m.Body) {
			m.Body = nil
		}
		var sh SigHeader
		if err := codec.Unmarshal(fields[2], &sh); err != nil {
			return nil, fmt.Errorf("decode sigheader: %w", err)
		}
		if sh.Key == "" {
			return nil, fmt.Errorf("decode sigheader: missing channel key")
		}
		m.SigHeader = &sh
	}
	return m, nil
}
