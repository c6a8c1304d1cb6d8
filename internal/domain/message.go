package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

var (
	ErrParse       = errors.New("parse message")
	ErrInvalidData = errors.New("invalid message data")
)

// Kind tags the variant carried by Data.
type Kind uint8

const (
	KindJoin Kind = iota + 1
	KindLeave
	KindText
)

const (
	tagJoin    = "join"
	tagLeave   = "leave"
	tagMessage = "message"
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return tagJoin
	case KindLeave:
		return tagLeave
	case KindText:
		return tagMessage
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Data is the payload of a Message: a join, a leave or a chat text.
// The zero value is not a valid variant.
type Data struct {
	kind    Kind
	content string
}

func Join() Data { return Data{kind: KindJoin} }
func Leave() Data { return Data{kind: KindLeave} }
func Text(content string) Data { return Data{kind: KindText, content: content} }

func (d Data) Kind() Kind { return d.kind }

// Content returns the chat text; empty for join and leave.
func (d Data) Content() string { return d.content }

func (d Data) String() string {
	if d.kind == KindText {
		return fmt.Sprintf("message(%q)", d.content)
	}
	return d.kind.String()
}

// MarshalJSON encodes join/leave as a bare tag and text as {"message": "..."}.
func (d Data) MarshalJSON() ([]byte, error) {
	switch d.kind {
	case KindJoin:
		return json.Marshal(tagJoin)
	case KindLeave:
		return json.Marshal(tagLeave)
	case KindText:
		return json.Marshal(map[string]string{tagMessage: d.content})
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidData, d.kind)
	}
}

func (d *Data) UnmarshalJSON(b []byte) error {
	var tag string
	if err := json.Unmarshal(b, &tag); err == nil {
		switch tag {
		case tagJoin:
			*d = Join()
			return nil
		case tagLeave:
			*d = Leave()
			return nil
		default:
			return fmt.Errorf("unknown variant %q", tag)
		}
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if len(obj) != 1 {
		return fmt.Errorf("data: expected exactly one variant key, got %d", len(obj))
	}
	raw, ok := obj[tagMessage]
	if !ok {
		for k := range obj {
			return fmt.Errorf("unknown variant %q", k)
		}
	}
	var content string
	if err := json.Unmarshal(raw, &content); err != nil {
		return fmt.Errorf("data.message: %w", err)
	}
	*d = Text(content)
	return nil
}

// Message is one relay event scoped to a room.
// Values are immutable once published; compare with ==.
type Message struct {
	Room      RoomName
	Username  string
	Timestamp uint64
	Data      Data
}

// NewMessage stamps the message with the current unix time in seconds.
func NewMessage(room RoomName, username string, data Data) Message {
	return Message{
		Room:      room,
		Username:  username,
		Timestamp: uint64(time.Now().Unix()),
		Data:      data,
	}
}

func NewJoin(room RoomName, username string) Message {
	return NewMessage(room, username, Join())
}

func NewLeave(room RoomName, username string) Message {
	return NewMessage(room, username, Leave())
}

func NewText(room RoomName, username, content string) Message {
	return NewMessage(room, username, Text(content))
}

type wireMessage struct {
	Room      RoomName `json:"room"`
	Username  string   `json:"username"`
	Timestamp uint64   `json:"timestamp"`
	Data      Data     `json:"data"`
}

// wireMessageIn uses pointers so absent and null fields can be told apart from zero values.
type wireMessageIn struct {
	Room      *RoomName `json:"room"`
	Username  *string   `json:"username"`
	Timestamp *uint64   `json:"timestamp"`
	Data      *Data     `json:"data"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireMessage(m))
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var in wireMessageIn
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	switch {
	case in.Room == nil:
		return errors.New("missing field \"room\"")
	case in.Username == nil:
		return errors.New("missing field \"username\"")
	case in.Timestamp == nil:
		return errors.New("missing field \"timestamp\"")
	case in.Data == nil:
		return errors.New("missing field \"data\"")
	}
	*m = Message{
		Room:      *in.Room,
		Username:  *in.Username,
		Timestamp: *in.Timestamp,
		Data:      *in.Data,
	}
	return nil
}

// Parse decodes one wire frame. Every failure wraps ErrParse.
func Parse(text []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(text, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return m, nil
}

// Serialize encodes m into its canonical wire form. Strings must be valid
// UTF-8, otherwise the encoder would substitute U+FFFD and Parse could not
// give m back.
func Serialize(m Message) ([]byte, error) {
	if !utf8.ValidString(string(m.Room)) || !utf8.ValidString(m.Username) || !utf8.ValidString(m.Data.content) {
		return nil, fmt.Errorf("%w: invalid UTF-8", ErrInvalidData)
	}
	return json.Marshal(m)
}
