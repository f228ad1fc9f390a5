// Package protocol defines the frames exchanged between SecureChat clients and
// the relay, and the encrypted message envelope carried inside them.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"securechat/pkg/crypto"
)

// Frame types
const (
	TypeJoin      = "join"
	TypeMessage   = "message"
	TypeDelete    = "delete"
	TypeTyping    = "typing"
	TypeSystem    = "system"
	TypeUserCount = "userCount"
	TypeError     = "error"
)

// ErrProtocolDecode marks a malformed frame. The frame is dropped and the
// session continues.
var ErrProtocolDecode = errors.New("protocol decode error")

// Header holds the routing fields common to client frames.
type Header struct {
	Type     string `json:"type"`
	Room     string `json:"room,omitempty"`
	ID       string `json:"id,omitempty"`
	From     string `json:"from,omitempty"`
	Username string `json:"username,omitempty"`
}

// JoinFrame asks the relay to add the connection to a room.
type JoinFrame struct {
	Type     string `json:"type"`
	Room     string `json:"room"`
	Username string `json:"username"`
}

// Envelope is an encrypted chat message as it travels through the relay.
type Envelope struct {
	Type      string `json:"type"`
	Room      string `json:"room"`
	ID        string `json:"id"`
	From      string `json:"from"`
	Salt      Bytes  `json:"salt"`
	IV        Bytes  `json:"iv"`
	Data      Bytes  `json:"data"`
	Timestamp int64  `json:"timestamp"`
	FileName  string `json:"fileName,omitempty"`
	MimeType  string `json:"mimeType,omitempty"`
}

// DeleteFrame removes a message from every member's view.
type DeleteFrame struct {
	Type string `json:"type"`
	Room string `json:"room"`
	ID   string `json:"id"`
}

// TypingFrame signals that a member is composing a message.
type TypingFrame struct {
	Type string `json:"type"`
	Room string `json:"room"`
	From string `json:"from"`
}

// SystemFrame carries a relay notice such as a join or leave.
type SystemFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// UserCountFrame carries the live connection count of a room.
type UserCountFrame struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// ErrorFrame reports a rejected frame back to its sender.
type ErrorFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewJoinFrame creates a join request.
func NewJoinFrame(room, username string) *JoinFrame {
	return &JoinFrame{Type: TypeJoin, Room: room, Username: username}
}

// NewEnvelope creates a text envelope stamped with the current time.
func NewEnvelope(room, id, from string, salt, iv, data []byte) *Envelope {
	return &Envelope{
		Type:      TypeMessage,
		Room:      room,
		ID:        id,
		From:      from,
		Salt:      salt,
		IV:        iv,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewDeleteFrame creates a delete request.
func NewDeleteFrame(room, id string) *DeleteFrame {
	return &DeleteFrame{Type: TypeDelete, Room: room, ID: id}
}

// NewTypingFrame creates a typing notification.
func NewTypingFrame(room, from string) *TypingFrame {
	return &TypingFrame{Type: TypeTyping, Room: room, From: from}
}

// NewSystemFrame creates a system notice.
func NewSystemFrame(text string) *SystemFrame {
	return &SystemFrame{Type: TypeSystem, Text: text}
}

// NewUserCountFrame creates a member count update.
func NewUserCountFrame(count int) *UserCountFrame {
	return &UserCountFrame{Type: TypeUserCount, Count: count}
}

// NewErrorFrame creates an error notice.
func NewErrorFrame(text string) *ErrorFrame {
	return &ErrorFrame{Type: TypeError, Text: text}
}

// MaxIDLength bounds message ids.
const MaxIDLength = 128

// idPattern admits the ids clients generate: msg-<uuid> and msg-<ms>-<base36>.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidID reports whether id is a well-formed message id. Ids end up in
// file names on receivers, so separators and dots are refused.
func ValidID(id string) bool {
	return len(id) <= MaxIDLength && idPattern.MatchString(id)
}

// IsFile reports whether the envelope carries a file rather than text.
func (e *Envelope) IsFile() bool {
	return e.FileName != ""
}

// Validate checks the fields a receiver needs to decrypt and render.
func (e *Envelope) Validate() error {
	switch {
	case e.Room == "":
		return fmt.Errorf("%w: envelope missing room", ErrProtocolDecode)
	case e.ID == "":
		return fmt.Errorf("%w: envelope missing id", ErrProtocolDecode)
	case !ValidID(e.ID):
		return fmt.Errorf("%w: invalid envelope id %q", ErrProtocolDecode, e.ID)
	case e.Data == nil:
		return fmt.Errorf("%w: envelope missing data", ErrProtocolDecode)
	case len(e.IV) != crypto.NonceSize:
		return fmt.Errorf("%w: iv must be %d bytes, got %d", ErrProtocolDecode, crypto.NonceSize, len(e.IV))
	case e.Salt != nil && len(e.Salt) != crypto.SaltSize:
		return fmt.Errorf("%w: salt must be %d bytes, got %d", ErrProtocolDecode, crypto.SaltSize, len(e.Salt))
	}
	return nil
}

// ToJSON marshals the join frame to JSON.
func (f *JoinFrame) ToJSON() ([]byte, error) {
	return json.Marshal(f)
}

// ToJSON marshals the envelope to JSON.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// ToJSON marshals the delete frame to JSON.
func (f *DeleteFrame) ToJSON() ([]byte, error) {
	return json.Marshal(f)
}

// ToJSON marshals the typing frame to JSON.
func (f *TypingFrame) ToJSON() ([]byte, error) {
	return json.Marshal(f)
}

// ToJSON marshals the system frame to JSON.
func (f *SystemFrame) ToJSON() ([]byte, error) {
	return json.Marshal(f)
}

// ToJSON marshals the user count frame to JSON.
func (f *UserCountFrame) ToJSON() ([]byte, error) {
	return json.Marshal(f)
}

// ToJSON marshals the error frame to JSON.
func (f *ErrorFrame) ToJSON() ([]byte, error) {
	return json.Marshal(f)
}

// ParseHeader reads the routing fields of a frame without touching its payload.
func ParseHeader(data []byte) (*Header, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	if h.Type == "" {
		return nil, fmt.Errorf("%w: frame missing type", ErrProtocolDecode)
	}
	return &h, nil
}

// DecodeEnvelope parses and validates a message frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// ParseAsJoin parses JSON data as a JoinFrame.
func ParseAsJoin(data []byte) (*JoinFrame, error) {
	var f JoinFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	if f.Room == "" {
		return nil, fmt.Errorf("%w: join missing room", ErrProtocolDecode)
	}
	return &f, nil
}

// ParseAsDelete parses JSON data as a DeleteFrame.
func ParseAsDelete(data []byte) (*DeleteFrame, error) {
	var f DeleteFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	if f.ID == "" {
		return nil, fmt.Errorf("%w: delete missing id", ErrProtocolDecode)
	}
	if !ValidID(f.ID) {
		return nil, fmt.Errorf("%w: invalid delete id %q", ErrProtocolDecode, f.ID)
	}
	return &f, nil
}

// ParseAsTyping parses JSON data as a TypingFrame.
func ParseAsTyping(data []byte) (*TypingFrame, error) {
	var f TypingFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	return &f, nil
}

// ParseAsSystem parses JSON data as a SystemFrame.
func ParseAsSystem(data []byte) (*SystemFrame, error) {
	var f SystemFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	return &f, nil
}

// ParseAsUserCount parses JSON data as a UserCountFrame.
func ParseAsUserCount(data []byte) (*UserCountFrame, error) {
	var f UserCountFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	return &f, nil
}

// ParseAsError parses JSON data as an ErrorFrame.
func ParseAsError(data []byte) (*ErrorFrame, error) {
	var f ErrorFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocolDecode, err)
	}
	return &f, nil
}
