// Package client implements a SecureChat room participant: it encrypts
// outgoing messages under the room session key, and decodes, decrypts and
// dispatches incoming relay frames to a Sink.
//
// Frames are handled by plain functions looked up by frame type, so any
// event loop can drive a Client by calling Handle. WSTransport is the
// WebSocket loop used by the binaries.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"securechat/pkg/credentials"
	"securechat/pkg/crypto"
	"securechat/pkg/protocol"
	"securechat/pkg/session"
)

const (
	// MaxFileSize is the largest file accepted for sending
	MaxFileSize = 10 * 1024 * 1024

	// TypingIdle is how long a typing burst lasts after the last keystroke
	TypingIdle = time.Second

	// OutboxSize bounds frames queued while the transport is down
	OutboxSize = 256

	// HistorySize bounds the message ids remembered for echo suppression,
	// deletes and delete tombstones
	HistorySize = 4096

	defaultMimeType = "application/octet-stream"
)

var (
	// ErrTransport marks a send that failed because the connection is gone.
	ErrTransport = errors.New("transport unavailable")

	ErrFileTooLarge  = fmt.Errorf("file exceeds %d bytes", MaxFileSize)
	ErrNotOwnMessage = errors.New("only own messages can be deleted")
	ErrOutboxFull    = errors.New("outbox full")
)

// Transport delivers frames to the relay.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
}

// Message is a decrypted chat message.
type Message struct {
	ID        string
	From      string
	Text      string
	FileName  string
	MimeType  string
	Data      []byte
	Timestamp time.Time
	Own       bool
}

// IsFile reports whether the message is a file.
func (m *Message) IsFile() bool {
	return m.FileName != ""
}

// Sink receives everything a user interface needs to render.
type Sink interface {
	System(text string)
	UserCount(count int)
	Message(msg *Message)
	Undecryptable(id, from string, err error)
	Delete(id string)
	Typing(from string)
	Error(text string)
}

// HandlerFunc handles one incoming frame of a given type.
type HandlerFunc func(ctx context.Context, c *Client, frame []byte) error

// handlers maps frame types to their handlers.
var handlers = map[string]HandlerFunc{
	protocol.TypeSystem:    handleSystem,
	protocol.TypeUserCount: handleUserCount,
	protocol.TypeMessage:   handleMessage,
	protocol.TypeDelete:    handleDelete,
	protocol.TypeTyping:    handleTyping,
	protocol.TypeError:     handleError,
}

// Client is one participant in one room.
type Client struct {
	creds     *credentials.Credentials
	session   *session.Session
	transport Transport
	sink      Sink
	log       zerolog.Logger
	now       func() time.Time

	sessionOpts []session.Option
	historySize int

	mu          sync.Mutex
	sent        *lru.Cache[string, struct{}]
	seen        *lru.Cache[string, bool] // id -> still visible
	outbox      [][]byte
	typingUntil time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) { c.log = log }
}

// WithSessionOptions passes options to the room session.
func WithSessionOptions(opts ...session.Option) Option {
	return func(c *Client) { c.sessionOpts = append(c.sessionOpts, opts...) }
}

// WithHistorySize sets how many message ids are remembered. The oldest ids
// are forgotten first: they can no longer be deleted, and a re-delivery of
// one is shown again.
func WithHistorySize(n int) Option {
	return func(c *Client) { c.historySize = n }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a client for creds that sends through transport and renders to sink.
func New(creds *credentials.Credentials, transport Transport, sink Sink, opts ...Option) *Client {
	c := &Client{
		creds:     creds,
		transport: transport,
		sink:      sink,
		log:       zerolog.Nop(),
		now:       time.Now,

		historySize: HistorySize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.historySize <= 0 {
		c.historySize = HistorySize
	}
	// New only fails for a non-positive size.
	c.sent, _ = lru.New[string, struct{}](c.historySize)
	c.seen, _ = lru.New[string, bool](c.historySize)
	c.log = c.log.With().Str("room", creds.Room).Str("username", creds.Username).Logger()
	c.session = session.New(creds.Password, append([]session.Option{session.WithLogger(c.log)}, c.sessionOpts...)...)
	return c
}

// Credentials returns the client's credentials.
func (c *Client) Credentials() *credentials.Credentials {
	return c.creds
}

// Session returns the room session.
func (c *Client) Session() *session.Session {
	return c.session
}

// Join announces the client to its room. Transports call it on every
// (re)connect; the session key survives reconnects.
func (c *Client) Join(ctx context.Context) error {
	data, err := protocol.NewJoinFrame(c.creds.Room, c.creds.Username).ToJSON()
	if err != nil {
		return err
	}
	return c.transport.Send(ctx, data)
}

// SendText encrypts and sends a text message. Blank text is ignored.
func (c *Client) SendText(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}

	env, err := c.send(ctx, []byte(text), "", "")
	if err != nil {
		return "", err
	}

	c.sink.Message(&Message{
		ID:        env.ID,
		From:      env.From,
		Text:      text,
		Timestamp: time.UnixMilli(env.Timestamp),
		Own:       true,
	})
	return env.ID, nil
}

// SendFile encrypts and sends a file. Files over MaxFileSize are rejected
// before anything is encrypted or sent.
func (c *Client) SendFile(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	if len(data) > MaxFileSize {
		return "", ErrFileTooLarge
	}
	if name == "" {
		return "", errors.New("file name is required")
	}
	if mimeType == "" {
		mimeType = defaultMimeType
	}

	env, err := c.send(ctx, data, name, mimeType)
	if err != nil {
		return "", err
	}

	c.sink.Message(&Message{
		ID:        env.ID,
		From:      env.From,
		FileName:  name,
		MimeType:  mimeType,
		Data:      data,
		Timestamp: time.UnixMilli(env.Timestamp),
		Own:       true,
	})
	return env.ID, nil
}

// Delete asks every member to remove one of this client's messages.
func (c *Client) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	own := c.sent.Contains(id)
	c.mu.Unlock()
	if !own {
		return ErrNotOwnMessage
	}

	data, err := protocol.NewDeleteFrame(c.creds.Room, id).ToJSON()
	if err != nil {
		return err
	}
	return c.transmit(ctx, data)
}

// Typing notifies the room that the user is typing. Only the first
// keystroke of a burst is sent; a burst ends after TypingIdle without one.
func (c *Client) Typing(ctx context.Context) error {
	now := c.now()

	c.mu.Lock()
	active := now.Before(c.typingUntil)
	c.typingUntil = now.Add(TypingIdle)
	c.mu.Unlock()

	if active {
		return nil
	}

	data, err := protocol.NewTypingFrame(c.creds.Room, c.creds.Username).ToJSON()
	if err != nil {
		return err
	}
	// Typing notices are not worth queueing.
	return c.transport.Send(ctx, data)
}

// Handle processes one frame from the relay. Malformed and undecryptable
// messages are reported and dropped; only a key derivation failure is
// returned, since the session cannot continue after one.
func (c *Client) Handle(ctx context.Context, frame []byte) error {
	header, err := protocol.ParseHeader(frame)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed frame")
		return nil
	}

	handler, ok := handlers[header.Type]
	if !ok {
		c.log.Debug().Str("type", header.Type).Msg("ignoring unknown frame type")
		return nil
	}

	err = handler(ctx, c, frame)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, crypto.ErrKeyDerivation):
		return err
	default:
		c.log.Warn().Err(err).Str("type", header.Type).Msg("frame dropped")
		return nil
	}
}

// Flush sends queued frames in order. It stops at the first transport failure.
func (c *Client) Flush(ctx context.Context) error {
	for {
		c.mu.Lock()
		if len(c.outbox) == 0 {
			c.mu.Unlock()
			return nil
		}
		frame := c.outbox[0]
		c.mu.Unlock()

		if err := c.transport.Send(ctx, frame); err != nil {
			return err
		}

		c.mu.Lock()
		c.outbox = c.outbox[1:]
		c.mu.Unlock()
	}
}

// Pending returns the number of queued frames.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbox)
}

// Close drops the session key.
func (c *Client) Close() {
	c.session.Close()
}

func (c *Client) send(ctx context.Context, plaintext []byte, fileName, mimeType string) (*protocol.Envelope, error) {
	sealed, err := c.session.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}

	env := protocol.NewEnvelope(c.creds.Room, "msg-"+uuid.NewString(), c.creds.Username,
		sealed.Salt, sealed.Nonce, sealed.Ciphertext)
	env.FileName = fileName
	env.MimeType = mimeType

	data, err := env.ToJSON()
	if err != nil {
		return nil, err
	}

	// Registered before sending so the relay echo is recognised.
	c.mu.Lock()
	c.sent.Add(env.ID, struct{}{})
	c.seen.Add(env.ID, true)
	c.mu.Unlock()

	if err := c.transmit(ctx, data); err != nil {
		c.mu.Lock()
		c.sent.Remove(env.ID)
		c.seen.Remove(env.ID)
		c.mu.Unlock()
		return nil, err
	}
	return env, nil
}

// transmit sends a frame, queueing it if the transport is down or earlier
// frames are still queued.
func (c *Client) transmit(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	queued := len(c.outbox) > 0
	if queued {
		err := c.enqueueLocked(frame)
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	err := c.transport.Send(ctx, frame)
	if err == nil || !errors.Is(err, ErrTransport) {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.log.Info().Err(err).Msg("transport down, queueing frame")
	return c.enqueueLocked(frame)
}

func (c *Client) enqueueLocked(frame []byte) error {
	if len(c.outbox) >= OutboxSize {
		return ErrOutboxFull
	}
	c.outbox = append(c.outbox, frame)
	return nil
}
