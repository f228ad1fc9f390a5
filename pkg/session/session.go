// Package session holds the per-client room session: the shared salt, the
// key derived from it, and the state machine that bootstraps both.
//
// A session starts in NoKey. The first local send generates the salt; the
// first received envelope carrying a salt supplies it otherwise. Either way
// the key is derived once and then fixed for the lifetime of the session:
// a later envelope with a different salt never replaces it (first seen wins).
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"securechat/pkg/crypto"
)

// State is the key agreement state of a session.
type State int

const (
	// NoKey means neither a salt nor a key has been established.
	NoKey State = iota
	// KeyReady means salt and key are fixed for the session.
	KeyReady
	// Failed means key derivation failed. The session is unusable.
	Failed
	// Closed means the session was torn down.
	Closed
)

func (s State) String() string {
	switch s {
	case NoKey:
		return "no-key"
	case KeyReady:
		return "key-ready"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrNoKey is returned for an envelope without a salt before any key exists.
	ErrNoKey = errors.New("no session key available")

	// ErrSaltMismatch is returned for an envelope whose salt differs from the
	// salt this session settled on.
	ErrSaltMismatch = fmt.Errorf("%w: salt differs from session salt", crypto.ErrAuthentication)

	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("session closed")
)

// DeriveFunc turns the room password and a salt into a key.
type DeriveFunc func(password string, salt []byte) ([]byte, error)

// Sealed is the output of Session.Encrypt.
type Sealed struct {
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// Session is the key state of one client in one room. It is safe for
// concurrent use.
type Session struct {
	password string
	derive   DeriveFunc
	log      zerolog.Logger

	flight singleflight.Group

	mu    sync.RWMutex
	state State
	salt  []byte
	key   *memguard.Enclave
	err   error
}

// Option configures a Session.
type Option func(*Session)

// WithDeriveFunc replaces the key derivation function.
func WithDeriveFunc(fn DeriveFunc) Option {
	return func(s *Session) { s.derive = fn }
}

// WithLogger sets the session logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// New creates a session in the NoKey state for the given room password.
func New(password string, opts ...Option) *Session {
	s := &Session{
		password: password,
		derive:   crypto.DeriveKey,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Salt returns a copy of the session salt, or nil before KeyReady.
func (s *Session) Salt() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return bytes.Clone(s.salt)
}

// Err returns the error that moved the session to Failed or Closed.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// KeyForSend returns the session salt and key, generating the salt and
// deriving the key if this is the first use.
func (s *Session) KeyForSend(ctx context.Context) ([]byte, *memguard.Enclave, error) {
	return s.bootstrap(ctx, nil)
}

// KeyForEnvelope returns the key to open an envelope carrying salt. With no
// key yet, salt is adopted as the session salt. salt may be nil once the
// session is KeyReady.
func (s *Session) KeyForEnvelope(ctx context.Context, salt []byte) (*memguard.Enclave, error) {
	if salt == nil && s.State() == NoKey {
		return nil, ErrNoKey
	}

	current, key, err := s.bootstrap(ctx, salt)
	if err != nil {
		return nil, err
	}

	if salt != nil && !bytes.Equal(salt, current) {
		s.log.Warn().Msg("envelope salt differs from session salt, keeping session key")
		return nil, ErrSaltMismatch
	}
	return key, nil
}

// Encrypt seals plaintext under the session key.
func (s *Session) Encrypt(ctx context.Context, plaintext []byte) (*Sealed, error) {
	salt, key, err := s.KeyForSend(ctx)
	if err != nil {
		return nil, err
	}

	nonce, ciphertext, err := crypto.EncryptSealed(key, plaintext)
	if err != nil {
		return nil, err
	}

	return &Sealed{Salt: salt, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Decrypt opens a ciphertext received with salt and nonce.
func (s *Session) Decrypt(ctx context.Context, salt, nonce, ciphertext []byte) ([]byte, error) {
	key, err := s.KeyForEnvelope(ctx, salt)
	if err != nil {
		return nil, err
	}
	return crypto.DecryptSealed(key, nonce, ciphertext)
}

// Close drops the cached salt and key.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = Closed
	s.salt = nil
	s.key = nil
	s.err = ErrClosed
}

func (s *Session) snapshot() (salt []byte, key *memguard.Enclave, settled bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch s.state {
	case KeyReady:
		return bytes.Clone(s.salt), s.key, true, nil
	case Failed, Closed:
		return nil, nil, true, s.err
	}
	return nil, nil, false, nil
}

// bootstrap drives the NoKey -> KeyReady transition. Concurrent callers
// share a single derivation; the first caller's salt proposal wins.
func (s *Session) bootstrap(ctx context.Context, proposed []byte) ([]byte, *memguard.Enclave, error) {
	if salt, key, settled, err := s.snapshot(); settled {
		return salt, key, err
	}

	proposed = bytes.Clone(proposed)
	ch := s.flight.DoChan("bootstrap", func() (interface{}, error) {
		return nil, s.establish(proposed)
	})

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, nil, res.Err
		}
	}

	salt, key, settled, err := s.snapshot()
	if !settled {
		return nil, nil, ErrNoKey
	}
	return salt, key, err
}

func (s *Session) establish(salt []byte) error {
	if _, _, settled, err := s.snapshot(); settled {
		return err
	}

	origin := "peer"
	if salt == nil {
		origin = "local"
		var err error
		if salt, err = crypto.NewSalt(); err != nil {
			return s.fail(err)
		}
	}

	key, err := s.derive(s.password, salt)
	if err != nil {
		return s.fail(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != NoKey {
		memguard.WipeBytes(key)
		return s.err
	}
	s.salt = salt
	s.key = crypto.SealKey(key)
	s.state = KeyReady

	s.log.Debug().Str("salt_origin", origin).Msg("session key established")
	return nil
}

func (s *Session) fail(err error) error {
	if !errors.Is(err, crypto.ErrKeyDerivation) {
		err = fmt.Errorf("%w: %v", crypto.ErrKeyDerivation, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == NoKey {
		s.state = Failed
		s.err = err
	}
	s.log.Error().Err(err).Msg("session key derivation failed")
	return err
}
