// Package credentials handles the out-of-band room credentials of a
// SecureChat participant. The password never leaves the client.
package credentials

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	// AnonymousPrefix prefixes generated usernames
	AnonymousPrefix = "anon"

	// Query parameters of a join link
	ParamRoom     = "r"
	ParamUsername = "u"
	ParamPassword = "p"
)

var (
	ErrMissingRoom     = errors.New("room is required")
	ErrMissingPassword = errors.New("room password is required")
)

// Credentials identify a room and hold the shared secret for it. Username
// is an unauthenticated display label.
type Credentials struct {
	Room     string
	Username string
	Password string
}

// New builds credentials, generating an anonymous username if none is given.
func New(room, username, password string) (*Credentials, error) {
	c := &Credentials{
		Room:     strings.TrimSpace(room),
		Username: strings.TrimSpace(username),
		Password: password,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	if c.Username == "" {
		name, err := AnonymousUsername()
		if err != nil {
			return nil, err
		}
		c.Username = name
	}
	return c, nil
}

// FromURL reads credentials from a join link such as
// https://chat.example/chat?r=room&u=alice&p=secret.
func FromURL(raw string) (*Credentials, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid join link: %w", err)
	}
	q := u.Query()
	return New(q.Get(ParamRoom), q.Get(ParamUsername), q.Get(ParamPassword))
}

// Validate checks that the room and password are present.
func (c *Credentials) Validate() error {
	if c.Room == "" {
		return ErrMissingRoom
	}
	if c.Password == "" {
		return ErrMissingPassword
	}
	return nil
}

// JoinURL builds a join link for base, the inverse of FromURL. An empty
// username is left out so whoever opens the link picks their own.
func (c *Credentials) JoinURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	q := u.Query()
	q.Set(ParamRoom, c.Room)
	if c.Username != "" {
		q.Set(ParamUsername, c.Username)
	}
	q.Set(ParamPassword, c.Password)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// String omits the password.
func (c *Credentials) String() string {
	return fmt.Sprintf("%s@%s", c.Username, c.Room)
}

// AnonymousUsername generates a random display label.
// Format: "anon_" + 8 random bytes in hex
func AnonymousUsername() (string, error) {
	b := make([]byte, 8)
	if _, err := cryptorand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate username: %w", err)
	}
	return fmt.Sprintf("%s_%s", AnonymousPrefix, hex.EncodeToString(b)), nil
}
