package client

import (
	"context"
	"errors"
	"strings"
	"time"

	"securechat/pkg/crypto"
	"securechat/pkg/protocol"
)

func handleSystem(_ context.Context, c *Client, frame []byte) error {
	f, err := protocol.ParseAsSystem(frame)
	if err != nil {
		return err
	}
	c.sink.System(f.Text)
	return nil
}

func handleUserCount(_ context.Context, c *Client, frame []byte) error {
	f, err := protocol.ParseAsUserCount(frame)
	if err != nil {
		return err
	}
	c.sink.UserCount(f.Count)
	return nil
}

func handleError(_ context.Context, c *Client, frame []byte) error {
	f, err := protocol.ParseAsError(frame)
	if err != nil {
		return err
	}
	c.sink.Error(f.Text)
	return nil
}

func handleMessage(ctx context.Context, c *Client, frame []byte) error {
	env, err := protocol.DecodeEnvelope(frame)
	if err != nil {
		return err
	}
	if env.Room != c.creds.Room {
		return nil
	}

	// Own echoes and re-deliveries are already rendered.
	c.mu.Lock()
	dup := c.seen.Contains(env.ID)
	if !dup {
		c.seen.Add(env.ID, true)
	}
	c.mu.Unlock()
	if dup {
		return nil
	}

	plaintext, err := c.session.Decrypt(ctx, env.Salt, env.IV, env.Data)
	if err != nil {
		if errors.Is(err, crypto.ErrKeyDerivation) {
			return err
		}
		c.log.Warn().Err(err).Str("id", env.ID).Str("from", env.From).Msg("failed to decrypt message")
		c.sink.Undecryptable(env.ID, env.From, err)
		return nil
	}

	msg := &Message{
		ID:        env.ID,
		From:      env.From,
		Timestamp: time.UnixMilli(env.Timestamp),
		Own:       env.From == c.creds.Username,
	}
	if env.IsFile() {
		msg.FileName = env.FileName
		msg.MimeType = env.MimeType
		msg.Data = plaintext
	} else {
		msg.Text = strings.ToValidUTF8(string(plaintext), "�")
	}

	c.sink.Message(msg)
	return nil
}

func handleDelete(_ context.Context, c *Client, frame []byte) error {
	f, err := protocol.ParseAsDelete(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	visible, _ := c.seen.Peek(f.ID)
	if visible {
		c.seen.Add(f.ID, false)
		c.sent.Remove(f.ID)
	}
	c.mu.Unlock()

	if visible {
		c.sink.Delete(f.ID)
	}
	return nil
}

func handleTyping(_ context.Context, c *Client, frame []byte) error {
	f, err := protocol.ParseAsTyping(frame)
	if err != nil {
		return err
	}
	if f.From == "" || f.From == c.creds.Username {
		return nil
	}
	c.sink.Typing(f.From)
	return nil
}
