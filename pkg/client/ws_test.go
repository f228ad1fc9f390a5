package client

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"securechat/pkg/credentials"
	"securechat/pkg/relay"
	"securechat/pkg/session"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (s *recordingSink) lastCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.counts) == 0 {
		return 0
	}
	return s.counts[len(s.counts)-1]
}

func (s *recordingSink) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

type wsPeer struct {
	client    *Client
	transport *WSTransport
	sink      *recordingSink
	done      chan error
}

func startPeer(t *testing.T, ctx context.Context, url, username string) *wsPeer {
	t.Helper()
	creds, err := credentials.New("room1", username, "pw")
	if err != nil {
		t.Fatalf("credentials.New() error = %v", err)
	}

	p := &wsPeer{
		transport: NewWSTransport(url, WithBackOff(func() backoff.BackOff {
			return backoff.NewConstantBackOff(20 * time.Millisecond)
		})),
		sink: &recordingSink{},
		done: make(chan error, 1),
	}
	p.client = New(creds, p.transport, p.sink, WithSessionOptions(session.WithDeriveFunc(fastDerive)))
	t.Cleanup(p.client.Close)

	go func() { p.done <- p.transport.Run(ctx, p.client) }()
	return p
}

func TestWSTransport_ChatThroughRelay(t *testing.T) {
	ts := httptest.NewServer(relay.NewServer(relay.Config{}).Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := startPeer(t, ctx, url, "alice")
	waitFor(t, "alice to join", func() bool { return alice.sink.lastCount() == 1 })
	bob := startPeer(t, ctx, url, "bob")
	waitFor(t, "bob to join", func() bool { return alice.sink.lastCount() == 2 })

	if _, err := alice.client.SendText(ctx, "hello"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	waitFor(t, "bob to receive", func() bool { return bob.sink.messageCount() == 1 })

	if _, err := bob.client.SendText(ctx, "hi"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	waitFor(t, "alice to receive", func() bool { return alice.sink.messageCount() == 2 })

	alice.sink.mu.Lock()
	got := alice.sink.messages[1]
	alice.sink.mu.Unlock()
	if got.Text != "hi" || got.From != "bob" || got.Own {
		t.Errorf("alice got %+v", got)
	}

	// Own echo must not render twice
	time.Sleep(50 * time.Millisecond)
	if n := bob.sink.messageCount(); n != 2 {
		t.Errorf("bob messages = %d, want 2", n)
	}

	cancel()
	for _, p := range []*wsPeer{alice, bob} {
		select {
		case err := <-p.done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("Run() error = %v, want %v", err, context.Canceled)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run() did not return after cancel")
		}
	}
}

func TestWSTransport_SendWhileDisconnected(t *testing.T) {
	tr := NewWSTransport("ws://127.0.0.1:1/ws")

	if tr.Connected() {
		t.Error("Connected() = true before Run")
	}
	if err := tr.Send(context.Background(), []byte(`{}`)); !errors.Is(err, ErrTransport) {
		t.Errorf("Send() error = %v, want %v", err, ErrTransport)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestWSTransport_RunStopsWhileRetrying(t *testing.T) {
	tests := []struct {
		name string
		ctx  func() (context.Context, context.CancelFunc)
		want error
	}{
		{
			name: "deadline",
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), 200*time.Millisecond)
			},
			want: context.DeadlineExceeded,
		},
		{
			name: "cancel",
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(100*time.Millisecond, cancel)
				return ctx, cancel
			},
			want: context.Canceled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds, _ := credentials.New("room1", "alice", "pw")
			tr := NewWSTransport("ws://127.0.0.1:1/ws", WithBackOff(func() backoff.BackOff {
				return backoff.NewConstantBackOff(10 * time.Millisecond)
			}))
			c := New(creds, tr, &recordingSink{})
			defer c.Close()

			ctx, cancel := tt.ctx()
			defer cancel()

			err := tr.Run(ctx, c)
			if !errors.Is(err, ErrTransport) {
				t.Errorf("Run() error = %v, want %v", err, ErrTransport)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Run() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestWSTransport_RejoinAfterDrop(t *testing.T) {
	srv := relay.NewServer(relay.Config{})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	var mu sync.Mutex
	var conns []net.Conn
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
		if err == nil {
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
		return conn, err
	}
	dialed := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(conns)
	}

	creds, _ := credentials.New("room1", "alice", "pw")
	sink := &recordingSink{}
	tr := NewWSTransport(url, WithNetDialContext(dial), WithBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(20 * time.Millisecond)
	}))
	c := New(creds, tr, sink, WithSessionOptions(session.WithDeriveFunc(fastDerive)))
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx, c)

	waitFor(t, "join", func() bool { return sink.lastCount() == 1 })
	if _, err := c.SendText(ctx, "before"); err != nil {
		t.Fatalf("SendText() error = %v", err)
	}
	salt := c.Session().Salt()

	mu.Lock()
	conns[0].Close()
	mu.Unlock()

	waitFor(t, "redial", func() bool { return dialed() >= 2 })
	waitFor(t, "rejoin", func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.counts) >= 2 && sink.counts[len(sink.counts)-1] == 1
	})

	sink.mu.Lock()
	notified := false
	for _, s := range sink.system {
		if strings.HasPrefix(s, "Disconnected from server") {
			notified = true
		}
	}
	sink.mu.Unlock()
	if !notified {
		t.Error("no disconnect notice")
	}
	if !bytes.Equal(c.Session().Salt(), salt) {
		t.Error("session salt changed across reconnect")
	}
}
