package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"securechat/pkg/protocol"
)

const (
	// DefaultMaxFrameBytes fits a 10 MiB file encoded as an integer array.
	DefaultMaxFrameBytes = 48 << 20

	// DefaultSendBuffer is the number of frames queued per member.
	DefaultSendBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	anonymousName = "Anonymous"
)

// Config holds relay server settings.
type Config struct {
	Addr          string
	StaticDir     string
	MaxFrameBytes int64
	SendBuffer    int
	Logger        zerolog.Logger
}

// Server is the relay HTTP server.
type Server struct {
	cfg      Config
	hub      *Hub
	upgrader websocket.Upgrader
	log      zerolog.Logger
	http     *http.Server
}

// NewServer creates a relay server. Zero config fields take defaults.
func NewServer(cfg Config) *Server {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}

	s := &Server{
		cfg: cfg,
		hub: NewHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log: cfg.Logger,
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Hub returns the server's room hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP routes of the relay.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.HandleWebSocket)
	mux.HandleFunc("/health", s.HandleHealth)
	if s.cfg.StaticDir != "" {
		mux.Handle("/", secureHeaders(http.FileServer(http.Dir(s.cfg.StaticDir))))
	}
	return mux
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.cfg.Addr).Msg("relay listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Rooms     int    `json:"rooms"`
}

// HandleHealth reports liveness and the number of active rooms.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(healthResponse{
		Status:    "OK",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Rooms:     s.hub.Rooms(),
	})
}

// HandleWebSocket upgrades a connection and serves its frames until it closes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	m := NewMember("", s.cfg.SendBuffer)
	log := s.log.With().Str("member", m.ID).Logger()
	log.Info().Str("remote", r.RemoteAddr).Msg("user connected")

	go s.writePump(conn, m)
	s.readLoop(conn, m, log)

	m.Close()
	s.disconnect(m, log)
}

func (s *Server) readLoop(conn *websocket.Conn, m *Member, log zerolog.Logger) {
	conn.SetReadLimit(s.cfg.MaxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Msg("websocket read error")
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		s.handleFrame(m, data, log)
	}
}

func (s *Server) writePump(conn *websocket.Conn, m *Member) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame := <-m.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				m.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				m.Close()
				return
			}
		case <-m.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *Server) handleFrame(m *Member, data []byte, log zerolog.Logger) {
	header, err := protocol.ParseHeader(data)
	if err != nil {
		log.Warn().Err(err).Msg("dropping malformed frame")
		s.reject(m, "malformed frame")
		return
	}

	switch header.Type {
	case protocol.TypeJoin:
		s.handleJoin(m, data, log)

	case protocol.TypeMessage:
		if room, ok := s.memberRoom(m, header.Room); ok && s.checkID(m, header, log) {
			log.Info().Str("room", room).Str("from", header.From).Str("id", header.ID).Msg("message")
			s.hub.Broadcast(room, data)
		}

	case protocol.TypeDelete:
		if room, ok := s.memberRoom(m, header.Room); ok && s.checkID(m, header, log) {
			log.Info().Str("room", room).Str("id", header.ID).Msg("delete")
			s.hub.Broadcast(room, data)
		}

	case protocol.TypeTyping:
		if room, ok := s.memberRoom(m, header.Room); ok {
			log.Debug().Str("room", room).Str("from", header.From).Msg("typing")
			s.hub.BroadcastExcept(room, m, data)
		}

	default:
		log.Warn().Str("type", header.Type).Msg("unknown frame type")
		s.reject(m, "unknown frame type: "+header.Type)
	}
}

func (s *Server) handleJoin(m *Member, data []byte, log zerolog.Logger) {
	join, err := protocol.ParseAsJoin(data)
	if err != nil {
		log.Warn().Err(err).Msg("invalid join")
		s.reject(m, "invalid join")
		return
	}

	username := join.Username
	if username == "" {
		username = anonymousName
	}

	previous, count := s.hub.Join(join.Room, m)
	if previous != "" && previous != join.Room {
		s.announceLeave(previous, m.Username)
	}
	m.Username = username

	log.Info().Str("room", join.Room).Str("username", username).Msg("joined room")
	s.broadcastFrame(join.Room, protocol.NewSystemFrame(username+" joined the chat"))
	s.broadcastFrame(join.Room, protocol.NewUserCountFrame(count))
}

func (s *Server) disconnect(m *Member, log zerolog.Logger) {
	room, _ := s.hub.Leave(m)
	log.Info().Str("room", room).Msg("user disconnected")
	if room != "" {
		s.announceLeave(room, m.Username)
	}
}

func (s *Server) announceLeave(room, username string) {
	s.broadcastFrame(room, protocol.NewSystemFrame(username+" left the chat"))
	s.broadcastFrame(room, protocol.NewUserCountFrame(s.hub.Count(room)))
}

// memberRoom resolves the room a frame targets. Frames may only reach the
// room their sender has joined.
func (s *Server) memberRoom(m *Member, room string) (string, bool) {
	joined := s.hub.RoomOf(m)
	if joined == "" {
		s.reject(m, "join a room first")
		return "", false
	}
	if room != "" && room != joined {
		s.reject(m, "not a member of room "+room)
		return "", false
	}
	return joined, true
}

// checkID rejects message and delete frames whose id receivers would refuse.
func (s *Server) checkID(m *Member, header *protocol.Header, log zerolog.Logger) bool {
	if protocol.ValidID(header.ID) {
		return true
	}
	log.Warn().Str("type", header.Type).Msg("dropping frame with invalid id")
	s.reject(m, "invalid message id")
	return false
}

type jsonFrame interface {
	ToJSON() ([]byte, error)
}

func (s *Server) broadcastFrame(room string, f jsonFrame) {
	data, err := f.ToJSON()
	if err != nil {
		s.log.Error().Err(err).Msg("frame encoding failed")
		return
	}
	s.hub.Broadcast(room, data)
}

func (s *Server) reject(m *Member, text string) {
	data, err := protocol.NewErrorFrame(text).ToJSON()
	if err != nil {
		return
	}
	m.Enqueue(data)
}

func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
