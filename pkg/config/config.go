// Package config loads SecureChat settings from an optional .env file and
// the process environment. Command-line flags override these values.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables
const (
	EnvPort          = "PORT"
	EnvStaticDir     = "SECURECHAT_STATIC_DIR"
	EnvLogLevel      = "SECURECHAT_LOG_LEVEL"
	EnvMaxFrameBytes = "SECURECHAT_MAX_FRAME_BYTES"
	EnvRelayURL      = "SECURECHAT_RELAY_URL"
	EnvRoom          = "SECURECHAT_ROOM"
	EnvUsername      = "SECURECHAT_USERNAME"
	EnvPassword      = "SECURECHAT_PASSWORD"
	EnvProxy         = "SECURECHAT_PROXY"
	EnvDownloadDir   = "SECURECHAT_DOWNLOAD_DIR"
)

const (
	DefaultPort        = "3000"
	DefaultLogLevel    = "info"
	DefaultRelayURL    = "ws://localhost:3000/ws"
	DefaultDownloadDir = "downloads"
)

// Server configures the relay.
type Server struct {
	Port          string
	StaticDir     string
	LogLevel      string
	MaxFrameBytes int64
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return ":" + s.Port
}

// Client configures a chat client.
type Client struct {
	RelayURL    string
	Room        string
	Username    string
	Password    string
	Proxy       string
	LogLevel    string
	DownloadDir string
}

// LoadServer reads relay settings. Missing env files are ignored.
func LoadServer(envFiles ...string) (*Server, error) {
	if err := loadEnv(envFiles); err != nil {
		return nil, err
	}

	maxFrame, err := getInt64(EnvMaxFrameBytes, 0)
	if err != nil {
		return nil, err
	}

	return &Server{
		Port:          getString(EnvPort, DefaultPort),
		StaticDir:     os.Getenv(EnvStaticDir),
		LogLevel:      getString(EnvLogLevel, DefaultLogLevel),
		MaxFrameBytes: maxFrame,
	}, nil
}

// LoadClient reads client settings. Missing env files are ignored.
func LoadClient(envFiles ...string) (*Client, error) {
	if err := loadEnv(envFiles); err != nil {
		return nil, err
	}

	return &Client{
		RelayURL:    getString(EnvRelayURL, DefaultRelayURL),
		Room:        os.Getenv(EnvRoom),
		Username:    os.Getenv(EnvUsername),
		Password:    os.Getenv(EnvPassword),
		Proxy:       os.Getenv(EnvProxy),
		LogLevel:    getString(EnvLogLevel, DefaultLogLevel),
		DownloadDir: getString(EnvDownloadDir, DefaultDownloadDir),
	}, nil
}

func loadEnv(files []string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
