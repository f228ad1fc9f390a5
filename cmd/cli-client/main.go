package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"securechat/pkg/client"
	"securechat/pkg/config"
	"securechat/pkg/credentials"
	"securechat/pkg/crypto"
	"securechat/pkg/tor"
)

var version = "1.0.0"

type options struct {
	envFile     string
	relayURL    string
	room        string
	username    string
	password    string
	joinURL     string
	proxy       string
	onionOnly   bool
	downloadDir string
	logLevel    string
}

func main() {
	memguard.CatchInterrupt()
	defer memguard.Purge()

	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:     "securechat",
		Short:   "End-to-end encrypted room chat in the terminal",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient(opts.envFile)
			if err != nil {
				return err
			}
			applyFlags(cmd, &opts, cfg)
			return run(cmd.Context(), cfg, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.envFile, "env-file", ".env", "optional .env file")
	f.StringVar(&opts.relayURL, "relay", config.DefaultRelayURL, "relay WebSocket URL")
	f.StringVarP(&opts.room, "room", "r", "", "room name")
	f.StringVarP(&opts.username, "username", "u", "", "display name (random if empty)")
	f.StringVarP(&opts.password, "password", "p", "", "room password")
	f.StringVar(&opts.joinURL, "url", "", "join link with r, u and p query parameters")
	f.StringVar(&opts.proxy, "proxy", "", "SOCKS5 proxy, e.g. 127.0.0.1:9050 for Tor")
	f.BoolVar(&opts.onionOnly, "onion-only", false, "refuse relays that are not .onion addresses")
	f.StringVar(&opts.downloadDir, "download-dir", config.DefaultDownloadDir, "where received files are saved")
	f.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	return cmd
}

func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Client) {
	f := cmd.Flags()
	if f.Changed("relay") {
		cfg.RelayURL = opts.relayURL
	}
	if f.Changed("room") {
		cfg.Room = opts.room
	}
	if f.Changed("username") {
		cfg.Username = opts.username
	}
	if f.Changed("password") {
		cfg.Password = opts.password
	}
	if f.Changed("proxy") {
		cfg.Proxy = opts.proxy
	}
	if f.Changed("download-dir") {
		cfg.DownloadDir = opts.downloadDir
	}
	if f.Changed("log-level") || os.Getenv(config.EnvLogLevel) == "" {
		cfg.LogLevel = opts.logLevel
	}
}

func run(ctx context.Context, cfg *config.Client, opts options) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, err := config.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}

	var creds *credentials.Credentials
	if opts.joinURL != "" {
		creds, err = credentials.FromURL(opts.joinURL)
	} else {
		creds, err = credentials.New(cfg.Room, cfg.Username, cfg.Password)
	}
	if err != nil {
		return err
	}

	var wsOpts []client.WSOption
	wsOpts = append(wsOpts, client.WithTransportLogger(log))
	if cfg.Proxy != "" {
		dialer := tor.NewDialer(tor.ProxyURL(cfg.Proxy))
		dialer.OnionOnly = opts.onionOnly
		if !dialer.IsAvailable() {
			return fmt.Errorf("proxy %s is not reachable", cfg.Proxy)
		}
		wsOpts = append(wsOpts, client.WithNetDialContext(dialer.DialContext))
	} else if opts.onionOnly {
		return errors.New("--onion-only requires --proxy")
	}

	term := newTerminal(os.Stdout, cfg.DownloadDir, log)
	transport := client.NewWSTransport(cfg.RelayURL, wsOpts...)
	c := client.New(creds, transport, term, client.WithLogger(log))
	defer c.Close()
	defer transport.Close()

	fmt.Printf("SecureChat v%s\n", version)
	fmt.Printf("Joining %s as %s via %s\n", creds.Room, creds.Username, cfg.RelayURL)
	fmt.Printf("Type /help for commands\n\n")

	chat := &chatSession{client: c, transport: transport, term: term, relayURL: cfg.RelayURL}

	runErr := make(chan error, 1)
	go func() { runErr <- transport.Run(ctx, c) }()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case err := <-runErr:
			if errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, crypto.ErrKeyDerivation) {
				return fmt.Errorf("session key unavailable: %w", err)
			}
			return err
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctx, chat, line); quit {
				fmt.Println("Goodbye!")
				return nil
			}
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// chatSession is what the input loop acts on.
type chatSession struct {
	client    *client.Client
	transport *client.WSTransport
	term      *terminal
	relayURL  string
}

// handleLine runs a command or sends a chat line. It reports whether the
// user asked to quit.
func handleLine(ctx context.Context, chat *chatSession, line string) bool {
	c := chat.client

	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true
	case "/help", "/h", "/?":
		showHelp()
	case "/status", "/s":
		conn := "disconnected"
		if chat.transport.Connected() {
			conn = "connected"
		}
		fmt.Printf("Room %s as %s, %s, %d online, session %s, %d queued\n",
			c.Credentials().Room, c.Credentials().Username, conn, chat.term.Online(), c.Session().State(), c.Pending())
	case "/invite", "/i":
		link, err := inviteLink(chat.relayURL, c.Credentials())
		if err != nil {
			fmt.Printf("Invite error: %v\n", err)
			return false
		}
		fmt.Printf("Share this link privately, it contains the room password:\n  %s\n", link)
	case "/clear", "/cls":
		fmt.Print("\033[H\033[2J")
	case "/file", "/f":
		if arg == "" {
			fmt.Println("Usage: /file <path>")
			return false
		}
		if err := sendFile(ctx, c, arg); err != nil {
			fmt.Printf("File error: %v\n", err)
		}
	case "/delete", "/d":
		if arg == "" {
			fmt.Println("Usage: /delete <message id>")
			return false
		}
		if err := c.Delete(ctx, arg); err != nil {
			fmt.Printf("Delete error: %v\n", err)
		}
	default:
		if strings.HasPrefix(cmd, "/") {
			fmt.Printf("Unknown command %s, type /help\n", cmd)
			return false
		}
		// Line-based input has no keystrokes, so a line counts as one.
		c.Typing(ctx)
		if _, err := c.SendText(ctx, line); err != nil {
			fmt.Printf("Send error: %v\n", err)
		}
	}
	return false
}

func sendFile(ctx context.Context, c *client.Client, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > client.MaxFileSize {
		return client.ErrFileTooLarge
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	name := filepath.Base(path)
	_, err = c.SendFile(ctx, name, mime.TypeByExtension(filepath.Ext(name)), data)
	return err
}

// inviteLink builds a browser join link for the room on the relay's host.
// The username is left out so the invitee chooses their own.
func inviteLink(relayURL string, creds *credentials.Credentials) (string, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("invalid relay URL: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported relay scheme %q", u.Scheme)
	}
	u.Path = "/chat"
	u.RawQuery = ""
	u.Fragment = ""

	invite := &credentials.Credentials{Room: creds.Room, Password: creds.Password}
	return invite.JoinURL(u.String())
}

func showHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /file <path>     send a file (max 10 MB)")
	fmt.Println("  /delete <id>     delete one of your messages for everyone")
	fmt.Println("  /status          show connection, room and session state")
	fmt.Println("  /invite          print a join link for this room")
	fmt.Println("  /clear           clear the screen")
	fmt.Println("  /quit            leave the room")
}
