package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"securechat/pkg/client"
)

// typingShown is how long a "typing" notice stays valid on the receiving side.
const typingShown = 2 * time.Second

var _ client.Sink = (*terminal)(nil)

// terminal renders client events as lines of text and stores received files.
type terminal struct {
	out         io.Writer
	downloadDir string
	log         zerolog.Logger

	mu     sync.Mutex
	count  int
	typing map[string]time.Time
}

func newTerminal(out io.Writer, downloadDir string, log zerolog.Logger) *terminal {
	return &terminal{
		out:         out,
		downloadDir: downloadDir,
		log:         log,
		typing:      make(map[string]time.Time),
	}
}

// printf writes one line. String and error arguments may come from peers
// and are cleaned; the format itself is trusted.
func (t *terminal) printf(format string, args ...interface{}) {
	for i, arg := range args {
		switch v := arg.(type) {
		case string:
			args[i] = clean(v)
		case error:
			args[i] = clean(v.Error())
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) System(text string) {
	t.printf("* %s\n", text)
}

func (t *terminal) UserCount(count int) {
	t.mu.Lock()
	t.count = count
	t.mu.Unlock()
	t.printf("* %d online\n", count)
}

func (t *terminal) Online() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *terminal) Message(msg *client.Message) {
	t.mu.Lock()
	delete(t.typing, msg.From)
	t.mu.Unlock()

	stamp := msg.Timestamp.Format("15:04")
	from := msg.From
	if msg.Own {
		from = "you"
	}

	if !msg.IsFile() {
		t.printf("[%s] %s: %s  (%s)\n", stamp, from, msg.Text, msg.ID)
		return
	}

	if msg.Own {
		t.printf("[%s] %s sent %s (%d bytes)  (%s)\n", stamp, from, msg.FileName, len(msg.Data), msg.ID)
		return
	}

	path, err := t.save(msg)
	if err != nil {
		t.log.Error().Err(err).Str("file", msg.FileName).Msg("failed to save file")
		t.printf("[%s] %s sent %s, could not save: %v\n", stamp, from, msg.FileName, err)
		return
	}
	t.printf("[%s] %s sent %s (%s, %d bytes) saved to %s  (%s)\n",
		stamp, from, msg.FileName, msg.MimeType, len(msg.Data), path, msg.ID)
}

func (t *terminal) Undecryptable(id, from string, err error) {
	t.printf("[%s] %s: unable to decrypt message\n", id, from)
}

func (t *terminal) Delete(id string) {
	t.printf("* message %s was deleted\n", id)
}

func (t *terminal) Typing(from string) {
	now := time.Now()

	t.mu.Lock()
	last, ok := t.typing[from]
	t.typing[from] = now
	t.mu.Unlock()

	if ok && now.Sub(last) < typingShown {
		return
	}
	t.printf("* %s is typing...\n", from)
}

func (t *terminal) Error(text string) {
	t.printf("! %s\n", text)
}

func (t *terminal) save(msg *client.Message) (string, error) {
	if err := os.MkdirAll(t.downloadDir, 0o700); err != nil {
		return "", err
	}

	path := filepath.Join(t.downloadDir, safeName(msg.ID, "message")+"_"+safeName(msg.FileName, "file"))
	rel, err := filepath.Rel(t.downloadDir, path)
	if err != nil || rel != filepath.Base(path) {
		return "", fmt.Errorf("refusing to write outside %s", t.downloadDir)
	}

	if err := os.WriteFile(path, msg.Data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// safeName reduces a peer-supplied name to a single path element.
func safeName(name, fallback string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" || name == ".." {
		return fallback
	}
	return name
}

// clean strips control characters so peer text cannot drive the terminal.
func clean(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\t':
			return ' '
		case unicode.IsControl(r), r == '\u2028', r == '\u2029':
			return -1
		}
		return r
	}, s)
}
