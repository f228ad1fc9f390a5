package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func validEnvelope() *Envelope {
	salt := make([]byte, 16)
	iv := make([]byte, 12)
	for i := range salt {
		salt[i] = byte(i)
	}
	return NewEnvelope("r1", "msg-1", "alice", salt, iv, []byte{1, 2, 3})
}

func TestBytes_MarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		in   Bytes
		want string
	}{
		{"nil", nil, "null"},
		{"empty", Bytes{}, "[]"},
		{"values", Bytes{0, 1, 127, 255}, "[0,1,127,255]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := json.Marshal(tt.in)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("Marshal() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestBytes_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Bytes
		wantErr bool
	}{
		{"null", "null", nil, false},
		{"values", "[0, 1, 255]", Bytes{0, 1, 255}, false},
		{"negative", "[-1]", nil, true},
		{"too large", "[256]", nil, true},
		{"fraction", "[1.5]", nil, true},
		{"string", `"AAEC"`, nil, true},
		{"mixed", `[1, "a"]`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Bytes
			err := json.Unmarshal([]byte(tt.in), &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !bytes.Equal(got, tt.want) {
				t.Errorf("Unmarshal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnvelope_WireFormat(t *testing.T) {
	env := validEnvelope()
	data, err := env.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON() error = %v", err)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}

	if parsed["type"] != TypeMessage {
		t.Errorf("JSON type = %v, want %q", parsed["type"], TypeMessage)
	}
	iv, ok := parsed["iv"].([]interface{})
	if !ok || len(iv) != 12 {
		t.Errorf("JSON iv should be a 12 element array: %v", parsed["iv"])
	}
	if _, ok := parsed["data"].([]interface{}); !ok {
		t.Errorf("JSON data should be an array: %v", parsed["data"])
	}
	if _, ok := parsed["fileName"]; ok {
		t.Error("fileName should be omitted for text envelopes")
	}

	// Text envelope sent without a salt carries an explicit null
	env.Salt = nil
	data, _ = env.ToJSON()
	if !strings.Contains(string(data), `"salt":null`) {
		t.Errorf("nil salt should encode as null: %s", data)
	}
}

func TestDecodeEnvelope(t *testing.T) {
	env := validEnvelope()
	env.FileName = "cat.png"
	env.MimeType = "image/png"
	data, _ := env.ToJSON()

	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if got.ID != env.ID || got.From != env.From || got.Room != env.Room {
		t.Errorf("DecodeEnvelope() header = %+v, want %+v", got, env)
	}
	if !bytes.Equal(got.Salt, env.Salt) || !bytes.Equal(got.IV, env.IV) || !bytes.Equal(got.Data, env.Data) {
		t.Error("DecodeEnvelope() byte fields differ")
	}
	if !got.IsFile() || got.MimeType != "image/png" {
		t.Errorf("DecodeEnvelope() file fields = %q %q", got.FileName, got.MimeType)
	}
}

func TestDecodeEnvelope_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(e *Envelope)
	}{
		{"missing room", func(e *Envelope) { e.Room = "" }},
		{"missing id", func(e *Envelope) { e.ID = "" }},
		{"missing data", func(e *Envelope) { e.Data = nil }},
		{"missing iv", func(e *Envelope) { e.IV = nil }},
		{"short iv", func(e *Envelope) { e.IV = make([]byte, 8) }},
		{"long iv", func(e *Envelope) { e.IV = make([]byte, 16) }},
		{"short salt", func(e *Envelope) { e.Salt = make([]byte, 8) }},
		{"id with parent dir", func(e *Envelope) { e.ID = "../escaped/x" }},
		{"id with separator", func(e *Envelope) { e.ID = `msg\1` }},
		{"id dot", func(e *Envelope) { e.ID = "." }},
		{"id too long", func(e *Envelope) { e.ID = strings.Repeat("a", MaxIDLength+1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := validEnvelope()
			tt.mutate(env)
			data, _ := env.ToJSON()

			if _, err := DecodeEnvelope(data); !errors.Is(err, ErrProtocolDecode) {
				t.Errorf("DecodeEnvelope() error = %v, want ErrProtocolDecode", err)
			}
		})
	}

	if _, err := DecodeEnvelope([]byte("not json")); !errors.Is(err, ErrProtocolDecode) {
		t.Errorf("DecodeEnvelope(garbage) error = %v, want ErrProtocolDecode", err)
	}
	if _, err := DecodeEnvelope([]byte(`{"room":"r","id":"x","iv":[300],"data":[1]}`)); !errors.Is(err, ErrProtocolDecode) {
		t.Errorf("DecodeEnvelope(out of range) error = %v, want ErrProtocolDecode", err)
	}
}

func TestDecodeEnvelope_NullSalt(t *testing.T) {
	env := validEnvelope()
	env.Salt = nil
	data, _ := env.ToJSON()

	got, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("DecodeEnvelope() error = %v", err)
	}
	if got.Salt != nil {
		t.Errorf("Salt = %v, want nil", got.Salt)
	}
}

func TestParseHeader(t *testing.T) {
	data, _ := NewTypingFrame("r1", "bob").ToJSON()

	h, err := ParseHeader(data)
	if err != nil {
		t.Fatalf("ParseHeader() error = %v", err)
	}
	if h.Type != TypeTyping || h.Room != "r1" || h.From != "bob" {
		t.Errorf("ParseHeader() = %+v", h)
	}

	if _, err := ParseHeader([]byte(`{"room":"r1"}`)); !errors.Is(err, ErrProtocolDecode) {
		t.Errorf("ParseHeader(no type) error = %v, want ErrProtocolDecode", err)
	}
	if _, err := ParseHeader([]byte(`[`)); !errors.Is(err, ErrProtocolDecode) {
		t.Errorf("ParseHeader(garbage) error = %v, want ErrProtocolDecode", err)
	}
}

func TestParseAsJoin(t *testing.T) {
	data, _ := NewJoinFrame("r1", "alice").ToJSON()
	f, err := ParseAsJoin(data)
	if err != nil {
		t.Fatalf("ParseAsJoin() error = %v", err)
	}
	if f.Room != "r1" || f.Username != "alice" {
		t.Errorf("ParseAsJoin() = %+v", f)
	}

	if _, err := ParseAsJoin([]byte(`{"type":"join","username":"a"}`)); !errors.Is(err, ErrProtocolDecode) {
		t.Errorf("ParseAsJoin(no room) error = %v, want ErrProtocolDecode", err)
	}
}

func TestParseAsDelete(t *testing.T) {
	data, _ := NewDeleteFrame("r1", "msg-1").ToJSON()
	f, err := ParseAsDelete(data)
	if err != nil {
		t.Fatalf("ParseAsDelete() error = %v", err)
	}
	if f.ID != "msg-1" {
		t.Errorf("ID = %q, want 'msg-1'", f.ID)
	}

	if _, err := ParseAsDelete([]byte(`{"type":"delete","room":"r1"}`)); !errors.Is(err, ErrProtocolDecode) {
		t.Errorf("ParseAsDelete(no id) error = %v, want ErrProtocolDecode", err)
	}
	if _, err := ParseAsDelete([]byte(`{"type":"delete","room":"r1","id":"../x"}`)); !errors.Is(err, ErrProtocolDecode) {
		t.Errorf("ParseAsDelete(traversal id) error = %v, want ErrProtocolDecode", err)
	}
}

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"msg-0f8fad5b-d9cb-469f-a165-70867728950e", true},
		{"msg-1700000000000-k3j9x0abc", true},
		{"m1", true},
		{"", false},
		{"..", false},
		{"a/b", false},
		{"a.b", false},
		{"msg-1\x1b[31m", false},
		{strings.Repeat("a", MaxIDLength), true},
		{strings.Repeat("a", MaxIDLength+1), false},
	}
	for _, tt := range tests {
		if got := ValidID(tt.id); got != tt.want {
			t.Errorf("ValidID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestSystemAndCountFrames(t *testing.T) {
	data, _ := NewSystemFrame("alice joined the chat").ToJSON()
	s, err := ParseAsSystem(data)
	if err != nil || s.Text != "alice joined the chat" {
		t.Errorf("ParseAsSystem() = %+v, %v", s, err)
	}

	data, _ = NewUserCountFrame(3).ToJSON()
	c, err := ParseAsUserCount(data)
	if err != nil || c.Count != 3 {
		t.Errorf("ParseAsUserCount() = %+v, %v", c, err)
	}

	data, _ = NewErrorFrame("not in room").ToJSON()
	e, err := ParseAsError(data)
	if err != nil || e.Type != TypeError || e.Text != "not in room" {
		t.Errorf("ParseAsError() = %+v, %v", e, err)
	}
}
