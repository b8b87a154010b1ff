package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// fakeConn scripts inbound messages and records outbound ones.
type fakeConn struct {
	inbound  [][]byte
	outbound [][]byte
	closed   bool
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	if len(c.inbound) == 0 {
		return 0, nil, context.Canceled
	}
	msg := c.inbound[0]
	c.inbound = c.inbound[1:]
	return 1, msg, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.outbound = append(c.outbound, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestReadEventStart(t *testing.T) {
	conn := &fakeConn{inbound: [][]byte{[]byte(`{
		"event": "start",
		"streamSid": "MZ123",
		"start": {
			"streamSid": "MZ123",
			"callSid": "CA456",
			"customParameters": {"call_id": "call-7"}
		}
	}`)}}
	s := NewStream(conn)

	ev, err := s.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if ev.Event != EventStart || ev.Start == nil {
		t.Fatalf("event = %+v, want start", ev)
	}
	if got := ev.Start.CustomParameters["call_id"]; got != "call-7" {
		t.Errorf("call_id parameter = %q, want call-7", got)
	}
}

func TestReadEventMediaPayload(t *testing.T) {
	raw := []byte{0xff, 0x7f, 0x00, 0x80}
	payload := base64.StdEncoding.EncodeToString(raw)
	conn := &fakeConn{inbound: [][]byte{[]byte(`{
		"event": "media",
		"media": {"payload": "` + payload + `"}
	}`)}}
	s := NewStream(conn)

	ev, err := s.ReadEvent()
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	got, err := ev.Media.DecodePayload()
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if len(got) != len(raw) || got[0] != 0xff || got[3] != 0x80 {
		t.Errorf("payload = %v, want %v", got, raw)
	}
}

// 400 bytes of μ-law go out as three packets (160, 160, 80) with pacing
// sleeps between them, all carrying the stream SID.
func TestSendMediaChunksAndPaces(t *testing.T) {
	conn := &fakeConn{}
	s := NewStream(conn)
	s.SetStreamSID("MZ123")

	var sleeps []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}

	if err := s.SendMedia(context.Background(), make([]byte, 400)); err != nil {
		t.Fatalf("SendMedia: %v", err)
	}
	if len(conn.outbound) != 3 {
		t.Fatalf("packets sent = %d, want 3", len(conn.outbound))
	}
	if len(sleeps) != 2 {
		t.Errorf("pacing sleeps = %d, want 2 (none after final packet)", len(sleeps))
	}

	wantLens := []int{160, 160, 80}
	for i, data := range conn.outbound {
		var frame struct {
			Event     string `json:"event"`
			StreamSID string `json:"streamSid"`
			Media     struct {
				Payload string `json:"payload"`
			} `json:"media"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("packet %d: %v", i, err)
		}
		if frame.Event != EventMedia || frame.StreamSID != "MZ123" {
			t.Errorf("packet %d: event=%q sid=%q", i, frame.Event, frame.StreamSID)
		}
		decoded, _ := base64.StdEncoding.DecodeString(frame.Media.Payload)
		if len(decoded) != wantLens[i] {
			t.Errorf("packet %d length = %d, want %d", i, len(decoded), wantLens[i])
		}
	}
}

func TestSendMediaHonorsCancellation(t *testing.T) {
	conn := &fakeConn{}
	s := NewStream(conn)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.SendMedia(ctx, make([]byte, 480))
	if err == nil {
		t.Fatal("expected cancellation error")
	}
	if len(conn.outbound) != 1 {
		t.Errorf("packets sent after cancel = %d, want 1 (aborts between packets)", len(conn.outbound))
	}
}

func TestTwiMLDocument(t *testing.T) {
	doc := TwiML("wss://voice.example.com/media-stream", "call-7")
	for _, want := range []string{
		"<Connect>",
		`<Stream url="wss://voice.example.com/media-stream">`,
		`<Parameter name="call_id" value="call-7"/>`,
	} {
		if !strings.Contains(doc, want) {
			t.Errorf("document missing %q:\n%s", want, doc)
		}
	}
}
