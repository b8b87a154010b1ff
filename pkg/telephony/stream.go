package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"github.com/evacare-ai/voicecore/pkg/voice/audio"
)

// packetInterval is the wall-clock spacing between outbound media packets.
// The provider plays 160 μ-law bytes per 20 ms; sending faster overruns its
// jitter buffer.
const packetInterval = 20 * time.Millisecond

// Conn is the websocket surface the stream needs; *websocket.Conn satisfies
// it, tests use an in-memory fake.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Stream wraps one media-stream websocket. Reads happen from a single
// goroutine; writes are serialized by the internal mutex-free design of
// SendMedia being called only from the reverse loop plus the pacer sleep.
type Stream struct {
	conn      Conn
	streamSID string

	// sleep is swapped in tests to avoid real-time pacing.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewStream wraps conn. The stream SID is learned from the start event via
// SetStreamSID.
func NewStream(conn Conn) *Stream {
	return &Stream{conn: conn, sleep: sleepCtx}
}

// SetStreamSID records the provider-assigned stream id from the start event.
func (s *Stream) SetStreamSID(sid string) { s.streamSID = sid }

// StreamSID returns the provider-assigned stream id, empty before start.
func (s *Stream) StreamSID() string { return s.streamSID }

// ReadEvent blocks for the next inbound event and decodes it.
func (s *Stream) ReadEvent() (*Event, error) {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read media stream: %w", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode media stream event: %w", err)
	}
	return &ev, nil
}

// SendMedia writes μ-law audio back to the caller, split into 160-byte
// packets paced at 20 ms each so playback is smooth. Cancelling ctx aborts
// between packets.
func (s *Stream) SendMedia(ctx context.Context, ulaw []byte) error {
	chunks := audio.SplitChunks(ulaw, audio.TelephonyChunkBytes)
	for i, chunk := range chunks {
		frame := outboundMedia{
			Event:     EventMedia,
			StreamSID: s.streamSID,
			Media:     mediaOutbound{Payload: base64.StdEncoding.EncodeToString(chunk)},
		}
		data, err := json.Marshal(frame)
		if err != nil {
			return fmt.Errorf("encode media packet: %w", err)
		}
		if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("send media packet %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 {
			if err := s.sleep(ctx, packetInterval); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes the underlying websocket.
func (s *Stream) Close() error {
	return s.conn.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
