// Package telephony speaks the media-stream protocol of the telephony
// provider: JSON events over a websocket carrying base64 μ-law audio at
// 8 kHz, 160 bytes per 20 ms packet.
package telephony

import (
	"encoding/base64"
	"fmt"
	"html"
)

// Event names on the media stream.
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
)

// Event is one inbound frame from the media stream.
type Event struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSID      string        `json:"streamSid,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
}

// StartPayload announces the stream and carries the custom parameters set in
// the TwiML, which is how the call id reaches the media handler.
type StartPayload struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
}

// MediaPayload carries one packet of base64 μ-law audio.
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// StopPayload closes the stream.
type StopPayload struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

// DecodePayload returns the raw μ-law bytes of a media event.
func (m *MediaPayload) DecodePayload() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode media payload: %w", err)
	}
	return data, nil
}

// outboundMedia is the frame sent back to the provider.
type outboundMedia struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid"`
	Media     mediaOutbound `json:"media"`
}

type mediaOutbound struct {
	Payload string `json:"payload"`
}

// TwiML builds the voice response document that connects the call to the
// media-stream endpoint, passing the call id as a custom parameter.
func TwiML(streamURL, callID string) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
  <Connect>
    <Stream url="%s">
      <Parameter name="call_id" value="%s"/>
    </Stream>
  </Connect>
</Response>`, html.EscapeString(streamURL), html.EscapeString(callID))
}
