package frames

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	KindConnected Kind = "connected"
	KindStart     Kind = "start"
	KindMedia     Kind = "media"
	KindStop      Kind = "stop"
	KindMark      Kind = "mark"
	KindDTMF      Kind = "dtmf"
)

// Tag keys shared by log attributes and metric tags.
const (
	MetaSessionID  = "session_id"
	MetaCallSID    = "call_sid"
	MetaTraceID    = "trace_id"
	MetaFromNumber = "from_number"
	MetaComponent  = "component"
)

// ErrMalformed marks a frame that is not a JSON object or has no event discriminator.
var ErrMalformed = errors.New("malformed frame")

type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type StartInfo struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	From             string            `json:"from"`
	Tracks           []string          `json:"tracks"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
	CustomParameters map[string]string `json:"customParameters"`
}

type MediaInfo struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

// Bytes returns the companded audio carried by the frame.
func (m *MediaInfo) Bytes() ([]byte, error) {
	if m == nil || m.Payload == "" {
		return nil, errors.New("empty media payload")
	}
	return base64.StdEncoding.DecodeString(m.Payload)
}

type StopInfo struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
	Reason     string `json:"reason"`
}

type MarkInfo struct {
	Name string `json:"name"`
}

type DTMFInfo struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

// Frame is one inbound message of a call-audio stream.
type Frame struct {
	Kind           Kind       `json:"-"`
	Event          string     `json:"event"`
	AltKind        string     `json:"kind"`
	StreamSID      string     `json:"streamSid"`
	SequenceNumber string     `json:"sequenceNumber"`
	Protocol       string     `json:"protocol"`
	Version        string     `json:"version"`
	Start          *StartInfo `json:"start"`
	Media          *MediaInfo `json:"media"`
	Stop           *StopInfo  `json:"stop"`
	Mark           *MarkInfo  `json:"mark"`
	DTMF           *DTMFInfo  `json:"dtmf"`
}

// Parse decodes one stream message. Twilio uses "event" as the discriminator;
// "kind" is accepted as an alias.
func Parse(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	disc := strings.TrimSpace(f.Event)
	if disc == "" {
		disc = strings.TrimSpace(f.AltKind)
	}
	if disc == "" {
		return Frame{}, fmt.Errorf("%w: missing event field", ErrMalformed)
	}
	f.Kind = Kind(strings.ToLower(disc))
	return f, nil
}

// SessionID returns the stream identifier announced by the frame, if any.
func (f Frame) SessionID() string {
	if f.StreamSID != "" {
		return f.StreamSID
	}
	if f.Start != nil {
		return f.Start.StreamSID
	}
	return ""
}

// TranscriptEvent is the recognizer output for one media frame.
type TranscriptEvent struct {
	SessionID string    `json:"session_id"`
	CallSID   string    `json:"call_sid,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Seq       int64     `json:"seq"`
	IsFinal   bool      `json:"is_final"`
	Text      string    `json:"text"`
	Speaker   []float64 `json:"speaker,omitempty"`
	Time      time.Time `json:"time"`
}

// Meta returns the identifying tags of the event.
func (e TranscriptEvent) Meta() map[string]string {
	meta := map[string]string{MetaSessionID: e.SessionID}
	if e.CallSID != "" {
		meta[MetaCallSID] = e.CallSID
	}
	if e.TraceID != "" {
		meta[MetaTraceID] = e.TraceID
	}
	return meta
}
