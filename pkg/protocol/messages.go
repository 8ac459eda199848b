// ABOUTME: Wire message definitions for the pulse service
// ABOUTME: Outbound config/chunk encoding and inbound message parsing
package protocol

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/vybe-haptics/micpulse-go/pkg/audio/encode"
)

// Message type tags
const (
	TypeConfig = "config"
	TypeChunk  = "chunk"
	TypePulse  = "pulse"
	TypeOK     = "ok"
	TypeError  = "error"
)

// Pulse styles sent by the reference service
const (
	StyleHeavy  = "heavy"
	StyleMedium = "medium"
	StyleLight  = "light"
)

// ConfigMessage is sent once, before any chunk
type ConfigMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
}

// NewConfigMessage builds the config message for a stream
func NewConfigMessage(sampleRate, channels int, clientID string) ConfigMessage {
	return ConfigMessage{
		Type:       TypeConfig,
		SampleRate: sampleRate,
		Channels:   channels,
		ClientID:   clientID,
	}
}

// ChunkMessage carries one frame of little-endian PCM16 as base64
type ChunkMessage struct {
	Type        string `json:"type"`
	PCM16Base64 string `json:"pcm16_base64"`
}

const (
	chunkPrefix = `{"type":"chunk","pcm16_base64":"`
	chunkSuffix = `"}`
)

// AppendChunk appends the JSON chunk message for pcm to dst. Base64 output
// needs no JSON escaping, so the message is assembled directly.
func AppendChunk(dst, pcm []byte) []byte {
	dst = append(dst, chunkPrefix...)
	dst = encode.AppendBase64(dst, pcm)
	return append(dst, chunkSuffix...)
}

// ChunkLen returns the encoded size of a chunk message for n PCM bytes
func ChunkLen(n int) int {
	return len(chunkPrefix) + (n+2)/3*4 + len(chunkSuffix)
}

// PulseMessage is the service's beat notification
type PulseMessage struct {
	Type  string `json:"type"`
	Style string `json:"style"`
	AtMs  int64  `json:"atMs"`
}

// OKMessage acknowledges a config message, echoing the sample rate in use
type OKMessage struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sampleRate"`
}

// ErrorMessage reports a rejected client message
type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Kind classifies an inbound message
type Kind int

const (
	KindUnknown Kind = iota
	KindPulse
	KindAck
	KindError
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindPulse:
		return "pulse"
	case KindAck:
		return "ack"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Pulse is a beat notification from the service
type Pulse struct {
	Style string
	AtMs  int64 // service clock, milliseconds
}

// Ack is the service acknowledgment of the config message
type Ack struct {
	SampleRate int    // echoed sample rate, 0 when absent
	Raw        []byte // full message
}

// Inbound is one parsed message from the service
type Inbound struct {
	Kind  Kind
	Type  string // raw type tag, set for unknown messages too
	Pulse Pulse
	Ack   Ack
	Error string
}

// ParseError describes an inbound message that could not be decoded
type ParseError struct {
	Data string // leading bytes of the message
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed inbound message %q: %v", e.Data, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func newParseError(data []byte, err error) *ParseError {
	const maxData = 64
	if len(data) > maxData {
		data = data[:maxData]
	}
	return &ParseError{Data: string(data), Err: err}
}

// ParseInbound decodes a service message. Unrecognized types are returned
// with KindUnknown and no error.
func ParseInbound(data []byte) (Inbound, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Inbound{}, newParseError(data, err)
	}

	msg := Inbound{Type: envelope.Type}

	switch envelope.Type {
	case TypePulse:
		var p struct {
			Style string      `json:"style"`
			AtMs  json.Number `json:"atMs"`
		}
		if err := json.Unmarshal(data, &p); err != nil {
			return Inbound{}, newParseError(data, err)
		}
		atMs, err := millis(p.AtMs)
		if err != nil {
			return Inbound{}, newParseError(data, err)
		}
		msg.Kind = KindPulse
		msg.Pulse = Pulse{Style: p.Style, AtMs: atMs}

	case TypeOK:
		// Fields are opaque; a malformed sampleRate is ignored
		var a struct {
			SampleRate json.Number `json:"sampleRate"`
		}
		msg.Kind = KindAck
		msg.Ack.Raw = append([]byte(nil), data...)
		if json.Unmarshal(data, &a) == nil {
			if n, err := a.SampleRate.Int64(); err == nil {
				msg.Ack.SampleRate = int(n)
			}
		}

	case TypeError:
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		msg.Kind = KindError
		if json.Unmarshal(data, &e) == nil {
			msg.Error = e.Error
			if msg.Error == "" {
				msg.Error = e.Message
			}
		}

	default:
		msg.Kind = KindUnknown
	}

	return msg, nil
}

// millis converts a JSON number of milliseconds, rounding fractions
func millis(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, fmt.Errorf("invalid atMs %q: %w", n, err)
	}
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold
	if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, fmt.Errorf("atMs %q out of range", n)
	}
	return int64(math.Round(f)), nil
}
