package mesh

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"resqmesh/models"
)

const (
	// SelfOrigin marks messages produced on this device before a device id is known.
	SelfOrigin = "self"

	wireTypeSOS = "sos"
	// keyDigestBytes is the truncated sha256 length used for content keys.
	keyDigestBytes = 16
)

var (
	// ErrMalformedMessage indicates a peer payload that cannot be decoded.
	ErrMalformedMessage = errors.New("mesh: malformed message")
)

// Payload is the relay content: a location sample plus optional distress text.
type Payload struct {
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	// FixTimestamp is the location fix time in unix millis; 0 means location unknown.
	FixTimestamp int64  `json:"fix_ts"`
	CreatedAt    int64  `json:"created_at"`
	Text         string `json:"text,omitempty"`
}

// LocationKnown reports whether the payload carries a real fix.
func (p Payload) LocationKnown() bool {
	return p.FixTimestamp != 0
}

// Message is one unit of relay payload.
type Message struct {
	OriginID          string  `json:"origin_id"`
	Key               string  `json:"key"`
	Payload           Payload `json:"payload"`
	Hops              int     `json:"hops"`
	DeliveredToRemote bool    `json:"delivered_to_remote"`
	// ReceivedFrom is the endpoint that handed us the message; empty for self-originated.
	ReceivedFrom string    `json:"received_from,omitempty"`
	StoredAt     time.Time `json:"stored_at"`
}

// DedupKey returns the (origin, key) identity used to collapse duplicates.
func (m Message) DedupKey() string {
	return m.OriginID + "|" + m.Key
}

// NewSelfMessage builds a self-originated message from a location sample.
// A nil fix produces a "location unknown" payload.
func NewSelfMessage(originID string, fix *models.Fix, text string, now time.Time) Message {
	if originID == "" {
		originID = SelfOrigin
	}
	payload := Payload{
		CreatedAt: now.UnixMilli(),
		Text:      text,
	}
	if fix != nil {
		payload.Latitude = fix.Latitude
		payload.Longitude = fix.Longitude
		payload.FixTimestamp = fix.Timestamp
		if payload.FixTimestamp == 0 {
			payload.FixTimestamp = now.UnixMilli()
		}
	}
	return Message{
		OriginID: originID,
		Key:      ContentKey(payload),
		Payload:  payload,
	}
}

// ContentKey hashes a payload into a stable dedup key.
func ContentKey(p Payload) string {
	var b strings.Builder
	b.WriteString(strconv.FormatFloat(p.Latitude, 'f', -1, 64))
	b.WriteByte(',')
	b.WriteString(strconv.FormatFloat(p.Longitude, 'f', -1, 64))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(p.FixTimestamp, 10))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(p.CreatedAt, 10))
	b.WriteByte('|')
	b.WriteString(p.Text)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:keyDigestBytes])
}

// ParseDedupKey splits a DedupKey back into origin and key.
func ParseDedupKey(dedupKey string) (originID, key string, err error) {
	origin, rest, ok := strings.Cut(dedupKey, "|")
	if !ok || origin == "" || rest == "" {
		return "", "", fmt.Errorf("invalid dedup key %q", dedupKey)
	}
	return origin, rest, nil
}

type wireMessage struct {
	Type     string  `json:"type"`
	OriginID string  `json:"origin"`
	Key      string  `json:"key,omitempty"`
	Hops     int     `json:"hops"`
	Payload  Payload `json:"payload"`
}

// EncodeMessage serializes a message for peer-to-peer relay.
// The hop count on the wire is one more than the stored value.
func EncodeMessage(m Message) ([]byte, error) {
	raw, err := json.Marshal(wireMessage{
		Type:     wireTypeSOS,
		OriginID: m.OriginID,
		Key:      m.Key,
		Hops:     m.Hops + 1,
		Payload:  m.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return raw, nil
}

// DecodeMessage parses a peer payload. A missing key is derived from the content.
func DecodeMessage(raw []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if wire.Type != wireTypeSOS {
		return Message{}, fmt.Errorf("%w: unexpected type %q", ErrMalformedMessage, wire.Type)
	}
	if strings.TrimSpace(wire.OriginID) == "" {
		return Message{}, fmt.Errorf("%w: origin is required", ErrMalformedMessage)
	}
	if strings.Contains(wire.OriginID, "|") {
		return Message{}, fmt.Errorf("%w: origin contains separator", ErrMalformedMessage)
	}
	if wire.Hops < 0 {
		wire.Hops = 0
	}
	key := wire.Key
	if key == "" {
		key = ContentKey(wire.Payload)
	}
	return Message{
		OriginID: wire.OriginID,
		Key:      key,
		Payload:  wire.Payload,
		Hops:     wire.Hops,
	}, nil
}
