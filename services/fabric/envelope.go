// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fabric defines the envelope that moves through the message bus and
// its compact binary wire form.
//
// An Envelope carries an open payload plus a Focus descriptor telling
// downstream processors what to concentrate on, and a ContextAudit recording
// what each hop did to the payload.
//
// # Thread Safety
//
// Envelopes are not safe for concurrent mutation. The refinement pipeline
// owns an envelope for the duration of a hop.
package fabric

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// ErrInvalidEnvelope is returned when an envelope fails to decode or parse.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// DefaultTTLSeconds is the lifetime of an envelope when none is set.
const DefaultTTLSeconds = 300

// envelopeSignatureSize is the digest length of Envelope.Signature in bytes.
const envelopeSignatureSize = 8

// =============================================================================
// Envelope
// =============================================================================

// Envelope is a routed unit of content moving through the bus.
//
// ID is fixed at construction. The refiner mutates Payload and Context in
// place but never Topic, Source, Destination, Priority or Focus.
type Envelope struct {
	ID            string         `json:"id"`
	Topic         string         `json:"topic"`
	Priority      Priority       `json:"priority"`
	Focus         Focus          `json:"focus"`
	Payload       map[string]any `json:"payload"`
	Context       ContextAudit   `json:"context"`
	Source        string         `json:"source"`
	Destination   string         `json:"destination"`
	Timestamp     time.Time      `json:"timestamp"`
	TTLSeconds    int            `json:"ttl"`
	RequiresAck   bool           `json:"requires_ack"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Compliant     bool           `json:"constitutional_compliance"`
}

// Option configures an Envelope built by NewEnvelope.
type Option func(*Envelope)

// WithPriority sets the envelope priority.
func WithPriority(p Priority) Option {
	return func(e *Envelope) { e.Priority = p }
}

// WithFocus sets the focus descriptor. The context audit follows its mode.
func WithFocus(f Focus) Option {
	return func(e *Envelope) {
		e.Focus = f
		e.Context.FocusMode = f.Mode
	}
}

// WithPayload sets the payload to a normalized copy of p. See
// NormalizePayload for the value types the envelope then carries.
func WithPayload(p map[string]any) Option {
	return func(e *Envelope) { e.Payload = NormalizePayload(p) }
}

// WithSource sets the producing component.
func WithSource(s string) Option {
	return func(e *Envelope) { e.Source = s }
}

// WithDestination sets the intended consumer.
func WithDestination(d string) Option {
	return func(e *Envelope) { e.Destination = d }
}

// WithTTL sets the time-to-live in seconds.
func WithTTL(seconds int) Option {
	return func(e *Envelope) { e.TTLSeconds = seconds }
}

// WithAck marks the envelope as requiring acknowledgment.
func WithAck(required bool) Option {
	return func(e *Envelope) { e.RequiresAck = required }
}

// WithCorrelationID links the envelope to a request or response.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.CorrelationID = id }
}

// WithTimestamp overrides the creation time.
func WithTimestamp(ts time.Time) Option {
	return func(e *Envelope) { e.Timestamp = ts }
}

// NewEnvelope builds an envelope for topic with every default materialized.
//
// # Description
//
// The returned envelope has a fresh 8-character ID, NORMAL priority, an
// extraction-mode Focus, an empty payload, a 300 second TTL and the
// compliance flag set. Options are applied after the defaults.
//
// # Inputs
//
//   - topic: Routing key in area/action[/subtype] form.
//   - opts: Optional overrides.
//
// # Outputs
//
//   - *Envelope: Never nil. Lists and maps are non-nil.
func NewEnvelope(topic string, opts ...Option) *Envelope {
	e := &Envelope{
		ID:         NewID(),
		Topic:      topic,
		Priority:   PriorityNormal,
		Focus:      NewFocus(FocusExtraction),
		Payload:    map[string]any{},
		Context:    NewContextAudit(FocusExtraction),
		Timestamp:  Now(),
		TTLSeconds: DefaultTTLSeconds,
		Compliant:  true,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.Normalize()
	return e
}

// NewID returns an 8-character identifier taken from a random UUID.
func NewID() string {
	return uuid.NewString()[:8]
}

// Normalize restores the never-nil invariants after an envelope was filled
// from an external source such as a JSON request body.
func (e *Envelope) Normalize() {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Priority == 0 {
		e.Priority = PriorityNormal
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = Now()
	}
	e.Focus.normalize()
	e.Context.normalize()
}

// Validate checks the closed-set fields of an envelope.
func (e *Envelope) Validate() error {
	if e.Topic == "" {
		return fmt.Errorf("%w: topic is empty", ErrInvalidEnvelope)
	}
	if !e.Priority.Valid() {
		return fmt.Errorf("%w: priority %d out of range", ErrInvalidEnvelope, int(e.Priority))
	}
	if !e.Focus.Mode.Valid() {
		return fmt.Errorf("%w: unknown focus mode %q", ErrInvalidEnvelope, e.Focus.Mode)
	}
	return nil
}

// IsExpired reports whether now is more than TTLSeconds past the timestamp.
func (e *Envelope) IsExpired(now time.Time) bool {
	return now.Sub(e.Timestamp) > time.Duration(e.TTLSeconds)*time.Second
}

// Signature returns a short keyed BLAKE2b digest over "id:topic:timestamp".
//
// # Description
//
// The digest provides tamper evidence for consumers that share key. The bus
// does not verify it. Keys longer than 64 bytes are first reduced with
// BLAKE2b-256.
//
// # Inputs
//
//   - key: Shared secret. May be empty for an unkeyed digest.
//
// # Outputs
//
//   - string: 16 hex characters.
func (e *Envelope) Signature(key []byte) string {
	if len(key) > blake2b.Size {
		sum := blake2b.Sum256(key)
		key = sum[:]
	}
	h, err := blake2b.New(envelopeSignatureSize, key)
	if err != nil {
		// Unreachable: size and key length are within bounds.
		return ""
	}
	h.Write([]byte(e.ID + ":" + e.Topic + ":" + FormatSeconds(e.Timestamp)))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifySignature compares sig against the envelope's current signature in
// constant time.
func (e *Envelope) VerifySignature(key []byte, sig string) bool {
	want := e.Signature(key)
	return subtle.ConstantTimeCompare([]byte(want), []byte(sig)) == 1
}

// =============================================================================
// Time Helpers
// =============================================================================

// Now returns the current time truncated to the microsecond precision that
// survives the wire encoding.
func Now() time.Time {
	return time.Now().Truncate(time.Microsecond)
}

// UnixSeconds converts t to fractional seconds since the epoch.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromUnixSeconds is the inverse of UnixSeconds at microsecond precision.
func FromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e6))*int64(time.Microsecond))
}

// FormatSeconds renders t as the shortest decimal unix-seconds string.
func FormatSeconds(t time.Time) string {
	return strconv.FormatFloat(UnixSeconds(t), 'f', -1, 64)
}
