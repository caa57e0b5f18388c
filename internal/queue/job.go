package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrUnknownKind means a producer and a worker disagree about the set of job
// kinds. Jobs failing with it are never retried.
var ErrUnknownKind = errors.New("unknown job kind")

type Kind string

const (
	KindWelcome      Kind = "welcome"
	KindOTP          Kind = "otp"
	KindNotification Kind = "notification"
)

type Recipient struct {
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name,omitempty"`
}

// Payload is implemented only by the payload types in this package.
type Payload interface {
	Kind() Kind
	isPayload()
}

type WelcomePayload struct {
	Name string `json:"name"`
}

type OTPPayload struct {
	Code          string `json:"code"`
	ExpiryMinutes int    `json:"expiry_minutes"`
}

type NotificationPayload struct {
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (WelcomePayload) Kind() Kind      { return KindWelcome }
func (OTPPayload) Kind() Kind          { return KindOTP }
func (NotificationPayload) Kind() Kind { return KindNotification }

func (WelcomePayload) isPayload()      {}
func (OTPPayload) isPayload()          {}
func (NotificationPayload) isPayload() {}

// Envelope is the durable description of one notification to send.
type Envelope struct {
	ID         string
	EnqueuedAt time.Time
	Recipient  Recipient
	Payload    Payload
}

func (e Envelope) Kind() Kind {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Kind()
}

type envelopeJSON struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Recipient  Recipient       `json:"recipient"`
	Payload    json.RawMessage `json:"payload"`
}

func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("envelope %s has no payload", e.ID)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeJSON{
		ID:         e.ID,
		Kind:       e.Payload.Kind(),
		EnqueuedAt: e.EnqueuedAt,
		Recipient:  e.Recipient,
		Payload:    payload,
	})
}

func (e *Envelope) UnmarshalJSON(b []byte) error {
	var raw envelopeJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	var payload Payload
	switch raw.Kind {
	case KindWelcome:
		var p WelcomePayload
		if err := decodePayload(raw.Payload, &p); err != nil {
			return fmt.Errorf("welcome payload: %w", err)
		}
		payload = p
	case KindOTP:
		var p OTPPayload
		if err := decodePayload(raw.Payload, &p); err != nil {
			return fmt.Errorf("otp payload: %w", err)
		}
		payload = p
	case KindNotification:
		var p NotificationPayload
		if err := decodePayload(raw.Payload, &p); err != nil {
			return fmt.Errorf("notification payload: %w", err)
		}
		payload = p
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, raw.Kind)
	}

	*e = Envelope{
		ID:         raw.ID,
		EnqueuedAt: raw.EnqueuedAt,
		Recipient:  raw.Recipient,
		Payload:    payload,
	}
	return nil
}

// decodePayload keeps metadata numbers as json.Number so integers larger
// than 2^53 come back unchanged.
func decodePayload(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}

// Job is a claimed envelope together with the lease that protects it.
type Job struct {
	ID          string
	Attempt     int
	MaxAttempts int
	Data        json.RawMessage

	token string
}

func (j *Job) Envelope() (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(j.Data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// LastAttempt reports whether a failure of the current attempt is terminal.
func (j *Job) LastAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

func (s State) String() string {
	return string(s)
}

func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateWaiting, StateDelayed, StateActive, StateCompleted, StateFailed:
		return st, nil
	}
	return "", fmt.Errorf("invalid job state %q", s)
}

// MsToTime converts the millisecond timestamps stored in job hashes.
func MsToTime(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
