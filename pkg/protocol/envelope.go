package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformed indicates a payload that is not a JSON envelope object.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownKind indicates a kind tag outside the five known kinds.
	ErrUnknownKind = errors.New("unknown envelope kind")
)

// SystemSender is the sender name used for server-originated envelopes.
const SystemSender = "System"

// Kind tags an envelope with one of the five message variants.
type Kind uint8

const (
	KindChat Kind = iota
	KindJoin
	KindLeave
	KindError
	KindUserCount
)

var kindNames = [...]string{
	KindChat:      "Chat",
	KindJoin:      "Join",
	KindLeave:     "Leave",
	KindError:     "Error",
	KindUserCount: "UserCount",
}

// Kinds lists every kind in declaration order.
func Kinds() []Kind {
	return []Kind{KindChat, KindJoin, KindLeave, KindError, KindUserCount}
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Valid reports whether k is one of the five known kinds.
func (k Kind) Valid() bool {
	return int(k) < len(kindNames)
}

// Persistent reports whether envelopes of this kind belong in the message history.
func (k Kind) Persistent() bool {
	return k == KindChat || k == KindJoin || k == KindLeave
}

// ParseKind resolves a kind tag. Matching ignores case and underscores so the
// upper-snake tags older browser clients send ("USER_COUNT") are accepted.
// An empty tag is Chat.
func ParseKind(s string) (Kind, error) {
	norm := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", ""))
	if norm == "" {
		return KindChat, nil
	}
	for i, name := range kindNames {
		if strings.ToLower(name) == norm {
			return Kind(i), nil
		}
	}
	return KindChat, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, uint8(k))
	}
	return []byte(kindNames[k]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Envelope is the single payload exchanged over a connection and stored in history.
type Envelope struct {
	Sender    string
	Body      string
	CreatedAt time.Time
	Kind      Kind
	Count     int
}

// wireEnvelope is the JSON shape. Pointers distinguish omitted fields on decode.
type wireEnvelope struct {
	Sender    string  `json:"sender"`
	Body      string  `json:"body"`
	CreatedAt *string `json:"createdAt"`
	Kind      *string `json:"kind"`
	Count     *int    `json:"count"`
}

func newEnvelope(kind Kind, sender, body string) Envelope {
	return Envelope{
		Sender:    sender,
		Body:      body,
		CreatedAt: time.Now().UTC(),
		Kind:      kind,
	}
}

// NewChat builds a chat envelope.
func NewChat(sender, body string) Envelope {
	return newEnvelope(KindChat, sender, body)
}

// NewJoin builds a join announcement for sender.
func NewJoin(sender, body string) Envelope {
	return newEnvelope(KindJoin, sender, body)
}

// NewLeave builds a leave announcement for sender.
func NewLeave(sender, body string) Envelope {
	return newEnvelope(KindLeave, sender, body)
}

// NewError builds a system error envelope.
func NewError(body string) Envelope {
	return newEnvelope(KindError, SystemSender, body)
}

// NewUserCount builds a system envelope carrying the live connection count.
func NewUserCount(count int) Envelope {
	env := newEnvelope(KindUserCount, SystemSender, "")
	env.Count = count
	return env
}

// Normalize enforces the per-kind field rules: UserCount has an empty body,
// every other kind has a zero count.
func (e Envelope) Normalize() Envelope {
	if e.Kind == KindUserCount {
		e.Body = ""
	} else {
		e.Count = 0
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.CreatedAt = e.CreatedAt.UTC()
	return e
}

// MarshalJSON always emits all five fields.
func (e Envelope) MarshalJSON() ([]byte, error) {
	kind, err := e.Kind.MarshalText()
	if err != nil {
		return nil, err
	}
	kindStr := string(kind)
	created := e.CreatedAt.UTC().Format(time.RFC3339Nano)
	count := e.Count
	return json.Marshal(wireEnvelope{
		Sender:    e.Sender,
		Body:      e.Body,
		CreatedAt: &created,
		Kind:      &kindStr,
		Count:     &count,
	})
}

// UnmarshalJSON decodes and normalizes an envelope. Omitted kind defaults to
// Chat and omitted createdAt to the decode time.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: expected JSON object", ErrMalformed)
	}

	var w wireEnvelope
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	out := Envelope{Sender: w.Sender, Body: w.Body}
	if w.Kind != nil {
		kind, err := ParseKind(*w.Kind)
		if err != nil {
			return err
		}
		out.Kind = kind
	}
	if w.Count != nil {
		out.Count = *w.Count
	}
	if w.CreatedAt != nil && *w.CreatedAt != "" {
		ts, err := time.Parse(time.RFC3339Nano, *w.CreatedAt)
		if err != nil {
			return fmt.Errorf("%w: createdAt: %v", ErrMalformed, err)
		}
		// An offset can push the UTC year outside what RFC 3339 can encode.
		if year := ts.UTC().Year(); year < 0 || year > 9999 {
			return fmt.Errorf("%w: createdAt out of range", ErrMalformed)
		}
		out.CreatedAt = ts
	}

	*e = out.Normalize()
	return nil
}

// Encode serializes an envelope to its wire form.
func Encode(e Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire payload into a normalized envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := e.UnmarshalJSON(data); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
