package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrMalformed is a payload that cannot be decoded.
	ErrMalformed = errors.New("malformed webhook payload")
	// ErrUnsupported is a well-formed event of a type we do not act on,
	// such as opens and clicks.
	ErrUnsupported = errors.New("unsupported webhook event")
)

// Event is one of Sent, Delivered, Bounced or Complained.
type Event interface {
	MessageID() string
	OccurredAt() time.Time
	isEvent()
}

// Envelope holds the fields every event shares.
type Envelope struct {
	EmailID   string
	To        []string
	CreatedAt time.Time
}

func (e Envelope) MessageID() string     { return e.EmailID }
func (e Envelope) OccurredAt() time.Time { return e.CreatedAt }
func (Envelope) isEvent()                {}

// Sent means the provider accepted the message for delivery.
type Sent struct{ Envelope }

// Delivered means the receiving server accepted the message.
type Delivered struct{ Envelope }

// Bounced is a delivery failure. Hard is decided at parse time.
type Bounced struct {
	Envelope
	Type   string
	Reason string
	Hard   bool
}

// Complained is a spam report from the recipient.
type Complained struct {
	Envelope
	Reason string
}

type rawBounce struct {
	Type    string `json:"type"`
	SubType string `json:"subType"`
	Message string `json:"message"`
}

type rawPayload struct {
	Type      string `json:"type"`
	CreatedAt string `json:"created_at"`
	Data      struct {
		EmailID         string          `json:"email_id"`
		To              json.RawMessage `json:"to"`
		CreatedAt       string          `json:"created_at"`
		BounceReason    string          `json:"bounce_reason"`
		BounceType      string          `json:"bounce_type"`
		ComplaintReason string          `json:"complaint_reason"`
		Bounce          *rawBounce      `json:"bounce"`
	} `json:"data"`
}

// ParseEvent decodes a provider callback body. Event types may be given with
// or without the "email." prefix.
func ParseEvent(body []byte) (Event, error) {
	var raw rawPayload
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if raw.Data.EmailID == "" {
		return nil, fmt.Errorf("%w: data.email_id is required", ErrMalformed)
	}

	env := Envelope{EmailID: raw.Data.EmailID}
	to, err := decodeRecipients(raw.Data.To)
	if err != nil {
		return nil, err
	}
	env.To = to
	env.CreatedAt = parseTime(raw.CreatedAt)
	if env.CreatedAt.IsZero() {
		env.CreatedAt = parseTime(raw.Data.CreatedAt)
	}

	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw.Type)), "email.") {
	case "sent":
		return Sent{env}, nil
	case "delivered":
		return Delivered{env}, nil
	case "bounced":
		b := Bounced{Envelope: env, Type: raw.Data.BounceType, Reason: raw.Data.BounceReason}
		if raw.Data.Bounce != nil {
			if b.Type == "" {
				b.Type = raw.Data.Bounce.Type
			}
			if b.Reason == "" {
				b.Reason = strings.TrimSpace(raw.Data.Bounce.SubType + " " + raw.Data.Bounce.Message)
			}
		}
		b.Hard = IsHardBounce(b.Type, b.Reason)
		return b, nil
	case "complained":
		return Complained{Envelope: env, Reason: raw.Data.ComplaintReason}, nil
	case "":
		return nil, fmt.Errorf("%w: type is required", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, raw.Type)
	}
}

// decodeRecipients accepts either a string or an array of strings.
func decodeRecipients(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, fmt.Errorf("%w: data.to must be a string or list", ErrMalformed)
	}
	return []string{single}, nil
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999-07", "2006-01-02 15:04:05.999999+00"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

var (
	// Enhanced status codes 5.1.x (bad address) and 5.5.x are permanent;
	// 5.2.2 (mailbox full) and 4.x.x are not.
	permanentCode = regexp.MustCompile(`\b(5\.1\.\d{1,3}|5\.5\.\d{1,3}|550|551|553)\b`)
	hardPhrases   = []string{
		"user unknown", "unknown user", "no such user", "does not exist",
		"mailbox not found", "mailbox unavailable", "invalid recipient",
		"recipient address rejected", "address rejected", "undeliverable address",
	}
)

// IsHardBounce decides whether a bounce is permanent. An explicit type wins;
// otherwise the reason text is matched against permanent SMTP codes and
// phrases.
func IsHardBounce(bounceType, reason string) bool {
	switch strings.ToLower(strings.TrimSpace(bounceType)) {
	case "hard", "permanent":
		return true
	case "soft", "transient", "temporary":
		return false
	}
	text := strings.ToLower(reason)
	if permanentCode.MatchString(text) {
		return true
	}
	for _, p := range hardPhrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
