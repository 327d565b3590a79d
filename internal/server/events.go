// Package server defines the wire format exchanged with relay sessions: the
// inbound event variants keyed by "action" and the outbound frames.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

// TimestampLayout is the wire format of message timestamps (UTC, second resolution).
const TimestampLayout = "2006-01-02 15:04:05"

// Actions carried in the "action" discriminator.
const (
	ActionLike  = "like"
	ActionError = "error"
)

// Error codes carried in error frames.
const (
	CodeInvalidEvent  = "invalid_event"
	CodeStorageFailed = "storage_failure"
	CodeRateLimited   = "rate_limited"
)

// ErrInvalidEvent marks an inbound payload that cannot be decoded or is
// missing required fields.
var ErrInvalidEvent = errors.New("invalid event")

// MessageID accepts both a JSON number and a numeric JSON string, as browsers
// commonly send ids read from data attributes.
type MessageID int64

// UnmarshalJSON implements json.Unmarshaler.
func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		data = []byte(strings.TrimSpace(s))
	}

	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("message_id: %w", err)
	}
	*id = MessageID(n)
	return nil
}

// LikeEvent asks the relay to add one like to an existing message.
type LikeEvent struct {
	MessageID *MessageID `json:"message_id" validate:"required"`
	Username  string     `json:"username"`
	Group     string     `json:"group"`
}

// SendEvent asks the relay to persist and broadcast a chat message.
// Any action other than "like", including none, is a send.
type SendEvent struct {
	Message  *string `json:"message" validate:"required"`
	Username string  `json:"username" validate:"required"`
	Group    string  `json:"group" validate:"required"`
}

type envelope struct {
	Action string `json:"action"`
}

// ChatFrame is broadcast to every session of a topic after a message is persisted.
type ChatFrame struct {
	Message   string `json:"message"`
	Username  string `json:"username"`
	Timestamp string `json:"timestamp"`
}

// LikeFrame carries the new like count of a message.
type LikeFrame struct {
	Action    string `json:"action"`
	MessageID int64  `json:"message_id"`
	Likes     int64  `json:"likes"`
}

// ErrorFrame tells the sending session that its event was not applied.
type ErrorFrame struct {
	Action string `json:"action"`
	Code   string `json:"code"`
	Error  string `json:"error"`
}

func newChatFrame(message, username string, at time.Time) ChatFrame {
	return ChatFrame{
		Message:   message,
		Username:  username,
		Timestamp: at.UTC().Format(TimestampLayout),
	}
}

var (
	validate = newValidator()
	slugRe   = regexp.MustCompile(`^[-a-zA-Z0-9_]+$`)
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugRe.MatchString(fl.Field().String())
	})
	// Report wire field names rather than Go field names
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidSlug reports whether group is usable as a topic path segment.
func ValidSlug(group string) bool {
	return validate.Var(group, "required,max=100,slug") == nil
}

// DecodeEvent parses one inbound frame into a *LikeEvent or a *SendEvent.
// Errors wrap ErrInvalidEvent.
func DecodeEvent(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	var evt any
	if env.Action == ActionLike {
		evt = &LikeEvent{}
	} else {
		evt = &SendEvent{}
	}

	if err := json.Unmarshal(raw, evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	if err := validate.Struct(evt); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := lo.Map(verrs, func(fe validator.FieldError, _ int) string { return fe.Field() })
			return nil, fmt.Errorf("%w: missing required field(s): %s", ErrInvalidEvent, strings.Join(fields, ", "))
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	return evt, nil
}
