package auth

import "errors"

// Reason classifies why a request was rejected. Rejections are expected
// user-facing outcomes, carried as typed results so the UI can route to the
// right screen; they are never treated as system faults.
type Reason string

const (
	ReasonUnknownToken      Reason = "unknown_token"
	ReasonAccessExpired     Reason = "access_expired"
	ReasonUsageExpired      Reason = "usage_expired"
	ReasonQuotaExhausted    Reason = "quota_exhausted"
	ReasonImageMismatch     Reason = "image_mismatch"
	ReasonStyleLimitReached Reason = "style_limit_reached"
)

// messages are the human-readable rejection texts shown to end users.
var messages = map[Reason]string{
	ReasonUnknownToken:      "Invalid access token",
	ReasonAccessExpired:     "This token has expired",
	ReasonUsageExpired:      "The creation window for this token has ended",
	ReasonQuotaExhausted:    "This token has reached its maximum number of uses",
	ReasonImageMismatch:     "This token is already bound to a different photo and cannot be used with a new one",
	ReasonStyleLimitReached: "You have reached the style limit; at most 3 distinct styles per token",
}

// Error is a typed rejection returned by the accounting engine.
type Error struct {
	Reason Reason
}

func (e *Error) Error() string {
	return string(e.Reason)
}

// Message returns the user-facing rejection text.
func (e *Error) Message() string {
	if msg, ok := messages[e.Reason]; ok {
		return msg
	}
	return string(e.Reason)
}

func reject(reason Reason) error {
	return &Error{Reason: reason}
}

// ReasonOf extracts the rejection reason from an error, if it is one.
func ReasonOf(err error) (Reason, bool) {
	var rejection *Error
	if errors.As(err, &rejection) {
		return rejection.Reason, true
	}
	return "", false
}

// ErrStoreFault marks a failed persistence step. The operation's durability
// is not confirmed; the caller must retry or alert, never assume success.
var ErrStoreFault = errors.New("token store storage fault")
