package fieldcodec

import (
	"fmt"

	"orgpass.org/internal/apperr"
)

// DecodeError reports a blob that could not be opened. Callers treat the
// field as unreadable and keep going.
type DecodeError struct {
	Field   string
	Reason  string
	Version uint8
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("fieldcodec: %s: %s", e.Field, e.Reason)
	}
	return "fieldcodec: " + e.Reason
}

// Unwrap makes every DecodeError match apperr.ErrDecode.
func (e *DecodeError) Unwrap() error { return apperr.ErrDecode }
