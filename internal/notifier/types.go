package notifier

import (
	"errors"
	"fmt"
)

// PermanentError marks a delivery failure that retrying cannot fix
// (recipient blocked the bot, chat gone). The dispatcher reacts by
// deactivating the recipient.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent delivery failure: %v", e.Cause)
}

func (e *PermanentError) Unwrap() error { return e.Cause }

// TransientError marks a delivery failure worth retrying on a later cycle
// (flood control, network trouble, Telegram 5xx).
type TransientError struct {
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient delivery failure: %v", e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
