package story

import (
	"context"
	"errors"
	"fmt"

	"github.com/j0lvera/loreweaver/internal/ledger"
)

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrProvider         = errors.New("generation provider unavailable")
	ErrGenerationFormat = errors.New("unparsable generation")
	ErrPermission       = errors.New("permission denied")
	ErrTurnInProgress   = errors.New("turn already in progress")
	ErrSessionClosed    = errors.New("session is closed")
	// ErrIndexConflict means an append did not carry previous max index + 1.
	ErrIndexConflict = errors.New("turn index conflict")
	// ErrCharacterExists is the validation failure for a second character.
	ErrCharacterExists = fmt.Errorf("%w: character already exists", ErrValidation)
)

// Kind names a class of failure that callers present differently.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindProvider          Kind = "provider"
	KindGenerationFormat  Kind = "generation_format"
	KindPermission        Kind = "permission"
	KindBusy              Kind = "busy"
	KindClosed            Kind = "closed"
	KindInternal          Kind = "internal"
)

// Failure is the user-facing classification of an error.
type Failure struct {
	Kind      Kind
	Retryable bool
	Message   string
}

// Classify maps err to a failure class. A nil error classifies as KindInternal.
func Classify(err error) Failure {
	switch {
	case errors.Is(err, ErrValidation):
		return Failure{KindValidation, false, "That input was not valid. Please check it and try again."}
	case errors.Is(err, ErrNotFound):
		return Failure{KindNotFound, false, "Nothing was found for that request."}
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return Failure{KindInsufficientFunds, false, "Your balance is too low to continue the story."}
	case errors.Is(err, ErrProvider), errors.Is(err, context.DeadlineExceeded):
		return Failure{KindProvider, true, "The storyteller is unavailable right now. Please try again shortly."}
	case errors.Is(err, ErrGenerationFormat):
		return Failure{KindGenerationFormat, false, "The storyteller lost the thread. Please try a different choice."}
	case errors.Is(err, ErrPermission):
		return Failure{KindPermission, false, "You are not allowed to do that."}
	case errors.Is(err, ErrTurnInProgress):
		return Failure{KindBusy, true, "Your last choice is still being written. Please wait."}
	case errors.Is(err, ErrSessionClosed):
		return Failure{KindClosed, false, "This adventure has ended. Start a new one with /start."}
	case errors.Is(err, ErrIndexConflict):
		return Failure{KindInternal, true, "The story changed while you were choosing. Please try again."}
	}
	return Failure{KindInternal, false, "Something went wrong. Please try again later."}
}
