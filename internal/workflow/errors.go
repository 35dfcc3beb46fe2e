package workflow

import (
	"errors"

	"github.com/drfirst/go-pod/internal/domain/dispense"
)

var (
	ErrPendingNotFound = errors.New("pending confirmation not found")
	ErrPendingExpired  = errors.New("pending confirmation expired")
	ErrNoOperator      = errors.New("session has no operator")
	ErrInvalidRequest  = errors.New("invalid dispense request")

	ErrRecordNotFound  = dispense.ErrRecordNotFound
	ErrAlreadyCanceled = dispense.ErrAlreadyCanceled
)
