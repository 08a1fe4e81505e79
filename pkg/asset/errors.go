package asset

import (
	"errors"
	"fmt"
)

var (
	ErrTransientDependency = errors.New("transient dependency failure")
	ErrStorageUnavailable  = fmt.Errorf("storage unavailable: %w", ErrTransientDependency)
	ErrAlreadyExists       = errors.New("already exists")
	ErrPermanentInput      = errors.New("permanent input error")
	ErrConditionFailed     = errors.New("condition failed")
	ErrNotFound            = errors.New("not found")
)

// IsPermanent reports whether redelivering the record that produced err can never succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanentInput)
}

// Transient tags err as a dependency failure so batch consumers redeliver it.
func Transient(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientDependency) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTransientDependency, operation, err)
}
