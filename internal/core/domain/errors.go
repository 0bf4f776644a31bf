package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrSessionNotFound  = errors.New("upload session not found")
	ErrDocumentNotFound = errors.New("document not found")
	ErrObjectNotFound   = errors.New("object not found")
	ErrInvalidState     = errors.New("invalid state")
	ErrIncompleteUpload = errors.New("incomplete upload")
	ErrConflict         = errors.New("conflict")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTemporary        = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// MissingChunkError reports the completeness gate failure of a session.
// Index is the lowest absent chunk index.
type MissingChunkError struct {
	SessionID string
	Index     int
	Missing   int
	Total     int
}

func (e *MissingChunkError) Error() string {
	return fmt.Sprintf("upload %s incomplete: chunk %d missing (%d of %d chunks absent)", e.SessionID, e.Index, e.Missing, e.Total)
}

func (e *MissingChunkError) Is(target error) bool {
	return target == ErrIncompleteUpload
}
