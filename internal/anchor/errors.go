package anchor

import "errors"

var (
	ErrConflict            = errors.New("agent already exists")
	ErrNotFound            = errors.New("agent not found")
	ErrUnresolvedPartition = errors.New("partition not found")
	ErrStorageCorrupt      = errors.New("stored records unreadable")
	ErrExternalFactory     = errors.New("host agent factory failed")
	ErrClosed              = errors.New("registry shut down")

	ErrInvalidName     = errors.New("invalid agent name")
	ErrInvalidPosition = errors.New("invalid position")
	ErrInvalidRadius   = errors.New("invalid footprint radius")
)

const (
	CodeConflict            = "E_CONFLICT"
	CodeNotFound            = "E_NOT_FOUND"
	CodeUnresolvedPartition = "E_PARTITION_NOT_FOUND"
	CodeStorageCorrupt      = "E_STORAGE_CORRUPT"
	CodeFactory             = "E_FACTORY"
	CodeClosed              = "E_CLOSED"
	CodeBadRequest          = "E_BAD_REQUEST"
	CodeInternal            = "E_INTERNAL"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrConflict, CodeConflict},
	{ErrNotFound, CodeNotFound},
	{ErrUnresolvedPartition, CodeUnresolvedPartition},
	{ErrStorageCorrupt, CodeStorageCorrupt},
	{ErrExternalFactory, CodeFactory},
	{ErrClosed, CodeClosed},
	{ErrInvalidName, CodeBadRequest},
	{ErrInvalidPosition, CodeBadRequest},
	{ErrInvalidRadius, CodeBadRequest},
}

// Code maps err to the stable code shown to operators. nil maps to "".
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
