package docsync

import (
	"errors"
	"fmt"

	"edin/backend/internal/patch"
)

var (
	// 内容访问器当前无法读写
	ErrInvalidState = errors.New("INVALID_STATE")
	ErrRemoved      = errors.New("DOCUMENT_REMOVED")
	ErrClosed       = errors.New("COORDINATOR_CLOSED")
	ErrRejected     = patch.ErrRejected
)

// ApplyError 入站更新无法应用，内容和版本保持不变
type ApplyError struct {
	ID      string
	Version uint64
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply update %s v%d: %v", e.ID, e.Version, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

func invalidState(err error) error {
	return fmt.Errorf("%w: %v", ErrInvalidState, err)
}
