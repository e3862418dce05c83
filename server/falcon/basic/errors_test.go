package basic

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestEngineErrorKinds(t *testing.T) {
	err := NewError(KindDeadlock, "Transaction.wait", fmt.Errorf("cycle through 7"))
	assert.True(t, errors.Is(err, ErrDeadlock))
	assert.False(t, errors.Is(err, ErrLockWaitTimeout))
	assert.True(t, IsDeadlock(err))
	assert.Contains(t, err.Error(), "Transaction.wait")

	wrapped := errors.Wrap(err, "update Orders[0]")
	assert.True(t, IsDeadlock(wrapped))
	kind, ok := KindOf(wrapped)
	assert.True(t, ok)
	assert.Equal(t, KindDeadlock, kind)

	_, ok = KindOf(fmt.Errorf("plain"))
	assert.False(t, ok)
}

func TestRetryable(t *testing.T) {
	assert.True(t, IsRetryable(ErrConflictingUpdate))
	assert.True(t, IsRetryable(Errorf(KindDeviceFull, "write", "no space")))
	assert.False(t, IsRetryable(ErrCorruption))
	assert.False(t, IsRetryable(nil))
}

func TestPageHeader(t *testing.T) {
	page := make([]byte, MinPageSize)
	InitPage(page, PageData, 42)
	SetPageLogOffset(page, 1<<40)
	assert.Equal(t, PageData, GetPageType(page))
	assert.Equal(t, PageNumber(42), GetPageNumber(page))
	assert.Equal(t, VirtualOffset(1<<40), GetPageLogOffset(page))
	assert.True(t, IsPowerOfTwo(4096))
	assert.False(t, IsPowerOfTwo(4095))
}
