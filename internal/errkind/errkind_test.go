package errkind

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(KindTransient, base)

	assert.Equal(t, KindTransient, KindOf(err))
	assert.True(t, errors.Is(err, base))
}

func TestKindOf_SurvivesFurtherWrapping(t *testing.T) {
	err := fmt.Errorf("fetching artists: %w", New(KindRateLimited, "429 from upstream"))
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.True(t, IsRetryable(err))
}

func TestKindOf_UnclassifiedIsFatal(t *testing.T) {
	assert.Equal(t, KindFatal, KindOf(errors.New("who am I")))
}

func TestWrap_Nil(t *testing.T) {
	assert.NoError(t, Wrap(KindTransient, nil))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(KindTransient, "x")))
	assert.True(t, IsRetryable(New(KindRateLimited, "x")))
	assert.False(t, IsRetryable(New(KindValidation, "x")))
	assert.False(t, IsRetryable(New(KindNeedsReauth, "x")))
	assert.False(t, IsRetryable(New(KindInvalidState, "x")))
}
