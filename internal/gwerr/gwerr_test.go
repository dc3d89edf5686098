package gwerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moonbridge/moonbridge/internal/gwerr"
)

func TestAsUnwrapsThroughWrappedErrors(t *testing.T) {
	base := gwerr.NotFound("no such file")
	wrapped := fmt.Errorf("opening: %w", base)

	got := gwerr.As(wrapped)
	assert.Equal(t, base, got)
	assert.Equal(t, 404, got.Status)
}

func TestAsSynthesizesInternalForForeignErrors(t *testing.T) {
	got := gwerr.As(errors.New("boom"))
	assert.Equal(t, gwerr.KindInternal, got.Kind)
	assert.Equal(t, 500, got.Status)
}

func TestAsReturnsNilForNil(t *testing.T) {
	assert.Nil(t, gwerr.As(nil))
}

func TestIOWrapsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := gwerr.IO(cause, "writing %s", "file.txt")
	assert.Contains(t, err.Error(), "writing file.txt")
	assert.Contains(t, err.Error(), "disk full")
	assert.ErrorIs(t, err, cause)
}
