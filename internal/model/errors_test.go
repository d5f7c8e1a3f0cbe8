package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("verify: %w", NotFound("claim", "c-1"))

	assert.Equal(t, KindNotFound, KindOf(err))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsStorage(err))
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
	assert.False(t, IsKind(nil, KindNotFound))
}

func TestError_Message(t *testing.T) {
	err := NotFound("element", "e-1")
	assert.Equal(t, "NOT_FOUND: element not found (element=e-1)", err.Error())

	cause := errors.New("disk full")
	wrapped := Wrap(KindStorage, cause, "add claim")
	assert.Equal(t, "STORAGE_ERROR: add claim: disk full", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
}

func TestStorage_PassesClassifiedErrorsThrough(t *testing.T) {
	nf := NotFound("session", "s-1")
	assert.Same(t, nf, Storage("get session", nf))

	err := Storage("get session", errors.New("locked"))
	assert.True(t, IsStorage(err))

	assert.NoError(t, Storage("noop", nil))
}
