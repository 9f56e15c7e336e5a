package plugins

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ErrorAndUnwrap(t *testing.T) {
	wrapped := errors.New("boom")
	e := newError("echo", "connect", wrapped)
	assert.Equal(t, `plugin "echo": connect: boom`, e.Error())
	assert.Same(t, wrapped, errors.Unwrap(e))
	assert.True(t, errors.Is(e, wrapped))
}
