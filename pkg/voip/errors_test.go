package voip

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorIsByCode(t *testing.T) {
	err := NewError(ErrorCodeNotFound, 7, "нет такого канала")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrInvalidState)

	wrapped := fmt.Errorf("ReleaseChannel: %w", err)
	assert.ErrorIs(t, wrapped, ErrNotFound)
	assert.Equal(t, ErrorCodeNotFound, CodeOf(wrapped))
	assert.Equal(t, ErrorCode(0), CodeOf(io.EOF))
}

func TestErrorMessage(t *testing.T) {
	err := NewError(ErrorCodeQueueFull, 3, "очередь DTMF")
	assert.Equal(t, "[voip:QueueFull] канал 3: очередь DTMF", err.Error())

	cause := errors.New("нет устройства")
	wrapped := WrapError(ErrorCodeDeviceInitFailure, "инициализация", cause)
	assert.Equal(t, "[voip:DeviceInitFailure] инициализация: нет устройства", wrapped.Error())
	assert.ErrorIs(t, wrapped, cause)
	assert.ErrorIs(t, wrapped, ErrDeviceInit)

	var e *Error
	require.True(t, errors.As(wrapped, &e))
	assert.False(t, e.HasID)
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "Closed", ErrorCodeClosed.String())
	assert.Equal(t, "Unknown(1)", ErrorCode(1).String())
}
