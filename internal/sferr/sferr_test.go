package sferr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeString(t *testing.T) {
	cases := []struct {
		code Code
		want string
	}{
		{CodeAddressNotAvailable, "address_not_available"},
		{CodeAddressInUse, "address_in_use"},
		{CodeBrokenPipe, "broken_pipe"},
		{CodeBufferFull, "buffer_full"},
		{CodeNotConnected, "not_connected"},
		{CodeOperationCanceled, "operation_canceled"},
		{CodeProtocolNotSupported, "protocol_not_supported"},
		{CodeDestinationAddressRequired, "destination_address_required"},
		{CodeWrongProtocolType, "wrong_protocol_type"},
		{Code(999), "unknown"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.code.String())
	}
}

func TestNewAndGetCode(t *testing.T) {
	err := New(CodeNotConnected, "no route to %s", "host")
	require.Error(t, err)
	assert.Equal(t, CodeNotConnected, GetCode(err))
	assert.True(t, Is(err, CodeNotConnected))
	assert.False(t, Is(err, CodeBrokenPipe))
	assert.Contains(t, err.Error(), "not_connected")
}

func TestWrapPreservesCode(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(CodeBufferFull, cause)
	require.Error(t, err)
	assert.Equal(t, CodeBufferFull, GetCode(err))
	assert.Contains(t, err.Error(), "boom")
}

func TestWrapNilIsNil(t *testing.T) {
	assert.NoError(t, Wrap(CodeBufferFull, nil))
}

func TestGetCodeOnPlainError(t *testing.T) {
	assert.Equal(t, CodeUnknown, GetCode(errors.New("plain")))
}
