package link

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
)

func TestLinkVersionRoundTrip(t *testing.T) {
	v := LinkVersion{Major: 1, Minor: 2, Security: 3, Archive: 4}
	var buf bytes.Buffer
	require.NoError(t, WriteLinkVersion(&buf, v))
	assert.Equal(t, []byte{1, 2, 3, 4}, buf.Bytes())

	got, err := ReadLinkVersion(&buf)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestCheckLinkVersionAllFourBytesMatter(t *testing.T) {
	base := LinkVersion{Major: 1, Minor: 1, Security: 1, Archive: 1}
	require.NoError(t, CheckLinkVersion(base, base))

	// A mismatch in ANY single byte — including minor and archive,
	// which TransportVersion's comparison ignores — must be rejected.
	cases := []LinkVersion{
		{Major: 2, Minor: 1, Security: 1, Archive: 1},
		{Major: 1, Minor: 2, Security: 1, Archive: 1},
		{Major: 1, Minor: 1, Security: 2, Archive: 1},
		{Major: 1, Minor: 1, Security: 1, Archive: 2},
	}
	for _, remote := range cases {
		err := CheckLinkVersion(base, remote)
		require.Error(t, err, "remote %+v should be rejected", remote)
		assert.Equal(t, sferr.CodeProtocolNotSupported, sferr.GetCode(err))
	}
}

func TestTransportVersionRoundTrip(t *testing.T) {
	v := TransportVersion{Major: 5, Minor: 6, Transport: 7, Circuit: 8}
	var buf bytes.Buffer
	require.NoError(t, WriteTransportVersion(&buf, v))
	got, err := ReadTransportVersion(&buf)
	require.NoError(t, err)
	assert.Equal(t, v, got)
}

func TestAcceptTransportVersionIgnoresMinorAndCircuit(t *testing.T) {
	local := TransportVersion{Major: 1, Minor: 9, Transport: 2, Circuit: 9}

	// minor/circuit differ freely: only major/transport are load-bearing.
	remote := TransportVersion{Major: 1, Minor: 0, Transport: 2, Circuit: 0}
	assert.True(t, AcceptTransportVersion(local, remote))

	remoteWrongMajor := TransportVersion{Major: 2, Minor: 9, Transport: 2, Circuit: 9}
	assert.False(t, AcceptTransportVersion(local, remoteWrongMajor))

	remoteWrongTransport := TransportVersion{Major: 1, Minor: 9, Transport: 3, Circuit: 9}
	assert.False(t, AcceptTransportVersion(local, remoteWrongTransport))
}

func TestTransportReplyRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteTransportReply(&buf, true))
	ok, err := ReadTransportReply(&buf)
	require.NoError(t, err)
	assert.True(t, ok)

	buf.Reset()
	require.NoError(t, WriteTransportReply(&buf, false))
	ok, err = ReadTransportReply(&buf)
	require.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, sferr.CodeWrongProtocolType, sferr.GetCode(err))
}

func TestReadLinkVersionTruncated(t *testing.T) {
	_, err := ReadLinkVersion(bytes.NewReader([]byte{1, 2}))
	require.Error(t, err)
	assert.Equal(t, sferr.CodeBrokenPipe, sferr.GetCode(err))
}
