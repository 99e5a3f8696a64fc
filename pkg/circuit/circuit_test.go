package circuit

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	"github.com/securesocketfunneling/ssf-sub002/pkg/address"
)

func stack(addr, port string) address.Stack {
	return address.Stack{{"addr": addr, "port": port}}
}

func TestForwardListMarshalRoundTrip(t *testing.T) {
	fl := ForwardList{stack("relay1", "443"), stack("dest", "8000")}
	body, err := fl.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalForwardList(body)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(fl[0]))
	assert.True(t, got[1].Equal(fl[1]))
}

func TestUnmarshalForwardListMalformed(t *testing.T) {
	_, err := UnmarshalForwardList([]byte("not json"))
	require.Error(t, err)
	assert.Equal(t, sferr.CodeProtocolNotSupported, sferr.GetCode(err))
}

func TestPopHopAppliesDefaults(t *testing.T) {
	fl := ForwardList{
		{{"port": "443"}},            // missing addr, inherited from defaults
		stack("dest.example", "8000"),
	}
	defaults := address.Stack{{"addr": "relay.example", "ca_src": "file"}}

	hop, rest := fl.PopHop(defaults)
	require.Len(t, hop, 1)
	assert.Equal(t, "relay.example", hop[0]["addr"])
	assert.Equal(t, "443", hop[0]["port"])
	assert.Equal(t, "file", hop[0]["ca_src"])
	require.Len(t, rest, 1)
	assert.Equal(t, "dest.example", rest[0][0]["addr"])
}

func TestPopHopOnEmptyList(t *testing.T) {
	var fl ForwardList
	hop, rest := fl.PopHop(nil)
	assert.Nil(t, hop)
	assert.Empty(t, rest)
}

func TestIsTerminus(t *testing.T) {
	assert.True(t, ForwardList{}.IsTerminus())
	assert.True(t, ForwardList{stack("dest", "8000")}.IsTerminus())
	assert.False(t, ForwardList{stack("relay", "443"), stack("dest", "8000")}.IsTerminus())
}

func TestReadForwardListRoundTrip(t *testing.T) {
	fl := ForwardList{stack("dest", "8000")}
	body, err := fl.Marshal()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeLengthPrefixed(&buf, body))

	got, err := ReadForwardList(&buf)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(fl[0]))
}

func TestReadForwardListTruncated(t *testing.T) {
	_, err := ReadForwardList(bytes.NewReader([]byte{1, 2}))
	require.Error(t, err)
	assert.Equal(t, sferr.CodeBrokenPipe, sferr.GetCode(err))
}

// fakeDialer hands back one half of an in-memory pipe as the "downstream"
// connection, standing in for an actual next-hop TLS link.
type fakeDialer struct {
	conn io.ReadWriteCloser
	err  error
}

func (d fakeDialer) Dial(address.Stack) (io.ReadWriteCloser, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func TestRelayForwardsListThenBridgesBytesBothWays(t *testing.T) {
	upClient, upServer := net.Pipe()
	downClient, downServer := net.Pipe()

	// Head entry describes the relay itself; the remainder is handed to
	// the downstream node.
	fl := ForwardList{stack("relay", "443"), stack("dest", "8000")}
	errCh := make(chan error, 1)
	go func() { errCh <- Relay(upServer, fl, nil, fakeDialer{conn: downClient}) }()

	// The downstream node first reads the remaining forward list — one
	// entry, so it knows it is the terminus.
	got, err := ReadForwardList(downServer)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].Equal(stack("dest", "8000")))

	// Bytes written on the upstream client side must arrive on the
	// downstream server side, and vice versa.
	go func() { upClient.Write([]byte("hello-downstream")) }()
	buf := make([]byte, len("hello-downstream"))
	_, err = io.ReadFull(downServer, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello-downstream", string(buf))

	go func() { downServer.Write([]byte("hello-upstream")) }()
	buf2 := make([]byte, len("hello-upstream"))
	_, err = io.ReadFull(upClient, buf2)
	require.NoError(t, err)
	assert.Equal(t, "hello-upstream", string(buf2))

	upClient.Close()
	require.NoError(t, <-errCh)
}

func TestRelayDialFailureReportsErrorCodeUpstream(t *testing.T) {
	upClient, upServer := net.Pipe()
	dialErr := errors.New("connect refused")

	errCh := make(chan error, 1)
	go func() {
		errCh <- Relay(upServer, ForwardList{stack("relay", "443"), stack("dest", "8000")}, nil, fakeDialer{err: dialErr})
	}()

	codeBytes := make([]byte, 4)
	_, err := io.ReadFull(upClient, codeBytes)
	require.NoError(t, err)
	code := sferr.Code(uint32(codeBytes[0]) | uint32(codeBytes[1])<<8 | uint32(codeBytes[2])<<16 | uint32(codeBytes[3])<<24)
	assert.Equal(t, sferr.CodeNotConnected, code)

	err = <-errCh
	require.Error(t, err)
	assert.Equal(t, sferr.CodeNotConnected, sferr.GetCode(err))
}
