package fiber

import (
	"context"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
)

// pipePair wires two Demultiplexers over an in-memory net.Pipe, standing
// in for the authenticated TLS link the demultiplexer runs on top of.
func pipePair(t *testing.T) (*Demultiplexer, *Demultiplexer) {
	t.Helper()
	c1, c2 := net.Pipe()
	d1 := NewDemultiplexer(c1, nil, nil)
	d2 := NewDemultiplexer(c2, nil, nil)
	t.Cleanup(func() {
		d1.Close()
		d2.Close()
	})
	return d1, d2
}

// establish binds+listens on d1 at listenPort and connects from d2,
// returning the server-accepted fiber and the client fiber.
func establish(t *testing.T, d1, d2 *Demultiplexer, listenPort Port) (server, client *Fiber) {
	t.Helper()
	listener := d1.Open()
	require.NoError(t, d1.Bind(listener, listenPort))
	require.NoError(t, d1.Listen(listener))

	acceptCh := make(chan *Fiber, 1)
	acceptErrCh := make(chan error, 1)
	go func() {
		f, err := d1.Accept(context.Background(), listenPort)
		if err != nil {
			acceptErrCh <- err
			return
		}
		acceptCh <- f
	}()

	client = d2.Open()
	require.NoError(t, d2.Connect(context.Background(), client, listenPort))

	select {
	case server = <-acceptCh:
	case err := <-acceptErrCh:
		t.Fatalf("accept failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("accept timed out")
	}
	return server, client
}

func TestConnectAcceptEstablishesBothSides(t *testing.T) {
	d1, d2 := pipePair(t)
	server, client := establish(t, d1, d2, 100)
	assert.Equal(t, StateEstablished, server.State())
	assert.Equal(t, StateEstablished, client.State())
}

func TestFiberReliableInOrderBytes(t *testing.T) {
	// Bytes written before shutdown arrive in the same order, with no
	// loss, no duplication, no reordering. Exercised across many
	// datagrams since the payload exceeds DefaultMTU.
	d1, d2 := pipePair(t)
	server, client := establish(t, d1, d2, 200)

	const size = 200_000
	payload := make([]byte, size)
	rand.New(rand.NewSource(1)).Read(payload)

	writeDone := make(chan error, 1)
	go func() {
		written := 0
		for written < len(payload) {
			n, err := client.Write(context.Background(), payload[written:])
			if err != nil {
				writeDone <- err
				return
			}
			written += n
		}
		writeDone <- nil
	}()

	got := make([]byte, 0, len(payload))
	buf := make([]byte, 8192)
	for len(got) < len(payload) {
		n, err := server.Read(context.Background(), buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}

	require.NoError(t, <-writeDone)
	assert.Equal(t, payload, got)
}

func TestConcurrentConnectsToSamePortStayDistinct(t *testing.T) {
	d1, d2 := pipePair(t)
	listener := d1.Open()
	require.NoError(t, d1.Bind(listener, 300))
	require.NoError(t, d1.Listen(listener))

	accepted := make(chan *Fiber, 2)
	go func() {
		for i := 0; i < 2; i++ {
			f, err := d1.Accept(context.Background(), 300)
			if err != nil {
				return
			}
			accepted <- f
		}
	}()

	// Unbound fibers get distinct ephemeral local ports, so two
	// connections to the same well-known port stay addressable.
	c1 := d2.Open()
	require.NoError(t, d2.Connect(context.Background(), c1, 300))
	c2 := d2.Open()
	require.NoError(t, d2.Connect(context.Background(), c2, 300))
	require.NotEqual(t, c1.ID(), c2.ID())

	s1 := <-accepted
	s2 := <-accepted
	byRemote := map[Port]*Fiber{s1.ID().Remote: s1, s2.ID().Remote: s2}
	r1, r2 := byRemote[c1.ID().Local], byRemote[c2.ID().Local]
	require.NotNil(t, r1)
	require.NotNil(t, r2)

	// Bytes on one fiber must not bleed into the other.
	_, err := c1.Write(context.Background(), []byte("one"))
	require.NoError(t, err)
	_, err = c2.Write(context.Background(), []byte("two"))
	require.NoError(t, err)

	buf := make([]byte, 3)
	n, err := r1.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, "one", string(buf[:n]))
	n, err = r2.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, "two", string(buf[:n]))
}

func TestFiberCloseCancelsPendingRead(t *testing.T) {
	d1, d2 := pipePair(t)
	server, _ := establish(t, d1, d2, 101)

	readErrCh := make(chan error, 1)
	go func() {
		_, err := server.Read(context.Background(), make([]byte, 10))
		readErrCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, server.Close())

	select {
	case err := <-readErrCh:
		require.Error(t, err)
		assert.Equal(t, sferr.CodeOperationCanceled, sferr.GetCode(err))
	case <-time.After(time.Second):
		t.Fatal("pending read was not cancelled by Close")
	}
}

func TestShutdownWriteHalfClosesThenFullyCloses(t *testing.T) {
	d1, d2 := pipePair(t)
	server, client := establish(t, d1, d2, 102)

	require.NoError(t, client.Shutdown(ShutdownWrite))
	assert.Equal(t, StateHalfClosedLocal, client.State())

	// The peer observes the FIN and half-closes from its side.
	require.Eventually(t, func() bool {
		return server.State() == StateHalfClosedRemote
	}, time.Second, 5*time.Millisecond)

	// A write after shutdown fails broken_pipe rather than blocking.
	_, err := client.Write(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.Equal(t, sferr.CodeBrokenPipe, sferr.GetCode(err))
}

func TestBindDuplicatePortFails(t *testing.T) {
	d1, d2 := pipePair(t)
	f1 := d1.Open()
	require.NoError(t, d1.Bind(f1, 50))

	f2 := d1.Open()
	err := d1.Bind(f2, 50)
	require.Error(t, err)
	assert.Equal(t, sferr.CodeAddressInUse, sferr.GetCode(err))
	_ = d2
}

func TestListenDuplicateFails(t *testing.T) {
	d1, d2 := pipePair(t)
	f := d1.Open()
	require.NoError(t, d1.Bind(f, 51))
	require.NoError(t, d1.Listen(f))

	err := d1.Listen(f)
	require.Error(t, err)
	assert.Equal(t, sferr.CodeAddressInUse, sferr.GetCode(err))
	_ = d2
}

func TestConnectToNothingFails(t *testing.T) {
	d1, d2 := pipePair(t)
	client := d2.Open()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := d2.Connect(ctx, client, 9999) // nothing listens on d1 for this port
	require.Error(t, err)
	assert.Equal(t, sferr.CodeNotConnected, sferr.GetCode(err))
	_ = d1
}
