package copy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sfcopy "github.com/securesocketfunneling/ssf-sub002/pkg/copy"
	"github.com/securesocketfunneling/ssf-sub002/pkg/copy/packet"
	"github.com/securesocketfunneling/ssf-sub002/pkg/copy/state/receiver"
	"github.com/securesocketfunneling/ssf-sub002/pkg/copy/state/sender"
)

// bufferedPipe is an in-memory duplex stream whose writes complete
// without waiting for the reader, mirroring a real fiber's send queue.
// Both sides can raise an Abort at the same moment (e.g. reacting to
// the same init failure) without deadlocking the exchange.
func bufferedPipe() (*chanConn, *chanConn) {
	aToB := make(chan []byte, 64)
	bToA := make(chan []byte, 64)
	return &chanConn{in: bToA, out: aToB}, &chanConn{in: aToB, out: bToA}
}

type chanConn struct {
	in  chan []byte
	out chan []byte
	rem []byte
}

func (c *chanConn) Read(p []byte) (int, error) {
	if len(c.rem) == 0 {
		c.rem = <-c.in
	}
	n := copy(p, c.rem)
	c.rem = c.rem[n:]
	return n, nil
}

func (c *chanConn) Write(p []byte) (int, error) {
	c.out <- append([]byte(nil), p...)
	return len(p), nil
}

// driveTransfer wires a sender and a receiver FileContext over an
// in-memory duplex pipe and runs both state machines to completion,
// standing in for the file fiber opened per transfer. The output
// location is set on the sender's context: it reaches the receiver
// inside the InitRequest.
func driveTransfer(t *testing.T, senderFC, receiverFC *sfcopy.FileContext) (senderCode, receiverCode packet.ErrorCode) {
	t.Helper()
	senderConn, receiverConn := bufferedPipe()
	senderFC.Channel = senderConn
	receiverFC.Channel = receiverConn

	senderDone := make(chan packet.ErrorCode, 1)
	receiverDone := make(chan packet.ErrorCode, 1)
	go func() {
		code, err := sfcopy.Drive(context.Background(), senderFC, sender.New())
		require.NoError(t, err)
		senderDone <- code
	}()
	go func() {
		code, err := sfcopy.Drive(context.Background(), receiverFC, receiver.New())
		require.NoError(t, err)
		receiverDone <- code
	}()
	return <-senderDone, <-receiverDone
}

func writeTempFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestFullTransferSucceeds(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	content := bytesRepeat("payload-data-", 4000) // exceeds one data chunk
	inputPath := writeTempFile(t, srcDir, "in.bin", content)

	senderFC := sfcopy.NewFileContext(nil)
	senderFC.InputFilepath = inputPath
	senderFC.Filesize = uint64(len(content))

	senderFC.OutputDir = dstDir
	senderFC.OutputFilename = "out.bin"

	receiverFC := sfcopy.NewFileContext(nil)

	senderCode, receiverCode := driveTransfer(t, senderFC, receiverFC)
	assert.Equal(t, packet.ErrSuccess, senderCode)
	assert.Equal(t, packet.ErrSuccess, receiverCode)

	got, err := os.ReadFile(filepath.Join(dstDir, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestFullTransferWithIntegrityCheckSucceeds(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	content := []byte("a modest file that must hash identically on both ends")
	inputPath := writeTempFile(t, srcDir, "in.bin", content)

	senderFC := sfcopy.NewFileContext(nil)
	senderFC.InputFilepath = inputPath
	senderFC.CheckIntegrity = true

	senderFC.OutputDir = dstDir
	senderFC.OutputFilename = "out.bin"

	receiverFC := sfcopy.NewFileContext(nil)

	senderCode, receiverCode := driveTransfer(t, senderFC, receiverFC)
	assert.Equal(t, packet.ErrSuccess, senderCode)
	assert.Equal(t, packet.ErrSuccess, receiverCode)
}

func TestResumeTransferAppendsRemainder(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	full := []byte("0123456789ABCDEFGHIJ")
	prefix := full[:10]
	inputPath := writeTempFile(t, srcDir, "in.bin", full)
	writeTempFile(t, dstDir, "out.bin", prefix) // receiver already has the first half

	senderFC := sfcopy.NewFileContext(nil)
	senderFC.InputFilepath = inputPath
	senderFC.Resume = true

	senderFC.OutputDir = dstDir
	senderFC.OutputFilename = "out.bin"

	receiverFC := sfcopy.NewFileContext(nil)

	senderCode, receiverCode := driveTransfer(t, senderFC, receiverFC)
	assert.Equal(t, packet.ErrSuccess, senderCode)
	assert.Equal(t, packet.ErrSuccess, receiverCode)

	got, err := os.ReadFile(filepath.Join(dstDir, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, full, got)
}

func TestResumeWithMismatchedPrefixAborts(t *testing.T) {
	srcDir, dstDir := t.TempDir(), t.TempDir()
	full := []byte("0123456789ABCDEFGHIJ")
	corruptPrefix := []byte("XXXXXXXXXX") // same length, different bytes
	inputPath := writeTempFile(t, srcDir, "in.bin", full)
	writeTempFile(t, dstDir, "out.bin", corruptPrefix)

	senderFC := sfcopy.NewFileContext(nil)
	senderFC.InputFilepath = inputPath
	senderFC.Resume = true

	senderFC.OutputDir = dstDir
	senderFC.OutputFilename = "out.bin"

	receiverFC := sfcopy.NewFileContext(nil)

	senderCode, receiverCode := driveTransfer(t, senderFC, receiverFC)
	assert.Equal(t, packet.ErrResumeFileTransferNotPermitted, senderCode)
	assert.Equal(t, packet.ErrResumeFileTransferNotPermitted, receiverCode)
}

func TestInitRequestFailsWhenOutputDirMissing(t *testing.T) {
	srcDir := t.TempDir()
	content := []byte("data")
	inputPath := writeTempFile(t, srcDir, "in.bin", content)

	senderFC := sfcopy.NewFileContext(nil)
	senderFC.InputFilepath = inputPath

	senderFC.OutputDir = filepath.Join(srcDir, "does-not-exist")
	senderFC.OutputFilename = "out.bin"

	receiverFC := sfcopy.NewFileContext(nil)

	senderCode, receiverCode := driveTransfer(t, senderFC, receiverFC)
	assert.Equal(t, packet.ErrCopyInitializationFailed, senderCode)
	assert.Equal(t, packet.ErrCopyInitializationFailed, receiverCode)
}

func bytesRepeat(s string, n int) []byte {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return out
}
