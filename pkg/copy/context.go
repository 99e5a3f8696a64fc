// Package copy implements the copy microservice: a control fiber
// handshake plus N per-file state machines running over file fibers,
// with resume and integrity-check support.
package copy

import (
	"context"
	"crypto/sha1"
	"hash"
	"io"
	"os"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	"github.com/securesocketfunneling/ssf-sub002/pkg/copy/packet"
)

// Channel is the per-file fiber's byte stream (typically a
// *pkg/fiber.Fiber); FileContext.Send/Receive wrap
// packet.WritePayload/ReadFrame over it.
type Channel interface {
	io.Reader
	io.Writer
}

// FileContext is the per-file transfer record: everything one file
// transfer's state machine needs, created when the transfer begins and
// discarded when its fiber closes.
//
// Each concrete state is a small, self-contained value whose Run
// performs the state's sends/receives and returns the next State, so a
// transition replaces the state rather than mutating shared machinery.
type FileContext struct {
	Channel Channel

	InputFilepath  string
	OutputDir      string
	OutputFilename string

	CheckIntegrity bool
	IsStdin        bool
	StartOffset    uint64
	Resume         bool
	Filesize       uint64

	InputFile  *os.File
	OutputFile *os.File

	InputHash  hash.Hash
	OutputHash hash.Hash

	ErrorCode packet.ErrorCode
}

// NewFileContext creates a FileContext ready to enter its first state.
func NewFileContext(ch Channel) *FileContext {
	return &FileContext{
		Channel:    ch,
		InputHash:  sha1.New(),
		OutputHash: sha1.New(),
		ErrorCode:  packet.ErrSuccess,
	}
}

// Send packs and writes one packet over the file fiber.
func (fc *FileContext) Send(t packet.Type, v interface{}) error {
	return packet.WritePayload(fc.Channel, t, v)
}

// Receive reads and decodes the next frame on the file fiber.
func (fc *FileContext) Receive() (packet.Frame, error) {
	return packet.ReadFrame(fc.Channel)
}

// Close releases any open file handles. Safe to call multiple times.
func (fc *FileContext) Close() {
	if fc.InputFile != nil {
		fc.InputFile.Close()
		fc.InputFile = nil
	}
	if fc.OutputFile != nil {
		fc.OutputFile.Close()
		fc.OutputFile = nil
	}
}

// State is one node of the per-file state machine.
// Run performs that state's work (which may send/receive a packet) and
// returns the next state; Terminal states return themselves with
// done=true.
type State interface {
	Name() string
	Run(ctx context.Context, fc *FileContext) (next State, done bool, err error)
}

// Drive runs fc's state machine to completion, starting from initial,
// returning the terminal error code it settled on.
func Drive(ctx context.Context, fc *FileContext, initial State) (packet.ErrorCode, error) {
	state := initial
	for {
		next, done, err := state.Run(ctx, fc)
		if err != nil {
			fc.Close()
			return fc.ErrorCode, sferr.Wrap(sferr.CodeBrokenPipe, err)
		}
		if done {
			return fc.ErrorCode, nil
		}
		state = next
	}
}
