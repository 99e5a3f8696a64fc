// Command ssfcp is the copy microservice's standalone CLI front end: it
// dials (or accepts) a link directly, then drives pkg/copy's client or
// server session over the resulting fibers. Filesystem glob expansion
// of input/output patterns happens here, at the outer boundary; the
// copy package itself never globs.
package main

import (
	"context"
	"net"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	"github.com/securesocketfunneling/ssf-sub002/pkg/address"
	"github.com/securesocketfunneling/ssf-sub002/pkg/config"
	sfcopy "github.com/securesocketfunneling/ssf-sub002/pkg/copy"
	"github.com/securesocketfunneling/ssf-sub002/pkg/copy/packet"
	"github.com/securesocketfunneling/ssf-sub002/pkg/copy/state/receiver"
	"github.com/securesocketfunneling/ssf-sub002/pkg/copy/state/sender"
	"github.com/securesocketfunneling/ssf-sub002/pkg/fiber"
	"github.com/securesocketfunneling/ssf-sub002/pkg/link"
	"github.com/securesocketfunneling/ssf-sub002/pkg/tlsconf"
)

var (
	app         = kingpin.New("ssfcp", "Secure Socket Funneling copy")
	configPath  = app.Flag("config", "configuration file").Short('c').Default("ssfcp.json").String()
	host        = app.Flag("host", "peer host").Short('H').String()
	port        = app.Flag("port", "peer port").Short('p').Default("8012").String()
	listenMode  = app.Flag("listen", "wait for an incoming copy instead of dialing out").Short('w').Bool()
	inputs      = app.Flag("input", "input file pattern, repeatable").Short('i').Strings()
	pullMode    = app.Flag("pull", "ask the peer to transmit the input pattern instead of sending").Bool()
	stdinMode   = app.Flag("stdin", "send standard input as a single file").Short('t').Bool()
	outputDir   = app.Flag("output-dir", "destination directory").Short('o').Default(".").String()
	outputName  = app.Flag("output-name", "destination filename for --stdin input").Default("stdin").String()
	checkDigest = app.Flag("check", "verify SHA-1 digest after transfer").Default("true").Bool()
	resume      = app.Flag("resume", "resume a partially-transferred file").Bool()
	maxParallel = app.Flag("max-parallel", "maximum concurrent file transfers").Default("4").Int()
	verbosity   = app.Flag("verbose", "log level 0-5").Short('v').Default("2").Int()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := logrus.New()
	log.SetLevel(logrus.Level(*verbosity))
	entry := logrus.NewEntry(log)

	cfg, err := config.Load(*configPath)
	if err != nil {
		entry.WithError(err).Warn("using defaults: could not load config file")
		cfg = &config.Config{}
	}
	tlsOpt := cfg.TLS.ToOptions()
	version := link.LinkVersion{Major: 2, Minor: 0, Security: 1, Archive: 0}
	tv := link.TransportVersion{Major: 2, Minor: 0, Transport: 1, Circuit: 0}

	if *listenMode {
		if err := runReceiver(entry, tlsOpt, version, tv); err != nil {
			entry.WithError(err).Error("receive failed")
			os.Exit(int(sferr.GetCode(err)))
		}
		return
	}
	if err := runSender(entry, tlsOpt, version, tv); err != nil {
		entry.WithError(err).Error("send failed")
		os.Exit(int(sferr.GetCode(err)))
	}
}

// expandInputs turns the --input glob patterns into concrete
// sfcopy.FilePairs, the glob-expansion step the copy package leaves to
// its caller.
func expandInputs(patterns []string, dir string) ([]sfcopy.FilePair, error) {
	var pairs []sfcopy.FilePair
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, sferr.Wrap(sferr.CodeDestinationAddressRequired, err)
		}
		if len(matches) == 0 {
			matches = []string{pattern}
		}
		for _, m := range matches {
			pairs = append(pairs, sfcopy.FilePair{
				Input:      m,
				OutputDir:  dir,
				OutputName: filepath.Base(m),
			})
		}
	}
	return pairs, nil
}

// runSender dials the peer and opens the control fiber, then either
// pushes every matched file or (--pull) asks the peer to transmit the
// input pattern back while this side accepts the file fibers.
func runSender(log *logrus.Entry, tlsOpt tlsconf.Options, version link.LinkVersion, tv link.TransportVersion) error {
	var files []sfcopy.FilePair
	switch {
	case *pullMode:
		if len(*inputs) == 0 {
			return sferr.New(sferr.CodeDestinationAddressRequired, "no input pattern to request")
		}
	case *stdinMode:
		files = []sfcopy.FilePair{{IsStdin: true, OutputDir: *outputDir, OutputName: *outputName}}
	default:
		var err error
		files, err = expandInputs(*inputs, *outputDir)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return sferr.New(sferr.CodeDestinationAddressRequired, "no input files matched")
		}
	}

	stack := address.Stack{{"addr": *host, "port": *port}}
	ctx := context.Background()
	l, err := link.Connect(ctx, stack, link.DialerOptions{TLS: tlsOpt, Version: version, Log: log})
	if err != nil {
		return err
	}
	defer l.Close()

	if err := link.WriteTransportVersion(l, tv); err != nil {
		return err
	}
	accepted, err := link.ReadTransportReply(l)
	if err != nil || !accepted {
		return sferr.New(sferr.CodeWrongProtocolType, "peer rejected transport version")
	}

	demux := fiber.NewDemultiplexer(l, log, func(err error) {
		log.WithError(err).Warn("link torn down")
	})

	control := demux.Open()
	if err := demux.Connect(ctx, control, fiber.PortCopyServer); err != nil {
		return err
	}

	role := sfcopy.FileRole{
		Open: func(ctx context.Context) (sfcopy.Channel, error) {
			f := demux.Open()
			if err := demux.Connect(ctx, f, fiber.PortCopyFileAcceptor); err != nil {
				return nil, err
			}
			return boundChannel{ctx: ctx, f: f}, nil
		},
		NewState: sender.New,
	}
	if *pullMode {
		// Pulling reverses the file-fiber roles: this side listens for
		// the fibers the peer dials, before the request goes out.
		acceptor := demux.Open()
		if err := demux.Bind(acceptor, fiber.PortCopyFileAcceptor); err != nil {
			return err
		}
		if err := demux.Listen(acceptor); err != nil {
			return err
		}
		role = sfcopy.FileRole{
			Open: func(ctx context.Context) (sfcopy.Channel, error) {
				f, err := demux.Accept(ctx, fiber.PortCopyFileAcceptor)
				if err != nil {
					return nil, err
				}
				return boundChannel{ctx: ctx, f: f}, nil
			},
			NewState: receiver.New,
		}
	}

	session := sfcopy.ClientSession{
		Control:     boundChannel{ctx: ctx, f: control},
		Files:       role,
		MaxParallel: *maxParallel,
		Log:         log,
	}

	req := packet.CopyRequest{
		IsFromStdin:        *stdinMode,
		IsServerToClient:   *pullMode,
		FilesCount:         uint64(len(files)),
		CheckFileIntegrity: *checkDigest,
		IsResume:           *resume,
		MaxParallelCopies:  uint32(*maxParallel),
	}
	if *pullMode {
		req.InputPattern = (*inputs)[0]
		req.OutputPattern = *outputDir
	}
	result, err := session.Run(ctx, req, files)
	if err != nil {
		return err
	}
	log.WithField("files", result.FilesCount).WithField("errors", result.ErrorsCount).Info("copy finished")
	if result.ErrorCode != packet.ErrSuccess {
		return sferr.New(sferr.CodeBrokenPipe, "copy finished with %s", result.ErrorCode)
	}
	return nil
}

// runReceiver listens for one incoming link and serves its copy
// request: draining the files the peer pushes, or expanding and
// transmitting the pattern a pulling peer asked for.
func runReceiver(log *logrus.Entry, tlsOpt tlsconf.Options, version link.LinkVersion, tv link.TransportVersion) error {
	tlsOpt.IsServer = true
	ln, err := net.Listen("tcp", net.JoinHostPort(*host, *port))
	if err != nil {
		return sferr.Wrap(sferr.CodeAddressNotAvailable, err)
	}
	log.WithField("addr", ln.Addr()).Info("ssfcp waiting for an incoming copy")

	raw, err := ln.Accept()
	if err != nil {
		return sferr.Wrap(sferr.CodeAddressNotAvailable, err)
	}
	ctx := context.Background()
	l, err := link.Accept(ctx, raw, link.AcceptorOptions{TLS: tlsOpt, Version: version, Log: log})
	if err != nil {
		raw.Close()
		return err
	}
	defer l.Close()

	remoteTV, err := link.ReadTransportVersion(l)
	if err != nil {
		return err
	}
	accept := link.AcceptTransportVersion(tv, remoteTV)
	if err := link.WriteTransportReply(l, accept); err != nil || !accept {
		return sferr.New(sferr.CodeWrongProtocolType, "rejected peer transport version")
	}

	demux := fiber.NewDemultiplexer(l, log, func(err error) {
		log.WithError(err).Warn("link torn down")
	})

	controlListener := demux.Open()
	if err := demux.Bind(controlListener, fiber.PortCopyServer); err != nil {
		return err
	}
	if err := demux.Listen(controlListener); err != nil {
		return err
	}

	acceptorListener := demux.Open()
	if err := demux.Bind(acceptorListener, fiber.PortCopyFileAcceptor); err != nil {
		return err
	}
	if err := demux.Listen(acceptorListener); err != nil {
		return err
	}

	// The peer connects the long-lived control fiber first.
	control, err := demux.Accept(ctx, fiber.PortCopyServer)
	if err != nil {
		return err
	}

	session := sfcopy.ServerSession{
		Control: boundChannel{ctx: ctx, f: control},
		Receive: sfcopy.FileRole{
			Open: func(ctx context.Context) (sfcopy.Channel, error) {
				f, err := demux.Accept(ctx, fiber.PortCopyFileAcceptor)
				if err != nil {
					return nil, err
				}
				return boundChannel{ctx: ctx, f: f}, nil
			},
			NewState: receiver.New,
		},
		Transmit: sfcopy.FileRole{
			Open: func(ctx context.Context) (sfcopy.Channel, error) {
				f := demux.Open()
				if err := demux.Connect(ctx, f, fiber.PortCopyFileAcceptor); err != nil {
					return nil, err
				}
				return boundChannel{ctx: ctx, f: f}, nil
			},
			NewState: sender.New,
		},
		ListFiles: func(req packet.CopyRequest) ([]sfcopy.FilePair, error) {
			return expandInputs([]string{req.InputPattern}, req.OutputPattern)
		},
		Log: log,
	}

	req, result, err := session.Run(ctx)
	if err != nil {
		return err
	}
	log.WithField("requested", req.FilesCount).WithField("errors", result.ErrorsCount).Info("copy finished")
	return nil
}

// boundChannel adapts a *fiber.Fiber's context-taking Read/Write to the
// plain io.Reader/io.Writer that sfcopy.Channel expects.
type boundChannel struct {
	ctx context.Context
	f   *fiber.Fiber
}

func (c boundChannel) Read(p []byte) (int, error)  { return c.f.Read(c.ctx, p) }
func (c boundChannel) Write(p []byte) (int, error) { return c.f.Write(c.ctx, p) }
