// Command ssfd is the SSF server daemon: it accepts link connections,
// negotiates versions, terminates or relays circuits, and hosts
// microservices over the resulting fiber demultiplexer.
package main

import (
	"context"
	"net"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	"github.com/securesocketfunneling/ssf-sub002/pkg/circuit"
	"github.com/securesocketfunneling/ssf-sub002/pkg/config"
	"github.com/securesocketfunneling/ssf-sub002/pkg/fiber"
	"github.com/securesocketfunneling/ssf-sub002/pkg/link"
	"github.com/securesocketfunneling/ssf-sub002/pkg/service"
	"github.com/securesocketfunneling/ssf-sub002/pkg/tlsconf"
)

var (
	app         = kingpin.New("ssfd", "Secure Socket Funneling server")
	configPath  = app.Flag("config", "configuration file").Short('c').Default("ssfd.json").String()
	listenHost  = app.Flag("host", "host to listen on").Short('H').Default("0.0.0.0").String()
	listenPort  = app.Flag("port", "port to listen on").Short('p').Default("8011").Int()
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

	ln, err := net.Listen("tcp", net.JoinHostPort(*listenHost, strconv.Itoa(*listenPort)))
	if err != nil {
		entry.WithError(err).Error("listen failed")
		os.Exit(int(sferr.CodeAddressNotAvailable))
	}
	entry.WithField("addr", ln.Addr()).Info("ssfd listening")

	registry := service.NewRegistry()
	tlsOpt := cfg.TLS.ToOptions()
	tlsOpt.IsServer = true
	version := link.LinkVersion{Major: 2, Minor: 0, Security: 1, Archive: 0}

	for {
		raw, err := ln.Accept()
		if err != nil {
			entry.WithError(err).Error("accept failed")
			continue
		}
		go handleConnection(raw, tlsOpt, version, registry, entry)
	}
}

func handleConnection(raw net.Conn, tlsOpt tlsconf.Options, version link.LinkVersion, registry *service.Registry, log *logrus.Entry) {
	ctx := context.Background()
	l, err := link.Accept(ctx, raw, link.AcceptorOptions{TLS: tlsOpt, Version: version, Log: log})
	if err != nil {
		log.WithError(err).Warn("link accept failed")
		raw.Close()
		return
	}

	fl, err := circuit.ReadForwardList(l)
	if err != nil {
		log.WithError(err).Warn("circuit handshake failed")
		l.Close()
		return
	}
	if !fl.IsTerminus() {
		dialer := link.CircuitDialer{Opt: link.DialerOptions{TLS: tlsOpt, Version: version, Log: log}}
		if err := circuit.Relay(l, fl, nil, dialer); err != nil {
			log.WithError(err).Warn("circuit relay failed")
		}
		return
	}

	remoteTV, err := link.ReadTransportVersion(l)
	if err != nil {
		log.WithError(err).Warn("transport handshake failed")
		l.Close()
		return
	}
	localTV := link.TransportVersion{Major: 2, Minor: 0, Transport: 1, Circuit: 0}
	accept := link.AcceptTransportVersion(localTV, remoteTV)
	if err := link.WriteTransportReply(l, accept); err != nil || !accept {
		l.Close()
		return
	}

	demux := fiber.NewDemultiplexer(l, log, func(err error) {
		log.WithError(err).Warn("link torn down")
	})
	host := service.NewHost(registry, demux, log)
	defer host.StopAll()

	adminListener := demux.Open()
	if err := demux.Bind(adminListener, fiber.PortAdmin); err != nil {
		log.WithError(err).Error("could not bind admin fiber")
		return
	}
	if err := demux.Listen(adminListener); err != nil {
		log.WithError(err).Error("could not listen on admin fiber")
		return
	}

	go func() {
		for {
			f, err := demux.Accept(ctx, fiber.PortAdmin)
			if err != nil {
				return
			}
			go func() {
				if err := host.Serve(ctx, fiberChannel{ctx: ctx, f: f}); err != nil {
					log.WithError(err).Debug("admin channel closed")
				}
			}()
		}
	}()
	<-demux.Done()
}

// fiberChannel adapts a *fiber.Fiber's context-taking Read/Write to the
// plain io.Reader/io.Writer the admin protocol expects.
type fiberChannel struct {
	ctx context.Context
	f   *fiber.Fiber
}

func (c fiberChannel) Read(p []byte) (int, error)  { return c.f.Read(c.ctx, p) }
func (c fiberChannel) Write(p []byte) (int, error) { return c.f.Write(c.ctx, p) }
