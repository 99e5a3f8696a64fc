// Command ssfc is the SSF client: it establishes a link (optionally
// through a circuit of relays), completes the transport handshake, opens
// the admin fiber on the resulting fiber demultiplexer, and then waits
// until the demultiplexer tears down. It sends no service requests over
// the admin channel.
package main

import (
	"context"
	"os"

	"github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	"github.com/securesocketfunneling/ssf-sub002/pkg/address"
	"github.com/securesocketfunneling/ssf-sub002/pkg/circuit"
	"github.com/securesocketfunneling/ssf-sub002/pkg/config"
	"github.com/securesocketfunneling/ssf-sub002/pkg/fiber"
	"github.com/securesocketfunneling/ssf-sub002/pkg/link"
)

var (
	app        = kingpin.New("ssfc", "Secure Socket Funneling client")
	configPath = app.Flag("config", "configuration file").Short('c').Default("ssfc.json").String()
	host       = app.Flag("host", "server host").Short('H').Required().String()
	port       = app.Flag("port", "server port").Short('p').Default("8011").String()
	bounceFile = app.Flag("bounce-file", "relay chain, one host:port per line").Short('b').Default("").String()
	verbosity  = app.Flag("verbose", "log level 0-5").Short('v').Default("2").Int()
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

	bounces, err := config.ParseBounceFile(*bounceFile)
	if err != nil {
		entry.WithError(err).Error("could not parse bounce file")
		os.Exit(int(sferr.CodeAddressNotAvailable))
	}

	dest := address.Stack{{"addr": *host, "port": *port}}
	forward := buildForwardList(dest, bounces)

	// With relays configured the physical connection goes to the first
	// bounce; the forward list routes the rest of the way.
	first := dest
	if len(bounces) > 0 {
		first = address.Stack{{"addr": bounces[0].Addr, "port": bounces[0].Port}}
	}

	version := link.LinkVersion{Major: 2, Minor: 0, Security: 1, Archive: 0}
	tlsOpt := cfg.TLS.ToOptions()

	l, err := link.Connect(context.Background(), first, link.DialerOptions{TLS: tlsOpt, Version: version, Log: entry})
	if err != nil {
		entry.WithError(err).Error("connect failed")
		os.Exit(int(sferr.GetCode(err)))
	}

	if err := circuit.WriteForwardList(l, forward); err != nil {
		entry.WithError(err).Error("could not send forward list")
		os.Exit(int(sferr.GetCode(err)))
	}

	localTV := link.TransportVersion{Major: 2, Minor: 0, Transport: 1, Circuit: 0}
	if err := link.WriteTransportVersion(l, localTV); err != nil {
		entry.WithError(err).Error("transport handshake write failed")
		os.Exit(int(sferr.CodeBrokenPipe))
	}
	if _, err := link.ReadTransportReply(l); err != nil {
		entry.WithError(err).Error("server rejected transport version")
		os.Exit(int(sferr.CodeWrongProtocolType))
	}

	demux := fiber.NewDemultiplexer(l, entry, func(err error) {
		entry.WithError(err).Warn("link torn down")
	})
	admin := demux.Open()
	if err := demux.Connect(context.Background(), admin, fiber.PortAdmin); err != nil {
		entry.WithError(err).Error("could not open admin channel")
		os.Exit(int(sferr.GetCode(err)))
	}
	entry.Info("session established")
	<-demux.Done()
}

// buildForwardList expands the bounce list into the circuit layer's
// forward list, the client's relay chain followed by the final
// destination.
func buildForwardList(dest address.Stack, bounces config.BounceList) circuit.ForwardList {
	fl := make(circuit.ForwardList, 0, len(bounces)+1)
	for _, hop := range bounces {
		fl = append(fl, address.Stack{{"addr": hop.Addr, "port": hop.Port}})
	}
	fl = append(fl, dest)
	return fl
}
