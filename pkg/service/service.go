// Package service implements the per-session admin channel and the
// service-factory registry it uses to instantiate and tear down
// microservices (copy, forward, socks, shell).
package service

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/securesocketfunneling/ssf-sub002/internal/sferr"
	"github.com/securesocketfunneling/ssf-sub002/pkg/fiber"
)

// Phase names the stages of link bring-up (network, transport,
// service). Nothing in this package consults it: Host.Create starts a
// microservice without checking any phase.
type Phase int

const (
	PhaseNetwork Phase = iota + 1
	PhaseTransport
	PhaseService
)

// ID is a microservice kind.
type ID int

const (
	IDAdmin ID = iota + 1
	IDCopyServer
	IDDatagramsToFibers
	IDFibersToDatagrams
	IDSocketsToFibers
	IDFibersToSockets
	IDProcessServer
	IDSocksServer
)

// CreateRequest asks the session owner to instantiate a microservice.
type CreateRequest struct {
	Service    ID
	Parameters map[string]string
}

// StopRequest asks the session owner to tear a running microservice
// down.
type StopRequest struct {
	Service ID
}

// Factory constructs a running instance of one microservice kind given
// its parameters and the demultiplexer it should open fibers on.
type Factory func(ctx context.Context, demux *fiber.Demultiplexer, params map[string]string) (Instance, error)

// Instance is a running microservice; Stop tears it down.
type Instance interface {
	Stop() error
}

// Registry is the process-wide service-factory table. It is not a
// package-level var initialized by side effect; callers construct one
// explicitly in main and register factories into it.
type Registry struct {
	mu        sync.Mutex
	factories map[ID]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[ID]Factory)}
}

// Register installs the constructor for a service kind.
func (r *Registry) Register(id ID, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[id] = f
}

func (r *Registry) lookup(id ID) (Factory, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.factories[id]
	return f, ok
}

// Host runs one session's admin channel: it reads CreateRequest/
// StopRequest off the admin fiber, drives the Registry, and tracks
// every instantiated service so it can stop them all at session
// teardown.
type Host struct {
	registry *Registry
	demux    *fiber.Demultiplexer
	log      *logrus.Entry

	mu        sync.Mutex
	instances map[ID]Instance
}

// NewHost creates a Host bound to one session's demultiplexer and
// registry.
func NewHost(registry *Registry, demux *fiber.Demultiplexer, log *logrus.Entry) *Host {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Host{
		registry:  registry,
		demux:     demux,
		log:       log.WithField("session", uuid.NewString()),
		instances: make(map[ID]Instance),
	}
}

// Create instantiates a microservice via the registry and remembers it
// for later Stop/StopAll calls.
func (h *Host) Create(ctx context.Context, req CreateRequest) error {
	factory, ok := h.registry.lookup(req.Service)
	if !ok {
		return sferr.New(sferr.CodeProtocolNotSupported, "no factory registered for service %d", req.Service)
	}
	inst, err := factory(ctx, h.demux, req.Parameters)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.instances[req.Service] = inst
	h.mu.Unlock()
	h.log.WithField("service", req.Service).Info("service started")
	return nil
}

// Stop tears down one running microservice.
func (h *Host) Stop(req StopRequest) error {
	h.mu.Lock()
	inst, ok := h.instances[req.Service]
	delete(h.instances, req.Service)
	h.mu.Unlock()
	if !ok {
		return sferr.New(sferr.CodeNotConnected, "service %d not running", req.Service)
	}
	return inst.Stop()
}

// StopAll tears every running service down, called at session
// teardown.
func (h *Host) StopAll() {
	h.mu.Lock()
	instances := make([]Instance, 0, len(h.instances))
	for _, inst := range h.instances {
		instances = append(instances, inst)
	}
	h.instances = make(map[ID]Instance)
	h.mu.Unlock()

	for _, inst := range instances {
		if err := inst.Stop(); err != nil {
			h.log.WithError(err).Warn("error stopping service during teardown")
		}
	}
}
