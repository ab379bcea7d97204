// Package server implements the cloudlet side of the synthesis protocol.
// Each connection is one session: the client uploads an overlay manifest,
// then streams blobs while the server reconstructs the VM, asking for
// specific blobs first when the running VM needs them.
package server

import (
	"context"
	"io"
	"net"
	"sync"

	metrics "github.com/armon/go-metrics"
	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/basevm"
	"github.com/itchio/cloudlet/broker"
	"github.com/itchio/cloudlet/session"
	"github.com/itchio/headway/state"
	"github.com/pkg/errors"
)

// A Launcher boots a VM off the images of a session. It's called as soon
// as synthesis starts: reads of chunks that haven't arrived yet block.
// Launch should return once ctx is done.
type Launcher interface {
	Launch(ctx context.Context, sessionID string, disk broker.Device, memory broker.Device) error
}

// Params configures a server
type Params struct {
	Bases    *basevm.Store
	Sessions *session.Store
	Config   *cloudlet.Config

	// WorkDir holds the images of each session, in a subdirectory named
	// after it. When empty, images are kept in memory.
	WorkDir string

	// Launcher may be nil
	Launcher Launcher

	Consumer *state.Consumer
	// Metrics may be nil
	Metrics *metrics.Metrics
}

// Server accepts synthesis connections
type Server struct {
	params Params

	lock    sync.Mutex
	brokers map[string]*broker.Broker
}

// New checks params and force-closes sessions a previous run left open
func New(params Params) (*Server, error) {
	if params.Bases == nil || params.Sessions == nil || params.Config == nil {
		return nil, errors.New("server.New: missing bases, sessions or config")
	}
	if params.Consumer == nil {
		params.Consumer = &state.Consumer{}
	}

	err := params.Config.Validate()
	if err != nil {
		return nil, err
	}

	_, err = params.Sessions.Recover()
	if err != nil {
		return nil, err
	}

	return &Server{
		params:  params,
		brokers: make(map[string]*broker.Broker),
	}, nil
}

// Serve handles connections from l until ctx is done, then waits for
// open connections to wind down.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	consumer := s.params.Consumer
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			l.Close()
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	consumer.Infof("Listening on %s", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.WithStack(err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Handle(ctx, conn)
			if err != nil {
				consumer.Warnf("Connection from %s: %v", conn.RemoteAddr(), err)
			}
		}()
	}
}

// Handle runs one connection to completion
func (s *Server) Handle(ctx context.Context, conn io.ReadWriteCloser) error {
	h := newHandler(ctx, s, conn)
	return h.run()
}

// Broker returns the broker of a running session, if any
func (s *Server) Broker(sessionID string) (*broker.Broker, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	b, ok := s.brokers[sessionID]
	return b, ok
}

func (s *Server) register(sessionID string, b *broker.Broker) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.brokers[sessionID] = b
}

func (s *Server) unregister(sessionID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.brokers, sessionID)
}
