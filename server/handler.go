package server

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/basevm"
	"github.com/itchio/cloudlet/broker"
	"github.com/itchio/cloudlet/counter"
	"github.com/itchio/cloudlet/manifest"
	"github.com/itchio/cloudlet/session"
	"github.com/itchio/cloudlet/synth"
	"github.com/itchio/cloudlet/wire"
	"github.com/itchio/headway/united"
	"github.com/itchio/screw"
	"github.com/pkg/errors"
	"gopkg.in/tomb.v2"
)

// errConnectionLost ends sessions whose client went away without SESSION_CLOSE
var errConnectionLost = errors.Wrap(cloudlet.ErrNetworkFailure, "connection lost")

type handler struct {
	s    *Server
	conn io.ReadWriteCloser
	t    *tomb.Tomb
	ctx  context.Context

	received *counter.Reader
	sent     *counter.Writer
	rc       *wire.ReadContext
	wc       *wire.WriteContext
	sendLock sync.Mutex

	lock     sync.Mutex
	sess     *session.Session
	manifest *manifest.Manifest
	source   *synth.PushSource
	pipeline *synth.Pipeline
	broker   *broker.Broker
	started  time.Time

	failOnce     sync.Once
	shutdownOnce sync.Once
}

func newHandler(ctx context.Context, s *Server, conn io.ReadWriteCloser) *handler {
	h := &handler{
		s:    s,
		conn: conn,
	}
	h.t, h.ctx = tomb.WithContext(ctx)
	h.received = counter.NewReader(conn)
	h.sent = counter.NewWriter(conn)
	h.rc = wire.NewReadContext(h.received)
	h.wc = wire.NewWriteContext(h.sent)
	return h
}

func (h *handler) run() error {
	consumer := h.s.params.Consumer

	h.t.Go(h.readLoop)
	go func() {
		<-h.t.Dying()
		h.shutdown()
	}()

	err := h.t.Wait()
	h.shutdown()

	h.lock.Lock()
	sess := h.sess
	h.lock.Unlock()

	if sess != nil {
		ended, endErr := h.s.params.Sessions.End(sess.ID, session.StatusForceClosed, errConnectionLost.Error())
		if endErr != nil {
			consumer.Warnf("Could not end %s: %v", sess, endErr)
		} else {
			consumer.Infof("%s ended: %s received, %s sent", ended, united.FormatBytes(h.received.Count()), united.FormatBytes(h.sent.Count()))
		}
		h.s.unregister(sess.ID)
	}
	return err
}

// shutdown stops whatever the session started, and closes the connection
func (h *handler) shutdown() {
	h.shutdownOnce.Do(func() {
		h.conn.Close()

		h.lock.Lock()
		defer h.lock.Unlock()

		if h.source != nil {
			h.source.Close(errConnectionLost)
		}
		if h.pipeline != nil {
			h.pipeline.Cancel()
		}
		if h.broker != nil {
			err := h.broker.Terminate()
			if err != nil {
				h.s.params.Consumer.Warnf("Terminating broker: %v", err)
			}
		}
	})
}

func (h *handler) dying() bool {
	select {
	case <-h.t.Dying():
		return true
	default:
		return false
	}
}

func (h *handler) readLoop() error {
	for {
		msg := &wire.Message{}
		err := h.rc.ReadMessage(msg)
		if err != nil {
			if h.dying() {
				return tomb.ErrDying
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return errConnectionLost
			}
			return errors.Wrap(cloudlet.ErrNetworkFailure, err.Error())
		}

		done, err := h.dispatch(msg)
		if err != nil {
			return err
		}
		if done {
			h.t.Kill(nil)
			return nil
		}
	}
}

func (h *handler) dispatch(msg *wire.Message) (bool, error) {
	switch msg.GetCommand() {
	case wire.Command_SESSION_CREATE:
		return false, h.onSessionCreate()
	case wire.Command_SEND_META:
		return false, h.onSendMeta(msg)
	case wire.Command_SEND_OVERLAY:
		return false, h.onSendOverlay(msg)
	case wire.Command_SESSION_CLOSE:
		return true, h.onSessionClose(msg)
	default:
		return false, h.refuse(errors.Errorf("unexpected command %s", msg.GetCommand()))
	}
}

func (h *handler) send(msg *wire.Message) error {
	h.sendLock.Lock()
	defer h.sendLock.Unlock()
	return h.wc.WriteMessage(msg)
}

// refuse answers a message with FAILED, but keeps the session going
func (h *handler) refuse(err error) error {
	h.s.params.Consumer.Warnf("Refusing message: %v", err)
	return h.send(&wire.Message{
		Command:   int32(wire.Command_FAILED),
		ErrorKind: cloudlet.KindOf(err),
		Reason:    err.Error(),
	})
}

// fail ends the session: the client gets a single FAILED message, and
// everything the session started is stopped.
func (h *handler) fail(err error) {
	h.failOnce.Do(func() {
		consumer := h.s.params.Consumer

		h.lock.Lock()
		sess := h.sess
		pipeline := h.pipeline
		h.lock.Unlock()

		if sess != nil {
			consumer.Warnf("%s failed: %+v", sess, err)
			_, endErr := h.s.params.Sessions.End(sess.ID, session.StatusForceClosed, err.Error())
			if endErr != nil {
				consumer.Warnf("Could not end %s: %v", sess, endErr)
			}
		}
		if pipeline != nil {
			pipeline.Cancel()
		}

		sendErr := h.send(&wire.Message{
			Command:   int32(wire.Command_FAILED),
			SessionId: sessionID(sess),
			ErrorKind: cloudlet.KindOf(err),
			Reason:    err.Error(),
		})
		if sendErr != nil {
			consumer.Debugf("Could not report failure: %v", sendErr)
		}
	})
}

func sessionID(sess *session.Session) string {
	if sess == nil {
		return ""
	}
	return sess.ID
}

func (h *handler) onSessionCreate() error {
	h.lock.Lock()
	existing := h.sess
	h.lock.Unlock()
	if existing != nil {
		return h.refuse(errors.Errorf("connection already has %s", existing))
	}

	sess, err := h.s.params.Sessions.Create()
	if err != nil {
		return err
	}

	h.lock.Lock()
	h.sess = sess
	h.lock.Unlock()

	h.s.params.Consumer.Infof("Opened %s", sess)
	return h.send(&wire.Message{
		Command:   int32(wire.Command_SESSION_ID),
		SessionId: sess.ID,
	})
}

func (h *handler) onSendMeta(msg *wire.Message) error {
	h.lock.Lock()
	sess, started := h.sess, h.manifest != nil
	h.lock.Unlock()

	if sess == nil {
		return h.refuse(errors.New("SEND_META before SESSION_CREATE"))
	}
	if started {
		return h.refuse(errors.Errorf("%s already has a manifest", sess))
	}
	if msg.Size != 0 && msg.Size != int64(len(msg.Meta)) {
		h.fail(errors.Wrapf(cloudlet.ErrTruncatedStream, "manifest is %d bytes, expected %d", len(msg.Meta), msg.Size))
		return nil
	}

	m, err := manifest.Unmarshal(msg.Meta)
	if err != nil {
		h.fail(err)
		return nil
	}

	base, err := h.s.params.Bases.Get(m.BaseFingerprint)
	if err != nil {
		if errors.Is(err, basevm.ErrUnknownBase) {
			err = errors.Wrap(cloudlet.ErrIncompatibleFormat, err.Error())
		}
		h.fail(err)
		return nil
	}
	if base.Meta.ChunkSize != m.ChunkSize {
		h.fail(errors.Wrapf(cloudlet.ErrIncompatibleFormat, "overlay has %d-byte chunks, base has %d-byte chunks", m.ChunkSize, base.Meta.ChunkSize))
		return nil
	}

	err = h.s.params.Sessions.SetBase(sess.ID, m.BaseFingerprint)
	if err != nil {
		return err
	}

	err = h.startSynthesis(sess, m, base)
	if err != nil {
		h.fail(err)
		return nil
	}
	return nil
}

// stores returns one store per image, holding the base image to begin with:
// the pipeline and the guest only ever write what changed.
func (h *handler) stores(sess *session.Session, m *manifest.Manifest, base *basevm.Base) (map[cloudlet.ImageKind]broker.Store, error) {
	stores := make(map[cloudlet.ImageKind]broker.Store)
	closeAll := func() {
		for _, s := range stores {
			s.Close()
		}
	}

	workDir := h.s.params.WorkDir
	dir := ""
	if workDir != "" {
		dir = filepath.Join(workDir, sess.ID)
		err := screw.MkdirAll(dir, 0o755)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}

	names := map[cloudlet.ImageKind]string{
		cloudlet.ImageDisk:   basevm.DiskFile,
		cloudlet.ImageMemory: basevm.MemoryFile,
	}
	for _, image := range cloudlet.ImageKinds {
		size := m.ImageSize(image)

		var store broker.Store
		if dir == "" {
			store = broker.NewMemStore(size)
		} else {
			fs, err := broker.OpenFileStore(filepath.Join(dir, names[image]), size)
			if err != nil {
				closeAll()
				return nil, err
			}
			store = fs
		}
		stores[image] = store

		err := broker.Seed(store, base.ReaderAt(image), size)
		if err != nil {
			closeAll()
			return nil, errors.Wrapf(err, "seeding %s %s", sess, image)
		}
	}
	h.s.params.Consumer.Debugf("%s: seeded images from base %s", sess, base)
	return stores, nil
}

func (h *handler) startSynthesis(sess *session.Session, m *manifest.Manifest, base *basevm.Base) error {
	params := h.s.params

	stores, err := h.stores(sess, m, base)
	if err != nil {
		return err
	}

	b, err := broker.New(broker.Params{
		Manifest: m,
		Base:     base,
		Stores:   stores,
		Consumer: params.Consumer,
		Metrics:  params.Metrics,
	})
	if err != nil {
		return err
	}

	source := synth.NewPushSource(h.onDemand)
	pipeline, err := synth.New(synth.Params{
		Manifest:   m,
		Source:     source,
		References: base,
		Sink:       b,
		Config:     params.Config,
		Consumer:   params.Consumer,
		Metrics:    params.Metrics,
	})
	if err != nil {
		b.Terminate()
		return err
	}
	b.Attach(pipeline)

	h.lock.Lock()
	h.manifest = m
	h.source = source
	h.pipeline = pipeline
	h.broker = b
	h.started = time.Now()
	h.lock.Unlock()
	h.s.register(sess.ID, b)

	params.Consumer.Infof("%s: synthesizing %d blobs (%s) against base %s",
		sess, len(m.Blobs), united.FormatBytes(m.TotalSize()), m.BaseFingerprint)

	err = h.send(&wire.Message{
		Command:   int32(wire.Command_SUCCESS),
		SessionId: sess.ID,
	})
	if err != nil {
		return err
	}

	pipeline.Start(h.ctx)
	h.t.Go(func() error {
		return h.watch(sess, pipeline)
	})

	if params.Launcher != nil {
		h.t.Go(func() error {
			err := params.Launcher.Launch(h.ctx, sess.ID, b.Device(cloudlet.ImageDisk), b.Device(cloudlet.ImageMemory))
			if err != nil && !h.dying() {
				params.Consumer.Warnf("%s: launcher: %v", sess, err)
			}
			return nil
		})
	}
	return nil
}

func (h *handler) watch(sess *session.Session, pipeline *synth.Pipeline) error {
	err := pipeline.Wait()
	if h.dying() {
		return nil
	}
	if err != nil {
		h.fail(err)
		return nil
	}

	h.lock.Lock()
	elapsed := time.Since(h.started)
	h.lock.Unlock()

	h.s.params.Consumer.Infof("%s: synthesis done in %s (%s)", sess, elapsed, pipeline.Stats())
	err = h.send(&wire.Message{
		Command:   int32(wire.Command_SYNTHESIS_DONE),
		SessionId: sess.ID,
	})
	if err != nil && !h.dying() {
		return errors.Wrap(cloudlet.ErrNetworkFailure, err.Error())
	}
	return nil
}

// onDemand asks the client for a blob the pipeline is waiting for
func (h *handler) onDemand(name string) {
	err := h.send(&wire.Message{
		Command: int32(wire.Command_ON_DEMAND),
		BlobUri: name,
	})
	if err != nil {
		h.s.params.Consumer.Debugf("Could not request %s: %v", name, err)
		return
	}
	if h.s.params.Metrics != nil {
		h.s.params.Metrics.IncrCounter([]string{"server", "on_demand"}, 1)
	}
}

func (h *handler) onSendOverlay(msg *wire.Message) error {
	h.lock.Lock()
	m, source := h.manifest, h.source
	h.lock.Unlock()

	if source == nil {
		return h.refuse(errors.New("SEND_OVERLAY before SEND_META"))
	}

	desc, ok := m.Descriptor(msg.BlobUri)
	if !ok {
		h.fail(errors.Wrapf(cloudlet.ErrManifestCorruption, "unknown blob %q", msg.BlobUri))
		return nil
	}
	if msg.Size != int64(len(msg.Data)) || desc.Size != msg.Size {
		h.fail(errors.Wrapf(cloudlet.ErrNetworkFailure, "blob %s: got %d bytes, announced %d, expected %d", msg.BlobUri, len(msg.Data), msg.Size, desc.Size))
		return nil
	}

	err := source.Push(msg.BlobUri, msg.Data)
	if err != nil {
		h.fail(err)
	}
	return nil
}

func (h *handler) onSessionClose(msg *wire.Message) error {
	h.lock.Lock()
	sess := h.sess
	h.lock.Unlock()

	if sess == nil {
		return nil
	}
	if msg.SessionId != "" && msg.SessionId != sess.ID {
		return h.refuse(fmt.Errorf("can't close %s from %s's connection", msg.SessionId, sess))
	}

	_, err := h.s.params.Sessions.End(sess.ID, session.StatusClosed, "")
	if err != nil {
		return err
	}
	h.s.params.Consumer.Infof("%s closed by client", sess)
	return nil
}
