// Package client uploads an overlay to a cloudlet, and answers its
// requests for specific blobs until the VM is synthesized.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/counter"
	"github.com/itchio/cloudlet/overlay"
	"github.com/itchio/cloudlet/wire"
	"github.com/itchio/headway/state"
	"github.com/itchio/headway/united"
	"github.com/pkg/errors"
)

// ErrConnectionRefused is returned when the cloudlet can't be reached
type ErrConnectionRefused struct {
	message string
}

func (err *ErrConnectionRefused) Error() string {
	return fmt.Sprintf("connection refused: %s", err.message)
}

// Unwrap makes refused connections network failures
func (err *ErrConnectionRefused) Unwrap() error {
	return cloudlet.ErrNetworkFailure
}

// RemoteError is a FAILED message from the cloudlet
type RemoteError struct {
	Kind   string
	Reason string
}

func (err *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", err.Kind, err.Reason)
}

// Unwrap returns the error class the cloudlet reported, so that
// cloudlet.KindOf works on remote errors too.
func (err *RemoteError) Unwrap() error {
	return cloudlet.ErrorForKind(err.Kind)
}

// Conn is a connection to a cloudlet
type Conn struct {
	conn     io.ReadWriteCloser
	consumer *state.Consumer

	sent *counter.Writer
	rc   *wire.ReadContext
	wc   *wire.WriteContext

	// SessionID is set once the cloudlet has opened a session
	SessionID string

	closeOnce sync.Once
}

// Dial connects to a cloudlet over TCP
func Dial(address string, consumer *state.Consumer) (*Conn, error) {
	tcpConn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, &ErrConnectionRefused{message: err.Error()}
	}
	return NewConn(tcpConn, consumer), nil
}

// NewConn speaks the synthesis protocol over conn
func NewConn(conn io.ReadWriteCloser, consumer *state.Consumer) *Conn {
	if consumer == nil {
		consumer = &state.Consumer{}
	}

	c := &Conn{
		conn:     conn,
		consumer: consumer,
	}
	c.sent = counter.NewWriter(conn)
	c.rc = wire.NewReadContext(conn)
	c.wc = wire.NewWriteContext(c.sent)
	return c
}

// BytesWritten returns how much was sent to the cloudlet so far
func (c *Conn) BytesWritten() int64 {
	return c.sent.Count()
}

// Result describes a successful synthesis
type Result struct {
	SessionID string
	BlobsSent int
	// OnDemand counts the blob requests received from the cloudlet
	OnDemand  int
	BytesSent int64
	Duration  time.Duration
}

func (r *Result) String() string {
	return fmt.Sprintf("session %s: %d blobs sent (%s), %d requested on demand, in %s",
		r.SessionID, r.BlobsSent, united.FormatBytes(r.BytesSent), r.OnDemand, r.Duration)
}

// Synthesize opens a session, uploads pkg's manifest, then streams its
// blobs in manifest order, sending requested ones first. It returns once
// the cloudlet reports SYNTHESIS_DONE. The session stays open until Close.
func (c *Conn) Synthesize(ctx context.Context, pkg overlay.Package) (*Result, error) {
	start := time.Now()
	m := pkg.Manifest()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-stop:
		}
	}()

	err := c.send(&wire.Message{Command: int32(wire.Command_SESSION_CREATE)})
	if err != nil {
		return nil, c.wrap(ctx, err)
	}
	reply, err := c.expect(wire.Command_SESSION_ID)
	if err != nil {
		return nil, c.wrap(ctx, err)
	}
	c.SessionID = reply.SessionId
	c.consumer.Infof("Opened session %s", c.SessionID)

	meta, err := m.Marshal()
	if err != nil {
		return nil, err
	}
	err = c.send(&wire.Message{
		Command:   int32(wire.Command_SEND_META),
		SessionId: c.SessionID,
		Meta:      meta,
		Size:      int64(len(meta)),
	})
	if err != nil {
		return nil, c.wrap(ctx, err)
	}
	_, err = c.expect(wire.Command_SUCCESS)
	if err != nil {
		return nil, c.wrap(ctx, err)
	}
	c.consumer.Infof("Manifest accepted: %d blobs, %s", len(m.Blobs), united.FormatBytes(m.TotalSize()))

	incoming := make(chan *wire.Message, len(m.Blobs)+4)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg := &wire.Message{}
			err := c.rc.ReadMessage(msg)
			if err != nil {
				readErr <- err
				close(incoming)
				return
			}
			incoming <- msg
		}
	}()

	res := &Result{SessionID: c.SessionID}
	order := m.BlobOrder()
	sent := make(map[string]bool)
	var demanded []string
	next := 0

	handle := func(msg *wire.Message, ok bool) (bool, error) {
		if !ok {
			err := <-readErr
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return false, c.wrap(ctx, err)
		}

		switch msg.GetCommand() {
		case wire.Command_ON_DEMAND:
			res.OnDemand++
			if !sent[msg.BlobUri] {
				demanded = append(demanded, msg.BlobUri)
			}
			return false, nil
		case wire.Command_SYNTHESIS_DONE:
			return true, nil
		case wire.Command_FAILED:
			return false, &RemoteError{Kind: msg.ErrorKind, Reason: msg.Reason}
		default:
			return false, errors.Errorf("unexpected %s from cloudlet", msg.GetCommand())
		}
	}

	pick := func() string {
		for len(demanded) > 0 {
			name := demanded[0]
			demanded = demanded[1:]
			if !sent[name] {
				return name
			}
		}
		for next < len(order) {
			name := order[next]
			next++
			if !sent[name] {
				return name
			}
		}
		return ""
	}

	for {
		// take in whatever the cloudlet asked for so far
		drained := false
		for !drained {
			select {
			case msg, ok := <-incoming:
				done, err := handle(msg, ok)
				if err != nil {
					return nil, err
				}
				if done {
					return c.finish(res, start), nil
				}
			default:
				drained = true
			}
		}

		name := pick()
		if name == "" {
			break
		}

		err := c.sendBlob(pkg, name)
		if err != nil {
			return nil, c.wrap(ctx, err)
		}
		sent[name] = true
		res.BlobsSent++
		c.consumer.Progress(float64(res.BlobsSent) / float64(len(order)))
	}

	// everything was sent, wait for the verdict
	for {
		msg, ok := <-incoming
		done, err := handle(msg, ok)
		if err != nil {
			return nil, err
		}
		if done {
			return c.finish(res, start), nil
		}
	}
}

func (c *Conn) finish(res *Result, start time.Time) *Result {
	res.BytesSent = c.sent.Count()
	res.Duration = time.Since(start)
	c.consumer.Infof("Synthesis done: %s", res)
	return res
}

func (c *Conn) sendBlob(pkg overlay.Package, name string) error {
	data, err := overlay.ReadBlob(pkg, name)
	if err != nil {
		return err
	}

	c.consumer.Debugf("Sending %s (%s)", name, united.FormatBytes(int64(len(data))))
	return c.send(&wire.Message{
		Command:   int32(wire.Command_SEND_OVERLAY),
		SessionId: c.SessionID,
		BlobUri:   name,
		Size:      int64(len(data)),
		Data:      data,
	})
}

func (c *Conn) send(msg *wire.Message) error {
	return c.wc.WriteMessage(msg)
}

// expect reads the next message, which must be cmd or FAILED
func (c *Conn) expect(cmd wire.Command) (*wire.Message, error) {
	msg := &wire.Message{}
	err := c.rc.ReadMessage(msg)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	switch msg.GetCommand() {
	case cmd:
		return msg, nil
	case wire.Command_FAILED:
		return nil, &RemoteError{Kind: msg.ErrorKind, Reason: msg.Reason}
	default:
		return nil, errors.Errorf("expected %s, got %s", cmd, msg.GetCommand())
	}
}

// wrap turns transport errors into network failures
func (c *Conn) wrap(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if _, ok := err.(*RemoteError); ok {
		return err
	}
	if errors.Is(err, cloudlet.ErrNetworkFailure) {
		return err
	}
	return errors.Wrap(cloudlet.ErrNetworkFailure, err.Error())
}

// Close ends the session, if one was opened, and closes the connection
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.SessionID != "" {
			sendErr := c.send(&wire.Message{
				Command:   int32(wire.Command_SESSION_CLOSE),
				SessionId: c.SessionID,
			})
			if sendErr != nil {
				c.consumer.Debugf("Could not close session: %v", sendErr)
			}
		}
		err = c.conn.Close()
	})
	return err
}
