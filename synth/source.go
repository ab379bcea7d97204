package synth

import (
	"context"
	"io"
	"io/ioutil"
	"sync"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/overlay"
	"github.com/itchio/savior/seeksource"
	"github.com/pkg/errors"
)

// PackageSource reads blobs from an overlay package (a local directory,
// a zip, or their URL).
type PackageSource struct {
	Package overlay.Package
}

var _ BlobSource = (*PackageSource)(nil)

// Fetch opens a blob of the package
func (ps *PackageSource) Fetch(ctx context.Context, name string) (io.ReadCloser, error) {
	return ps.Package.OpenBlob(name)
}

// PushSource serves blobs that are pushed to it, typically as they're
// received from a client. A Fetch for a blob that hasn't arrived yet
// triggers OnDemand, then waits for it.
type PushSource struct {
	// OnDemand is called at most once per blob
	OnDemand func(name string)

	lock      sync.Mutex
	blobs     map[string][]byte
	received  map[string]bool
	requested map[string]bool
	waiters   map[string]chan struct{}
	err       error
}

var _ BlobSource = (*PushSource)(nil)

// NewPushSource returns an empty source
func NewPushSource(onDemand func(name string)) *PushSource {
	return &PushSource{
		OnDemand:  onDemand,
		blobs:     make(map[string][]byte),
		received:  make(map[string]bool),
		requested: make(map[string]bool),
		waiters:   make(map[string]chan struct{}),
	}
}

// Push makes a blob available. Each blob may only be pushed once.
func (ps *PushSource) Push(name string, data []byte) error {
	ps.lock.Lock()
	defer ps.lock.Unlock()

	if ps.err != nil {
		return ps.err
	}
	if ps.received[name] {
		return errors.Wrapf(cloudlet.ErrManifestCorruption, "blob %s received twice", name)
	}

	ps.received[name] = true
	ps.blobs[name] = data
	if w, ok := ps.waiters[name]; ok {
		close(w)
		delete(ps.waiters, name)
	}
	return nil
}

// Received returns true if a blob was pushed already
func (ps *PushSource) Received(name string) bool {
	ps.lock.Lock()
	defer ps.lock.Unlock()
	return ps.received[name]
}

// Close makes every pending and future Fetch fail with err, typically
// because the connection was lost.
func (ps *PushSource) Close(err error) {
	if err == nil {
		err = errors.New("push source closed")
	}

	ps.lock.Lock()
	defer ps.lock.Unlock()

	if ps.err != nil {
		return
	}
	ps.err = err
	for name, w := range ps.waiters {
		close(w)
		delete(ps.waiters, name)
	}
}

// Fetch returns a blob, waiting for it to be pushed if needed. Fetched
// blobs are forgotten.
func (ps *PushSource) Fetch(ctx context.Context, name string) (io.ReadCloser, error) {
	ps.lock.Lock()
	w, demand, err := ps.waitLocked(name)
	ps.lock.Unlock()
	if err != nil {
		return nil, err
	}

	if demand && ps.OnDemand != nil {
		ps.OnDemand(name)
	}

	if w != nil {
		select {
		case <-w:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		ps.lock.Lock()
		_, _, err = ps.waitLocked(name)
		ps.lock.Unlock()
		if err != nil {
			return nil, err
		}
	}

	ps.lock.Lock()
	data := ps.blobs[name]
	delete(ps.blobs, name)
	ps.lock.Unlock()

	source := seeksource.FromBytes(data)
	_, err = source.Resume(nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return ioutil.NopCloser(source), nil
}

// waitLocked returns a nil channel if the blob is there, and whether
// OnDemand should be called.
func (ps *PushSource) waitLocked(name string) (chan struct{}, bool, error) {
	if _, ok := ps.blobs[name]; ok {
		return nil, false, nil
	}
	if ps.err != nil {
		return nil, false, ps.err
	}
	if ps.received[name] {
		return nil, false, errors.Errorf("blob %s was fetched already", name)
	}

	w, ok := ps.waiters[name]
	if !ok {
		w = make(chan struct{})
		ps.waiters[name] = w
	}

	demand := !ps.requested[name]
	ps.requested[name] = true
	return w, demand, nil
}
