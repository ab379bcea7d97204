// Package broker exposes the disk and memory images of a VM being
// synthesized as block devices, so that the VM can run before synthesis
// is over. Reading a chunk that hasn't arrived yet asks the pipeline for
// its blob, then blocks until it's materialized.
package broker

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/manifest"
	"github.com/itchio/cloudlet/synth"
	"github.com/itchio/headway/state"
	"github.com/pkg/errors"
)

// ErrTerminated is returned by every device operation after Terminate
var ErrTerminated = errors.New("broker terminated")

// WaitStats describes how long readers waited for chunks to materialize
type WaitStats struct {
	Count int64
	Total time.Duration
	Max   time.Duration
}

func (ws WaitStats) String() string {
	if ws.Count == 0 {
		return "no waits"
	}
	return fmt.Sprintf("%d waits, %s total, %s max", ws.Count, ws.Total, ws.Max)
}

// A Device is an image as seen by the hypervisor
type Device interface {
	io.ReaderAt
	io.WriterAt
	Size() int64
	Stats() WaitStats
}

// A Prioritizer fetches a blob ahead of the others
type Prioritizer interface {
	Prioritize(blob string)
}

// Base gives access to the base images, for chunks the overlay doesn't cover
type Base interface {
	ReaderAt(image cloudlet.ImageKind) io.ReaderAt
}

// Params configures a broker
type Params struct {
	Manifest *manifest.Manifest
	Base     Base
	Stores   map[cloudlet.ImageKind]Store

	Consumer *state.Consumer
	// Metrics may be nil
	Metrics *metrics.Metrics
}

// Broker serves the images of one session. It's the sink of
// that session's synthesis pipeline.
type Broker struct {
	params    Params
	chunkSize int64

	lock       sync.Mutex
	images     map[cloudlet.ImageKind]*imageState
	err        error
	terminated bool

	requestLock sync.Mutex
	prioritizer Prioritizer
	requested   map[string]bool
	pending     []string

	// serializes read-modify-write cycles of the hypervisor
	writeLock sync.Mutex
}

var _ synth.Sink = (*Broker)(nil)

type imageState struct {
	kind    cloudlet.ImageKind
	size    int64
	store   Store
	covered map[int64]bool
	present map[int64]bool
	dirty   map[int64]bool
	waiters map[int64]chan struct{}
	stats   WaitStats
}

// New returns a broker with nothing materialized yet
func New(params Params) (*Broker, error) {
	m := params.Manifest
	if m == nil || params.Base == nil {
		return nil, errors.New("broker.New: missing manifest or base")
	}
	if params.Consumer == nil {
		params.Consumer = &state.Consumer{}
	}

	b := &Broker{
		params:    params,
		chunkSize: m.ChunkSize,
		images:    make(map[cloudlet.ImageKind]*imageState),
		requested: make(map[string]bool),
	}

	for _, image := range cloudlet.ImageKinds {
		store, ok := params.Stores[image]
		if !ok {
			return nil, errors.Errorf("broker.New: no store for %s", image)
		}

		is := &imageState{
			kind:    image,
			size:    m.ImageSize(image),
			store:   store,
			covered: make(map[int64]bool),
			present: make(map[int64]bool),
			dirty:   make(map[int64]bool),
			waiters: make(map[int64]chan struct{}),
		}
		for _, offset := range m.CoveredChunks(image) {
			is.covered[offset] = true
		}
		b.images[image] = is
	}

	return b, nil
}

// Attach sets the pipeline priority requests are sent to. Requests made
// before that are sent on attach.
func (b *Broker) Attach(p Prioritizer) {
	b.requestLock.Lock()
	defer b.requestLock.Unlock()

	b.prioritizer = p
	for _, blob := range b.pending {
		p.Prioritize(blob)
	}
	b.pending = nil
}

// Device returns the device of one image
func (b *Broker) Device(image cloudlet.ImageKind) Device {
	return &device{b: b, image: image}
}

// WriteChunk stores a reconstructed chunk and wakes whoever waits for it
func (b *Broker) WriteChunk(image cloudlet.ImageKind, offset int64, data []byte) error {
	b.lock.Lock()
	if b.terminated {
		b.lock.Unlock()
		return ErrTerminated
	}
	is := b.images[image]
	if !is.covered[offset] {
		b.lock.Unlock()
		return errors.Wrapf(cloudlet.ErrManifestCorruption, "%s chunk at %d isn't part of the overlay", image, offset)
	}
	if is.present[offset] {
		b.lock.Unlock()
		return errors.Wrapf(cloudlet.ErrManifestCorruption, "%s chunk at %d materialized twice", image, offset)
	}
	b.lock.Unlock()

	_, err := is.store.WriteAt(data, offset)
	if err != nil {
		return errors.WithStack(err)
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	is.present[offset] = true
	if w, ok := is.waiters[offset]; ok {
		close(w)
		delete(is.waiters, offset)
	}
	return nil
}

// BlobMaterialized is called by the pipeline once a blob is fully written
func (b *Broker) BlobMaterialized(name string, desc *manifest.BlobDescriptor) {
	b.params.Consumer.Debugf("Blob %s materialized (%d chunks)", name, desc.NumChunks())
	if b.params.Metrics != nil {
		b.params.Metrics.IncrCounter([]string{"broker", "blobs", "materialized"}, 1)
	}
}

// Fail wakes every waiting reader with err
func (b *Broker) Fail(err error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	if b.err == nil {
		b.err = err
	}
	b.wakeAllLocked()
}

// Terminate detaches the devices. Pending and future operations fail
// with ErrTerminated. Calling it more than once is fine.
func (b *Broker) Terminate() error {
	b.lock.Lock()
	if b.terminated {
		b.lock.Unlock()
		return nil
	}
	b.terminated = true
	b.wakeAllLocked()
	b.lock.Unlock()

	var firstErr error
	for _, image := range cloudlet.ImageKinds {
		err := b.images[image].store.Close()
		if err != nil && firstErr == nil {
			firstErr = errors.WithStack(err)
		}
	}
	return firstErr
}

func (b *Broker) wakeAllLocked() {
	for _, is := range b.images {
		for offset, w := range is.waiters {
			close(w)
			delete(is.waiters, offset)
		}
	}
}

func (b *Broker) errLocked() error {
	if b.terminated {
		return ErrTerminated
	}
	return b.err
}

// DirtyChunks returns the offsets of chunks the hypervisor wrote to, in order
func (b *Broker) DirtyChunks(image cloudlet.ImageKind) []int64 {
	b.lock.Lock()
	defer b.lock.Unlock()
	return sortedOffsets(b.images[image].dirty)
}

// ModifiedChunks returns the offsets of every chunk that may differ from
// the base: the ones the overlay covers, and the dirty ones. It's what an
// overlay of the running VM needs to look at.
func (b *Broker) ModifiedChunks(image cloudlet.ImageKind) []int64 {
	b.lock.Lock()
	defer b.lock.Unlock()

	is := b.images[image]
	all := make(map[int64]bool, len(is.covered)+len(is.dirty))
	for offset := range is.covered {
		all[offset] = true
	}
	for offset := range is.dirty {
		all[offset] = true
	}
	return sortedOffsets(all)
}

// Stats returns the wait statistics of one image
func (b *Broker) Stats(image cloudlet.ImageKind) WaitStats {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.images[image].stats
}

func sortedOffsets(set map[int64]bool) []int64 {
	res := make([]int64, 0, len(set))
	for offset := range set {
		res = append(res, offset)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

// ensure waits until a chunk can be read. It returns true if the chunk
// lives in the store, false if it should be read from the base.
func (b *Broker) ensure(image cloudlet.ImageKind, offset int64) (bool, error) {
	b.lock.Lock()
	if err := b.errLocked(); err != nil {
		b.lock.Unlock()
		return false, err
	}

	is := b.images[image]
	if is.present[offset] {
		b.lock.Unlock()
		return true, nil
	}
	if !is.covered[offset] {
		b.lock.Unlock()
		return false, nil
	}

	w, ok := is.waiters[offset]
	if !ok {
		w = make(chan struct{})
		is.waiters[offset] = w
	}
	b.lock.Unlock()

	blob, err := b.params.Manifest.Lookup(offset, image)
	if err != nil {
		return false, err
	}
	b.request(blob)

	start := time.Now()
	<-w
	waited := time.Since(start)

	b.lock.Lock()
	defer b.lock.Unlock()

	is.stats.Count++
	is.stats.Total += waited
	if waited > is.stats.Max {
		is.stats.Max = waited
	}
	if b.params.Metrics != nil {
		b.params.Metrics.AddSample([]string{"broker", "wait", image.String()}, float32(waited.Seconds()*1000))
	}

	if err := b.errLocked(); err != nil {
		return false, err
	}
	if !is.present[offset] {
		return false, errors.Errorf("%s chunk at %d: woken up but not materialized", image, offset)
	}
	return true, nil
}

// request asks for a blob once
func (b *Broker) request(blob string) {
	b.requestLock.Lock()
	defer b.requestLock.Unlock()

	if b.requested[blob] {
		return
	}
	b.requested[blob] = true
	b.params.Consumer.Debugf("Requesting blob %s", blob)

	if b.prioritizer == nil {
		b.pending = append(b.pending, blob)
		return
	}
	b.prioritizer.Prioritize(blob)
}

// chunkRange calls cb for every chunk overlapping [off, off+length)
func (b *Broker) chunkRange(off int64, length int64, cb func(chunkOffset int64, start int64, end int64) error) error {
	cs := b.chunkSize
	for pos := off; pos < off+length; {
		chunkOffset := pos / cs * cs
		end := chunkOffset + cs
		if end > off+length {
			end = off + length
		}
		err := cb(chunkOffset, pos-chunkOffset, end-chunkOffset)
		if err != nil {
			return err
		}
		pos = end
	}
	return nil
}

func (b *Broker) readAt(image cloudlet.ImageKind, p []byte, off int64) (int, error) {
	is := b.images[image]
	if off < 0 {
		return 0, errors.Errorf("negative offset %d", off)
	}
	if off >= is.size {
		return 0, io.EOF
	}

	length := int64(len(p))
	var eof error
	if off+length > is.size {
		length = is.size - off
		eof = io.EOF
	}

	n := 0
	err := b.chunkRange(off, length, func(chunkOffset int64, start int64, end int64) error {
		buf := p[n : n+int(end-start)]
		inStore, err := b.ensure(image, chunkOffset)
		if err != nil {
			return err
		}

		var src io.ReaderAt = is.store
		if !inStore {
			src = b.params.Base.ReaderAt(image)
		}
		_, err = src.ReadAt(buf, chunkOffset+start)
		if err != nil && err != io.EOF {
			return errors.WithStack(err)
		}
		n += len(buf)
		return nil
	})
	if err != nil {
		return n, err
	}
	return n, eof
}

func (b *Broker) writeAt(image cloudlet.ImageKind, p []byte, off int64) (int, error) {
	is := b.images[image]
	if off < 0 || off+int64(len(p)) > is.size {
		return 0, errors.Errorf("write of %d bytes at %d outside of %d-byte %s image", len(p), off, is.size, image)
	}

	n := 0
	err := b.chunkRange(off, int64(len(p)), func(chunkOffset int64, start int64, end int64) error {
		data := p[n : n+int(end-start)]
		inStore, err := b.ensure(image, chunkOffset)
		if err != nil {
			return err
		}

		b.writeLock.Lock()
		defer b.writeLock.Unlock()

		if start == 0 && end == b.chunkSize {
			_, err = is.store.WriteAt(data, chunkOffset)
		} else {
			err = b.readModifyWrite(is, inStore, chunkOffset, start, data)
		}
		if err != nil {
			return err
		}

		b.lock.Lock()
		if err := b.errLocked(); err == ErrTerminated {
			b.lock.Unlock()
			return err
		}
		is.present[chunkOffset] = true
		is.dirty[chunkOffset] = true
		b.lock.Unlock()

		n += len(data)
		return nil
	})
	return n, err
}

func (b *Broker) readModifyWrite(is *imageState, inStore bool, chunkOffset int64, start int64, data []byte) error {
	// a previous write may have moved the chunk to the store
	if !inStore {
		b.lock.Lock()
		inStore = is.present[chunkOffset]
		b.lock.Unlock()
	}

	chunk := make([]byte, b.chunkSize)
	var src io.ReaderAt = is.store
	if !inStore {
		src = b.params.Base.ReaderAt(is.kind)
	}
	_, err := src.ReadAt(chunk, chunkOffset)
	if err != nil && err != io.EOF {
		return errors.WithStack(err)
	}

	copy(chunk[start:], data)
	_, err = is.store.WriteAt(chunk, chunkOffset)
	if err != nil {
		return errors.WithStack(err)
	}
	return nil
}

type device struct {
	b     *Broker
	image cloudlet.ImageKind
}

func (d *device) ReadAt(p []byte, off int64) (int, error) {
	return d.b.readAt(d.image, p, off)
}

func (d *device) WriteAt(p []byte, off int64) (int, error) {
	return d.b.writeAt(d.image, p, off)
}

func (d *device) Size() int64 {
	return d.b.images[d.image].size
}

func (d *device) Stats() WaitStats {
	return d.b.Stats(d.image)
}
