package broker

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/overlay"
	"github.com/itchio/cloudlet/synth"
	"github.com/itchio/cloudlet/vmtest"
	"github.com/itchio/cloudlet/wtest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

const cs = vmtest.ChunkSize

// gatedSource holds every blob back until released
type gatedSource struct {
	pkg  overlay.Package
	gate chan struct{}
	err  error

	lock    sync.Mutex
	fetched []string
}

func (gs *gatedSource) Fetch(ctx context.Context, name string) (io.ReadCloser, error) {
	gs.lock.Lock()
	gs.fetched = append(gs.fetched, name)
	gs.lock.Unlock()

	select {
	case <-gs.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if gs.err != nil {
		return nil, gs.err
	}
	return gs.pkg.OpenBlob(name)
}

type harness struct {
	f        *vmtest.Fixture
	pkg      overlay.Package
	source   *gatedSource
	broker   *Broker
	pipeline *synth.Pipeline
}

func newHarness(t *testing.T, sourceErr error) *harness {
	f := vmtest.New(t)
	f.Config.MaxBlobSize = cs
	pkg := f.Open(t, "overlay")
	m := pkg.Manifest()

	b, err := New(Params{
		Manifest: m,
		Base:     f.Base,
		Stores: map[cloudlet.ImageKind]Store{
			cloudlet.ImageDisk:   NewMemStore(m.DiskSize),
			cloudlet.ImageMemory: NewMemStore(m.MemorySize),
		},
	})
	wtest.Must(t, err)

	source := &gatedSource{pkg: pkg, gate: make(chan struct{}), err: sourceErr}
	p, err := synth.New(synth.Params{
		Manifest:   m,
		Source:     source,
		References: f.Base,
		Sink:       b,
		Config:     f.Config,
	})
	wtest.Must(t, err)
	b.Attach(p)

	t.Cleanup(func() {
		p.Cancel()
		b.Terminate()
	})

	return &harness{f: f, pkg: pkg, source: source, broker: b, pipeline: p}
}

func readChunk(d Device, index int) ([]byte, error) {
	buf := make([]byte, cs)
	_, err := d.ReadAt(buf, int64(index)*cs)
	return buf, err
}

func Test_OnDemandRead(t *testing.T) {
	h := newHarness(t, nil)
	m := h.pkg.Manifest()
	disk := h.broker.Device(cloudlet.ImageDisk)

	order := m.BlobOrder()
	blob, err := m.Lookup(11*cs, cloudlet.ImageDisk)
	wtest.Must(t, err)
	assert.NotEqual(t, order[0], blob)

	h.pipeline.Start(context.Background())
	assert.Eventually(t, func() bool {
		h.source.lock.Lock()
		defer h.source.lock.Unlock()
		return len(h.source.fetched) == 1
	}, time.Second, 5*time.Millisecond)

	done := make(chan []byte)
	go func() {
		buf, err := readChunk(disk, 11)
		if err != nil {
			buf = nil
		}
		done <- buf
	}()

	select {
	case <-done:
		t.Fatal("read should block until the chunk is materialized")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.source.gate)
	buf := <-done
	assert.True(t, bytes.Equal(h.f.Disk.Chunk(11), buf))

	st := disk.Stats()
	assert.EqualValues(t, 1, st.Count)
	assert.True(t, st.Total > 0)
	assert.True(t, st.Max > 0)

	wtest.Must(t, h.pipeline.Wait())

	// the requested blob jumped the queue
	h.source.lock.Lock()
	assert.Equal(t, blob, h.source.fetched[1])
	h.source.lock.Unlock()
}

func Test_FullSynthesis(t *testing.T) {
	h := newHarness(t, nil)
	close(h.source.gate)
	h.pipeline.Start(context.Background())
	wtest.Must(t, h.pipeline.Wait())

	for _, image := range cloudlet.ImageKinds {
		d := h.broker.Device(image)
		buf := make([]byte, d.Size())
		_, err := d.ReadAt(buf, 0)
		wtest.Must(t, err)
		assert.True(t, bytes.Equal(h.f.Modified(image), buf), "%s", image)
		assert.EqualValues(t, 0, d.Stats().Count)
	}

	// past the end
	d := h.broker.Device(cloudlet.ImageMemory)
	_, err := d.ReadAt(make([]byte, 10), d.Size())
	assert.Equal(t, io.EOF, err)
	n, err := d.ReadAt(make([]byte, 10), d.Size()-4)
	assert.Equal(t, 4, n)
	assert.Equal(t, io.EOF, err)
}

func Test_UncoveredRead(t *testing.T) {
	h := newHarness(t, nil)

	// chunk 20 is untouched, it comes straight from the base
	buf, err := readChunk(h.broker.Device(cloudlet.ImageDisk), 20)
	wtest.Must(t, err)
	assert.True(t, bytes.Equal(h.f.BaseDiskImage.Chunk(20), buf))
	assert.Empty(t, h.source.fetched)
}

func Test_DirtyChunks(t *testing.T) {
	h := newHarness(t, nil)
	close(h.source.gate)
	h.pipeline.Start(context.Background())
	wtest.Must(t, h.pipeline.Wait())

	disk := h.broker.Device(cloudlet.ImageDisk)

	// a partial write to an untouched chunk
	_, err := disk.WriteAt([]byte("hello"), 25*cs+10)
	wtest.Must(t, err)
	// a write straddling two chunks, one of which came from the overlay
	_, err = disk.WriteAt(bytes.Repeat([]byte{7}, cs), 4*cs+cs/2)
	wtest.Must(t, err)

	buf, err := readChunk(disk, 25)
	wtest.Must(t, err)
	expected := append([]byte{}, h.f.BaseDiskImage.Chunk(25)...)
	copy(expected[10:], "hello")
	assert.True(t, bytes.Equal(expected, buf))

	buf, err = readChunk(disk, 4)
	wtest.Must(t, err)
	assert.True(t, bytes.Equal(h.f.Disk.Chunk(4)[:cs/2], buf[:cs/2]))
	assert.True(t, bytes.Equal(bytes.Repeat([]byte{7}, cs/2), buf[cs/2:]))

	assert.Equal(t, []int64{4 * cs, 5 * cs, 25 * cs}, h.broker.DirtyChunks(cloudlet.ImageDisk))
	assert.Empty(t, h.broker.DirtyChunks(cloudlet.ImageMemory))

	modified := h.broker.ModifiedChunks(cloudlet.ImageDisk)
	assert.Contains(t, modified, int64(25*cs))
	assert.Contains(t, modified, int64(0))
	assert.Len(t, modified, len(h.pkg.Manifest().CoveredChunks(cloudlet.ImageDisk))+1)

	_, err = disk.WriteAt([]byte{1}, disk.Size())
	assert.Error(t, err)
}

func Test_FailWakesReaders(t *testing.T) {
	h := newHarness(t, errors.New("connection reset"))
	h.pipeline.Start(context.Background())

	done := make(chan error)
	go func() {
		_, err := readChunk(h.broker.Device(cloudlet.ImageMemory), 5)
		done <- err
	}()

	close(h.source.gate)
	err := <-done
	assert.True(t, errors.Is(err, cloudlet.ErrNetworkFailure))
	assert.True(t, errors.Is(h.pipeline.Wait(), cloudlet.ErrNetworkFailure))

	// even uncovered chunks fail from then on
	_, err = readChunk(h.broker.Device(cloudlet.ImageDisk), 20)
	assert.Error(t, err)
}

func Test_Terminate(t *testing.T) {
	h := newHarness(t, nil)

	done := make(chan error)
	go func() {
		_, err := readChunk(h.broker.Device(cloudlet.ImageDisk), 4)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	wtest.Must(t, h.broker.Terminate())
	assert.Equal(t, ErrTerminated, <-done)
	wtest.Must(t, h.broker.Terminate())

	_, err := readChunk(h.broker.Device(cloudlet.ImageDisk), 20)
	assert.Equal(t, ErrTerminated, err)

	err = h.broker.WriteChunk(cloudlet.ImageDisk, 4*cs, make([]byte, cs))
	assert.Equal(t, ErrTerminated, err)
}

func Test_RequestsBeforeAttach(t *testing.T) {
	f := vmtest.New(t)
	f.Config.MaxBlobSize = cs
	pkg := f.Open(t, "overlay")
	m := pkg.Manifest()

	b, err := New(Params{
		Manifest: m,
		Base:     f.Base,
		Stores: map[cloudlet.ImageKind]Store{
			cloudlet.ImageDisk:   NewMemStore(m.DiskSize),
			cloudlet.ImageMemory: NewMemStore(m.MemorySize),
		},
	})
	wtest.Must(t, err)
	defer b.Terminate()

	go readChunk(b.Device(cloudlet.ImageDisk), 11)
	go readChunk(b.Device(cloudlet.ImageDisk), 11)

	rec := &recorder{}
	assert.Eventually(t, func() bool {
		b.requestLock.Lock()
		defer b.requestLock.Unlock()
		return len(b.pending) == 1
	}, time.Second, 5*time.Millisecond)

	b.Attach(rec)
	blob, _ := m.Lookup(11*cs, cloudlet.ImageDisk)
	assert.Equal(t, []string{blob}, rec.blobs)
}

type recorder struct {
	blobs []string
}

func (r *recorder) Prioritize(blob string) {
	r.blobs = append(r.blobs, blob)
}

func Test_FileStore(t *testing.T) {
	dir := wtest.TempDir(t, "broker")
	fs, err := OpenFileStore(filepath.Join(dir, "disk.img"), 4*cs)
	wtest.Must(t, err)

	_, err = fs.WriteAt([]byte("hi"), 3*cs)
	wtest.Must(t, err)

	buf := make([]byte, cs)
	_, err = fs.ReadAt(buf, 3*cs)
	wtest.Must(t, err)
	assert.Equal(t, "hi", string(buf[:2]))

	_, err = fs.ReadAt(buf, 0)
	wtest.Must(t, err)
	assert.Equal(t, make([]byte, cs), buf)
	wtest.Must(t, fs.Close())
}

func Test_SeedFileStore(t *testing.T) {
	dir := wtest.TempDir(t, "broker")
	path := filepath.Join(dir, "disk.img")

	base := wtest.NewImage(cs, 40)
	for i := 0; i < 40; i += 3 {
		base.Fill(i, int64(500+i))
	}
	size := int64(len(base.Data))

	// leftovers from an earlier session must not survive
	stale := wtest.NewImage(cs, 40)
	for i := 0; i < 40; i++ {
		stale.Fill(i, int64(900+i))
	}
	stale.Write(t, path)

	fs, err := OpenFileStore(path, size)
	wtest.Must(t, err)
	wtest.Must(t, Seed(fs, bytes.NewReader(base.Data), size))
	wtest.Must(t, fs.Close())

	assert.True(t, bytes.Equal(base.Data, wtest.ReadFile(t, path)))
}

func Test_SeedMemStore(t *testing.T) {
	base := wtest.NewImage(cs, 3).Fill(1, 42)
	ms := NewMemStore(int64(len(base.Data)))
	wtest.Must(t, Seed(ms, bytes.NewReader(base.Data), int64(len(base.Data))))
	assert.True(t, bytes.Equal(base.Data, ms.Bytes()))

	// a base shorter than announced is an error, not silent zeroes
	short := NewMemStore(4 * cs)
	err := Seed(short, bytes.NewReader(base.Data), 4*cs)
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}
