// Package synth reconstructs a modified VM from its base and an overlay,
// blob by blob, while the VM may already be running.
//
// Three stages run concurrently, connected by bounded queues: fetch pulls
// compressed blobs from a BlobSource, decompress inflates them, and apply
// decodes delta items, checks them, and writes reconstructed chunks to a Sink.
package synth

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	metrics "github.com/armon/go-metrics"
	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/compression"
	"github.com/itchio/cloudlet/delta"
	"github.com/itchio/cloudlet/manifest"
	"github.com/itchio/headway/state"
	"github.com/itchio/headway/united"
	"github.com/pkg/errors"
	"gopkg.in/tomb.v2"
)

// ErrCancelled is what Wait returns after Cancel
var ErrCancelled = errors.New("synthesis cancelled")

// A Sink receives reconstructed chunks. WriteChunk is only ever called
// from the apply stage, once per chunk.
type Sink interface {
	WriteChunk(image cloudlet.ImageKind, offset int64, data []byte) error
	// BlobMaterialized is called once every chunk of a blob has been written
	BlobMaterialized(name string, desc *manifest.BlobDescriptor)
	// Fail is called once if the synthesis fails or is cancelled
	Fail(err error)
}

// A BlobSource returns the compressed content of a blob
type BlobSource interface {
	Fetch(ctx context.Context, name string) (io.ReadCloser, error)
}

// Params configures a pipeline
type Params struct {
	Manifest   *manifest.Manifest
	Source     BlobSource
	References delta.References
	Sink       Sink

	Config   *cloudlet.Config
	Consumer *state.Consumer
	// Metrics may be nil
	Metrics *metrics.Metrics
}

// Stats describes a finished (or ongoing) synthesis
type Stats struct {
	BlobsFetched      int
	BlobsMaterialized int
	BytesFetched      int64
	ChunksApplied     int
	Prioritized       int
}

// Pipeline runs one synthesis. Start it once.
type Pipeline struct {
	params Params
	algo   compression.Algorithm
	t      *tomb.Tomb
	ctx    context.Context

	lock     sync.Mutex
	fetched  map[string]bool
	priority []string
	notify   chan struct{}
	stats    Stats
	done     chan struct{}

	startOnce sync.Once
	failOnce  sync.Once
}

type appliedKey struct {
	image  cloudlet.ImageKind
	offset int64
}

// New validates params and returns a pipeline that isn't running yet
func New(params Params) (*Pipeline, error) {
	if params.Manifest == nil || params.Source == nil || params.Sink == nil || params.Config == nil {
		return nil, errors.New("synth.New: missing manifest, source, sink or config")
	}
	if params.Consumer == nil {
		params.Consumer = &state.Consumer{}
	}

	algo, err := compression.ParseAlgorithm(params.Manifest.Compression)
	if err != nil {
		return nil, errors.Wrap(cloudlet.ErrIncompatibleFormat, err.Error())
	}

	return &Pipeline{
		params:  params,
		algo:    algo,
		fetched: make(map[string]bool),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Start launches the three stages. Cancelling ctx cancels the synthesis.
func (p *Pipeline) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.t, p.ctx = tomb.WithContext(ctx)

		depth := p.params.Config.QueueDepth
		compressed := make(chan *piece, depth)
		decompressed := make(chan *piece, depth)

		p.t.Go(func() error {
			return p.fetchStage(compressed)
		})
		p.t.Go(func() error {
			return p.decompressStage(compressed, decompressed)
		})
		p.t.Go(func() error {
			return p.applyStage(decompressed)
		})

		go func() {
			defer close(p.done)
			err := p.t.Wait()
			if err != nil {
				p.fail(err)
			}
		}()
	})
}

func (p *Pipeline) fail(err error) {
	p.failOnce.Do(func() {
		p.params.Consumer.Warnf("Synthesis failed: %v", err)
		p.params.Sink.Fail(err)
	})
}

// Prioritize asks for a blob to be fetched next, if it hasn't been already.
// It never blocks.
func (p *Pipeline) Prioritize(name string) {
	if _, ok := p.params.Manifest.Descriptor(name); !ok {
		return
	}

	p.lock.Lock()
	if p.fetched[name] {
		p.lock.Unlock()
		return
	}
	for _, queued := range p.priority {
		if queued == name {
			p.lock.Unlock()
			return
		}
	}
	p.priority = append(p.priority, name)
	p.stats.Prioritized++
	p.lock.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Wait blocks until the synthesis succeeded, failed, or was cancelled
func (p *Pipeline) Wait() error {
	if p.t == nil {
		return errors.New("synth: Wait called before Start")
	}
	return p.t.Wait()
}

// Cancel stops every stage. It's safe to call at any time, more than once.
func (p *Pipeline) Cancel() {
	if p.t == nil {
		return
	}
	p.t.Kill(ErrCancelled)
}

// Done is closed once every stage has exited, and the sink has been told
// of the failure if there was one. It's never closed if Start isn't called.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Stats returns a snapshot of the pipeline's progress
func (p *Pipeline) Stats() Stats {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.stats
}

func (p *Pipeline) incr(key []string, val float32) {
	if p.params.Metrics != nil {
		p.params.Metrics.IncrCounter(key, val)
	}
}

// nextBlob returns "" when every blob has been fetched
func (p *Pipeline) nextBlob() string {
	p.lock.Lock()
	defer p.lock.Unlock()

	for len(p.priority) > 0 {
		name := p.priority[0]
		p.priority = p.priority[1:]
		if !p.fetched[name] {
			p.fetched[name] = true
			return name
		}
	}

	for _, name := range p.params.Manifest.BlobOrder() {
		if !p.fetched[name] {
			p.fetched[name] = true
			return name
		}
	}
	return ""
}

func (p *Pipeline) fetchStage(out chan<- *piece) error {
	defer close(out)
	consumer := p.params.Consumer
	pieceSize := p.params.Config.FetchPieceSize

	for {
		name := p.nextBlob()
		if name == "" {
			return nil
		}
		desc, _ := p.params.Manifest.Descriptor(name)

		start := time.Now()
		n, err := p.fetchBlob(name, pieceSize, out)
		if err != nil {
			if p.dying() {
				return tomb.ErrDying
			}
			return errors.Wrapf(cloudlet.ErrNetworkFailure, "fetching %s: %v", name, err)
		}
		if n != desc.Size {
			return errors.Wrapf(cloudlet.ErrNetworkFailure, "fetching %s: got %d bytes, expected %d", name, n, desc.Size)
		}
		err = push(out, p.t.Dying(), &piece{blob: name, end: true})
		if err != nil {
			return err
		}

		p.lock.Lock()
		p.stats.BlobsFetched++
		p.stats.BytesFetched += n
		p.lock.Unlock()
		p.incr([]string{"synth", "blobs", "fetched"}, 1)
		p.incr([]string{"synth", "bytes", "fetched"}, float32(n))
		consumer.Debugf("Fetched %s (%s) in %s", name, united.FormatBytes(n), time.Since(start))
	}
}

// fetchBlob queues the pieces of a blob, but not its end marker
func (p *Pipeline) fetchBlob(name string, pieceSize int, out chan<- *piece) (int64, error) {
	rc, err := p.params.Source.Fetch(p.ctx, name)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	dying := p.t.Dying()
	var total int64
	for {
		buf := make([]byte, pieceSize)
		n, readErr := io.ReadFull(rc, buf)
		if n > 0 {
			total += int64(n)
			err = push(out, dying, &piece{blob: name, data: buf[:n]})
			if err != nil {
				return total, err
			}
		}
		if readErr != nil {
			if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
				break
			}
			return total, readErr
		}
	}

	return total, nil
}

func (p *Pipeline) decompressStage(in <-chan *piece, out chan<- *piece) error {
	defer close(out)
	dying := p.t.Dying()

	for {
		var first *piece
		select {
		case pc, ok := <-in:
			if !ok {
				return nil
			}
			first = pc
		case <-dying:
			return tomb.ErrDying
		}

		pr := newPieceReader(first, in, dying)
		pw := &pieceWriter{blob: first.blob, out: out, dying: dying}

		err := p.decompressBlob(pr, pw)
		if err != nil {
			if p.dying() {
				return tomb.ErrDying
			}
			return errors.Wrapf(cloudlet.ErrDecompressFailure, "decompressing %s: %v", first.blob, err)
		}

		err = pw.end()
		if err != nil {
			return err
		}
	}
}

func (p *Pipeline) decompressBlob(pr *pieceReader, pw *pieceWriter) error {
	rc, err := compression.Decompress(pr, p.algo)
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = io.CopyBuffer(pw, rc, make([]byte, p.params.Config.FetchPieceSize))
	if err != nil {
		return err
	}

	return pr.drain()
}

func (p *Pipeline) applyStage(in <-chan *piece) error {
	dying := p.t.Dying()
	m := p.params.Manifest
	applier := delta.NewApplier(p.params.References)
	applied := make(map[appliedKey]bool)
	materialized := 0

	for {
		var first *piece
		select {
		case pc, ok := <-in:
			if !ok {
				if materialized != len(m.Blobs) {
					return errors.Errorf("synthesis ended with %d/%d blobs materialized", materialized, len(m.Blobs))
				}
				p.params.Consumer.Infof("All %d blobs materialized", materialized)
				return nil
			}
			first = pc
		case <-dying:
			return tomb.ErrDying
		}

		start := time.Now()
		name := first.blob
		desc, ok := m.Descriptor(name)
		if !ok {
			return errors.Wrapf(cloudlet.ErrManifestCorruption, "unknown blob %s", name)
		}

		pr := newPieceReader(first, in, dying)
		count, err := p.applyBlob(name, pr, applier, applied)
		if err != nil {
			if p.dying() {
				return tomb.ErrDying
			}
			return err
		}
		applier.Reset()

		if count != desc.NumChunks() {
			return errors.Wrapf(cloudlet.ErrManifestCorruption, "blob %s encodes %d chunks, manifest says %d", name, count, desc.NumChunks())
		}

		p.params.Sink.BlobMaterialized(name, desc)
		materialized++

		p.lock.Lock()
		p.stats.BlobsMaterialized++
		p.stats.ChunksApplied += count
		p.lock.Unlock()
		if p.params.Metrics != nil {
			p.params.Metrics.MeasureSince([]string{"synth", "blob", "apply"}, start)
		}
		p.params.Consumer.Progress(float64(materialized) / float64(len(m.Blobs)))
	}
}

func (p *Pipeline) applyBlob(name string, pr *pieceReader, applier *delta.Applier, applied map[appliedKey]bool) (int, error) {
	m := p.params.Manifest

	dec, err := delta.NewDecoder(pr)
	if err != nil {
		return 0, errors.Wrapf(err, "blob %s", name)
	}

	count := 0
	for {
		item, err := dec.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return 0, errors.Wrapf(err, "blob %s", name)
		}

		owner, err := m.Lookup(item.Offset, item.Image)
		if err != nil {
			return 0, errors.Wrapf(err, "blob %s", name)
		}
		if owner != name {
			return 0, errors.Wrapf(cloudlet.ErrManifestCorruption, "blob %s encodes %s, which belongs to %s", name, item, owner)
		}

		key := appliedKey{item.Image, item.Offset}
		if applied[key] {
			return 0, errors.Wrapf(cloudlet.ErrManifestCorruption, "blob %s writes %s a second time", name, item)
		}

		data, err := applier.Apply(item)
		if err != nil {
			return 0, errors.Wrapf(err, "blob %s", name)
		}

		err = p.params.Sink.WriteChunk(item.Image, item.Offset, data)
		if err != nil {
			return 0, errors.Wrapf(err, "writing %s", item)
		}
		applied[key] = true
		count++
	}

	return count, pr.drain()
}

func (p *Pipeline) dying() bool {
	select {
	case <-p.t.Dying():
		return true
	default:
		return false
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("%d/%d blobs fetched/materialized, %s fetched, %d chunks applied, %d prioritized",
		s.BlobsFetched, s.BlobsMaterialized, united.FormatBytes(s.BytesFetched), s.ChunksApplied, s.Prioritized)
}
