package overlay

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/basevm"
	"github.com/itchio/cloudlet/compression"
	"github.com/itchio/cloudlet/delta"
	"github.com/itchio/cloudlet/wtest"
	"github.com/stretchr/testify/assert"
)

const cs = 4096

type fixture struct {
	dir    string
	config *cloudlet.Config
	base   *basevm.Base
	disk   *wtest.Image
	memory *wtest.Image
}

func newFixture(t *testing.T) *fixture {
	dir := wtest.TempDir(t, "overlay")
	config := cloudlet.DefaultConfig()

	baseDisk := wtest.NewImage(cs, 32)
	for i := 0; i < 32; i++ {
		baseDisk.Fill(i, int64(1000+i))
	}
	baseMemory := wtest.NewImage(cs, 8)
	for i := 0; i < 8; i++ {
		baseMemory.Fill(i, int64(2000+i))
	}
	baseDisk.Write(t, filepath.Join(dir, "src", "disk"))
	baseMemory.Write(t, filepath.Join(dir, "src", "memory"))

	base, err := basevm.Import(basevm.ImportParams{
		Dir:        filepath.Join(dir, "base"),
		DiskPath:   filepath.Join(dir, "src", "disk"),
		MemoryPath: filepath.Join(dir, "src", "memory"),
		Config:     config,
	})
	wtest.Must(t, err)
	t.Cleanup(func() { base.Close() })

	f := &fixture{
		dir:    dir,
		config: config,
		base:   base,
		disk:   baseDisk.Clone(),
		memory: baseMemory.Clone(),
	}

	// a bit of everything
	f.disk.Set(0, make([]byte, cs))
	f.disk.Set(1, baseDisk.Chunk(20))
	f.disk.Set(2, baseMemory.Chunk(3))
	tweaked := append([]byte{}, baseDisk.Chunk(3)...)
	tweaked[100] ^= 0xff
	f.disk.Set(3, tweaked)
	for i := 4; i < 12; i++ {
		f.disk.Fill(i, int64(3000+i))
	}
	f.disk.Fill(12, 3004)
	f.memory.Fill(5, 4005)
	f.memory.Set(6, make([]byte, cs))
	return f
}

func (f *fixture) create(t *testing.T, name string) *CreateResult {
	f.disk.Write(t, filepath.Join(f.dir, "modified", "disk"))
	f.memory.Write(t, filepath.Join(f.dir, "modified", "memory"))

	res, err := Create(CreateParams{
		Base:       f.base,
		DiskPath:   filepath.Join(f.dir, "modified", "disk"),
		MemoryPath: filepath.Join(f.dir, "modified", "memory"),
		OutputDir:  filepath.Join(f.dir, name),
		Config:     f.config,
	})
	wtest.Must(t, err)
	return res
}

// applies every blob of pkg on top of the base images
func (f *fixture) synthesize(t *testing.T, pkg Package) map[cloudlet.ImageKind][]byte {
	m := pkg.Manifest()
	out := make(map[cloudlet.ImageKind][]byte)
	for _, image := range cloudlet.ImageKinds {
		out[image] = make([]byte, m.ImageSize(image))
		_, err := f.base.ReaderAt(image).ReadAt(out[image], 0)
		wtest.Must(t, err)
	}

	applier := delta.NewApplier(f.base)
	for _, name := range m.BlobOrder() {
		desc, _ := m.Descriptor(name)
		data, err := ReadBlob(pkg, name)
		wtest.Must(t, err)
		assert.EqualValues(t, desc.Size, len(data))

		r, err := compression.Decompress(bytes.NewReader(data), compression.Algorithm(m.Compression))
		wtest.Must(t, err)
		list, err := delta.Decode(r)
		wtest.Must(t, err)
		assert.Equal(t, desc.NumChunks(), len(list))

		for _, item := range list {
			blob, err := m.Lookup(item.Offset, item.Image)
			wtest.Must(t, err)
			assert.Equal(t, name, blob)

			chunk, err := applier.Apply(item)
			wtest.Must(t, err)
			copy(out[item.Image][item.Offset:], chunk)
		}
		applier.Reset()
	}
	return out
}

func (f *fixture) check(t *testing.T, pkg Package) {
	out := f.synthesize(t, pkg)
	assert.True(t, bytes.Equal(f.disk.Data, out[cloudlet.ImageDisk]), "disk")
	assert.True(t, bytes.Equal(f.memory.Data, out[cloudlet.ImageMemory]), "memory")
}

func Test_CreateSingleBlob(t *testing.T) {
	f := newFixture(t)
	res := f.create(t, "overlay")

	m := res.Manifest
	assert.Len(t, m.Blobs, 1)
	assert.Equal(t, f.base.Fingerprint(), m.BaseFingerprint)
	assert.Equal(t, 13, len(m.CoveredChunks(cloudlet.ImageDisk)))
	assert.Equal(t, 2, len(m.CoveredChunks(cloudlet.ImageMemory)))

	st := res.Stats
	assert.Equal(t, 2, st.Items[delta.KindZero])
	assert.Equal(t, 1, st.Items[delta.KindBaseDisk])
	assert.Equal(t, 1, st.Items[delta.KindBaseMemory])
	assert.Equal(t, 1, st.Items[delta.KindXdelta])
	assert.Equal(t, 1, st.Items[delta.KindSelf])

	pkg, err := OpenDir(filepath.Join(f.dir, "overlay"))
	wtest.Must(t, err)
	defer pkg.Close()
	f.check(t, pkg)
}

func Test_CreateManyBlobs(t *testing.T) {
	f := newFixture(t)
	f.config.MaxBlobSize = cs
	f.config.Compression = string(compression.Zstd)
	res := f.create(t, "overlay")

	m := res.Manifest
	assert.True(t, len(m.Blobs) > 5, "got %d blobs", len(m.Blobs))
	// memory first
	assert.NotEmpty(t, m.Blobs[0].MemoryChunks)

	// the self-reference travels with its target
	blobA, err := m.Lookup(4*cs, cloudlet.ImageDisk)
	wtest.Must(t, err)
	blobB, err := m.Lookup(12*cs, cloudlet.ImageDisk)
	wtest.Must(t, err)
	assert.Equal(t, blobA, blobB)

	pkg, err := Open(filepath.Join(f.dir, "overlay"))
	wtest.Must(t, err)
	defer pkg.Close()
	f.check(t, pkg)
}

func Test_ZipPackage(t *testing.T) {
	f := newFixture(t)
	f.config.MaxBlobSize = 4 * cs
	f.create(t, "overlay")

	zipPath := filepath.Join(f.dir, "overlay.zip")
	wtest.Must(t, WriteZip(filepath.Join(f.dir, "overlay"), zipPath, nil))

	pkg, err := Open(zipPath)
	wtest.Must(t, err)
	defer pkg.Close()

	dirPkg, err := OpenDir(filepath.Join(f.dir, "overlay"))
	wtest.Must(t, err)
	assert.Equal(t, dirPkg.Manifest().Blobs, pkg.Manifest().Blobs)

	f.check(t, pkg)

	_, err = pkg.OpenBlob("nope")
	assert.Error(t, err)
}

func Test_CreateRestricted(t *testing.T) {
	f := newFixture(t)
	f.disk.Write(t, filepath.Join(f.dir, "modified", "disk"))
	f.memory.Write(t, filepath.Join(f.dir, "modified", "memory"))

	res, err := Create(CreateParams{
		Base:         f.base,
		DiskPath:     filepath.Join(f.dir, "modified", "disk"),
		MemoryPath:   filepath.Join(f.dir, "modified", "memory"),
		DiskChunks:   []int64{4 * cs, 0, 4 * cs},
		MemoryChunks: []int64{},
		OutputDir:    filepath.Join(f.dir, "restricted"),
		Config:       f.config,
	})
	wtest.Must(t, err)
	assert.Equal(t, []int64{0, 4 * cs}, res.Manifest.CoveredChunks(cloudlet.ImageDisk))
	assert.Empty(t, res.Manifest.CoveredChunks(cloudlet.ImageMemory))
}

func Test_CreateNothingChanged(t *testing.T) {
	f := newFixture(t)
	f.disk = &wtest.Image{ChunkSize: cs, Data: mustRead(t, f.base, cloudlet.ImageDisk)}
	f.memory = &wtest.Image{ChunkSize: cs, Data: mustRead(t, f.base, cloudlet.ImageMemory)}

	res := f.create(t, "empty")
	assert.Empty(t, res.Manifest.Blobs)

	pkg, err := OpenDir(filepath.Join(f.dir, "empty"))
	wtest.Must(t, err)
	defer pkg.Close()
	assert.Equal(t, 0, pkg.Manifest().NumChunks())
}

func mustRead(t *testing.T, base *basevm.Base, image cloudlet.ImageKind) []byte {
	data, err := base.ReadReference(image, 0, base.Size(image))
	wtest.Must(t, err)
	return data
}
