// Package vmtest builds small base VMs and overlays for tests
package vmtest

import (
	"path/filepath"
	"testing"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/basevm"
	"github.com/itchio/cloudlet/overlay"
	"github.com/itchio/cloudlet/wtest"
)

// ChunkSize is the chunk size of every fixture
const ChunkSize = 4096

// BaseDisk and BaseMemory are the chunk counts of the base images
const (
	BaseDisk   = 32
	BaseMemory = 8
)

// A Fixture is a base VM and a modified version of it
type Fixture struct {
	Dir    string
	Config *cloudlet.Config
	Base   *basevm.Base

	BaseDiskImage   *wtest.Image
	BaseMemoryImage *wtest.Image
	Disk            *wtest.Image
	Memory          *wtest.Image
}

// New imports a base VM and derives a modified VM from it, with
// a bit of every kind of change.
func New(t *testing.T) *Fixture {
	t.Helper()
	cs := int64(ChunkSize)
	dir := wtest.TempDir(t, "vmtest")
	config := cloudlet.DefaultConfig()

	baseDisk := wtest.NewImage(cs, BaseDisk)
	for i := 0; i < BaseDisk; i++ {
		baseDisk.Fill(i, int64(1000+i))
	}
	baseMemory := wtest.NewImage(cs, BaseMemory)
	for i := 0; i < BaseMemory; i++ {
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

	f := &Fixture{
		Dir:             dir,
		Config:          config,
		Base:            base,
		BaseDiskImage:   baseDisk,
		BaseMemoryImage: baseMemory,
		Disk:            baseDisk.Clone(),
		Memory:          baseMemory.Clone(),
	}

	f.Disk.Set(0, make([]byte, cs))
	f.Disk.Set(1, baseDisk.Chunk(20))
	f.Disk.Set(2, baseMemory.Chunk(3))
	tweaked := append([]byte{}, baseDisk.Chunk(3)...)
	tweaked[100] ^= 0xff
	f.Disk.Set(3, tweaked)
	for i := 4; i < 12; i++ {
		f.Disk.Fill(i, int64(3000+i))
	}
	f.Disk.Fill(12, 3004)
	f.Memory.Fill(5, 4005)
	f.Memory.Set(6, make([]byte, cs))
	return f
}

// Create writes the modified images and builds an overlay out of them,
// in a directory called name.
func (f *Fixture) Create(t *testing.T, name string) (*overlay.CreateResult, string) {
	t.Helper()
	diskPath := filepath.Join(f.Dir, "modified", "disk")
	memoryPath := filepath.Join(f.Dir, "modified", "memory")
	f.Disk.Write(t, diskPath)
	f.Memory.Write(t, memoryPath)

	outputDir := filepath.Join(f.Dir, name)
	res, err := overlay.Create(overlay.CreateParams{
		Base:       f.Base,
		DiskPath:   diskPath,
		MemoryPath: memoryPath,
		OutputDir:  outputDir,
		Config:     f.Config,
	})
	wtest.Must(t, err)
	return res, outputDir
}

// Open creates an overlay and opens it as a package
func (f *Fixture) Open(t *testing.T, name string) overlay.Package {
	t.Helper()
	_, dir := f.Create(t, name)
	pkg, err := overlay.OpenDir(dir)
	wtest.Must(t, err)
	t.Cleanup(func() { pkg.Close() })
	return pkg
}

// Modified returns the expected content of an image after synthesis
func (f *Fixture) Modified(image cloudlet.ImageKind) []byte {
	if image == cloudlet.ImageMemory {
		return f.Memory.Data
	}
	return f.Disk.Data
}
