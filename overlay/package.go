package overlay

import (
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/itchio/arkive/zip"
	"github.com/itchio/cloudlet/manifest"
	"github.com/itchio/headway/state"
	"github.com/itchio/httpkit/eos"
	"github.com/itchio/screw"
	"github.com/pkg/errors"
)

// A Package gives access to an overlay's manifest and blobs
type Package interface {
	Manifest() *manifest.Manifest
	OpenBlob(name string) (io.ReadCloser, error)
	Close() error
}

// Open opens an overlay directory or zip package, from a local path or an URL
func Open(location string) (Package, error) {
	if strings.HasSuffix(strings.ToLower(location), ".zip") {
		return OpenZip(location)
	}
	return OpenDir(location)
}

type dirPackage struct {
	location string
	manifest *manifest.Manifest
}

// OpenDir opens an overlay directory, as written by Create
func OpenDir(location string) (Package, error) {
	dp := &dirPackage{location: location}

	f, err := eos.Open(dp.join(MetaFile))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	dp.manifest, err = manifest.Read(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading manifest of %s", location)
	}
	return dp, nil
}

func (dp *dirPackage) join(name string) string {
	if strings.Contains(dp.location, "://") {
		return strings.TrimSuffix(dp.location, "/") + "/" + name
	}
	return filepath.Join(dp.location, name)
}

func (dp *dirPackage) Manifest() *manifest.Manifest {
	return dp.manifest
}

func (dp *dirPackage) OpenBlob(name string) (io.ReadCloser, error) {
	if _, ok := dp.manifest.Descriptor(name); !ok {
		return nil, errors.Errorf("%s: no blob named %s", dp.location, name)
	}

	f, err := eos.Open(dp.join(name))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return f, nil
}

func (dp *dirPackage) Close() error {
	return nil
}

type zipPackage struct {
	file     eos.File
	zr       *zip.Reader
	entries  map[string]*zip.File
	manifest *manifest.Manifest
}

// OpenZip opens an overlay package written by WriteZip
func OpenZip(location string) (Package, error) {
	f, err := eos.Open(location)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	zp, err := openZip(f)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "opening %s", location)
	}
	return zp, nil
}

func openZip(f eos.File) (*zipPackage, error) {
	stats, err := f.Stat()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	zr, err := zip.NewReader(f, stats.Size())
	if err != nil {
		return nil, errors.WithStack(err)
	}

	zp := &zipPackage{
		file:    f,
		zr:      zr,
		entries: make(map[string]*zip.File),
	}
	for _, entry := range zr.File {
		zp.entries[entry.Name] = entry
	}

	mr, err := zp.open(MetaFile)
	if err != nil {
		return nil, err
	}
	defer mr.Close()

	zp.manifest, err = manifest.Read(mr)
	if err != nil {
		return nil, err
	}
	return zp, nil
}

func (zp *zipPackage) open(name string) (io.ReadCloser, error) {
	entry, ok := zp.entries[name]
	if !ok {
		return nil, errors.Errorf("no %s entry in package", name)
	}
	rc, err := entry.Open()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return rc, nil
}

func (zp *zipPackage) Manifest() *manifest.Manifest {
	return zp.manifest
}

func (zp *zipPackage) OpenBlob(name string) (io.ReadCloser, error) {
	if _, ok := zp.manifest.Descriptor(name); !ok {
		return nil, errors.Errorf("no blob named %s", name)
	}
	return zp.open(name)
}

func (zp *zipPackage) Close() error {
	return zp.file.Close()
}

// WriteZip packages an overlay directory into a single zip file. Blobs are
// already compressed, so entries are stored as-is.
func WriteZip(dir string, zipPath string, consumer *state.Consumer) error {
	if consumer == nil {
		consumer = &state.Consumer{}
	}

	pkg, err := OpenDir(dir)
	if err != nil {
		return err
	}
	m := pkg.Manifest()

	f, err := screw.Create(zipPath)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	names := append([]string{MetaFile}, m.BlobOrder()...)
	for i, name := range names {
		consumer.Progress(float64(i) / float64(len(names)))

		err = func() error {
			src, err := screw.Open(filepath.Join(dir, name))
			if err != nil {
				return errors.WithStack(err)
			}
			defer src.Close()

			w, err := zw.CreateHeader(&zip.FileHeader{
				Name:   name,
				Method: zip.Store,
			})
			if err != nil {
				return errors.WithStack(err)
			}

			_, err = io.Copy(w, src)
			return errors.WithStack(err)
		}()
		if err != nil {
			return errors.Wrapf(err, "packaging %s", name)
		}
	}

	err = zw.Close()
	if err != nil {
		return errors.WithStack(err)
	}
	consumer.Progress(1)
	return errors.WithStack(f.Close())
}

// ReadBlob returns a whole blob's content
func ReadBlob(pkg Package, name string) ([]byte, error) {
	rc, err := pkg.OpenBlob(name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := ioutil.ReadAll(rc)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return data, nil
}

func writeManifest(path string, m *manifest.Manifest) error {
	f, err := screw.Create(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	err = m.Write(f)
	if err != nil {
		return err
	}
	return errors.WithStack(f.Close())
}
