package wtest

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/pkg/errors"
)

// Must fails the test right away if err is non-nil, printing
// the whole stack so pipeline failures can be traced to their stage.
func Must(t testing.TB, err error) {
	if err == nil {
		return
	}
	t.Helper()
	t.Fatalf("%+v", errors.WithStack(err))
}

// ReadFile returns the contents of path, failing the test if it can't be read
func ReadFile(t testing.TB, path string) []byte {
	t.Helper()
	data, err := ioutil.ReadFile(path)
	Must(t, err)
	return data
}

// TempDir returns a fresh directory that's removed when the test ends
func TempDir(t testing.TB, prefix string) string {
	t.Helper()
	dir, err := ioutil.TempDir("", prefix)
	Must(t, err)
	t.Cleanup(func() {
		os.RemoveAll(dir)
	})
	return dir
}
