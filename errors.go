package cloudlet

import (
	"github.com/pkg/errors"
)

var (
	// ErrMalformedImage is returned when an image's length is not a multiple of the chunk size
	ErrMalformedImage = errors.New("malformed image")

	// ErrIncompatibleFormat is returned for an unknown magic number, version, or record kind
	ErrIncompatibleFormat = errors.New("incompatible format")

	// ErrTruncatedStream is returned when a record would read past the end of its stream
	ErrTruncatedStream = errors.New("truncated stream")

	// ErrHashMismatch is returned when a reconstructed chunk doesn't hash to what the overlay declared
	ErrHashMismatch = errors.New("hash mismatch")

	// ErrManifestCorruption is returned for unknown or duplicate chunk offsets
	ErrManifestCorruption = errors.New("manifest corruption")

	// ErrNetworkFailure is returned when fetching a blob fails
	ErrNetworkFailure = errors.New("network failure")

	// ErrDecompressFailure is returned when a blob can't be decompressed
	ErrDecompressFailure = errors.New("decompress failure")

	// ErrDiffToolFailure is the only error recovered locally: the chunk is stored raw instead.
	ErrDiffToolFailure = errors.New("diff tool failure")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrMalformedImage, "MalformedImage"},
	{ErrIncompatibleFormat, "IncompatibleFormat"},
	{ErrTruncatedStream, "TruncatedStream"},
	{ErrHashMismatch, "HashMismatch"},
	{ErrManifestCorruption, "ManifestCorruption"},
	{ErrNetworkFailure, "NetworkFailure"},
	{ErrDecompressFailure, "DecompressFailure"},
	{ErrDiffToolFailure, "DiffToolFailure"},
}

// KindOf returns the name of the error class err belongs to, "Internal" if
// it belongs to none, and "" for a nil error.
func KindOf(err error) string {
	if err == nil {
		return ""
	}

	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}

// ErrorForKind returns the sentinel for a kind name, as received in a
// FAILED message, or nil if the name isn't known.
func ErrorForKind(name string) error {
	for _, k := range kinds {
		if k.name == name {
			return k.err
		}
	}
	return nil
}
