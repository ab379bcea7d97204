package main

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/itchio/cloudlet"
	"github.com/itchio/cloudlet/client"
)

func Test_Describe(t *testing.T) {
	remote := &client.RemoteError{Kind: "HashMismatch", Reason: "disk@81920: chunk hash mismatch"}
	assert.Equal(t, "HashMismatch: disk@81920: chunk hash mismatch", describe(remote))
	assert.Equal(t, "HashMismatch: disk@81920: chunk hash mismatch", describe(errors.Wrap(remote, "synthesizing")))

	local := errors.Wrap(cloudlet.ErrTruncatedStream, "blob overlay-0001.blob")
	assert.Equal(t, "TruncatedStream: blob overlay-0001.blob: truncated stream", describe(local))

	assert.Equal(t, "Internal: boom", describe(errors.New("boom")))
}
