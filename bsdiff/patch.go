package bsdiff

import (
	"bytes"
	"io"

	"github.com/itchio/cloudlet/wire"
	"github.com/pkg/errors"
)

// Patch applies patch to obuf, according to the bspatch algorithm,
// and returns the newSize-long result.
func Patch(obuf []byte, patch []byte, newSize int64) ([]byte, error) {
	rc := wire.NewReadContext(bytes.NewReader(patch))

	var ctrlOps []Control
	var diffSize int64

	ctrlOp := &Control{}
	for {
		err := rc.ReadMessage(ctrlOp)
		if err != nil {
			return nil, corrupt(err)
		}

		if ctrlOp.Add == -1 {
			break
		}
		if ctrlOp.Add < 0 || ctrlOp.Copy < 0 {
			return nil, errors.WithStack(ErrCorrupt)
		}

		ctrlOps = append(ctrlOps, *ctrlOp)
		diffSize += ctrlOp.Add
		if diffSize > newSize {
			return nil, errors.WithStack(ErrCorrupt)
		}
	}

	diffMessage := &Blob{}
	err := rc.ReadMessage(diffMessage)
	if err != nil {
		return nil, corrupt(err)
	}
	diff, err := unpackSparse(diffMessage.Data, diffSize)
	if err != nil {
		return nil, err
	}

	extraMessage := &Blob{}
	err = rc.ReadMessage(extraMessage)
	if err != nil {
		return nil, corrupt(err)
	}
	extra := extraMessage.Data

	var diffOffset, extraOffset int64
	oldSize := int64(len(obuf))
	nbuf := make([]byte, newSize)

	var oldpos, newpos int64

	for _, ctrl := range ctrlOps {
		// Sanity-check
		if newpos+ctrl.Add > newSize {
			return nil, errors.WithStack(ErrCorrupt)
		}
		if oldpos < 0 || oldpos+ctrl.Add > oldSize {
			return nil, errors.WithStack(ErrCorrupt)
		}

		// Read diff string, add old data to it
		for i := int64(0); i < ctrl.Add; i++ {
			nbuf[newpos+i] = diff[diffOffset+i] + obuf[oldpos+i]
		}
		diffOffset += ctrl.Add

		// Adjust pointers
		newpos += ctrl.Add
		oldpos += ctrl.Add

		// Sanity-check
		if newpos+ctrl.Copy > newSize || extraOffset+ctrl.Copy > int64(len(extra)) {
			return nil, errors.WithStack(ErrCorrupt)
		}

		// Read extra string
		copy(nbuf[newpos:newpos+ctrl.Copy], extra[extraOffset:extraOffset+ctrl.Copy])
		extraOffset += ctrl.Copy

		// Adjust pointers
		newpos += ctrl.Copy
		oldpos += ctrl.Seek
	}

	if newpos != newSize {
		return nil, errors.Wrapf(ErrCorrupt, "patch produced %d bytes, expected %d", newpos, newSize)
	}

	return nbuf, nil
}

func corrupt(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrap(ErrCorrupt, "patch ends early")
	}
	return errors.Wrap(ErrCorrupt, err.Error())
}
