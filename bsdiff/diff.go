// Package bsdiff computes and applies binary patches between two small
// buffers (typically a chunk and the base chunk at the same offset),
// following the bsdiff algorithm.
package bsdiff

import (
	"bytes"

	"github.com/itchio/cloudlet/wire"
	"github.com/jgallagher/gosaca"
	"github.com/pkg/errors"
)

// ErrCorrupt indicates that a patch is corrupted, most often that it would produce a longer file
// than specified
var ErrCorrupt = errors.New("corrupt patch")

// DiffContext holds reusable scratch space. It's not safe for concurrent use.
type DiffContext struct {
	ws gosaca.WorkSpace
	I  []int
}

// Diff returns a patch that turns obuf into nbuf
func (ctx *DiffContext) Diff(obuf []byte, nbuf []byte) ([]byte, error) {
	obuflen := len(obuf)
	nbuflen := len(nbuf)

	var I []int
	if obuflen > 0 {
		if cap(ctx.I) < obuflen {
			ctx.I = make([]int, obuflen)
		}
		I = ctx.I[:obuflen]
		ctx.ws.ComputeSuffixArray(obuf, I)
	}

	var ctrls []Control
	db := make([]byte, 0, nbuflen)
	eb := make([]byte, 0, nbuflen)

	var lenf int
	var scan, pos, length int
	var lastscan, lastpos, lastoffset int

	for scan < nbuflen {
		var oldscore int
		scan += length

		for scsc := scan; scan < nbuflen; scan++ {
			if obuflen > 0 {
				pos, length = search(I, obuf, nbuf[scan:], 0, obuflen-1)
			}

			for ; scsc < scan+length; scsc++ {
				if scsc+lastoffset < obuflen &&
					obuf[scsc+lastoffset] == nbuf[scsc] {
					oldscore++
				}
			}

			if (length == oldscore && length != 0) || length > oldscore+8 {
				break
			}

			if scan+lastoffset < obuflen && obuf[scan+lastoffset] == nbuf[scan] {
				oldscore--
			}
		}

		if length != oldscore || scan == nbuflen {
			var s, Sf int
			lenf = 0
			for i := 0; lastscan+i < scan && lastpos+i < obuflen; {
				if obuf[lastpos+i] == nbuf[lastscan+i] {
					s++
				}
				i++
				if s*2-i > Sf*2-lenf {
					Sf = s
					lenf = i
				}
			}

			lenb := 0
			if scan < nbuflen {
				var s, Sb int
				for i := 1; (scan >= lastscan+i) && (pos >= i); i++ {
					if obuf[pos-i] == nbuf[scan-i] {
						s++
					}
					if s*2-i > Sb*2-lenb {
						Sb = s
						lenb = i
					}
				}
			}

			if lastscan+lenf > scan-lenb {
				overlap := (lastscan + lenf) - (scan - lenb)
				s := 0
				Ss := 0
				lens := 0
				for i := 0; i < overlap; i++ {
					if nbuf[lastscan+lenf-overlap+i] == obuf[lastpos+lenf-overlap+i] {
						s++
					}
					if nbuf[scan-lenb+i] == obuf[pos-lenb+i] {
						s--
					}
					if s > Ss {
						Ss = s
						lens = i + 1
					}
				}

				lenf += lens - overlap
				lenb -= lens
			}

			for i := 0; i < lenf; i++ {
				db = append(db, nbuf[lastscan+i]-obuf[lastpos+i])
			}
			eb = append(eb, nbuf[lastscan+lenf:scan-lenb]...)

			ctrl := Control{
				Add:  int64(lenf),
				Copy: int64((scan - lenb) - (lastscan + lenf)),
				Seek: int64((pos - lenb) - (lastpos + lenf)),
			}
			if ctrl.Add > 0 || ctrl.Copy > 0 {
				ctrls = append(ctrls, ctrl)
			}

			lastscan = scan - lenb
			lastpos = pos - lenb
			lastoffset = pos - scan
		}
	}

	buf := new(bytes.Buffer)
	wc := wire.NewWriteContext(buf)

	for i := range ctrls {
		err := wc.WriteMessage(&ctrls[i])
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
	err := wc.WriteMessage(&Control{Add: -1})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	err = wc.WriteMessage(&Blob{Data: packSparse(db)})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	err = wc.WriteMessage(&Blob{Data: eb})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return buf.Bytes(), nil
}

// Diff is a convenience wrapper for one-off diffs
func Diff(obuf []byte, nbuf []byte) ([]byte, error) {
	ctx := &DiffContext{}
	return ctx.Diff(obuf, nbuf)
}

// Returns the number of bytes common to a and b
func matchlen(a, b []byte) (i int) {
	for i < len(a) && i < len(b) && a[i] == b[i] {
		i++
	}
	return i
}

func search(I []int, obuf, nbuf []byte, st, en int) (pos, n int) {
	if en-st < 2 {
		x := matchlen(obuf[I[st]:], nbuf)
		y := matchlen(obuf[I[en]:], nbuf)

		if x > y {
			return I[st], x
		}
		return I[en], y
	}

	x := st + (en-st)/2
	if bytes.Compare(obuf[I[x]:], nbuf) < 0 {
		return search(I, obuf, nbuf, x, en)
	}
	return search(I, obuf, nbuf, st, x)
}
