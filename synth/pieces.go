package synth

import (
	"io"

	"gopkg.in/tomb.v2"
)

// a piece is part of a blob, travelling between two stages. The last
// piece of a blob has end set, and no data.
type piece struct {
	blob string
	data []byte
	end  bool
}

// pieceReader reads the pieces of a single blob off a stage queue,
// returning io.EOF at the end-of-blob marker.
type pieceReader struct {
	blob  string
	in    <-chan *piece
	dying <-chan struct{}

	current []byte
	done    bool
}

func newPieceReader(first *piece, in <-chan *piece, dying <-chan struct{}) *pieceReader {
	return &pieceReader{
		blob:    first.blob,
		in:      in,
		dying:   dying,
		current: first.data,
		done:    first.end,
	}
}

func (pr *pieceReader) Read(buf []byte) (int, error) {
	for len(pr.current) == 0 {
		if pr.done {
			return 0, io.EOF
		}

		select {
		case p, ok := <-pr.in:
			if !ok {
				return 0, io.ErrUnexpectedEOF
			}
			if p.end {
				pr.done = true
			}
			pr.current = p.data
		case <-pr.dying:
			return 0, tomb.ErrDying
		}
	}

	n := copy(buf, pr.current)
	pr.current = pr.current[n:]
	return n, nil
}

// drain skips whatever is left of the blob
func (pr *pieceReader) drain() error {
	buf := make([]byte, 32*1024)
	for {
		_, err := pr.Read(buf)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// pieceWriter cuts what's written to it into pieces pushed to a stage queue
type pieceWriter struct {
	blob  string
	out   chan<- *piece
	dying <-chan struct{}
}

func (pw *pieceWriter) Write(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	data := append([]byte{}, buf...)
	err := push(pw.out, pw.dying, &piece{blob: pw.blob, data: data})
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (pw *pieceWriter) end() error {
	return push(pw.out, pw.dying, &piece{blob: pw.blob, end: true})
}

func push(out chan<- *piece, dying <-chan struct{}, p *piece) error {
	select {
	case out <- p:
		return nil
	case <-dying:
		return tomb.ErrDying
	}
}
