package delta

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// EventKind is what a guest did to a disk range
type EventKind int

const (
	EventWrite EventKind = iota
	EventDiscard
)

// Event is one entry of a discard log
type Event struct {
	// Time is in nanoseconds, on any clock shared by all entries
	Time   int64
	Kind   EventKind
	Offset int64
	Length int64
}

// DiscardLog records writes and discards (TRIM) issued by a guest to its disk.
// A nil log never drops anything.
type DiscardLog struct {
	Events []Event
}

// ParseDiscardLog reads one event per line: "<time_ns> <discard|write> <offset> <length>".
// Blank lines and lines starting with '#' are ignored.
func ParseDiscardLog(r io.Reader) (*DiscardLog, error) {
	dl := &DiscardLog{}

	s := bufio.NewScanner(r)
	lineNumber := 0
	for s.Scan() {
		lineNumber++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, errors.Errorf("discard log line %d: expected 4 fields, got %d", lineNumber, len(fields))
		}

		var ev Event
		switch fields[1] {
		case "discard":
			ev.Kind = EventDiscard
		case "write":
			ev.Kind = EventWrite
		default:
			return nil, errors.Errorf("discard log line %d: unknown event %q", lineNumber, fields[1])
		}

		var err error
		ev.Time, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "discard log line %d", lineNumber)
		}
		ev.Offset, err = strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "discard log line %d", lineNumber)
		}
		ev.Length, err = strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "discard log line %d", lineNumber)
		}
		if ev.Offset < 0 || ev.Length < 0 {
			return nil, errors.Errorf("discard log line %d: negative range", lineNumber)
		}

		dl.Events = append(dl.Events, ev)
	}

	if err := s.Err(); err != nil {
		return nil, errors.WithStack(err)
	}
	return dl, nil
}

// Dropped returns true if the chunk [offset, offset+length) was discarded
// in full after it was last written. A discard at the same time as a
// write doesn't drop the chunk.
func (dl *DiscardLog) Dropped(offset int64, length int64) bool {
	if dl == nil {
		return false
	}

	end := offset + length
	lastWrite := int64(-1)
	lastDiscard := int64(-1)
	wrote := false
	discarded := false

	for _, ev := range dl.Events {
		evEnd := ev.Offset + ev.Length
		switch ev.Kind {
		case EventWrite:
			if ev.Offset < end && evEnd > offset {
				if !wrote || ev.Time > lastWrite {
					lastWrite = ev.Time
				}
				wrote = true
			}
		case EventDiscard:
			if ev.Offset <= offset && evEnd >= end {
				if !discarded || ev.Time > lastDiscard {
					lastDiscard = ev.Time
				}
				discarded = true
			}
		}
	}

	if !discarded {
		return false
	}
	if !wrote {
		return true
	}
	return lastDiscard > lastWrite
}
