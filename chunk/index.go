package chunk

// Location is where some content was first seen in a reference source
type Location struct {
	Offset int64
	Length int64
}

// An Index maps content hashes to their location in one reference
// source. It's read-only once built, and may be shared freely.
type Index struct {
	// Source names what the offsets point into (base disk, base memory...)
	Source string

	entries map[Hash]Location
}

// NewIndex keeps the first location of every distinct hash: only the
// existence of a match matters to later lookups, not which copy it is.
func NewIndex(source string, hashes []ChunkHash) *Index {
	entries := make(map[Hash]Location, len(hashes))
	for _, ch := range hashes {
		if _, ok := entries[ch.Hash]; ok {
			continue
		}
		entries[ch.Hash] = Location{Offset: ch.Offset, Length: ch.Length}
	}

	return &Index{
		Source:  source,
		entries: entries,
	}
}

// Lookup never matches on a nil index
func (ix *Index) Lookup(h Hash) (Location, bool) {
	if ix == nil {
		return Location{}, false
	}
	loc, ok := ix.entries[h]
	return loc, ok
}

// Len returns the number of distinct hashes
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return len(ix.entries)
}
