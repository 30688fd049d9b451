package query

import (
	"encoding/binary"
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/moonbridge/server/internal/core/ecs"
)

// resultCache stores cacheable query results for the current frame. The
// frame number participates in the key, so staleness is structural; the map
// is additionally reset when the frame advances to keep it bounded.
type resultCache struct {
	frame   ecs.Tick
	entries map[uint64]*Result
}

func newResultCache() *resultCache {
	return &resultCache{entries: make(map[uint64]*Result, 16)}
}

func (c *resultCache) get(key uint64, frame ecs.Tick) (*Result, bool) {
	c.roll(frame)
	r, ok := c.entries[key]
	return r, ok
}

func (c *resultCache) put(key uint64, frame ecs.Tick, r *Result) {
	c.roll(frame)
	c.entries[key] = r
}

func (c *resultCache) roll(frame ecs.Tick) {
	if frame != c.frame {
		c.frame = frame
		c.entries = make(map[uint64]*Result, len(c.entries))
	}
}

// cacheKey hashes the sorted required and optional name sets together with
// the frame number. Name order at the call site must not affect the key.
func cacheKey(with, optional []string, frame ecs.Tick) uint64 {
	d := xxhash.New()
	writeSorted(d, with)
	_, _ = d.WriteString("|")
	writeSorted(d, optional)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(frame))
	_, _ = d.Write(buf[:])
	return d.Sum64()
}

func writeSorted(d *xxhash.Digest, names []string) {
	sorted := make([]string, len(names))
	copy(sorted, names)
	sort.Strings(sorted)
	for _, n := range sorted {
		_, _ = d.WriteString(n)
		_, _ = d.WriteString("\x00")
	}
}
