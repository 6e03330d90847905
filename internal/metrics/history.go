package metrics

import (
	"sort"
	"time"

	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// ring is a fixed-capacity FIFO of snapshots; the oldest entry is evicted first.
type ring struct {
	buf   []types.Snapshot
	start int
	size  int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = 1
	}
	return &ring{buf: make([]types.Snapshot, capacity)}
}

func (r *ring) push(s types.Snapshot) {
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = s
		r.size++
		return
	}
	r.buf[r.start] = s
	r.start = (r.start + 1) % len(r.buf)
}

// items returns entries oldest first.
func (r *ring) items() []types.Snapshot {
	out := make([]types.Snapshot, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

// since returns entries newer than t, keeping at most the last limit.
func (r *ring) since(t time.Time, limit int) []types.Snapshot {
	all := r.items()
	idx := sort.Search(len(all), func(i int) bool { return all[i].Timestamp.After(t) })
	out := all[idx:]
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

func (r *ring) reset(items []types.Snapshot) {
	r.start, r.size = 0, 0
	if len(items) > len(r.buf) {
		items = items[len(items)-len(r.buf):]
	}
	for _, s := range items {
		r.push(s)
	}
}

// mergeSnapshots combines two histories, sorted by timestamp with
// duplicates (same timestamp) collapsed. Entries in b win over a.
func mergeSnapshots(a, b []types.Snapshot) []types.Snapshot {
	byTime := make(map[int64]types.Snapshot, len(a)+len(b))
	for _, s := range a {
		byTime[s.Timestamp.UnixNano()] = s
	}
	for _, s := range b {
		byTime[s.Timestamp.UnixNano()] = s
	}
	out := make([]types.Snapshot, 0, len(byTime))
	for _, s := range byTime {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
