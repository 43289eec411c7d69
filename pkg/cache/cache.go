package cache

import (
	"encoding/json"
	"io"
	"sync/atomic"
	"time"

	"github.com/niports/tracking-relay/pkg/protocol"
)

// Snapshot is an immutable view of the fleet at the time of one successful poll.
type Snapshot struct {
	Positions []protocol.Position `json:"positions"`
	UpdatedAt time.Time           `json:"updated_at"`

	index map[string]int
}

// Len returns the number of devices in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.Positions)
}

// Lookup returns the position of a single device.
func (s *Snapshot) Lookup(deviceID string) (protocol.Position, bool) {
	i, ok := s.index[deviceID]
	if !ok {
		return protocol.Position{}, false
	}
	return s.Positions[i], true
}

type PositionCache struct {
	current atomic.Pointer[Snapshot]
	now     func() time.Time
}

// New returns an empty PositionCache.
func New() *PositionCache {
	c := &PositionCache{now: time.Now}
	c.current.Store(&Snapshot{index: map[string]int{}})
	return c
}

func newSnapshot(positions []protocol.Position, at time.Time) *Snapshot {
	s := &Snapshot{
		Positions: make([]protocol.Position, 0, len(positions)),
		UpdatedAt: at,
		index:     make(map[string]int, len(positions)),
	}
	for _, p := range positions {
		// The upstream occasionally repeats a device; the later record wins but keeps the
		// position of the first occurrence.
		if i, ok := s.index[p.DeviceID]; ok {
			s.Positions[i] = p
			continue
		}
		s.index[p.DeviceID] = len(s.Positions)
		s.Positions = append(s.Positions, p)
	}
	return s
}

// Replace atomically swaps the cached fleet for positions. The slice is copied; the caller may
// reuse it.
func (c *PositionCache) Replace(positions []protocol.Position) {
	c.current.Store(newSnapshot(positions, c.now()))
}

// Snapshot returns the current snapshot. The returned value must not be modified.
func (c *PositionCache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Len returns the number of cached devices.
func (c *PositionCache) Len() int {
	return c.Snapshot().Len()
}

// Query returns the cached positions of the requested devices, in request order. Unknown ids are
// skipped. It returns protocol.ErrEmptyQuery if deviceIDs is empty and
// protocol.ErrNoMatchingDevice if none of the ids is cached.
func (c *PositionCache) Query(deviceIDs []string) ([]protocol.Position, error) {
	if len(deviceIDs) == 0 {
		return nil, protocol.ErrEmptyQuery
	}
	// Load once so that every record comes from the same snapshot.
	snap := c.Snapshot()
	seen := make(map[string]bool, len(deviceIDs))
	var matches []protocol.Position
	for _, id := range deviceIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if p, ok := snap.Lookup(id); ok {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		return nil, protocol.ErrNoMatchingDevice
	}
	return matches, nil
}

// Export writes the current snapshot to w as JSON.
func (c *PositionCache) Export(w io.Writer) error {
	return json.NewEncoder(w).Encode(c.Snapshot())
}
