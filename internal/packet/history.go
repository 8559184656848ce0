package packet

// sighting is one TagHistory entry.
type sighting struct {
	advAddress string
	counter    int
}

// TagHistory is the append-only record of tag sightings for one processor run.
//
// Entries are never evicted while a run is alive, so memory grows with the
// number of packets processed. Callers scope a history to a single run and
// may watch Len to bound long runs.
type TagHistory struct {
	entries []sighting
}

// NewTagHistory returns an empty history.
func NewTagHistory() *TagHistory {
	return &TagHistory{}
}

// Next appends a sighting of advAddress and returns its counter: one more
// than the most recent sighting of the same address, or 1 if it is new.
func (h *TagHistory) Next(advAddress string) int {
	counter := 1
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].advAddress == advAddress {
			counter = h.entries[i].counter + 1
			break
		}
	}
	h.entries = append(h.entries, sighting{advAddress: advAddress, counter: counter})
	return counter
}

// Last returns the most recent counter recorded for advAddress.
func (h *TagHistory) Last(advAddress string) (int, bool) {
	for i := len(h.entries) - 1; i >= 0; i-- {
		if h.entries[i].advAddress == advAddress {
			return h.entries[i].counter, true
		}
	}
	return 0, false
}

// Len returns the number of recorded sightings.
func (h *TagHistory) Len() int { return len(h.entries) }
