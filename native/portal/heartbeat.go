package portal

// Sample is one heartbeat interval: how many local blocks passed while the
// remote chain advanced by Remote blocks.
type Sample struct {
	Local  uint64
	Remote uint64
}

// Heartbeat tracks the latest finalized remote height seen at a local block
// and the recent interval history.
type Heartbeat struct {
	Seen         bool
	LocalBlock   uint64
	RemoteHeight uint64
	Samples      []Sample
}

func (h *Heartbeat) observe(local, remote uint64, window int) {
	if h.Seen {
		if remote > h.RemoteHeight && local >= h.LocalBlock {
			h.Samples = append(h.Samples, Sample{Local: local - h.LocalBlock, Remote: remote - h.RemoteHeight})
			if window > 0 && len(h.Samples) > window {
				h.Samples = append([]Sample(nil), h.Samples[len(h.Samples)-window:]...)
			}
		}
	}
	h.Seen = true
	h.LocalBlock = local
	h.RemoteHeight = remote
}

// MovingAverage returns the summed local and remote blocks over the window.
func (h *Heartbeat) MovingAverage() (local, remote uint64) {
	for _, s := range h.Samples {
		local += s.Local
		remote += s.Remote
	}
	return local, remote
}

// EstimateLocal converts remote blocks into local blocks using the moving
// average, rounding up. ok is false when no usable history exists.
func (h *Heartbeat) EstimateLocal(remoteBlocks uint64) (uint64, bool) {
	local, remote := h.MovingAverage()
	if local == 0 || remote == 0 {
		return 0, false
	}
	return (remoteBlocks*local + remote - 1) / remote, true
}
