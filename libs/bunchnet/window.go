package bunchnet

const rwSize = 128

// replayWindow remembers recently seen packet ids.
type replayWindow struct {
	lastBuf []int
	bufPtr  int
	highest int
	started bool
}

func (rw *replayWindow) add(val int) {
	if len(rw.lastBuf) < rwSize {
		rw.lastBuf = append(rw.lastBuf, val)
	} else {
		rw.lastBuf[rw.bufPtr] = val
		rw.bufPtr = (rw.bufPtr + 1) % rwSize
	}
}

// check reports whether val is new, and records it.
func (rw *replayWindow) check(val int) bool {
	if !rw.started || val > rw.highest {
		rw.started = true
		rw.highest = val
		rw.add(val)
		return true
	}
	if val+rwSize < rw.highest {
		return false
	}
	for _, v := range rw.lastBuf {
		if v == val {
			return false
		}
	}
	rw.add(val)
	return true
}
