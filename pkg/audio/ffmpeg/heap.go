package ffmpeg

// voice is one scheduled buffer on the output timeline. Positions are in
// samples since the output was opened.
type voice struct {
	samples []float32
	start   int64
	onEnded func()
	seq     uint64 // monotonic insertion order for FIFO tie-breaking
}

// end returns the sample position one past the voice's last sample.
func (v *voice) end() int64 { return v.start + int64(len(v.samples)) }

// voiceHeap implements [container/heap.Interface] as a min-heap ordered by
// start position (ascending), with FIFO tie-breaking on seq (ascending).
type voiceHeap []*voice

func (h voiceHeap) Len() int { return len(h) }

// Less reports whether element i starts before element j. Voices starting at
// the same position keep insertion order.
func (h voiceHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].seq < h[j].seq
}

func (h voiceHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *voiceHeap) Push(x any) {
	*h = append(*h, x.(*voice))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *voiceHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return v
}
