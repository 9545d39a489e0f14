package audio

import "sync/atomic"

// Block is one fixed-size chunk of captured microphone samples.
type Block struct {
	// Samples holds normalised mono samples in [-1, 1).
	Samples []float32

	// Muted records whether the capture [Gate] was closed when the device
	// produced the block. Consumers drop muted blocks even if the gate has
	// opened again by the time they read them.
	Muted bool
}

// Gate is the microphone mute switch shared between the user and the device
// reader. Devices sample it at capture time and stamp the result onto each
// [Block]. A nil *Gate is always open. The zero value is open and ready to use.
type Gate struct {
	muted atomic.Bool
}

// Muted reports whether the gate is currently closed.
func (g *Gate) Muted() bool {
	return g != nil && g.muted.Load()
}

// SetMuted closes or opens the gate and reports whether that changed it.
func (g *Gate) SetMuted(muted bool) bool {
	return g.muted.Swap(muted) != muted
}

// Toggle flips the gate and returns the new muted state.
func (g *Gate) Toggle() bool {
	for {
		old := g.muted.Load()
		if g.muted.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Stamp wraps samples captured now into a [Block].
func (g *Gate) Stamp(samples []float32) Block {
	return Block{Samples: samples, Muted: g.Muted()}
}
