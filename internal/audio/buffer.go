package audio

// TailBuffer keeps a bounded rolling tail of produced audio. The mixer uses
// it to cross-fade across batch boundaries without holding the whole track.
type TailBuffer struct {
	data       []float32
	maxSamples int
}

// NewTailBuffer creates a buffer capped at maxSamples.
func NewTailBuffer(maxSamples int) *TailBuffer {
	if maxSamples < 0 {
		maxSamples = 0
	}
	return &TailBuffer{maxSamples: maxSamples}
}

// Append adds pcm and truncates to the most recent maxSamples.
func (b *TailBuffer) Append(pcm []float32) {
	b.data = append(b.data, pcm...)
	if len(b.data) > b.maxSamples {
		// Copy instead of reslicing so the dropped head can be collected.
		tail := make([]float32, b.maxSamples)
		copy(tail, b.data[len(b.data)-b.maxSamples:])
		b.data = tail
	}
}

// Tail returns the buffered samples. Callers must not mutate the result.
func (b *TailBuffer) Tail() []float32 {
	return b.data
}

// Len returns the number of buffered samples.
func (b *TailBuffer) Len() int {
	return len(b.data)
}

// Reset discards the buffered audio.
func (b *TailBuffer) Reset() {
	b.data = nil
}
