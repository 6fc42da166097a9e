package audio

// Chunk duration limits accepted by streaming transcription backends
const (
	MinChunkDurationMs = 50
	MaxChunkDurationMs = 1000

	bytesPerSample = 2 // PCM16 mono
)

// Chunker re-frames arbitrary PCM16 writes into chunks whose duration lies
// within [MinChunkDurationMs, MaxChunkDurationMs]. Not safe for concurrent use.
type Chunker struct {
	minBytes int
	maxBytes int
	pending  []byte
}

// NewChunker creates a chunker for mono PCM16 at sampleRate
func NewChunker(sampleRate int) *Chunker {
	bytesPerSecond := sampleRate * bytesPerSample
	return &Chunker{
		minBytes: alignSample(MinChunkDurationMs * bytesPerSecond / 1000),
		maxBytes: alignSample(MaxChunkDurationMs * bytesPerSecond / 1000),
	}
}

// Write buffers p and returns every chunk that is ready to send
func (c *Chunker) Write(p []byte) [][]byte {
	c.pending = append(c.pending, p...)

	var chunks [][]byte
	for len(c.pending) >= c.minBytes {
		n := alignSample(min(len(c.pending), c.maxBytes))
		chunk := make([]byte, n)
		copy(chunk, c.pending[:n])
		chunks = append(chunks, chunk)
		c.pending = c.pending[n:]
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return chunks
}

// Flush returns the buffered remainder padded with silence to the minimum
// chunk size, or nil when nothing is buffered. A trailing odd byte is dropped.
func (c *Chunker) Flush() []byte {
	n := alignSample(len(c.pending))
	if n == 0 {
		c.pending = nil
		return nil
	}
	chunk := make([]byte, max(n, c.minBytes))
	copy(chunk, c.pending[:n])
	c.pending = nil
	return chunk
}

// Buffered returns the number of bytes waiting for a full chunk
func (c *Chunker) Buffered() int {
	return len(c.pending)
}

// MinBytes returns the smallest chunk size in bytes
func (c *Chunker) MinBytes() int { return c.minBytes }

// MaxBytes returns the largest chunk size in bytes
func (c *Chunker) MaxBytes() int { return c.maxBytes }

func alignSample(n int) int {
	return n - n%bytesPerSample
}
