package llm

import "strings"

// Normalizer turns backend chunks into deltas.
type Normalizer struct {
	mode ChunkMode
	acc  strings.Builder
}

func NewNormalizer(mode ChunkMode) *Normalizer {
	return &Normalizer{mode: mode}
}

// Push consumes one chunk and returns the new text it contributes. For
// cumulative backends a chunk that does not extend the accumulated text is
// treated as a delta.
func (n *Normalizer) Push(chunk string) string {
	if n.mode == ChunksCumulative {
		prev := n.acc.String()
		if strings.HasPrefix(chunk, prev) {
			delta := chunk[len(prev):]
			n.acc.WriteString(delta)
			return delta
		}
	}
	n.acc.WriteString(chunk)
	return chunk
}

// Text returns everything accumulated so far.
func (n *Normalizer) Text() string {
	return n.acc.String()
}

// SplitWords splits text after each space so the pieces concatenate back
// to the original.
func SplitWords(text string) []string {
	if text == "" {
		return nil
	}
	return strings.SplitAfter(text, " ")
}
