package ingest

import "strings"

const (
	defaultChunkSize    = 800
	defaultChunkOverlap = 100
)

// Chunk splits text into pieces of at most size bytes on word boundaries.
// Consecutive chunks share up to overlap bytes of trailing words so a fact
// cut at a boundary is still findable. A single word longer than size
// becomes its own chunk.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}

	var chunks []string
	start := 0
	for start < len(words) {
		end := start
		n := 0
		for end < len(words) {
			add := len(words[end])
			if end > start {
				add++
			}
			if n+add > size && end > start {
				break
			}
			n += add
			end++
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}

		// Step back over trailing words that fit in the overlap.
		next := end
		back := 0
		for next-1 > start {
			back += len(words[next-1]) + 1
			if back > overlap {
				break
			}
			next--
		}
		start = next
	}
	return chunks
}
