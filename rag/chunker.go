// Package rag implements the retrieval pipeline: overlap-aware chunking,
// embedding with caching, and top-K cosine retrieval over an in-memory
// vector store.
package rag

import (
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Chunk is one window of a source document.
type Chunk struct {
	Text   string
	Start  int // rune offset in the trimmed source
	End    int
	Tokens int
	Source string
}

// ChunkOptions configures the chunking window. Size and Overlap are in
// runes.
type ChunkOptions struct {
	Size    int
	Overlap int
}

// DefaultChunkOptions returns the default window configuration.
func DefaultChunkOptions() ChunkOptions {
	return ChunkOptions{Size: 1000, Overlap: 200}
}

// ChunkText splits a document into overlapping windows. Text that fits in
// one window is returned whole. Otherwise each window is cut at the most
// natural break point (paragraph, line, sentence, then word boundary)
// found in its second half, falling back to a hard cut; the cursor then
// advances by the cut position minus the overlap, with a forced-progress
// guard.
func ChunkText(text, source string, opts ChunkOptions) []Chunk {
	if opts.Size <= 0 {
		opts = DefaultChunkOptions()
	}
	if opts.Overlap < 0 {
		opts.Overlap = 0
	}
	if opts.Overlap >= opts.Size {
		opts.Overlap = opts.Size / 2
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	runes := []rune(trimmed)

	if len(runes) <= opts.Size {
		return []Chunk{{
			Text:   trimmed,
			Start:  0,
			End:    len(runes),
			Tokens: CountTokens(trimmed),
			Source: source,
		}}
	}

	var chunks []Chunk
	cursor := 0
	for cursor < len(runes) {
		end := cursor + opts.Size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = breakPoint(runes, cursor, end)
		}

		piece := string(runes[cursor:end])
		chunks = append(chunks, Chunk{
			Text:   piece,
			Start:  cursor,
			End:    end,
			Tokens: CountTokens(piece),
			Source: source,
		})

		if end == len(runes) {
			break
		}

		next := end - opts.Overlap
		if next <= cursor {
			// Forced progress: never let the overlap walk the cursor
			// backwards or hold it still.
			next = cursor + 1
		}
		cursor = next
	}
	return chunks
}

// breakPoint scans the second half of the window [start, limit) for the
// best natural cut, preferring paragraph over line over sentence over word
// boundaries. Returns limit when nothing better exists.
func breakPoint(runes []rune, start, limit int) int {
	window := string(runes[start:limit])
	half := len([]rune(window)) / 2

	for _, sep := range []string{"\n\n", "\n", ". ", "! ", "? ", " "} {
		idx := strings.LastIndex(window, sep)
		if idx < 0 {
			continue
		}
		cut := len([]rune(window[:idx])) + len([]rune(sep))
		if cut > half {
			return start + cut
		}
	}
	return limit
}

var encoder *tiktoken.Tiktoken

func init() {
	// Offline environments have no BPE files; fall back to the rune
	// heuristic in CountTokens.
	encoder, _ = tiktoken.GetEncoding("cl100k_base")
}

// CountTokens counts tokens with the cl100k_base encoding, approximating
// with runes/4 when the encoding is unavailable.
func CountTokens(text string) int {
	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}
	n := len([]rune(text)) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}
