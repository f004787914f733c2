package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xxxsen/pharmrag/internal/model"
	appErr "github.com/xxxsen/pharmrag/internal/pkg/errors"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// DefaultSeparators go from coarse to fine. The empty separator splits
// between characters and always succeeds.
var DefaultSeparators = []string{"\n\n", "\n", ". ", "! ", "? ", "; ", ", ", " ", ""}

type Config struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

// Piece is one chunk of the input. Start and End are byte offsets into the
// original text; Content is text[Start:End] with surrounding whitespace
// trimmed. Sizes are measured in characters.
type Piece struct {
	Content    string
	Index      int
	Start      int
	End        int
	TokenCount int
	Metadata   map[string]interface{}
}

type Chunker struct {
	size       int
	overlap    int
	separators []string
}

type span struct {
	lo, hi int
	n      int
}

func New(cfg Config) (*Chunker, error) {
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk_size must be positive, got %d", appErr.ErrConfig, cfg.ChunkSize)
	}
	if cfg.ChunkOverlap < 0 {
		return nil, fmt.Errorf("%w: chunk_overlap must not be negative, got %d", appErr.ErrConfig, cfg.ChunkOverlap)
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		return nil, fmt.Errorf("%w: chunk_overlap %d must be smaller than chunk_size %d", appErr.ErrConfig, cfg.ChunkOverlap, cfg.ChunkSize)
	}
	seps := cfg.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	if seps[len(seps)-1] != "" {
		seps = append(append([]string(nil), seps...), "")
	}
	return &Chunker{size: cfg.ChunkSize, overlap: cfg.ChunkOverlap, separators: seps}, nil
}

func (c *Chunker) Size() int {
	return c.size
}

func (c *Chunker) Overlap() int {
	return c.overlap
}

// Chunk splits text into ordered, overlapping pieces. Every piece inherits
// a copy of metadata plus its chunk_index and token_count.
func (c *Chunker) Chunk(text string, metadata map[string]interface{}) []Piece {
	if strings.TrimSpace(text) == "" {
		return []Piece{}
	}
	spans := c.split(text, 0, len(text), 0)
	windows := c.merge(spans)
	pieces := make([]Piece, 0, len(windows))
	for _, w := range windows {
		content := strings.TrimSpace(text[w.lo:w.hi])
		if content == "" {
			continue
		}
		tokens := EstimateTokens(content)
		meta := model.CloneMetadata(metadata)
		meta[model.MetaChunkIndex] = len(pieces)
		meta[model.MetaTokenCount] = tokens
		pieces = append(pieces, Piece{
			Content:    content,
			Index:      len(pieces),
			Start:      w.lo,
			End:        w.hi,
			TokenCount: tokens,
			Metadata:   meta,
		})
	}
	return pieces
}

// split returns contiguous spans covering text[lo:hi], each no longer than
// the chunk size.
func (c *Chunker) split(text string, lo, hi, sepIdx int) []span {
	n := utf8.RuneCountInString(text[lo:hi])
	if n <= c.size {
		return []span{{lo: lo, hi: hi, n: n}}
	}
	segment := text[lo:hi]
	for i := sepIdx; i < len(c.separators); i++ {
		sep := c.separators[i]
		if sep == "" {
			return splitRunes(text, lo, hi)
		}
		if !strings.Contains(segment, sep) {
			continue
		}
		var out []span
		pos := lo
		for pos < hi {
			idx := strings.Index(text[pos:hi], sep)
			end := hi
			if idx >= 0 {
				end = pos + idx + len(sep)
			}
			out = append(out, c.split(text, pos, end, i+1)...)
			pos = end
		}
		return out
	}
	return splitRunes(text, lo, hi)
}

func splitRunes(text string, lo, hi int) []span {
	out := make([]span, 0, hi-lo)
	for pos := lo; pos < hi; {
		_, w := utf8.DecodeRuneInString(text[pos:hi])
		out = append(out, span{lo: pos, hi: pos + w, n: 1})
		pos += w
	}
	return out
}

// merge packs spans into windows of at most size characters. After each
// window is emitted, whole spans are kept from its tail while they fit in
// the overlap and leave room for the next span.
func (c *Chunker) merge(spans []span) []span {
	var windows []span
	var window []span
	total := 0
	for _, sp := range spans {
		if len(window) > 0 && total+sp.n > c.size {
			windows = append(windows, span{lo: window[0].lo, hi: window[len(window)-1].hi, n: total})
			for len(window) > 0 && (total > c.overlap || total+sp.n > c.size) {
				total -= window[0].n
				window = window[1:]
			}
		}
		window = append(window, sp)
		total += sp.n
	}
	if len(window) > 0 {
		windows = append(windows, span{lo: window[0].lo, hi: window[len(window)-1].hi, n: total})
	}
	return windows
}

// EstimateTokens counts whitespace separated words plus one token per
// non-ASCII rune.
func EstimateTokens(text string) int {
	count := 0
	for _, r := range text {
		if r > 127 {
			count++
		}
	}
	count += len(strings.Fields(text))
	if count == 0 && len(text) > 0 {
		return 1
	}
	return count
}
