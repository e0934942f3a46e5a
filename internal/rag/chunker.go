// Package rag implements the knowledge engine: chunking, embedding,
// vector storage, the background indexer, and query answering.
package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// SourceType classifies where a chunk came from.
type SourceType string

const (
	SourceMarkdown SourceType = "markdown"
	SourceCode     SourceType = "code"
	SourceContext  SourceType = "context"
	SourceTask     SourceType = "task"
	SourceMessage  SourceType = "message"
)

// Chunk is one indexable unit of text.
type Chunk struct {
	ID         string
	SourceType SourceType
	SourceRef  string // path#index or entity id
	Content    string
	Heading    string // nearest markdown heading, if any
	TokenCount int
	Hash       string
}

const (
	defaultMaxTokens = 800
	defaultOverlap   = 80
)

var headingRe = regexp.MustCompile(`^#{1,6}\s+(.+)$`)

// Chunker splits documents into token-bounded chunks. Markdown and code
// split on structural boundaries (headings, fenced blocks); plain text
// falls back to a sliding window.
type Chunker struct {
	encoding  *tiktoken.Tiktoken
	maxTokens int
	overlap   int
}

// NewChunker creates a chunker with the cl100k_base encoding.
func NewChunker(maxTokens, overlap int) (*Chunker, error) {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if overlap < 0 || overlap >= maxTokens {
		overlap = defaultOverlap
	}
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Chunker{encoding: encoding, maxTokens: maxTokens, overlap: overlap}, nil
}

// CountTokens returns the token count of text.
func (c *Chunker) CountTokens(text string) int {
	return len(c.encoding.Encode(text, nil, nil))
}

// Split chunks one document. sourceRef gets a #index suffix per chunk so
// every chunk has a stable, unique reference.
func (c *Chunker) Split(sourceType SourceType, sourceRef, text string) []Chunk {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sections []section
	if sourceType == SourceMarkdown {
		sections = splitMarkdown(text)
	} else {
		sections = []section{{body: text}}
	}

	var chunks []Chunk
	for _, sec := range sections {
		for _, piece := range c.window(sec.body) {
			idx := len(chunks)
			ref := fmt.Sprintf("%s#%d", sourceRef, idx)
			chunks = append(chunks, Chunk{
				ID:         hashString(ref + "\x00" + piece),
				SourceType: sourceType,
				SourceRef:  ref,
				Content:    piece,
				Heading:    sec.heading,
				TokenCount: c.CountTokens(piece),
				Hash:       hashString(piece),
			})
		}
	}
	return chunks
}

type section struct {
	heading string
	body    string
}

// splitMarkdown breaks on headings, keeping fenced code blocks intact so a
// heading inside a fence does not start a new section.
func splitMarkdown(text string) []section {
	lines := strings.Split(text, "\n")
	var sections []section
	var current []string
	heading := ""
	inFence := false

	flush := func() {
		body := strings.TrimSpace(strings.Join(current, "\n"))
		if body != "" {
			sections = append(sections, section{heading: heading, body: body})
		}
		current = current[:0]
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~") {
			inFence = !inFence
		}
		if !inFence {
			if m := headingRe.FindStringSubmatch(trimmed); m != nil {
				flush()
				heading = strings.TrimSpace(m[1])
				current = append(current, line)
				continue
			}
		}
		current = append(current, line)
	}
	flush()
	return sections
}

// window splits a body into token-bounded pieces with line overlap.
func (c *Chunker) window(body string) []string {
	if c.CountTokens(body) <= c.maxTokens {
		return []string{body}
	}

	lines := strings.Split(body, "\n")
	var pieces []string
	var buf []string
	bufTokens := 0

	flush := func() {
		if len(buf) == 0 {
			return
		}
		pieces = append(pieces, strings.TrimSpace(strings.Join(buf, "\n")))
		// Carry overlap lines into the next piece.
		if c.overlap > 0 {
			keep := overlapLines(buf, c, c.overlap)
			buf = append([]string{}, keep...)
			bufTokens = c.CountTokens(strings.Join(buf, "\n"))
		} else {
			buf = buf[:0]
			bufTokens = 0
		}
	}

	for _, line := range lines {
		lineTokens := c.CountTokens(line)
		if lineTokens > c.maxTokens {
			// A single oversized line is split on rune boundaries.
			flush()
			buf = nil
			bufTokens = 0
			for _, part := range c.splitLongLine(line) {
				pieces = append(pieces, part)
			}
			continue
		}
		if bufTokens+lineTokens > c.maxTokens {
			flush()
		}
		buf = append(buf, line)
		bufTokens += lineTokens
	}
	if strings.TrimSpace(strings.Join(buf, "\n")) != "" {
		pieces = append(pieces, strings.TrimSpace(strings.Join(buf, "\n")))
	}
	return pieces
}

// overlapLines returns the trailing lines of buf worth at most maxTokens.
func overlapLines(buf []string, c *Chunker, maxTokens int) []string {
	total := 0
	start := len(buf)
	for i := len(buf) - 1; i >= 0; i-- {
		total += c.CountTokens(buf[i])
		if total > maxTokens {
			break
		}
		start = i
	}
	return buf[start:]
}

func (c *Chunker) splitLongLine(line string) []string {
	var parts []string
	runes := []rune(line)
	// Approximate: cut into rune windows sized by the token budget, then
	// verify; cl100k averages well under 4 runes per token for prose.
	step := c.maxTokens * 2
	for start := 0; start < len(runes); start += step {
		end := start + step
		if end > len(runes) {
			end = len(runes)
		}
		part := strings.TrimSpace(string(runes[start:end]))
		if part != "" {
			parts = append(parts, part)
		}
	}
	return parts
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashContent exposes the content hash used for dedup.
func HashContent(s string) string { return hashString(s) }
