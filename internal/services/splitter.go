package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"unicode"

	"github.com/nickng/bibtex"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/jsonc"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"
)

// SourceKind selects how a document is split into chunks.
type SourceKind int

const (
	SourceKindText SourceKind = iota
	SourceKindCode
	SourceKindMarkdown
	SourceKindJSON
	SourceKindNotebook
	SourceKindBibTeX
	SourceKindPDF
)

var sourceKindNames = map[SourceKind]string{
	SourceKindText:     "text",
	SourceKindCode:     "code",
	SourceKindMarkdown: "markdown",
	SourceKindJSON:     "json",
	SourceKindNotebook: "notebook",
	SourceKindBibTeX:   "bibtex",
	SourceKindPDF:      "pdf",
}

func (k SourceKind) String() string {
	if name, ok := sourceKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("SourceKind(%d)", int(k))
}

var extensionKinds = map[string]SourceKind{
	".py":    SourceKindCode,
	".go":    SourceKindCode,
	".js":    SourceKindCode,
	".ts":    SourceKindCode,
	".java":  SourceKindCode,
	".c":     SourceKindCode,
	".cpp":   SourceKindCode,
	".rs":    SourceKindCode,
	".md":    SourceKindMarkdown,
	".json":  SourceKindJSON,
	".ipynb": SourceKindNotebook,
	".bib":   SourceKindBibTeX,
	".pdf":   SourceKindPDF,
}

// KindForPath maps a file path or URL to its source kind by extension.
func KindForPath(p string) SourceKind {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if kind, ok := extensionKinds[strings.ToLower(path.Ext(p))]; ok {
		return kind
	}
	return SourceKindText
}

// Chunk is a piece of a document ready to be embedded.
type Chunk struct {
	Text     string
	Kind     SourceKind
	Metadata DocumentMetadata
}

type splitFunc func(text string) []string

type Splitter struct {
	chunkSize int
	overlap   int
	counter   TokenCounter
	model     string
	markdown  goldmark.Markdown
	handlers  map[SourceKind]splitFunc
}

// NewSplitter bounds text chunks to chunkSize tokens with overlap tokens
// shared between neighbours.
func NewSplitter(counter TokenCounter, tokenizerModel string, chunkSize, overlap int) *Splitter {
	s := &Splitter{
		chunkSize: chunkSize,
		overlap:   overlap,
		counter:   counter,
		model:     tokenizerModel,
		markdown:  goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
	s.handlers = map[SourceKind]splitFunc{
		SourceKindText:     s.splitText,
		SourceKindPDF:      s.splitText,
		SourceKindCode:     s.splitCode,
		SourceKindMarkdown: s.splitMarkdown,
		SourceKindJSON:     s.splitJSON,
		SourceKindNotebook: s.splitNotebook,
		SourceKindBibTeX:   s.splitBibTeX,
	}
	return s
}

// kindForSourceType maps loader source types that fix the content format.
func kindForSourceType(sourceType string) SourceKind {
	switch sourceType {
	case SourceTypeJSON:
		return SourceKindJSON
	case SourceTypeNotebook:
		return SourceKindNotebook
	case SourceTypePDF:
		return SourceKindPDF
	case SourceTypeBibTeX:
		return SourceKindBibTeX
	}
	return SourceKindText
}

// KindOf picks the kind from the source type, then the file path, then the URL.
func (s *Splitter) KindOf(doc Document) SourceKind {
	if kind := kindForSourceType(doc.Metadata.SourceType); kind != SourceKindText {
		return kind
	}
	if doc.Metadata.FilePath != "" {
		return KindForPath(doc.Metadata.FilePath)
	}
	return KindForPath(doc.Metadata.URL)
}

// Split cuts doc into chunks that inherit its metadata. Empty chunks are dropped.
func (s *Splitter) Split(doc Document) []Chunk {
	kind := s.KindOf(doc)
	handler, ok := s.handlers[kind]
	if !ok {
		handler = s.splitText
	}

	var chunks []Chunk
	for _, piece := range handler(doc.Text) {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		chunks = append(chunks, Chunk{Text: piece, Kind: kind, Metadata: doc.Metadata})
	}
	return chunks
}

func (s *Splitter) tokens(t string) int {
	return s.counter.CountTokens(t, s.model)
}

// splitText packs sentences into chunks of at most chunkSize tokens. Each
// new chunk starts with the trailing sentences of the previous one that fit
// in the overlap budget.
func (s *Splitter) splitText(t string) []string {
	type sentence struct {
		text   string
		tokens int
	}

	var sentences []sentence
	for _, raw := range splitSentences(t) {
		n := s.tokens(raw)
		if n <= s.chunkSize {
			sentences = append(sentences, sentence{raw, n})
			continue
		}
		for _, piece := range s.splitWords(raw) {
			sentences = append(sentences, sentence{piece, s.tokens(piece)})
		}
	}

	var chunks []string
	var current []sentence
	size := 0
	flush := func() {
		if len(current) == 0 {
			return
		}
		parts := make([]string, len(current))
		for i, sn := range current {
			parts[i] = sn.text
		}
		chunks = append(chunks, strings.Join(parts, " "))

		// carry the overlap into the next chunk
		var carry []sentence
		carried := 0
		for i := len(current) - 1; i >= 0; i-- {
			if carried+current[i].tokens > s.overlap {
				break
			}
			carried += current[i].tokens
			carry = append([]sentence{current[i]}, carry...)
		}
		if len(carry) == len(current) {
			carry = nil
			carried = 0
		}
		current, size = carry, carried
	}

	for _, sn := range sentences {
		if size+sn.tokens > s.chunkSize && len(current) > 0 {
			flush()
			for size+sn.tokens > s.chunkSize && len(current) > 0 {
				size -= current[0].tokens
				current = current[1:]
			}
		}
		current = append(current, sn)
		size += sn.tokens
	}
	if len(current) > 0 {
		parts := make([]string, len(current))
		for i, sn := range current {
			parts[i] = sn.text
		}
		chunks = append(chunks, strings.Join(parts, " "))
	}
	return chunks
}

// splitWords breaks a single over-long sentence on word boundaries.
func (s *Splitter) splitWords(t string) []string {
	var pieces []string
	var current []string
	size := 0
	for _, w := range strings.Fields(t) {
		n := s.tokens(w)
		if size+n > s.chunkSize && len(current) > 0 {
			pieces = append(pieces, strings.Join(current, " "))
			current, size = nil, 0
		}
		current = append(current, w)
		size += n
	}
	if len(current) > 0 {
		pieces = append(pieces, strings.Join(current, " "))
	}
	return pieces
}

// splitSentences ends a sentence at . ! or ? followed by whitespace, and at blank lines.
func splitSentences(t string) []string {
	var out []string
	var b strings.Builder
	runes := []rune(t)
	emit := func() {
		if s := strings.Join(strings.Fields(b.String()), " "); s != "" {
			out = append(out, s)
		}
		b.Reset()
	}
	for i, r := range runes {
		b.WriteRune(r)
		next := rune(0)
		if i+1 < len(runes) {
			next = runes[i+1]
		}
		switch {
		case (r == '.' || r == '!' || r == '?') && (next == 0 || unicode.IsSpace(next)):
			emit()
		case r == '\n' && next == '\n':
			emit()
		}
	}
	emit()
	return out
}

// splitCode keeps blank-line separated blocks together while they fit.
func (s *Splitter) splitCode(t string) []string {
	var blocks []string
	for _, block := range strings.Split(t, "\n\n") {
		if strings.TrimSpace(block) != "" {
			blocks = append(blocks, block)
		}
	}

	var chunks []string
	var current []string
	size := 0
	push := func(block string, n int) {
		if size+n > s.chunkSize && len(current) > 0 {
			chunks = append(chunks, strings.Join(current, "\n\n"))
			current, size = nil, 0
		}
		current = append(current, block)
		size += n
	}
	for _, block := range blocks {
		n := s.tokens(block)
		if n <= s.chunkSize {
			push(block, n)
			continue
		}
		for _, line := range strings.Split(block, "\n") {
			ln := s.tokens(line)
			if ln <= s.chunkSize {
				push(line, ln)
				continue
			}
			for _, piece := range s.splitWords(line) {
				push(piece, s.tokens(piece))
			}
		}
	}
	if len(current) > 0 {
		chunks = append(chunks, strings.Join(current, "\n\n"))
	}
	return chunks
}

// splitMarkdown makes one chunk per heading section. Sections larger than
// chunkSize are split as text with the heading repeated on every piece.
func (s *Splitter) splitMarkdown(t string) []string {
	source := []byte(t)
	doc := s.markdown.Parser().Parse(text.NewReader(source))

	type boundary struct {
		offset  int
		heading string
	}
	bounds := []boundary{{offset: 0}}
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		h, ok := n.(*ast.Heading)
		if !ok || h.Lines().Len() == 0 {
			continue
		}
		start := h.Lines().At(0).Start
		lineStart := bytes.LastIndexByte(source[:start], '\n') + 1
		bounds = append(bounds, boundary{
			offset:  lineStart,
			heading: strings.TrimSpace(string(h.Lines().Value(source))),
		})
	}

	var chunks []string
	for i, b := range bounds {
		end := len(source)
		if i+1 < len(bounds) {
			end = bounds[i+1].offset
		}
		if b.offset >= end {
			continue
		}
		section := string(source[b.offset:end])
		if strings.TrimSpace(section) == "" {
			continue
		}
		if s.tokens(section) <= s.chunkSize {
			chunks = append(chunks, section)
			continue
		}
		for _, piece := range s.splitText(section) {
			if b.heading != "" && !strings.Contains(piece, b.heading) {
				piece = b.heading + "\n" + piece
			}
			chunks = append(chunks, piece)
		}
	}
	return chunks
}

// splitJSON makes one chunk per top-level key or array element. Invalid
// JSON is treated as text.
func (s *Splitter) splitJSON(t string) []string {
	var value interface{}
	if err := json.Unmarshal(jsonc.ToJSON([]byte(t)), &value); err != nil {
		log.Debug().Err(err).Msg("Content is not JSON, splitting as text")
		return s.splitText(t)
	}

	var pieces []string
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			pieces = append(pieces, k+": "+compactJSON(v[k]))
		}
	case []interface{}:
		for _, item := range v {
			pieces = append(pieces, compactJSON(item))
		}
	default:
		pieces = append(pieces, compactJSON(v))
	}

	var chunks []string
	for _, p := range pieces {
		if s.tokens(p) <= s.chunkSize {
			chunks = append(chunks, p)
			continue
		}
		chunks = append(chunks, s.splitText(p)...)
	}
	return chunks
}

func compactJSON(v interface{}) string {
	if str, ok := v.(string); ok {
		return str
	}
	out, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(out)
}

type notebook struct {
	Cells []struct {
		CellType string          `json:"cell_type"`
		Source   json.RawMessage `json:"source"`
	} `json:"cells"`
}

// splitNotebook makes one chunk per non-empty cell, prefixed with the cell type.
func (s *Splitter) splitNotebook(t string) []string {
	var nb notebook
	if err := json.Unmarshal(jsonc.ToJSON([]byte(t)), &nb); err != nil || len(nb.Cells) == 0 {
		return s.splitCode(t)
	}

	var chunks []string
	for _, cell := range nb.Cells {
		src := cellSource(cell.Source)
		if strings.TrimSpace(src) == "" {
			continue
		}
		body := fmt.Sprintf("[%s]\n%s", cell.CellType, src)
		if s.tokens(body) <= s.chunkSize {
			chunks = append(chunks, body)
			continue
		}
		chunks = append(chunks, s.splitCode(body)...)
	}
	return chunks
}

// cellSource accepts both the string and the list-of-lines notebook forms.
func cellSource(raw json.RawMessage) string {
	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return strings.Join(lines, "")
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	return ""
}

// splitBibTeX makes one formatted citation per entry.
func (s *Splitter) splitBibTeX(t string) []string {
	bib, err := bibtex.Parse(strings.NewReader(t))
	if err != nil {
		log.Debug().Err(err).Msg("Content is not BibTeX, splitting as text")
		return s.splitText(t)
	}

	var chunks []string
	for _, entry := range bib.Entries {
		chunks = append(chunks, formatBibEntry(entry))
	}
	return chunks
}

func formatBibEntry(entry *bibtex.BibEntry) string {
	getField := func(key string, defaultValue string) string {
		if field, ok := entry.Fields[key]; ok && field != nil {
			return strings.Trim(field.String(), "{}\"")
		}
		return defaultValue
	}

	authors := getField("author", "Unknown Author")
	title := getField("title", "Untitled")
	year := getField("year", "n.d.")
	venue := getField("journal", "")
	if venue == "" {
		venue = getField("booktitle", "")
	}

	ref := fmt.Sprintf("%s. (%s). %s. %s", authors, year, title, venue)
	if doi := getField("doi", ""); doi != "" {
		ref += " DOI: " + doi
	}
	if abstract := getField("abstract", ""); abstract != "" {
		ref += "\n" + abstract
	}
	return fmt.Sprintf("[%s] %s", entry.CiteName, ref)
}
