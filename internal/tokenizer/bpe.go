package tokenizer

import (
	"cmp"
	"fmt"
	"strconv"
	"strings"

	heap "github.com/emirpasic/gods/v2/trees/binaryheap"
)

const (
	maxCacheEntries = 1 << 16
	// maxCachedWordLen bounds the words kept in the BPE cache. SentencePiece
	// tokenizers without a pre-tokenizer hand whole prompts to bpeWord.
	maxCachedWordLen = 256
)

type textPart struct {
	text string
	id   int
}

type candidate struct {
	a, b  int
	rank  int
	value string
}

type symbol struct {
	p, n  int
	runes []rune
}

// Encode converts text into token ids.
func (t *HFTokenizer) Encode(text string, opts EncodeOptions) ([]int, error) {
	var body []int
	for _, part := range t.splitAdded(text) {
		if part.id >= 0 {
			body = append(body, part.id)
			continue
		}
		var err error
		body, err = t.encodeText(body, part.text)
		if err != nil {
			return nil, err
		}
	}

	addBOS := opts.AddSpecial && t.addBOS && t.bosID >= 0
	addEOS := opts.AddSpecial && t.addEOS && t.eosID >= 0
	if opts.Truncation && opts.MaxLength > 0 {
		// Truncation keeps the special tokens and shortens the text.
		limit := opts.MaxLength
		if addBOS {
			limit--
		}
		if addEOS {
			limit--
		}
		if len(body) > max(limit, 0) {
			body = body[:max(limit, 0)]
		}
	}

	ids := make([]int, 0, len(body)+2)
	if addBOS {
		ids = append(ids, t.bosID)
	}
	ids = append(ids, body...)
	if addEOS {
		ids = append(ids, t.eosID)
	}
	return ids, nil
}

func (t *HFTokenizer) encodeText(ids []int, text string) ([]int, error) {
	s := text
	for _, fn := range t.normalizers {
		s = fn(s)
	}
	if s == "" {
		return ids, nil
	}

	var words []string
	switch t.flavor {
	case FlavorSentencePiece:
		s = strings.ReplaceAll(s, " ", spmWhitespaceSep)
		if t.prependSpace {
			s = spmWhitespaceSep + s
		}
		if t.splitOnSpace {
			words = splitBeforeSeparator(s)
		} else {
			words = []string{s}
		}
	default:
		pieces, err := t.preTokenize(s)
		if err != nil {
			return nil, err
		}
		for _, w := range pieces {
			words = append(words, t.byteEncode(w))
		}
	}

	for _, w := range words {
		wordIDs, err := t.bpeWord(w)
		if err != nil {
			return nil, err
		}
		ids = append(ids, wordIDs...)
	}
	return ids, nil
}

// splitBeforeSeparator splits s so every word but possibly the first starts
// with the whitespace separator.
func splitBeforeSeparator(s string) []string {
	var words []string
	start := 0
	for i := 1; i < len(s); i++ {
		if strings.HasPrefix(s[i:], spmWhitespaceSep) {
			if i > start {
				words = append(words, s[start:i])
			}
			start = i
		}
	}
	return append(words, s[start:])
}

// preTokenize splits s with the byte-level pattern. Text between matches is
// kept as its own piece.
func (t *HFTokenizer) preTokenize(s string) ([]string, error) {
	r := []rune(s)
	var words []string
	offset := 0
	m, err := t.pattern.FindRunesMatch(r)
	for ; m != nil && err == nil; m, err = t.pattern.FindNextMatch(m) {
		if m.Index > offset {
			words = append(words, string(r[offset:m.Index]))
		}
		words = append(words, m.String())
		offset = m.Index + m.Length
	}
	if err != nil {
		return nil, fmt.Errorf("pre-tokenize: %w", err)
	}
	if offset < len(r) {
		words = append(words, string(r[offset:]))
	}
	return words, nil
}

func (t *HFTokenizer) bpeWord(word string) ([]int, error) {
	t.mu.Lock()
	cached, ok := t.cache[word]
	t.mu.Unlock()
	if ok {
		return cached, nil
	}

	var ids []int
	if id, ok := t.encoder[word]; ok {
		ids = []int{id}
	} else {
		var err error
		for _, piece := range t.merge(word) {
			ids, err = t.appendPiece(ids, piece)
			if err != nil {
				return nil, err
			}
		}
	}

	if len(word) > maxCachedWordLen {
		return ids, nil
	}
	t.mu.Lock()
	if len(t.cache) >= maxCacheEntries {
		clear(t.cache)
	}
	t.cache[word] = ids
	t.mu.Unlock()
	return ids, nil
}

// merge applies BPE merges lowest rank first until none applies.
func (t *HFTokenizer) merge(word string) []string {
	runes := []rune(word)
	symbols := make([]symbol, len(runes))
	for i := range runes {
		symbols[i] = symbol{p: i - 1, n: i + 1, runes: []rune{runes[i]}}
	}

	pairwise := func(a, b int) *candidate {
		if a < 0 || b >= len(runes) {
			return nil
		}
		left, right := string(symbols[a].runes), string(symbols[b].runes)
		rank, ok := t.ranks[Pair{A: left, B: right}]
		if !ok {
			return nil
		}
		return &candidate{a: a, b: b, rank: rank, value: left + right}
	}

	pairs := heap.NewWith(func(i, j *candidate) int {
		if c := cmp.Compare(i.rank, j.rank); c != 0 {
			return c
		}
		return cmp.Compare(i.a, j.a)
	})
	for i := range len(runes) - 1 {
		if c := pairwise(i, i+1); c != nil {
			pairs.Push(c)
		}
	}

	for !pairs.Empty() {
		c, _ := pairs.Pop()
		left, right := symbols[c.a], symbols[c.b]
		if len(left.runes) == 0 || len(right.runes) == 0 || left.n != c.b ||
			string(left.runes)+string(right.runes) != c.value {
			continue
		}

		symbols[c.a].runes = append(left.runes, right.runes...)
		symbols[c.b].runes = nil
		symbols[c.a].n = right.n
		if right.n < len(symbols) {
			symbols[right.n].p = c.a
		}

		if next := pairwise(symbols[c.a].p, c.a); next != nil {
			pairs.Push(next)
		}
		if next := pairwise(c.a, symbols[c.a].n); next != nil {
			pairs.Push(next)
		}
	}

	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if len(s.runes) > 0 {
			out = append(out, string(s.runes))
		}
	}
	return out
}

func (t *HFTokenizer) appendPiece(ids []int, piece string) ([]int, error) {
	if id, ok := t.encoder[piece]; ok {
		return append(ids, id), nil
	}
	if t.byteFallback {
		for _, b := range []byte(piece) {
			if id := t.byteIDs[b]; id >= 0 {
				ids = append(ids, id)
			} else if t.unkID >= 0 {
				ids = append(ids, t.unkID)
			} else {
				return nil, fmt.Errorf("no byte token for 0x%02X", b)
			}
		}
		return ids, nil
	}
	if t.unkID >= 0 {
		return append(ids, t.unkID), nil
	}
	return nil, fmt.Errorf("unknown token: %q", piece)
}

// Decode converts ids back to text, optionally dropping special tokens.
func (t *HFTokenizer) Decode(ids []int, skipSpecial bool) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("token id out of range: %d", id)
		}
		if skipSpecial && t.IsSpecial(id) {
			continue
		}
		piece := t.decoder[id]
		if _, ok := t.addedID[piece]; ok {
			b = append(b, piece...)
			continue
		}
		switch t.flavor {
		case FlavorSentencePiece:
			if by, ok := parseByteToken(piece); ok && t.byteFallback {
				b = append(b, by)
				continue
			}
			b = append(b, strings.ReplaceAll(piece, spmWhitespaceSep, " ")...)
		default:
			for _, r := range piece {
				if by, ok := t.byteDecoder[r]; ok {
					b = append(b, by)
				} else {
					b = append(b, string(r)...)
				}
			}
		}
	}
	out := string(b)
	if t.stripLeading {
		out = strings.TrimPrefix(out, " ")
	}
	return out, nil
}

// parseByteToken recognises byte fallback pieces such as <0x0A>.
func parseByteToken(piece string) (byte, bool) {
	if len(piece) != 6 || !strings.HasPrefix(piece, "<0x") || piece[5] != '>' {
		return 0, false
	}
	v, err := strconv.ParseUint(piece[3:5], 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}

func (t *HFTokenizer) splitAdded(text string) []textPart {
	if len(t.added) == 0 {
		return []textPart{{text: text, id: -1}}
	}
	var parts []textPart
	start := 0
	for i := 0; i < len(text); {
		match := ""
		for _, tok := range t.added {
			if strings.HasPrefix(text[i:], tok) {
				match = tok
				break
			}
		}
		if match == "" {
			i++
			continue
		}
		if i > start {
			parts = append(parts, textPart{text: text[start:i], id: -1})
		}
		parts = append(parts, textPart{text: match, id: t.addedID[match]})
		i += len(match)
		start = i
	}
	if start < len(text) {
		parts = append(parts, textPart{text: text[start:], id: -1})
	}
	return parts
}

func (t *HFTokenizer) byteEncode(s string) string {
	var b strings.Builder
	for _, by := range []byte(s) {
		b.WriteRune(t.byteEncoder[by])
	}
	return b.String()
}

// bytesToUnicode maps bytes to printable runes so byte-level BPE is
// reversible.
func bytesToUnicode() ([256]rune, map[rune]byte) {
	var enc [256]rune
	dec := make(map[rune]byte, 256)
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := range 256 {
		r := rune(b)
		if !printable(b) {
			r = rune(256 + n)
			n++
		}
		enc[b] = r
		dec[r] = byte(b)
	}
	return enc, dec
}
