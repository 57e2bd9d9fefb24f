package tokenizer

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/dlclark/regexp2"
	"github.com/goccy/go-json"
)

const spmWhitespaceSep = "▁"

// defaultBytePattern is the GPT-2 pre-tokenizer used by ByteLevel.
const defaultBytePattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+(?!\S)|\s+`

type HFTokenizer struct {
	flavor Flavor

	encoder map[string]int
	decoder []string
	ranks   map[Pair]int

	added   []string
	addedID map[string]int
	special map[int]bool

	normalizers  []normalizeFunc
	prependSpace bool
	splitOnSpace bool
	stripLeading bool
	byteFallback bool
	byteIDs      [256]int

	byteEncoder [256]rune
	byteDecoder map[rune]byte
	pattern     *regexp2.Regexp

	unkID  int
	bosID  int
	eosID  int
	addBOS bool
	addEOS bool

	mu    sync.Mutex
	cache map[string][]int
}

// Pair is an adjacent pair of BPE symbols.
type Pair struct {
	A string
	B string
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		UnkToken     string         `json:"unk_token"`
		ByteFallback bool           `json:"byte_fallback"`
		IgnoreMerges bool           `json:"ignore_merges"`
	} `json:"model"`
	Normalizer    *hfComponent `json:"normalizer"`
	PreTokenizer  *hfComponent `json:"pre_tokenizer"`
	Decoder       *hfComponent `json:"decoder"`
	PostProcessor *hfComponent `json:"post_processor"`
	AddedTokens   []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
		Special bool   `json:"special"`
	} `json:"added_tokens"`
}

// hfComponent covers the normalizer, pre_tokenizer, decoder and
// post_processor objects, which are either a single step or a Sequence.
type hfComponent struct {
	Type           string         `json:"type"`
	Normalizers    []*hfComponent `json:"normalizers"`
	Pretokenizers  []*hfComponent `json:"pretokenizers"`
	Decoders       []*hfComponent `json:"decoders"`
	Processors     []*hfComponent `json:"processors"`
	Prepend        string         `json:"prepend"`
	Replacement    string         `json:"replacement"`
	AddPrefixSpace *bool          `json:"add_prefix_space"`
	PrependScheme  string         `json:"prepend_scheme"`
	Content        string         `json:"content"`
	Start          int            `json:"start"`
	Pattern        struct {
		String string `json:"String"`
		Regex  string `json:"Regex"`
	} `json:"pattern"`
	Single []struct {
		SpecialToken *struct {
			ID string `json:"id"`
		} `json:"SpecialToken"`
	} `json:"single"`
	SpecialTokens map[string]struct {
		IDs []int `json:"ids"`
	} `json:"special_tokens"`
}

// steps flattens a Sequence into its members.
func (c *hfComponent) steps() []*hfComponent {
	if c == nil {
		return nil
	}
	if c.Type != "Sequence" {
		return []*hfComponent{c}
	}
	var out []*hfComponent
	for _, group := range [][]*hfComponent{c.Normalizers, c.Pretokenizers, c.Decoders, c.Processors} {
		for _, s := range group {
			out = append(out, s.steps()...)
		}
	}
	return out
}

type hfTokenizerConfig struct {
	AddBOS *bool           `json:"add_bos_token"`
	AddEOS *bool           `json:"add_eos_token"`
	BOS    json.RawMessage `json:"bos_token"`
	EOS    json.RawMessage `json:"eos_token"`
}

// tokenContent accepts both "<s>" and {"content": "<s>", ...}.
func tokenContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Content
	}
	return ""
}

// LoadHFTokenizer reads tokenizer.json and an optional tokenizer_config.json.
func LoadHFTokenizer(tokJSON, tokConfig string) (*HFTokenizer, error) {
	data, err := os.ReadFile(tokJSON)
	if err != nil {
		return nil, err
	}
	var cfg []byte
	if tokConfig != "" {
		raw, err := os.ReadFile(tokConfig)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		cfg = raw
	}
	return LoadHFTokenizerBytes(data, cfg)
}

func LoadHFTokenizerBytes(tokJSON []byte, tokConfig []byte) (*HFTokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(tokJSON, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if strings.ToUpper(tj.Model.Type) != "BPE" {
		return nil, fmt.Errorf("unsupported tokenizer model: %s", tj.Model.Type)
	}
	if len(tj.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer.json: empty vocab")
	}

	maxID := -1
	for _, id := range tj.Model.Vocab {
		maxID = max(maxID, id)
	}
	for _, at := range tj.AddedTokens {
		maxID = max(maxID, at.ID)
	}
	encoder := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	decoder := make([]string, maxID+1)
	for tok, id := range tj.Model.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("tokenizer.json: negative id for %q", tok)
		}
		encoder[tok] = id
		decoder[id] = tok
	}

	t := &HFTokenizer{
		encoder:     encoder,
		decoder:     decoder,
		ranks:       parseMerges(tj.Model.Merges),
		addedID:     make(map[string]int, len(tj.AddedTokens)),
		special:     make(map[int]bool),
		byteDecoder: make(map[rune]byte, 256),
		unkID:       -1,
		bosID:       -1,
		eosID:       -1,
		cache:       make(map[string][]int),
	}
	for _, at := range tj.AddedTokens {
		if at.Content == "" {
			continue
		}
		encoder[at.Content] = at.ID
		decoder[at.ID] = at.Content
		t.addedID[at.Content] = at.ID
		t.added = append(t.added, at.Content)
		if at.Special {
			t.special[at.ID] = true
		}
	}
	// longest match first
	slices.SortStableFunc(t.added, func(a, b string) int { return len(b) - len(a) })

	if err := t.configurePipeline(&tj); err != nil {
		return nil, err
	}
	if tj.Model.UnkToken != "" {
		if id, ok := encoder[tj.Model.UnkToken]; ok {
			t.unkID = id
		}
	}
	t.byteFallback = tj.Model.ByteFallback
	for b := range 256 {
		t.byteIDs[b] = -1
		if id, ok := encoder[fmt.Sprintf("<0x%02X>", b)]; ok {
			t.byteIDs[b] = id
		}
	}
	if err := t.configureSpecials(&tj, tokConfig); err != nil {
		return nil, err
	}
	return t, nil
}

func parseMerges(raw []any) map[Pair]int {
	ranks := make(map[Pair]int, len(raw))
	rank := 0
	for _, m := range raw {
		var p Pair
		switch v := m.(type) {
		case string:
			a, b, ok := strings.Cut(strings.TrimSpace(v), " ")
			if !ok || strings.HasPrefix(v, "#") {
				continue
			}
			p = Pair{A: a, B: b}
		case []any:
			if len(v) != 2 {
				continue
			}
			a, aok := v[0].(string)
			b, bok := v[1].(string)
			if !aok || !bok {
				continue
			}
			p = Pair{A: a, B: b}
		default:
			continue
		}
		if _, ok := ranks[p]; !ok {
			ranks[p] = rank
			rank++
		}
	}
	return ranks
}

// configurePipeline picks the flavor and the normalizer chain.
func (t *HFTokenizer) configurePipeline(tj *hfTokenizerJSON) error {
	t.flavor = FlavorByteLevel
	for _, n := range tj.Normalizer.steps() {
		switch n.Type {
		case "NFC", "NFD", "NFKC", "NFKD":
			t.normalizers = append(t.normalizers, unicodeNormalizer(n.Type))
		case "Lowercase":
			t.normalizers = append(t.normalizers, strings.ToLower)
		case "Prepend":
			if n.Prepend == spmWhitespaceSep {
				t.flavor = FlavorSentencePiece
				t.prependSpace = true
			}
		case "Replace":
			if n.Pattern.String == " " && n.Content == spmWhitespaceSep {
				t.flavor = FlavorSentencePiece
			}
		}
	}

	pattern := defaultBytePattern
	for _, p := range tj.PreTokenizer.steps() {
		switch p.Type {
		case "Metaspace":
			t.flavor = FlavorSentencePiece
			t.splitOnSpace = true
			if p.AddPrefixSpace == nil || *p.AddPrefixSpace {
				t.prependSpace = p.PrependScheme != "never"
			}
		case "Split":
			if p.Pattern.Regex != "" {
				pattern = p.Pattern.Regex
			}
		}
	}

	for _, d := range tj.Decoder.steps() {
		switch d.Type {
		case "Strip":
			if d.Content == " " && d.Start > 0 {
				t.stripLeading = true
			}
		case "Metaspace":
			t.stripLeading = t.prependSpace
		}
	}

	if t.flavor == FlavorByteLevel {
		t.byteEncoder, t.byteDecoder = bytesToUnicode()
		re, err := regexp2.Compile(pattern, regexp2.Unicode|regexp2.RE2)
		if err != nil {
			return fmt.Errorf("compile pre-tokenizer pattern %q: %w", pattern, err)
		}
		t.pattern = re
	}
	return nil
}

func (t *HFTokenizer) configureSpecials(tj *hfTokenizerJSON, tokConfig []byte) error {
	for _, proc := range tj.PostProcessor.steps() {
		if proc.Type != "TemplateProcessing" {
			continue
		}
		if len(proc.Single) > 0 && proc.Single[0].SpecialToken != nil {
			if spec, ok := proc.SpecialTokens[proc.Single[0].SpecialToken.ID]; ok && len(spec.IDs) > 0 {
				t.bosID = spec.IDs[0]
				t.addBOS = true
			}
		}
		last := len(proc.Single) - 1
		if last > 0 && proc.Single[last].SpecialToken != nil {
			if spec, ok := proc.SpecialTokens[proc.Single[last].SpecialToken.ID]; ok && len(spec.IDs) > 0 {
				t.eosID = spec.IDs[0]
				t.addEOS = true
			}
		}
	}

	if len(tokConfig) == 0 {
		return nil
	}
	var cfg hfTokenizerConfig
	if err := json.Unmarshal(tokConfig, &cfg); err != nil {
		return fmt.Errorf("parse tokenizer_config.json: %w", err)
	}
	if bos := tokenContent(cfg.BOS); bos != "" {
		if id, ok := t.encoder[bos]; ok {
			t.bosID = id
		}
	}
	if eos := tokenContent(cfg.EOS); eos != "" {
		if id, ok := t.encoder[eos]; ok {
			t.eosID = id
		}
	}
	if cfg.AddBOS != nil {
		t.addBOS = *cfg.AddBOS
	}
	if cfg.AddEOS != nil {
		t.addEOS = *cfg.AddEOS
	}
	return nil
}

// SetBOSID overrides the beginning-of-sequence token. BOS is then always
// added by Encode when AddSpecial is set.
func (t *HFTokenizer) SetBOSID(id int) error {
	if id < 0 || id >= len(t.decoder) {
		return fmt.Errorf("bos token id %d out of range [0,%d)", id, len(t.decoder))
	}
	t.bosID = id
	t.addBOS = true
	return nil
}

func (t *HFTokenizer) Flavor() Flavor {
	return t.flavor
}

func (t *HFTokenizer) BOSID() int {
	return t.bosID
}

func (t *HFTokenizer) EOSID() int {
	return t.eosID
}

func (t *HFTokenizer) UnkID() int {
	return t.unkID
}

func (t *HFTokenizer) AddBOS() bool {
	return t.addBOS
}

func (t *HFTokenizer) VocabSize() int {
	return len(t.decoder)
}

// TokenString returns the raw vocabulary piece for id.
func (t *HFTokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

// IsSpecial reports whether id is a special token. BOS, EOS and UNK count
// as special even when tokenizer.json does not flag them.
func (t *HFTokenizer) IsSpecial(id int) bool {
	if t.special[id] {
		return true
	}
	return id >= 0 && (id == t.bosID || id == t.eosID || id == t.unkID)
}
