package tokenizer

// Tokenizer is the surface the inference engine needs.
type Tokenizer interface {
	Encode(text string, opts EncodeOptions) ([]int, error)
	Decode(ids []int, skipSpecial bool) (string, error)
	TokenString(id int) string
	IsSpecial(id int) bool
	BOSID() int
	EOSID() int
	VocabSize() int
}

// EncodeOptions mirrors the knobs of a HF tokenizer call.
type EncodeOptions struct {
	// AddSpecial adds BOS/EOS as configured by the tokenizer.
	AddSpecial bool
	// MaxLength caps the number of ids when Truncation is set. Zero or
	// negative means no limit.
	MaxLength  int
	Truncation bool
}

// Flavor selects how text is pre-processed before BPE.
type Flavor int

const (
	// FlavorByteLevel is GPT-2 style: regex split and byte-to-unicode map.
	FlavorByteLevel Flavor = iota
	// FlavorSentencePiece is LLaMA style: spaces become "▁" and unknown
	// bytes fall back to <0xNN> tokens.
	FlavorSentencePiece
)

func (f Flavor) String() string {
	switch f {
	case FlavorSentencePiece:
		return "sentencepiece"
	default:
		return "byte_level"
	}
}
