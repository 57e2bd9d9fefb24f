package inference

import (
	"slices"
	"strings"

	"github.com/samcharles93/loraserve/internal/tokenizer"
)

// BuildStopTokens merges the tokenizer's EOS with the eos_token_id list of
// config.json. Tokenizers that report no EOS but keep the LLaMA "</s>" at
// id 2 stop on 2.
func BuildStopTokens(tok tokenizer.Tokenizer, configEOS []int) []int {
	var stop []int
	if id := tok.EOSID(); id >= 0 {
		stop = append(stop, id)
	}
	for _, id := range configEOS {
		if id >= 0 && !slices.Contains(stop, id) {
			stop = append(stop, id)
		}
	}
	if len(stop) > 0 {
		return stop
	}

	token2 := strings.ToLower(strings.TrimSpace(tok.TokenString(2)))
	if token2 == "</s>" || token2 == "<|endoftext|>" || token2 == "<|end_of_text|>" {
		stop = append(stop, 2)
	}
	return stop
}
