package model

import "fmt"

const (
	embeddingName  = "model.embed_tokens.weight"
	outputNormName = "model.norm.weight"
	outputName     = "lm_head.weight"
)

func attnNormName(layer int) string {
	return fmt.Sprintf("model.layers.%d.input_layernorm.weight", layer)
}

func ffnNormName(layer int) string {
	return fmt.Sprintf("model.layers.%d.post_attention_layernorm.weight", layer)
}

func attnProjName(layer int, proj string) string {
	return fmt.Sprintf("model.layers.%d.self_attn.%s.weight", layer, proj)
}

func mlpProjName(layer int, proj string) string {
	return fmt.Sprintf("model.layers.%d.mlp.%s.weight", layer, proj)
}
