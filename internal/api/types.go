package api

// ProcessRequest is the body of POST /process. Pointer fields distinguish
// "absent" from zero so defaults can be applied.
type ProcessRequest struct {
	Prompt       *string  `json:"prompt"`
	NumSamples   *int     `json:"num_samples,omitempty"`
	MaxNewTokens *int     `json:"max_new_tokens,omitempty"`
	TopK         *int     `json:"top_k,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	Seed         *int64   `json:"seed,omitempty"`
	EchoPrompt   *bool    `json:"echo_prompt,omitempty"`
}

type Token struct {
	Text    string  `json:"text"`
	Logprob float64 `json:"logprob"`
	// TopLogprob holds a single entry: the decoded most likely token and
	// its log-probability.
	TopLogprob map[string]float64 `json:"top_logprob"`
}

type ProcessResponse struct {
	Text        string  `json:"text"`
	Tokens      []Token `json:"tokens"`
	Logprob     float64 `json:"logprob"`
	RequestTime float64 `json:"request_time"`
}

type TokenizeRequest struct {
	Text       *string `json:"text"`
	Truncation *bool   `json:"truncation,omitempty"`
	MaxLength  *int    `json:"max_length,omitempty"`
}

type TokenizeResponse struct {
	Tokens      []int   `json:"tokens"`
	RequestTime float64 `json:"request_time"`
}

type DecodeRequest struct {
	Tokens            []int `json:"tokens"`
	SkipSpecialTokens bool  `json:"skip_special_tokens,omitempty"`
}

type DecodeResponse struct {
	Text        string  `json:"text"`
	RequestTime float64 `json:"request_time"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	Model         string `json:"model"`
	Adapter       string `json:"adapter,omitempty"`
	BaseModel     string `json:"base_model,omitempty"`
	Arch          string `json:"arch,omitempty"`
	ContextLength int    `json:"context_length"`
}

type ResponseError struct {
	Message string `json:"message,omitempty"`
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}
