// Package llm provides inference engines that transcribe page images with a
// DeepSeek-OCR deployment.
package llm

// SamplingParams controls decoding for every request in a batch.
type SamplingParams struct {
	MaxTokens   int
	Temperature float64

	// NGramSize, WindowSize and WhitelistTokenIDs configure the server-side
	// no-repeat-ngram logits processor. Whitelisted ids (table cell markers)
	// may repeat freely.
	NGramSize         int
	WindowSize        int
	WhitelistTokenIDs []int

	// Special tokens stay in the output; the normalizer removes them.
	SkipSpecialTokens bool
}

// DefaultSamplingParams returns deterministic decoding with repetition control.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		MaxTokens:         8192,
		Temperature:       0,
		NGramSize:         20,
		WindowSize:        50,
		WhitelistTokenIDs: []int{128821, 128822},
	}
}

// logitsArgs returns the vLLM extra args for the ngram processor, or nil when disabled.
func (p SamplingParams) logitsArgs() map[string]interface{} {
	if p.NGramSize <= 0 {
		return nil
	}
	return map[string]interface{}{
		"ngram_size":          p.NGramSize,
		"window_size":         p.WindowSize,
		"whitelist_token_ids": p.WhitelistTokenIDs,
	}
}
