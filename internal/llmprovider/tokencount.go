package llmprovider

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// tokencount estimates prompt token counts before a call is made, so
// max_tokens can be validated client-side and the cost ledger has a
// pre-flight estimate to compare against the provider's reported usage.
// Encoders are cached per model name: tiktoken's BPE load is not free.

var (
	encMu    sync.Mutex
	encCache = map[string]*tiktoken.Tiktoken{}
)

const fallbackEncoding = "cl100k_base"

func encoderFor(model string) (*tiktoken.Tiktoken, error) {
	encMu.Lock()
	defer encMu.Unlock()

	if enc, ok := encCache[model]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, err
		}
	}
	encCache[model] = enc
	return enc, nil
}

// EstimateTokens returns a best-effort token count for text under the
// named model's tokenizer, falling back to cl100k_base for models
// tiktoken-go doesn't recognize directly (e.g. Claude, Bedrock-hosted
// models) since sub-word tokenizers are close enough for pre-flight
// budgeting purposes.
func EstimateTokens(model, text string) (int, error) {
	enc, err := encoderFor(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}
