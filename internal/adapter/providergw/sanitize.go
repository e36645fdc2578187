package providergw

import "github.com/fairyhunter13/llmbroker/internal/domain"

// protectedInputKeys are stripped from the free-form input bag before it is
// spread onto a provider call, so a caller can never override routing or
// framing fields by smuggling them through `input`.
var protectedInputKeys = map[string]bool{
	"model":             true,
	"messages":          true,
	"input":             true,
	"stream":            true,
	"system":            true,
	"max_tokens":        true,
	"max_output_tokens": true,
}

// sanitizeInput returns a copy of call.Input with every protected key
// removed. The original map is left untouched.
func sanitizeInput(input map[string]any) map[string]any {
	if len(input) == 0 {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		if protectedInputKeys[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// sanitizedCall returns a copy of call with Input run through
// sanitizeInput, applied at every Provider Gateway entry point so no
// call-building helper needs to remember to do it itself.
func sanitizedCall(call domain.ProviderCall) domain.ProviderCall {
	call.Input = sanitizeInput(call.Input)
	return call
}
