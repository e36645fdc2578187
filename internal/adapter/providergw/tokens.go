package providergw

import (
	"log/slog"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/fairyhunter13/llmbroker/internal/domain"
	"github.com/fairyhunter13/llmbroker/internal/observability"
)

var tiktokenInit sync.Once

func ensureOfflineBPELoader() {
	tiktokenInit.Do(func() {
		tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
	})
}

// estimateTokens counts tokens with cl100k_base for diagnostic purposes
// only; no cost accounting is derived from this count.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	ensureOfflineBPELoader()
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("tiktoken encoding unavailable", slog.Any("error", err))
		return 0
	}
	return len(enc.Encode(text, nil, nil))
}

// recordTokens emits provider-scoped diagnostic token metrics, preferring
// the provider's own usage figures and falling back to a tiktoken estimate
// when the provider response omitted them.
func recordTokens(provider domain.ProviderSlug, model string, promptTokens, completionTokens int, call domain.ProviderCall, output string) {
	if promptTokens == 0 && completionTokens == 0 {
		for _, m := range buildMessages(call) {
			promptTokens += estimateTokens(m.Content)
		}
		completionTokens = estimateTokens(output)
	}
	if promptTokens > 0 {
		observability.RecordProviderTokens(string(provider), "prompt", promptTokens)
	}
	if completionTokens > 0 {
		observability.RecordProviderTokens(string(provider), "completion", completionTokens)
	}
}
