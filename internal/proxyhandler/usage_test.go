package proxyhandler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractUsageFromJSONSynthesizesTotal(t *testing.T) {
	body := []byte(`{"id":"x","usage":{"prompt_tokens":10,"completion_tokens":5}}`)
	u := extractUsageFromJSON(body)
	require.True(t, u.Found)
	require.Equal(t, uint64(10), u.Prompt)
	require.Equal(t, uint64(5), u.Completion)
	require.Equal(t, uint64(15), u.Total)
}

func TestExtractUsageFromJSONPrefersExplicitTotal(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":999}}`)
	u := extractUsageFromJSON(body)
	require.Equal(t, uint64(999), u.Total)
}

func TestExtractUsageFromJSONMissingUsageNotFound(t *testing.T) {
	u := extractUsageFromJSON([]byte(`{"id":"x"}`))
	require.False(t, u.Found)
}

func TestSSEUsageParserFindsUsageAcrossSplitChunks(t *testing.T) {
	var p sseUsageParser
	p.Feed([]byte("data: {\"id\":\"1\",\"choices\":[]}\n\n"))
	// split the usage-bearing line across two Feed calls
	p.Feed([]byte("data: {\"id\":\"2\",\"usage\":{\"prompt_tokens\":3,"))
	p.Feed([]byte("\"completion_tokens\":4,\"total_tokens\":7}}\n\n"))
	p.Feed([]byte("data: [DONE]\n\n"))

	result := p.Result()
	require.True(t, result.Found)
	require.Equal(t, uint64(7), result.Total)
}

func TestSSEUsageParserIgnoresNonDataAndDoneLines(t *testing.T) {
	var p sseUsageParser
	p.Feed([]byte(": comment\ndata: [DONE]\n"))
	require.False(t, p.Result().Found)
}

func TestSSEUsageParserKeepsLastUsageSeen(t *testing.T) {
	var p sseUsageParser
	p.Feed([]byte("data: {\"usage\":{\"total_tokens\":1}}\n"))
	p.Feed([]byte("data: {\"usage\":{\"total_tokens\":2}}\n"))
	require.Equal(t, uint64(2), p.Result().Total)
}
