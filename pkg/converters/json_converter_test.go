package converters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePageDirect(t *testing.T) {
	data := []byte(`{"categories":[
		{"name":"Financial Highlights","confidence":0.92,"content":"Revenue up 12%"},
		{"name":"  ","confidence":0.1,"content":"dropped"},
		"not an object",
		{"name":"Notes","confidence":0.5,"content":{"rows":2}}
	]}`)

	page, err := ParsePage(data)
	require.NoError(t, err)
	assert.Equal(t, FormatDirect, page.Format)
	require.Len(t, page.Categories, 2)
	assert.Equal(t, "Financial Highlights", page.Categories[0].Name)
	assert.InDelta(t, 0.92, page.Categories[0].Confidence, 1e-9)
	assert.Equal(t, []string{"financial highlights", "notes"}, page.Names())
}

func TestParsePageEnvelope(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "fenced json string",
			data: "{\"choices\":[{\"message\":{\"content\":\"```json\\n{\\\"categories\\\":[{\\\"name\\\":\\\"Cash Flow\\\",\\\"confidence\\\":0.8,\\\"content\\\":\\\"x\\\"}]}\\n```\"}}]}",
		},
		{
			name: "bare fence",
			data: "{\"choices\":[{\"message\":{\"content\":\"```\\n{\\\"categories\\\":[{\\\"name\\\":\\\"Cash Flow\\\"}]}```\"}}]}",
		},
		{
			name: "plain json string",
			data: `{"choices":[{"message":{"content":"{\"categories\":[{\"name\":\"Cash Flow\"}]}"}}]}`,
		},
		{
			name: "object content",
			data: `{"choices":[{"message":{"content":{"categories":[{"name":"Cash Flow"}]}}}]}`,
		},
		{
			name: "first choice unusable",
			data: `{"choices":[{"message":{"content":"sorry"}},{"message":{"content":"{\"categories\":[{\"name\":\"Cash Flow\"}]}"}}]}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := ParsePage([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, FormatEnvelope, page.Format)
			assert.Equal(t, []string{"cash flow"}, page.Names())
			assert.NotEmpty(t, page.Content)
		})
	}
}

func TestParsePageErrors(t *testing.T) {
	_, err := ParsePage([]byte(`not json`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParsePage([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = ParsePage([]byte(`{"choices":[{"message":{"content":"I cannot read this page"}}]}`))
	assert.ErrorIs(t, err, ErrNoCategories)

	_, err = ParsePage([]byte(`{"text":"hello"}`))
	assert.ErrorIs(t, err, ErrNoCategories)
}

func TestEmptyCategoriesIsValid(t *testing.T) {
	page, err := ParsePage([]byte(`{"categories":[]}`))
	require.NoError(t, err)
	assert.Empty(t, page.Categories)
	assert.False(t, page.MatchesAny([]string{"notes"}))
	assert.True(t, page.MatchesAny(nil))
}

func TestMatchesAny(t *testing.T) {
	page, err := ParsePage([]byte(`{"categories":[{"name":"Balance Sheet"},{"name":"Notes"}]}`))
	require.NoError(t, err)

	assert.True(t, page.MatchesAny([]string{"BALANCE SHEET"}))
	assert.True(t, page.MatchesAny([]string{"missing", "notes"}))
	assert.False(t, page.MatchesAny([]string{"cash flow"}))
}

func TestStripFenceAndNormalize(t *testing.T) {
	assert.Equal(t, `{"a":1}`, StripFence("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, StripFence("```json{\"a\":1}```"))
	assert.Equal(t, `{"a":1}`, StripFence(`  {"a":1} `))
	assert.Equal(t, "financial_highlights", NormalizeName(" Financial Highlights "))
}

func TestWrapEnvelopeRoundTrip(t *testing.T) {
	data, err := WrapEnvelope("```json\n{\"categories\":[{\"name\":\"Notes\"}]}\n```")
	require.NoError(t, err)

	page, err := ParsePage(data)
	require.NoError(t, err)
	assert.Equal(t, FormatEnvelope, page.Format)
	assert.Equal(t, []string{"notes"}, page.Names())
}

func TestIndentKeepsInvalidBytes(t *testing.T) {
	assert.Equal(t, []byte("x"), Indent([]byte("x")))
	assert.Equal(t, "{\n  \"a\": 1\n}", string(Indent([]byte(`{"a":1}`))))
}
