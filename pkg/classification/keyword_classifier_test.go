package classification

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/branchline/branch-router/pkg/config"
)

func TestNewKeywordClassifierRejectsBadOperator(t *testing.T) {
	_, err := NewKeywordClassifier([]config.KeywordRule{
		{Domain: "math", Operator: "XOR", Keywords: []string{"integral"}},
	})
	assert.Error(t, err)
}

func TestNewKeywordClassifierRejectsEmptyKeywords(t *testing.T) {
	_, err := NewKeywordClassifier([]config.KeywordRule{
		{Domain: "math", Operator: "OR"},
	})
	assert.Error(t, err)
}

func TestClassifyORRule(t *testing.T) {
	kc, err := NewKeywordClassifier([]config.KeywordRule{
		{Domain: "math", Operator: "OR", Keywords: []string{"integral", "derivative", "equation"}},
	})
	require.NoError(t, err)

	c, err := kc.Classify(context.Background(), "Solve this equation using the derivative")
	require.NoError(t, err)
	assert.Equal(t, "math", c.Domain)
	assert.InDelta(t, 2.0/3.0, c.Confidence, 1e-9)
}

func TestClassifyANDRuleRequiresAllKeywords(t *testing.T) {
	kc, err := NewKeywordClassifier([]config.KeywordRule{
		{Domain: "medicine", Operator: "AND", Keywords: []string{"dosage", "patient"}},
	})
	require.NoError(t, err)

	c, err := kc.Classify(context.Background(), "What dosage is safe?")
	require.NoError(t, err)
	assert.Equal(t, GeneralDomain, c.Domain)

	c, err = kc.Classify(context.Background(), "What dosage is safe for this patient?")
	require.NoError(t, err)
	assert.Equal(t, "medicine", c.Domain)
	assert.InDelta(t, 1.0, c.Confidence, 1e-9)
}

func TestClassifyIsCaseInsensitiveByDefault(t *testing.T) {
	kc, err := NewKeywordClassifier([]config.KeywordRule{
		{Domain: "math", Operator: "OR", Keywords: []string{"integral"}},
	})
	require.NoError(t, err)

	c, err := kc.Classify(context.Background(), "Compute the INTEGRAL")
	require.NoError(t, err)
	assert.Equal(t, "math", c.Domain)
}

func TestClassifyMatchesWholeWordsOnly(t *testing.T) {
	kc, err := NewKeywordClassifier([]config.KeywordRule{
		{Domain: "legal", Operator: "OR", Keywords: []string{"law"}},
	})
	require.NoError(t, err)

	c, err := kc.Classify(context.Background(), "my lawn needs mowing")
	require.NoError(t, err)
	assert.Equal(t, GeneralDomain, c.Domain)
}

func TestClassifyNoMatchFallsToGeneralLowConfidence(t *testing.T) {
	kc, err := NewKeywordClassifier([]config.KeywordRule{
		{Domain: "math", Operator: "OR", Keywords: []string{"integral"}},
	})
	require.NoError(t, err)

	c, err := kc.Classify(context.Background(), "Tell me about cheese")
	require.NoError(t, err)
	assert.Equal(t, GeneralDomain, c.Domain)
	assert.InDelta(t, 0.1, c.Confidence, 1e-9)
}

func TestClassifyPicksHighestConfidenceDomain(t *testing.T) {
	kc, err := NewKeywordClassifier([]config.KeywordRule{
		{Domain: "math", Operator: "OR", Keywords: []string{"proof", "theorem"}},
		{Domain: "code", Operator: "OR", Keywords: []string{"function", "compile", "proof"}},
	})
	require.NoError(t, err)

	c, err := kc.Classify(context.Background(), "Write a proof of this theorem")
	require.NoError(t, err)
	assert.Equal(t, "math", c.Domain)
	assert.InDelta(t, 1.0, c.Confidence, 1e-9)
}

func TestClassifyEmptyQuery(t *testing.T) {
	kc, err := NewKeywordClassifier(nil)
	require.NoError(t, err)

	c, err := kc.Classify(context.Background(), "   ")
	require.NoError(t, err)
	assert.Equal(t, GeneralDomain, c.Domain)
	assert.Zero(t, c.Confidence)
}
