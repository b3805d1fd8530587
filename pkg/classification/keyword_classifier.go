package classification

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/branchline/branch-router/pkg/config"
	"github.com/branchline/branch-router/pkg/observability/logging"
)

// preppedRule stores precompiled keyword patterns for one domain rule.
type preppedRule struct {
	domain        string
	operator      string // AND or OR
	caseSensitive bool
	keywords      []string
	compiled      []*regexp.Regexp
}

// KeywordClassifier is the built-in regex keyword classifier. Each rule maps
// a keyword set to a domain; confidence is the fraction of the rule's
// keywords found in the query. It is a deliberately simple stand-in for an
// external model-backed classifier behind the same interface.
type KeywordClassifier struct {
	rules []preppedRule
}

var _ Classifier = (*KeywordClassifier)(nil)

// NewKeywordClassifier compiles the configured keyword rules.
func NewKeywordClassifier(cfgRules []config.KeywordRule) (*KeywordClassifier, error) {
	kc := &KeywordClassifier{}

	for _, rule := range cfgRules {
		switch rule.Operator {
		case "AND", "OR":
		default:
			return nil, fmt.Errorf("unsupported keyword rule operator: %q for domain %q", rule.Operator, rule.Domain)
		}
		if len(rule.Keywords) == 0 {
			return nil, fmt.Errorf("keyword rule for domain %q has no keywords", rule.Domain)
		}

		prepped := preppedRule{
			domain:        rule.Domain,
			operator:      rule.Operator,
			caseSensitive: rule.CaseSensitive,
			keywords:      rule.Keywords,
		}
		for _, kw := range rule.Keywords {
			pattern := `\b` + regexp.QuoteMeta(kw) + `\b`
			if !rule.CaseSensitive {
				pattern = `(?i)` + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("failed to compile keyword %q for domain %q: %w", kw, rule.Domain, err)
			}
			prepped.compiled = append(prepped.compiled, re)
		}
		kc.rules = append(kc.rules, prepped)
		logging.Debugf("Keyword rule for domain %q: %d keywords, operator=%s",
			rule.Domain, len(rule.Keywords), rule.Operator)
	}

	return kc, nil
}

// Classify scores every rule against the text and returns the best-matching
// domain. With no match it returns the general domain at low confidence, so
// downstream routing can still try the retrieval tier.
func (kc *KeywordClassifier) Classify(ctx context.Context, text string) (Classification, error) {
	if strings.TrimSpace(text) == "" {
		return Classification{Domain: GeneralDomain, Confidence: 0}, nil
	}

	best := Classification{Domain: GeneralDomain, Confidence: 0.1}
	for _, rule := range kc.rules {
		matched := 0
		for _, re := range rule.compiled {
			if re.MatchString(text) {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		if rule.operator == "AND" && matched < len(rule.compiled) {
			continue
		}
		confidence := float64(matched) / float64(len(rule.compiled))
		if rule.operator == "AND" {
			confidence = 1.0
		}
		if confidence > best.Confidence {
			best = Classification{Domain: rule.domain, Confidence: confidence}
		}
	}
	return best, nil
}
