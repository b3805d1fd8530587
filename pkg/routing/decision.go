package routing

import (
	"github.com/branchline/branch-router/pkg/adaptercache"
	"github.com/branchline/branch-router/pkg/retrieval"
)

// Kind identifies the active variant of a Decision.
type Kind string

const (
	KindBranch    Kind = "branch"
	KindRetrieval Kind = "retrieval"
	KindFallback  Kind = "fallback"
)

// Decision is the outcome of routing a query. Exactly one variant is active;
// the constructors below are the only way to build one, so variant-specific
// fields are never populated together.
type Decision struct {
	kind Kind

	// Branch fields.
	domain     string
	subBranch  string
	adapterRef adaptercache.Handle

	// Retrieval fields.
	citations []retrieval.Citation

	confidence float64
}

// NewBranch builds a branch-adapter decision.
func NewBranch(domain, subBranch string, ref adaptercache.Handle, confidence float64) Decision {
	return Decision{
		kind:       KindBranch,
		domain:     domain,
		subBranch:  subBranch,
		adapterRef: ref,
		confidence: clamp01(confidence),
	}
}

// NewRetrieval builds a retrieval-augmented decision.
func NewRetrieval(citations []retrieval.Citation, confidence float64) Decision {
	return Decision{
		kind:       KindRetrieval,
		citations:  citations,
		confidence: clamp01(confidence),
	}
}

// NewFallback builds a generic-fallback decision.
func NewFallback(confidence float64) Decision {
	return Decision{
		kind:       KindFallback,
		confidence: clamp01(confidence),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Kind returns the active variant.
func (d Decision) Kind() Kind { return d.kind }

// Confidence returns the classifier confidence carried by the decision,
// always in [0, 1].
func (d Decision) Confidence() float64 { return d.confidence }

// Domain returns the routed domain for a branch decision, "" otherwise.
func (d Decision) Domain() string { return d.domain }

// SubBranch returns the sub-branch for a branch decision, "" when the
// domain's general adapter was selected.
func (d Decision) SubBranch() string { return d.subBranch }

// AdapterRef returns the loaded adapter handle for a branch decision.
func (d Decision) AdapterRef() adaptercache.Handle { return d.adapterRef }

// Citations returns the supporting passages for a retrieval decision.
func (d Decision) Citations() []retrieval.Citation { return d.citations }
