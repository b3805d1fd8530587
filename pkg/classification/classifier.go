package classification

import (
	"context"
)

// Classification is the predicted domain for a query. Confidence is always
// in [0, 1].
type Classification struct {
	Domain     string
	Confidence float64
}

// GeneralDomain is the catch-all domain used when no specialized domain
// matches or classification is unavailable.
const GeneralDomain = "general"

// Classifier predicts the domain of a query. Implementations must be safe
// for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}
