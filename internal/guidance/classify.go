package guidance

// Classifier maps a final score onto a confidence tier. Thresholds are
// deployment configuration, not constants; both tier boundaries are
// inclusive on the lower bound.
type Classifier struct {
	ThresholdInject float64
	ThresholdLog    float64
}

// Classify returns the confidence tier for score.
func (c Classifier) Classify(score float64) Tier {
	switch {
	case score >= c.ThresholdInject:
		return TierInject
	case score >= c.ThresholdLog:
		return TierLog
	default:
		return TierIgnore
	}
}
