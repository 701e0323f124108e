package guidance

import "termguide/internal/vectorstore"

// anchorPenalty computes the negative-anchor penalty for a query embedding
// against the anchors registered for the given category handle.
//
// The penalty is a step function: if the maximum cosine similarity between
// the query and any anchor reaches threshold, the fixed penalty applies;
// otherwise zero. A category with no registered anchors always yields zero.
func (s *snapshot) anchorPenalty(queryVec []float64, categoryHandle int, threshold, penalty float64) float64 {
	if categoryHandle < 0 || categoryHandle >= len(s.anchors) {
		return 0
	}
	var maxSim float64
	for _, anchor := range s.anchors[categoryHandle] {
		if sim := vectorstore.CosineSimilarity(queryVec, anchor); sim > maxSim {
			maxSim = sim
		}
	}
	if maxSim >= threshold {
		return penalty
	}
	return 0
}
