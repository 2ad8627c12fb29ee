package vectorstore

import "sort"

// candidate is one chunk in a hybrid candidate set with both raw scores.
type candidate struct {
	chunkID      string
	vectorScore  float64
	keywordScore float64
	fused        float64
}

// minMaxNormalize rescales scores to [0,1] within the candidate set. A set
// where all scores are equal normalizes to 1.0 for every member (any constant
// would do; 1.0 keeps single-candidate sets at full score).
func minMaxNormalize(scores map[string]float64) map[string]float64 {
	if len(scores) == 0 {
		return map[string]float64{}
	}
	min, max := 0.0, 0.0
	first := true
	for _, s := range scores {
		if first {
			min, max = s, s
			first = false
			continue
		}
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	out := make(map[string]float64, len(scores))
	span := max - min
	for id, s := range scores {
		if span == 0 {
			out[id] = 1.0
		} else {
			out[id] = (s - min) / span
		}
	}
	return out
}

// fuseScores merges vector and keyword score maps with the given weights and
// returns chunk IDs with fused scores, sorted by descending score and then by
// smaller chunk ID for determinism. Both maps are min-max normalized within
// their own candidate set before fusing; a chunk missing from one map scores
// zero on that side.
func fuseScores(vectorScores, keywordScores map[string]float64, vectorWeight, keywordWeight float64) []candidate {
	vNorm := minMaxNormalize(vectorScores)
	kNorm := minMaxNormalize(keywordScores)

	merged := make(map[string]*candidate)
	for id, s := range vNorm {
		merged[id] = &candidate{chunkID: id, vectorScore: s}
	}
	for id, s := range kNorm {
		if c, ok := merged[id]; ok {
			c.keywordScore = s
		} else {
			merged[id] = &candidate{chunkID: id, keywordScore: s}
		}
	}

	out := make([]candidate, 0, len(merged))
	for _, c := range merged {
		c.fused = vectorWeight*c.vectorScore + keywordWeight*c.keywordScore
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].fused != out[j].fused {
			return out[i].fused > out[j].fused
		}
		return out[i].chunkID < out[j].chunkID
	})
	return out
}
