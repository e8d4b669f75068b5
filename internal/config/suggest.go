package config

import (
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"
)

// maxDistance is the largest edit distance still considered a likely typo.
const maxDistance = 3

// Suggest returns up to maxResults candidates similar to key, most similar
// first. Exact matches are excluded.
//
// Similarity is the Levenshtein distance, reduced by one when both strings
// share the same dotted prefix ("acme.motd" for "acme.motd.messages").
func Suggest(key string, candidates []string, maxResults int) []string {
	type scored struct {
		key   string
		score int // Lower is better
	}

	var matches []scored
	keyPrefix := getPrefix(key)

	for _, c := range candidates {
		if c == key {
			continue
		}
		if score := calculateSimilarity(key, c, keyPrefix); score <= maxDistance {
			matches = append(matches, scored{c, score})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].score != matches[j].score {
			return matches[i].score < matches[j].score
		}
		return matches[i].key < matches[j].key
	})

	result := make([]string, 0, maxResults)
	for i := 0; i < len(matches) && i < maxResults; i++ {
		result = append(result, matches[i].key)
	}
	return result
}

// calculateSimilarity returns a similarity score between two keys.
// Lower scores are more similar.
func calculateSimilarity(key1, key2, key1Prefix string) int {
	distance := levenshtein.ComputeDistance(key1, key2)

	key2Prefix := getPrefix(key2)
	if key1Prefix != "" && key1Prefix == key2Prefix && distance > 0 {
		distance--
	}

	return distance
}

// getPrefix extracts the prefix of a hierarchical key.
// For "acme.motd.messages", returns "acme.motd"
func getPrefix(key string) string {
	lastDot := strings.LastIndex(key, ".")
	if lastDot == -1 {
		return ""
	}
	return key[:lastDot]
}
