package learning

import (
	"strings"

	"github.com/silfer/silferbot/internal/storage"
)

// Matching thresholds. A learned answer is reused when enough of its
// keywords appear in the new question, or when the two question texts
// overlap strongly enough word-for-word.
const (
	keywordRatioThreshold = 0.4
	keywordHitThreshold   = 2
	similarityThreshold   = 0.4
)

var accentReplacer = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a", "ä", "a",
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"í", "i", "ì", "i", "î", "i", "ï", "i",
	"ó", "o", "ò", "o", "ô", "o", "õ", "o", "ö", "o",
	"ú", "u", "ù", "u", "û", "u", "ü", "u",
	"ç", "c", "ñ", "n",
)

// Normalize lowercases, strips Portuguese accents and punctuation, and
// collapses whitespace so that "Qual o horário?" and "qual o horario"
// compare equal.
func Normalize(s string) string {
	s = accentReplacer.Replace(strings.ToLower(strings.TrimSpace(s)))
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ', r == '\t', r == '\n':
			sb.WriteRune(r)
		default:
			sb.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Match picks the learned response best fitting question, or nil when no
// entry clears the thresholds. Keyword hits are preferred; text similarity
// is the fallback for questions phrased with none of the stored keywords.
func Match(question string, candidates []storage.LearnedResponse) *storage.LearnedResponse {
	norm := Normalize(question)

	var best *storage.LearnedResponse
	bestScore := 0.0
	for i := range candidates {
		lr := &candidates[i]
		if score, ok := keywordScore(decodeKeywords(lr.Keywords), norm); ok && score > bestScore {
			best = lr
			bestScore = score
		}
	}
	if best != nil {
		return best
	}

	bestScore = 0.0
	for i := range candidates {
		lr := &candidates[i]
		score := Similarity(norm, lr.QuestionNorm)
		if score >= similarityThreshold && score > bestScore {
			best = lr
			bestScore = score
		}
	}
	return best
}

// keywordScore counts how many of the stored keywords occur in the
// normalized question. The bool reports whether the hit count clears the
// match thresholds.
func keywordScore(keywords []string, normQuestion string) (float64, bool) {
	if len(keywords) == 0 {
		return 0, false
	}
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(normQuestion, kw) {
			hits++
		}
	}
	ratio := float64(hits) / float64(len(keywords))
	return ratio, ratio >= keywordRatioThreshold || hits >= keywordHitThreshold
}

// Similarity measures word overlap between two normalized questions in
// [0, 1]. Words match exactly, by containment, or by a shared 4-letter
// prefix, which tolerates Portuguese inflections like plural forms.
func Similarity(a, b string) float64 {
	wordsA := significantWords(a)
	wordsB := significantWords(b)
	if len(wordsA) == 0 || len(wordsB) == 0 {
		return 0
	}

	matches := 0
	for _, wa := range wordsA {
		for _, wb := range wordsB {
			if wordsMatch(wa, wb) {
				matches++
				break
			}
		}
	}

	denom := len(wordsA)
	if len(wordsB) > denom {
		denom = len(wordsB)
	}
	return float64(matches) / float64(denom)
}

func significantWords(s string) []string {
	var out []string
	for _, w := range strings.Fields(s) {
		if len(w) > 2 {
			out = append(out, w)
		}
	}
	return out
}

func wordsMatch(a, b string) bool {
	if a == b {
		return true
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	return len(a) >= 4 && len(b) >= 4 && a[:4] == b[:4]
}
