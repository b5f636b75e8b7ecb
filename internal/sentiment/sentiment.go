// Package sentiment scores free-text activity feedback.
//
// The built-in LexiconClassifier is a word-list heuristic, not a statistical
// model. It exists so the pattern engine has a sentiment signal without an NLP
// dependency; swap it for a real provider by implementing Classifier.
package sentiment

import (
	"strings"
	"unicode"
)

// Mood is the discrete label derived from a sentiment score.
type Mood string

const (
	MoodPositive Mood = "positive"
	MoodNeutral  Mood = "neutral"
	MoodNegative Mood = "negative"
)

const (
	// moodThreshold separates neutral from positive/negative scores.
	moodThreshold = 0.3

	// scoreScale amplifies the per-token ratio so short feedback can reach
	// the extremes of the [-1, 1] range.
	scoreScale = 10.0
)

// Result is the outcome of classifying one piece of text.
type Result struct {
	// Score is bounded to [-1, 1].
	Score float64 `json:"score"`

	Mood Mood `json:"mood"`

	// Keywords are the lexicon words that matched, in input order.
	Keywords []string `json:"keywords"`
}

// Classifier turns free text into a sentiment Result. Implementations must
// never fail: any input, including empty or non-linguistic text, yields a
// valid Result.
type Classifier interface {
	Classify(text string) Result
}

// LexiconClassifier matches whitespace-separated tokens against fixed
// positive and negative word sets.
// Thread-safe: the word sets are never mutated after construction.
type LexiconClassifier struct {
	positive map[string]struct{}
	negative map[string]struct{}
}

var defaultPositive = []string{
	"great", "good", "awesome", "amazing", "excellent", "love", "loved", "enjoyed",
	"enjoy", "fun", "easy", "happy", "proud", "productive", "satisfying", "nice",
	"energized", "motivated", "fantastic", "wonderful", "accomplished", "relaxing",
}

var defaultNegative = []string{
	"hard", "bad", "boring", "bored", "tired", "difficult", "hate", "hated",
	"frustrating", "frustrated", "awful", "terrible", "stressful", "stressed",
	"annoying", "exhausted", "exhausting", "painful", "confusing", "sad", "overwhelming",
	"impossible",
}

// NewLexiconClassifier creates a classifier with the built-in word lists.
func NewLexiconClassifier() *LexiconClassifier {
	return NewLexiconClassifierWithWords(defaultPositive, defaultNegative)
}

// NewLexiconClassifierWithWords creates a classifier with custom word lists.
// Words are lowercased; a word present in both lists counts as positive.
func NewLexiconClassifierWithWords(positive, negative []string) *LexiconClassifier {
	c := &LexiconClassifier{
		positive: make(map[string]struct{}, len(positive)),
		negative: make(map[string]struct{}, len(negative)),
	}
	for _, w := range positive {
		c.positive[strings.ToLower(w)] = struct{}{}
	}
	for _, w := range negative {
		w = strings.ToLower(w)
		if _, ok := c.positive[w]; ok {
			continue
		}
		c.negative[w] = struct{}{}
	}
	return c
}

// Classify scores text as (#positive - #negative) / max(1, #tokens) * 10,
// clamped to [-1, 1].
func (c *LexiconClassifier) Classify(text string) Result {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return Result{Score: 0, Mood: MoodNeutral, Keywords: []string{}}
	}

	keywords := []string{}
	raw := 0
	for _, tok := range tokens {
		word := strings.TrimFunc(tok, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if word == "" {
			continue
		}
		if _, ok := c.positive[word]; ok {
			raw++
			keywords = append(keywords, word)
		} else if _, ok := c.negative[word]; ok {
			raw--
			keywords = append(keywords, word)
		}
	}

	score := clamp(float64(raw)/float64(len(tokens))*scoreScale, -1, 1)
	return Result{
		Score:    score,
		Mood:     MoodForScore(score),
		Keywords: keywords,
	}
}

// MoodForScore maps a score to its Mood label.
func MoodForScore(score float64) Mood {
	switch {
	case score > moodThreshold:
		return MoodPositive
	case score < -moodThreshold:
		return MoodNegative
	default:
		return MoodNeutral
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
