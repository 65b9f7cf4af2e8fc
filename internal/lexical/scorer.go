// Package lexical scores transcript text against multilingual emergency
// keyword tables. Scoring is deterministic and needs no external service.
package lexical

import (
	"math"
	"strings"

	"github.com/antzucaro/matchr"
)

// TextSignal is the scorer output for one piece of text.
type TextSignal struct {
	Language        string   `json:"language"`
	IsEmergency     bool     `json:"is_emergency"`
	Category        Category `json:"category,omitempty"`
	Confidence      float64  `json:"confidence"`
	MatchedKeywords []string `json:"matched_keywords,omitempty"`
	EmotionalTone   Tone     `json:"emotional_tone"`
}

// Scorer holds a shared, read-only reference to its tables and is safe for
// concurrent use.
type Scorer struct {
	tables *Tables
}

func NewScorer(t *Tables) *Scorer {
	if t == nil {
		t = DefaultTables()
	}
	return &Scorer{tables: t}
}

func (s *Scorer) Tables() *Tables { return s.tables }

type categoryScore struct {
	category Category
	score    float64
	matched  []string
}

// ScoreText scores text in the given language. Languages with their own
// tables are matched together with English to catch code-switching; others
// use English alone.
func (s *Scorer) ScoreText(text, language string) TextSignal {
	lang := NormalizeLanguage(language)
	if lang == "" {
		lang = LanguageEnglish
	}
	sig := TextSignal{Language: lang, EmotionalTone: ToneCalm}

	normalized := Normalize(text)
	if normalized == "" {
		return sig
	}
	padded := " " + normalized + " "
	tokens := strings.Fields(normalized)
	langs := s.languagesFor(lang)
	t := s.tables

	urgency := 0
	for _, l := range langs {
		urgency += len(matchPhrases(padded, t.urgency[l], nil))
	}

	var best categoryScore
	for _, c := range t.categories {
		var keywords, context []string
		seen := make(map[string]bool)
		for _, l := range langs {
			keywords = append(keywords, matchPhrases(padded, c.keywords[l], seen)...)
		}
		for _, l := range langs {
			keywords = append(keywords, s.fuzzyMatches(tokens, c.keywords[l], seen)...)
		}
		for _, l := range langs {
			context = append(context, matchPhrases(padded, c.context[l], seen)...)
		}

		kw := math.Min(t.keywordCap, t.keywordWeight*float64(len(keywords)))
		ctx := math.Min(t.contextCap, t.contextWeight*float64(len(context)))
		score := kw + ctx
		if score > 0 {
			score += math.Min(t.urgencyCap, t.urgencyWeight*float64(urgency))
		}
		score = round4(math.Min(1, score))
		if score > best.score {
			best = categoryScore{
				category: c.name,
				score:    score,
				matched:  append(keywords, context...),
			}
		}
	}

	sig.EmotionalTone = s.classifyTone(padded)
	if best.score > 0 {
		sig.Category = best.category
		sig.Confidence = best.score
		sig.MatchedKeywords = best.matched
		sig.IsEmergency = best.score > t.threshold
	}
	return sig
}

func (s *Scorer) languagesFor(lang string) []string {
	if lang != LanguageEnglish && s.tables.HasLanguage(lang) {
		return []string{lang, LanguageEnglish}
	}
	return []string{LanguageEnglish}
}

// matchPhrases returns the phrases found on word boundaries in padded,
// skipping any already recorded in seen.
func matchPhrases(padded string, phrases []phrase, seen map[string]bool) []string {
	var out []string
	for _, p := range phrases {
		if seen != nil && seen[p.text] {
			continue
		}
		if strings.Contains(padded, p.padded) {
			out = append(out, p.text)
			if seen != nil {
				seen[p.text] = true
			}
		}
	}
	return out
}

// fuzzyMatches tolerates single-word transcription slips ("kidnaped") on
// long tokens. Each token matches at most one keyword and tokens that are
// already exact keywords are skipped.
func (s *Scorer) fuzzyMatches(tokens []string, phrases []phrase, seen map[string]bool) []string {
	t := s.tables
	if t.fuzzySimilarity <= 0 {
		return nil
	}
	var out []string
	for _, tok := range tokens {
		if len([]rune(tok)) < t.fuzzyMinLength || seen[tok] {
			continue
		}
		bestScore := 0.0
		bestText := ""
		for _, p := range phrases {
			if !p.single || seen[p.text] || len([]rune(p.text)) < t.fuzzyMinLength {
				continue
			}
			if sim := matchr.JaroWinkler(tok, p.text, false); sim >= t.fuzzySimilarity && sim > bestScore {
				bestScore, bestText = sim, p.text
			}
		}
		if bestText != "" {
			seen[bestText] = true
			out = append(out, bestText)
		}
	}
	return out
}

func (s *Scorer) classifyTone(padded string) Tone {
	best := ToneCalm
	bestCount := 0
	for _, tone := range tonePriority {
		if n := len(matchPhrases(padded, s.tables.tone[tone], nil)); n > bestCount {
			best, bestCount = tone, n
		}
	}
	return best
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
