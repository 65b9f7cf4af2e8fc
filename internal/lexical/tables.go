package lexical

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed keywords.yaml
var defaultTablesYAML []byte

// Category is an emergency category label.
type Category string

const (
	CategoryMedical          Category = "medical"
	CategorySecurity         Category = "security"
	CategoryFire             Category = "fire"
	CategoryDomesticViolence Category = "domestic_violence"
	CategoryLegal            Category = "legal"
	CategoryAccident         Category = "accident"
)

// Tone is the coarse emotional tone of an utterance.
type Tone string

const (
	ToneCalm     Tone = "calm"
	ToneStressed Tone = "stressed"
	TonePanicked Tone = "panicked"
	ToneAngry    Tone = "angry"
)

// tonePriority breaks ties between equal tone counts.
var tonePriority = []Tone{TonePanicked, ToneAngry, ToneStressed}

type tablesDoc struct {
	Threshold       float64 `yaml:"threshold"`
	KeywordWeight   float64 `yaml:"keyword_weight"`
	KeywordCap      float64 `yaml:"keyword_cap"`
	ContextWeight   float64 `yaml:"context_weight"`
	ContextCap      float64 `yaml:"context_cap"`
	UrgencyWeight   float64 `yaml:"urgency_weight"`
	UrgencyCap      float64 `yaml:"urgency_cap"`
	FuzzySimilarity float64 `yaml:"fuzzy_similarity"`
	FuzzyMinLength  int     `yaml:"fuzzy_min_length"`

	Categories []struct {
		Name     string              `yaml:"name"`
		Keywords map[string][]string `yaml:"keywords"`
		Context  map[string][]string `yaml:"context"`
	} `yaml:"categories"`
	Urgency map[string][]string `yaml:"urgency"`
	Tone    map[string][]string `yaml:"tone"`
}

type phrase struct {
	text   string // folded
	padded string // " text " for word-boundary matching
	single bool
}

type categoryTable struct {
	name     Category
	keywords map[string][]phrase
	context  map[string][]phrase
}

// Tables is the immutable keyword configuration shared by every scorer.
type Tables struct {
	threshold       float64
	keywordWeight   float64
	keywordCap      float64
	contextWeight   float64
	contextCap      float64
	urgencyWeight   float64
	urgencyCap      float64
	fuzzySimilarity float64
	fuzzyMinLength  int

	categories []categoryTable
	urgency    map[string][]phrase
	tone       map[Tone][]phrase
}

var defaultTables = sync.OnceValues(func() (*Tables, error) {
	return LoadTables(bytes.NewReader(defaultTablesYAML))
})

// DefaultTables returns the embedded tables. It panics if they are malformed,
// which can only happen with a broken build.
func DefaultTables() *Tables {
	t, err := defaultTables()
	if err != nil {
		panic(fmt.Sprintf("lexical: embedded keyword tables: %v", err))
	}
	return t
}

// LoadTables decodes a keyword table document, rejecting unknown keys.
func LoadTables(r io.Reader) (*Tables, error) {
	var doc tablesDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode keyword tables: %w", err)
	}

	t := &Tables{
		threshold:       orDefault(doc.Threshold, 0.3),
		keywordWeight:   orDefault(doc.KeywordWeight, 0.3),
		keywordCap:      orDefault(doc.KeywordCap, 0.6),
		contextWeight:   orDefault(doc.ContextWeight, 0.2),
		contextCap:      orDefault(doc.ContextCap, 0.4),
		urgencyWeight:   orDefault(doc.UrgencyWeight, 0.1),
		urgencyCap:      orDefault(doc.UrgencyCap, 0.3),
		fuzzySimilarity: doc.FuzzySimilarity,
		fuzzyMinLength:  doc.FuzzyMinLength,
		urgency:         compileLanguages(doc.Urgency),
		tone:            make(map[Tone][]phrase),
	}
	if t.threshold <= 0 || t.threshold >= 1 {
		return nil, fmt.Errorf("keyword tables: threshold must be in (0, 1)")
	}
	if t.fuzzySimilarity < 0 || t.fuzzySimilarity > 1 {
		return nil, fmt.Errorf("keyword tables: fuzzy_similarity must be in [0, 1]")
	}
	if len(doc.Categories) == 0 {
		return nil, fmt.Errorf("keyword tables: no categories")
	}

	seen := make(map[string]bool)
	for _, c := range doc.Categories {
		name := strings.TrimSpace(c.Name)
		if name == "" || seen[name] {
			return nil, fmt.Errorf("keyword tables: missing or duplicate category %q", name)
		}
		seen[name] = true
		if len(c.Keywords[LanguageEnglish]) == 0 {
			return nil, fmt.Errorf("keyword tables: category %s has no english keywords", name)
		}
		t.categories = append(t.categories, categoryTable{
			name:     Category(name),
			keywords: compileLanguages(c.Keywords),
			context:  compileLanguages(c.Context),
		})
	}
	for name, list := range doc.Tone {
		tone := Tone(name)
		switch tone {
		case TonePanicked, ToneAngry, ToneStressed:
		default:
			return nil, fmt.Errorf("keyword tables: unknown tone %q", name)
		}
		t.tone[tone] = compile(list)
	}
	return t, nil
}

// Categories lists the configured categories in tie-break order.
func (t *Tables) Categories() []Category {
	out := make([]Category, len(t.categories))
	for i, c := range t.categories {
		out[i] = c.name
	}
	return out
}

// HasLanguage reports whether any category carries keywords for lang.
func (t *Tables) HasLanguage(lang string) bool {
	for _, c := range t.categories {
		if len(c.keywords[lang]) > 0 {
			return true
		}
	}
	return false
}

func compileLanguages(in map[string][]string) map[string][]phrase {
	out := make(map[string][]phrase, len(in))
	for lang, list := range in {
		out[NormalizeLanguage(lang)] = compile(list)
	}
	return out
}

func compile(list []string) []phrase {
	out := make([]phrase, 0, len(list))
	seen := make(map[string]bool, len(list))
	for _, raw := range list {
		text := Normalize(raw)
		if text == "" || seen[text] {
			continue
		}
		seen[text] = true
		out = append(out, phrase{
			text:   text,
			padded: " " + text + " ",
			single: !strings.Contains(text, " "),
		})
	}
	return out
}

func orDefault(v, fallback float64) float64 {
	if v == 0 {
		return fallback
	}
	return v
}
