package lexical

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	LanguageEnglish = "english"
	LanguageYoruba  = "yoruba"
	LanguageIgbo    = "igbo"
	LanguageHausa   = "hausa"
	LanguagePidgin  = "pidgin"
)

var languageAliases = map[string]string{
	"en":              LanguageEnglish,
	"eng":             LanguageEnglish,
	"yo":              LanguageYoruba,
	"yor":             LanguageYoruba,
	"ig":              LanguageIgbo,
	"ibo":             LanguageIgbo,
	"ha":              LanguageHausa,
	"hau":             LanguageHausa,
	"pcm":             LanguagePidgin,
	"naija":           LanguagePidgin,
	"nigerian pidgin": LanguagePidgin,
}

// NormalizeLanguage lowercases a language name and resolves ISO-style
// aliases. Unknown names are returned lowercased.
func NormalizeLanguage(lang string) string {
	l := strings.ToLower(strings.TrimSpace(lang))
	if canonical, ok := languageAliases[l]; ok {
		return canonical
	}
	return l
}

// Normalize folds text for matching: diacritics removed, lowercased,
// punctuation turned into spaces and whitespace collapsed.
func Normalize(text string) string {
	// Transformers carry state, so build one per call.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, text)
	if err != nil {
		folded = text
	}
	var b strings.Builder
	b.Grow(len(folded))
	space := true
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}
