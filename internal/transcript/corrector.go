// Package transcript fixes recognition errors in user-specific
// vocabulary after speech recognition finalizes an utterance.
//
// A digital twin is full of words generic recognition models mishear:
// contact names, company and product names, personal jargon. The
// Corrector aligns misrecognized words against the user's configured
// vocabulary using Double Metaphone phonetic codes, then ranks
// candidates by Jaro-Winkler similarity. It runs in-process with no
// network calls, so it adds effectively nothing to turn latency.
package transcript

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85
)

// Correction records one substitution applied to a transcript.
type Correction struct {
	Original   string  `json:"original"`
	Corrected  string  `json:"corrected"`
	Confidence float64 `json:"confidence"`
}

// Option configures a Corrector.
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score a
// phonetically-matched term needs to be accepted. Default 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score when no
// phonetic candidate exists and pure string similarity decides.
// Default 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.fuzzyThreshold = threshold
	}
}

// Corrector replaces misheard words in a transcript with terms from a
// fixed vocabulary. It is read-only after construction and safe for
// concurrent use across sessions.
type Corrector struct {
	terms             []term
	phoneticThreshold float64
	fuzzyThreshold    float64
}

type term struct {
	text   string
	tokens []string
	codes  map[string]struct{}
}

// New builds a Corrector over vocabulary. Blank entries are dropped;
// an empty vocabulary yields a Corrector whose Correct is a no-op.
func New(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, v := range vocabulary {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		tokens := strings.Fields(strings.ToLower(v))
		c.terms = append(c.terms, term{
			text:   v,
			tokens: tokens,
			codes:  codesFor(tokens),
		})
	}
	return c
}

// Correct scans text word by word, testing unigrams and bigrams against
// the vocabulary, and returns the corrected text plus the substitutions
// made. The slice is nil when nothing changed.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if len(c.terms) == 0 || strings.TrimSpace(text) == "" {
		return text, nil
	}

	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	var corrections []Correction

	for i := 0; i < len(words); i++ {
		// Bigrams first so split mishearings ("el drina" for
		// "Eldrina") win over per-word matches. The pair is skipped
		// when it is already the term verbatim.
		if i+1 < len(words) {
			w1, w2 := stripPunct(words[i]), stripPunct(words[i+1])
			span := w1 + " " + w2
			if replaced, score, ok := c.matchBigram(w1, w2); ok &&
				!strings.EqualFold(span, replaced) {
				out = append(out, carryPunct(words[i+1], replaced))
				corrections = append(corrections, Correction{
					Original:   span,
					Corrected:  replaced,
					Confidence: score,
				})
				i++
				continue
			}
		}

		bare := stripPunct(words[i])
		if replaced, score, ok := c.match(bare); ok && !strings.EqualFold(bare, replaced) {
			out = append(out, carryPunct(words[i], replaced))
			corrections = append(corrections, Correction{
				Original:   bare,
				Corrected:  replaced,
				Confidence: score,
			})
			continue
		}
		out = append(out, words[i])
	}

	if corrections == nil {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// match ranks the vocabulary against a single word. A phonetic-code
// overlap lowers the similarity bar; without one the stricter fuzzy
// threshold applies.
func (c *Corrector) match(word string) (string, float64, bool) {
	wordLower := strings.ToLower(word)
	if wordLower == "" {
		return word, 0, false
	}
	wordCodes := codesFor([]string{wordLower})

	var (
		bestTerm     string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range c.terms {
		// Best score against the whole term or any of its tokens,
		// so a lone "Quorvex" still reaches "Quorvex Labs".
		score := matchr.JaroWinkler(wordLower, strings.Join(t.tokens, " "), false)
		for _, tt := range t.tokens {
			if s := matchr.JaroWinkler(wordLower, tt, false); s > score {
				score = s
			}
		}
		if codesOverlap(wordCodes, t.codes) {
			if score >= c.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				bestTerm, bestScore, bestPhonetic = t.text, score, true
			}
		} else if !bestPhonetic && score >= c.fuzzyThreshold && score > bestScore {
			bestTerm, bestScore = t.text, score
		}
	}
	if bestTerm == "" {
		return word, 0, false
	}
	return bestTerm, bestScore, true
}

// matchBigram ranks the vocabulary against a two-word span. Unlike
// match it never scores individual tokens: a multi-word term must
// resemble the span as a whole, and a single-word term must resemble
// the two words joined (a split mishearing). Anything looser lets one
// correct word pull its innocent neighbour into the substitution.
func (c *Corrector) matchBigram(w1, w2 string) (string, float64, bool) {
	spanLower := strings.ToLower(w1 + " " + w2)
	concat := strings.ToLower(w1 + w2)
	if strings.TrimSpace(spanLower) == "" {
		return "", 0, false
	}
	spanCodes := codesFor([]string{strings.ToLower(w1), strings.ToLower(w2)})

	var (
		bestTerm     string
		bestScore    float64
		bestPhonetic bool
	)
	for _, t := range c.terms {
		var score float64
		if len(t.tokens) > 1 {
			score = matchr.JaroWinkler(spanLower, strings.Join(t.tokens, " "), false)
			if s := matchr.JaroWinkler(concat, strings.Join(t.tokens, ""), false); s > score {
				score = s
			}
		} else {
			// A split mishearing joins back to roughly the term's
			// length; without the length guard the Winkler prefix
			// boost lets "eldrina called" absorb into "Eldrina".
			if len(concat) > len(t.tokens[0])+2 {
				continue
			}
			score = matchr.JaroWinkler(concat, t.tokens[0], false)
			if score < c.fuzzyThreshold {
				continue
			}
		}
		if codesOverlap(spanCodes, t.codes) {
			if score >= c.phoneticThreshold && (!bestPhonetic || score > bestScore) {
				bestTerm, bestScore, bestPhonetic = t.text, score, true
			}
		} else if !bestPhonetic && score >= c.fuzzyThreshold && score > bestScore {
			bestTerm, bestScore = t.text, score
		}
	}
	if bestTerm == "" {
		return "", 0, false
	}
	return bestTerm, bestScore, true
}

// codesFor unions the Double Metaphone codes of tokens. Words too
// short to encode contribute nothing.
func codesFor(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// stripPunct trims leading and trailing punctuation from a word so
// "Eldrina," matches the vocabulary entry "Eldrina".
func stripPunct(w string) string {
	return strings.TrimFunc(w, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

// carryPunct re-attaches the trailing punctuation of original onto the
// replacement word.
func carryPunct(original, replacement string) string {
	trailing := original[len(strings.TrimRightFunc(original, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})):]
	return replacement + trailing
}
