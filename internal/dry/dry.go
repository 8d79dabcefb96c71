// Package dry finds repeated prompt text in an agent graph and suggests snippet
// candidates. It never modifies the graph.
package dry

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/danshapiro/voicetest/internal/graph"
)

const (
	DefaultMinLength      = 20
	DefaultFuzzyThreshold = 0.8
	DefaultFuzzyMinLength = 30
)

// Options are used as given. Start from DefaultOptions to override single fields.
type Options struct {
	// MinLength is the shortest sentence, in characters, the exact pass reports.
	MinLength int
	// FuzzyThreshold is the lowest similarity ratio the fuzzy pass reports.
	FuzzyThreshold float64
	// FuzzyMinLength applies to the shorter sentence of a fuzzy pair.
	FuzzyMinLength int
}

func DefaultOptions() Options {
	return Options{
		MinLength:      DefaultMinLength,
		FuzzyThreshold: DefaultFuzzyThreshold,
		FuzzyMinLength: DefaultFuzzyMinLength,
	}
}

// Validate rejects a fuzzy threshold outside [0, 1] and negative lengths.
func (o Options) Validate() error {
	if o.FuzzyThreshold < 0 || o.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy threshold must be within [0, 1], got %v", o.FuzzyThreshold)
	}
	if o.MinLength < 0 || o.FuzzyMinLength < 0 {
		return fmt.Errorf("minimum lengths must not be negative")
	}
	return nil
}

// Match is one duplication suggestion. Exact matches carry Text; fuzzy matches carry
// both sentences in Texts and use Texts[0] as the representative Text.
type Match struct {
	Text       string   `json:"text"`
	Texts      []string `json:"texts,omitempty"`
	Locations  []string `json:"locations"`
	Similarity float64  `json:"similarity,omitempty"`
}

type Report struct {
	Exact []Match `json:"exact"`
	Fuzzy []Match `json:"fuzzy"`
}

// Len is the total number of suggestions.
func (r Report) Len() int { return len(r.Exact) + len(r.Fuzzy) }

// sentence is a distinct sentence string with every location it occurs in, in order
// of first appearance.
type sentence struct {
	text      string
	locations []string
	length    int
}

func (s *sentence) addLocation(loc string) {
	for _, l := range s.locations {
		if l == loc {
			return
		}
	}
	s.locations = append(s.locations, loc)
}

// Analyze runs the exact pass and then the fuzzy pass over every node prompt and the
// global instructions.
func Analyze(g *graph.AgentGraph, opts Options) Report {
	sentences := collect(g.PromptTexts())

	rep := Report{Exact: []Match{}, Fuzzy: []Match{}}
	reported := make(map[string]bool)
	for _, s := range sentences {
		if s.length < opts.MinLength || len(s.locations) < 2 {
			continue
		}
		rep.Exact = append(rep.Exact, Match{
			Text:      s.text,
			Locations: append([]string(nil), s.locations...),
		})
		reported[s.text] = true
	}

	var rest []*sentence
	for _, s := range sentences {
		if !reported[s.text] && s.length >= opts.FuzzyMinLength {
			rest = append(rest, s)
		}
	}
	for i := 0; i < len(rest); i++ {
		for j := i + 1; j < len(rest); j++ {
			a, b := rest[i], rest[j]
			sim := Similarity(a.text, b.text)
			if sim < opts.FuzzyThreshold {
				continue
			}
			rep.Fuzzy = append(rep.Fuzzy, Match{
				Text:       a.text,
				Texts:      []string{a.text, b.text},
				Locations:  mergeLocations(a.locations, b.locations),
				Similarity: sim,
			})
		}
	}
	sort.SliceStable(rep.Fuzzy, func(i, j int) bool {
		return rep.Fuzzy[i].Similarity > rep.Fuzzy[j].Similarity
	})
	return rep
}

func collect(texts []graph.LocatedText) []*sentence {
	var order []*sentence
	byText := make(map[string]*sentence)
	for _, lt := range texts {
		for _, s := range SplitSentences(lt.Text) {
			entry, ok := byText[s]
			if !ok {
				entry = &sentence{text: s, length: utf8.RuneCountInString(s)}
				byText[s] = entry
				order = append(order, entry)
			}
			entry.addLocation(lt.Location)
		}
	}
	return order
}

func mergeLocations(a, b []string) []string {
	out := append([]string(nil), a...)
	for _, l := range b {
		found := false
		for _, have := range out {
			if have == l {
				found = true
				break
			}
		}
		if !found {
			out = append(out, l)
		}
	}
	return out
}

// SplitSentences breaks text at '.', '!' or '?' followed by whitespace or the end of
// the text, and at line breaks. Sentences are trimmed; blank ones are dropped.
func SplitSentences(text string) []string {
	var out []string
	emit := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	runes := []rune(text)
	start := 0
	for i, r := range runes {
		switch {
		case r == '\n' || r == '\r':
			emit(string(runes[start:i]))
			start = i + 1
		case r == '.' || r == '!' || r == '?':
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				emit(string(runes[start : i+1]))
				start = i + 1
			}
		}
	}
	if start < len(runes) {
		emit(string(runes[start:]))
	}
	return out
}

// Similarity is the sequence-matcher ratio of a and b over characters, in [0, 1].
// Inputs are put in a fixed order first so the result does not depend on argument
// order.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	if b < a {
		a, b = b, a
	}
	return difflib.NewMatcher(chars(a), chars(b)).Ratio()
}

func chars(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
