// Package template resolves the two reference namespaces used in agent prompt text.
//
// Snippet references use percent delimiters ({%name%}) and are resolved against the
// graph's snippet dictionary. Variable references use double braces ({{name}}) and are
// bound per conversation. Expand always applies snippets first so a snippet's stored
// text may carry a variable placeholder that is only bound at substitution time.
//
// Snippet resolution is a single pass: text inserted from a snippet is not re-scanned
// for further snippet references.
package template

import (
	"regexp"
	"sort"
	"strings"
)

var (
	snippetRefRE  = regexp.MustCompile(`\{%\s*([^{}%]*?)\s*%\}`)
	variableRefRE = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)
	snippetNameRE = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]*$`)
)

// ExpandSnippets replaces every {%name%} with snippets[name]. Unknown names are left as-is.
func ExpandSnippets(text string, snippets map[string]string) string {
	if len(snippets) == 0 || !strings.Contains(text, "{%") {
		return text
	}
	return replaceRefs(snippetRefRE, text, func(name string) (string, bool) {
		v, ok := snippets[name]
		return v, ok
	})
}

// SubstituteVariables replaces every {{name}} with vars[name]. Unknown names are left as-is.
func SubstituteVariables(text string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	return replaceRefs(variableRefRE, text, func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	})
}

// Expand applies ExpandSnippets and then SubstituteVariables.
func Expand(text string, snippets, vars map[string]string) string {
	return SubstituteVariables(ExpandSnippets(text, snippets), vars)
}

// replaceRefs rewrites matches in a single left-to-right scan. Replacement text is
// appended verbatim and never re-matched.
func replaceRefs(re *regexp.Regexp, text string, lookup func(string) (string, bool)) string {
	idx := re.FindAllStringSubmatchIndex(text, -1)
	if len(idx) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range idx {
		name := text[m[2]:m[3]]
		v, ok := lookup(name)
		if !ok {
			continue
		}
		b.WriteString(text[last:m[0]])
		b.WriteString(v)
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

// SnippetRefs returns the distinct snippet names referenced in text, sorted.
func SnippetRefs(text string) []string {
	return refNames(snippetRefRE, text)
}

// VariableRefs returns the distinct variable names referenced in text, sorted.
func VariableRefs(text string) []string {
	return refNames(variableRefRE, text)
}

// HasSnippetRefs reports whether text contains at least one {%...%} token.
func HasSnippetRefs(text string) bool {
	return snippetRefRE.MatchString(text)
}

// SnippetRef renders the reference token for name.
func SnippetRef(name string) string {
	return "{%" + name + "%}"
}

// ValidSnippetName reports whether name can be used as a snippet key.
func ValidSnippetName(name string) bool {
	return snippetNameRE.MatchString(name)
}

func refNames(re *regexp.Regexp, text string) []string {
	ms := re.FindAllStringSubmatch(text, -1)
	if len(ms) == 0 {
		return nil
	}
	seen := map[string]struct{}{}
	out := make([]string, 0, len(ms))
	for _, m := range ms {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		out = append(out, m[1])
	}
	sort.Strings(out)
	return out
}
