package command

import (
	"regexp"
	"strings"

	"parlor/internal/domain"
)

// argShape describes how a directive's arguments are consumed from the text
// immediately following the bang word.
type argShape int

const (
	argsNone argShape = iota
	argsQuoted
	argsQuotedPair
	argsNumber
)

type directiveSpec struct {
	kind  domain.DirectiveKind
	shape argShape
	// param names, in consumption order
	params []string
}

var specs = map[string]directiveSpec{
	"add_ai":      {domain.DirectiveAddAI, argsQuotedPair, []string{"model", "persona"}},
	"remove_ai":   {domain.DirectiveRemoveAI, argsQuoted, []string{"target"}},
	"list_models": {domain.DirectiveListModels, argsNone, nil},
	"mute_self":   {domain.DirectiveMuteSelf, argsNone, nil},
	"prompt":      {domain.DirectivePrompt, argsQuoted, []string{"text"}},
	"temperature": {domain.DirectiveTemperature, argsNumber, []string{"value"}},
	"image":       {domain.DirectiveImage, argsQuoted, []string{"prompt"}},
	"video":       {domain.DirectiveVideo, argsQuoted, []string{"prompt"}},
	"search":      {domain.DirectiveSearch, argsQuoted, []string{"query"}},
}

var (
	bangRe   = regexp.MustCompile(`!([a-z_]+)`)
	quotedRe = regexp.MustCompile(`^[ \t]*"([^"]*)"`)
	numberRe = regexp.MustCompile(`^[ \t]*(-?[0-9]+(?:\.[0-9]+)?)`)
	spacesRe = regexp.MustCompile(` {2,}`)
)

// Parse extracts recognized bang directives from raw agent output and returns
// the cleaned text with every recognized directive removed, plus the ordered
// directive list. Bang words that do not match a recognized directive are left
// in the text untouched. Parse is total: it never fails, malformed arguments
// simply yield a directive with empty params for the executor to reject.
func Parse(raw string) (string, []domain.Directive) {
	matches := bangRe.FindAllStringSubmatchIndex(raw, -1)
	if len(matches) == 0 {
		return strings.TrimSpace(raw), nil
	}

	var directives []domain.Directive
	var spans [][2]int
	lastEnd := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if start < lastEnd {
			// inside a previous directive's consumed arguments
			continue
		}
		word := raw[m[2]:m[3]]
		spec, ok := specs[word]
		if !ok {
			continue
		}

		params := map[string]string{}
		rest := raw[end:]
		consumed := 0
		switch spec.shape {
		case argsQuoted:
			if q := quotedRe.FindStringSubmatchIndex(rest); q != nil {
				params[spec.params[0]] = rest[q[2]:q[3]]
				consumed = q[1]
			}
		case argsQuotedPair:
			if q := quotedRe.FindStringSubmatchIndex(rest); q != nil {
				params[spec.params[0]] = rest[q[2]:q[3]]
				consumed = q[1]
				if q2 := quotedRe.FindStringSubmatchIndex(rest[consumed:]); q2 != nil {
					params[spec.params[1]] = rest[consumed+q2[2] : consumed+q2[3]]
					consumed += q2[1]
				}
			}
		case argsNumber:
			if n := numberRe.FindStringSubmatchIndex(rest); n != nil {
				params[spec.params[0]] = rest[n[2]:n[3]]
				consumed = n[1]
			}
		}

		spanEnd := end + consumed
		lastEnd = spanEnd
		directives = append(directives, domain.Directive{
			Kind:   spec.kind,
			Params: params,
			Raw:    raw[start:spanEnd],
		})
		spans = append(spans, [2]int{start, spanEnd})
	}

	if len(directives) == 0 {
		return strings.TrimSpace(raw), nil
	}

	var b strings.Builder
	prev := 0
	for _, span := range spans {
		b.WriteString(raw[prev:span[0]])
		prev = span[1]
	}
	b.WriteString(raw[prev:])
	return tidy(b.String()), directives
}

// tidy collapses the whitespace holes left by directive removal.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = spacesRe.ReplaceAllString(strings.TrimRight(line, " \t"), " ")
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			line = ""
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
