package engine

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

const (
	MinChoices = 2
	MaxChoices = 5
)

// ParseKind tags a parsed model response.
type ParseKind int

const (
	Malformed ParseKind = iota
	Story
	Conclusion
)

func (k ParseKind) String() string {
	switch k {
	case Story:
		return "story"
	case Conclusion:
		return "conclusion"
	}
	return "malformed"
}

// Parsed is the validated form of a model response. Only Story carries
// choices; Malformed carries a Reason instead of content.
type Parsed struct {
	Kind      ParseKind
	Narration string
	Choices   []string
	Reason    string
}

var (
	optionLine = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.+)$`)
	headerLine = regexp.MustCompile(`(?i)^\s*#*\s*(?:your\s+)?(?:choices|options|what (?:do|will) you do\??)\s*:?\s*$`)
)

// Parse splits raw model text into narration and choices. Narration is the
// text before the first list item. Text containing endMarker is a conclusion.
func Parse(text, endMarker string) Parsed {
	text = strings.TrimSpace(text)

	if endMarker != "" {
		marker := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(endMarker))
		if marker.MatchString(text) {
			narration := strings.TrimSpace(marker.ReplaceAllString(text, ""))
			if narration == "" {
				return Parsed{Kind: Malformed, Reason: "conclusion without narration"}
			}
			return Parsed{Kind: Conclusion, Narration: narration}
		}
	}

	var narration []string
	var choices []string
	seen := make(map[string]bool)
	inList := false

	for _, line := range strings.Split(text, "\n") {
		clean := strings.ReplaceAll(line, "**", "")
		m := optionLine.FindStringSubmatch(clean)
		if m == nil {
			if !inList {
				narration = append(narration, line)
			}
			continue
		}
		inList = true

		choice := strings.TrimSpace(m[1])
		key := strings.ToLower(choice)
		if !hasWord(choice) || seen[key] {
			continue
		}
		seen[key] = true
		if len(choices) < MaxChoices {
			choices = append(choices, choice)
		}
	}

	// drop a trailing "Choices:" style header
	for len(narration) > 0 {
		last := strings.ReplaceAll(narration[len(narration)-1], "*", "")
		if strings.TrimSpace(last) != "" && !headerLine.MatchString(last) {
			break
		}
		narration = narration[:len(narration)-1]
	}

	body := strings.TrimSpace(strings.Join(narration, "\n"))
	switch {
	case body == "":
		return Parsed{Kind: Malformed, Reason: "empty narration"}
	case len(choices) < MinChoices:
		return Parsed{Kind: Malformed, Reason: fmt.Sprintf("found %d distinct choices", len(choices))}
	}
	return Parsed{Kind: Story, Narration: body, Choices: choices}
}

func hasWord(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}
