package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		kind      ParseKind
		narration string
		choices   []string
	}{
		{
			name:      "numbered list",
			text:      "The wind howls at the crossroads.\n\n1. Go north\n2. Go east\n3. Read the signpost\n4. Turn back",
			kind:      Story,
			narration: "The wind howls at the crossroads.",
			choices:   []string{"Go north", "Go east", "Read the signpost", "Turn back"},
		},
		{
			name:      "bullets, bold and a header",
			text:      "A door creaks open.\n\n**Choices:**\n- **Enter**\n* Knock\n• Walk away",
			kind:      Story,
			narration: "A door creaks open.",
			choices:   []string{"Enter", "Knock", "Walk away"},
		},
		{
			name:      "parenthesised numbers and trailing text",
			text:      "Rain.\n1) Hide\n2) Run\nWhat will you do?",
			kind:      Story,
			narration: "Rain.",
			choices:   []string{"Hide", "Run"},
		},
		{
			name:      "duplicates removed and capped at five",
			text:      "Many paths.\n1. A\n2. a\n3. B\n4. C\n5. D\n6. E\n7. F",
			kind:      Story,
			narration: "Many paths.",
			choices:   []string{"A", "B", "C", "D", "E"},
		},
		{
			name: "one choice is malformed",
			text: "Only one way.\n1. Onward",
			kind: Malformed,
		},
		{
			name: "duplicate choices only count once",
			text: "Echoes.\n1. Shout\n2. shout",
			kind: Malformed,
		},
		{
			name: "no narration",
			text: "1. Left\n2. Right",
			kind: Malformed,
		},
		{
			name: "empty",
			text: "   ",
			kind: Malformed,
		},
		{
			name:      "end marker concludes",
			text:      "The dragon sleeps forever and the realm is saved.\n\n[the end]",
			kind:      Conclusion,
			narration: "The dragon sleeps forever and the realm is saved.",
		},
		{
			name: "end marker alone",
			text: "[THE END]",
			kind: Malformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Parse(tt.text, "[THE END]")
			assert.Equal(t, tt.kind, got.Kind, got.Reason)
			if tt.kind == Malformed {
				assert.NotEmpty(t, got.Reason)
				assert.Empty(t, got.Choices)
				return
			}
			assert.Equal(t, tt.narration, got.Narration)
			assert.Equal(t, tt.choices, got.Choices)
		})
	}
}

func TestParseWithoutEndMarker(t *testing.T) {
	got := Parse("It ends. [THE END]", "")
	assert.Equal(t, Malformed, got.Kind)
}
