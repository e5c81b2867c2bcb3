package engine

import (
	"fmt"
	"strings"

	"github.com/j0lvera/loreweaver/internal/story"
)

// Prompts are the fixed instructions of the story engine. Placeholders:
// {{name}} and {{end_marker}} in Persona and Opening, {{choice}} in Continue.
type Prompts struct {
	Persona   string `toml:"persona"`
	Opening   string `toml:"opening"`
	Continue  string `toml:"continue"`
	Clarify   string `toml:"clarify"`
	EndMarker string `toml:"end_marker"`
}

// DefaultPrompts is used for any prompt missing from config.toml.
var DefaultPrompts = Prompts{
	Persona: `You are a Genius Storyteller and Dungeon Master, crafting a rich and engaging Dungeons & Dragons style text-based adventure.
Your writing is evocative, descriptive, and tailored to the player's character.
You will always present a narrative segment and then offer 4-5 distinct, actionable choices for the player to take.
Format the choices as a numbered list, one choice per line, after the narrative.
Ensure the story flows logically from the character's actions and the established context.
When the adventure reaches its natural conclusion, end the narrative with {{end_marker}} on its own line and offer no choices.
The player's character details are provided below. Use them to personalize the story.`,
	Opening:   "This is the very beginning of {{name}}'s adventure. Start the story and provide the first set of choices.",
	Continue:  "The player chose: '{{choice}}'. Now, continue the story and provide new choices.",
	Clarify:   "Your last reply could not be read. Reply again with a narrative paragraph followed by 4-5 distinct choices as a numbered list, one per line.",
	EndMarker: "[THE END]",
}

// WithDefaults fills empty prompts from DefaultPrompts.
func (p Prompts) WithDefaults() Prompts {
	fill := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	fill(&p.Persona, DefaultPrompts.Persona)
	fill(&p.Opening, DefaultPrompts.Opening)
	fill(&p.Continue, DefaultPrompts.Continue)
	fill(&p.Clarify, DefaultPrompts.Clarify)
	fill(&p.EndMarker, DefaultPrompts.EndMarker)
	return p
}

// Build returns the full request transcript for the next turn of sess:
// persona and character sheet, every prior exchange in order, then the new
// choice. An empty transcript gets the opening instruction instead.
func (p Prompts) Build(sess story.Session, choice string) []Message {
	msgs := make([]Message, 0, 2+2*len(sess.Turns))
	msgs = append(msgs, Message{Role: RoleSystem, Content: p.system(sess.Character)})

	for _, t := range sess.Turns {
		msgs = append(msgs,
			Message{Role: RoleUser, Content: p.instruction(sess.Character, t.Index, t.Choice)},
			Message{Role: RoleAssistant, Content: Render(t)},
		)
	}
	return append(msgs, Message{Role: RoleUser, Content: p.instruction(sess.Character, sess.NextIndex(), choice)})
}

func (p Prompts) system(c story.Character) string {
	var b strings.Builder
	b.WriteString(p.fill(p.Persona, c.Name, ""))
	b.WriteString("\n\n--- Character Information ---\n")
	fmt.Fprintf(&b, "Name: %s\n", c.Name)
	fmt.Fprintf(&b, "Backstory: %s\n", c.Backstory)
	fmt.Fprintf(&b, "Abilities: %s\n", strings.Join(c.Abilities, ", "))
	fmt.Fprintf(&b, "Desires: %s\n", strings.Join(c.Desires, ", "))
	fmt.Fprintf(&b, "Weaknesses: %s", strings.Join(c.Weaknesses, ", "))
	return b.String()
}

func (p Prompts) instruction(c story.Character, index int, choice string) string {
	if index == 0 {
		return p.fill(p.Opening, c.Name, "")
	}
	return p.fill(p.Continue, c.Name, choice)
}

func (p Prompts) fill(tmpl, name, choice string) string {
	return strings.NewReplacer(
		"{{name}}", name,
		"{{choice}}", choice,
		"{{end_marker}}", p.EndMarker,
	).Replace(tmpl)
}

// Render formats a stored turn the way the model is asked to write one.
func Render(t story.Turn) string {
	var b strings.Builder
	b.WriteString(t.Narration)
	if len(t.Choices) > 0 {
		b.WriteString("\n")
	}
	for i, c := range t.Choices {
		fmt.Fprintf(&b, "\n%d. %s", i+1, c)
	}
	return b.String()
}
