package service

import (
	"fmt"
	"strings"

	"github.com/capitalize-ai/formchat/internal/model"
	"github.com/capitalize-ai/formchat/internal/schema"
)

// turnOutcome is what the agent decided about one answer.
type turnOutcome struct {
	answered *schema.Field
	value    string
	problems []string
	next     *schema.Field
	done     bool
}

func greetingText(agent *schema.Agent, state model.ConversationState) string {
	greeting := agent.Greeting
	if greeting == "" {
		name := agent.Name
		if name == "" {
			name = agent.Slug
		}
		greeting = fmt.Sprintf("Hi! I'm %s.", name)
	}

	f, ok := agent.Schema().Lookup(state.CurrentField)
	if !ok {
		return greeting
	}
	return greeting + " " + question(f)
}

// question asks for one field.
func question(f schema.Field) string {
	var b strings.Builder
	fmt.Fprintf(&b, "What is your %s?", strings.ToLower(f.DisplayName()))
	if f.Description != "" {
		fmt.Fprintf(&b, " (%s)", f.Description)
	}
	if len(f.Options) > 0 {
		fmt.Fprintf(&b, " Options: %s.", strings.Join(f.Options, ", "))
	}
	if !f.Required {
		b.WriteString(" This one is optional.")
	}
	return b.String()
}

// templateReply is the reply used when no LLM is configured.
func templateReply(o turnOutcome) string {
	switch {
	case len(o.problems) > 0:
		return fmt.Sprintf("Hmm, that %s doesn't look right: %s. %s",
			strings.ToLower(o.answered.DisplayName()), strings.Join(o.problems, "; "), question(*o.answered))
	case o.done:
		return "Thanks, that's everything I needed. We're all done!"
	case o.next == nil:
		return "Thanks!"
	case o.answered == nil:
		return "Thanks! " + question(*o.next)
	default:
		return fmt.Sprintf("Got it, %s noted. %s", strings.ToLower(o.answered.DisplayName()), question(*o.next))
	}
}

// systemPrompt frames the LLM reply for one turn. The LLM phrases the
// reply; which field comes next is already decided.
func systemPrompt(agent *schema.Agent, o turnOutcome) string {
	var b strings.Builder
	if agent.Persona != "" {
		b.WriteString(agent.Persona)
		b.WriteString("\n\n")
	}
	b.WriteString("You are filling in a form through conversation. Keep replies to one or two short sentences and ask for exactly one thing.\n")

	switch {
	case len(o.problems) > 0:
		fmt.Fprintf(&b, "The user's answer for %q was rejected: %s. Explain briefly and ask again. %s\n",
			o.answered.DisplayName(), strings.Join(o.problems, "; "), fieldBrief(*o.answered))
	case o.done:
		b.WriteString("All fields are collected. Thank the user and close the conversation. Do not ask anything else.\n")
	case o.next == nil:
		b.WriteString("Acknowledge the user's message briefly.\n")
	default:
		if o.answered != nil {
			fmt.Fprintf(&b, "The user answered %q with %q. Acknowledge it.\n", o.answered.DisplayName(), o.value)
		}
		fmt.Fprintf(&b, "Next, ask for %q. %s\n", o.next.DisplayName(), fieldBrief(*o.next))
	}
	return b.String()
}

func fieldBrief(f schema.Field) string {
	parts := []string{"Type: " + string(f.Type) + "."}
	if f.Description != "" {
		parts = append(parts, "Description: "+f.Description+".")
	}
	if len(f.Options) > 0 {
		parts = append(parts, "Allowed options: "+strings.Join(f.Options, ", ")+".")
	}
	if !f.Required {
		parts = append(parts, "The user may skip it.")
	}
	return strings.Join(parts, " ")
}

// splitWords breaks text into word-sized pieces, keeping the separators, so
// template replies stream like model output.
func splitWords(text string) []string {
	var pieces []string
	start := 0
	for i, r := range text {
		if r == ' ' && i > start {
			pieces = append(pieces, text[start:i])
			start = i
		}
	}
	if start < len(text) {
		pieces = append(pieces, text[start:])
	}
	return pieces
}
