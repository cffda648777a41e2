package adapter

import (
	"strings"

	"github.com/ocx/dccp/internal/compiler"
)

const (
	envelopeStart = "<<DCCP_ENVELOPE_START>>"
	envelopeEnd   = "<<DCCP_ENVELOPE_END>>"
)

// nodeDirectives is the system preamble shared by the API backends.
var nodeDirectives = []string{
	"You are a stateless computing node operating under the DCCP protocol.",
	"Your output must be precise and must honor every listed constraint.",
	"Never include placeholders, TODO comments or unfinished code.",
	"Respond with a single JSON object. Put file content in a \"content\" field.",
}

// addSystemPrompt prefixes task with a directives section.
func addSystemPrompt(task string, directives []string) string {
	var b strings.Builder
	b.WriteString("# SYSTEM DIRECTIVES\n")
	b.WriteString(strings.Join(directives, "\n"))
	b.WriteString("\n\n# PRIMARY TASK\n")
	b.WriteString(task)
	return b.String()
}

// embedConstraints renders the constraint list as a mandatory section.
func embedConstraints(constraints []string) string {
	var b strings.Builder
	b.WriteString("\n\n# CONSTRAINTS (MANDATORY)\n")
	for i, c := range constraints {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(c)
	}
	return b.String()
}

// wrapProtocol encloses payload in the protocol envelope markers.
func wrapProtocol(payload string) string {
	return envelopeStart + "\n" + payload + "\n" + envelopeEnd
}

// userPrompt is the user turn shared by the API adapters.
func userPrompt(p *compiler.Packet) string {
	return "[INTENT_FINGERPRINT: " + p.Fingerprint() + "]\n\n" + p.Payload() + embedConstraints(p.Constraints())
}
