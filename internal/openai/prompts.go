package openai

import (
	"fmt"
	"strings"

	"boardroom-orchestrator/internal/domain"
)

const DELIBERATE_SYSTEM = `You moderate a boardroom deliberation between named personas.
You must output ONLY valid JSON and nothing else.
No markdown. No comments. No extra keys.
Every statement belongs to exactly one listed speaker.
Speakers argue for or against the listed options; they never cast votes.`

const DELIBERATE_USER_TEMPLATE = `Write the opening statements for the next round of a decision.
Return JSON that matches EXACTLY this shape:
{"entries":[{"speaker":"<one of the speakers>","content":"<one or two sentences>"}]}

Rules:
- Output JSON only.
- One entry per speaker, in the order listed.
- content must not be empty.
- Refer to options by their exact keys.

Decision: {{TITLE}}
Round: {{ROUND}}
Options: {{OPTIONS}}
Speakers: {{SPEAKERS}}

Transcript so far:
{{TRANSCRIPT}}

Return JSON only.`

const REPAIR_SYSTEM = `You are a strict JSON repair engine.
You receive an output that failed parsing or validation.
You must return ONLY corrected JSON of the shape {"entries":[{"speaker":"...","content":"..."}]}.
No markdown. No commentary. No extra keys. No surrounding text.`

const REPAIR_USER_TEMPLATE = `The previous model output was invalid.

Problem:
{{PROBLEM}}

Allowed speakers: {{SPEAKERS}}

Invalid output:
{{MODEL_OUTPUT}}

Fix the output. Return JSON only.`

func RenderTemplate(tpl string, vars map[string]string) string {
	rendered := tpl
	for k, v := range vars {
		rendered = strings.ReplaceAll(rendered, "{{"+k+"}}", v)
	}
	return rendered
}

func BuildDeliberateUserPrompt(title string, round int, options, speakers []string, transcript []domain.TranscriptEntry) string {
	return RenderTemplate(DELIBERATE_USER_TEMPLATE, map[string]string{
		"TITLE":      title,
		"ROUND":      fmt.Sprintf("%d", round),
		"OPTIONS":    strings.Join(options, ", "),
		"SPEAKERS":   strings.Join(speakers, ", "),
		"TRANSCRIPT": renderTranscript(transcript),
	})
}

func BuildRepairUserPrompt(problem string, speakers []string, modelOutput string) string {
	return RenderTemplate(REPAIR_USER_TEMPLATE, map[string]string{
		"PROBLEM":      problem,
		"SPEAKERS":     strings.Join(speakers, ", "),
		"MODEL_OUTPUT": modelOutput,
	})
}

func renderTranscript(entries []domain.TranscriptEntry) string {
	if len(entries) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[round %d] %s: %s\n", e.Round, e.Speaker, e.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
