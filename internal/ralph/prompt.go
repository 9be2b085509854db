package ralph

import "strings"

// BuildPrompt returns the prompt for an iteration. The first iteration
// sends initial unchanged; later ones append the previous response verbatim
// inside a delimited block followed by an instruction to improve on it.
func BuildPrompt(initial string, iteration int, lastResponse string) string {
	if iteration <= 1 {
		return initial
	}
	var b strings.Builder
	b.Grow(len(initial) + len(lastResponse) + 160)
	b.WriteString(initial)
	b.WriteString("\n\n=== CONTEXT FROM PREVIOUS ITERATION ===\n")
	b.WriteString(lastResponse)
	b.WriteString("\n=== END CONTEXT ===\n\n")
	b.WriteString("Continue working on this task. Review the previous attempt and improve upon it.")
	return b.String()
}
