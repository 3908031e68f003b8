package autofix

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/patchwright/api/schemas"
)

// maxPriorPatch bounds how much of a rejected diff is echoed back to the model.
const maxPriorPatch = 4000

func systemPrompt() string {
	return `You are an expert application security engineer. You fix security issues reported by static analysis tools with minimal, correct and idiomatic changes that preserve existing behavior. You never suppress a finding with comments or annotations. Provide your response in the required JSON format.`
}

// buildPrompt assembles the user prompt for one attempt. Every earlier failed
// attempt is summarized so each retry sees everything the last one did.
func buildPrompt(issue *schemas.Issue, code CodeContext, attempt int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Given this security finding reported by %s, generate a concise and correct security fix.\n\n", strings.Join(issue.Tools(), ", "))
	b.WriteString("**Finding:**\n")
	fmt.Fprintf(&b, "- Category: %s\n", issue.Category)
	fmt.Fprintf(&b, "- Rules: %s\n", strings.Join(issue.RuleIDs(), ", "))
	fmt.Fprintf(&b, "- Severity: %s\n", issue.Severity)
	fmt.Fprintf(&b, "- File: %s\n", issue.Path)
	fmt.Fprintf(&b, "- Lines: %s\n", issue.Lines)
	fmt.Fprintf(&b, "- Description: %s\n", issue.Message)
	for _, f := range issue.Findings {
		if f.Message != issue.Message {
			fmt.Fprintf(&b, "- Also reported by %s (%s): %s\n", f.Tool, f.RuleID, f.Message)
		}
	}

	fmt.Fprintf(&b, "\n**Source Code (%s, lines %d-%d, flagged lines marked with ->):**\n", issue.Path, code.Start, code.End)
	b.WriteString("```" + code.Language + "\n")
	b.WriteString(code.Text)
	b.WriteString("\n```\n")

	if attempt > 1 && len(issue.Attempts) > 0 {
		b.WriteString("\n**Previous attempts that did not resolve the finding:**\n")
		for _, a := range issue.Attempts {
			summary := a.FailureSummary()
			if summary == "" {
				continue
			}
			fmt.Fprintf(&b, "Attempt %d: %s\n", a.Number, summary)
		}
		if last := issue.LastAttempt(); last != nil && last.Patch != nil {
			b.WriteString("\nThe most recent rejected patch was:\n```diff\n")
			b.WriteString(truncate(last.Patch.Diff, maxPriorPatch))
			b.WriteString("\n```\nDo not repeat it. Address the failure reasons above.\n")
		}
	}

	b.WriteString(`
**Instructions:**
1. Change only what is needed to eliminate the finding.
2. The patch MUST be a unified diff ('git diff' format) with paths relative to the repository root.
3. Context lines in the patch must match the source exactly, without the line number prefixes shown above.

**Response Format (Strict JSON):**
{
  "explanation": "A short explanation of the vulnerability and the fix.",
  "patch": "The unified diff."
}
`)
	fmt.Fprintf(&b, "\nExample patch format within the JSON:\n\"patch\": \"--- a/%s\\n+++ b/%s\\n@@ -10,3 +10,3 @@\\n context\\n-vulnerable line\\n+fixed line\\n context\\n\"\n", issue.Path, issue.Path)
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
