// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// Regex definitions use \x60 (hex representation) for backticks because Go raw strings cannot contain backticks.

	// jsonObjectRegex extracts a JSON object if the response is wrapped in markdown.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	// jsonArrayRegex extracts a JSON array if the response is wrapped in markdown.
	jsonArrayRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")

	// codeBlockRegex extracts content wrapped in markdown, supporting various language tags (diff, patch, go, etc.).
	codeBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60[a-zA-Z]*[ \\t]*\\n?(.*?)\\s*\x60\x60\x60")
)

// ParseJSONResponse attempts to parse an LLM response string into a target Go type using generics.
// It handles common LLM formatting issues, such as wrapping the JSON in markdown code blocks.
func ParseJSONResponse[T any](response string) (*T, error) {
	response = strings.TrimSpace(response)
	jsonStringToParse := response

	isObject := strings.Contains(response, "{")
	isArray := strings.Contains(response, "[")

	if strings.HasPrefix(response, "```") {
		var matches []string
		if isObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && isArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			jsonStringToParse = matches[1]
		}
	} else if (isObject || isArray) && !strings.HasPrefix(response, "{") && !strings.HasPrefix(response, "[") {
		// The structure is embedded in conversational text.
		if start, end, ok := bounds(response, "{", "}"); isObject && ok {
			jsonStringToParse = response[start:end]
		} else if start, end, ok := bounds(response, "[", "]"); isArray && ok {
			jsonStringToParse = response[start:end]
		}
	}

	var result T
	if err := json.Unmarshal([]byte(jsonStringToParse), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, truncateString(jsonStringToParse, 500))
	}

	return &result, nil
}

func bounds(s, open, close string) (int, int, bool) {
	fb := strings.Index(s, open)
	lb := strings.LastIndex(s, close)
	if fb == -1 || lb == -1 || lb < fb {
		return 0, 0, false
	}
	return fb, lb + 1, true
}

// CleanCodeOutput removes common markdown artifacts (like ```go or ```diff) from a code or patch string.
func CleanCodeOutput(content string) string {
	content = strings.TrimSpace(content)
	if strings.HasPrefix(content, "```") {
		if matches := codeBlockRegex.FindStringSubmatch(content); len(matches) > 1 {
			content = strings.TrimSpace(matches[1])
		}
	}
	if looksLikeDiff(content) {
		return EnsureTrailingNewline(content)
	}
	return content
}

// ExtractDiff finds a unified diff in free-form model output. A fenced block
// that holds a diff wins; otherwise the text from the first diff header to the
// end is returned. The empty string means no diff was found.
func ExtractDiff(content string) string {
	for _, m := range codeBlockRegex.FindAllStringSubmatch(content, -1) {
		if block := strings.TrimSpace(m[1]); looksLikeDiff(block) {
			return EnsureTrailingNewline(block)
		}
	}

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, "diff --git ") || (strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ")) {
			return EnsureTrailingNewline(strings.TrimRight(strings.Join(lines[i:], "\n"), " \t\n"))
		}
	}
	return ""
}

// EnsureTrailingNewline appends the final newline git apply requires.
func EnsureTrailingNewline(s string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}

func looksLikeDiff(s string) bool {
	return strings.Contains(s, "--- ") && strings.Contains(s, "+++ ") && strings.Contains(s, "@@")
}

// truncateString truncates a string to a maximum length.
func truncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	// Does not respect rune boundaries; only used for error messages.
	return s[:maxLen] + "..."
}
