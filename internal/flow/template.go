// Package flow implements the WhaleFlow execution engine: the per-user
// session state machine that interprets a flow definition and drives one
// conversation per end-user identity.
package flow

import (
	"regexp"
	"strings"
)

// placeholderPattern matches {{name}} tokens; names may contain word
// characters and interior whitespace.
var placeholderPattern = regexp.MustCompile(`\{\{([\w\s]+)\}\}`)

// varNameCleaner strips the decoration characters operators tend to paste
// into variable names.
var varNameCleaner = strings.NewReplacer("@", "", "{", "", "}", "")

// CleanVariableName sanitizes a user-supplied variable name.
func CleanVariableName(name string) string {
	return strings.TrimSpace(varNameCleaner.Replace(name))
}

// NormalizeText lowercases and trims text for keyword and label comparisons.
func NormalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Render substitutes {{name}} placeholders in text from the variable map.
// Unknown variables render as the empty string; rendering never fails.
func Render(text string, variables map[string]string) string {
	if text == "" {
		return ""
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := CleanVariableName(match[2 : len(match)-2])
		return variables[name]
	})
}
