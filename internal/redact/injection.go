package redact

import "regexp"

// Scanned repositories are untrusted input. A hostile codebase can
// plant model-facing instructions in comments or string literals in
// the hope that the analysis model obeys them instead of its task.
// These patterns catch the common phrasings and chat-role delimiters.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(?:previous|all|above|prior)\s+(?:instructions?|prompts?|commands?)`),
	regexp.MustCompile(`(?i)disregard\s+(?:all|previous|above|any)\s+(?:instructions?|rules|commands?)`),
	regexp.MustCompile(`(?i)forget\s+(?:everything|all\s+previous)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(?:a|an|in)\b`),
	regexp.MustCompile(`(?i)pretend\s+(?:to\s+)?be\s+(?:a|an)\b`),
	regexp.MustCompile(`(?i)new\s+instructions?\s*:`),
	regexp.MustCompile(`(?i)report\s+no\s+(?:vulnerabilit|issue|finding)`),
	regexp.MustCompile(`\[/?(?:SYSTEM|USER|ASSISTANT|INST)\]`),
	regexp.MustCompile(`<\|(?:system|user|assistant|end)\|>`),
	regexp.MustCompile(`(?i)###\s*(?:system|instruction)`),
}

// SuspectsInjection reports whether text contains content that reads
// as an instruction to the model rather than as code under audit.
func SuspectsInjection(text string) bool {
	for _, re := range injectionPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// NeutralizeInjection masks instruction-like content in untrusted
// text. The snippet stays reviewable but no longer parses as a
// directive.
func NeutralizeInjection(text string) string {
	for _, re := range injectionPatterns {
		text = re.ReplaceAllString(text, "[UNTRUSTED_CONTENT]")
	}
	return text
}

// Sanitize is the full pre-prompt pass applied to any snippet taken
// from an audited repository: secrets out first, then instruction
// content neutralized.
func Sanitize(text string) string {
	return NeutralizeInjection(Apply(text))
}
