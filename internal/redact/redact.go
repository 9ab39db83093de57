// Package redact scrubs sensitive material from source snippets before
// they leave the service. Audited code routinely contains live
// credentials and personal data; none of it belongs in a prompt sent
// to an external model provider.
package redact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Kind labels the class of sensitive content a pattern matches.
type Kind string

const (
	KindAWSKey        Kind = "aws_key"
	KindGCPKey        Kind = "gcp_key"
	KindGitHubToken   Kind = "github_token"
	KindSlackToken    Kind = "slack_token"
	KindStripeKey     Kind = "stripe_key"
	KindOpenAIKey     Kind = "openai_key"
	KindAnthropicKey  Kind = "anthropic_key"
	KindJWT           Kind = "jwt"
	KindPrivateKey    Kind = "private_key"
	KindDatabaseURL   Kind = "database_url"
	KindPasswordValue Kind = "password"
	KindAPIKeyValue   Kind = "api_key"
	KindEmail         Kind = "email"
	KindSSN           Kind = "ssn"
)

// Match is one detected span of sensitive content.
type Match struct {
	Kind  Kind
	Start int
	End   int
}

type pattern struct {
	kind Kind
	re   *regexp.Regexp
}

// Ordered from most to least specific so overlapping spans resolve to
// the narrower classification.
var patterns = []pattern{
	{KindPrivateKey, regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|OPENSSH\s+|EC\s+|DSA\s+)?PRIVATE\s+KEY-----(?s:.*?)(?:-----END\s+(?:RSA\s+|OPENSSH\s+|EC\s+|DSA\s+)?PRIVATE\s+KEY-----|\z)`)},
	{KindAWSKey, regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{KindGCPKey, regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{35}\b`)},
	{KindGitHubToken, regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{KindSlackToken, regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{KindStripeKey, regexp.MustCompile(`\b[sr]k_(?:live|test)_[0-9a-zA-Z]{24,}\b`)},
	{KindAnthropicKey, regexp.MustCompile(`\bsk-ant-[A-Za-z0-9\-]{32,}\b`)},
	{KindOpenAIKey, regexp.MustCompile(`\bsk-[A-Za-z0-9]{32,}\b`)},
	{KindJWT, regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`)},
	{KindDatabaseURL, regexp.MustCompile(`(?i)\b(?:postgres|postgresql|mysql|mongodb|redis|amqp)://[^\s'"]+:[^\s'"]+@[^\s'"]+`)},
	{KindPasswordValue, regexp.MustCompile(`(?i)(?:password|passwd|pwd)\s*[:=]\s*['"]?[^\s'"]{6,}['"]?`)},
	{KindAPIKeyValue, regexp.MustCompile(`(?i)(?:api[_\-]?key|access[_\-]?token|secret[_\-]?key|auth[_\-]?token)\s*[:=]\s*['"]?[A-Za-z0-9_\-\.]{16,}['"]?`)},
	{KindSSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{KindEmail, regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
}

// Detect returns all sensitive spans in text, ordered by position.
// Spans already covered by an earlier, more specific pattern are
// dropped so a database URL is not re-reported as an email.
func Detect(text string) []Match {
	var matches []Match
	for _, p := range patterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			if covered(matches, loc[0], loc[1]) {
				continue
			}
			matches = append(matches, Match{Kind: p.kind, Start: loc[0], End: loc[1]})
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return matches
}

func covered(matches []Match, start, end int) bool {
	for _, m := range matches {
		if start < m.End && end > m.Start {
			return true
		}
	}
	return false
}

// HasSecrets reports whether text contains anything Detect would flag.
func HasSecrets(text string) bool {
	return len(Detect(text)) > 0
}

// Apply replaces every detected span with a typed placeholder, so the
// surrounding code keeps its shape and the model can still reason
// about the vulnerability.
func Apply(text string) string {
	matches := Detect(text)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, m := range matches {
		if m.Start < prev {
			continue
		}
		b.WriteString(text[prev:m.Start])
		b.WriteString(placeholder(m.Kind))
		prev = m.End
	}
	b.WriteString(text[prev:])
	return b.String()
}

func placeholder(k Kind) string {
	return fmt.Sprintf("[REDACTED_%s]", strings.ToUpper(string(k)))
}
