// Package knowledge serves reference material about vulnerability
// classes. The analysis stage folds retrieved notes into its prompt so
// the model grounds its reasoning in known exploitation and
// remediation patterns instead of inventing them.
package knowledge

import (
	"context"
	"sort"
	"strings"
)

// Note is one retrieved piece of reference material.
type Note struct {
	ID       string
	Category string
	Content  string
	Score    float64
}

// Options configures retrieval behavior.
type Options struct {
	TopK      int
	Threshold float64
}

// Retriever fetches notes relevant to a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, opts Options) ([]Note, error)
}

type entry struct {
	id       string
	category string
	keywords []string
	content  string
}

// StaticRetriever matches queries against a built-in corpus by keyword
// overlap. It stands in for a vector store: same interface, no
// external service.
type StaticRetriever struct {
	entries []entry
}

// NewStaticRetriever returns a retriever over the built-in corpus.
func NewStaticRetriever() *StaticRetriever {
	return &StaticRetriever{entries: corpus}
}

// Retrieve scores every corpus entry against the query and returns the
// top matches. Score is the fraction of an entry's keywords present in
// the query.
func (r *StaticRetriever) Retrieve(ctx context.Context, query string, opts Options) ([]Note, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}

	q := strings.ToLower(query)
	var notes []Note
	for _, e := range r.entries {
		hits := 0
		for _, kw := range e.keywords {
			if strings.Contains(q, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		score := float64(hits) / float64(len(e.keywords))
		if score < opts.Threshold {
			continue
		}
		notes = append(notes, Note{ID: e.id, Category: e.category, Content: e.content, Score: score})
	}

	sort.Slice(notes, func(i, j int) bool { return notes[i].Score > notes[j].Score })
	if len(notes) > opts.TopK {
		notes = notes[:opts.TopK]
	}
	return notes, nil
}

var corpus = []entry{
	{
		id:       "kb_sqli",
		category: "sql_injection",
		keywords: []string{"sql", "query", "injection", "database", "select"},
		content:  "SQL injection: user input concatenated into query text reaches the database as code. Look for string-built queries, ORDER BY or table names taken from parameters, and second-order flows through stored values. Remediation is parameterized statements; escaping alone is not sufficient for identifiers.",
	},
	{
		id:       "kb_xss",
		category: "xss",
		keywords: []string{"xss", "html", "script", "dom", "innerhtml", "template"},
		content:  "Cross-site scripting: untrusted data rendered into HTML, attributes, or script context without output encoding for that context. innerHTML sinks, unescaped template directives, and javascript: URLs are the usual carriers. Context-aware encoding at the render site is the fix.",
	},
	{
		id:       "kb_cmdi",
		category: "command_injection",
		keywords: []string{"command", "exec", "shell", "subprocess", "system"},
		content:  "Command injection: request data reaching a shell interpreter. Shell metacharacters in arguments, sh -c with interpolated strings, and backtick execution are the signatures. Prefer argv-style process spawning without a shell; allowlist when arguments must be dynamic.",
	},
	{
		id:       "kb_traversal",
		category: "path_traversal",
		keywords: []string{"path", "file", "directory", "traversal", "upload", "download"},
		content:  "Path traversal: file paths assembled from request input can escape the intended root via dot-dot segments or absolute paths. Canonicalize before the containment check, not after, and verify the resolved path has the expected prefix.",
	},
	{
		id:       "kb_secrets",
		category: "hardcoded_secrets",
		keywords: []string{"secret", "credential", "key", "password", "token"},
		content:  "Hardcoded credentials: API keys, passwords, and signing material committed in source remain valid after deletion because history retains them. Any committed credential must be treated as compromised and rotated, not merely removed.",
	},
	{
		id:       "kb_deser",
		category: "insecure_deserialization",
		keywords: []string{"deserialize", "pickle", "unmarshal", "serialization", "yaml"},
		content:  "Insecure deserialization: format decoders that can instantiate arbitrary types (pickle, unconstrained YAML, native object streams) execute attacker-controlled construction logic. Confirm the decoder restricts target types before rating this down.",
	},
	{
		id:       "kb_ssrf",
		category: "ssrf",
		keywords: []string{"ssrf", "url", "fetch", "request", "webhook", "proxy"},
		content:  "Server-side request forgery: user-supplied URLs fetched by the server reach internal networks and cloud metadata endpoints. Redirect following and DNS rebinding defeat naive host checks; validate the resolved address at connection time.",
	},
	{
		id:       "kb_authz",
		category: "broken_access_control",
		keywords: []string{"auth", "session", "permission", "role", "access", "idor"},
		content:  "Broken access control: object identifiers accepted from the request without an ownership check, and authorization enforced in the client or in middleware that some routes bypass. Verify every state-changing handler re-checks the subject's rights against the specific object.",
	},
}
