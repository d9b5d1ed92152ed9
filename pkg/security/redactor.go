// Quill - policy-gated agent execution runtime
// License: MIT
//
// Copyright (c) 2026 Quill contributors

// Package security screens tool output for credential material before it is
// folded back into the model conversation. Even with a filtered environment
// a command can read credentials off disk; redaction is the second line.
package security

import "regexp"

// RedactResult reports what a scan found.
type RedactResult struct {
	Clean    bool
	Matched  []string
	Redacted string
}

// Redactor replaces recognized credential patterns with placeholders.
type Redactor struct {
	categories []category
}

type category struct {
	name        string
	pattern     *regexp.Regexp
	replacement string
}

func NewRedactor() *Redactor {
	return &Redactor{categories: defaultCategories()}
}

func defaultCategories() []category {
	return []category{
		{
			name: "api_key",
			pattern: regexp.MustCompile(
				`(` +
					`sk_(live|test)_[a-zA-Z0-9]{20,}` + // Stripe
					`|sk-[a-zA-Z0-9]{20,}` + // OpenAI
					`|sk-ant-[a-zA-Z0-9_-]{20,}` + // Anthropic
					`|AIza[a-zA-Z0-9_-]{35}` + // Google
					`|gh[pousr]_[a-zA-Z0-9]{36,}` + // GitHub (classic)
					`|github_pat_[a-zA-Z0-9_]{22,}` + // GitHub (fine-grained)
					`)`,
			),
			replacement: "[REDACTED_API_KEY]",
		},
		{
			name: "aws_credential",
			pattern: regexp.MustCompile(
				`(` +
					`AKIA[A-Z0-9]{16}` +
					`|(?i)aws[_-]?secret[_-]?access[_-]?key\s*[=:]\s*\S+` +
					`)`,
			),
			replacement: "[REDACTED_AWS_CREDENTIAL]",
		},
		{
			name:        "private_key",
			pattern:     regexp.MustCompile(`-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`),
			replacement: "[REDACTED_PRIVATE_KEY]",
		},
		{
			name:        "jwt",
			pattern:     regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{10,}\.eyJ[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}`),
			replacement: "[REDACTED_JWT]",
		},
		{
			name: "database_url",
			pattern: regexp.MustCompile(
				`(?i)(postgres(ql)?|mysql|mongodb(\+srv)?|redis)://[^\s]+:[^\s]+@[^\s]+`,
			),
			replacement: "[REDACTED_DATABASE_URL]",
		},
	}
}

// Scan replaces every recognized credential in content with a placeholder.
func (r *Redactor) Scan(content string) RedactResult {
	var matched []string
	redacted := content

	for _, cat := range r.categories {
		if cat.pattern.MatchString(redacted) {
			matched = append(matched, cat.name)
			redacted = cat.pattern.ReplaceAllString(redacted, cat.replacement)
		}
	}

	return RedactResult{
		Clean:    len(matched) == 0,
		Matched:  matched,
		Redacted: redacted,
	}
}
