package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// pattern is one compiled whitelist/blacklist entry. Three forms are
// supported: exact command strings ("ls"), trailing-wildcard prefixes
// ("git *"), and raw regular expressions (anything carrying regex
// metacharacters beyond *). First match wins within a list.
type pattern struct {
	raw string
	re  *regexp.Regexp
}

// plainPattern reports whether s contains only characters of the simple
// exact/wildcard form. Anything else is treated as a raw regex.
func plainPattern(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == ' ', r == '*', r == '-', r == '_', r == '.', r == '/', r == '~', r == '=':
		default:
			return false
		}
	}
	return true
}

func compilePattern(raw string) (pattern, error) {
	var expr string
	if plainPattern(raw) {
		escaped := regexp.QuoteMeta(raw)
		// QuoteMeta escaped the wildcard too; restore it as "match anything".
		escaped = strings.ReplaceAll(escaped, `\*`, ".*")
		// Anchor at the start and stop at a token or shell-operator boundary
		// so "ls" does not match "lsof" but does match "ls | head".
		expr = "^" + escaped + `(?:\s|$|\||>|<|&|;)`
	} else {
		expr = raw
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return pattern{}, fmt.Errorf("invalid pattern %q: %w", raw, err)
	}
	return pattern{raw: raw, re: re}, nil
}

func compilePatterns(raws []string) ([]pattern, error) {
	out := make([]pattern, 0, len(raws))
	for _, raw := range raws {
		p, err := compilePattern(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (p pattern) matches(command string) bool {
	return p.re.MatchString(command)
}

// splitCommand tokenizes a shell command, honoring single and double
// quotes. An unterminated quote is a parse error and the caller treats the
// whole action as unclassifiable.
func splitCommand(command string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	var quote rune
	inToken := false

	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t' || r == '\n':
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}

	if quote != 0 {
		return nil, fmt.Errorf("unterminated quote")
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
