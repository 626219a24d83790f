package agent

import (
	"fmt"
	"strings"
)

// Keywords that imply mutation, schema change, or escaping the
// read-only sandbox. Any appearance outside a string literal rejects
// the candidate, even in positions where SQLite would treat the word
// as an identifier: the gate is deliberately conservative, and a false
// rejection just routes back through regeneration.
var forbiddenKeywords = map[string]struct{}{
	"INSERT":   {},
	"UPDATE":   {},
	"DELETE":   {},
	"DROP":     {},
	"ALTER":    {},
	"CREATE":   {},
	"REPLACE":  {},
	"TRUNCATE": {},
	"ATTACH":   {},
	"DETACH":   {},
	"PRAGMA":   {},
	"VACUUM":   {},
	"REINDEX":  {},
	"GRANT":    {},
	"REVOKE":   {},
}

// ValidateQuery accepts a candidate query only if it is a single
// read-only retrieval statement. This is a hard safety boundary: a
// rejected string must never reach the executor.
func ValidateQuery(query string) error {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return fmt.Errorf("empty query")
	}

	stripped := stripStringLiterals(trimmed)

	// A single trailing semicolon is tolerated; anything after one is
	// a second statement.
	if idx := strings.Index(stripped, ";"); idx >= 0 {
		rest := strings.TrimSpace(stripped[idx+1:])
		if rest != "" {
			return fmt.Errorf("multiple statements are not allowed")
		}
	}

	tokens := tokenize(stripped)
	if len(tokens) == 0 {
		return fmt.Errorf("empty query")
	}

	switch tokens[0] {
	case "SELECT", "WITH":
	default:
		return fmt.Errorf("only SELECT statements are allowed, got %q", tokens[0])
	}

	for _, tok := range tokens {
		if _, bad := forbiddenKeywords[tok]; bad {
			return fmt.Errorf("statement contains forbidden keyword %q", tok)
		}
	}
	return nil
}

// stripStringLiterals blanks out single-quoted SQL string literals so
// their contents cannot trip keyword or statement checks.
func stripStringLiterals(s string) string {
	var b strings.Builder
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\'' {
			// Doubled quote inside a literal is an escaped quote.
			if inString && i+1 < len(s) && s[i+1] == '\'' {
				i++
				continue
			}
			inString = !inString
			b.WriteByte(' ')
			continue
		}
		if inString {
			b.WriteByte(' ')
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// tokenize splits a statement into uppercased word tokens.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			return false
		case r >= '0' && r <= '9', r == '_':
			return false
		}
		return true
	})
	tokens := make([]string, len(fields))
	for i, f := range fields {
		tokens[i] = strings.ToUpper(f)
	}
	return tokens
}
