package sqlflow

import (
	"fmt"
	"regexp"
	"strings"
)

// forbiddenKeywords are statements a generated query must never contain.
// Generated SQL is read-only.
var forbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "CREATE", "TRUNCATE",
	"REPLACE", "GRANT", "REVOKE", "ATTACH", "DETACH", "PRAGMA", "EXEC",
}

var identRe = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// CheckStatic validates a query without executing it: it must be a single
// read-only SELECT (or WITH) statement. The returned warnings are advisory;
// valid/safe are the gate.
func CheckStatic(query string) (valid bool, safe bool, warnings []string, err error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return false, false, nil, fmt.Errorf("empty SQL")
	}
	trimmed = strings.TrimSuffix(trimmed, ";")
	if strings.Contains(trimmed, ";") {
		return false, false, nil, fmt.Errorf("multiple statements are not allowed")
	}

	stripped := stripLiterals(trimmed)
	upper := strings.ToUpper(stripped)

	first := identRe.FindString(upper)
	if first != "SELECT" && first != "WITH" {
		return false, false, nil, fmt.Errorf("only SELECT queries are allowed, got %q", first)
	}

	words := map[string]bool{}
	for _, w := range identRe.FindAllString(upper, -1) {
		words[w] = true
	}
	for _, kw := range forbiddenKeywords {
		if words[kw] {
			return true, false, nil, fmt.Errorf("forbidden keyword %s", kw)
		}
	}

	if !strings.Contains(upper, "LIMIT") {
		warnings = append(warnings, "query has no LIMIT clause")
	}
	if strings.Contains(upper, "SELECT *") {
		warnings = append(warnings, "SELECT * returns all columns; name columns explicitly")
	}
	return true, true, warnings, nil
}

// stripLiterals blanks out string literals so quoted text cannot trip the
// keyword scan.
func stripLiterals(s string) string {
	var b strings.Builder
	inSingle, inDouble := false, false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case inSingle:
			if ch == '\'' {
				inSingle = false
				b.WriteByte('\'')
			} else {
				b.WriteByte(' ')
			}
		case inDouble:
			if ch == '"' {
				inDouble = false
				b.WriteByte('"')
			} else {
				b.WriteByte(' ')
			}
		case ch == '\'':
			inSingle = true
			b.WriteByte(ch)
		case ch == '"':
			inDouble = true
			b.WriteByte(ch)
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}
