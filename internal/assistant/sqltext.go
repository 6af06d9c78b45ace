package assistant

import (
	"errors"
	"regexp"
	"strings"
)

// ErrNotReadOnly is returned for generated statements that could modify
// the database.
var ErrNotReadOnly = errors.New("generated statement is not a read-only query")

var (
	fencePattern    = regexp.MustCompile("(?s)```[a-zA-Z]*\\s*(.*?)\\s*```")
	sqlLabelPattern = regexp.MustCompile(`(?i)^sql\s*\n`)
	writeKeywords   = regexp.MustCompile(`(?i)\b(insert|update|delete|merge|drop|alter|create|truncate|grant|revoke|copy|vacuum|attach|detach|pragma|call|do)\b`)
)

// CleanSQL strips the decoration models tend to add around a statement:
// markdown fences, a leading "sql" label and trailing semicolons.
func CleanSQL(text string) string {
	text = strings.TrimSpace(text)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	text = sqlLabelPattern.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	for strings.HasSuffix(text, ";") {
		text = strings.TrimSpace(strings.TrimSuffix(text, ";"))
	}
	return text
}

// ValidateReadOnly accepts a single SELECT or WITH statement with no
// data-modifying keywords.
func ValidateReadOnly(statement string) error {
	s := strings.TrimSpace(statement)
	if s == "" {
		return ErrNotReadOnly
	}
	if strings.Contains(s, ";") {
		return ErrNotReadOnly
	}

	first := strings.ToLower(strings.Fields(s)[0])
	if first != "select" && first != "with" {
		return ErrNotReadOnly
	}
	if writeKeywords.MatchString(stripStringLiterals(s)) {
		return ErrNotReadOnly
	}
	return nil
}

func stripStringLiterals(s string) string {
	var sb strings.Builder
	inQuote := false
	for _, r := range s {
		if r == '\'' {
			inQuote = !inQuote
			continue
		}
		if !inQuote {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}
