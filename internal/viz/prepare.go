package viz

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xaenox/whoop-insight-bot/internal/models"
)

var (
	showPattern    = regexp.MustCompile(`\b\w+\.show\(\s*\)`)
	savefigPattern = regexp.MustCompile(`\b\w+\.savefig\(`)
	kwargPattern   = regexp.MustCompile(`^([A-Za-z_]\w*)\s*=[^=]`)
)

// PrepareCode removes interactive display calls and points every savefig
// call at outputPath. Code that never saves gets a save appended.
func PrepareCode(code, outputPath string) string {
	code = showPattern.ReplaceAllString(code, "")

	quoted := strconv.Quote(outputPath)
	if rewritten, ok := rewriteSavefig(code, quoted); ok {
		return rewritten
	}

	code = strings.TrimRight(code, "\n")
	return code + "\nplt.savefig(" + quoted + ", bbox_inches='tight')\nplt.close()\n"
}

// rewriteSavefig replaces the whole argument list of each savefig call with
// path, keeping keyword arguments other than fname. It reports false when
// there is no call or an argument list is not closed.
func rewriteSavefig(code, path string) (string, bool) {
	locs := savefigPattern.FindAllStringIndex(code, -1)
	if len(locs) == 0 {
		return "", false
	}

	var b strings.Builder
	last := 0
	for _, loc := range locs {
		if loc[0] < last {
			continue
		}
		args, closing, ok := callArgs(code, loc[1])
		if !ok {
			return "", false
		}

		kept := []string{path}
		for _, arg := range args {
			if strings.HasPrefix(arg, "**") {
				kept = append(kept, arg)
				continue
			}
			if m := kwargPattern.FindStringSubmatch(arg); m != nil && m[1] != "fname" {
				kept = append(kept, arg)
			}
		}

		b.WriteString(code[last:loc[1]])
		b.WriteString(strings.Join(kept, ", "))
		b.WriteByte(')')
		last = closing + 1
	}
	b.WriteString(code[last:])
	return b.String(), true
}

// callArgs reads the argument list starting at start, just past an opening
// paren. It returns the top-level arguments with comments removed and the
// index of the closing paren.
func callArgs(code string, start int) ([]string, int, bool) {
	var (
		args []string
		cur  strings.Builder
	)
	depth := 1
	for i := start; i < len(code); i++ {
		c := code[i]
		switch c {
		case '\'', '"':
			end, ok := stringEnd(code, i)
			if !ok {
				return nil, 0, false
			}
			cur.WriteString(code[i : end+1])
			i = end
			continue
		case '#':
			nl := strings.IndexByte(code[i:], '\n')
			if nl < 0 {
				return nil, 0, false
			}
			i += nl - 1
			continue
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				if c != ')' {
					return nil, 0, false
				}
				if arg := strings.TrimSpace(cur.String()); arg != "" {
					args = append(args, arg)
				}
				return args, i, true
			}
		case ',':
			if depth == 1 {
				args = append(args, strings.TrimSpace(cur.String()))
				cur.Reset()
				continue
			}
		}
		cur.WriteByte(c)
	}
	return nil, 0, false
}

// stringEnd returns the index of the last quote of the string literal that
// opens at i.
func stringEnd(code string, i int) (int, bool) {
	quote := code[i]
	triple := strings.Repeat(string(quote), 3)
	if strings.HasPrefix(code[i:], triple) {
		end := strings.Index(code[i+3:], triple)
		if end < 0 {
			return 0, false
		}
		return i + 3 + end + 2, true
	}

	for j := i + 1; j < len(code); j++ {
		switch code[j] {
		case '\\':
			j++
		case quote:
			return j, true
		case '\n':
			return 0, false
		}
	}
	return 0, false
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// PrepareTable returns a copy of table in which every date-like column holds
// Unix seconds. A column is date-like when all of its non-null values are
// timestamps or text that parses as a date; other text is left as is.
func PrepareTable(table *models.Table) *models.Table {
	if table == nil {
		return nil
	}

	out := &models.Table{Columns: table.Columns, Rows: make([][]any, len(table.Rows))}
	for i, row := range table.Rows {
		out.Rows[i] = append([]any(nil), row...)
	}

	for col := range table.Columns {
		if !dateColumn(table, col) {
			continue
		}
		for _, row := range out.Rows {
			switch v := row[col].(type) {
			case time.Time:
				row[col] = unixSeconds(v)
			case string:
				t, _ := parseDate(v)
				row[col] = unixSeconds(t)
			}
		}
	}
	return out
}

func dateColumn(table *models.Table, col int) bool {
	seen := false
	for _, row := range table.Rows {
		if col >= len(row) {
			return false
		}
		switch v := row[col].(type) {
		case nil:
			continue
		case time.Time:
			seen = true
		case string:
			if _, ok := parseDate(v); !ok {
				return false
			}
			seen = true
		default:
			return false
		}
	}
	return seen
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
