package query

import (
	"regexp"
	"strings"

	"github.com/rendis/chainflow/pkg/schema"
)

var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)drop\s+table`),
	regexp.MustCompile(`(?i)drop\s+database`),
	regexp.MustCompile(`(?i)truncate\s+table`),
	regexp.MustCompile(`(?i)delete\s+from.*where\s+1\s*=\s*1`),
	regexp.MustCompile(`(?i)update.*set.*where\s+1\s*=\s*1`),
}

var allowedStatements = map[string]bool{
	"select": true,
	"insert": true,
	"update": true,
	"delete": true,
	"with":   true,
}

// ValidateQuery rejects statements that drop or wipe data and anything that
// is not a SELECT, INSERT, UPDATE, DELETE or WITH.
func (s *Service) ValidateQuery(sqlText string) error {
	return ValidateQuery(sqlText)
}

// ValidateQuery is the package-level form of Service.ValidateQuery.
func ValidateQuery(sqlText string) error {
	normalized := strings.ToLower(strings.TrimSpace(sqlText))
	for _, p := range dangerousPatterns {
		if p.MatchString(normalized) {
			return schema.NewError(schema.ErrCodeValidation, "Query contains potentially dangerous operations")
		}
	}
	if !allowedStatements[firstWord(normalized)] {
		return schema.NewError(schema.ErrCodeValidation, "Query must start with SELECT, INSERT, UPDATE, DELETE, or WITH")
	}
	return nil
}

// paramToken matches :name, and ::name so casts can be left alone.
var paramToken = regexp.MustCompile(`::?(\w+)`)

// BindParameters replaces each :name token in sqlText with the quoted value
// of params[name] in a single pass, so text inside a bound value is never
// bound again. Single quotes inside values are doubled. Unknown names and
// ::casts are kept as written.
func BindParameters(sqlText string, params map[string]string) string {
	return paramToken.ReplaceAllStringFunc(sqlText, func(tok string) string {
		if strings.HasPrefix(tok, "::") {
			return tok
		}
		v, ok := params[tok[1:]]
		if !ok {
			return tok
		}
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	})
}
