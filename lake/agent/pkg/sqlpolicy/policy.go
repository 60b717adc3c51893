// Package sqlpolicy validates generated SQL against a read-only allowlist.
// Validation is pure: identical input always yields an identical result.
package sqlpolicy

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// AllowedTables lists the only relations generated SQL may read from.
var AllowedTables = []string{
	"dim_product",
	"dim_territory",
	"dim_time",
	"fact_sales",
}

// AllowedColumns lists the columns exposed by the allowed tables.
var AllowedColumns = []string{
	// dim_product
	"product_id", "brand_name", "generic_name", "company_name",
	"therapeutic_area", "dosage_form", "launch_date", "is_active",
	// dim_territory
	"territory_id", "region", "district", "state",
	// dim_time
	"date", "year", "quarter", "month", "week", "day_of_week",
	"year_quarter", "year_month", "is_month_end",
	// fact_sales
	"id", "net_sales_usd", "units", "trx", "nrx",
}

// ForbiddenKeywords are rejected anywhere in the statement body, outside of
// comments and string literals. Order is significant: the first match wins.
var ForbiddenKeywords = []string{
	"INSERT", "UPDATE", "DELETE", "DROP", "ALTER", "TRUNCATE",
	"CREATE", "GRANT", "REVOKE", "EXEC", "EXECUTE", "CALL",
	"COPY", "VACUUM", "REINDEX", "CLUSTER", "COMMENT",
	"SET", "RESET", "BEGIN", "COMMIT", "ROLLBACK", "SAVEPOINT",
	"LOCK", "NOTIFY", "LISTEN", "UNLISTEN",
}

// Error messages.
const (
	ErrEmpty              = "Empty SQL."
	ErrNotSelect          = "SQL must start with SELECT or WITH."
	ErrMultipleStatements = "Multiple statements detected (semicolon in body)."
)

// ValidationResult is the outcome of validating one SQL string.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Error joins the validation errors the way they are reported to users.
func (r ValidationResult) Error() string {
	return strings.Join(r.Errors, "; ")
}

var (
	lineCommentRe  = regexp.MustCompile(`(?m)--.*$`)
	blockCommentRe = regexp.MustCompile(`(?s)/\*.*?\*/`)
	stringLitRe    = regexp.MustCompile(`'[^']*'`)
	relationKwRe   = regexp.MustCompile(`(?i)\b(FROM|JOIN)\b`)
	identRe        = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*`)
	aliasRe        = regexp.MustCompile(`(?i)^\s+(?:AS\s+)?[a-zA-Z_][a-zA-Z0-9_]*`)
	cteNameRe      = regexp.MustCompile(`(?i)\b([a-zA-Z_][a-zA-Z0-9_]*)\s+AS\s*(?:NOT\s+)?(?:MATERIALIZED\s+)?\(`)
	fromFuncRe     = regexp.MustCompile(`(?i)\b(?:EXTRACT|SUBSTRING|TRIM)\s*$`)
	distinctRe     = regexp.MustCompile(`(?i)\bDISTINCT\s*$`)

	keywordRes = func() map[string]*regexp.Regexp {
		m := make(map[string]*regexp.Regexp, len(ForbiddenKeywords))
		for _, kw := range ForbiddenKeywords {
			m[kw] = regexp.MustCompile(`\b` + kw + `\b`)
		}
		return m
	}()

	// Words that may follow FROM without naming a relation.
	notTables = map[string]bool{
		"select":          true,
		"lateral":         true,
		"unnest":          true,
		"generate_series": true,
	}
)

// Validate checks sql against the policy. Each rule contributes errors
// independently, except that empty input short-circuits.
func Validate(sql string) ValidationResult {
	normalized := strings.TrimSpace(sql)
	if normalized == "" {
		return ValidationResult{Valid: false, Errors: []string{ErrEmpty}}
	}

	var errs []string

	cleaned := strings.TrimSpace(strings.TrimRight(normalized, ";"))
	upper := strings.ToUpper(cleaned)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		errs = append(errs, ErrNotSelect)
	}

	body := stripCommentsAndStrings(cleaned)
	if strings.Contains(body, ";") {
		errs = append(errs, ErrMultipleStatements)
	}

	upperBody := strings.ToUpper(body)
	for _, kw := range ForbiddenKeywords {
		if keywordRes[kw].MatchString(upperBody) {
			errs = append(errs, "Forbidden keyword: "+kw)
			break
		}
	}

	for _, t := range referencedTables(body) {
		if !slices.Contains(AllowedTables, t) {
			errs = append(errs, "Table not allowed: "+t)
		}
	}

	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// ReferencedTables returns the lower-cased relations named after FROM or
// JOIN, including every item of a comma-separated FROM list, in
// first-appearance order. A CTE name is excluded only where it is referenced
// after the CTE's closing parenthesis.
func ReferencedTables(sql string) []string {
	return referencedTables(stripCommentsAndStrings(sql))
}

type relationRef struct {
	pos  int
	name string
}

func referencedTables(body string) []string {
	enclosing, closeOf := parens(body)
	ctes := cteScopes(body, closeOf)

	var refs []relationRef
	for _, kw := range relationKwRe.FindAllStringIndex(body, -1) {
		// FROM inside EXTRACT(f FROM x), SUBSTRING(s FROM n) or
		// TRIM(c FROM s) is an argument separator. A subquery argument
		// opens its own parenthesis and is scanned on its own.
		if open := enclosing[kw[0]]; open >= 0 && fromFuncRe.MatchString(body[:open]) {
			continue
		}
		if distinctRe.MatchString(body[:kw[0]]) {
			continue
		}
		refs = append(refs, fromList(body, kw[1], closeOf)...)
	}
	slices.SortStableFunc(refs, func(a, b relationRef) int { return a.pos - b.pos })

	var tables []string
	for _, r := range refs {
		if notTables[r.name] || slices.Contains(tables, r.name) {
			continue
		}
		if end, ok := ctes[r.name]; ok && r.pos > end {
			continue
		}
		tables = append(tables, r.name)
	}
	return tables
}

// fromList walks the relation list starting at pos: items separated by
// commas, each either a name or a parenthesised derived table, optionally
// followed by an alias.
func fromList(body string, pos int, closeOf map[int]int) []relationRef {
	var refs []relationRef
	for {
		pos = skipSpace(body, pos)
		if pos >= len(body) {
			return refs
		}
		if body[pos] == '(' {
			end, ok := closeOf[pos]
			if !ok {
				return refs
			}
			pos = end + 1
		} else {
			name := identRe.FindString(body[pos:])
			if name == "" {
				return refs
			}
			refs = append(refs, relationRef{pos: pos, name: strings.ToLower(name)})
			pos += len(name)
			// generate_series(...), unnest(...)
			if p := skipSpace(body, pos); p < len(body) && body[p] == '(' {
				end, ok := closeOf[p]
				if !ok {
					return refs
				}
				pos = end + 1
			}
		}
		if alias := aliasRe.FindString(body[pos:]); alias != "" {
			pos += len(alias)
		}
		pos = skipSpace(body, pos)
		if pos >= len(body) || body[pos] != ',' {
			return refs
		}
		pos++
	}
}

func skipSpace(s string, pos int) int {
	for pos < len(s) && (s[pos] == ' ' || s[pos] == '\t' || s[pos] == '\n' || s[pos] == '\r') {
		pos++
	}
	return pos
}

// parens returns, for each byte offset, the offset of the innermost
// unclosed '(' (or -1), and for each '(' the offset of its matching ')'.
func parens(body string) ([]int, map[int]int) {
	enclosing := make([]int, len(body))
	closeOf := make(map[int]int)
	var stack []int
	top := func() int {
		if len(stack) == 0 {
			return -1
		}
		return stack[len(stack)-1]
	}
	for i := 0; i < len(body); i++ {
		enclosing[i] = top()
		switch body[i] {
		case '(':
			stack = append(stack, i)
		case ')':
			if len(stack) > 0 {
				closeOf[stack[len(stack)-1]] = i
				stack = stack[:len(stack)-1]
			}
		}
	}
	return enclosing, closeOf
}

// cteScopes maps each CTE name to the offset of its body's closing
// parenthesis. References at or before that offset read the real relation.
func cteScopes(body string, closeOf map[int]int) map[string]int {
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(body)), "WITH") {
		return nil
	}
	scopes := make(map[string]int)
	for _, m := range cteNameRe.FindAllStringSubmatchIndex(body, -1) {
		end, ok := closeOf[m[1]-1]
		if !ok {
			continue
		}
		name := strings.ToLower(body[m[2]:m[3]])
		if prev, seen := scopes[name]; !seen || end < prev {
			scopes[name] = end
		}
	}
	return scopes
}

func stripCommentsAndStrings(sql string) string {
	sql = lineCommentRe.ReplaceAllString(sql, "")
	sql = blockCommentRe.ReplaceAllString(sql, "")
	return stringLitRe.ReplaceAllString(sql, "''")
}

// AllowlistSummary describes the policy for inclusion in prompts.
func AllowlistSummary() string {
	tables := slices.Clone(AllowedTables)
	slices.Sort(tables)
	return fmt.Sprintf(
		"Allowed tables: %s. Only SELECT statements are permitted. No DDL, DML, or multiple statements.",
		strings.Join(tables, ", "),
	)
}
