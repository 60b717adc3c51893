package warehouse

import (
	"errors"
	"regexp"
	"strings"
)

// PolicyError is raised before execution when SQL fails the policy check.
// It is never repairable by the workflow.
type PolicyError struct {
	Errors []string
}

func (e *PolicyError) Error() string {
	return "SQL policy violation: " + strings.Join(e.Errors, "; ")
}

// DBError is an error reported by the warehouse while running a query.
type DBError struct {
	Message string
	Code    string
	Err     error
}

func (e *DBError) Error() string {
	return "Database error: " + e.Message
}

func (e *DBError) Unwrap() error {
	return e.Err
}

// ErrorRule maps a database error message pattern to a short label.
type ErrorRule struct {
	Pattern    *regexp.Regexp
	Label      string
	Repairable bool
}

// ErrorPolicy classifies query errors for the repair loop. Rules are
// evaluated in order; the first match wins.
type ErrorPolicy struct {
	Rules   []ErrorRule
	Default string
}

// Label returns a short human-readable reason for msg.
func (p ErrorPolicy) Label(msg string) string {
	if r, ok := p.match(msg); ok {
		return r.Label
	}
	return p.Default
}

// Repairable reports whether err is a database error whose message suggests
// the query itself is wrong and an LLM fix could succeed.
func (p ErrorPolicy) Repairable(err error) bool {
	var dbErr *DBError
	if !errors.As(err, &dbErr) {
		return false
	}
	r, ok := p.match(dbErr.Message)
	return ok && r.Repairable
}

func (p ErrorPolicy) match(msg string) (ErrorRule, bool) {
	for _, r := range p.Rules {
		if r.Pattern.MatchString(msg) {
			return r, true
		}
	}
	return ErrorRule{}, false
}

func rule(pattern, label string) ErrorRule {
	return ErrorRule{Pattern: regexp.MustCompile(`(?i)` + pattern), Label: label, Repairable: true}
}

// PostgresErrors classifies PostgreSQL error messages.
var PostgresErrors = ErrorPolicy{
	Rules: []ErrorRule{
		rule(`column .+ does not exist`, "unknown column"),
		rule(`undefined column`, "unknown column"),
		rule(`relation .+ does not exist`, "undefined table"),
		rule(`undefined table`, "undefined table"),
		rule(`ambiguous column`, "ambiguous column"),
		rule(`syntax error`, "syntax error"),
		rule(`missing FROM-clause entry`, "missing FROM clause"),
		rule(`invalid input syntax`, "invalid syntax"),
		rule(`operator does not exist`, "operator mismatch"),
		rule(`must appear in the GROUP BY`, "GROUP BY required"),
	},
	Default: "query error",
}

// ClickHouseErrors classifies ClickHouse exception messages.
var ClickHouseErrors = ErrorPolicy{
	Rules: []ErrorRule{
		rule(`missing columns|unknown (expression )?identifier|UNKNOWN_IDENTIFIER`, "unknown column"),
		rule(`table .+ does not exist|table .+ doesn't exist|UNKNOWN_TABLE`, "undefined table"),
		rule(`ambiguous column|AMBIGUOUS_`, "ambiguous column"),
		rule(`syntax error|SYNTAX_ERROR`, "syntax error"),
		rule(`cannot parse|CANNOT_PARSE`, "invalid syntax"),
		rule(`no common type|illegal type of argument|NO_COMMON_TYPE|ILLEGAL_TYPE_OF_ARGUMENT`, "operator mismatch"),
		rule(`not under aggregate function|NOT_AN_AGGREGATE`, "GROUP BY required"),
	},
	Default: "query error",
}
