package storage

import (
	"strconv"
	"strings"
)

// Conditions accumulates SQL WHERE clauses and their arguments for one
// placeholder dialect.
type Conditions struct {
	placeholder func(n int) string
	clauses     []string
	Args        []any
}

// NewConditions returns an empty Conditions using placeholder to render
// the n-th (1-based) argument marker.
func NewConditions(placeholder func(n int) string) *Conditions {
	return &Conditions{placeholder: placeholder}
}

// DollarPlaceholder renders PostgreSQL-style markers ($1, $2, ...).
func DollarPlaceholder(n int) string { return "$" + strconv.Itoa(n) }

// QuestionPlaceholder renders SQLite-style markers.
func QuestionPlaceholder(int) string { return "?" }

// Arg registers arg and returns its marker.
func (c *Conditions) Arg(arg any) string {
	c.Args = append(c.Args, arg)
	return c.placeholder(len(c.Args))
}

// Add appends a clause in which every "?" is replaced by the marker of arg.
func (c *Conditions) Add(clause string, arg any) {
	c.clauses = append(c.clauses, strings.ReplaceAll(clause, "?", c.Arg(arg)))
}

// AddRaw appends a clause without arguments.
func (c *Conditions) AddRaw(clause string) {
	c.clauses = append(c.clauses, clause)
}

// Where renders the WHERE clause, or "" when no condition was added.
func (c *Conditions) Where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}
