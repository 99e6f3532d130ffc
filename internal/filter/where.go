package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/vburojevic/traced/internal/domain"
)

// WhereClause represents a parsed --where condition
type WhereClause struct {
	Field    string
	Operator string
	Value    string
	regex    *regexp.Regexp // Compiled regex for ~ and !~ operators
}

// numericFields compare as integers under >= and <=
var numericFields = map[string]bool{
	"id":          true,
	"uid":         true,
	"score":       true,
	"buffers":     true,
	"sources":     true,
	"cloned_from": true,
	"duration_ms": true,
}

// ParseWhereClause parses a where clause like "state=started" or "name~nightly"
// Supported operators: =, !=, ~, !~, >=, <=, ^, $
func ParseWhereClause(clause string) (*WhereClause, error) {
	// Try operators in order of length (longest first to avoid partial matches)
	operators := []string{"!~", ">=", "<=", "!=", "~", "=", "^", "$"}

	for _, op := range operators {
		idx := strings.Index(clause, op)
		if idx > 0 {
			field := strings.ToLower(strings.TrimSpace(clause[:idx]))
			value := strings.TrimSpace(clause[idx+len(op):])

			if field == "" || value == "" {
				return nil, fmt.Errorf("invalid where clause: %s", clause)
			}
			if !knownField(field) {
				return nil, fmt.Errorf("unknown field %q in where clause (fields: %s)", field, strings.Join(Fields, ", "))
			}

			wc := &WhereClause{
				Field:    field,
				Operator: op,
				Value:    value,
			}

			switch op {
			case "~", "!~":
				re, err := regexp.Compile(value)
				if err != nil {
					return nil, fmt.Errorf("invalid regex in where clause '%s': %w", clause, err)
				}
				wc.regex = re
			case ">=", "<=":
				if !numericFields[field] {
					return nil, fmt.Errorf("field %q does not support %s", field, op)
				}
				if _, err := strconv.ParseInt(value, 10, 64); err != nil {
					return nil, fmt.Errorf("where clause '%s' needs a number", clause)
				}
			}

			return wc, nil
		}
	}

	return nil, fmt.Errorf("no valid operator found in where clause: %s (use =, !=, ~, !~, >=, <=, ^, $)", clause)
}

// Fields lists the session fields a where clause can address
var Fields = []string{"id", "uuid", "uid", "state", "name", "score", "buffers", "sources", "cloned_from", "duration_ms", "error"}

func knownField(field string) bool {
	for _, f := range Fields {
		if f == field {
			return true
		}
	}
	return false
}

// Match checks if a session matches this where clause
func (wc *WhereClause) Match(info *domain.SessionInfo) bool {
	fieldValue := wc.getFieldValue(info)

	switch wc.Operator {
	case "=":
		return strings.EqualFold(fieldValue, wc.Value)
	case "!=":
		return !strings.EqualFold(fieldValue, wc.Value)
	case "~":
		return wc.regex.MatchString(fieldValue)
	case "!~":
		return !wc.regex.MatchString(fieldValue)
	case "^":
		return strings.HasPrefix(fieldValue, wc.Value)
	case "$":
		return strings.HasSuffix(fieldValue, wc.Value)
	case ">=", "<=":
		return wc.compare(fieldValue)
	}

	return false
}

// getFieldValue extracts the field value from a session summary
func (wc *WhereClause) getFieldValue(info *domain.SessionInfo) string {
	switch wc.Field {
	case "id":
		return strconv.FormatUint(uint64(info.ID), 10)
	case "uuid":
		return info.UUID
	case "uid":
		return strconv.Itoa(info.OwnerUID)
	case "state":
		return info.State
	case "name":
		return info.UniqueSessionName
	case "score":
		return strconv.Itoa(int(info.BugreportScore))
	case "buffers":
		return strconv.Itoa(len(info.Buffers))
	case "sources":
		return strconv.Itoa(info.DataSources)
	case "cloned_from":
		return strconv.FormatUint(uint64(info.ClonedFrom), 10)
	case "duration_ms":
		return strconv.FormatUint(uint64(info.DurationMs), 10)
	case "error":
		return info.LastError
	default:
		return ""
	}
}

// compare handles >= and <= on numeric fields
func (wc *WhereClause) compare(fieldValue string) bool {
	got, err := strconv.ParseInt(fieldValue, 10, 64)
	if err != nil {
		return false
	}
	want, _ := strconv.ParseInt(wc.Value, 10, 64)
	if wc.Operator == ">=" {
		return got >= want
	}
	return got <= want
}

// WhereFilter is a filter that applies multiple where clauses (AND logic)
type WhereFilter struct {
	clauses []*WhereClause
}

// NewWhereFilter creates a filter from multiple where clause strings
func NewWhereFilter(whereClauses []string) (*WhereFilter, error) {
	if len(whereClauses) == 0 {
		return nil, nil
	}

	filter := &WhereFilter{}
	for _, clause := range whereClauses {
		wc, err := ParseWhereClause(clause)
		if err != nil {
			return nil, err
		}
		filter.clauses = append(filter.clauses, wc)
	}

	return filter, nil
}

// Match returns true if the session matches ALL where clauses (AND logic).
// A nil filter matches everything.
func (f *WhereFilter) Match(info *domain.SessionInfo) bool {
	if f == nil {
		return true
	}
	for _, clause := range f.clauses {
		if !clause.Match(info) {
			return false
		}
	}
	return true
}
