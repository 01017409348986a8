package access

import (
	"fmt"
	"strings"
)

type clause struct {
	key    string
	negate bool
	value  string
}

// Condition is a conjunction of equality tests over request attributes, e.g.
//
//	status == 'draft' and plant != "B"
type Condition struct {
	clauses []clause
}

// ParseCondition parses expr. An empty expression is the always-true condition.
func ParseCondition(expr string) (Condition, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Condition{}, nil
	}
	var c Condition
	for _, part := range splitAnd(expr) {
		cl, err := parseClause(part)
		if err != nil {
			return Condition{}, err
		}
		c.clauses = append(c.clauses, cl)
	}
	return c, nil
}

func splitAnd(expr string) []string {
	var parts []string
	var cur strings.Builder
	var quote rune
	runes := []rune(expr)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ' ' && i+5 <= len(runes) && strings.EqualFold(string(runes[i:i+5]), " and "):
			parts = append(parts, cur.String())
			cur.Reset()
			i += 4
			continue
		}
		cur.WriteRune(r)
	}
	return append(parts, cur.String())
}

func parseClause(s string) (clause, error) {
	s = strings.TrimSpace(s)
	op, negate := "==", false
	idx := strings.Index(s, "==")
	if ne := strings.Index(s, "!="); ne >= 0 && (idx < 0 || ne < idx) {
		idx, op, negate = ne, "!=", true
	}
	if idx < 0 {
		return clause{}, fmt.Errorf("%w: condition clause %q needs == or !=", ErrInvalidInput, s)
	}
	key := strings.TrimSpace(s[:idx])
	if !validKey(key) {
		return clause{}, fmt.Errorf("%w: condition key %q is not an identifier", ErrInvalidInput, key)
	}
	raw := strings.TrimSpace(s[idx+len(op):])
	value, err := unquote(raw)
	if err != nil {
		return clause{}, err
	}
	return clause{key: key, negate: negate, value: value}, nil
}

func validKey(k string) bool {
	if k == "" {
		return false
	}
	for _, r := range k {
		if !(r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

func unquote(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: condition value is missing", ErrInvalidInput)
	}
	if q := raw[0]; q == '\'' || q == '"' {
		if len(raw) < 2 || raw[len(raw)-1] != q {
			return "", fmt.Errorf("%w: unterminated quote in %q", ErrInvalidInput, raw)
		}
		inner := raw[1 : len(raw)-1]
		if strings.ContainsRune(inner, rune(q)) {
			return "", fmt.Errorf("%w: stray quote in %q", ErrInvalidInput, raw)
		}
		return inner, nil
	}
	if strings.ContainsAny(raw, " '\"=!") {
		return "", fmt.Errorf("%w: unquoted value %q must be a single word", ErrInvalidInput, raw)
	}
	return raw, nil
}

// Empty reports whether the condition has no clauses.
func (c Condition) Empty() bool { return len(c.clauses) == 0 }

// Eval tests the condition against attrs. known is false when an attribute the
// condition refers to is absent; holds is then false.
func (c Condition) Eval(attrs map[string]string) (holds, known bool) {
	for _, cl := range c.clauses {
		v, ok := attrs[cl.key]
		if !ok {
			return false, false
		}
		if (v == cl.value) == cl.negate {
			return false, true
		}
	}
	return true, true
}

// String renders the canonical form.
func (c Condition) String() string {
	parts := make([]string, len(c.clauses))
	for i, cl := range c.clauses {
		op := "=="
		if cl.negate {
			op = "!="
		}
		q := "'"
		if strings.Contains(cl.value, "'") {
			q = `"`
		}
		parts[i] = cl.key + " " + op + " " + q + cl.value + q
	}
	return strings.Join(parts, " and ")
}
