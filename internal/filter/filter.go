// Package filter defines the filter tree accepted by Find: field comparisons,
// regular-expression matches and their NOT/AND/OR compositions.
//
// A field the document does not carry compares as null, so every comparison
// is total and a negated comparison is exactly the inverted comparison.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/S0me0neR0man/ourfiles/internal/objects"
)

// Filter is a node of a filter tree.
type Filter interface {
	fmt.Stringer
	// Eval reports whether doc satisfies the filter.
	Eval(doc *objects.Document) bool
}

// Op is a comparison operator.
type Op int

const (
	OpEqual Op = iota
	OpNotEqual
	OpGreater
	OpGreaterOrEqual
	OpLesser
	OpLesserOrEqual
)

var opSymbols = [...]string{"=", "<>", ">", ">=", "<", "<="}

func (o Op) String() string { return opSymbols[o] }

// inverse returns the operator equivalent to NOT o.
func (o Op) inverse() Op {
	switch o {
	case OpEqual:
		return OpNotEqual
	case OpNotEqual:
		return OpEqual
	case OpGreater:
		return OpLesserOrEqual
	case OpGreaterOrEqual:
		return OpLesser
	case OpLesser:
		return OpGreaterOrEqual
	default:
		return OpGreater
	}
}

func (o Op) holds(c int) bool {
	switch o {
	case OpEqual:
		return c == 0
	case OpNotEqual:
		return c != 0
	case OpGreater:
		return c > 0
	case OpGreaterOrEqual:
		return c >= 0
	case OpLesser:
		return c < 0
	default:
		return c <= 0
	}
}

// Compare is a comparison between a field and a constant.
type Compare struct {
	Field string
	Op    Op
	Value any
}

func (c *Compare) Eval(doc *objects.Document) bool {
	v, _ := doc.Get(c.Field)
	return c.Op.holds(objects.Compare(v, c.Value))
}

func (c *Compare) String() string {
	if s, ok := c.Value.(string); ok {
		return fmt.Sprintf("%s%s%q", c.Field, c.Op, s)
	}
	return fmt.Sprintf("%s%s%v", c.Field, c.Op, c.Value)
}

func compare(field string, op Op, value any) *Compare {
	v, err := objects.Normalize(value)
	if err != nil {
		v = fmt.Sprint(value)
	}
	return &Compare{Field: field, Op: op, Value: v}
}

// FieldEqualTo matches documents whose field equals value.
func FieldEqualTo(field string, value any) *Compare { return compare(field, OpEqual, value) }

// FieldNotEqualTo matches documents whose field differs from value.
func FieldNotEqualTo(field string, value any) *Compare { return compare(field, OpNotEqual, value) }

// FieldGreaterThan matches documents whose field is greater than value.
func FieldGreaterThan(field string, value any) *Compare { return compare(field, OpGreater, value) }

// FieldGreaterOrEqualTo matches documents whose field is at least value.
func FieldGreaterOrEqualTo(field string, value any) *Compare {
	return compare(field, OpGreaterOrEqual, value)
}

// FieldLesserThan matches documents whose field is less than value.
func FieldLesserThan(field string, value any) *Compare { return compare(field, OpLesser, value) }

// FieldLesserOrEqualTo matches documents whose field is at most value.
func FieldLesserOrEqualTo(field string, value any) *Compare {
	return compare(field, OpLesserOrEqual, value)
}

// Like matches string fields whose whole value matches a regular expression.
type Like struct {
	Field   string
	Pattern string
	re      *regexp.Regexp
}

// FieldLikeRegex builds a regular expression filter.
func FieldLikeRegex(field, pattern string) (*Like, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, errors.Wrapf(err, "field %s pattern %q", field, pattern)
	}
	return &Like{Field: field, Pattern: pattern, re: re}, nil
}

// MustFieldLikeRegex is FieldLikeRegex for patterns known to be valid.
func MustFieldLikeRegex(field, pattern string) *Like {
	l, err := FieldLikeRegex(field, pattern)
	if err != nil {
		panic(err)
	}
	return l
}

func (l *Like) Eval(doc *objects.Document) bool {
	v, _ := doc.Get(l.Field)
	s, ok := v.(string)
	return ok && l.re.MatchString(s)
}

func (l *Like) String() string { return fmt.Sprintf("%s LIKE /%s/", l.Field, l.Pattern) }

// Prefix returns the literal prefix every match starts with.
func (l *Like) Prefix() string {
	re, err := regexp.Compile(l.Pattern)
	if err != nil {
		return ""
	}
	p, _ := re.LiteralPrefix()
	return p
}

// Not negates a filter.
type Not struct {
	Filter Filter
}

func (n *Not) Eval(doc *objects.Document) bool { return !n.Filter.Eval(doc) }
func (n *Not) String() string                  { return "NOT (" + n.Filter.String() + ")" }

// And matches when every operand matches; an empty And matches everything.
type And []Filter

func (a And) Eval(doc *objects.Document) bool {
	for _, f := range a {
		if !f.Eval(doc) {
			return false
		}
	}
	return true
}

func (a And) String() string { return join([]Filter(a), " AND ") }

// Or matches when any operand matches; an empty Or matches nothing.
type Or []Filter

func (o Or) Eval(doc *objects.Document) bool {
	for _, f := range o {
		if f.Eval(doc) {
			return true
		}
	}
	return false
}

func (o Or) String() string { return join([]Filter(o), " OR ") }

func join(fs []Filter, sep string) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		parts[i] = f.String()
	}
	return "(" + strings.Join(parts, sep) + ")"
}

// Matches evaluates f, treating a nil filter as match-all.
func Matches(f Filter, doc *objects.Document) bool {
	return f == nil || f.Eval(doc)
}
