package filter

import (
	"github.com/S0me0neR0man/ourfiles/internal/objects"
)

// Normalize rewrites f so that negations only wrap regular expression
// matches, nested conjunctions and disjunctions are flattened and
// single-operand groups are collapsed. The result matches exactly the same
// documents as f.
func Normalize(f Filter) Filter {
	return normalize(f, false)
}

func normalize(f Filter, negate bool) Filter {
	switch x := f.(type) {
	case nil:
		if negate {
			return Or{}
		}
		return nil
	case *Compare:
		if negate {
			return &Compare{Field: x.Field, Op: x.Op.inverse(), Value: x.Value}
		}
		return x
	case *Like:
		if negate {
			return &Not{Filter: x}
		}
		return x
	case *Not:
		return normalize(x.Filter, !negate)
	case And:
		ops := normalizeAll([]Filter(x), negate)
		if negate {
			return flatten(Or(ops))
		}
		return flatten(And(ops))
	case Or:
		ops := normalizeAll([]Filter(x), negate)
		if negate {
			return flatten(And(ops))
		}
		return flatten(Or(ops))
	}
	if negate {
		return &Not{Filter: f}
	}
	return f
}

func normalizeAll(fs []Filter, negate bool) []Filter {
	out := make([]Filter, 0, len(fs))
	for _, f := range fs {
		if f == nil {
			f = And{}
		}
		out = append(out, normalize(f, negate))
	}
	return out
}

func flatten(f Filter) Filter {
	switch x := f.(type) {
	case And:
		var out And
		for _, op := range x {
			if inner, ok := op.(And); ok {
				out = append(out, inner...)
			} else {
				out = append(out, op)
			}
		}
		if len(out) == 1 {
			return out[0]
		}
		if out == nil {
			return And{}
		}
		return out
	case Or:
		var out Or
		for _, op := range x {
			if inner, ok := op.(Or); ok {
				out = append(out, inner...)
			} else {
				out = append(out, op)
			}
		}
		if len(out) == 1 {
			return out[0]
		}
		if out == nil {
			return Or{}
		}
		return out
	}
	return f
}

// Bound is one end of a value range.
type Bound struct {
	Value     any
	Inclusive bool
}

// Range is the set of values a field may take for a filter to match. A nil
// end is unbounded. Prefix, when set, restricts string values to those
// starting with it.
type Range struct {
	Lower  *Bound
	Upper  *Bound
	Prefix *string
}

// Bounded reports whether the range restricts the field at all.
func (r Range) Bounded() bool {
	return r.Lower != nil || r.Upper != nil || r.Prefix != nil
}

// Empty reports whether no value can fall in the range.
func (r Range) Empty() bool {
	if r.Lower == nil || r.Upper == nil {
		return false
	}
	c := objects.Compare(r.Lower.Value, r.Upper.Value)
	return c > 0 || (c == 0 && !(r.Lower.Inclusive && r.Upper.Inclusive))
}

// Bounds derives the range of field implied by a normalized filter. Only
// comparisons reachable through conjunctions contribute; anything else
// leaves the range unbounded, which is always safe.
func Bounds(f Filter, field string) Range {
	var r Range
	switch x := f.(type) {
	case *Compare:
		if x.Field != field {
			break
		}
		b := &Bound{Value: x.Value, Inclusive: true}
		switch x.Op {
		case OpEqual:
			r.Lower, r.Upper = b, &Bound{Value: x.Value, Inclusive: true}
		case OpGreater:
			b.Inclusive = false
			r.Lower = b
		case OpGreaterOrEqual:
			r.Lower = b
		case OpLesser:
			b.Inclusive = false
			r.Upper = b
		case OpLesserOrEqual:
			r.Upper = b
		}
	case *Like:
		if x.Field == field {
			if p := x.Prefix(); p != "" {
				r.Prefix = &p
			}
		}
	case And:
		for _, op := range x {
			r = r.intersect(Bounds(op, field))
		}
	}
	return r
}

func (r Range) intersect(o Range) Range {
	if o.Lower != nil {
		if r.Lower == nil {
			r.Lower = o.Lower
		} else if c := objects.Compare(o.Lower.Value, r.Lower.Value); c > 0 || (c == 0 && !o.Lower.Inclusive) {
			r.Lower = o.Lower
		}
	}
	if o.Upper != nil {
		if r.Upper == nil {
			r.Upper = o.Upper
		} else if c := objects.Compare(o.Upper.Value, r.Upper.Value); c < 0 || (c == 0 && !o.Upper.Inclusive) {
			r.Upper = o.Upper
		}
	}
	if o.Prefix != nil && (r.Prefix == nil || len(*o.Prefix) > len(*r.Prefix)) {
		r.Prefix = o.Prefix
	}
	return r
}

// Fields returns the names of every field the filter refers to.
func Fields(f Filter) []string {
	seen := map[string]bool{}
	var out []string
	var visit func(Filter)
	visit = func(f Filter) {
		var name string
		switch x := f.(type) {
		case *Compare:
			name = x.Field
		case *Like:
			name = x.Field
		case *Not:
			visit(x.Filter)
		case And:
			for _, op := range x {
				visit(op)
			}
		case Or:
			for _, op := range x {
				visit(op)
			}
		}
		if name != "" && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	visit(f)
	return out
}
