// Package filter implements the safe expression evaluator from spec.md
// §4.12: a small recursive-descent parser over a fixed grammar of Version
// fields and labels, never a general interpreter. Per the spec's own
// Design Note ("Filter DSL from a host-language subset... never eval;
// only the declared grammar is admitted"), this is hand-rolled rather than
// built on an expression-evaluator library — no such library appears
// anywhere in the retrieved corpus, and admitting one would reopen exactly
// the "arbitrary attribute access" hole the spec forbids.
package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benji-backup/benji/metadata"
)

// Expr is a parsed, evaluable filter expression.
type Expr interface {
	eval(v *metadata.Version) (value, error)
}

// Parse parses src against the grammar in spec.md §4.12:
//
//	expr    := or
//	or      := and ('or' and)*
//	and     := not ('and' not)*
//	not     := 'not' not | cmp
//	cmp     := primary ( ('==' | '!=' | '<' | '>' | '<=' | '>=' | 'like') primary )?
//	primary := 'True' | 'False' | INT | STR | IDENT | 'labels' '[' STR ']' | '(' expr ')'
func Parse(src string) (Expr, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("filter: unexpected token %q", p.peek().text)
	}
	return e, nil
}

// Match evaluates expr against v and reports whether it is truthy.
func Match(expr Expr, v *metadata.Version) (bool, error) {
	if expr == nil {
		return true, nil
	}
	val, err := expr.eval(v)
	if err != nil {
		return false, err
	}
	return val.truthy(), nil
}

// --- values ---------------------------------------------------------------

type valueKind int

const (
	kindBool valueKind = iota
	kindInt
	kindString
	kindTime
	kindAbsent // labels[name] reference to a missing label
)

type value struct {
	kind valueKind
	b    bool
	i    int64
	s    string
	t    time.Time
}

func (v value) truthy() bool {
	switch v.kind {
	case kindBool:
		return v.b
	case kindAbsent:
		return false
	case kindString:
		return v.s != ""
	case kindInt:
		return v.i != 0
	default:
		return true
	}
}

// --- known identifiers (spec.md §3's Version fields) -----------------------

var knownFields = map[string]bool{
	"uid": true, "date": true, "volume": true, "snapshot": true,
	"size": true, "block_size": true, "status": true, "protected": true,
	"storage": true, "bytes_read": true, "bytes_written": true,
	"bytes_deduplicated": true, "bytes_sparse": true, "duration": true,
}

func fieldValue(v *metadata.Version, name string) (value, error) {
	switch name {
	case "uid":
		return value{kind: kindString, s: v.UID}, nil
	case "date":
		return value{kind: kindTime, t: v.Date}, nil
	case "volume":
		return value{kind: kindString, s: v.Volume}, nil
	case "snapshot":
		return value{kind: kindString, s: v.Snapshot}, nil
	case "size":
		return value{kind: kindInt, i: v.Size}, nil
	case "block_size":
		return value{kind: kindInt, i: v.BlockSize}, nil
	case "status":
		return value{kind: kindString, s: string(v.Status)}, nil
	case "protected":
		return value{kind: kindBool, b: v.Protected}, nil
	case "storage":
		return value{kind: kindString, s: v.Storage}, nil
	case "bytes_read":
		return value{kind: kindInt, i: v.BytesRead}, nil
	case "bytes_written":
		return value{kind: kindInt, i: v.BytesWritten}, nil
	case "bytes_deduplicated":
		return value{kind: kindInt, i: v.BytesDeduplicated}, nil
	case "bytes_sparse":
		return value{kind: kindInt, i: v.BytesSparse}, nil
	case "duration":
		return value{kind: kindInt, i: int64(v.Duration.Seconds())}, nil
	default:
		return value{}, fmt.Errorf("filter: unknown identifier %q", name)
	}
}

// --- AST nodes --------------------------------------------------------------

type litBool bool
type litInt int64
type litString string

func (l litBool) eval(*metadata.Version) (value, error)   { return value{kind: kindBool, b: bool(l)}, nil }
func (l litInt) eval(*metadata.Version) (value, error)    { return value{kind: kindInt, i: int64(l)}, nil }
func (l litString) eval(*metadata.Version) (value, error) { return value{kind: kindString, s: string(l)}, nil }

type identExpr string

func (id identExpr) eval(v *metadata.Version) (value, error) { return fieldValue(v, string(id)) }

type labelExpr string

func (l labelExpr) eval(v *metadata.Version) (value, error) {
	if val, ok := v.Labels[string(l)]; ok {
		return value{kind: kindString, s: val}, nil
	}
	return value{kind: kindAbsent}, nil
}

type notExpr struct{ x Expr }

func (n notExpr) eval(v *metadata.Version) (value, error) {
	val, err := n.x.eval(v)
	if err != nil {
		return value{}, err
	}
	return value{kind: kindBool, b: !val.truthy()}, nil
}

type boolOp struct {
	and       bool
	lhs, rhs  Expr
}

func (b boolOp) eval(v *metadata.Version) (value, error) {
	l, err := b.lhs.eval(v)
	if err != nil {
		return value{}, err
	}
	if b.and && !l.truthy() {
		return value{kind: kindBool, b: false}, nil
	}
	if !b.and && l.truthy() {
		return value{kind: kindBool, b: true}, nil
	}
	r, err := b.rhs.eval(v)
	if err != nil {
		return value{}, err
	}
	return value{kind: kindBool, b: r.truthy()}, nil
}

type cmpOp struct {
	op       string
	lhs, rhs Expr
}

func (c cmpOp) eval(v *metadata.Version) (value, error) {
	l, err := c.lhs.eval(v)
	if err != nil {
		return value{}, err
	}
	r, err := c.rhs.eval(v)
	if err != nil {
		return value{}, err
	}
	result, err := compare(c.op, l, r)
	if err != nil {
		return value{}, err
	}
	return value{kind: kindBool, b: result}, nil
}

func compare(op string, l, r value) (bool, error) {
	if op == "like" {
		return likeMatch(toString(l), toString(r)), nil
	}
	// Coerce a time comparison if either side is a time.Time (date
	// comparisons coerce to UTC per spec.md §4.12).
	if l.kind == kindTime || r.kind == kindTime {
		lt, err := toTime(l)
		if err != nil {
			return false, err
		}
		rt, err := toTime(r)
		if err != nil {
			return false, err
		}
		return compareOrdered(op, lt.UTC().UnixNano(), rt.UTC().UnixNano())
	}
	if l.kind == kindInt && r.kind == kindInt {
		return compareOrdered(op, l.i, r.i)
	}
	ls, rs := toString(l), toString(r)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	default:
		return compareOrdered(op, ls, rs)
	}
}

func compareOrdered[T int64 | string](op string, l, r T) (bool, error) {
	switch op {
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	default:
		return false, fmt.Errorf("filter: unsupported operator %q", op)
	}
}

func toString(v value) string {
	switch v.kind {
	case kindString:
		return v.s
	case kindBool:
		if v.b {
			return "True"
		}
		return "False"
	case kindInt:
		return strconv.FormatInt(v.i, 10)
	case kindTime:
		return v.t.UTC().Format(time.RFC3339Nano)
	default:
		return ""
	}
}

func toTime(v value) (time.Time, error) {
	switch v.kind {
	case kindTime:
		return v.t, nil
	case kindString:
		return ParseDate(v.s)
	default:
		return time.Time{}, fmt.Errorf("filter: cannot compare %v as a date", v)
	}
}

// likeMatch implements SQL LIKE's "%" wildcard (spec.md §4.12: "like uses
// SQL % wildcards"); "_" single-char wildcards are not used by Benji's
// filter surface and are treated literally.
func likeMatch(s, pattern string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return s == pattern
	}
	if !strings.HasPrefix(s, parts[0]) {
		return false
	}
	s = s[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(s, parts[i])
		if idx < 0 {
			return false
		}
		s = s[idx+len(parts[i]):]
	}
	last := parts[len(parts)-1]
	return strings.HasSuffix(s, last)
}
