package engine

import (
	"fmt"
	"strings"
)

// View is a lazy relational input: a base table or installed view plus
// conjunctive predicates and equi-joins. Nothing executes until the view is
// handed to the engine inside an AggregateSpec, Count, or Sample call.
// Views are values; Filter and Join return copies.
type View struct {
	from  string
	preds []Predicate
	joins []joinClause
}

type joinClause struct {
	table string
	alias string
	on    string
}

// NewView names a base relation. The relation is aliased "t" in compiled SQL.
func NewView(from string) View {
	return View{from: from}
}

// Filter appends predicates; they apply only when the view executes.
func (v View) Filter(preds ...Predicate) View {
	nv := v
	nv.preds = append(append([]Predicate{}, v.preds...), preds...)
	nv.joins = append([]joinClause{}, v.joins...)
	return nv
}

// Join adds an equi-join against another relation. leftCol is written from
// the caller's side (qualified, e.g. "t.pickup_zone"); rightCol is a column
// of the joined relation.
func (v View) Join(table, alias, leftCol, rightCol string) View {
	nv := v
	nv.preds = append([]Predicate{}, v.preds...)
	nv.joins = append(append([]joinClause{}, v.joins...), joinClause{
		table: table,
		alias: alias,
		on:    fmt.Sprintf("%s = %s.%s", leftCol, alias, rightCol),
	})
	return nv
}

// From returns the base relation name.
func (v View) From() string {
	return v.from
}

// Predicate is one conjunct of a WHERE clause. Values are always bound
// parameters; the expression text comes from package-internal constructors
// or fixed caller constants, never external input.
type Predicate struct {
	Expr string
	Args []any
}

// Eq compares a column to a bound value.
func Eq(col string, v any) Predicate {
	return Predicate{Expr: col + " = ?", Args: []any{v}}
}

// Gt is a strict greater-than comparison.
func Gt(col string, v any) Predicate {
	return Predicate{Expr: col + " > ?", Args: []any{v}}
}

// Gte is a greater-or-equal comparison.
func Gte(col string, v any) Predicate {
	return Predicate{Expr: col + " >= ?", Args: []any{v}}
}

// Lt is a strict less-than comparison.
func Lt(col string, v any) Predicate {
	return Predicate{Expr: col + " < ?", Args: []any{v}}
}

// Between bounds a column to [lo, hi].
func Between(col string, lo, hi any) Predicate {
	return Predicate{Expr: col + " BETWEEN ? AND ?", Args: []any{lo, hi}}
}

// In matches a column against a bound value list.
func In(col string, vals ...any) Predicate {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")
	return Predicate{Expr: col + " IN (" + placeholders + ")", Args: vals}
}

// Expr wraps a fixed SQL fragment with bound arguments, for conditions the
// simple constructors cannot express (derived durations, CASE tests).
func Expr(expr string, args ...any) Predicate {
	return Predicate{Expr: expr, Args: args}
}

// Dimension is one grouping key of an aggregation: an expression and the
// output column it is exposed as.
type Dimension struct {
	Expr string
	As   string
}

// Dim builds a Dimension.
func Dim(expr, as string) Dimension {
	return Dimension{Expr: expr, As: as}
}

// Metric is one aggregated output column.
type Metric struct {
	Expr string
	As   string
}

// CountAll counts grouped rows.
func CountAll(as string) Metric {
	return Metric{Expr: "COUNT(*)", As: as}
}

// Sum aggregates an expression by summation.
func Sum(expr, as string) Metric {
	return Metric{Expr: "SUM(" + expr + ")", As: as}
}

// Avg aggregates an expression by arithmetic mean.
func Avg(expr, as string) Metric {
	return Metric{Expr: "AVG(" + expr + ")", As: as}
}

// Min aggregates an expression by minimum.
func Min(expr, as string) Metric {
	return Metric{Expr: "MIN(" + expr + ")", As: as}
}

// Max aggregates an expression by maximum.
func Max(expr, as string) Metric {
	return Metric{Expr: "MAX(" + expr + ")", As: as}
}

// AggregateSpec is a complete grouped query: the plan value each stage builds
// and hands to the engine for exactly one execution. Dims may be empty for
// whole-relation aggregates. Row order is deterministic: grouping keys
// ascending with binary collation.
type AggregateSpec struct {
	Name    string
	View    View
	Dims    []Dimension
	Metrics []Metric
}
