package engine

import (
	"fmt"
	"regexp"
	"strings"
)

// identRe guards every name that is spliced into SQL text (relations,
// aliases, output columns). Values never travel this path; they are bound.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validIdent(s string) bool {
	return identRe.MatchString(s)
}

// compileAggregate renders an AggregateSpec into one parameterized SELECT.
// The ORDER BY over all grouping keys (ascending, binary collation) is what
// makes aggregate results — and therefore exports — deterministic.
func compileAggregate(spec AggregateSpec) (string, []any, error) {
	if !validIdent(spec.Name) {
		return "", nil, fmt.Errorf("invalid aggregate name %q", spec.Name)
	}
	if len(spec.Metrics) == 0 {
		return "", nil, fmt.Errorf("aggregate %s: at least one metric required", spec.Name)
	}

	var cols []string
	for _, d := range spec.Dims {
		if !validIdent(d.As) {
			return "", nil, fmt.Errorf("aggregate %s: invalid dimension alias %q", spec.Name, d.As)
		}
		cols = append(cols, d.Expr+" AS "+d.As)
	}
	for _, m := range spec.Metrics {
		if !validIdent(m.As) {
			return "", nil, fmt.Errorf("aggregate %s: invalid metric alias %q", spec.Name, m.As)
		}
		cols = append(cols, m.Expr+" AS "+m.As)
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(cols, ", "))

	args, err := writeFromWhere(&b, spec.View, spec.Name)
	if err != nil {
		return "", nil, err
	}

	if len(spec.Dims) > 0 {
		var keys, order []string
		for _, d := range spec.Dims {
			keys = append(keys, d.As)
			order = append(order, d.As+" COLLATE BINARY ASC")
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(strings.Join(keys, ", "))
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(order, ", "))
	}

	return b.String(), args, nil
}

// compileCount renders a COUNT(*) over a view.
func compileCount(v View, name string) (string, []any, error) {
	var b strings.Builder
	b.WriteString("SELECT COUNT(*)")
	args, err := writeFromWhere(&b, v, name)
	if err != nil {
		return "", nil, err
	}
	return b.String(), args, nil
}

// tripColumns is the canonical projection returned by row-level reads.
const tripColumns = "id, pickup_at, dropoff_at, pickup_zone, dropoff_zone, distance_mi, " +
	"fare, tip, surcharge, total, passengers, vendor_id, cab_type, period, source"

// compileSample renders the deterministic sampling read: the canonical
// columns of one period's rows passing the seeded hash predicate.
func compileSample(v View, name string) (string, []any, error) {
	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(tripColumns)
	args, err := writeFromWhere(&b, v, name)
	if err != nil {
		return "", nil, err
	}
	b.WriteString(" ORDER BY id ASC")
	return b.String(), args, nil
}

func writeFromWhere(b *strings.Builder, v View, name string) ([]any, error) {
	if !validIdent(v.from) {
		return nil, fmt.Errorf("query %s: invalid relation name %q", name, v.from)
	}

	b.WriteString(" FROM ")
	b.WriteString(v.from)
	b.WriteString(" AS t")

	for _, j := range v.joins {
		if !validIdent(j.table) || !validIdent(j.alias) {
			return nil, fmt.Errorf("query %s: invalid join %q AS %q", name, j.table, j.alias)
		}
		b.WriteString(" JOIN ")
		b.WriteString(j.table)
		b.WriteString(" AS ")
		b.WriteString(j.alias)
		b.WriteString(" ON ")
		b.WriteString(j.on)
	}

	var args []any
	if len(v.preds) > 0 {
		var conds []string
		for _, p := range v.preds {
			conds = append(conds, "("+p.Expr+")")
			args = append(args, p.Args...)
		}
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	return args, nil
}

// samplePredicate is the seeded reproducible row filter. SQLite's random()
// cannot be seeded, so sampling hashes the rowid with a fixed multiplier:
// identical (store, fraction, seed) inputs always select identical rows.
func samplePredicate(fraction float64, seed int64) Predicate {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	threshold := int64(fraction * 1e6)
	return Expr("((t.id * 2654435761 + ?) % 1000000) < ?", normalizeSeed(seed), threshold)
}

// normalizeSeed keeps the bound seed in a range that cannot overflow the
// hash arithmetic in 64-bit integer math.
func normalizeSeed(seed int64) int64 {
	if seed < 0 {
		seed = -seed
	}
	return seed % (1 << 31)
}
