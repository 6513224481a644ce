package cas

import "github.com/coreshard/coreshard/internal/base"

// ResultRow marks one row as belonging to the CAS result set (the rows a
// client sees echoed back alongside the applied=true/false flag).
type ResultRow struct {
	Key      base.ClusteringKey
	IsStatic bool
}

// AppliesTo implements cas_request::applies_to: for every statement that
// carries a condition, find its target row in prefetch, mark it into the
// result set if found, and test its conditions. Once any condition has
// failed, later conditions are no longer evaluated, but every statement's
// row is still visited and marked, so the result set always reflects the
// full batch. If a static-column condition exists anywhere in the batch
// and nothing else got marked, the static row is marked too (spec §8
// scenario 6).
func AppliesTo(schema *base.Schema, updates []RowUpdate, prefetch *Prefetch) (bool, []ResultRow) {
	applies := true
	var result []ResultRow
	hasStaticCondition := false

	for _, u := range updates {
		if !u.hasConditions() {
			continue
		}
		if u.hasStaticCondition() {
			hasStaticCondition = true
		}

		rowKey := u.conditionRowKey()
		row, found := prefetch.RowFound(schema, rowKey)
		if found {
			result = append(result, ResultRow{Key: rowKey, IsStatic: rowKey.IsEmpty()})
		}

		if !applies {
			// Already failed a previous statement's condition; keep
			// scanning only to finish marking the result set.
			continue
		}
		if !evaluateConditions(u, row, found, prefetch) {
			applies = false
		}
	}

	if hasStaticCondition && len(result) == 0 {
		if _, found := prefetch.RowFound(schema, base.EmptyClusteringKey); found {
			result = append(result, ResultRow{Key: base.EmptyClusteringKey, IsStatic: true})
		}
	}

	return applies, result
}

// evaluateConditions tests one statement's IF-clause against its target
// row, which is row/found when the statement is not static-only, and
// against prefetch's static cells for any condition marked IsStatic.
func evaluateConditions(u RowUpdate, row base.ClusteringRow, found bool, prefetch *Prefetch) bool {
	if u.IfNotExists && found {
		return false
	}
	if u.IfExists && !found {
		return false
	}
	for _, c := range u.Conditions {
		var value []byte
		var exists bool
		if c.IsStatic {
			value, exists = prefetch.staticCellValue(c.Column)
		} else {
			if !found {
				return false
			}
			value, exists = cellValue(row.Cells, c.Column)
		}
		if !c.Satisfied(value, exists) {
			return false
		}
	}
	return true
}

// Apply implements cas_request::apply: build the prefetch from the read
// command's result, test AppliesTo, and if it holds, fold every
// statement's ApplyUpdates into one partition-scoped Mutation. Returns a
// nil Mutation and applied=false if any condition failed.
func Apply(schema *base.Schema, updates []RowUpdate, prefetch *Prefetch, ts int64) (mutation *Mutation, result []ResultRow, applied bool) {
	applied, result = AppliesTo(schema, updates, prefetch)
	if !applied {
		return nil, result, false
	}
	mutation = NewMutation(prefetch.Partition)
	for _, u := range updates {
		if u.ApplyUpdates != nil {
			u.ApplyUpdates(ts, prefetch, mutation)
		}
	}
	return mutation, result, true
}
