package executor

import (
	"github.com/hyperengineering/syncd/internal/connector"
	"github.com/hyperengineering/syncd/internal/types"
)

// applyMapping renames source fields to their target names. Unmapped fields
// pass through unchanged; a mapped field wins over an unmapped field that
// already carries the target name.
func applyMapping(records []connector.Record, mapping []types.FieldMapping) []connector.Record {
	if len(mapping) == 0 {
		return records
	}
	rename := make(map[string]string, len(mapping))
	for _, m := range mapping {
		rename[m.Source] = m.Target
	}

	out := make([]connector.Record, len(records))
	for i, rec := range records {
		fields := make(map[string]types.Value, len(rec.Fields))
		for name, v := range rec.Fields {
			if _, mapped := rename[name]; !mapped {
				fields[name] = v
			}
		}
		for name, v := range rec.Fields {
			if target, mapped := rename[name]; mapped {
				fields[target] = v
			}
		}
		out[i] = connector.Record{ID: rec.ID, Fields: fields}
	}
	return out
}
