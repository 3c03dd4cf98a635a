package validation

import (
	"fmt"

	"github.com/hyperengineering/syncd/internal/scheduler"
	"github.com/hyperengineering/syncd/internal/types"
)

const (
	MaxIdentifierLength  = 64
	MaxNameLength        = 200
	MaxDescriptionLength = 2000
	MaxFieldCount        = 500
	MaxFilterConditions  = 50
)

var frequencies = []string{
	string(types.FrequencyOnce),
	string(types.FrequencyDaily),
	string(types.FrequencyWeekly),
	string(types.FrequencyMonthly),
}

// ValidateDefinition checks a create request. It returns Errors or nil.
func ValidateDefinition(def types.OperationDefinition) error {
	var c Collector
	if def.ID != "" {
		c.Add(ValidateIdentifier("id", def.ID))
	}
	validateBody(&c, def.Name, def.Description, def.SourceSystem, def.TargetSystem, def.DataType,
		def.Fields, def.FieldMapping, def.Filter, def.Schedule)
	return c.Err()
}

// ValidateOperation checks an operation after a patch has been merged into it.
func ValidateOperation(op *types.SyncOperation) error {
	var c Collector
	validateBody(&c, op.Name, op.Description, op.SourceSystem, op.TargetSystem, op.DataType,
		op.Fields, op.FieldMapping, op.Filter, op.Schedule)
	return c.Err()
}

func validateBody(
	c *Collector,
	name, description, source, target, dataType string,
	fields []string,
	mapping []types.FieldMapping,
	filter []types.FilterCondition,
	sched *types.Schedule,
) {
	c.Add(ValidateRequired("name", name))
	c.Add(ValidateMaxLength("name", name, MaxNameLength))
	c.Add(ValidateUTF8("name", name))
	c.Add(ValidateNoNullBytes("name", name))
	c.Add(ValidateMaxLength("description", description, MaxDescriptionLength))
	c.Add(ValidateNoNullBytes("description", description))

	c.Add(ValidateIdentifier("sourceSystem", source))
	c.Add(ValidateIdentifier("targetSystem", target))
	c.Add(ValidateIdentifier("dataType", dataType))

	validateFields(c, fields)
	validateMapping(c, mapping)
	validateFilter(c, filter)
	if sched != nil {
		ValidateSchedule(c, "schedule", sched)
	}
}

func validateFields(c *Collector, fields []string) {
	if len(fields) > MaxFieldCount {
		c.Add(&ValidationError{Field: "fields", Message: fmt.Sprintf("exceeds maximum of %d fields", MaxFieldCount)})
		return
	}
	seen := make(map[string]bool, len(fields))
	for i, f := range fields {
		field := fmt.Sprintf("fields[%d]", i)
		c.Add(ValidateRequired(field, f))
		c.Add(ValidateNoNullBytes(field, f))
		if seen[f] {
			c.Add(&ValidationError{Field: field, Message: fmt.Sprintf("duplicate field %q", f)})
		}
		seen[f] = true
	}
}

// validateMapping requires source keys and target keys to be unique so the
// mapping is a function in both directions.
func validateMapping(c *Collector, mapping []types.FieldMapping) {
	sources := make(map[string]bool, len(mapping))
	targets := make(map[string]bool, len(mapping))
	for i, m := range mapping {
		prefix := fmt.Sprintf("fieldMapping[%d]", i)
		c.Add(ValidateRequired(prefix+".source", m.Source))
		c.Add(ValidateRequired(prefix+".target", m.Target))
		if m.Source != "" && sources[m.Source] {
			c.Add(&ValidationError{Field: prefix + ".source", Message: fmt.Sprintf("duplicate source field %q", m.Source)})
		}
		if m.Target != "" && targets[m.Target] {
			c.Add(&ValidationError{Field: prefix + ".target", Message: fmt.Sprintf("duplicate target field %q", m.Target)})
		}
		sources[m.Source] = true
		targets[m.Target] = true
	}
}

func validateFilter(c *Collector, filter []types.FilterCondition) {
	if len(filter) > MaxFilterConditions {
		c.Add(&ValidationError{Field: "filter", Message: fmt.Sprintf("exceeds maximum of %d conditions", MaxFilterConditions)})
		return
	}
	ops := make([]string, len(types.FilterOps))
	for i, op := range types.FilterOps {
		ops[i] = string(op)
	}
	for i, cond := range filter {
		prefix := fmt.Sprintf("filter[%d]", i)
		c.Add(ValidateRequired(prefix+".field", cond.Field))
		if err := ValidateEnum(prefix+".op", string(cond.Op), ops); err != nil {
			c.Add(err)
			continue
		}
		switch {
		case cond.Value.IsZero():
			c.Add(&ValidationError{Field: prefix + ".value", Message: "is required"})
		case cond.Op.Ordered() && cond.Value.Kind != types.KindNumber && cond.Value.Kind != types.KindDate:
			c.Add(&ValidationError{Field: prefix + ".value", Message: fmt.Sprintf("%s requires a number or date value", cond.Op)})
		case cond.Op == types.OpContains && cond.Value.Kind != types.KindString:
			c.Add(&ValidationError{Field: prefix + ".value", Message: "contains requires a string value"})
		}
	}
}

// ValidateSchedule adds schedule failures under the given field prefix.
func ValidateSchedule(c *Collector, prefix string, s *types.Schedule) {
	if err := ValidateEnum(prefix+".frequency", string(s.Frequency), frequencies); err != nil {
		c.Add(err)
		return
	}
	if _, err := scheduler.ParseClock(s.StartTime); err != nil {
		c.Add(&ValidationError{Field: prefix + ".startTime", Message: err.Error()})
	}
	if s.StartDate != "" {
		if _, err := scheduler.ParseStartDate(s.StartDate); err != nil {
			c.Add(&ValidationError{Field: prefix + ".startDate", Message: err.Error()})
		}
	}
	if s.Timezone != "" {
		if _, err := scheduler.Location(s); err != nil {
			c.Add(&ValidationError{Field: prefix + ".timezone", Message: "unknown time zone"})
		}
	}
	if s.Frequency == types.FrequencyOnce && s.IsRecurring {
		c.Add(&ValidationError{Field: prefix + ".isRecurring", Message: "once schedules cannot recur"})
	}

	if len(s.DaysOfWeek) > 0 && s.Frequency != types.FrequencyWeekly {
		c.Add(&ValidationError{Field: prefix + ".daysOfWeek", Message: "only allowed for weekly schedules"})
	}
	seen := make(map[int]bool, len(s.DaysOfWeek))
	for i, d := range s.DaysOfWeek {
		field := fmt.Sprintf("%s.daysOfWeek[%d]", prefix, i)
		if d < 0 || d > 6 {
			c.Add(&ValidationError{Field: field, Message: "must be between 0 (Sunday) and 6 (Saturday)"})
		} else if seen[d] {
			c.Add(&ValidationError{Field: field, Message: "duplicate day"})
		}
		seen[d] = true
	}

	if s.DayOfMonth != 0 {
		if s.Frequency != types.FrequencyMonthly {
			c.Add(&ValidationError{Field: prefix + ".dayOfMonth", Message: "only allowed for monthly schedules"})
		} else {
			c.Add(ValidateRange(prefix+".dayOfMonth", float64(s.DayOfMonth), 1, 31))
		}
	}
}
