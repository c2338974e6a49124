package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Row is one table record: column name -> string value, as stored in the
// CSV representation.
type Row map[string]string

// Warning is a violation downgraded under strict=false.
type Warning struct {
	Column string `json:"column"`
	Reason string `json:"reason"`
	Value  string `json:"value,omitempty"`
}

// Validator applies one schema to row batches.
type Validator struct {
	schema   *Schema
	patterns map[string]*regexp.Regexp
}

// NewValidator compiles the schema's patterns once.
func NewValidator(s *Schema) (*Validator, error) {
	v := &Validator{schema: s, patterns: make(map[string]*regexp.Regexp)}
	for _, col := range s.Columns {
		if col.Pattern == nil {
			continue
		}
		re, err := regexp.Compile(*col.Pattern)
		if err != nil {
			return nil, &ErrInvalidSchema{Reason: fmt.Sprintf("column %s pattern: %v", col.Name, err)}
		}
		v.patterns[col.Name] = re
	}
	return v, nil
}

// Schema returns the validated schema.
func (v *Validator) Schema() *Schema { return v.schema }

// ValidateBatch checks every row plus batch-wide uniqueness. Under
// strict=true the first violation is returned as an error; otherwise all
// violations come back as warnings and the write may proceed.
func (v *Validator) ValidateBatch(rows []Row) ([]Warning, error) {
	var warnings []Warning

	fail := func(col, reason, value string) error {
		if v.schema.Strict {
			return &ErrValidation{Column: col, Reason: reason, Value: value}
		}
		warnings = append(warnings, Warning{Column: col, Reason: reason, Value: value})
		return nil
	}

	for _, row := range rows {
		for _, col := range v.schema.Columns {
			value, present := row[col.Name]
			if !present || value == "" {
				if col.Required {
					if err := fail(col.Name, "required column missing", ""); err != nil {
						return warnings, err
					}
				}
				continue
			}
			if err := v.checkValue(&col, value, fail); err != nil {
				return warnings, err
			}
		}
	}

	// Post-batch uniqueness.
	for _, col := range v.schema.Columns {
		if !col.Unique {
			continue
		}
		seen := make(map[string]bool, len(rows))
		for _, row := range rows {
			value, present := row[col.Name]
			if !present || value == "" {
				continue
			}
			if seen[value] {
				if err := fail(col.Name, "duplicate value in unique column", value); err != nil {
					return warnings, err
				}
			}
			seen[value] = true
		}
	}
	return warnings, nil
}

func (v *Validator) checkValue(col *ColumnDef, value string, fail func(col, reason, value string) error) error {
	switch col.Type {
	case TypeInteger:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fail(col.Name, "not an integer", value)
		}
		if col.Min != nil && n < *col.Min {
			return fail(col.Name, fmt.Sprintf("below minimum %d", *col.Min), value)
		}
		if col.Max != nil && n > *col.Max {
			return fail(col.Name, fmt.Sprintf("above maximum %d", *col.Max), value)
		}

	case TypeFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fail(col.Name, "not a float", value)
		}
		if col.Min != nil && f < float64(*col.Min) {
			return fail(col.Name, fmt.Sprintf("below minimum %d", *col.Min), value)
		}
		if col.Max != nil && f > float64(*col.Max) {
			return fail(col.Name, fmt.Sprintf("above maximum %d", *col.Max), value)
		}

	case TypeBoolean:
		if _, err := strconv.ParseBool(value); err != nil {
			return fail(col.Name, "not a boolean", value)
		}

	case TypeTimestamp:
		if !validTimestamp(value) {
			return fail(col.Name, "not a timestamp", value)
		}

	case TypeString:
		if col.MinLength != nil && len(value) < *col.MinLength {
			return fail(col.Name, fmt.Sprintf("shorter than %d", *col.MinLength), value)
		}
		if col.MaxLength != nil && len(value) > *col.MaxLength {
			return fail(col.Name, fmt.Sprintf("longer than %d", *col.MaxLength), value)
		}
		if re, ok := v.patterns[col.Name]; ok && !re.MatchString(value) {
			return fail(col.Name, fmt.Sprintf("does not match pattern %s", re.String()), value)
		}
	}
	return nil
}

// validTimestamp accepts RFC3339 or Unix seconds/nanoseconds.
func validTimestamp(value string) bool {
	if _, err := time.Parse(time.RFC3339, value); err == nil {
		return true
	}
	if _, err := strconv.ParseInt(value, 10, 64); err == nil {
		return true
	}
	return false
}
