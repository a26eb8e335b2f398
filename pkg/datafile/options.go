package datafile

import (
	"fmt"

	"github.com/spf13/cast"

	"github.com/me/wdlharness/pkg/model"
)

// Option keys recognized in fixture descriptors.
const (
	OptAllowedDiffLines  = "allowed_diff_lines"
	OptMinMapQ           = "min_mapq"
	OptComparePhase      = "compare_phase"
	OptCompareTagColumns = "compare_tag_columns"
)

// Options control how two files are compared.
type Options struct {
	// AllowedDiffLines is the number of differing lines tolerated. Zero means
	// exact comparison.
	AllowedDiffLines int `json:"allowed_diff_lines,omitempty" yaml:"allowed_diff_lines,omitempty"`

	// MinMapQ filters BAM reads below this mapping quality from the
	// all-columns comparison.
	MinMapQ int `json:"min_mapq,omitempty" yaml:"min_mapq,omitempty"`

	// ComparePhase keeps VCF genotype phasing ('|' vs '/') significant.
	ComparePhase bool `json:"compare_phase,omitempty" yaml:"compare_phase,omitempty"`

	// CompareTagColumns includes BAM optional fields (column 12 onward).
	CompareTagColumns bool `json:"compare_tag_columns,omitempty" yaml:"compare_tag_columns,omitempty"`
}

// Merge combines the options of both sides of a comparison: the larger
// tolerance and the stricter-or-equal boolean checks win.
func (o Options) Merge(other Options) Options {
	return Options{
		AllowedDiffLines:  max(o.AllowedDiffLines, other.AllowedDiffLines),
		MinMapQ:           max(o.MinMapQ, other.MinMapQ),
		ComparePhase:      o.ComparePhase || other.ComparePhase,
		CompareTagColumns: o.CompareTagColumns || other.CompareTagColumns,
	}
}

// ParseOptions extracts comparison options from a loosely typed descriptor
// map. Unrelated keys are ignored.
func ParseOptions(raw map[string]any) (Options, error) {
	var o Options
	var err error
	if v, ok := raw[OptAllowedDiffLines]; ok {
		if o.AllowedDiffLines, err = cast.ToIntE(v); err != nil {
			return o, optionError(OptAllowedDiffLines, v, err)
		}
	}
	if v, ok := raw[OptMinMapQ]; ok {
		if o.MinMapQ, err = cast.ToIntE(v); err != nil {
			return o, optionError(OptMinMapQ, v, err)
		}
	}
	if v, ok := raw[OptComparePhase]; ok {
		if o.ComparePhase, err = cast.ToBoolE(v); err != nil {
			return o, optionError(OptComparePhase, v, err)
		}
	}
	if v, ok := raw[OptCompareTagColumns]; ok {
		if o.CompareTagColumns, err = cast.ToBoolE(v); err != nil {
			return o, optionError(OptCompareTagColumns, v, err)
		}
	}
	if o.AllowedDiffLines < 0 || o.MinMapQ < 0 {
		return o, model.NewConfigError("", "comparison options must not be negative")
	}
	return o, nil
}

func optionError(key string, v any, err error) error {
	return &model.ConfigError{Field: key, Message: fmt.Sprintf("invalid value %v", v), Err: err}
}
