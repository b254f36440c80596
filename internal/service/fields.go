package service

import (
	"sort"

	"trackersync/internal/model"
	"trackersync/internal/tracker"
)

// activeMappings 过滤并按字段名排序，保证比较结果确定
func activeMappings(mappings []*model.FieldMapping) []*model.FieldMapping {
	out := make([]*model.FieldMapping, 0, len(mappings))
	for _, m := range mappings {
		if m != nil && m.IsActive {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SourceField == out[j].SourceField {
			return out[i].TargetField < out[j].TargetField
		}
		return out[i].SourceField < out[j].SourceField
	})
	return out
}

// SourceFields 本地字段与 source 字段同名
func SourceFields(item *tracker.Item) model.Fields {
	if item == nil {
		return model.Fields{}
	}
	return model.FieldsFromMap(item.Fields)
}

// TargetPayload converts local fields into the target vocabulary.
func TargetPayload(fields model.Fields, mappings []*model.FieldMapping) (map[string]string, error) {
	local := fields.Map()
	out := make(map[string]string)
	for _, m := range activeMappings(mappings) {
		v, err := ApplyTransform(m.TransformRule, local[m.SourceField])
		if err != nil {
			return nil, &FieldError{Field: m.SourceField, Err: err}
		}
		out[m.TargetField] = v
	}
	return out, nil
}

// TargetFields maps a target item back onto the local fields. Unmapped local fields keep base.
func TargetFields(item *tracker.Item, mappings []*model.FieldMapping, base model.Fields) model.Fields {
	if item == nil {
		return base
	}
	local := base.Map()
	for _, m := range activeMappings(mappings) {
		if _, core := local[m.SourceField]; !core {
			continue
		}
		v, ok := item.Fields[m.TargetField]
		if !ok {
			continue
		}
		local[m.SourceField] = ReverseTransform(m.TransformRule, v)
	}
	return model.FieldsFromMap(local)
}

// FieldError 某个映射字段转换失败
type FieldError struct {
	Field string
	Err   error
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Err.Error() }
func (e *FieldError) Unwrap() error { return e.Err }
