package model

import "fmt"

// Direction 同步方向，一个很小的集合类型：None / FromSource / ToSource / Bidirectional
type Direction string

const (
	DirectionNone          Direction = "none"
	DirectionFromSource    Direction = "from_source"
	DirectionToSource      Direction = "to_source"
	DirectionBidirectional Direction = "bidirectional"
)

// ParseDirection 解析方向字符串
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(s); d {
	case DirectionNone, DirectionFromSource, DirectionToSource, DirectionBidirectional:
		return d, nil
	case "":
		return DirectionNone, nil
	case "both":
		return DirectionBidirectional, nil
	}
	return DirectionNone, fmt.Errorf("%w: unknown direction %q", ErrValidation, s)
}

// IncludesFromSource source -> target 方向是否启用
func (d Direction) IncludesFromSource() bool {
	return d == DirectionFromSource || d == DirectionBidirectional
}

// IncludesToSource target -> source 方向是否启用
func (d Direction) IncludesToSource() bool {
	return d == DirectionToSource || d == DirectionBidirectional
}

// Includes reports whether every flow enabled in other is also enabled in d.
func (d Direction) Includes(other Direction) bool {
	if other.IncludesFromSource() && !d.IncludesFromSource() {
		return false
	}
	if other.IncludesToSource() && !d.IncludesToSource() {
		return false
	}
	return true
}

// Union 合并两个方向
func (d Direction) Union(other Direction) Direction {
	from := d.IncludesFromSource() || other.IncludesFromSource()
	to := d.IncludesToSource() || other.IncludesToSource()
	switch {
	case from && to:
		return DirectionBidirectional
	case from:
		return DirectionFromSource
	case to:
		return DirectionToSource
	}
	return DirectionNone
}

func (d Direction) String() string {
	if d == "" {
		return string(DirectionNone)
	}
	return string(d)
}
