package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"trackersync/internal/model"
)

// ApplyTransform runs a mapping rule over a source value before it is written to the target.
// Rules are chained with "|", for example "trim|lower|map:open=To Do,closed=Done".
func ApplyTransform(rule, value string) (string, error) {
	rule = strings.TrimSpace(rule)
	if rule == "" {
		return value, nil
	}
	out := value
	for _, step := range strings.Split(rule, "|") {
		step = strings.TrimSpace(step)
		name, arg, _ := strings.Cut(step, ":")
		switch name {
		case "":
			continue
		case "trim":
			out = strings.TrimSpace(out)
		case "lower":
			out = strings.ToLower(out)
		case "upper":
			out = strings.ToUpper(out)
		case "required":
			if strings.TrimSpace(out) == "" {
				return "", fmt.Errorf("%w: value is required", model.ErrValidation)
			}
		case "maxlen":
			n, err := strconv.Atoi(strings.TrimSpace(arg))
			if err != nil || n < 0 {
				return "", fmt.Errorf("%w: invalid maxlen %q", model.ErrValidation, arg)
			}
			if len([]rune(out)) > n {
				return "", fmt.Errorf("%w: %d characters exceeds maxlen %d", model.ErrValidation, len([]rune(out)), n)
			}
		case "map":
			table, err := parseMapRule(arg)
			if err != nil {
				return "", err
			}
			if out == "" {
				continue
			}
			mapped, ok := table[out]
			if !ok {
				return "", fmt.Errorf("%w: value %q has no mapping", model.ErrValidation, out)
			}
			out = mapped
		default:
			return "", fmt.Errorf("%w: unknown transform %q", model.ErrValidation, name)
		}
	}
	return out, nil
}

// ReverseTransform maps a target value back to the source vocabulary. Only map steps are
// invertible; other steps pass the value through.
func ReverseTransform(rule, value string) string {
	steps := strings.Split(strings.TrimSpace(rule), "|")
	out := value
	for i := len(steps) - 1; i >= 0; i-- {
		name, arg, _ := strings.Cut(strings.TrimSpace(steps[i]), ":")
		if name != "map" {
			continue
		}
		table, err := parseMapRule(arg)
		if err != nil {
			continue
		}
		froms := make([]string, 0, len(table))
		for from := range table {
			froms = append(froms, from)
		}
		sort.Strings(froms)
		for _, from := range froms {
			if table[from] == out {
				out = from
				break
			}
		}
	}
	return out
}

// ValidateRule 保存映射前检查规则语法
func ValidateRule(rule string) error {
	for _, step := range strings.Split(strings.TrimSpace(rule), "|") {
		name, arg, _ := strings.Cut(strings.TrimSpace(step), ":")
		switch name {
		case "", "trim", "lower", "upper", "required":
		case "maxlen":
			if n, err := strconv.Atoi(strings.TrimSpace(arg)); err != nil || n < 0 {
				return fmt.Errorf("%w: invalid maxlen %q", model.ErrValidation, arg)
			}
		case "map":
			if _, err := parseMapRule(arg); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unknown transform %q", model.ErrValidation, name)
		}
	}
	return nil
}

func parseMapRule(arg string) (map[string]string, error) {
	table := make(map[string]string)
	for _, pair := range strings.Split(arg, ",") {
		from, to, ok := strings.Cut(pair, "=")
		from, to = strings.TrimSpace(from), strings.TrimSpace(to)
		if !ok || from == "" {
			return nil, fmt.Errorf("%w: invalid map entry %q", model.ErrValidation, pair)
		}
		table[from] = to
	}
	return table, nil
}
