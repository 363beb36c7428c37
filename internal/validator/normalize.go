package validator

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// timeLayouts 按顺序尝试的时间格式。
var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	time.RFC3339,
}

// normalize 清洗原始记录的值：
// 字符串去首尾空白并折叠内部空白，丢弃空串与 "null"/"none"；
// 列表丢弃空元素，全部为空时整个字段丢弃；map 丢弃空值。
func normalize(raw map[string]any) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		if nv, ok := normalizeValue(v); ok {
			out[k] = nv
		}
	}
	return out
}

func normalizeValue(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case string:
		s := collapse(val)
		if isBlank(s) {
			return nil, false
		}
		return s, true
	case []string:
		items := make([]any, 0, len(val))
		for _, s := range val {
			items = append(items, s)
		}
		return normalizeList(items)
	case []any:
		return normalizeList(val)
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			if nv, ok := normalizeValue(item); ok {
				m[k] = nv
			}
		}
		return m, true
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, item := range val {
			if nv, ok := normalizeValue(item); ok {
				m[k] = nv
			}
		}
		return m, true
	default:
		return v, true
	}
}

func normalizeList(items []any) (any, bool) {
	out := make([]any, 0, len(items))
	for _, item := range items {
		if nv, ok := normalizeValue(item); ok {
			out = append(out, nv)
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isBlank(s string) bool {
	if s == "" {
		return true
	}
	l := strings.ToLower(s)
	return l == "null" || l == "none"
}

// asString 把标量转换为字符串。
func asString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case bool:
		return strconv.FormatBool(val), true
	case time.Time:
		return val.Format(timeLayouts[0]), true
	default:
		return "", false
	}
}

// asFloat 把数值或数值字符串转换为 float64。
func asFloat(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case int32:
		return float64(val), nil
	case json.Number:
		return val.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.ReplaceAll(val, ",", ""), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", val)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

// asInt 转换为整数，小数部分必须为 0。
func asInt(v any) (int, error) {
	f, err := asFloat(v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("not an integer: %v", v)
	}
	return int(f), nil
}

func asBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, err := strconv.ParseBool(strings.ToLower(val))
		return err == nil && b
	default:
		f, err := asFloat(v)
		return err == nil && f != 0
	}
}

// asTime 解析时间，无法解析时返回 nil（字段视为缺失）。
func asTime(v any) *time.Time {
	switch val := v.(type) {
	case time.Time:
		return &val
	case *time.Time:
		return val
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.ParseInLocation(layout, val, time.Local); err == nil {
				return &t
			}
		}
	}
	return nil
}

// asStringList 把字符串或列表转换为字符串切片。
func asStringList(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := asString(item); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
