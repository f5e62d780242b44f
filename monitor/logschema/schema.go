package logschema

import (
	"sort"
	"strings"
)

// 调度器各日志事件的必填字段。
var required = map[string][]string{
	"order_transition": {"order_id", "from", "to", "reason"},
	"order_forwarded":  {"order_id", "symbol", "side"},
	"order_retry":      {"order_id", "retries_remaining"},
	"dispatch_error":   {"order_id", "action", "error"},
}

// MissingFieldsError 列出缺失的字段。
type MissingFieldsError struct {
	Event  string
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return e.Event + ": missing fields: " + strings.Join(e.Fields, ",")
}

// Known 返回所有登记的事件名（已排序）。
func Known() []string {
	names := make([]string, 0, len(required))
	for k := range required {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Required 返回事件的必填字段；未登记的事件返回 nil。
func Required(event string) []string {
	return append([]string(nil), required[event]...)
}

// Validate 检查 fields 是否覆盖事件的必填字段。未登记的事件不校验。
func Validate(event string, fields map[string]interface{}) error {
	var missing []string
	for _, key := range required[event] {
		if _, ok := fields[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingFieldsError{Event: event, Fields: missing}
}
