package patch

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// Normalize 通过 JSON 往返做深拷贝：
// - 丢弃不可序列化的部分（未导出字段、json:"-"）
// - 对象统一为 map[string]any，数组为 []any，数字为 float64
// channel / func / 循环引用会直接报错
func Normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}
	return out, nil
}

// MustNormalize 仅用于测试与常量初始化
func MustNormalize(v any) any {
	out, err := Normalize(v)
	if err != nil {
		panic(err)
	}
	return out
}

// Equal 比较两个已归一化的值
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

