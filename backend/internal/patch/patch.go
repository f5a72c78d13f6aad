package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// 支持的操作类型（RFC 6902）
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

var (
	ErrRejected     = errors.New("PATCH_REJECTED")
	ErrUnknownOp    = errors.New("unknown patch operation")
	ErrPathNotFound = errors.New("path does not resolve")
	ErrTestFailed   = errors.New("test operation failed")
)

// Operation 单条补丁操作
type Operation struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// add/replace/test 必须带 value（包括 null），其它操作不带
func (o Operation) MarshalJSON() ([]byte, error) {
	type plain struct {
		Op   string `json:"op"`
		Path string `json:"path"`
		From string `json:"from,omitempty"`
	}
	type withValue struct {
		Op    string `json:"op"`
		Path  string `json:"path"`
		Value any    `json:"value"`
		From  string `json:"from,omitempty"`
	}
	switch o.Op {
	case OpAdd, OpReplace, OpTest:
		return json.Marshal(withValue{Op: o.Op, Path: o.Path, Value: o.Value, From: o.From})
	default:
		return json.Marshal(plain{Op: o.Op, Path: o.Path, From: o.From})
	}
}

func (o Operation) String() string {
	if o.From != "" {
		return fmt.Sprintf("%s %s -> %s", o.Op, o.From, o.Path)
	}
	return fmt.Sprintf("%s %s", o.Op, o.Path)
}

// Patch 有序的操作序列，顺序必须端到端保持
type Patch []Operation

// Size 返回序列化后的字节长度，用于 maxBatchSize 判断
func (p Patch) Size() int {
	if len(p) == 0 {
		return 0
	}
	b, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return len(b)
}

// Empty 空补丁不需要提交
func (p Patch) Empty() bool { return len(p) == 0 }

// OpError 标记第 Index 条操作失败
type OpError struct {
	Index int
	Op    Operation
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("op #%d (%s): %v", e.Index, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// RejectedError 整批补丁被拒绝，Results 与补丁一一对应，成功的位置为 nil
type RejectedError struct {
	Results []error
}

func (e *RejectedError) Error() string {
	var failed []string
	for _, r := range e.Results {
		if r != nil {
			failed = append(failed, r.Error())
		}
	}
	return "patch rejected: " + strings.Join(failed, "; ")
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Failed 返回失败的操作下标
func (e *RejectedError) Failed() []int {
	var idx []int
	for i, r := range e.Results {
		if r != nil {
			idx = append(idx, i)
		}
	}
	return idx
}

// JSON Pointer 转义（RFC 6901）
func escapeToken(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}

func unescapeToken(s string) string {
	s = strings.ReplaceAll(s, "~1", "/")
	return strings.ReplaceAll(s, "~0", "~")
}

// Join 把若干 token 拼成 pointer
func Join(base string, tokens ...string) string {
	var sb strings.Builder
	sb.WriteString(base)
	for _, t := range tokens {
		sb.WriteByte('/')
		sb.WriteString(escapeToken(t))
	}
	return sb.String()
}

// Split 把 pointer 拆成未转义的 token，"" 表示根
func Split(pointer string) ([]string, error) {
	if pointer == "" {
		return nil, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("invalid pointer %q", pointer)
	}
	parts := strings.Split(pointer[1:], "/")
	for i, p := range parts {
		parts[i] = unescapeToken(p)
	}
	return parts, nil
}

// parseIndex 解析数组下标：只接受不带符号、无前导零的十进制数，且 0 <= i <= max
func parseIndex(tok string, max int) (int, bool) {
	if tok == "" || (len(tok) > 1 && tok[0] == '0') {
		return 0, false
	}
	for _, c := range tok {
		if c < '0' || c > '9' {
			return 0, false
		}
	}
	i, err := strconv.Atoi(tok)
	if err != nil || i > max {
		return 0, false
	}
	return i, true
}

// Get 解析 pointer，返回的值与 value 共享内存，调用方不要修改
func Get(value any, pointer string) (any, bool) {
	tokens, err := Split(pointer)
	if err != nil {
		return nil, false
	}
	cur := value
	for _, tok := range tokens {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[tok]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, ok := parseIndex(tok, len(node)-1)
			if !ok {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}
