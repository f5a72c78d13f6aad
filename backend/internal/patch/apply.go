package patch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch"
)

// 包一层对象，使任意根类型（数组、标量）以及根路径 "" 都能交给 jsonpatch 处理
const wrapKey = "r"

// Apply 按顺序应用补丁，不修改 value（写时复制）。
// 返回值：
// - 新值（失败时为原值）
// - 每条操作的结果，成功为 nil
// - 任意一条失败时返回 *RejectedError，整批作废
func Apply(value any, p Patch) (any, []error, error) {
	results := make([]error, len(p))
	cur := value
	failed := false
	for i, op := range p {
		next, err := applyOne(cur, op)
		if err != nil {
			results[i] = &OpError{Index: i, Op: op, Err: err}
			failed = true
			// 继续尝试后面的操作，只为了报告每一条的结果
			continue
		}
		cur = next
	}
	if failed {
		return value, results, &RejectedError{Results: results}
	}
	return cur, results, nil
}

func applyOne(cur any, op Operation) (any, error) {
	switch op.Op {
	case OpAdd, OpRemove, OpReplace, OpMove, OpCopy, OpTest:
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownOp, op.Op)
	}
	if _, err := Split(op.Path); err != nil {
		return nil, err
	}

	switch op.Op {
	case OpTest:
		got, ok := Get(cur, op.Path)
		if !ok {
			return nil, ErrPathNotFound
		}
		want, err := Normalize(op.Value)
		if err != nil {
			return nil, err
		}
		if !Equal(got, want) {
			return nil, ErrTestFailed
		}
		return cur, nil
	case OpRemove:
		if op.Path == "" {
			return nil, errors.New("cannot remove document root")
		}
		if _, ok := Get(cur, op.Path); !ok {
			return nil, ErrPathNotFound
		}
	case OpReplace:
		// jsonpatch 对不存在的 key 做 replace 不会报错，这里先校验
		if _, ok := Get(cur, op.Path); !ok {
			return nil, ErrPathNotFound
		}
	case OpMove, OpCopy:
		if _, err := Split(op.From); err != nil {
			return nil, err
		}
		if _, ok := Get(cur, op.From); !ok {
			return nil, ErrPathNotFound
		}
		if op.Op == OpMove && op.Path == op.From {
			return cur, nil
		}
		if op.Op == OpMove && strings.HasPrefix(op.Path, op.From+"/") {
			return nil, fmt.Errorf("cannot move %q into its own child %q", op.From, op.Path)
		}
		if err := checkTarget(cur, op.Path); err != nil {
			return nil, err
		}
	case OpAdd:
		if err := checkTarget(cur, op.Path); err != nil {
			return nil, err
		}
		op.Path = resolveAppend(cur, op.Path)
	}
	return applyDelegated(cur, op)
}

// checkTarget 校验 add/move/copy 的目标：父节点必须存在，
// 父节点是数组时最后一个 token 只能是 "-" 或 0..len 的下标
func checkTarget(cur any, path string) error {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return nil
	}
	parent, ok := Get(cur, path[:i])
	if !ok {
		return ErrPathNotFound
	}
	switch node := parent.(type) {
	case map[string]any:
		return nil
	case []any:
		tok := path[i+1:]
		if tok == "-" {
			return nil
		}
		if _, ok := parseIndex(tok, len(node)); !ok {
			return fmt.Errorf("%w: bad array index %q", ErrPathNotFound, tok)
		}
		return nil
	default:
		return ErrPathNotFound
	}
}

// "-" 表示数组末尾，换成明确的下标
func resolveAppend(cur any, path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 || path[i+1:] != "-" {
		return path
	}
	parent := path[:i]
	if arr, ok := Get(cur, parent); ok {
		if a, ok := arr.([]any); ok {
			return parent + "/" + strconv.Itoa(len(a))
		}
	}
	return path
}

func applyDelegated(cur any, op Operation) (any, error) {
	doc, err := json.Marshal(map[string]any{wrapKey: cur})
	if err != nil {
		return nil, err
	}
	wrapped := Operation{Op: op.Op, Path: "/" + wrapKey + op.Path, Value: op.Value}
	if op.Op == OpMove || op.Op == OpCopy {
		wrapped.From = "/" + wrapKey + op.From
	}
	raw, err := json.Marshal(Patch{wrapped})
	if err != nil {
		return nil, err
	}
	decoded, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, err
	}
	out, err := decoded.Apply(doc)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, err
	}
	next, ok := result[wrapKey]
	if !ok {
		return nil, ErrPathNotFound
	}
	return next, nil
}
