package patch

import (
	"fmt"
	"sort"

	"github.com/snorwin/jsonpatch"
)

// Diff 计算把 before 变成 after 的补丁。
// 对象按 key 排序逐层递归，保证同一对输入输出稳定；
// 长度变化的数组交给 snorwin/jsonpatch 生成，并回放校验，校验失败则整体 replace 该数组。
func Diff(before, after any) (Patch, error) {
	b, err := Normalize(before)
	if err != nil {
		return nil, err
	}
	a, err := Normalize(after)
	if err != nil {
		return nil, err
	}
	var out Patch
	diffValue("", b, a, &out)
	return out, nil
}

func diffValue(path string, before, after any, out *Patch) {
	switch bv := before.(type) {
	case map[string]any:
		av, ok := after.(map[string]any)
		if !ok {
			break
		}
		diffObject(path, bv, av, out)
		return
	case []any:
		av, ok := after.([]any)
		if !ok {
			break
		}
		diffArray(path, bv, av, out)
		return
	}
	if !Equal(before, after) {
		*out = append(*out, Operation{Op: OpReplace, Path: path, Value: after})
	}
}

func diffObject(path string, before, after map[string]any, out *Patch) {
	keys := make([]string, 0, len(before)+len(after))
	for k := range before {
		keys = append(keys, k)
	}
	for k := range after {
		if _, ok := before[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		child := Join(path, k)
		bv, inBefore := before[k]
		av, inAfter := after[k]
		switch {
		case inBefore && !inAfter:
			*out = append(*out, Operation{Op: OpRemove, Path: child})
		case !inBefore && inAfter:
			*out = append(*out, Operation{Op: OpAdd, Path: child, Value: av})
		default:
			diffValue(child, bv, av, out)
		}
	}
}

func diffArray(path string, before, after []any, out *Patch) {
	if len(before) == len(after) {
		for i := range before {
			diffValue(Join(path, fmt.Sprint(i)), before[i], after[i], out)
		}
		return
	}
	ops, ok := arrayPatch(before, after)
	if !ok {
		*out = append(*out, Operation{Op: OpReplace, Path: path, Value: after})
		return
	}
	for _, op := range ops {
		op.Path = path + op.Path
		*out = append(*out, op)
	}
}

// arrayPatch 用 snorwin/jsonpatch 生成相对数组根的操作，并回放校验
func arrayPatch(before, after []any) (ops Patch, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ops, ok = nil, false
		}
	}()
	list, err := jsonpatch.CreateJSONPatch(after, before)
	if err != nil {
		return nil, false
	}
	for _, p := range list.List() {
		ops = append(ops, Operation{Op: p.Operation, Path: p.Path, Value: p.Value})
	}
	// 值统一归一化，避免库返回的类型与 JSON 往返后的类型不一致
	for i := range ops {
		if ops[i].Value == nil {
			continue
		}
		v, err := Normalize(ops[i].Value)
		if err != nil {
			return nil, false
		}
		ops[i].Value = v
	}
	got, _, err := Apply(before, ops)
	if err != nil || !Equal(got, any(after)) {
		return nil, false
	}
	return ops, true
}
