package docsync

import "errors"

// ContentAccessor 文档内容的读写策略
type ContentAccessor interface {
	Get() (any, error)
	Set(v any) error
}

// 文档自己持有内容
type ownedContent struct {
	v any
}

func (o *ownedContent) Get() (any, error) { return o.v, nil }

func (o *ownedContent) Set(v any) error {
	o.v = v
	return nil
}

type externalContent struct {
	get func() (any, error)
	set func(any) error
}

// External 内容由外部存储提供（transient 文档）。
// set 在文档锁内调用，不要在里面回调同一个文档。
func External(get func() (any, error), set func(any) error) ContentAccessor {
	return &externalContent{get: get, set: set}
}

func (e *externalContent) Get() (any, error) {
	if e.get == nil {
		return nil, errors.New("content getter not bound")
	}
	return e.get()
}

func (e *externalContent) Set(v any) error {
	if e.set == nil {
		return errors.New("content setter not bound")
	}
	return e.set(v)
}
