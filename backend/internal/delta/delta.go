package delta

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// ErrMalformed 表示载荷不是 {"ops":[...]} 形状
var ErrMalformed = errors.New("delta must be an object with an ops array")

// Delta 是编辑器之间交换的操作列表：{"ops":[{"insert":"hi"},{"retain":2},{"delete":1}]}
// 每个 op 原样保存（json.RawMessage），服务端只做形状校验、不改写内容，转发给其他协作者时保持一致。
// 快照（文档全文）与增量使用同一种形状。
type Delta struct {
	Ops []json.RawMessage `json:"ops"`
}

// Op 是单个操作解码后的视图，仅用于投影纯文本
type Op struct {
	Insert     any            `json:"insert,omitempty"`
	Retain     any            `json:"retain,omitempty"`
	Delete     int            `json:"delete,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Empty 返回空文档 {"ops":[]}
func Empty() Delta {
	return Delta{Ops: []json.RawMessage{}}
}

// Parse 解析并校验载荷
func Parse(b []byte) (Delta, error) {
	var d Delta
	if err := json.Unmarshal(b, &d); err != nil {
		if errors.Is(err, ErrMalformed) {
			return Delta{}, err
		}
		return Delta{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return d, nil
}

// Valid 报告 Delta 是否带有非 null 的 ops 序列
func (d Delta) Valid() bool {
	return d.Ops != nil
}

func (d Delta) Len() int {
	return len(d.Ops)
}

func (d *Delta) UnmarshalJSON(b []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil || fields == nil {
		return ErrMalformed
	}
	raw, ok := fields["ops"]
	if !ok {
		return ErrMalformed
	}
	var ops []json.RawMessage
	if err := json.Unmarshal(raw, &ops); err != nil || ops == nil {
		return ErrMalformed
	}
	for _, op := range ops {
		trimmed := bytes.TrimSpace(op)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return ErrMalformed
		}
	}
	d.Ops = ops
	return nil
}

func (d Delta) MarshalJSON() ([]byte, error) {
	ops := d.Ops
	if ops == nil {
		ops = []json.RawMessage{}
	}
	return json.Marshal(struct {
		Ops []json.RawMessage `json:"ops"`
	}{Ops: ops})
}

// Equal 按紧凑 JSON 比较两个 Delta
func Equal(a, b Delta) bool {
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Decode 把原始 ops 解成 Op 列表
func (d Delta) Decode() ([]Op, error) {
	out := make([]Op, 0, len(d.Ops))
	for i, raw := range d.Ops {
		var op Op
		if err := json.Unmarshal(raw, &op); err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
		out = append(out, op)
	}
	return out, nil
}

func (o Op) Kind() Kind {
	switch {
	case o.Insert != nil:
		return KindInsert
	case o.Delete > 0:
		return KindDelete
	default:
		return KindRetain
	}
}

// embed（图片、公式等非文本插入）在纯文本里占一个字符
const embedPlaceholder = "￼"

// Text 返回插入的文本；embed 返回占位符
func (o Op) Text() string {
	if s, ok := o.Insert.(string); ok {
		return s
	}
	if o.Insert != nil {
		return embedPlaceholder
	}
	return ""
}

// Count 返回 retain/delete 的长度
func (o Op) Count() int {
	switch o.Kind() {
	case KindDelete:
		return o.Delete
	case KindRetain:
		switch n := o.Retain.(type) {
		case float64:
			return int(n)
		case map[string]any:
			// 对 embed 的 retain
			return 1
		}
	}
	return 0
}
