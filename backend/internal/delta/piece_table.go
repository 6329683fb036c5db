package delta

import "strings"

type bufferKind int

const (
	//iota：在 const (...) 里从 0 开始自动递增。这里 bufOriginal = 0, bufAdd = 1
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	// 指针标签，表示从 original 还是 add 切片上偏移
	buf    bufferKind
	offset int // 偏移量
	length int
}

// PieceTable 把 ops 应用到纯文本上。
// 服务端不维护权威文档状态（只转发），这里只用于把快照投影成纯文本，例如判断快照是否为空。
type PieceTable struct {
	// 原始文本切片
	original []rune
	// 新增文本切片
	add []rune
	// 分片列表
	pieces []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			sb.WriteString(string(pt.original[p.offset : p.offset+p.length]))
		case bufAdd:
			sb.WriteString(string(pt.add[p.offset : p.offset+p.length]))
		}
	}
	return sb.String()
}

// Apply 依次执行 ops：
// retain: 沿 piece 列表向前走，对应“移动 pos”；
// insert: 在当前 pos 插入；
// delete: 在当前 pos 删除（通过拆分/丢弃 piece）。
func (pt *PieceTable) Apply(d Delta) error {
	ops, err := d.Decode()
	if err != nil {
		return err
	}
	pos := 0
	for _, op := range ops {
		switch op.Kind() {
		case KindRetain:
			pos += op.Count()

		case KindInsert:
			text := []rune(op.Text())
			if len(text) == 0 {
				continue
			}
			start := len(pt.add)
			pt.add = append(pt.add, text...)
			newPiece := piece{buf: bufAdd, offset: start, length: len(text)}

			idx, offset := pt.locate(pos)
			if idx < len(pt.pieces) {
				cur := pt.pieces[idx]
				left := piece{buf: cur.buf, offset: cur.offset, length: offset}
				right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

				newPieces := make([]piece, 0, len(pt.pieces)+2)
				newPieces = append(newPieces, pt.pieces[:idx]...)
				if left.length > 0 {
					newPieces = append(newPieces, left)
				}
				newPieces = append(newPieces, newPiece)
				if right.length > 0 {
					newPieces = append(newPieces, right)
				}
				newPieces = append(newPieces, pt.pieces[idx+1:]...)
				pt.pieces = newPieces
			} else {
				pt.pieces = append(pt.pieces, newPiece)
			}
			pos += len(text)

		case KindDelete:
			// 要删的剩余长度
			remain := op.Count()
			idx, offset := pt.locate(pos)

			for remain > 0 && idx < len(pt.pieces) {
				cur := pt.pieces[idx]
				// 这个 piece 里还剩多少可删
				take := min(remain, cur.length-offset)

				if offset == 0 && take == cur.length {
					// 整个 piece 都删掉，idx 不动（现在这个位置是下一个 piece）
					pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
				} else {
					// 只删一段：拆成 左 / 右 两段
					leftLen := offset
					rightLen := cur.length - offset - take

					newPieces := make([]piece, 0, len(pt.pieces)+1)
					newPieces = append(newPieces, pt.pieces[:idx]...)
					if leftLen > 0 {
						newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
					}
					if rightLen > 0 {
						newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
					}
					newPieces = append(newPieces, pt.pieces[idx+1:]...)
					pt.pieces = newPieces
					if leftLen > 0 {
						idx++
					}
					offset = 0
				}
				remain -= take
			}
		}
	}
	return nil
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}

// Text 把一个快照投影成纯文本
func Text(d Delta) (string, error) {
	pt := NewPieceTable("")
	if err := pt.Apply(d); err != nil {
		return "", err
	}
	return pt.String(), nil
}

// IsBlank 报告快照的纯文本是否只有空白（Quill 空文档是一个 "\n"）
func IsBlank(d Delta) bool {
	text, err := Text(d)
	if err != nil {
		return false
	}
	return strings.TrimSpace(text) == ""
}
