package collab

import (
	"context"
	"sync"
	"time"

	"docsync/backend/internal/delta"
)

// SaveFunc 执行一次快照写入，返回写入时间
type SaveFunc func(ctx context.Context, docID string, snapshot delta.Delta) (time.Time, error)

type SaveResult struct {
	DocumentID string
	SavedAt    time.Time
	Err        error
}

type PersisterOptions struct {
	// Floor 两次写入之间的最小间隔，期间提交的快照合并为最新的一份
	Floor time.Duration
	// Timeout 单次写入超时
	Timeout time.Duration
	// SkipEmpty 纯文本为空白的快照不写
	SkipEmpty bool
}

// Persister 会话级别的保存调度：写入在自己的 goroutine 上执行，不占用转发路径。
type Persister struct {
	save     SaveFunc
	opt      PersisterOptions
	onResult func(SaveResult)

	mu      sync.Mutex
	pending map[string]delta.Delta
	order   []string
	wake    chan struct{}

	lastWrite time.Time
}

func NewPersister(save SaveFunc, opt PersisterOptions, onResult func(SaveResult)) *Persister {
	if opt.Timeout <= 0 {
		opt.Timeout = 5 * time.Second
	}
	if onResult == nil {
		onResult = func(SaveResult) {}
	}
	return &Persister{
		save:     save,
		opt:      opt,
		onResult: onResult,
		pending:  make(map[string]delta.Delta),
		wake:     make(chan struct{}, 1),
	}
}

// Submit 登记一份待写快照，同一文档未写出的旧快照被替换。
// 返回 false 表示按 SkipEmpty 策略被丢弃。
func (p *Persister) Submit(docID string, snapshot delta.Delta) bool {
	if p.opt.SkipEmpty && delta.IsBlank(snapshot) {
		return false
	}
	p.mu.Lock()
	if _, ok := p.pending[docID]; !ok {
		p.order = append(p.order, docID)
	}
	p.pending[docID] = snapshot
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return true
}

// Run 阻塞直到 ctx 结束；结束前把还没写出的快照写一次
func (p *Persister) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.flush()
			return
		case <-p.wake:
		}

		if wait := p.opt.Floor - time.Since(p.lastWrite); !p.lastWrite.IsZero() && wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				p.flush()
				return
			case <-timer.C:
			}
		}
		p.flush()
	}
}

func (p *Persister) flush() {
	p.mu.Lock()
	order, pending := p.order, p.pending
	p.order, p.pending = nil, make(map[string]delta.Delta)
	p.mu.Unlock()

	for _, docID := range order {
		// 会话 ctx 可能已经取消，写入用独立的超时 ctx
		ctx, cancel := context.WithTimeout(context.Background(), p.opt.Timeout)
		savedAt, err := p.save(ctx, docID, pending[docID])
		cancel()
		p.lastWrite = time.Now()
		p.onResult(SaveResult{DocumentID: docID, SavedAt: savedAt, Err: err})
	}
}
