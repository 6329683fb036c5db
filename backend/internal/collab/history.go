package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"docsync/backend/internal/document"
	"docsync/backend/internal/store"
)

type HistoryAppender interface {
	AppendHistory(ctx context.Context, id string, entry document.ChangeEntry) error
}

type historyJob struct {
	docID string
	entry document.ChangeEntry
}

type HistoryOptions struct {
	Shards    int
	QueueSize int
	Timeout   time.Duration
}

// HistoryRecorder 把转发过的编辑异步追加到历史。
// 文档按 docID 哈希到固定分片，每个分片一个 worker，同一文档的追加顺序和入队顺序一致。
type HistoryRecorder struct {
	store   HistoryAppender
	shards  []chan historyJob
	timeout time.Duration
	log     *zap.Logger
	wg      sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

func NewHistoryRecorder(s HistoryAppender, opt HistoryOptions, log *zap.Logger) *HistoryRecorder {
	if opt.Shards <= 0 {
		opt.Shards = 4
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 1024
	}
	if opt.Timeout <= 0 {
		opt.Timeout = 5 * time.Second
	}
	r := &HistoryRecorder{store: s, shards: make([]chan historyJob, opt.Shards), timeout: opt.Timeout, log: log}
	for i := range r.shards {
		r.shards[i] = make(chan historyJob, opt.QueueSize)
		r.wg.Add(1)
		go r.worker(r.shards[i])
	}
	return r
}

// Enqueue 不阻塞；分片队列满时丢弃并记日志
func (r *HistoryRecorder) Enqueue(docID string, entry document.ChangeEntry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	shard := r.shards[xxhash.Sum64String(docID)%uint64(len(r.shards))]
	select {
	case shard <- historyJob{docID: docID, entry: entry}:
		return true
	default:
		n := r.dropped.Add(1)
		r.log.Warn("history queue full, drop entry", zap.String("doc", docID), zap.Uint64("dropped", n))
		return false
	}
}

// Close 等所有已入队的记录写完
func (r *HistoryRecorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, ch := range r.shards {
		close(ch)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *HistoryRecorder) Dropped() uint64 { return r.dropped.Load() }

func (r *HistoryRecorder) worker(ch <-chan historyJob) {
	defer r.wg.Done()
	for job := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		err := r.store.AppendHistory(ctx, job.docID, job.entry)
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			// 文档已被删除
			r.log.Debug("history append on missing document", zap.String("doc", job.docID))
			continue
		}
		r.log.Error("history append failed", zap.String("doc", job.docID), zap.String("author", job.entry.Author), zap.Error(err))
	}
}
