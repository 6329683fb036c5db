package collab

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"docsync/backend/internal/delta"
	"docsync/backend/internal/document"
)

type recordingAppender struct {
	mu      sync.Mutex
	entries map[string][]string
	block   chan struct{}
}

func (a *recordingAppender) AppendHistory(ctx context.Context, id string, e document.ChangeEntry) error {
	if a.block != nil {
		<-a.block
	}
	text, err := delta.Text(e.Delta)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[id] = append(a.entries[id], text)
	return nil
}

func insertDelta(t *testing.T, text string) delta.Delta {
	t.Helper()
	d, err := delta.Parse([]byte(fmt.Sprintf(`{"ops":[{"insert":%q}]}`, text)))
	require.NoError(t, err)
	return d
}

func TestHistoryRecorder_PreservesPerDocumentOrder(t *testing.T) {
	app := &recordingAppender{entries: map[string][]string{}}
	r := NewHistoryRecorder(app, HistoryOptions{Shards: 4, QueueSize: 256}, zap.NewNop())

	docs := []string{"doc-a", "doc-b", "doc-c"}
	for i := 0; i < 50; i++ {
		for _, doc := range docs {
			require.True(t, r.Enqueue(doc, document.ChangeEntry{Author: "u1", Delta: insertDelta(t, fmt.Sprint(i))}))
		}
	}
	r.Close()

	for _, doc := range docs {
		got := app.entries[doc]
		require.Len(t, got, 50)
		for i, text := range got {
			require.Equal(t, fmt.Sprint(i), text)
		}
	}
	require.False(t, r.Enqueue("doc-a", document.ChangeEntry{Author: "u1", Delta: delta.Empty()}))
}

func TestHistoryRecorder_DropsWhenFull(t *testing.T) {
	app := &recordingAppender{entries: map[string][]string{}, block: make(chan struct{})}
	r := NewHistoryRecorder(app, HistoryOptions{Shards: 1, QueueSize: 1}, zap.NewNop())

	accepted := 0
	for i := 0; i < 10; i++ {
		if r.Enqueue("doc", document.ChangeEntry{Author: "u1", Delta: insertDelta(t, "x")}) {
			accepted++
		}
	}
	// 一个在 worker 手上，一个在队列里
	require.LessOrEqual(t, accepted, 2)
	require.Equal(t, uint64(10-accepted), r.Dropped())
	close(app.block)
	r.Close()
}
