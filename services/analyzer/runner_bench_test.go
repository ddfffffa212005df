package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/kaiwen1281/MOSSAI/internal/domain"
	"github.com/kaiwen1281/MOSSAI/internal/gate"
	"github.com/kaiwen1281/MOSSAI/internal/store"
)

// BenchmarkRunner_Run measures the runner itself with no-op collaborators:
// state writes, gate acquisition and result bookkeeping.
func BenchmarkRunner_Run(b *testing.B) {
	st := store.NewMemory()
	r := NewRunner(st, &fakeExtractor{}, &fakeAnalyzer{}, gate.New(4, 4),
		WithLogger(discardLogger()),
		WithRetryDelay(time.Millisecond),
	)
	ctx := context.Background()
	req := videoRequest(domain.LevelMedium)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		task, err := st.Create(ctx, req)
		if err != nil {
			b.Fatal(err)
		}
		r.Run(ctx, task.ID)
	}
}

// BenchmarkRunner_Run_Parallel measures throughput when tasks contend for
// gate slots and the store lock.
func BenchmarkRunner_Run_Parallel(b *testing.B) {
	st := store.NewMemory()
	r := NewRunner(st, &fakeExtractor{}, &fakeAnalyzer{}, gate.New(4, 4),
		WithLogger(discardLogger()),
		WithRetryDelay(time.Millisecond),
	)
	req := videoRequest(domain.LevelHigh)

	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			task, err := st.Create(ctx, req)
			if err != nil {
				b.Error(err)
				return
			}
			r.Run(ctx, task.ID)
		}
	})
}
