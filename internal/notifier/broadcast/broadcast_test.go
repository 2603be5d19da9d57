package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	kit "hundredbot/internal/transport"
	logx "hundredbot/pkg/logx"
)

func TestBroadcastReachesEveryTarget(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		seen []int64
	)
	send := func(ctx context.Context, to kit.ChatTarget, text string) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, to.ChatID)
		if to.ChatID == 2 {
			return errors.New("blocked")
		}
		return nil
	}
	s := New(send, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	done := make(chan JobStatus, 1)
	id, err := s.Enqueue([]kit.ChatTarget{{ChatID: 1}, {ChatID: 2}, {ChatID: 3}}, "hello", func(_ context.Context, st JobStatus) {
		done <- st
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case st := <-done:
		if st.ID != id || st.Sent != 2 || st.Failed != 1 || st.Running {
			t.Fatalf("status = %+v", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast did not finish")
	}
	if got, ok := s.Status(id); !ok || got.DoneAt.IsZero() {
		t.Fatalf("stored status = %+v %v", got, ok)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 3 {
		t.Fatalf("seen = %v", seen)
	}
}
