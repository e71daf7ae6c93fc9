package dispatch

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "schedcore/pkg/logx"
)

func TestDispatchDeliversInOrder(t *testing.T) {
	x := NewExecutor("test", logx.Nop())
	defer x.Close(context.Background())

	var (
		ls  Listeners[int]
		mu  sync.Mutex
		got []int
	)
	ls.Add(func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	})

	for i := 0; i < 50; i++ {
		Dispatch(x, &ls, i)
	}
	require.NoError(t, x.Flush(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 50)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	var buf bytes.Buffer
	x := NewExecutor("iso", logx.NewWriter(&buf, "debug"))
	defer x.Close(context.Background())

	var ls Listeners[string]
	ls.Add(func(string) { panic("bad listener") })
	delivered := make(chan string, 1)
	ls.Add(func(s string) { delivered <- s })

	Dispatch(x, &ls, "hello")
	select {
	case s := <-delivered:
		require.Equal(t, "hello", s)
	case <-time.After(time.Second):
		t.Fatal("second listener not called")
	}
	require.NoError(t, x.Flush(context.Background()))
	require.True(t, strings.Contains(buf.String(), "listener failed"))
}

func TestRemoveDoesNotAffectInFlight(t *testing.T) {
	x := NewExecutor("inflight", logx.Nop())
	defer x.Close(context.Background())

	block := make(chan struct{})
	var ls Listeners[int]
	calls := make(chan int, 4)
	ls.Add(func(int) { <-block })
	id := ls.Add(func(v int) { calls <- v })

	Dispatch(x, &ls, 1)
	require.True(t, ls.Remove(id))
	require.False(t, ls.Remove(id))
	Dispatch(x, &ls, 2)
	close(block)
	require.NoError(t, x.Flush(context.Background()))

	require.Len(t, calls, 1)
	require.Equal(t, 1, <-calls)
	require.Equal(t, 1, ls.Len())
}

func TestDispatchWithoutListenersIsNoop(t *testing.T) {
	x := NewExecutor("empty", logx.Nop())
	defer x.Close(context.Background())

	var ls Listeners[int]
	Dispatch(x, &ls, 1)
	Dispatch[int](nil, &ls, 1)
	require.NoError(t, x.Flush(context.Background()))
}
