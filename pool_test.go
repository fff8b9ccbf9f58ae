package procfn_test

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procfn/procfn"
)

type sleepSpec struct {
	Index int           `codec:"index"`
	Sleep time.Duration `codec:"sleep"`
}

func sleepIndex(s sleepSpec) int {
	time.Sleep(s.Sleep)
	return s.Index
}

func newTestPool(t *testing.T, opts *procfn.PoolOptions) *procfn.Pool {
	t.Helper()
	pool, err := procfn.NewPoolWithOptions(opts)
	require.NoError(t, err)
	t.Cleanup(pool.Kill)
	return pool
}

func TestPoolOverlapsTasks(t *testing.T) {
	pool := newTestPool(t, &procfn.PoolOptions{Size: 2})

	start := time.Now()
	var handles []*procfn.JoinHandle[int]
	for i := 0; i < 3; i++ {
		h, err := procfn.PoolSpawn(pool, sleepSpec{Index: i, Sleep: 200 * time.Millisecond}, sleepIndex)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	var got []int
	for _, h := range handles {
		v, err := h.Join()
		require.NoError(t, err)
		got = append(got, v)
	}
	elapsed := time.Since(start)

	sort.Ints(got)
	require.Equal(t, []int{0, 1, 2}, got)
	// Two workers run three 200ms tasks in two waves.
	require.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
	require.Less(t, elapsed, 600*time.Millisecond)
}

func TestPoolBlocksWhenSaturated(t *testing.T) {
	pool := newTestPool(t, &procfn.PoolOptions{Size: 1})

	_, err := procfn.PoolSpawn(pool, sleepSpec{Index: 0, Sleep: 300 * time.Millisecond}, sleepIndex)
	require.NoError(t, err)
	// Give the worker time to pick the first task up.
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	h, err := procfn.PoolSpawn(pool, sleepSpec{Index: 1, Sleep: 10 * time.Millisecond}, sleepIndex)
	require.NoError(t, err)
	blocked := time.Since(start)

	// The submission had to wait for the busy worker.
	require.GreaterOrEqual(t, blocked, 150*time.Millisecond)

	v, err := h.Join()
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestPoolBoundedQueueReportsBusy(t *testing.T) {
	pool := newTestPool(t, &procfn.PoolOptions{Size: 1, QueueSize: 1})

	_, err := procfn.PoolSpawn(pool, sleepSpec{Index: 0, Sleep: 500 * time.Millisecond}, sleepIndex)
	require.NoError(t, err)
	// Give the worker time to take the first task off the queue.
	time.Sleep(100 * time.Millisecond)

	_, err = procfn.PoolSpawn(pool, sleepSpec{Index: 1}, sleepIndex)
	require.NoError(t, err)

	_, err = procfn.PoolSpawn(pool, sleepSpec{Index: 2}, sleepIndex)
	require.ErrorIs(t, err, procfn.ErrPoolBusy)
}

func TestPoolCrashRecovery(t *testing.T) {
	pool := newTestPool(t, &procfn.PoolOptions{Size: 3})

	h, err := procfn.PoolSpawn(pool, struct{}{}, exitOne)
	require.NoError(t, err)

	_, err = h.Join()
	require.ErrorIs(t, err, procfn.ErrRemoteClose)

	// The replacement worker serves the next submission.
	h2, err := procfn.PoolSpawn(pool, []int{2, 3}, sumSlice)
	require.NoError(t, err)
	v, err := h2.Join()
	require.NoError(t, err)
	require.Equal(t, 5, v)
}

func TestPoolWorkerReuse(t *testing.T) {
	pool := newTestPool(t, &procfn.PoolOptions{Size: 1})

	pids := map[int]bool{}
	for i := 0; i < 5; i++ {
		h, err := procfn.PoolSpawn(pool, []int{i}, sumSlice)
		require.NoError(t, err)
		v, err := h.Join()
		require.NoError(t, err)
		require.Equal(t, i, v)
		pids[h.Pid()] = true
	}
	// One long-lived worker served every call.
	require.Len(t, pids, 1)
}

func TestPoolShutdownIsIdempotent(t *testing.T) {
	pool := newTestPool(t, &procfn.PoolOptions{Size: 2})

	h, err := procfn.PoolSpawn(pool, sleepSpec{Index: 7, Sleep: 100 * time.Millisecond}, sleepIndex)
	require.NoError(t, err)

	require.NoError(t, pool.Shutdown(context.Background()))
	require.NoError(t, pool.Shutdown(context.Background()))

	// The in-flight task completed before workers went away.
	v, err := h.Join()
	require.NoError(t, err)
	require.Equal(t, 7, v)

	_, err = procfn.PoolSpawn(pool, []int{1}, sumSlice)
	require.ErrorIs(t, err, procfn.ErrPoolClosed)
}

func TestPoolKillResolvesInFlight(t *testing.T) {
	pool := newTestPool(t, &procfn.PoolOptions{Size: 1})

	h, err := procfn.PoolSpawn(pool, sleepSpec{Index: 0, Sleep: 10 * time.Second}, sleepIndex)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	pool.Kill()

	_, err = h.Join()
	require.ErrorIs(t, err, procfn.ErrKilled)

	_, err = procfn.PoolSpawn(pool, []int{1}, sumSlice)
	require.ErrorIs(t, err, procfn.ErrPoolClosed)
}

func TestPoolHandleKill(t *testing.T) {
	pool := newTestPool(t, &procfn.PoolOptions{Size: 1})

	h, err := procfn.PoolSpawn(pool, sleepSpec{Index: 0, Sleep: 10 * time.Second}, sleepIndex)
	require.NoError(t, err)
	// Wait for the task to land on the worker so a real process dies.
	require.Eventually(t, func() bool { return h.Pid() != 0 },
		2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.Kill())
	_, err = h.Join()
	require.ErrorIs(t, err, procfn.ErrKilled)

	// The pool replaced the killed worker and keeps serving.
	h2, err := procfn.PoolSpawn(pool, []int{4, 5}, sumSlice)
	require.NoError(t, err)
	v, err := h2.Join()
	require.NoError(t, err)
	require.Equal(t, 9, v)
}

func TestPoolJoinWaitsForIdle(t *testing.T) {
	pool := newTestPool(t, &procfn.PoolOptions{Size: 2})

	var handles []*procfn.JoinHandle[int]
	for i := 0; i < 4; i++ {
		h, err := procfn.PoolSpawn(pool, sleepSpec{Index: i, Sleep: 100 * time.Millisecond}, sleepIndex)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	pool.Join()
	require.Zero(t, pool.ActiveCount())
	require.Zero(t, pool.QueuedCount())

	for _, h := range handles {
		select {
		case <-h.Done():
		default:
			t.Fatal("pool.Join returned with a task still in flight")
		}
	}
}

func TestPoolPerWorkerFIFO(t *testing.T) {
	pool := newTestPool(t, &procfn.PoolOptions{Size: 1})

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		h, err := procfn.PoolSpawn(pool, sleepSpec{Index: i, Sleep: 20 * time.Millisecond}, sleepIndex)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := h.Join()
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, v)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Equal(t, []int{0, 1, 2, 3}, order)
}
