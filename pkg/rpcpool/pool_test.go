package rpcpool

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/niftylabs/nifty-go/internal/types"
)

// mockEndpoint is a JSON-RPC test server with a fixed genesis hash. When
// failing is set, every method except getGenesisHash returns an RPC
// error.
type mockEndpoint struct {
	genesis types.Hash
	failing atomic.Bool
	calls   atomic.Int64
	srv     *httptest.Server
}

func newMockEndpoint(genesis types.Hash) *mockEndpoint {
	m := &mockEndpoint{genesis: genesis}
	m.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.calls.Add(1)

		var req struct {
			Method string `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		resp := map[string]interface{}{"jsonrpc": "2.0", "id": 1}
		switch {
		case req.Method == "getGenesisHash":
			resp["result"] = m.genesis.String()
		case m.failing.Load():
			resp["error"] = map[string]interface{}{"code": -32005, "message": "Node is behind"}
		case req.Method == "getEpochInfo":
			resp["result"] = map[string]interface{}{
				"epoch":        uint64(7),
				"absoluteSlot": uint64(3_100_000),
				"slotIndex":    uint64(76_000),
				"slotsInEpoch": uint64(432_000),
				"blockHeight":  uint64(2_900_000),
			}
		default:
			resp["error"] = map[string]interface{}{"code": -32601, "message": "Method not found"}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	return m
}

func (m *mockEndpoint) Close() { m.srv.Close() }

func TestConfigurePinsGenesis(t *testing.T) {
	genesis := types.ComputeHash([]byte("cluster-a"))
	ep1 := newMockEndpoint(genesis)
	defer ep1.Close()
	ep2 := newMockEndpoint(genesis)
	defer ep2.Close()

	pool := NewPool()
	defer pool.Shutdown()

	err := pool.Configure(context.Background(), []Target{
		{URL: ep1.srv.URL},
		{URL: ep2.srv.URL},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}

	got, ok := pool.Genesis()
	if !ok || !got.Equals(genesis) {
		t.Errorf("Genesis() = %s, %v", got, ok)
	}
	urls := pool.Endpoints()
	if len(urls) != 2 || urls[0] != ep1.srv.URL || urls[1] != ep2.srv.URL {
		t.Errorf("Endpoints() = %v", urls)
	}
}

func TestConfigureMismatchKeepsOldSet(t *testing.T) {
	ep1 := newMockEndpoint(types.ComputeHash([]byte("cluster-a")))
	defer ep1.Close()
	ep2 := newMockEndpoint(types.ComputeHash([]byte("cluster-b")))
	defer ep2.Close()

	pool := NewPool()
	defer pool.Shutdown()

	if err := pool.Configure(context.Background(), []Target{{URL: ep1.srv.URL}}); err != nil {
		t.Fatalf("initial Configure: %v", err)
	}

	err := pool.Configure(context.Background(), []Target{
		{URL: ep1.srv.URL},
		{URL: ep2.srv.URL},
	})
	if !errors.Is(err, ErrClusterMismatch) {
		t.Fatalf("got %v, want ErrClusterMismatch", err)
	}

	// The failed Configure must not have touched the endpoint set.
	urls := pool.Endpoints()
	if len(urls) != 1 || urls[0] != ep1.srv.URL {
		t.Errorf("Endpoints() = %v after failed Configure", urls)
	}
}

func TestConfigureUnreachableKeepsOldSet(t *testing.T) {
	ep1 := newMockEndpoint(types.ComputeHash([]byte("cluster-a")))
	defer ep1.Close()

	pool := NewPool()
	pool.SetRequestTimeout(200 * time.Millisecond)
	defer pool.Shutdown()

	if err := pool.Configure(context.Background(), []Target{{URL: ep1.srv.URL}}); err != nil {
		t.Fatalf("initial Configure: %v", err)
	}

	err := pool.Configure(context.Background(), []Target{
		{URL: ep1.srv.URL},
		{URL: "http://127.0.0.1:1"},
	})
	if err == nil {
		t.Fatal("Configure with unreachable endpoint succeeded")
	}
	if urls := pool.Endpoints(); len(urls) != 1 {
		t.Errorf("Endpoints() = %v after failed Configure", urls)
	}
}

func TestConfigureRejectsDuplicates(t *testing.T) {
	ep := newMockEndpoint(types.ComputeHash([]byte("cluster-a")))
	defer ep.Close()

	pool := NewPool()
	defer pool.Shutdown()

	err := pool.Configure(context.Background(), []Target{
		{URL: ep.srv.URL},
		{URL: ep.srv.URL},
	})
	if err == nil {
		t.Fatal("duplicate endpoints accepted")
	}
}

func TestDispatchFailsOver(t *testing.T) {
	genesis := types.ComputeHash([]byte("cluster-a"))
	bad := newMockEndpoint(genesis)
	defer bad.Close()
	good := newMockEndpoint(genesis)
	defer good.Close()

	pool := NewPool()
	pool.SetRetryBackoff(time.Millisecond)
	defer pool.Shutdown()

	err := pool.Configure(context.Background(), []Target{
		{URL: bad.srv.URL},
		{URL: good.srv.URL},
	})
	if err != nil {
		t.Fatalf("Configure: %v", err)
	}
	bad.failing.Store(true)

	// Run enough dispatches that rotation must land on the bad endpoint,
	// which has to be retried elsewhere.
	for i := 0; i < 4; i++ {
		err := pool.Dispatch(context.Background(), func(ctx context.Context, conn *Conn) error {
			_, err := conn.GetEpochInfo(ctx)
			return err
		})
		if err != nil {
			t.Fatalf("Dispatch %d: %v", i, err)
		}
	}
}

func TestDispatchOnceDoesNotRetry(t *testing.T) {
	ep := newMockEndpoint(types.ComputeHash([]byte("cluster-a")))
	defer ep.Close()

	pool := NewPool()
	defer pool.Shutdown()

	if err := pool.Configure(context.Background(), []Target{{URL: ep.srv.URL}}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	ep.failing.Store(true)
	before := ep.calls.Load()

	err := pool.DispatchOnce(context.Background(), func(ctx context.Context, conn *Conn) error {
		_, err := conn.GetEpochInfo(ctx)
		return err
	})
	if err == nil {
		t.Fatal("DispatchOnce succeeded against failing endpoint")
	}
	if got := ep.calls.Load() - before; got != 1 {
		t.Errorf("endpoint saw %d calls, want 1", got)
	}
}

func TestDispatchNotConfigured(t *testing.T) {
	pool := NewPool()
	defer pool.Shutdown()

	err := pool.DispatchOnce(context.Background(), func(ctx context.Context, conn *Conn) error {
		return nil
	})
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("got %v, want ErrNotConfigured", err)
	}
}

func TestDispatchReturnsOnShutdown(t *testing.T) {
	ep := newMockEndpoint(types.ComputeHash([]byte("cluster-a")))
	defer ep.Close()

	pool := NewPool()
	pool.SetRetryBackoff(5 * time.Millisecond)

	if err := pool.Configure(context.Background(), []Target{{URL: ep.srv.URL}}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	ep.failing.Store(true)

	done := make(chan error, 1)
	go func() {
		done <- pool.Dispatch(context.Background(), func(ctx context.Context, conn *Conn) error {
			_, err := conn.GetEpochInfo(ctx)
			return err
		})
	}()

	time.Sleep(20 * time.Millisecond)
	pool.Shutdown()

	select {
	case err := <-done:
		if !errors.Is(err, ErrShutdown) {
			t.Errorf("got %v, want ErrShutdown", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Dispatch did not return after Shutdown")
	}
}

func TestDispatchRespectsContext(t *testing.T) {
	ep := newMockEndpoint(types.ComputeHash([]byte("cluster-a")))
	defer ep.Close()

	pool := NewPool()
	pool.SetRetryBackoff(5 * time.Millisecond)
	defer pool.Shutdown()

	if err := pool.Configure(context.Background(), []Target{{URL: ep.srv.URL}}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	ep.failing.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := pool.Dispatch(ctx, func(ctx context.Context, conn *Conn) error {
		_, err := conn.GetEpochInfo(ctx)
		return err
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestRunPeriodically(t *testing.T) {
	ep := newMockEndpoint(types.ComputeHash([]byte("cluster-a")))
	defer ep.Close()

	pool := NewPool()
	if err := pool.Configure(context.Background(), []Target{{URL: ep.srv.URL}}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	var runs atomic.Int64
	pool.RunPeriodically(context.Background(), "test", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	time.Sleep(55 * time.Millisecond)
	pool.Shutdown()
	got := runs.Load()

	if got < 2 {
		t.Errorf("task ran %d times, want at least 2", got)
	}

	// No further runs after Shutdown.
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != got {
		t.Error("task ran after Shutdown")
	}
}

func TestRunPeriodicallyRetriesFailures(t *testing.T) {
	ep := newMockEndpoint(types.ComputeHash([]byte("cluster-a")))
	defer ep.Close()

	pool := NewPool()
	pool.SetRetryBackoff(5 * time.Millisecond)
	if err := pool.Configure(context.Background(), []Target{{URL: ep.srv.URL}}); err != nil {
		t.Fatalf("Configure: %v", err)
	}

	var runs atomic.Int64
	// A long interval with a failing op: reruns must come from the retry
	// backoff, not the interval.
	pool.RunPeriodically(context.Background(), "test", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("transient")
	})

	time.Sleep(40 * time.Millisecond)
	pool.Shutdown()

	if got := runs.Load(); got < 3 {
		t.Errorf("task ran %d times, want at least 3", got)
	}
}
