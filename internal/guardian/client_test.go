package guardian

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedimint/guardianctl/internal/domain"
	"github.com/fedimint/guardianctl/internal/guardian/guardiantest"
	"github.com/fedimint/guardianctl/internal/rpc"
)

type fakeConn struct {
	done chan struct{}
	once sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{done: make(chan struct{})} }

func (f *fakeConn) Call(context.Context, rpc.Request) (rpc.Response, error) {
	return rpc.Response{}, nil
}
func (f *fakeConn) Done() <-chan struct{} { return f.done }
func (f *fakeConn) Close() bool {
	f.once.Do(func() { close(f.done) })
	return true
}

func testOptions(dial DialFunc) Options {
	opts := DefaultOptions()
	opts.BackoffUnit = time.Millisecond
	opts.Dial = dial
	return opts
}

func newTestClient(t *testing.T, srv *guardiantest.Server) *Client {
	t.Helper()
	opts := DefaultOptions()
	opts.BackoffUnit = time.Millisecond
	opts.MaxConnectAttempts = 3
	c := NewClient("g1", srv.URL(), opts)
	t.Cleanup(func() { c.Shutdown() })
	return c
}

// ─── Connect ────────────────────────────────────────────────────────────────

func TestConnect_ConcurrentCallersShareOneAttempt(t *testing.T) {
	var dials atomic.Int32
	release := make(chan struct{})
	conn := newFakeConn()
	c := NewClient("g1", "ws://guardian", testOptions(func(ctx context.Context, url string) (Conn, error) {
		dials.Add(1)
		<-release
		return conn, nil
	}))

	const callers = 20
	results := make(chan Conn, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := c.Connect(context.Background())
			assert.NoError(t, err)
			results <- got
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	close(results)

	assert.EqualValues(t, 1, dials.Load())
	for got := range results {
		assert.Same(t, conn, got)
	}
	assert.True(t, c.Connected())
}

func TestConnect_ConcurrentCallersShareFailure(t *testing.T) {
	var dials atomic.Int32
	opts := testOptions(func(ctx context.Context, url string) (Conn, error) {
		dials.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil, errors.New("refused")
	})
	opts.MaxConnectAttempts = 3
	c := NewClient("g1", "ws://guardian", opts)

	start := make(chan struct{})
	var ready, wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		ready.Add(1)
		go func() {
			defer wg.Done()
			ready.Done()
			<-start
			_, err := c.Connect(context.Background())
			assert.ErrorIs(t, err, domain.ErrConnectionFailed)
		}()
	}
	ready.Wait()
	close(start)
	wg.Wait()
	assert.EqualValues(t, 3, dials.Load())
	assert.False(t, c.Connected())
}

func TestConnect_FibonacciBackoffThenGivesUp(t *testing.T) {
	const unit = 2 * time.Millisecond
	var (
		mu    sync.Mutex
		times []time.Time
	)
	opts := testOptions(func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		times = append(times, time.Now())
		return nil, fmt.Errorf("dial failure %d", len(times))
	})
	opts.BackoffUnit = unit
	c := NewClient("g1", "ws://guardian", opts)

	_, err := c.Connect(context.Background())
	require.ErrorIs(t, err, domain.ErrConnectionFailed)
	assert.Contains(t, err.Error(), "dial failure 10")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 10)
	for k := 1; k < len(times); k++ {
		gap := times[k].Sub(times[k-1])
		assert.GreaterOrEqual(t, gap, BackoffDelay(k+1, unit), "wait before attempt %d", k+1)
	}
}

func TestConnect_FreshAttemptAfterFailure(t *testing.T) {
	var dials atomic.Int32
	opts := testOptions(func(ctx context.Context, url string) (Conn, error) {
		if dials.Add(1) == 1 {
			return nil, errors.New("refused")
		}
		return newFakeConn(), nil
	})
	opts.MaxConnectAttempts = 1
	c := NewClient("g1", "ws://guardian", opts)

	_, err := c.Connect(context.Background())
	require.Error(t, err)
	_, err = c.Connect(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, dials.Load())
}

func TestConnect_NoBaseURL(t *testing.T) {
	c := NewClient("g1", "", testOptions(nil))
	_, err := c.Connect(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoBaseURL)
}

func TestShutdown_CancelsPendingAttempt(t *testing.T) {
	dialed := make(chan struct{}, 16)
	opts := testOptions(func(ctx context.Context, url string) (Conn, error) {
		dialed <- struct{}{}
		return nil, errors.New("refused")
	})
	opts.BackoffUnit = time.Hour
	c := NewClient("g1", "ws://guardian", opts)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background())
		errCh <- err
	}()
	<-dialed
	assert.True(t, c.Shutdown())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, domain.ErrClientShutdown)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Shutdown")
	}
}

func TestConnect_AfterShutdownStartsFresh(t *testing.T) {
	var refuse atomic.Bool
	refuse.Store(true)
	dialed := make(chan struct{}, 16)
	opts := testOptions(func(ctx context.Context, url string) (Conn, error) {
		if refuse.Load() {
			dialed <- struct{}{}
			return nil, errors.New("refused")
		}
		return newFakeConn(), nil
	})
	opts.BackoffUnit = time.Hour
	c := NewClient("g1", "ws://guardian", opts)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Connect(context.Background())
		errCh <- err
	}()
	<-dialed
	c.Shutdown()
	refuse.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := c.Connect(ctx)
	require.NoError(t, err)
	assert.NotNil(t, conn)
	assert.True(t, c.Connected())
	assert.ErrorIs(t, <-errCh, domain.ErrClientShutdown)
}

func TestShutdown_Idempotent(t *testing.T) {
	srv := guardiantest.NewServer()
	defer srv.Close()
	srv.HandleResult(rpc.MethodStatus, domain.StatusResponse{Server: domain.StatusAwaitingPassword})
	c := newTestClient(t, srv)

	_, err := c.Status(context.Background())
	require.NoError(t, err)

	assert.True(t, c.Shutdown())
	assert.True(t, c.Shutdown())
	assert.False(t, c.Connected())
}

// ─── Calls ──────────────────────────────────────────────────────────────────

func TestCall_SendsSessionCredential(t *testing.T) {
	srv := guardiantest.NewServer()
	defer srv.Close()
	srv.HandleResult(rpc.MethodStatus, domain.StatusResponse{Server: domain.StatusReadyForConfigGen})
	c := newTestClient(t, srv)

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReadyForConfigGen, status.Server)
	assert.Nil(t, srv.LastAuth(rpc.MethodStatus))

	c.SetSessionPassword("pw")
	_, err = c.Status(context.Background())
	require.NoError(t, err)
	require.NotNil(t, srv.LastAuth(rpc.MethodStatus))
	assert.Equal(t, "pw", *srv.LastAuth(rpc.MethodStatus))
	assert.Equal(t, 1, srv.Accepted())
}

func TestCall_RemoteErrorIsTyped(t *testing.T) {
	srv := guardiantest.NewServer()
	defer srv.Close()
	srv.HandleError(rpc.MethodRunDKG, rpc.CodeTimeout, "request timed out")
	c := newTestClient(t, srv)

	err := c.RunDKG(context.Background())
	var rerr *rpc.Error
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, rpc.CodeTimeout, rerr.Code)
	assert.True(t, rpc.IsTimeout(err))
	assert.Equal(t, "request timed out", rpc.FormatError(err))
}

func TestCall_ReconnectsAfterDrop(t *testing.T) {
	srv := guardiantest.NewServer()
	defer srv.Close()
	srv.HandleResult(rpc.MethodStatus, domain.StatusResponse{Server: domain.StatusSharingConfigGenParams})
	c := newTestClient(t, srv)

	_, err := c.Status(context.Background())
	require.NoError(t, err)

	srv.DropConnections()
	require.Eventually(t, func() bool { return !c.Connected() }, time.Second, 5*time.Millisecond)

	_, err = c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Accepted())
}

func TestCall_DecodesTypedResults(t *testing.T) {
	srv := guardiantest.NewServer()
	defer srv.Close()
	srv.HandleResult(rpc.MethodGetVerifyConfigHash, map[string]string{"0": "aa", "1": "bb"})
	srv.HandleResult(rpc.MethodGetConsensusConfigGenParams, domain.ConsensusState{
		OurCurrentID: 1,
		Consensus: domain.ConfigGenParams{
			Meta:  map[string]string{"federation_name": "test"},
			Peers: map[int]domain.Peer{0: {Name: "a"}, 1: {Name: "b"}},
		},
	})
	c := newTestClient(t, srv)

	hashes, err := c.GetVerifyConfigHash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.PeerHashMap{0: "aa", 1: "bb"}, hashes)

	state, err := c.GetConsensusConfigGenParams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, state.OurCurrentID)
	assert.Equal(t, []domain.Peer{{Name: "a"}, {Name: "b"}}, state.Consensus.OrderedPeers())
}

func TestSetConfigGenConnections_LeaderURL(t *testing.T) {
	srv := guardiantest.NewServer()
	defer srv.Close()
	var got []rpc.ConfigGenConnections
	var mu sync.Mutex
	srv.Handle(rpc.MethodSetConfigGenConnections, func(_ *string, params json.RawMessage) (any, *rpc.Error) {
		var conns rpc.ConfigGenConnections
		if err := json.Unmarshal(params, &conns); err != nil {
			return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: err.Error()}
		}
		mu.Lock()
		got = append(got, conns)
		mu.Unlock()
		return nil, nil
	})
	c := newTestClient(t, srv)

	require.NoError(t, c.SetConfigGenConnections(context.Background(), "host", ""))
	require.NoError(t, c.SetConfigGenConnections(context.Background(), "follower", "ws://host"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Nil(t, got[0].LeaderAPIURL)
	require.NotNil(t, got[1].LeaderAPIURL)
	assert.Equal(t, "ws://host", *got[1].LeaderAPIURL)
}

// ─── Credentials ────────────────────────────────────────────────────────────

func TestTestPassword_DoesNotTouchStoredCredential(t *testing.T) {
	srv := guardiantest.NewServer()
	defer srv.Close()
	srv.RequirePassword("right")
	srv.HandleResult(rpc.MethodAuth, nil)
	c := newTestClient(t, srv)

	assert.False(t, c.TestPassword(context.Background(), "wrong"))
	assert.True(t, c.TestPassword(context.Background(), "right"))
	assert.Nil(t, c.Password())

	err := c.Auth(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestSetPassword_ClearsOnFailure(t *testing.T) {
	srv := guardiantest.NewServer()
	defer srv.Close()
	srv.HandleError(rpc.MethodSetPassword, rpc.CodeInvalidRequest, "password already set")
	c := newTestClient(t, srv)

	err := c.SetPassword(context.Background(), "pw")
	require.Error(t, err)
	assert.Nil(t, c.Password())

	srv.HandleResult(rpc.MethodSetPassword, nil)
	require.NoError(t, c.SetPassword(context.Background(), "pw"))
	require.NotNil(t, c.Password())
	assert.Equal(t, "pw", *c.Password())
	assert.Equal(t, "pw", *srv.LastAuth(rpc.MethodSetPassword))
}
