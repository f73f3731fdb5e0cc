package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/kiryu-dev/steam-cm/internal/config"
	"github.com/kiryu-dev/steam-cm/internal/domain"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeProvider struct {
	mu      sync.Mutex
	records []domain.ServerRecord
	updates int
	err     error
}

func (p *fakeProvider) FetchServerList(_ context.Context) ([]domain.ServerRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ServerRecord(nil), p.records...), p.err
}

func (p *fakeProvider) UpdateServerList(_ context.Context, records []domain.ServerRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append([]domain.ServerRecord(nil), records...)
	p.updates++
	return nil
}

type fakeBootstrap struct {
	resp  *domain.CMListResponse
	err   error
	calls int
}

func (b *fakeBootstrap) GetCMList(_ context.Context, _ uint32) (*domain.CMListResponse, error) {
	b.calls++
	return b.resp, b.err
}

func cmList(sockets, websockets []string) *domain.CMListResponse {
	resp := &domain.CMListResponse{}
	resp.Response.Result = domain.ResultOK
	resp.Response.ServerList = sockets
	resp.Response.ServerListWebsockets = websockets
	return resp
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newPool(t *testing.T, records []domain.ServerRecord, cfg config.Discovery) (*useCase, *clock) {
	t.Helper()
	if cfg.FailureWindow == 0 {
		cfg.FailureWindow = time.Minute
	}
	u, err := New(&fakeProvider{records: records}, nil, cfg, 0, zap.NewNop())
	require.NoError(t, err)
	c := &clock{now: time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)}
	u.now = c.Now
	if len(records) > 0 {
		require.NoError(t, u.Load(context.Background()))
	}
	return u, c
}

var (
	s1 = domain.NewSocketServer("10.0.0.1", 27017)
	s2 = domain.NewSocketServer("10.0.0.2", 27017)
	s3 = domain.NewSocketServer("10.0.0.3", 27017)
)

func TestNew_RequiresProvider(t *testing.T) {
	_, err := New(nil, nil, config.Discovery{}, 0, zap.NewNop())
	assert.ErrorIs(t, err, domain.ErrProviderRequired)
}

func TestNext_DistributesAcrossUnfailed(t *testing.T) {
	u, _ := newPool(t, []domain.ServerRecord{s1, s2, s3}, config.Discovery{})
	ctx := context.Background()

	counts := make(map[string]int)
	for i := 0; i < 30; i++ {
		record, protocol, err := u.Next(ctx, domain.TCP)
		require.NoError(t, err)
		require.Equal(t, domain.TCP, protocol)
		counts[record.Address()]++
	}
	want := map[string]int{s1.Address(): 10, s2.Address(): 10, s3.Address(): 10}
	if diff := cmp.Diff(want, counts); diff != "" {
		t.Errorf("selection distribution mismatch; diff:\n%s", diff)
	}
}

func TestNext_PrefersUnfailed(t *testing.T) {
	u, _ := newPool(t, []domain.ServerRecord{s1, s2, s3}, config.Discovery{})
	ctx := context.Background()

	u.MarkBad(s1, domain.TCP)
	for i := 0; i < 10; i++ {
		record, _, err := u.Next(ctx, domain.TCP)
		require.NoError(t, err)
		assert.NotEqual(t, s1.Address(), record.Address())
	}
}

func TestNext_FailoverToOldestFailure(t *testing.T) {
	u, c := newPool(t, []domain.ServerRecord{s1, s2}, config.Discovery{})
	ctx := context.Background()

	u.MarkBad(s2, domain.TCP)
	c.Advance(10 * time.Second)

	record, _, err := u.Next(ctx, domain.TCP)
	require.NoError(t, err)
	assert.Equal(t, s1.Address(), record.Address())

	u.MarkBad(s1, domain.TCP)
	for i := 0; i < 3; i++ {
		record, _, err = u.Next(ctx, domain.TCP)
		require.NoError(t, err)
		assert.Equal(t, s2.Address(), record.Address())
	}
}

func TestNext_RotatesEqualFailures(t *testing.T) {
	u, _ := newPool(t, []domain.ServerRecord{s1, s2}, config.Discovery{})
	ctx := context.Background()

	u.MarkBad(s1, domain.TCP)
	u.MarkBad(s2, domain.TCP)

	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		record, _, err := u.Next(ctx, domain.TCP)
		require.NoError(t, err)
		seen[record.Address()] = true
	}
	assert.Len(t, seen, 2)
}

func TestNext_RandomPolicyStaysOnFailedGroup(t *testing.T) {
	u, _ := newPool(t, []domain.ServerRecord{s1, s2, s3},
		config.Discovery{RankPolicy: config.RankRandom})
	ctx := context.Background()

	u.MarkBad(s1, domain.TCP)
	u.MarkBad(s2, domain.TCP)
	for i := 0; i < 10; i++ {
		record, _, err := u.Next(ctx, domain.TCP)
		require.NoError(t, err)
		assert.Equal(t, s3.Address(), record.Address())
	}

	u.MarkBad(s3, domain.TCP)
	for i := 0; i < 10; i++ {
		_, _, err := u.Next(ctx, domain.TCP)
		require.NoError(t, err)
	}
}

func TestNext_ProtocolFilter(t *testing.T) {
	ws, err := domain.NewWebSocketServer("cmp1.steamserver.net")
	require.NoError(t, err)
	u, _ := newPool(t, []domain.ServerRecord{s1, ws}, config.Discovery{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		record, protocol, err := u.Next(ctx, domain.WebSocket)
		require.NoError(t, err)
		assert.Equal(t, "cmp1.steamserver.net:443", record.Address())
		assert.Equal(t, domain.WebSocket, protocol)
	}

	record, protocol, err := u.Next(ctx, domain.UDP)
	require.NoError(t, err)
	assert.Equal(t, s1.Address(), record.Address())
	assert.Equal(t, domain.UDP, protocol)
}

func TestNext_EmptyPool(t *testing.T) {
	u, _ := newPool(t, nil, config.Discovery{})

	_, _, err := u.Next(context.Background(), domain.AllProtocols)
	assert.ErrorIs(t, err, domain.ErrNoServers)
	assert.ErrorIs(t, err, domain.ErrBootstrapFailed)
}

func TestNext_NoCompatibleProtocol(t *testing.T) {
	u, _ := newPool(t, []domain.ServerRecord{s1}, config.Discovery{})

	_, _, err := u.Next(context.Background(), domain.WebSocket)
	assert.ErrorIs(t, err, domain.ErrNoServers)
}

func TestMarkBad_Monotonic(t *testing.T) {
	u, c := newPool(t, []domain.ServerRecord{s1}, config.Discovery{})

	u.MarkBad(s1, domain.TCP)
	first := c.Now()
	c.Advance(-time.Hour)
	u.MarkBad(s1, domain.TCP)

	for _, info := range u.All() {
		if info.Protocol() != domain.TCP {
			continue
		}
		lastBad, ok := info.LastBadConnection()
		require.True(t, ok)
		assert.True(t, lastBad.Equal(first), "want = %v, got = %v", first, lastBad)
	}
}

func TestMarkBad_ZeroProtocolMarksAll(t *testing.T) {
	u, _ := newPool(t, []domain.ServerRecord{s1}, config.Discovery{})

	u.MarkBad(s1, 0)
	for _, info := range u.All() {
		_, ok := info.LastBadConnection()
		assert.True(t, ok, "protocol %s not marked", info.Protocol())
	}
}

func TestMarkGood_RestoresRank(t *testing.T) {
	u, c := newPool(t, []domain.ServerRecord{s1, s2}, config.Discovery{})
	ctx := context.Background()

	u.MarkBad(s1, domain.TCP)
	c.Advance(time.Second)
	u.MarkBad(s2, domain.TCP)
	c.Advance(time.Second)
	u.MarkGood(s2, domain.TCP)

	record, _, err := u.Next(ctx, domain.TCP)
	require.NoError(t, err)
	assert.Equal(t, s2.Address(), record.Address())

	for _, info := range u.All() {
		if info.Record().Address() == s2.Address() && info.Protocol() == domain.TCP {
			_, ok := info.LastBadConnection()
			assert.True(t, ok)
		}
	}
}

func TestExhausted(t *testing.T) {
	u, c := newPool(t, []domain.ServerRecord{s1, s2}, config.Discovery{FailureWindow: 30 * time.Second})

	assert.False(t, u.Exhausted(domain.TCP))

	u.MarkBad(s1, domain.TCP)
	assert.False(t, u.Exhausted(domain.TCP))

	u.MarkBad(s2, domain.TCP)
	assert.True(t, u.Exhausted(domain.TCP))
	assert.False(t, u.Exhausted(domain.UDP))

	c.Advance(31 * time.Second)
	assert.False(t, u.Exhausted(domain.TCP))
}

func TestLoad_BootstrapFallback(t *testing.T) {
	provider := &fakeProvider{}
	bootstrap := &fakeBootstrap{resp: cmList(
		[]string{"10.0.0.1:27017", "bogus", "10.0.0.1:27017"},
		[]string{"cmp1.steamserver.net:443"},
	)}
	u, err := New(provider, bootstrap, config.Discovery{FailureWindow: time.Minute}, 7, zap.NewNop())
	require.NoError(t, err)

	record, _, err := u.Next(context.Background(), domain.TCP)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:27017", record.Address())
	assert.Equal(t, 1, bootstrap.calls)

	persisted, err := provider.FetchServerList(context.Background())
	require.NoError(t, err)
	got := make([]string, 0, len(persisted))
	for _, r := range persisted {
		got = append(got, r.String())
	}
	want := []string{"10.0.0.1:27017 (tcp,udp)", "cmp1.steamserver.net:443 (websocket)"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("persisted list mismatch; diff:\n%s", diff)
	}

	_, _, err = u.Next(context.Background(), domain.WebSocket)
	require.NoError(t, err)
	assert.Equal(t, 1, bootstrap.calls, "bootstrap must run once")
	assert.Len(t, u.Records(), 2)
}

func TestLoad_BootstrapFailure(t *testing.T) {
	resp := cmList(nil, nil)
	resp.Response.Result = 2
	resp.Response.Message = "busy"
	bootstrap := &fakeBootstrap{resp: resp}
	u, err := New(&fakeProvider{}, bootstrap, config.Discovery{}, 0, zap.NewNop())
	require.NoError(t, err)

	_, _, err = u.Next(context.Background(), domain.TCP)
	assert.ErrorIs(t, err, domain.ErrNoServers)
	assert.ErrorIs(t, err, domain.ErrBootstrapFailed)

	bootstrap.resp = cmList([]string{"10.0.0.9:27017"}, nil)
	_, _, err = u.Next(context.Background(), domain.TCP)
	assert.NoError(t, err, "a failed load must be retried")
}

func TestLoad_ProviderErrorFallsBack(t *testing.T) {
	provider := &fakeProvider{err: errors.New("disk on fire")}
	bootstrap := &fakeBootstrap{resp: cmList([]string{"10.0.0.1:27017"}, nil)}
	u, err := New(provider, bootstrap, config.Discovery{}, 0, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, u.Load(context.Background()))
	assert.Equal(t, 1, bootstrap.calls)
}

func TestMerge_KeepsHistory(t *testing.T) {
	u, _ := newPool(t, []domain.ServerRecord{s1}, config.Discovery{})
	ctx := context.Background()
	u.MarkBad(s1, domain.TCP)

	ws, err := domain.NewWebSocketServer("10.0.0.1:27017")
	require.NoError(t, err)
	require.NoError(t, u.Merge(ctx, []domain.ServerRecord{s2, ws}))

	records := u.Records()
	require.Len(t, records, 2)
	assert.Equal(t, domain.AllProtocols, records[0].Protocols())

	for _, info := range u.All() {
		_, failed := info.LastBadConnection()
		wantFailed := info.Record().Address() == s1.Address() && info.Protocol() == domain.TCP
		assert.Equal(t, wantFailed, failed, "%s/%s", info.Record().Address(), info.Protocol())
	}
}

func TestMerge_LoadsPersistedListFirst(t *testing.T) {
	provider := &fakeProvider{records: []domain.ServerRecord{s1}}
	u, err := New(provider, nil, config.Discovery{}, 0, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, u.Merge(context.Background(), []domain.ServerRecord{s2}))

	var got []string
	for _, record := range u.Records() {
		got = append(got, record.Address())
	}
	want := []string{s1.Address(), s2.Address()}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Records() mismatch; diff:\n%s", diff)
	}
	assert.Len(t, provider.records, 2)
}

func TestRefresh_ReplacesList(t *testing.T) {
	provider := &fakeProvider{records: []domain.ServerRecord{s1}}
	bootstrap := &fakeBootstrap{resp: cmList([]string{"10.0.0.2:27017"}, nil)}
	u, err := New(provider, bootstrap, config.Discovery{}, 0, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, u.Load(ctx))
	require.NoError(t, u.Refresh(ctx))

	records := u.Records()
	require.Len(t, records, 1)
	assert.Equal(t, s2.Address(), records[0].Address())
	assert.Equal(t, 1, provider.updates)
}

func TestNextProxy_Ranking(t *testing.T) {
	u, _ := newPool(t, []domain.ServerRecord{s1}, config.Discovery{
		Proxies:          []string{"http://10.1.0.1:3128", "http://10.1.0.2:3128"},
		MaxProxyFailures: 2,
	})

	first, err := u.NextProxy()
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.1:3128", first.URL().Host)

	u.MarkProxyBad(first)
	second, err := u.NextProxy()
	require.NoError(t, err)
	assert.Equal(t, "10.1.0.2:3128", second.URL().Host)

	u.MarkProxyBad(second)
	u.MarkProxyBad(second)
	again, err := u.NextProxy()
	require.NoError(t, err)
	assert.Equal(t, first.ID(), again.ID())

	u.MarkProxyBad(first)
	_, err = u.NextProxy()
	assert.ErrorIs(t, err, domain.ErrNoProxies)

	require.NoError(t, u.Reset(context.Background()))
	fresh, err := u.NextProxy()
	require.NoError(t, err)
	assert.Zero(t, fresh.FailureCount())
}

func TestNextProxy_NoneConfigured(t *testing.T) {
	u, _ := newPool(t, nil, config.Discovery{})
	_, err := u.NextProxy()
	assert.ErrorIs(t, err, domain.ErrNoProxies)
}

func TestNew_InvalidProxy(t *testing.T) {
	_, err := New(&fakeProvider{}, nil, config.Discovery{Proxies: []string{"10.0.0.1"}}, 0, zap.NewNop())
	assert.Error(t, err)
}

func TestMarkProxyBad_Concurrent(t *testing.T) {
	u, _ := newPool(t, nil, config.Discovery{Proxies: []string{"socks5://10.1.0.1:1080"}})
	proxy, err := u.NextProxy()
	require.NoError(t, err)

	const (
		threads = 16
		times   = 250
	)
	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < times; j++ {
				u.MarkProxyBad(proxy)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint64(threads*times), proxy.FailureCount())
}

func TestPool_ConcurrentSelection(t *testing.T) {
	u, _ := newPool(t, []domain.ServerRecord{s1, s2, s3}, config.Discovery{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				record, protocol, err := u.Next(ctx, domain.AllProtocols)
				if err != nil {
					t.Error(err)
					return
				}
				if (i+j)%3 == 0 {
					u.MarkBad(record, protocol)
				} else {
					u.MarkGood(record, protocol)
				}
				_ = u.Exhausted(domain.AllProtocols)
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, u.All(), 6)
}
