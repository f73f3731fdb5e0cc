package discovery

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/kiryu-dev/steam-cm/internal/config"
	"github.com/kiryu-dev/steam-cm/internal/domain"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ServerInfo is the pool's view of one record reachable over one protocol.
type ServerInfo struct {
	record   domain.ServerRecord
	protocol domain.ProtocolType
	lastBad  time.Time
	lastGood time.Time
}

func (s ServerInfo) Record() domain.ServerRecord {
	return s.record
}

func (s ServerInfo) Protocol() domain.ProtocolType {
	return s.protocol
}

// LastBadConnection returns false until the first failure has been recorded.
func (s ServerInfo) LastBadConnection() (time.Time, bool) {
	return s.lastBad, !s.lastBad.IsZero()
}

func (s ServerInfo) LastGoodConnection() (time.Time, bool) {
	return s.lastGood, !s.lastGood.IsZero()
}

// healthy entries never failed or connected successfully after their last failure.
func (s *ServerInfo) healthy() bool {
	return s.lastBad.IsZero() || s.lastGood.After(s.lastBad)
}

type entryKey struct {
	key      uint64
	protocol domain.ProtocolType
}

type useCase struct {
	provider  domain.ServerListProvider
	bootstrap domain.BootstrapRepository
	cellID    uint32

	policy        string
	failureWindow time.Duration

	// loadMu serializes provider and bootstrap I/O, mu guards the in-memory state only.
	loadMu  sync.Mutex
	loaded  *atomic.Bool
	mu      sync.RWMutex
	entries []*ServerInfo
	byKey   map[entryKey]*ServerInfo

	rotation *atomic.Uint64

	proxyURLs        []string
	proxies          []*domain.ProxyState
	maxProxyFailures uint64

	now    func() time.Time
	logger *zap.Logger
}

func New(provider domain.ServerListProvider, bootstrap domain.BootstrapRepository, cfg config.Discovery,
	cellID uint32, logger *zap.Logger) (*useCase, error) {
	if provider == nil {
		return nil, domain.ErrProviderRequired
	}
	proxies, err := parseProxies(cfg.Proxies)
	if err != nil {
		return nil, err
	}
	policy := cfg.RankPolicy
	if policy == "" {
		policy = config.RankOldestFailure
	}
	logger.Info("server pool created",
		zap.String("rank_policy", policy),
		zap.Duration("failure_window", cfg.FailureWindow),
		zap.Int("proxies", len(proxies)))
	return &useCase{
		provider:         provider,
		bootstrap:        bootstrap,
		cellID:           cellID,
		policy:           policy,
		failureWindow:    cfg.FailureWindow,
		loaded:           atomic.NewBool(false),
		byKey:            make(map[entryKey]*ServerInfo),
		rotation:         atomic.NewUint64(0),
		proxyURLs:        cfg.Proxies,
		proxies:          proxies,
		maxProxyFailures: cfg.MaxProxyFailures,
		now:              time.Now,
		logger:           logger,
	}, nil
}

func parseProxies(raw []string) ([]*domain.ProxyState, error) {
	proxies := make([]*domain.ProxyState, 0, len(raw))
	for _, r := range raw {
		proxy, err := domain.ParseProxyState(r)
		if err != nil {
			return nil, errors.WithMessage(err, "parse proxies")
		}
		proxies = append(proxies, proxy)
	}
	return proxies, nil
}

// Next picks the best candidate compatible with protocols and the single protocol to use.
// An empty pool is reported with domain.ErrNoServers.
func (u *useCase) Next(ctx context.Context, protocols domain.ProtocolType) (domain.ServerRecord, domain.ProtocolType, error) {
	if err := u.ensureLoaded(ctx); err != nil {
		return domain.ServerRecord{}, 0, err
	}

	u.mu.RLock()
	defer u.mu.RUnlock()

	var healthy, failed []*ServerInfo
	for _, entry := range u.entries {
		if !protocols.Intersects(entry.protocol) {
			continue
		}
		if entry.healthy() {
			healthy = append(healthy, entry)
		} else {
			failed = append(failed, entry)
		}
	}
	switch {
	case len(healthy) > 0:
		entry := healthy[u.rotate(len(healthy))]
		return entry.record, entry.protocol, nil
	case len(failed) > 0:
		entry := u.pickFailed(failed)
		return entry.record, entry.protocol, nil
	}
	return domain.ServerRecord{}, 0, errors.WithMessagef(domain.ErrNoServers, "protocols '%s'", protocols)
}

func (u *useCase) rotate(n int) int {
	return int((u.rotation.Inc() - 1) % uint64(n))
}

func (u *useCase) pickFailed(failed []*ServerInfo) *ServerInfo {
	if u.policy == config.RankRandom {
		return failed[rand.Intn(len(failed))]
	}
	oldest := failed[0].lastBad
	for _, entry := range failed[1:] {
		if entry.lastBad.Before(oldest) {
			oldest = entry.lastBad
		}
	}
	ties := make([]*ServerInfo, 0, 1)
	for _, entry := range failed {
		if entry.lastBad.Equal(oldest) {
			ties = append(ties, entry)
		}
	}
	return ties[u.rotate(len(ties))]
}

// MarkBad records a failed attempt. A zero protocol marks every protocol of the record.
func (u *useCase) MarkBad(record domain.ServerRecord, protocol domain.ProtocolType) {
	now := u.now()
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, entry := range u.lookup(record, protocol) {
		if now.After(entry.lastBad) {
			entry.lastBad = now
		}
	}
	u.logger.Info("server marked bad",
		zap.String("server", record.Address()),
		zap.Stringer("protocol", protocol))
}

// MarkGood records a successful connection. The last failure timestamp is kept.
func (u *useCase) MarkGood(record domain.ServerRecord, protocol domain.ProtocolType) {
	now := u.now()
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, entry := range u.lookup(record, protocol) {
		if now.After(entry.lastGood) {
			entry.lastGood = now
		}
	}
}

func (u *useCase) lookup(record domain.ServerRecord, protocol domain.ProtocolType) []*ServerInfo {
	if protocol == 0 {
		protocol = domain.AllProtocols
	}
	var found []*ServerInfo
	protocol.Each(func(single domain.ProtocolType) {
		if entry, ok := u.byKey[entryKey{key: record.Key(), protocol: single}]; ok {
			found = append(found, entry)
		}
	})
	return found
}

// Exhausted reports whether every compatible entry failed within the failure window.
func (u *useCase) Exhausted(protocols domain.ProtocolType) bool {
	now := u.now()
	u.mu.RLock()
	defer u.mu.RUnlock()
	for _, entry := range u.entries {
		if !protocols.Intersects(entry.protocol) {
			continue
		}
		if entry.healthy() || now.Sub(entry.lastBad) >= u.failureWindow {
			return false
		}
	}
	return true
}

// NextProxy returns the proxy with the fewest failures that is still below the limit.
func (u *useCase) NextProxy() (*domain.ProxyState, error) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	var best *domain.ProxyState
	for _, proxy := range u.proxies {
		count := proxy.FailureCount()
		if u.maxProxyFailures > 0 && count >= u.maxProxyFailures {
			continue
		}
		if best == nil || count < best.FailureCount() {
			best = proxy
		}
	}
	if best == nil {
		return nil, domain.ErrNoProxies
	}
	return best, nil
}

func (u *useCase) MarkProxyBad(proxy *domain.ProxyState) {
	count := proxy.IncrementFailureCount()
	u.logger.Warn("proxy connection failed",
		zap.String("proxy", proxy.String()),
		zap.Uint64("failures", count))
}

// All returns a snapshot of the pool.
func (u *useCase) All() []ServerInfo {
	u.mu.RLock()
	defer u.mu.RUnlock()
	snapshot := make([]ServerInfo, 0, len(u.entries))
	for _, entry := range u.entries {
		snapshot = append(snapshot, *entry)
	}
	return snapshot
}

// Load fills the pool from the provider, falling back to bootstrap when the provider is empty.
func (u *useCase) Load(ctx context.Context) error {
	u.loadMu.Lock()
	defer u.loadMu.Unlock()
	return u.load(ctx, false)
}

func (u *useCase) ensureLoaded(ctx context.Context) error {
	if u.loaded.Load() {
		return nil
	}
	u.loadMu.Lock()
	defer u.loadMu.Unlock()
	if u.loaded.Load() {
		return nil
	}
	return u.load(ctx, false)
}

func (u *useCase) load(ctx context.Context, keepState bool) error {
	records, err := u.provider.FetchServerList(ctx)
	if err != nil {
		u.logger.Warn("fetch server list", zap.Error(err))
	}
	if len(records) == 0 {
		records, err = u.fetchBootstrap(ctx)
		if err != nil {
			return multierr.Append(domain.ErrNoServers, err)
		}
	}
	u.replace(records, keepState)
	u.loaded.Store(true)
	u.logger.Info("server pool loaded", zap.Int("records", len(records)))
	return nil
}

func (u *useCase) fetchBootstrap(ctx context.Context) ([]domain.ServerRecord, error) {
	if u.bootstrap == nil {
		return nil, errors.WithMessage(domain.ErrBootstrapFailed, "no bootstrap repository")
	}
	resp, err := u.bootstrap.GetCMList(ctx, u.cellID)
	if err != nil {
		return nil, errors.WithMessage(err, "get cm list")
	}
	records, err := resp.Records()
	if err != nil {
		return nil, err
	}
	records = dedupe(records)
	if err := u.provider.UpdateServerList(ctx, records); err != nil {
		u.logger.Warn("persist bootstrap server list", zap.Error(err))
	}
	u.logger.Info("server list bootstrapped",
		zap.Uint32("cell_id", u.cellID),
		zap.Int("records", len(records)))
	return records, nil
}

// Refresh replaces the pool with a fresh bootstrap list, keeping the failure history of
// endpoints present in both lists.
func (u *useCase) Refresh(ctx context.Context) error {
	u.loadMu.Lock()
	defer u.loadMu.Unlock()
	records, err := u.fetchBootstrap(ctx)
	if err != nil {
		return err
	}
	u.replace(records, true)
	u.loaded.Store(true)
	return nil
}

// Merge admits new records, persists the combined list and keeps existing history.
func (u *useCase) Merge(ctx context.Context, records []domain.ServerRecord) error {
	u.loadMu.Lock()
	defer u.loadMu.Unlock()
	if !u.loaded.Load() {
		if err := u.load(ctx, false); err != nil {
			u.logger.Warn("load server list before merge", zap.Error(err))
		}
	}
	combined := append(u.Records(), records...)
	if err := u.provider.UpdateServerList(ctx, dedupe(combined)); err != nil {
		return errors.WithMessage(err, "update server list")
	}
	u.replace(combined, true)
	u.loaded.Store(true)
	return nil
}

// Reset reloads the pool from the provider, dropping all failure history and proxy counters.
func (u *useCase) Reset(ctx context.Context) error {
	proxies, err := parseProxies(u.proxyURLs)
	if err != nil {
		return err
	}
	u.loadMu.Lock()
	defer u.loadMu.Unlock()
	u.mu.Lock()
	u.proxies = proxies
	u.mu.Unlock()
	return u.load(ctx, false)
}

// Records returns the distinct records currently in the pool.
func (u *useCase) Records() []domain.ServerRecord {
	u.mu.RLock()
	defer u.mu.RUnlock()
	records := make([]domain.ServerRecord, 0, len(u.entries))
	for _, entry := range u.entries {
		records = append(records, entry.record)
	}
	return dedupe(records)
}

func (u *useCase) replace(records []domain.ServerRecord, keepState bool) {
	records = dedupe(records)
	entries := make([]*ServerInfo, 0, len(records))
	byKey := make(map[entryKey]*ServerInfo, len(records))

	u.mu.Lock()
	defer u.mu.Unlock()
	for _, record := range records {
		record.Protocols().Each(func(single domain.ProtocolType) {
			key := entryKey{key: record.Key(), protocol: single}
			entry := &ServerInfo{record: record, protocol: single}
			if prev, ok := u.byKey[key]; ok && keepState {
				entry.lastBad = prev.lastBad
				entry.lastGood = prev.lastGood
			}
			entries = append(entries, entry)
			byKey[key] = entry
		})
	}
	u.entries = entries
	u.byKey = byKey
}

// dedupe merges records sharing an endpoint into one record with the union of protocols.
func dedupe(records []domain.ServerRecord) []domain.ServerRecord {
	index := make(map[uint64]int, len(records))
	result := make([]domain.ServerRecord, 0, len(records))
	for _, record := range records {
		if record.IsZero() {
			continue
		}
		if i, ok := index[record.Key()]; ok {
			result[i] = result[i].WithProtocols(record.Protocols())
			continue
		}
		index[record.Key()] = len(result)
		result = append(result, record)
	}
	return result
}
