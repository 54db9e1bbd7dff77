package service

import (
	"context"
	"sync"
	"time"
)

// 店内存假实现。仓储真实现的行为在 repository 包用 miniredis 覆盖，
// 这里只需要可控的返回值与调用记录。

type fakeAccountStore struct {
	mu       sync.Mutex
	accounts map[string]map[string]*Account // platform → id → account
	touched  []string
}

func newFakeAccountStore(accounts ...*Account) *fakeAccountStore {
	s := &fakeAccountStore{accounts: make(map[string]map[string]*Account)}
	for _, a := range accounts {
		s.put(a)
	}
	return s
}

func (s *fakeAccountStore) put(a *Account) {
	if s.accounts[a.Platform] == nil {
		s.accounts[a.Platform] = make(map[string]*Account)
	}
	s.accounts[a.Platform][a.ID] = a
}

func (s *fakeAccountStore) Get(_ context.Context, platform, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[platform][id]; ok {
		return a, nil
	}
	return nil, ErrAccountNotFound
}

func (s *fakeAccountStore) ListIDs(_ context.Context, platform string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.accounts[platform] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeAccountStore) ListByPlatform(_ context.Context, platform string) ([]*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Account
	for _, a := range s.accounts[platform] {
		out = append(out, a)
	}
	return out, nil
}

func (s *fakeAccountStore) Save(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(a)
	return nil
}

func (s *fakeAccountStore) Delete(_ context.Context, platform, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accounts[platform], id)
	return nil
}

func (s *fakeAccountStore) UpdateStatus(_ context.Context, platform, id, status, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[platform][id]; ok {
		a.Status = status
		a.ErrorMessage = errorMessage
	}
	return nil
}

func (s *fakeAccountStore) SetRateLimited(_ context.Context, platform, id string, limited bool, resetAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[platform][id]; ok {
		if limited {
			a.RateLimitStatus = "limited"
		} else {
			a.RateLimitStatus = ""
		}
		a.RateLimitResetAt = resetAt
	}
	return nil
}

func (s *fakeAccountStore) TouchLastUsed(_ context.Context, platform, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[platform][id]; ok {
		t := now
		a.LastUsedAt = &t
	}
	s.touched = append(s.touched, id)
	return nil
}

func (s *fakeAccountStore) SetSchedulable(_ context.Context, platform, id string, schedulable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[platform][id]; ok {
		a.Schedulable = schedulable
	}
	return nil
}

type fakeGroupStore struct {
	groups         map[string]*AccountGroup
	members        map[string][]string
	rebuiltReverse bool
}

func newFakeGroupStore() *fakeGroupStore {
	return &fakeGroupStore{
		groups:  make(map[string]*AccountGroup),
		members: make(map[string][]string),
	}
}

func (s *fakeGroupStore) Get(_ context.Context, id string) (*AccountGroup, error) {
	if g, ok := s.groups[id]; ok {
		return g, nil
	}
	return nil, ErrGroupNotFound
}

func (s *fakeGroupStore) Save(_ context.Context, g *AccountGroup) error {
	s.groups[g.ID] = g
	return nil
}

func (s *fakeGroupStore) Delete(_ context.Context, id string) error {
	delete(s.groups, id)
	return nil
}

func (s *fakeGroupStore) List(_ context.Context) ([]*AccountGroup, error) {
	var out []*AccountGroup
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out, nil
}

func (s *fakeGroupStore) Members(_ context.Context, groupID string) ([]string, error) {
	return s.members[groupID], nil
}

func (s *fakeGroupStore) AddMember(_ context.Context, groupID, _, accountID string) error {
	s.members[groupID] = append(s.members[groupID], accountID)
	return nil
}

func (s *fakeGroupStore) RemoveMember(_ context.Context, groupID, _, accountID string) error {
	kept := s.members[groupID][:0]
	for _, id := range s.members[groupID] {
		if id != accountID {
			kept = append(kept, id)
		}
	}
	s.members[groupID] = kept
	return nil
}

func (s *fakeGroupStore) GroupsOfAccount(_ context.Context, _, accountID string) ([]string, error) {
	var out []string
	for groupID, ids := range s.members {
		for _, id := range ids {
			if id == accountID {
				out = append(out, groupID)
			}
		}
	}
	return out, nil
}

func (s *fakeGroupStore) RebuildReverseIndex(_ context.Context) error {
	s.rebuiltReverse = true
	return nil
}

type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]string
	renewals int
	deletes  int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]string)}
}

func (s *fakeSessionStore) Get(_ context.Context, scopedHash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[scopedHash], nil
}

func (s *fakeSessionStore) Set(_ context.Context, scopedHash, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[scopedHash] = accountID
	return nil
}

func (s *fakeSessionStore) RenewIfNeeded(_ context.Context, scopedHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[scopedHash]; !ok {
		return false, nil
	}
	s.renewals++
	return true, nil
}

func (s *fakeSessionStore) Delete(_ context.Context, scopedHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, scopedHash)
	s.deletes++
	return nil
}

type fakeAPIKeyStore struct {
	mu     sync.Mutex
	byHash map[string]string
	byID   map[string]*APIKey
}

func newFakeAPIKeyStore(keys ...*APIKey) *fakeAPIKeyStore {
	s := &fakeAPIKeyStore{
		byHash: make(map[string]string),
		byID:   make(map[string]*APIKey),
	}
	for _, k := range keys {
		s.byHash[k.HashedKey] = k.ID
		s.byID[k.ID] = k
	}
	return s
}

func (s *fakeAPIKeyStore) GetIDByHash(_ context.Context, hash string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byHash[hash]; ok {
		return id, nil
	}
	return "", ErrAPIKeyNotFound
}

func (s *fakeAPIKeyStore) GetByID(_ context.Context, id string) (*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.byID[id]; ok {
		return k, nil
	}
	return nil, ErrAPIKeyNotFound
}

func (s *fakeAPIKeyStore) Save(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byHash[key.HashedKey] = key.ID
	s.byID[key.ID] = key
	return nil
}

func (s *fakeAPIKeyStore) MarkDeleted(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byHash, key.HashedKey)
	if k, ok := s.byID[key.ID]; ok {
		k.IsDeleted = true
	}
	return nil
}

func (s *fakeAPIKeyStore) TouchLastUsed(_ context.Context, id string, now time.Time, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.byID[id]; ok {
		t := now
		k.LastUsedAt = &t
	}
	return nil
}

func (s *fakeAPIKeyStore) ListIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.byID {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *fakeAPIKeyStore) List(_ context.Context) ([]*APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*APIKey
	for _, k := range s.byID {
		out = append(out, k)
	}
	return out, nil
}

func (s *fakeAPIKeyStore) RewriteBinding(_ context.Context, _, _ string) error { return nil }
func (s *fakeAPIKeyStore) SetIndexVersion(_ context.Context, _ string) error   { return nil }

// fakeUsageStore 只实现预检读取路径，入账方法记录调用。
type fakeUsageStore struct {
	dailyCost  map[string]float64 // keyID:date
	totalCost  map[string]float64
	opusCost   map[string]float64 // keyID:period
	totals     map[string]map[string]int64
	increments []*UsageDelta
}

func newFakeUsageStore() *fakeUsageStore {
	return &fakeUsageStore{
		dailyCost: make(map[string]float64),
		totalCost: make(map[string]float64),
		opusCost:  make(map[string]float64),
		totals:    make(map[string]map[string]int64),
	}
}

func (s *fakeUsageStore) IncrementTokenUsage(_ context.Context, d *UsageDelta) error {
	s.increments = append(s.increments, d)
	return nil
}

func (s *fakeUsageStore) IncrementAccountUsage(_ context.Context, _ *UsageDelta) error { return nil }

func (s *fakeUsageStore) GetDailyCost(_ context.Context, keyID, date string) (float64, error) {
	return s.dailyCost[keyID+":"+date], nil
}

func (s *fakeUsageStore) GetTotalCost(_ context.Context, keyID string) (float64, error) {
	return s.totalCost[keyID], nil
}

func (s *fakeUsageStore) GetWeeklyOpusCost(_ context.Context, keyID, period string) (float64, error) {
	return s.opusCost[keyID+":"+period], nil
}

func (s *fakeUsageStore) GetKeyTotals(_ context.Context, keyID string) (map[string]int64, error) {
	if t, ok := s.totals[keyID]; ok {
		return t, nil
	}
	return map[string]int64{}, nil
}

func (s *fakeUsageStore) GetKeyDaily(_ context.Context, _, _ string) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func (s *fakeUsageStore) GetGlobalTotals(_ context.Context) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func (s *fakeUsageStore) GetGlobalDaily(_ context.Context, _ string) (map[string]int64, error) {
	return map[string]int64{}, nil
}

func (s *fakeUsageStore) GetRecords(_ context.Context, _ string, _ int64) ([]string, error) {
	return nil, nil
}

func (s *fakeUsageStore) GetMinuteMetrics(_ context.Context, _, _ int64) (map[int64]map[string]int64, error) {
	return map[int64]map[string]int64{}, nil
}

func (s *fakeUsageStore) ListActiveKeyIDs(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

type fakeRateLimitStore struct {
	allowed     bool
	requests    int64
	windowStart int64
	tokens      int64
	costMicro   int64
}

func (s *fakeRateLimitStore) CheckRequest(_ context.Context, _ string, now int64, _ int, _ int64) (RateLimitState, error) {
	s.requests++
	start := s.windowStart
	if start == 0 {
		start = now
	}
	return RateLimitState{Allowed: s.allowed, Requests: s.requests, WindowStart: start}, nil
}

func (s *fakeRateLimitStore) AddUsage(_ context.Context, _ string, _ int64, _ int, tokens, costMicro int64) (int64, int64, error) {
	s.tokens += tokens
	s.costMicro += costMicro
	return s.tokens, s.costMicro, nil
}

func (s *fakeRateLimitStore) Usage(_ context.Context, _ string) (int64, int64, error) {
	return s.tokens, s.costMicro, nil
}

func (s *fakeRateLimitStore) WindowResetAt(_ context.Context, _ string, _ int) (time.Time, error) {
	return time.Time{}, nil
}

type fakeConcurrencyStore struct {
	mu     sync.Mutex
	active map[string]map[string]struct{} // keyID → requestIDs
}

func newFakeConcurrencyStore() *fakeConcurrencyStore {
	return &fakeConcurrencyStore{active: make(map[string]map[string]struct{})}
}

func (s *fakeConcurrencyStore) Acquire(_ context.Context, keyID, requestID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[keyID] == nil {
		s.active[keyID] = make(map[string]struct{})
	}
	s.active[keyID][requestID] = struct{}{}
	return int64(len(s.active[keyID])), nil
}

func (s *fakeConcurrencyStore) Release(_ context.Context, keyID, requestID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active[keyID], requestID)
	return int64(len(s.active[keyID])), nil
}

func (s *fakeConcurrencyStore) ActiveCount(_ context.Context, keyID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.active[keyID])), nil
}

func (s *fakeConcurrencyStore) RefreshLease(_ context.Context, keyID, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[keyID][requestID]
	return ok, nil
}

func (s *fakeConcurrencyStore) AcquireConsole(ctx context.Context, accountID, requestID string) (int64, error) {
	return s.Acquire(ctx, "console:"+accountID, requestID)
}

func (s *fakeConcurrencyStore) ReleaseConsole(ctx context.Context, accountID, requestID string) (int64, error) {
	return s.Release(ctx, "console:"+accountID, requestID)
}

func (s *fakeConcurrencyStore) RefreshConsoleLease(ctx context.Context, accountID, requestID string) (bool, error) {
	return s.RefreshLease(ctx, "console:"+accountID, requestID)
}

func (s *fakeConcurrencyStore) ConsoleActiveCount(ctx context.Context, accountID string) (int64, error) {
	return s.ActiveCount(ctx, "console:"+accountID)
}

type fakeQueueStore struct {
	mu       sync.Mutex
	depth    map[string]int64
	outcomes []string
	waits    []time.Duration
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{depth: make(map[string]int64)}
}

func (s *fakeQueueStore) Incr(_ context.Context, keyID string, _ time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.depth[keyID]++
	return s.depth[keyID], nil
}

func (s *fakeQueueStore) Decr(_ context.Context, keyID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.depth[keyID] > 0 {
		s.depth[keyID]--
	}
	return s.depth[keyID], nil
}

func (s *fakeQueueStore) Depth(_ context.Context, keyID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth[keyID], nil
}

func (s *fakeQueueStore) RecordOutcome(_ context.Context, _, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcome)
	return nil
}

func (s *fakeQueueStore) Stats(_ context.Context, _ string) (map[string]string, error) {
	return map[string]string{}, nil
}

func (s *fakeQueueStore) RecordWaitTime(_ context.Context, _ string, wait time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, wait)
	return nil
}

func (s *fakeQueueStore) recordedOutcomes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.outcomes...)
}

type fakeMigrationStore struct {
	markers    map[string]bool
	lockHolder string
	lockDenied bool
	ran        []string
	derived    bool
	released   bool
}

func newFakeMigrationStore() *fakeMigrationStore {
	return &fakeMigrationStore{markers: make(map[string]bool), derived: true}
}

func (s *fakeMigrationStore) MarkerExists(_ context.Context, name string) (bool, error) {
	return s.markers[name], nil
}

func (s *fakeMigrationStore) SetMarker(_ context.Context, name string) error {
	s.markers[name] = true
	return nil
}

func (s *fakeMigrationStore) AcquireLock(_ context.Context, _, owner string, _ time.Duration) (bool, error) {
	if s.lockDenied {
		return false, nil
	}
	s.lockHolder = owner
	return true, nil
}

func (s *fakeMigrationStore) ReleaseLock(_ context.Context, _, owner string) error {
	if owner == s.lockHolder {
		s.lockHolder = ""
		s.released = true
	}
	return nil
}

func (s *fakeMigrationStore) RebuildUsageIndices(_ context.Context) error {
	s.ran = append(s.ran, "usage_index_v2")
	return nil
}

func (s *fakeMigrationStore) AggregateAlltimeModelStats(_ context.Context) error {
	s.ran = append(s.ran, "alltime_model_stats")
	return nil
}

func (s *fakeMigrationStore) DeriveGlobalTotals(_ context.Context) (bool, error) {
	s.ran = append(s.ran, "global_stats")
	return s.derived, nil
}

func (s *fakeMigrationStore) InitCostKeysFromTokenBuckets(_ context.Context) error {
	s.ran = append(s.ran, "cost_init")
	return nil
}

func (s *fakeMigrationStore) RebuildWeeklyOpus(_ context.Context, _, _ string, _ []string, _ func(string) bool) (float64, error) {
	return 0, nil
}

type fakeAccountLockStore struct {
	mu sync.Mutex
	// results 依次消费，耗尽后恒为直接获得
	results  []LockResult
	acquires []string
	releases []string
}

func (s *fakeAccountLockStore) Acquire(_ context.Context, accountID, _ string, _, _ int64) (LockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquires = append(s.acquires, accountID)
	if len(s.results) > 0 {
		r := s.results[0]
		s.results = s.results[1:]
		return r, nil
	}
	return LockResult{Acquired: true}, nil
}

func (s *fakeAccountLockStore) Release(_ context.Context, accountID, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases = append(s.releases, accountID)
	return true, nil
}

func (s *fakeAccountLockStore) ForceRelease(_ context.Context, _ string) error {
	return nil
}
