package aggregation

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipsync/internal/core/apperror"
	"shipsync/internal/core/entity"
)

// --- fakes ---

type memQueue struct {
	mu      sync.Mutex
	events  []entity.StagedEvent
	markErr error
}

func (q *memQueue) push(events ...entity.StagedEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, ev := range events {
		ev.ID = int64(len(q.events) + 1)
		ev.ExecutionContext = entity.ContextPendingToday
		q.events = append(q.events, ev)
	}
}

func (q *memQueue) FetchUnprocessed(_ context.Context, ec entity.ExecutionContext, limit int) ([]entity.StagedEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []entity.StagedEvent
	for _, ev := range q.events {
		if ev.Processed || ev.ExecutionContext != ec || ev.ClientID == nil {
			continue
		}
		out = append(out, ev)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (q *memQueue) MarkProcessed(_ context.Context, ids []int64) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.markErr != nil {
		return 0, q.markErr
	}
	var n int64
	for _, id := range ids {
		if !q.events[id-1].Processed {
			q.events[id-1].Processed = true
			n++
		}
	}
	return n, nil
}

func (q *memQueue) processed(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.events[id-1].Processed
}

func (q *memQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.events {
		q.events[i].Processed = false
	}
}

type row struct {
	hist bool
	live bool
}

type memIndex struct {
	mu     sync.Mutex
	rows   map[entity.AggregateKey]map[int64]*row
	failOn map[entity.AggregateKey]error
	writes int
}

func newMemIndex() *memIndex {
	return &memIndex{
		rows:   map[entity.AggregateKey]map[int64]*row{},
		failOn: map[entity.AggregateKey]error{},
	}
}

func (m *memIndex) LiveByPackages(_ context.Context, tenantID int64, pkgs []int64) (map[int64][]entity.AggregateKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[int64]bool{}
	for _, p := range pkgs {
		want[p] = true
	}
	out := map[int64][]entity.AggregateKey{}
	for k, members := range m.rows {
		if k.TenantID != tenantID {
			continue
		}
		for pkg, r := range members {
			if want[pkg] && r.live {
				out[pkg] = append(out[pkg], k)
			}
		}
	}
	return out, nil
}

func (m *memIndex) Apply(_ context.Context, key entity.AggregateKey, changes []entity.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn[key]; err != nil {
		return err
	}
	m.writes++
	for _, c := range changes {
		members := m.rows[key]
		if c.Historical {
			if members == nil {
				members = map[int64]*row{}
				m.rows[key] = members
			}
			r := members[c.PackageID]
			if r == nil {
				r = &row{}
				members[c.PackageID] = r
			}
			r.hist = true
			r.live = c.Live
			continue
		}
		if r := members[c.PackageID]; r != nil {
			r.live = false
		}
	}
	return nil
}

func (m *memIndex) get(k entity.AggregateKey, pkg int64) (row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[k][pkg]
	if !ok {
		return row{}, false
	}
	return *r, true
}

func (m *memIndex) snapshot() map[entity.AggregateKey]map[int64]row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[entity.AggregateKey]map[int64]row{}
	for k, members := range m.rows {
		out[k] = map[int64]row{}
		for p, r := range members {
			out[k][p] = *r
		}
	}
	return out
}

// txIndex makes the fake index transactional: writes of a failed chunk are undone.
type txIndex struct{ idx *memIndex }

func (t txIndex) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	before := t.idx.snapshot()
	err := fn(ctx)
	if err != nil {
		t.idx.mu.Lock()
		t.idx.rows = map[entity.AggregateKey]map[int64]*row{}
		for k, members := range before {
			t.idx.rows[k] = map[int64]*row{}
			for p, r := range members {
				r := r
				t.idx.rows[k][p] = &r
			}
		}
		t.idx.mu.Unlock()
	}
	return err
}

type assignment struct {
	sourceID int64
	driverID int64
}

type memHistory struct {
	byPkg map[int64][]assignment
	err   error
}

func (h *memHistory) PreviousDriver(_ context.Context, _, pkg, before int64) (int64, bool, error) {
	if h.err != nil {
		return 0, false, h.err
	}
	var best *assignment
	for i, a := range h.byPkg[pkg] {
		if a.sourceID < before && (best == nil || a.sourceID > best.sourceID) {
			best = &h.byPkg[pkg][i]
		}
	}
	if best == nil {
		return 0, false, nil
	}
	return best.driverID, true, nil
}

// --- fixture ---

const (
	owner  = int64(164)
	client = int64(7)
	pkg    = int64(9001)
)

var buenosAires, _ = time.LoadLocation("America/Argentina/Buenos_Aires")

func at(day string) time.Time {
	t, _ := time.ParseInLocation("2006-01-02 15:04", day+" 12:00", buenosAires)
	return t
}

func ptr[T any](v T) *T { return &v }

func statusEvent(src int64, status int, driver int64, ts time.Time) entity.StagedEvent {
	ev := entity.StagedEvent{
		TenantID:       owner,
		SourceID:       src,
		PackageID:      pkg,
		ClientID:       ptr(client),
		StatusCode:     ptr(status),
		TriggerKind:    entity.TriggerStatus,
		EventTimestamp: ts,
	}
	if driver != 0 {
		ev.DriverID = ptr(driver)
	}
	return ev
}

func assignmentEvent(src int64, driver int64, ts time.Time) entity.StagedEvent {
	return entity.StagedEvent{
		TenantID:       owner,
		SourceID:       src,
		PackageID:      pkg,
		ClientID:       ptr(client),
		DriverID:       ptr(driver),
		TriggerKind:    entity.TriggerAssignment,
		EventTimestamp: ts,
	}
}

type fixture struct {
	queue   *memQueue
	index   *memIndex
	history *memHistory
	engine  *Engine
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		queue:   &memQueue{},
		index:   newMemIndex(),
		history: &memHistory{byPkg: map[int64][]assignment{}},
	}
	f.engine = NewEngine(f.queue, f.index, f.history, txIndex{f.index}, cfg)
	return f
}

func k(clientID, driverID int64, status int, day entity.Day) entity.AggregateKey {
	return entity.AggregateKey{TenantID: owner, ClientID: clientID, DriverID: driverID, StatusCode: status, Day: day}
}

func (f *fixture) assertCell(t *testing.T, key entity.AggregateKey, hist, live bool) {
	t.Helper()
	r, ok := f.index.get(key, pkg)
	require.True(t, ok, "missing cell %s", key)
	assert.Equal(t, hist, r.hist, "historical of %s", key)
	assert.Equal(t, live, r.live, "live of %s", key)
}

func (f *fixture) run(t *testing.T) PassResult {
	t.Helper()
	res, err := f.engine.RunPendingTodayPass(context.Background())
	require.NoError(t, err)
	return res
}

const day = entity.Day("2025-01-28")

// --- tests ---

func TestStatusEvent_CreatesAllProjections(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.queue.push(statusEvent(1, 0, 33, at("2025-01-28")))

	res := f.run(t)
	assert.Equal(t, 1, res.Processed)

	for _, sc := range []scope{{0, 0}, {client, 0}, {client, 33}, {0, 33}} {
		f.assertCell(t, k(sc.clientID, sc.driverID, 0, day), true, true)
		f.assertCell(t, k(sc.clientID, sc.driverID, entity.CategoryInProcess, day), true, true)
		_, exists := f.index.get(k(sc.clientID, sc.driverID, entity.CategoryClosed, day), pkg)
		assert.False(t, exists, "absence from the other bucket never creates a row")
	}
	assert.True(t, f.queue.processed(1))
}

func TestStatusEvent_MovesPackageBetweenStatuses(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.queue.push(statusEvent(1, 0, 33, at("2025-01-28")))
	f.run(t)

	f.queue.push(statusEvent(2, 5, 33, at("2025-01-28")))
	f.run(t)

	for _, sc := range []scope{{0, 0}, {client, 0}, {client, 33}, {0, 33}} {
		f.assertCell(t, k(sc.clientID, sc.driverID, 0, day), true, false)
		f.assertCell(t, k(sc.clientID, sc.driverID, 5, day), true, true)
		f.assertCell(t, k(sc.clientID, sc.driverID, entity.CategoryInProcess, day), true, false)
		f.assertCell(t, k(sc.clientID, sc.driverID, entity.CategoryClosed, day), true, true)
	}
}

func TestStatusEvent_ClearsLiveCellsOfEarlierDays(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.queue.push(statusEvent(1, 1, 0, at("2025-01-27")))
	f.run(t)

	f.queue.push(statusEvent(2, 2, 0, at("2025-01-28")))
	f.run(t)

	f.assertCell(t, k(0, 0, 1, "2025-01-27"), true, false)
	f.assertCell(t, k(0, 0, 2, day), true, true)
}

func TestAssignmentEvent_ReseatsDriverOnly(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.queue.push(statusEvent(1, 5, 33, at("2025-01-28")))
	f.run(t)

	f.history.byPkg[pkg] = []assignment{{sourceID: 10, driverID: 33}, {sourceID: 11, driverID: 40}}
	f.queue.push(assignmentEvent(11, 40, at("2025-01-28")))
	f.run(t)

	// Superseded driver loses the package, new driver gains it.
	f.assertCell(t, k(client, 33, 5, day), true, false)
	f.assertCell(t, k(0, 33, 5, day), true, false)
	f.assertCell(t, k(client, 33, entity.CategoryClosed, day), true, false)
	f.assertCell(t, k(client, 40, 5, day), true, true)
	f.assertCell(t, k(0, 40, 5, day), true, true)
	f.assertCell(t, k(client, 40, entity.CategoryClosed, day), true, true)

	// Owner and client level cells are untouched.
	f.assertCell(t, k(0, 0, 5, day), true, true)
	f.assertCell(t, k(client, 0, 5, day), true, true)
	f.assertCell(t, k(client, 0, entity.CategoryClosed, day), true, true)
}

func TestAssignmentEvent_SameDriverEmitsNoRemoval(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.queue.push(statusEvent(1, 2, 33, at("2025-01-28")))
	f.run(t)

	f.history.byPkg[pkg] = []assignment{{sourceID: 10, driverID: 33}, {sourceID: 11, driverID: 33}}
	f.queue.push(assignmentEvent(11, 33, at("2025-01-28")))
	f.run(t)

	f.assertCell(t, k(client, 33, 2, day), true, true)
	f.assertCell(t, k(0, 33, 2, day), true, true)
}

func TestAssignmentEvent_UnknownStatus(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.queue.push(assignmentEvent(11, 40, at("2025-01-28")))
	f.run(t)

	f.assertCell(t, k(client, 40, entity.StatusUnknown, day), true, true)
	_, ok := f.index.get(k(client, 40, entity.CategoryInProcess, day), pkg)
	assert.False(t, ok)
}

func TestAssignmentEvent_Unassignment(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.queue.push(statusEvent(1, 2, 33, at("2025-01-28")))
	f.run(t)

	f.history.byPkg[pkg] = []assignment{{sourceID: 10, driverID: 33}}
	f.queue.push(assignmentEvent(11, 0, at("2025-01-28")))
	f.run(t)

	f.assertCell(t, k(client, 33, 2, day), true, false)
	f.assertCell(t, k(0, 0, 2, day), true, true)
}

func TestAssignmentEvent_StagedStatusSupersededInSameBatch(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.queue.push(statusEvent(1, 0, 33, at("2025-01-28")))
	f.run(t)

	// The assignment was staged while the package was still at status 0;
	// the delivery arrives in the same batch.
	f.history.byPkg[pkg] = []assignment{{sourceID: 10, driverID: 33}, {sourceID: 11, driverID: 40}}
	staged := assignmentEvent(11, 40, at("2025-01-28"))
	staged.StatusCode = ptr(0)
	f.queue.push(staged, statusEvent(2, 5, 40, at("2025-01-28")))
	res := f.run(t)
	assert.Equal(t, 2, res.Processed)

	for _, sc := range []scope{{client, 40}, {0, 40}} {
		f.assertCell(t, k(sc.clientID, sc.driverID, 5, day), true, true)
		f.assertCell(t, k(sc.clientID, sc.driverID, entity.CategoryClosed, day), true, true)
		for _, stale := range []int{0, entity.CategoryInProcess} {
			_, ok := f.index.get(k(sc.clientID, sc.driverID, stale, day), pkg)
			assert.False(t, ok, "driver %d filed under status %d", sc.driverID, stale)
		}
	}
	f.assertCell(t, k(client, 33, entity.CategoryInProcess, day), true, false)
	f.assertCell(t, k(0, 0, entity.CategoryClosed, day), true, true)
}

func TestAssignmentEvent_StoredStatusWinsOverStaged(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.queue.push(statusEvent(1, 5, 33, at("2025-01-28")))
	f.run(t)

	f.history.byPkg[pkg] = []assignment{{sourceID: 10, driverID: 33}, {sourceID: 11, driverID: 40}}
	staged := assignmentEvent(11, 40, at("2025-01-28"))
	staged.StatusCode = ptr(0)
	f.queue.push(staged)
	f.run(t)

	f.assertCell(t, k(client, 40, 5, day), true, true)
	f.assertCell(t, k(client, 40, entity.CategoryClosed, day), true, true)
	_, ok := f.index.get(k(client, 40, 0, day), pkg)
	assert.False(t, ok)
}

func TestOwnerStatus(t *testing.T) {
	keys := []entity.AggregateKey{
		k(0, 0, 1, "2025-01-27"),
		k(0, 0, 2, day),
		k(0, 0, 4, day),
		k(client, 0, 9, day),
		k(0, 0, entity.CategoryClosed, day),
	}
	slices.SortFunc(keys, entity.CompareKeys)

	s, ok := ownerStatus(keys, nil)
	require.True(t, ok)
	assert.Equal(t, 2, s, "latest day, lowest code")

	s, _ = ownerStatus(keys, ptr(4))
	assert.Equal(t, 4, s, "staged status live on the latest day")

	s, _ = ownerStatus(keys, ptr(1))
	assert.Equal(t, 2, s, "staged status of an earlier day is ignored")

	_, ok = ownerStatus([]entity.AggregateKey{k(client, 33, 2, day)}, nil)
	assert.False(t, ok)
}

func TestPass_SameBatchSeesEarlierEvents(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.queue.push(
		statusEvent(1, 0, 33, at("2025-01-28")),
		statusEvent(2, 5, 33, at("2025-01-28")),
	)
	res := f.run(t)
	assert.Equal(t, 2, res.Processed)

	f.assertCell(t, k(0, 0, 0, day), true, false)
	f.assertCell(t, k(0, 0, 5, day), true, true)
	f.assertCell(t, k(0, 0, entity.CategoryInProcess, day), true, false)
}

func TestPass_RedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.queue.push(statusEvent(1, 0, 33, at("2025-01-28")))
	f.run(t)
	f.history.byPkg[pkg] = []assignment{{sourceID: 10, driverID: 33}, {sourceID: 11, driverID: 40}}
	f.queue.push(assignmentEvent(11, 40, at("2025-01-28")))
	f.run(t)

	before := f.index.snapshot()

	f.queue.reset()
	f.run(t)

	assert.Equal(t, before, f.index.snapshot())
}

func TestPass_FailedChunkLeavesEventsPending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeyChunk = 1
	f := newFixture(cfg)

	other := statusEvent(2, 2, 0, at("2025-02-03"))
	other.PackageID = 9002
	f.queue.push(statusEvent(1, 0, 0, at("2025-01-28")), other)

	f.index.failOn[k(client, 0, 0, day)] = errors.New("deadlock detected")
	res := f.run(t)

	assert.Equal(t, 1, res.FailedChunks)
	assert.Equal(t, 1, res.Deferred)
	assert.False(t, f.queue.processed(1), "apply failed, so the event must be retried")
	assert.True(t, f.queue.processed(2))

	delete(f.index.failOn, k(client, 0, 0, day))
	res = f.run(t)
	assert.Equal(t, 1, res.Processed)
	f.assertCell(t, k(client, 0, 0, day), true, true)
}

func TestPass_MarkFailureRetriesWholeBatch(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.queue.push(statusEvent(1, 0, 33, at("2025-01-28")))
	f.queue.markErr = errors.New("connection refused")

	_, err := f.engine.RunPendingTodayPass(context.Background())
	require.Error(t, err)
	assert.False(t, f.queue.processed(1))
	f.assertCell(t, k(0, 0, 0, day), true, true)

	f.queue.markErr = nil
	res := f.run(t)
	assert.Equal(t, 1, res.Processed)
	f.assertCell(t, k(0, 0, 0, day), true, true)
}

func TestPass_TransientHistoryErrorAbortsBeforeWriting(t *testing.T) {
	f := newFixture(DefaultConfig())
	f.queue.push(assignmentEvent(11, 40, at("2025-01-28")))
	f.history.err = apperror.NewConnectionLost("previous driver", errors.New("reset"))

	_, err := f.engine.RunPendingTodayPass(context.Background())
	require.Error(t, err)
	assert.Zero(t, f.index.writes)
	assert.False(t, f.queue.processed(1))
}

func TestPass_HistoricalIsSupersetOfLive(t *testing.T) {
	f := newFixture(DefaultConfig())
	rng := rand.New(rand.NewSource(7))
	days := []string{"2025-01-27", "2025-01-28", "2025-01-29"}
	statuses := []int{0, 1, 2, 5, 9}
	drivers := []int64{0, 33, 40, 51}

	var src int64
	for pass := 0; pass < 20; pass++ {
		for i := 0; i < 5; i++ {
			src++
			ts := at(days[rng.Intn(len(days))])
			driver := drivers[rng.Intn(len(drivers))]
			if rng.Intn(2) == 0 {
				f.queue.push(statusEvent(src, statuses[rng.Intn(len(statuses))], driver, ts))
			} else {
				f.history.byPkg[pkg] = append(f.history.byPkg[pkg], assignment{sourceID: src, driverID: driver})
				f.queue.push(assignmentEvent(src, driver, ts))
			}
		}
		f.run(t)

		liveOwnerCells := 0
		for key, members := range f.index.snapshot() {
			for _, r := range members {
				assert.True(t, r.hist || !r.live, "live without historical at %s", key)
				if r.live && key.ClientID == 0 && key.DriverID == 0 && !entity.IsBucket(key.StatusCode) && key.StatusCode != entity.StatusUnknown {
					liveOwnerCells++
				}
			}
		}
		assert.LessOrEqual(t, liveOwnerCells, 1, "a package is live under one owner-level status at a time")
	}
}

func TestDelta_LastOperationWins(t *testing.T) {
	d := newDelta()
	key := k(0, 0, 1, day)
	d.seed(owner, pkg, nil)

	d.track(1)
	d.add(key, pkg)
	d.track(2)
	d.remove(key, pkg)

	assert.Equal(t, []entity.Membership{{PackageID: pkg, Historical: true, Live: false}}, d.memberships(key))
	assert.Empty(t, d.liveKeys(owner, pkg))
	assert.Equal(t, []entity.AggregateKey{key}, d.eventKeys(2))

	keys := d.keys()
	sort.Slice(keys, func(i, j int) bool { return entity.CompareKeys(keys[i], keys[j]) < 0 })
	assert.Equal(t, []entity.AggregateKey{key}, keys)
}
