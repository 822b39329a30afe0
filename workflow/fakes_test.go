package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/recruitsync/appctx"
	"bitbucket.org/mmdatafocus/recruitsync/models"
	"bitbucket.org/mmdatafocus/recruitsync/utils"
)

// NOTE: these fakes keep the engine tests DB-free. The gorm adapters have
// their own SQLite-backed tests in models/.

func strPtr(s string) *string        { return &s }
func intPtr(n int) *int              { return &n }
func timePtr(t time.Time) *time.Time { return &t }

var sessionDay = time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

func finalizedRecruitment(id string, internalId, externalId *string) models.Recruitment {
	return models.Recruitment{
		ID:                    id,
		InvestigationId:       "INV-1",
		InternalParticipantId: internalId,
		ExternalParticipantId: externalId,
		RecruiterId:           strPtr("REC-1"),
		SessionDate:           timePtr(sessionDay),
		DurationMinutes:       intPtr(45),
		SchedulingState:       models.SchedulingStateFinalized,
	}
}

type fakeStore struct {
	mu        sync.Mutex
	recs      map[string]models.Recruitment
	listeners []models.StateChangeFunc
	getErr    error
	saves     int
}

func newFakeStore(recs ...models.Recruitment) *fakeStore {
	s := &fakeStore{recs: map[string]models.Recruitment{}}
	for _, r := range recs {
		s.recs[r.ID] = r
	}
	return s
}

func (s *fakeStore) put(rec models.Recruitment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID] = rec
}

// remove drops a row without telling anyone, like a writer that crashed before notifying.
func (s *fakeStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id)
}

func (s *fakeStore) Get(_ context.Context, id string) (*models.Recruitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec, ok := s.recs[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return &rec, nil
}

// EachFinalized hands out batches of two so the tests cross batch boundaries.
func (s *fakeStore) EachFinalized(_ context.Context, fn func([]models.Recruitment) error) error {
	s.mu.Lock()
	var all []models.Recruitment
	for _, r := range s.recs {
		if r.SchedulingState == models.SchedulingStateFinalized {
			all = append(all, r)
		}
	}
	s.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	for len(all) > 0 {
		n := min(2, len(all))
		if err := fn(all[:n]); err != nil {
			return err
		}
		all = all[n:]
	}
	return nil
}

func (s *fakeStore) OnStateChange(fn models.StateChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *fakeStore) notify(ctx context.Context, change models.StateChange) {
	s.mu.Lock()
	listeners := append([]models.StateChangeFunc(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(ctx, change)
	}
}

func (s *fakeStore) SaveState(_ context.Context, id string, from, to models.SchedulingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return utils.ErrorRecordNotFound
	}
	if rec.SchedulingState != from {
		return fmt.Errorf("%w: %s", utils.ErrorStaleState, id)
	}
	rec.SchedulingState = to
	s.recs[id] = rec
	s.saves++
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) (*models.Recruitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	delete(s.recs, id)
	return &rec, nil
}

type fakeLedger struct {
	mu   sync.Mutex
	rows map[models.Partition]map[string]models.ParticipationHistoryRecord

	// insertErrs are returned, in order, by the next Insert calls.
	insertErrs []error
	// blockFind, when set, is waited on by every FindByRecruitment call.
	blockFind chan struct{}

	inserts, updates, deletes int
}

func newFakeLedger() *fakeLedger {
	l := &fakeLedger{rows: map[models.Partition]map[string]models.ParticipationHistoryRecord{}}
	for _, p := range models.AllPartitions {
		l.rows[p] = map[string]models.ParticipationHistoryRecord{}
	}
	return l
}

func (l *fakeLedger) seed(rec models.ParticipationHistoryRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rows[rec.ParticipantKind][rec.RecruitmentId] = rec
}

func (l *fakeLedger) get(p models.Partition, recruitmentId string) (models.ParticipationHistoryRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.rows[p][recruitmentId]
	return rec, ok
}

func (l *fakeLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, rows := range l.rows {
		n += len(rows)
	}
	return n
}

func (l *fakeLedger) writes() (inserts, updates, deletes int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inserts, l.updates, l.deletes
}

func (l *fakeLedger) FindByRecruitment(ctx context.Context, p models.Partition, recruitmentId string) (*models.ParticipationHistoryRecord, error) {
	if l.blockFind != nil {
		select {
		case <-l.blockFind:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.rows[p][recruitmentId]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return &rec, nil
}

func (l *fakeLedger) ListPage(_ context.Context, p models.Partition, after string, limit int) ([]models.ParticipationHistoryRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []models.ParticipationHistoryRecord
	for _, r := range l.rows[p] {
		if r.RecruitmentId > after {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecruitmentId < out[j].RecruitmentId })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (l *fakeLedger) Insert(_ context.Context, rec *models.ParticipationHistoryRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.insertErrs) > 0 {
		err := l.insertErrs[0]
		l.insertErrs = l.insertErrs[1:]
		if err != nil {
			return err
		}
	}
	if _, exists := l.rows[rec.ParticipantKind][rec.RecruitmentId]; exists {
		return fmt.Errorf("%w: %s", models.ErrDuplicateHistory, rec.RecruitmentId)
	}
	l.rows[rec.ParticipantKind][rec.RecruitmentId] = *rec
	l.inserts++
	return nil
}

func (l *fakeLedger) Update(_ context.Context, rec *models.ParticipationHistoryRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.rows[rec.ParticipantKind][rec.RecruitmentId]; !exists {
		return utils.ErrorRecordNotFound
	}
	l.rows[rec.ParticipantKind][rec.RecruitmentId] = *rec
	l.updates++
	return nil
}

func (l *fakeLedger) Delete(_ context.Context, p models.Partition, recruitmentId string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.rows[p][recruitmentId]; !exists {
		return false, nil
	}
	delete(l.rows[p], recruitmentId)
	l.deletes++
	return true, nil
}

type reported struct {
	err     error
	rc      ReportContext
	trigger string
}

type recordingSink struct {
	mu       sync.Mutex
	reports  []reported
	resolved []string
}

func (s *recordingSink) Report(ctx context.Context, err error, rc ReportContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, reported{err: err, rc: rc, trigger: appctx.Trigger(ctx)})
}

func (s *recordingSink) Resolve(_ context.Context, recruitmentId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = append(s.resolved, recruitmentId)
}

func (s *recordingSink) snapshot() []reported {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]reported(nil), s.reports...)
}

// testEngine wires the real components over the fakes.
type testEngine struct {
	store      *fakeStore
	ledger     *fakeLedger
	sink       *recordingSink
	writer     *HistoryWriter
	pipeline   *Pipeline
	dispatcher *Dispatcher
	lifecycle  *Lifecycle
	sweeper    *Sweeper
}

func newTestEngine(recs ...models.Recruitment) *testEngine {
	e := &testEngine{
		store:  newFakeStore(recs...),
		ledger: newFakeLedger(),
		sink:   &recordingSink{},
	}
	e.writer = NewHistoryWriter(e.ledger, time.Second, nil)
	e.pipeline = NewPipeline(e.store, e.writer, nil)
	e.dispatcher = NewDispatcher(e.pipeline, e.sink, nil, DispatcherOptions{
		MaxConcurrency: 4,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	})
	e.lifecycle = NewLifecycle(e.store, e.dispatcher, nil)
	e.sweeper = NewSweeper(e.store, e.writer, DriverFunc(e.dispatcher.EnqueueWait), e.sink, nil)
	return e
}

// settle waits for every queued job to finish.
func (e *testEngine) settle() {
	deadline := time.Now().Add(5 * time.Second)
	for e.dispatcher.Pending() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
}

func (e *testEngine) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.dispatcher.Close(ctx)
}
