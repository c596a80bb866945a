package adherence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"medwatch/internal/eventbus"
	"medwatch/internal/notify"
	"medwatch/internal/storage"
	"medwatch/internal/task/engine"
	"medwatch/pkg/logx"
)

const (
	baseScore    = 50
	maxScore     = 100
	historyDays  = 7
	metricWindow = 30
)

// Lookback is a trailing window in days. The zero value means all time.
type Lookback struct {
	Days int
}

// AllTime counts every row regardless of date.
var AllTime = Lookback{}

func LastDays(n int) Lookback { return Lookback{Days: n} }

// Since returns the first day inside the window, or nil for AllTime.
func (l Lookback) Since(day storage.Date) *storage.Date {
	if l.Days <= 0 {
		return nil
	}
	d := day.AddDays(-l.Days)
	return &d
}

func (l Lookback) String() string {
	if l.Days <= 0 {
		return "all"
	}
	return fmt.Sprintf("%dd", l.Days)
}

// ScoreInputs are the per-user counts the score is derived from.
type ScoreInputs struct {
	Metrics              int // metrics inside the metric window
	MedicationsTotal     int
	MedicationsTaken     int
	UpcomingAppointments int
}

// ComputeScore returns the health score in [0, 100]:
// 50, plus 6 per recent metric (at most 5 counted), plus up to 20 for
// medication adherence, plus 5 per upcoming appointment (at most 10).
func ComputeScore(in ScoreInputs) int {
	return computeScore(baseScore, in)
}

func computeScore(base int, in ScoreInputs) int {
	score := base
	score += min(min(5, in.Metrics)*6, 30)
	if in.MedicationsTotal > 0 {
		score += int(math.Round(20 * float64(in.MedicationsTaken) / float64(in.MedicationsTotal)))
	}
	score += min(in.UpcomingAppointments*5, 10)
	return max(0, min(maxScore, score))
}

// Trend is the last score minus the one before it; 0 with fewer than two rows.
func Trend(history []storage.HealthScore) int {
	if len(history) < 2 {
		return 0
	}
	return history[len(history)-1].Score - history[len(history)-2].Score
}

// Report is the result of one recomputation.
type Report struct {
	Score     int                   `json:"score"`
	Trend     int                   `json:"trend"`
	ScoreDate storage.Date          `json:"score_date"`
	History   []storage.HealthScore `json:"history"`
}

// ScorerConfig names the lookback windows of the two scoring paths. The daily
// job and the on-demand path intentionally differ in medication lookback.
type ScorerConfig struct {
	MetricLookback             Lookback
	DailyMedicationLookback    Lookback
	OnDemandMedicationLookback Lookback
}

func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		MetricLookback:             LastDays(metricWindow),
		DailyMedicationLookback:    AllTime,
		OnDemandMedicationLookback: LastDays(7),
	}
}

// Scorer recomputes and stores daily health scores.
type Scorer struct {
	store storage.Store
	sink  *notify.Sink
	clock Clock
	log   logx.Logger
	cfg   ScorerConfig
	bus   eventbus.Bus

	locks keyedMutex
}

// ScoreUpdated is published after a score row is written.
type ScoreUpdated struct {
	Owner int64
	Day   storage.Date
	Score int
	Trend int
}

func NewScorer(store storage.Store, sink *notify.Sink, clock Clock, log logx.Logger, cfg ScorerConfig) *Scorer {
	if cfg.MetricLookback.Days <= 0 {
		cfg.MetricLookback = LastDays(metricWindow)
	}
	return &Scorer{
		store: store,
		sink:  sink,
		clock: clock,
		log:   log.With(logx.String("job", JobScore)),
		cfg:   cfg,
	}
}

// SetBus publishes ScoreUpdated events on bus. Call before the scorer is used.
func (s *Scorer) SetBus(bus eventbus.Bus) { s.bus = bus }

// Run is the daily job: every user is scored independently and one user's
// failure does not stop the others.
func (s *Scorer) Run(ctx context.Context) error {
	users, err := s.store.ListUserIDs(ctx)
	if err != nil {
		return err
	}
	s.log.Info("health score calculation started", logx.Int("users", len(users)))

	var errs []error
	for _, id := range users {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		r, err := s.score(ctx, id, s.cfg.DailyMedicationLookback)
		if err != nil {
			s.log.Error("health score failed", logx.Int64("user_id", id), logx.Err(err))
			errs = append(errs, fmt.Errorf("user %d: %w", id, err))
			continue
		}
		s.log.Debug("health score calculated", logx.Int64("user_id", id), logx.Int("score", r.Score), logx.Int("trend", r.Trend))
	}
	s.log.Info("health score calculation finished", logx.Int("users", len(users)), logx.Int("failed", len(errs)))
	err = errors.Join(errs...)
	if err != nil && (len(errs) < len(users) || ctx.Err() != nil) {
		// Users scored before the failure were already notified; a retry
		// would notify them twice.
		return engine.Permanent(err)
	}
	return err
}

// Recompute is the on-demand path: same scoring, on-demand medication
// lookback. Storage failures are returned to the caller.
func (s *Scorer) Recompute(ctx context.Context, owner int64) (Report, error) {
	return s.score(ctx, owner, s.cfg.OnDemandMedicationLookback)
}

func (s *Scorer) score(ctx context.Context, owner int64, medLookback Lookback) (Report, error) {
	unlock := s.locks.Lock(owner)
	defer unlock()

	day := today(s.clock)
	in, err := s.inputs(ctx, owner, day, medLookback)
	if err != nil {
		return Report{}, err
	}
	score := ComputeScore(in)
	if err := s.upsert(ctx, owner, day, score); err != nil {
		return Report{}, err
	}

	history, err := s.store.HealthScoreHistory(ctx, owner, day.AddDays(-historyDays))
	if err != nil {
		return Report{}, err
	}
	r := Report{Score: score, Trend: Trend(history), ScoreDate: day, History: history}
	if s.sink != nil {
		s.sink.HealthScore(owner, r.Score, r.Trend, day)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeScoreUpdated,
			Time: s.clock.Now(),
			Data: ScoreUpdated{Owner: owner, Day: day, Score: r.Score, Trend: r.Trend},
		})
	}
	return r, nil
}

func (s *Scorer) inputs(ctx context.Context, owner int64, day storage.Date, medLookback Lookback) (ScoreInputs, error) {
	metrics, err := s.store.ListRecentMetrics(ctx, owner, *s.cfg.MetricLookback.Since(day))
	if err != nil {
		return ScoreInputs{}, err
	}
	counts, err := s.store.MedicationAdherenceCounts(ctx, owner, medLookback.Since(day))
	if err != nil {
		return ScoreInputs{}, err
	}
	upcoming, err := s.store.UpcomingAppointmentCount(ctx, owner, day)
	if err != nil {
		return ScoreInputs{}, err
	}
	return ScoreInputs{
		Metrics:              len(metrics),
		MedicationsTotal:     counts.Total,
		MedicationsTaken:     counts.Taken,
		UpcomingAppointments: upcoming,
	}, nil
}

// upsert inserts (owner, day) and falls back to update on conflict. A row
// deleted between the two statements sends it back to insert.
func (s *Scorer) upsert(ctx context.Context, owner int64, day storage.Date, score int) error {
	for attempt := 0; attempt < 3; attempt++ {
		err := s.store.InsertHealthScore(ctx, owner, day, score)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return err
		}
		ok, err := s.store.UpdateHealthScoreIfExists(ctx, owner, day, score)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("upsert health score for user %d on %s: row kept disappearing", owner, day)
}

// keyedMutex serializes work per user id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key int64) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[int64]*keyedEntry{}
	}
	e := k.locks[key]
	if e == nil {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
