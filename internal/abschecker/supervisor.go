package abschecker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNotInitialized = errors.New("not initialized")
	ErrStateNotFound  = errors.New("state not found")
)

type DataToBeVerified struct {
	CurrentState string
	NextState    string
	Data         any
}

func (d DataToBeVerified) String() string {
	return fmt.Sprintf("(%s) -> (%s) %v", d.CurrentState, d.NextState, d.Data)
}

// DoFunc performs a state's action. An empty NextState in the result ends
// the item's route.
type DoFunc func(context.Context, DataToBeVerified) (DataToBeVerified, error)

// CheckFunc compares the input and output of a DoFunc.
type CheckFunc func(before, after DataToBeVerified) error

// DataSourceFunc produces new items. Its error stops the supervisor.
type DataSourceFunc func(context.Context) (DataToBeVerified, error)

// Counters is a snapshot of a state's activity.
type Counters struct {
	Processed  uint64
	Failed     uint64
	Mismatched uint64
}

type State struct {
	Id      string
	GoCount uint

	doFunc    DoFunc
	checkFunc CheckFunc
	inChan    chan DataToBeVerified

	processed  atomic.Uint64
	failed     atomic.Uint64
	mismatched atomic.Uint64

	sugar *zap.SugaredLogger
}

func NewState(id string, goCount uint, logger *zap.Logger) *State {
	if goCount == 0 {
		goCount = 1
	}
	return &State{
		Id:      id,
		GoCount: goCount,
		sugar:   logger.Sugar(),
		inChan:  make(chan DataToBeVerified),
	}
}

func (s *State) String() string {
	return fmt.Sprintf("%s goroutines=%d", s.Id, s.GoCount)
}

func (s *State) SetDoFunc(f DoFunc) {
	s.doFunc = f
}

func (s *State) SetCheckFunc(f CheckFunc) {
	s.checkFunc = f
}

func (s *State) Counters() Counters {
	return Counters{
		Processed:  s.processed.Load(),
		Failed:     s.failed.Load(),
		Mismatched: s.mismatched.Load(),
	}
}

// push hands data to one of the state's jobs.
func (s *State) push(ctx context.Context, data DataToBeVerified) error {
	data.CurrentState = s.Id
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.inChan <- data:
		s.sugar.Debugf("pushed %s <- %v", s.Id, data)
		return nil
	}
}

func (s *State) job(ctx context.Context, route func(context.Context, DataToBeVerified)) {
	const msg = "job"
	s.sugar.Debugln(msg, s.Id, "started")
	for {
		select {
		case <-ctx.Done():
			s.sugar.Debugln(msg, s.Id, "done")
			return
		case before := <-s.inChan:
			after, err := s.doFunc(ctx, before)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.failed.Add(1)
				s.sugar.Errorw(msg, "state", s.Id, "data", before, "error", err)
				continue
			}
			s.processed.Add(1)
			if s.checkFunc != nil {
				if err := s.checkFunc(before, after); err != nil {
					s.mismatched.Add(1)
					s.sugar.Errorw("check", "state", s.Id, "error", err)
					continue
				}
			}
			route(ctx, after)
		}
	}
}

// StateSupervisor runs a graph of states fed by a data source. Items move
// between states through unbuffered channels, so the graph must be acyclic.
type StateSupervisor struct {
	mu     sync.RWMutex
	states map[string]*State

	sourceFunc DataSourceFunc
	generated  atomic.Uint64
	unrouted   atomic.Uint64

	g *errgroup.Group

	sugar *zap.SugaredLogger
}

func NewStateSupervisor(logger *zap.Logger) *StateSupervisor {
	return &StateSupervisor{
		sugar:  logger.Sugar(),
		states: make(map[string]*State),
	}
}

func (sv *StateSupervisor) Add(s *State) error {
	if s == nil {
		return errors.New("input param is nil")
	}
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if _, ok := sv.states[s.Id]; ok {
		return errors.Newf("state %s added twice", s.Id)
	}
	sv.states[s.Id] = s
	sv.sugar.Infof("added %v", s)
	return nil
}

func (sv *StateSupervisor) SetGenDataFunc(f DataSourceFunc) {
	sv.sourceFunc = f
}

// Go starts the source and every state's jobs. They run until ctx is done or
// the source fails.
func (sv *StateSupervisor) Go(ctx context.Context) error {
	sv.mu.RLock()
	defer sv.mu.RUnlock()

	if sv.sourceFunc == nil || len(sv.states) == 0 {
		return ErrNotInitialized
	}
	for id, state := range sv.states {
		if state.doFunc == nil {
			return errors.Wrapf(ErrNotInitialized, "state %s has no do func", id)
		}
	}
	sv.sugar.Infoln("starting ...")

	g, ctx := errgroup.WithContext(ctx)
	sv.g = g
	g.Go(func() error {
		return sv.sourceJob(ctx)
	})
	for _, state := range sv.states {
		for i := uint(0); i < state.GoCount; i++ {
			g.Go(func() error {
				state.job(ctx, sv.route)
				return nil
			})
		}
		sv.sugar.Infof("%v started", state)
	}
	return nil
}

func (sv *StateSupervisor) route(ctx context.Context, data DataToBeVerified) {
	if data.NextState == "" {
		return
	}
	sv.mu.RLock()
	state, ok := sv.states[data.NextState]
	sv.mu.RUnlock()
	if !ok {
		sv.unrouted.Add(1)
		sv.sugar.Errorw("route", "error", errors.Wrapf(ErrStateNotFound, "%s", data.NextState))
		return
	}
	_ = state.push(ctx, data)
}

func (sv *StateSupervisor) sourceJob(ctx context.Context) error {
	const msg = "sourceJob"
	sv.sugar.Infoln(msg, "started")
	for {
		if ctx.Err() != nil {
			sv.sugar.Infoln(msg, "done")
			return nil
		}
		data, err := sv.sourceFunc(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, msg)
		}
		sv.generated.Add(1)
		sv.route(ctx, data)
	}
}

// Wait blocks until every job has stopped and returns the source's error.
func (sv *StateSupervisor) Wait() error {
	if sv.g == nil {
		return ErrNotInitialized
	}
	err := sv.g.Wait()
	sv.sugar.Infoln("ALL graceful shutdown")
	return err
}

// Generated returns the number of items produced by the source.
func (sv *StateSupervisor) Generated() uint64 { return sv.generated.Load() }

// Unrouted returns the number of items sent to unknown states.
func (sv *StateSupervisor) Unrouted() uint64 { return sv.unrouted.Load() }

// Report returns the counters of every state ordered by id.
func (sv *StateSupervisor) Report() ([]string, []Counters) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()

	ids := make([]string, 0, len(sv.states))
	for id := range sv.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Counters, len(ids))
	for i, id := range ids {
		out[i] = sv.states[id].Counters()
	}
	return ids, out
}
