// Package watchdog supervises the long-running tasks of a process and
// reports whether all of them are still alive. It never restarts a task:
// once anything stops the process is unhealthy and should be replaced.
package watchdog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/portcullis/portcullis/internal/clock"
)

// Task is a handle to one supervised function.
type Task struct {
	name    string
	started time.Time

	mu    sync.Mutex
	ended time.Time
	err   error
	done  chan struct{}
}

func (t *Task) Name() string { return t.name }

// Done is closed when the task has returned.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err is the task's result once Done is closed.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// TaskStatus is a snapshot of one task.
type TaskStatus struct {
	Name    string    `json:"name"`
	Running bool      `json:"running"`
	Started time.Time `json:"started"`
	Ended   time.Time `json:"ended,omitzero"`
	Error   string    `json:"error,omitempty"`
}

type Supervisor struct {
	group  errgroup.Group
	clock  clock.Clock
	logger logrus.FieldLogger

	mu    sync.Mutex
	tasks []*Task
	ended int
	first chan struct{}
}

func New(c clock.Clock, logger logrus.FieldLogger) *Supervisor {
	if c == nil {
		c = clock.Real()
	}
	return &Supervisor{clock: c, logger: logger, first: make(chan struct{})}
}

// Go runs fn in its own goroutine. A panic in fn is recovered and becomes
// the task's error.
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context) error) *Task {
	t := &Task{name: name, started: s.clock.Now(), done: make(chan struct{})}

	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()

	s.logger.WithField("task", name).Debug("task started")

	s.group.Go(func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("task %s panicked: %v", name, p)
			}
			s.finish(t, err)
		}()
		return fn(ctx)
	})
	return t
}

func (s *Supervisor) finish(t *Task, err error) {
	t.mu.Lock()
	t.ended = s.clock.Now()
	t.err = err
	t.mu.Unlock()

	s.mu.Lock()
	s.ended++
	if s.ended == 1 {
		close(s.first)
	}
	s.mu.Unlock()
	close(t.done)

	log := s.logger.WithField("task", t.name)
	if err != nil {
		log.WithError(err).Error("task ended with error")
	} else {
		log.Warn("task ended")
	}
}

// Healthy is true while every task started so far is still running.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended == 0
}

// Stopped is closed when the first task ends.
func (s *Supervisor) Stopped() <-chan struct{} {
	return s.first
}

// Status lists every task, ordered by name.
func (s *Supervisor) Status() []TaskStatus {
	s.mu.Lock()
	tasks := append([]*Task(nil), s.tasks...)
	s.mu.Unlock()

	out := make([]TaskStatus, 0, len(tasks))
	for _, t := range tasks {
		t.mu.Lock()
		st := TaskStatus{Name: t.name, Started: t.started, Ended: t.ended, Running: t.ended.IsZero()}
		if t.err != nil {
			st.Error = t.err.Error()
		}
		t.mu.Unlock()
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Wait blocks until every task has returned and reports the first error.
func (s *Supervisor) Wait() error {
	return s.group.Wait()
}

// ReportHealth mirrors Healthy into srv for service every interval until
// ctx ends.
func (s *Supervisor) ReportHealth(ctx context.Context, srv *health.Server, service string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	for {
		status := healthpb.HealthCheckResponse_SERVING
		if !s.Healthy() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus(service, status)

		select {
		case <-ctx.Done():
			srv.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
			return nil
		case <-s.first:
			srv.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
			<-ctx.Done()
			return nil
		case <-s.clock.After(interval):
		}
	}
}
