package translate

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Task is one unit of work for Run.
type Task[R any] struct {
	ID      string
	Label   string
	Execute func(ctx context.Context) (R, error)
}

// ActiveTask describes a task that has started and not finished.
type ActiveTask struct {
	ID      string    `json:"id"`
	Label   string    `json:"label"`
	Started time.Time `json:"started"`
}

// Progress is reported after every admission and completion.
type Progress struct {
	Completed int
	Total     int
	Active    []ActiveTask
}

// Options control one Run.
type Options struct {
	// Limit bounds the number of tasks executing at once (minimum 1).
	Limit int
	// Delay is waited before every admission except the first.
	Delay time.Duration
	// Cancel stops admission when set.
	Cancel *CancelToken
	// Pause blocks admission while set.
	Pause *PauseToken
	// PollInterval is how often a blocked admission re-checks Pause.
	PollInterval time.Duration
	// OnProgress is called serially; it must not block for long.
	OnProgress func(Progress)
}

// Outcome holds per-task results and errors indexed like the input tasks.
// Tasks that were never admitted carry an error matching ErrCancelled.
type Outcome[R any] struct {
	Results   []R
	Errors    []error
	Completed int
	Skipped   int
}

// Failed counts tasks that ran and returned an error.
func (o Outcome[R]) Failed() int {
	n := 0
	for _, err := range o.Errors {
		if err != nil && Classify(err) != KindCancelled {
			n++
		}
	}
	return n
}

// Schedule executes tasks in order of admission under opts. It never fails as a
// whole: every task's error is reported in its Outcome slot. Schedule returns
// once every admitted task has finished.
func Schedule[R any](ctx context.Context, tasks []Task[R], opts Options) Outcome[R] {
	out := Outcome[R]{
		Results: make([]R, len(tasks)),
		Errors:  make([]error, len(tasks)),
	}
	if len(tasks) == 0 {
		return out
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))

	var (
		mu        sync.Mutex
		active    = make(map[int]ActiveTask)
		completed int
		started   = make([]bool, len(tasks))
		wg        sync.WaitGroup
	)

	// report must be called with mu held so callbacks are serialized and
	// observe a consistent active set.
	report := func() {
		if opts.OnProgress == nil {
			return
		}
		list := make([]ActiveTask, 0, len(active))
		for _, a := range active {
			list = append(list, a)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Started.Before(list[j].Started) })
		opts.OnProgress(Progress{Completed: completed, Total: len(tasks), Active: list})
	}

	admissible := func() bool {
		return !opts.Cancel.Cancelled() && ctx.Err() == nil
	}

admit:
	for i, task := range tasks {
		if !admissible() {
			break
		}
		if i > 0 && opts.Delay > 0 {
			timer := time.NewTimer(opts.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				break admit
			case <-opts.Cancel.Done():
				timer.Stop()
				break admit
			case <-timer.C:
			}
		}
		if err := opts.Pause.Wait(ctx, opts.Cancel, opts.PollInterval); err != nil {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		// A slot may take a while to free up; the pause or the cancel
		// request can change meanwhile.
		if err := opts.Pause.Wait(ctx, opts.Cancel, opts.PollInterval); err != nil || !admissible() {
			sem.Release(1)
			break
		}

		mu.Lock()
		started[i] = true
		active[i] = ActiveTask{ID: task.ID, Label: task.Label, Started: time.Now()}
		report()
		mu.Unlock()

		wg.Add(1)
		go func(i int, task Task[R]) {
			defer wg.Done()
			defer sem.Release(1)

			res, err := task.Execute(ctx)
			if err != nil && IsRateLimit(err) && !opts.Cancel.Cancelled() && ctx.Err() == nil {
				release := opts.Pause.Hold(0)
				res, err = task.Execute(ctx)
				release()
			}

			mu.Lock()
			out.Results[i] = res
			out.Errors[i] = err
			delete(active, i)
			completed++
			report()
			mu.Unlock()
		}(i, task)
	}

	wg.Wait()

	out.Completed = completed
	for i := range tasks {
		if !started[i] {
			out.Errors[i] = fmt.Errorf("%w: task %s not started", ErrCancelled, tasks[i].ID)
			out.Skipped++
		}
	}
	return out
}
