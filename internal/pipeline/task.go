// SPDX-License-Identifier: MIT
package pipeline

import (
	"context"

	"apm/internal/frame"
)

// Task is a handle to a submitted pipeline execution.
type Task struct {
	done   chan struct{}
	feeds  []*frame.Frame
	report Report
	err    error
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

func (t *Task) finish(feeds []*frame.Frame, report Report, err error) {
	t.feeds = feeds
	t.report = report
	t.err = err
	close(t.done)
}

// Done is closed once the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx is done. Abandoning the wait
// does not cancel the task; it still runs to completion on the worker.
func (t *Task) Wait(ctx context.Context) ([]*frame.Frame, error) {
	select {
	case <-t.done:
		return t.feeds, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Report returns the task's report. It is only meaningful after Done.
func (t *Task) Report() Report {
	<-t.done
	return t.report
}
