// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

// Package job runs a task at a fixed interval for the foreground watch mode of the CLI. Runs
// never overlap; a tick that fires during a run is skipped.
package job

import (
	"context"
	"sync"
	"time"
)

// Job represents a scheduled task that runs at a fixed interval in singleton mode.
type Job struct {
	interval  time.Duration
	task      func(context.Context)
	immediate bool
	onSkip    func()
}

type Option func(*Job)

// WithImmediateStart runs the task once right away instead of waiting for the first tick.
func WithImmediateStart() Option {
	return func(j *Job) {
		j.immediate = true
	}
}

// WithSkipHandler registers fn to be called for every tick dropped because a run was still busy.
func WithSkipHandler(fn func()) Option {
	return func(j *Job) {
		j.onSkip = fn
	}
}

func New(interval time.Duration, task func(context.Context), opts ...Option) *Job {
	job := &Job{
		interval: interval,
		task:     task,
	}
	for _, opt := range opts {
		opt(job)
	}
	return job
}

// Start executes the job until ctx is cancelled. It waits for a run in progress before it
// returns.
func (j *Job) Start(ctx context.Context) {
	if j.task == nil || j.interval <= 0 {
		return
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	// 1-slot semaphore, held while a run is in progress
	sem := make(chan struct{}, 1)
	trigger := func() {
		select {
		case sem <- struct{}{}:
			wg.Go(func() {
				defer func() { <-sem }()
				j.task(ctx)
			})
		default:
			if j.onSkip != nil {
				j.onSkip()
			}
		}
	}

	if j.immediate {
		trigger()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			trigger()
		}
	}
}
