package runner

import (
	"context"
	"sync"
)

type Job func(ctx context.Context) error

// RunPool executes jobs with at most maxWorkers concurrently. maxWorkers < 1
// runs every job at once. Every job is started even after ctx is cancelled;
// jobs are expected to observe ctx themselves. Returns all errors.
func RunPool(ctx context.Context, maxWorkers int, jobs []Job) []error {
	if maxWorkers < 1 || maxWorkers > len(jobs) {
		maxWorkers = len(jobs)
	}
	if maxWorkers == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	sem := make(chan struct{}, maxWorkers)

	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(j Job) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := j(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(job)
	}
	wg.Wait()
	return errs
}
