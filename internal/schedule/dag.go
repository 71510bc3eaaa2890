// Package schedule orders jobs by their declared dependencies and runs each
// level of the resulting DAG in parallel.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
)

var (
	ErrCycle             = errors.New("dependency cycle")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrDependencyFailed  = errors.New("dependency failed")
)

// Graph maps each job to the jobs it must run after.
type Graph map[string][]string

// Levels groups jobs so that every job appears in a later level than all of
// its dependencies. Names inside a level are sorted.
func (g Graph) Levels() ([][]string, error) {
	indegree := make(map[string]int, len(g))
	dependents := make(map[string][]string, len(g))
	for name, deps := range g {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range deps {
			if _, ok := g[dep]; !ok {
				return nil, fmt.Errorf("%w: %s runs after %s", ErrUnknownDependency, name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var current []string
	for name, n := range indegree {
		if n == 0 {
			current = append(current, name)
		}
	}

	var levels [][]string
	seen := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		seen += len(current)

		var next []string
		for _, name := range current {
			for _, d := range dependents[name] {
				indegree[d]--
				if indegree[d] == 0 {
					next = append(next, d)
				}
			}
		}
		current = next
	}

	if seen != len(indegree) {
		var stuck []string
		for name, n := range indegree {
			if n > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w between %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return levels, nil
}

// Result is the outcome of one job in a Run.
type Result struct {
	Name    string
	Err     error
	Skipped bool
}

// Run executes the graph level by level with at most limit jobs in flight
// (limit <= 0 means unbounded). A job whose dependency failed or was skipped
// is skipped. Run returns per-job results in level order and an error if any
// job failed or was skipped.
func (g Graph) Run(ctx context.Context, limit int, fn func(ctx context.Context, name string) error) ([]Result, error) {
	levels, err := g.Levels()
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		failed  = make(map[string]bool)
		results []Result
	)

	for _, level := range levels {
		eg, egCtx := errgroup.WithContext(ctx)
		if limit > 0 {
			eg.SetLimit(limit)
		}
		levelResults := make([]Result, len(level))

		for i, name := range level {
			var blocked string
			for _, dep := range g[name] {
				if failed[dep] {
					blocked = dep
					break
				}
			}
			if blocked != "" {
				levelResults[i] = Result{Name: name, Skipped: true, Err: fmt.Errorf("%w: %s", ErrDependencyFailed, blocked)}
				continue
			}

			eg.Go(func() error {
				// Job failures are results, not group errors: siblings keep running.
				err := fn(egCtx, name)
				levelResults[i] = Result{Name: name, Err: err}
				return nil
			})
		}
		_ = eg.Wait()

		mu.Lock()
		for _, r := range levelResults {
			if r.Err != nil {
				failed[r.Name] = true
			}
			results = append(results, r)
		}
		mu.Unlock()

		if err := ctx.Err(); err != nil {
			return results, err
		}
	}

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name, r.Err))
		}
	}
	return results, errors.Join(errs...)
}
