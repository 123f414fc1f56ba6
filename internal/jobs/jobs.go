// Package jobs runs detached side-effect work: image and video generation
// and web search. Jobs never block a turn; the scheduler receives results
// through the done callback and decides whether they still apply.
package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"parlor/internal/domain"
)

type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// Result is the outcome of one detached job. Exactly one of Path or Results
// is populated on success, depending on Kind.
type Result struct {
	Kind      domain.DirectiveKind
	Prompt    string
	Path      string
	MediaType string
	Results   []SearchResult
	Err       error
}

type Runner struct {
	logger  *log.Logger
	timeout time.Duration
}

func NewRunner(logger *log.Logger, timeout time.Duration) *Runner {
	if logger == nil {
		logger = log.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Runner{logger: logger, timeout: timeout}
}

// Start executes run on its own goroutine and delivers exactly one Result to
// done. A panic in run is converted into a failed Result.
func (r *Runner) Start(kind domain.DirectiveKind, prompt string, run func(ctx context.Context) Result, done func(Result)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Printf("jobs: %s job panicked: %v", kind, rec)
				done(Result{Kind: kind, Prompt: prompt, Err: fmt.Errorf("%s job panicked: %v", kind, rec)})
			}
		}()

		res := run(ctx)
		res.Kind = kind
		res.Prompt = prompt
		if res.Err != nil {
			r.logger.Printf("jobs: %s job failed: %v", kind, res.Err)
		}
		done(res)
	}()
}
