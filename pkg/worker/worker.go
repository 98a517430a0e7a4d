// Package worker runs the bounded pool of execution slots that pop jobs off
// the queue, prepare a workspace, compile and run the submission through
// the sandbox, and persist the result.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/noisefs-labs/codeexec/pkg/cache"
	"github.com/noisefs-labs/codeexec/pkg/config"
	"github.com/noisefs-labs/codeexec/pkg/fingerprint"
	"github.com/noisefs-labs/codeexec/pkg/logging"
	"github.com/noisefs-labs/codeexec/pkg/queue"
	"github.com/noisefs-labs/codeexec/pkg/registry"
	"github.com/noisefs-labs/codeexec/pkg/sandbox"
	"github.com/noisefs-labs/codeexec/pkg/store"
	"github.com/noisefs-labs/codeexec/pkg/workspace"
)

// Pool drives N concurrent execution slots against the shared queue.
type Pool struct {
	cfg      config.WorkerConfig
	sandbox  config.SandboxConfig
	queue    *queue.Queue
	store    *store.Store
	cache    *cache.Cache
	registry *registry.Registry
	runner   *sandbox.Runner
	log      *logging.Logger
}

// New constructs a worker Pool from its collaborators.
func New(
	cfg config.WorkerConfig,
	sandboxCfg config.SandboxConfig,
	q *queue.Queue,
	s *store.Store,
	c *cache.Cache,
	r *registry.Registry,
	runner *sandbox.Runner,
	log *logging.Logger,
) *Pool {
	if log == nil {
		log = logging.GetGlobalLogger()
	}
	return &Pool{
		cfg:      cfg,
		sandbox:  sandboxCfg,
		queue:    q,
		store:    s,
		cache:    c,
		registry: r,
		runner:   runner,
		log:      log.WithComponent("worker"),
	}
}

// Run dispatches jobs onto a bounded pool of execution slots until ctx is
// canceled. It blocks until every in-flight job finishes.
func (p *Pool) Run(ctx context.Context) error {
	slots := pool.New().WithMaxGoroutines(p.cfg.Concurrency)

	for {
		select {
		case <-ctx.Done():
			slots.Wait()
			return ctx.Err()
		default:
		}

		job, err := p.queue.Dequeue(ctx, p.cfg.DequeueInterval)
		if err != nil {
			if ctx.Err() != nil {
				slots.Wait()
				return ctx.Err()
			}
			p.log.Errorf("dequeue: %v", err)
			continue
		}
		if job == nil {
			continue
		}

		j := *job
		// Go blocks once Concurrency goroutines are already running,
		// which is the pool's only backpressure mechanism: the queue
		// lengthens instead of worker memory growing unbounded.
		// In-flight jobs run on a context that is not canceled with ctx, so a
		// shutdown lets them finish and persist their results.
		slots.Go(func() {
			p.process(context.WithoutCancel(ctx), j)
		})
	}
}

// process runs the full per-job pipeline described in SPEC_FULL.md §4.4.
// Every exit path destroys the workspace, including a recovered panic.
func (p *Pool) process(ctx context.Context, job queue.Job) {
	logger := p.log.WithField("job_id", job.ID).WithField("language", job.Language)

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("panic processing job: %v", r)
			p.persistInfrastructureFailure(ctx, job.ID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	if err := p.store.SetProcessing(ctx, job.ID); err != nil {
		logger.Errorf("set processing: %v", err)
	}

	lang, ok := p.registry.Get(job.Language)
	if !ok {
		p.persistInfrastructureFailure(ctx, job.ID, fmt.Sprintf("unknown language %q", job.Language))
		return
	}

	ws, err := workspace.Create(p.sandbox.JobsRoot, job.ID)
	if err != nil {
		p.persistInfrastructureFailure(ctx, job.ID, err.Error())
		return
	}
	// The workspace is destroyed before any result is persisted, so a job
	// that reads as completed has no workspace left on disk; the deferred
	// call covers a panic and is a no-op after an explicit one.
	destroy := func() {
		if err := ws.Destroy(); err != nil {
			logger.Errorf("destroy workspace: %v", err)
		}
	}
	defer destroy()

	if _, err := ws.WriteSource(lang.SourceFilename, job.Code); err != nil {
		destroy()
		p.persistInfrastructureFailure(ctx, job.ID, err.Error())
		return
	}

	start := time.Now()

	if lang.IsCompiled {
		compileResult, err := p.runner.Compile(ctx, lang, ws.Dir)
		if err != nil {
			destroy()
			p.persistInfrastructureFailure(ctx, job.ID, err.Error())
			return
		}
		if compileResult.ExitCode != 0 {
			destroy()
			p.persistResult(ctx, job.ID, store.Result{
				Stderr:          compileResult.Stderr,
				ExitCode:        compileResult.ExitCode,
				CompileError:    true,
				ExecutionTimeMS: time.Since(start).Milliseconds(),
			})
			return
		}
	}

	rendered, err := p.registry.RenderTemplate(lang, ws.Dir)
	if err != nil {
		destroy()
		p.persistInfrastructureFailure(ctx, job.ID, err.Error())
		return
	}
	configPath, err := ws.WriteSandboxConfig(rendered)
	if err != nil {
		destroy()
		p.persistInfrastructureFailure(ctx, job.ID, err.Error())
		return
	}

	programArgs := p.programInvocation(lang, ws)
	runResult, err := p.runner.RunSandboxed(ctx, ws.Dir, configPath, programArgs, lang.Timeout())
	destroy()
	if err != nil {
		p.persistInfrastructureFailure(ctx, job.ID, err.Error())
		return
	}

	result := store.Result{
		Stdout:          runResult.Stdout,
		Stderr:          runResult.Stderr,
		ExitCode:        runResult.ExitCode,
		ExecutionTimeMS: time.Since(start).Milliseconds(),
	}
	p.persistResult(ctx, job.ID, result)

	if result.ExitCode == 0 && !result.CompileError {
		fp := fingerprint.Of(job.Language, job.Code)
		if err := p.cache.Put(ctx, fp, result); err != nil {
			logger.Errorf("cache put: %v", err)
		}
	}
}

// programInvocation builds the argument vector the launcher should exec:
// the compiled artifact plus run args for compiled languages, or the
// interpreter plus run args plus source filename for interpreted ones.
func (p *Pool) programInvocation(lang registry.Language, ws *workspace.Workspace) []string {
	if lang.IsCompiled {
		args := []string{ws.ArtifactPath(lang.CompiledArtifact)}
		return append(args, lang.RuntimeArgs...)
	}
	args := []string{lang.RuntimePath}
	args = append(args, lang.RuntimeArgs...)
	return append(args, lang.SourceFilename)
}

func (p *Pool) persistResult(ctx context.Context, jobID string, result store.Result) {
	if err := p.store.SetResult(ctx, jobID, result); err != nil {
		p.log.WithField("job_id", jobID).Errorf("persist result: %v", err)
	}
}

func (p *Pool) persistInfrastructureFailure(ctx context.Context, jobID, message string) {
	p.persistResult(ctx, jobID, store.Result{
		Stderr:   message,
		ExitCode: -1,
	})
}
