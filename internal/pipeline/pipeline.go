// Package pipeline runs the per-task stage sequence — planner, executor,
// reviewer, reporter — as one goroutine per run (spec.md §4.5, §9 "one
// goroutine per active run, no inter-worker channels"). Workers never talk
// to each other directly; all coordination happens through *engine.Engine.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/orchestrator/internal/engine"
	"github.com/pesio-ai/orchestrator/internal/policy"
	"github.com/pesio-ai/orchestrator/internal/template"
)

// Runner dispatches and drives pipeline passes.
type Runner struct {
	engine    *engine.Engine
	templates *template.Registry
	detector  *policy.Detector
	reportRoot string
	approverGroup string
	log zerolog.Logger
}

// New builds a Runner. reportRoot is the directory artifacts are written
// under (one subdirectory per task_id), approverGroup is the default
// approver group attached to approval items this runner creates.
func New(eng *engine.Engine, templates *template.Registry, detector *policy.Detector, reportRoot, approverGroup string, log zerolog.Logger) *Runner {
	return &Runner{
		engine:        eng,
		templates:     templates,
		detector:      detector,
		reportRoot:    reportRoot,
		approverGroup: approverGroup,
		log:           log,
	}
}

// Dispatch launches one background pipeline pass for taskID. It is called
// by the HTTP layer immediately after a READY->RUNNING or
// NEEDS_HUMAN_APPROVAL->RUNNING transition; the caller does not wait for it.
func (r *Runner) Dispatch(taskID string) {
	go r.run(context.Background(), taskID)
}

// run executes one pipeline pass: planner -> executor -> (policy check) ->
// reviewer -> reporter, looping internally on retryable failures up to the
// engine's configured retry budget.
func (r *Runner) run(ctx context.Context, taskID string) {
	log := r.log.With().Str("task_id", taskID).Logger()

	for {
		task, runnable, err := r.engine.BeginRunPass(ctx, taskID)
		if err != nil {
			log.Error().Err(err).Msg("failed to begin pipeline pass")
			return
		}
		if !runnable {
			return
		}

		task, err = r.engine.EnterExecutorStage(ctx, task.TaskID)
		if err != nil {
			log.Error().Err(err).Msg("failed to enter executor stage")
			return
		}

		if reasonCode := r.detector.Detect(task.Input, task.ApprovedReasons); reasonCode != "" {
			if _, err := r.engine.BlockOnPolicy(ctx, task.TaskID, reasonCode, r.approverGroup); err != nil {
				log.Error().Err(err).Msg("failed to record policy block")
			}
			return
		}

		tmpl, ok := r.templates.Lookup(task.TemplateType)
		if !ok {
			// CreateTask already validated this; a missing template here
			// means the registry was reconfigured under a running task.
			r.escalateOrRetry(ctx, task.TaskID, fmt.Errorf("template %q is no longer registered", task.TemplateType), &log)
			return
		}

		rendered, err := tmpl.Render(task.Input)
		if err != nil {
			if r.escalateOrRetry(ctx, task.TaskID, err, &log) {
				return
			}
			continue
		}

		reportPath, err := r.writeReport(task.TaskID, rendered)
		if err != nil {
			if r.escalateOrRetry(ctx, task.TaskID, err, &log) {
				return
			}
			continue
		}

		if _, err := r.engine.EnterReviewStage(ctx, task.TaskID); err != nil {
			log.Error().Err(err).Msg("failed to enter review stage")
			return
		}
		if err := tmpl.Review(rendered); err != nil {
			if r.escalateOrRetry(ctx, task.TaskID, err, &log) {
				return
			}
			continue
		}

		if err := r.engine.CompleteTask(ctx, task.TaskID, reportPath); err != nil {
			log.Error().Err(err).Msg("failed to complete task")
		}
		return
	}
}

// escalateOrRetry reports stageErr to the engine. It returns true when the
// pipeline pass should stop (escalated to human approval, or recording the
// failure returned an error), false when the caller should loop for another
// pass. A task that no longer exists also yields false; the next
// BeginRunPass then reports it as not runnable and the loop ends.
func (r *Runner) escalateOrRetry(ctx context.Context, taskID string, stageErr error, log *zerolog.Logger) bool {
	escalated, err := r.engine.FailStage(ctx, taskID, stageErr, r.approverGroup)
	if err != nil {
		log.Error().Err(err).Msg("failed to record stage failure")
		return true
	}
	return escalated
}

// writeReport persists rendered to <reportRoot>/<taskID>/report.md. This
// happens outside the store lock (spec.md §5 "never hold the store lock
// across ... persistence of the rendered artifact").
func (r *Runner) writeReport(taskID, rendered string) (string, error) {
	dir := filepath.Join(r.reportRoot, taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report directory: %w", err)
	}
	path := filepath.Join(dir, "report.md")
	if err := os.WriteFile(path, []byte(rendered), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}
