package agent

import (
	"context"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/actions"
	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/fault"
	"github.com/fieldlab/labplane/internal/runner"
)

// execute realizes an action that cleared every guard.
func (a *Agent) execute(ctx context.Context, req *envelope.Request, def actions.Def) {
	switch def.Kind {
	case actions.KindCommand:
		a.runCommand(ctx, req, def)
	case actions.KindSteps:
		a.runSteps(ctx, req, def)
	case actions.KindSpecial:
		a.runSpecial(ctx, req, def)
	}
}

// runCommand plans, validates, and spawns a single allowlisted command.
func (a *Agent) runCommand(ctx context.Context, req *envelope.Request, def actions.Def) {
	a.intentResult(ctx, req, def.Family, func() map[string]interface{} {
		plan, err := actions.PlanFor(req, a.platform)
		if err != nil {
			return failureMap(err)
		}
		plan, err = a.allowlist.Validate(plan)
		if err != nil {
			a.logger.WithFields(log.Fields{
				"request_id": req.RequestID,
				"cmd":        plan.Cmd,
				"code":       fault.CodeOf(err),
			}).Warn("command denied by policy")
			return failureMap(err)
		}

		res, runErr := runner.Run(ctx, plan, a.timeout)
		out := res.Map()
		out["cmd"] = actions.Describe(plan)
		out["ok"] = runErr == nil
		if runErr != nil {
			out["error"] = runErr.Error()
		}
		return out
	})
}

// runSteps iterates a caller-supplied flash/rollback step list: artifacts
// are verified up front, execution stops at the first non-zero exit.
func (a *Agent) runSteps(ctx context.Context, req *envelope.Request, def actions.Def) {
	a.intentResult(ctx, req, def.Family, func() map[string]interface{} {
		steps, artifacts, err := actions.Steps(req)
		if err != nil {
			return failureMap(err)
		}
		for _, artifact := range artifacts {
			if _, err := os.Stat(artifact); err != nil {
				return failureMap(fault.Coded(fault.BadRequest, "missing_artifact",
					"artifact %s not found", artifact))
			}
		}

		completed := make([]map[string]interface{}, 0, len(steps))
		for i, step := range steps {
			validated, err := a.allowlist.Validate(step)
			if err != nil {
				out := failureMap(err)
				out["failed_step"] = i
				out["failed_cmd"] = actions.Describe(step)
				out["steps_completed"] = completed
				return out
			}
			res, runErr := runner.Run(ctx, validated, a.timeout)
			stepOut := map[string]interface{}{
				"step":          i,
				"cmd":           actions.Describe(validated),
				"exit_code":     res.ExitCode,
				"duration_ms":   res.DurationMs,
				"stdout_sha256": res.StdoutSHA256,
				"stderr_sha256": res.StderrSHA256,
			}
			if runErr != nil {
				out := res.Map()
				out["ok"] = false
				out["error"] = runErr.Error()
				out["failed_step"] = i
				out["failed_cmd"] = actions.Describe(validated)
				out["steps_completed"] = completed
				return out
			}
			completed = append(completed, stepOut)
		}
		return map[string]interface{}{"ok": true, "steps_completed": completed}
	})
}

func failureMap(err error) map[string]interface{} {
	m := map[string]interface{}{
		"ok":    false,
		"error": err.Error(),
		"kind":  string(fault.KindOf(err)),
	}
	if code := fault.CodeOf(err); code != "" {
		m["code"] = code
	}
	return m
}
