// Package hook runs user commands before and after a backup run.
package hook

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/paulschiretz/pgl-tmbackup/pkg/hints"
	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
)

var ErrNothingToExecute = hints.New("nothing to execute")
var ErrDisabled = hints.New("hook execution is disabled")

// Plan lists the commands of one run. Commands are run through the platform shell.
type Plan struct {
	PreBackup  []string
	PostBackup []string

	DryRun bool
	// FailFast makes a failing command abort the remaining commands and fail the hook.
	FailFast bool
}

// Env describes the run to the hook commands through environment variables.
type Env struct {
	RunID  string
	Source string
	Dest   string
	Target string
	// Status is empty for pre-backup hooks and "success" or "failure" afterwards.
	Status string
}

func (e Env) vars() []string {
	vars := []string{
		"PGL_TMBACKUP_RUN_ID=" + e.RunID,
		"PGL_TMBACKUP_SOURCE=" + e.Source,
		"PGL_TMBACKUP_DEST=" + e.Dest,
		"PGL_TMBACKUP_TARGET=" + e.Target,
	}
	if e.Status != "" {
		vars = append(vars, "PGL_TMBACKUP_STATUS="+e.Status)
	}
	return vars
}

type HookExecutor struct {
	// commandContext allows mocking os/exec for testing hooks.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
}

// NewHookExecutor creates a new HookExecutor. A nil commandContext uses exec.CommandContext.
func NewHookExecutor(commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *HookExecutor {
	if commandContext == nil {
		commandContext = exec.CommandContext
	}
	return &HookExecutor{
		commandContext: commandContext,
	}
}

// RunPreBackup runs the pre-backup commands.
func (e *HookExecutor) RunPreBackup(ctx context.Context, p *Plan, env Env) error {
	if p == nil {
		return ErrDisabled
	}
	return e.run(ctx, "pre-backup", p.PreBackup, p, env)
}

// RunPostBackup runs the post-backup commands.
func (e *HookExecutor) RunPostBackup(ctx context.Context, p *Plan, env Env) error {
	if p == nil {
		return ErrDisabled
	}
	return e.run(ctx, "post-backup", p.PostBackup, p, env)
}

func (e *HookExecutor) run(ctx context.Context, hookName string, commands []string, p *Plan, env Env) error {
	if len(commands) == 0 {
		return ErrNothingToExecute
	}

	plog.Info("Running hook commands", "hook", hookName, "count", len(commands))

	for _, hookCommand := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}

		if p.DryRun {
			plog.Info("[DRY RUN] Executing command", "hook", hookName, "command", hookCommand)
			continue
		}
		plog.Info("Executing command", "hook", hookName, "command", hookCommand)

		cmd := e.createCommand(ctx, hookCommand)
		if cmd.Env == nil {
			cmd.Env = os.Environ()
		}
		cmd.Env = append(cmd.Env, env.vars()...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		if err := cmd.Run(); err != nil {
			// A cancelled context makes Run fail too; report the cancellation itself.
			if errors.Is(ctx.Err(), context.Canceled) {
				return context.Canceled
			}
			if p.FailFast {
				return fmt.Errorf("command '%s' failed: %w", hookCommand, err)
			}
			plog.Warn("Hook command failed", "hook", hookName, "command", hookCommand, "error", err)
		}
	}
	return nil
}
