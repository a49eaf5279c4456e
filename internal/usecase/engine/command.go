package engine

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"wave-agent/internal/domain"
	"wave-agent/internal/infra/tracer"
	"wave-agent/internal/usecase/process"
)

// ExecuteCommand runs a user-issued shell command in the workdir and
// streams its output into a command_output block. It returns the exit code;
// an aborted command reports 130.
func (e *Engine) ExecuteCommand(ctx context.Context, command string) (int, error) {
	ctx, span := tracer.StartSpan(ctx, "engine.execute_command",
		trace.WithAttributes(tracer.StringAttr("command", command)),
	)
	defer span.End()

	block := &domain.CommandBlock{Command: command, IsRunning: true}
	var err error
	e.update(func() bool {
		if err = e.checkIdleLocked("Engine.ExecuteCommand"); err != nil {
			return false
		}
		e.state = StateRunningCommand
		e.messages = append(e.messages, domain.Message{
			Role:      domain.RoleUser,
			Blocks:    []domain.Block{{Type: domain.BlockCommandOutput, Command: block}},
			Timestamp: e.now(),
		})
		return true
	})
	if err != nil {
		tracer.RecordError(span, err)
		return 0, err
	}
	e.setLoading(true)

	res, runErr := e.runner.Run(ctx, process.Command{Command: command, Dir: e.deps.Workdir},
		func(stdout, stderr string, isRunning bool) {
			e.update(func() bool {
				block.Output = stdout + stderr
				block.IsRunning = isRunning
				return true
			})
		})

	code := 1
	e.update(func() bool {
		block.IsRunning = false
		if runErr != nil {
			block.Output += errorText(runErr)
		} else {
			block.Output = res.Stdout + res.Stderr
			code = res.ExitCode
		}
		block.ExitCode = new(code)
		e.state = StateIdle
		return true
	})
	e.setLoading(false)

	if runErr != nil {
		tracer.RecordError(span, runErr)
	} else {
		tracer.SetOK(span)
		e.deps.Logger.Debug("command finished", "command", command, "exit_code", code, "aborted", res.Aborted)
	}
	e.save(context.WithoutCancel(ctx))
	return code, runErr
}

// AbortCommand kills the running user command, if any.
func (e *Engine) AbortCommand() {
	e.runner.Abort()
}
