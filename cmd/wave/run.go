package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"wave-agent/internal/domain"
	"wave-agent/internal/usecase/engine"
)

type runFlags struct {
	resume   string
	cont     bool
	plain    bool
	userMem  bool
	showTask bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Run one prompt to completion",
		Long: `Run one prompt to completion and print the answer.

Prefixes select other actions:
  !<command>   run a shell command in the workdir
  #<note>      append a note to project memory (user memory with --user)
  /<name> ...  expand a custom command from .wave/commands/<name>.md

A prompt of "-" is read from stdin.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := strings.Join(args, " ")
			if input == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				input = string(data)
			}
			return runPrompt(cmd.Context(), g, f, input, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&f.resume, "resume", "r", "", "resume the session with this id")
	cmd.Flags().BoolVar(&f.cont, "continue", false, "resume the most recent session")
	cmd.Flags().BoolVar(&f.plain, "plain", false, "print raw markdown")
	cmd.Flags().BoolVar(&f.userMem, "user", false, "write # notes to user memory")
	cmd.Flags().BoolVar(&f.showTask, "tasks", false, "report background task changes")
	cmd.MarkFlagsMutuallyExclusive("resume", "continue")
	return cmd
}

func runPrompt(parent context.Context, g *globalFlags, f *runFlags, input string, out, errOut io.Writer) error {
	input = strings.TrimSpace(input)
	if input == "" {
		return fmt.Errorf("empty prompt")
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := newPrinter(out, errOut, !f.plain)
	cb := engine.Callbacks{OnMessagesChange: p.onMessages}
	if f.showTask {
		cb.OnTasksChange = taskReporter(errOut)
	}

	a, err := newApp(ctx, cfg, cb)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.resume(ctx, f); err != nil {
		return err
	}
	p.skipExisting(len(a.engine.Messages()))

	// Ctrl-C ends the turn or command; the call below then returns.
	go func() {
		<-ctx.Done()
		a.engine.Abort()
	}()

	switch {
	case strings.HasPrefix(input, "!"):
		return a.runShell(ctx, strings.TrimSpace(input[1:]), out)
	case strings.HasPrefix(input, "#"):
		scope := domain.MemoryProject
		if f.userMem {
			scope = domain.MemoryUser
		}
		if err := a.engine.AddMemory(ctx, scope, input); err != nil {
			return err
		}
		fmt.Fprintf(out, "Saved to %s memory.\n", scope)
		return nil
	}

	if name, args, ok := parseSlash(input); ok {
		cc, err := loadCustomCommand(commandDirs(cfg.Agent.Workdir, cfg.Memory.UserDir), name, args)
		if err != nil {
			return err
		}
		if cc != nil {
			err = a.engine.SendCustomCommand(ctx, cc.Name, cc.Content)
			p.flush()
			return a.finish(ctx, err, errOut)
		}
	}

	err = a.engine.SendMessage(ctx, input)
	p.flush()
	return a.finish(ctx, err, errOut)
}

// resume restores the session selected by --resume or --continue.
func (a *app) resume(ctx context.Context, f *runFlags) error {
	id := f.resume
	if f.cont {
		if a.store == nil {
			return fmt.Errorf("--continue needs a session store")
		}
		infos, err := a.store.ListSessions(ctx)
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			return nil
		}
		id = infos[0].ID
	}
	if id == "" {
		return nil
	}
	return a.engine.Restore(ctx, id)
}

func (a *app) runShell(ctx context.Context, command string, out io.Writer) error {
	if command == "" {
		return fmt.Errorf("empty command")
	}
	code, err := a.engine.ExecuteCommand(ctx, command)
	msgs := a.engine.Messages()
	if n := len(msgs); n > 0 {
		for _, b := range msgs[n-1].Blocks {
			if b.Type == domain.BlockCommandOutput && b.Command != nil {
				fmt.Fprint(out, b.Command.Output)
			}
		}
	}
	if err != nil {
		return err
	}
	if code != 0 {
		return exitError{code: code}
	}
	return nil
}

// finish reports the session id and maps an interrupted turn to exit
// code 130 and a turn that ended in an error block to 1.
func (a *app) finish(ctx context.Context, err error, errOut io.Writer) error {
	if err != nil {
		return err
	}
	if a.store != nil {
		fmt.Fprintln(errOut, faintStyle.Render("session: "+a.engine.SessionID()))
	}
	if ctx.Err() != nil {
		return exitError{code: 130}
	}
	if last := lastAssistant(a.engine.Messages()); last != nil && hasErrorBlock(last) {
		return exitError{code: 1}
	}
	return nil
}

func lastAssistant(msgs []domain.Message) *domain.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == domain.RoleAssistant {
			return &msgs[i]
		}
	}
	return nil
}

func hasErrorBlock(m *domain.Message) bool {
	for _, b := range m.Blocks {
		if b.Type == domain.BlockError {
			return true
		}
	}
	return false
}

func taskReporter(w io.Writer) func([]domain.TaskSnapshot) {
	seen := make(map[string]domain.TaskStatus)
	return func(tasks []domain.TaskSnapshot) {
		for _, t := range tasks {
			if seen[t.ID] == t.Status {
				continue
			}
			seen[t.ID] = t.Status
			fmt.Fprintln(w, faintStyle.Render(fmt.Sprintf("task %s [%s] %s", t.ID, t.Status, truncate(t.Descriptor, summaryWidth))))
		}
	}
}
