package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"wave-agent/internal/adapter/memory"
	"wave-agent/internal/adapter/session"
	"wave-agent/internal/domain"
)

func newSessionsCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List saved sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			store, err := session.Open(cfg.Session)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("session backend is %q; nothing is saved", cfg.Session.Backend)
			}
			defer store.Close()

			infos, err := store.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if limit > 0 && len(infos) > limit {
				infos = infos[:limit]
			}
			return printSessions(cmd.OutOrStdout(), infos)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to show (0 = all)")
	return cmd
}

func printSessions(w io.Writer, infos []domain.SessionInfo) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tUPDATED\tMESSAGES\tWORKDIR")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			info.ID, info.UpdatedAt.Local().Format(time.DateTime), info.MessageCount, info.Workdir)
	}
	return tw.Flush()
}

func newMemoryCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Show or extend AGENTS.md memory",
	}

	var user bool
	add := &cobra.Command{
		Use:   "add <text>",
		Short: "Append a note to project or user memory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			scope := domain.MemoryProject
			if user {
				scope = domain.MemoryUser
			}
			m := memory.NewFileMemory(cfg.Agent.Workdir, cfg.Memory.UserDir, cfg.Memory.FileName)
			return m.Add(cmd.Context(), scope, strings.Join(args, " "))
		},
	}
	add.Flags().BoolVar(&user, "user", false, "write to user memory")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print project and user memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			m := memory.NewFileMemory(cfg.Agent.Workdir, cfg.Memory.UserDir, cfg.Memory.FileName)
			project, err := m.ProjectMemory(cmd.Context())
			if err != nil {
				return err
			}
			userMem, err := m.UserMemory(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "== project ==\n%s\n== user ==\n%s\n", project, userMem)
			return nil
		},
	}

	cmd.AddCommand(add, show)
	return cmd
}
