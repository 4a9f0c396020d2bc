package main

import (
	"os/signal"
	"syscall"

	"echo-rooms/server/internal/mcpserver"
	"echo-rooms/server/internal/model"

	"github.com/spf13/cobra"
)

var (
	mcpSession     string
	mcpParticipant string
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the narrative tools over MCP (stdio) for one session",
	Long: `Serve the narrative tools over the Model Context Protocol on stdio.

Every call runs under the session lock and is committed to the session store.
Without --session a new session is created and its id is logged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		id := mcpSession
		if id == "" {
			created, err := a.Orchestrator.CreateSession(ctx, model.CreateSessionRequest{ParticipantID: mcpParticipant})
			if err != nil {
				return err
			}
			id = created.SessionID
		} else if _, err := a.Orchestrator.Get(ctx, id); err != nil {
			return err
		}

		srv, err := mcpserver.New(a.Orchestrator, id, Version, a.Logger)
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	},
}

func init() {
	mcpCmd.Flags().StringVar(&mcpSession, "session", "", "existing session id")
	mcpCmd.Flags().StringVar(&mcpParticipant, "participant", "", "participant id for a new session")
}
