package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"echo-rooms/server/internal/model"
	"echo-rooms/server/internal/orchestrator"

	"github.com/spf13/cobra"
)

var (
	chatSession     string
	chatParticipant string
	chatVerbose     bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Play a session in the terminal",
	Long: `Play a session in the terminal against the configured model.

Commands:
  /as <character>   switch who answers
  /status           show progress
  /quit             leave`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, cleanup, err := setup()
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		r := &repl{
			orch:    a.Orchestrator,
			speaker: a.Config.Orchestrator.DefaultSpeaker,
			verbose: chatVerbose,
			out:     os.Stdout,
		}
		return r.run(ctx, os.Stdin, chatSession, chatParticipant)
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatSession, "session", "", "resume an existing session")
	chatCmd.Flags().StringVar(&chatParticipant, "participant", "", "participant id, enables cross-session memory")
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "print tool calls")
}

// chatService 是 REPL 需要的编排能力。
type chatService interface {
	CreateSession(ctx context.Context, req model.CreateSessionRequest) (*model.CreateSessionResponse, error)
	Get(ctx context.Context, id string) (*model.Session, error)
	HandleTurn(ctx context.Context, sessionID string, req model.TurnRequest) (*model.TurnResponse, error)
}

var _ chatService = (*orchestrator.Orchestrator)(nil)

type repl struct {
	orch    chatService
	speaker string
	verbose bool
	out     io.Writer
}

func (r *repl) run(ctx context.Context, in io.Reader, sessionID, participant string) error {
	if sessionID == "" {
		created, err := r.orch.CreateSession(ctx, model.CreateSessionRequest{ParticipantID: participant})
		if err != nil {
			return err
		}
		sessionID = created.SessionID
		if created.Returning {
			fmt.Fprintln(r.out, "(they remember you)")
		}
	} else if _, err := r.orch.Get(ctx, sessionID); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "session %s. /quit to leave.\n", sessionID)

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(r.out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/status":
			r.printStatus(ctx, sessionID)
			continue
		case strings.HasPrefix(line, "/as "):
			r.speaker = strings.TrimSpace(strings.TrimPrefix(line, "/as "))
			fmt.Fprintf(r.out, "now talking to %s\n", r.speaker)
			continue
		}

		resp, err := r.orch.HandleTurn(ctx, sessionID, model.TurnRequest{Text: line, Character: r.speaker})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, orchestrator.ErrUnknownSpeaker) {
				fmt.Fprintf(r.out, "! %v\n", err)
				continue
			}
			return err
		}
		r.printTurn(resp)
	}
}

func (r *repl) printTurn(resp *model.TurnResponse) {
	if r.verbose {
		for _, entry := range resp.ToolTrace {
			mark := "·"
			if entry.IsError {
				mark = "x"
			}
			fmt.Fprintf(r.out, "  %s %s %v\n", mark, entry.Name, entry.Arguments)
		}
	}
	for _, id := range resp.ForcedEvents {
		fmt.Fprintf(r.out, "[story] %s\n", id)
	}
	fmt.Fprintf(r.out, "%s: %s\n", resp.Character, resp.Reply)
	if resp.Ending != nil && resp.Ending.ResolvedAt == resp.InteractionCount {
		fmt.Fprintf(r.out, "\n== %s ==\n%s\n", resp.Ending.Title, resp.Ending.Narrative)
	}
}

func (r *repl) printStatus(ctx context.Context, sessionID string) {
	sess, err := r.orch.Get(ctx, sessionID)
	if err != nil {
		fmt.Fprintf(r.out, "! %v\n", err)
		return
	}
	fmt.Fprintf(r.out, "interaction %d, act %s, stage %s\n", sess.InteractionCount, sess.Act, sess.CurrentStage)
	for id, score := range sess.Affinity {
		fmt.Fprintf(r.out, "  %s %.2f\n", id, score)
	}
}
