package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"quiz-session-client/internal/app"
	"quiz-session-client/internal/domain"
)

// NewTakeCmd runs an attempt from the terminal.
func NewTakeCmd(configPath, backend *string) *cobra.Command {
	return &cobra.Command{
		Use:   "take",
		Short: "Take a quiz interactively from the terminal",
		Long: `Reads one command per line:
  start <quizId> <exam|practice>   recover <sessionId>
  answer <questionId> <json>       flag|unflag|toggle <questionId>
  next | prev | goto <n>           pause | resume
  submit | review | status         abandon | quit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath, *backend)
			if err != nil {
				return err
			}
			api, err := newSessionClient(cfg, log)
			if err != nil {
				return err
			}
			journal, closeJournal, err := openJournal(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer closeJournal()

			ctrl := app.NewController(api, journal, cfg.Session.Options(), log)
			defer ctrl.Close(context.Background())
			return runTake(cmd.Context(), ctrl, os.Stdin, cmd.OutOrStdout())
		},
	}
}

func runTake(ctx context.Context, ctrl *app.Controller, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			fmt.Fprint(out, "> ")
			continue
		}
		if fields[0] == "quit" || fields[0] == "exit" {
			return nil
		}
		msg, err := runTakeCommand(ctx, ctrl, fields)
		switch {
		case err != nil:
			fmt.Fprintf(out, "error: %v\n", err)
		case msg != "":
			fmt.Fprintln(out, msg)
		}
		printStatus(out, ctrl.Snapshot())
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

var errUsage = errors.New("unknown command or missing argument")

func runTakeCommand(ctx context.Context, ctrl *app.Controller, f []string) (string, error) {
	arg := func(i int) string {
		if i < len(f) {
			return f[i]
		}
		return ""
	}
	switch f[0] {
	case "start":
		if len(f) != 3 {
			return "", errUsage
		}
		return "", ctrl.Start(ctx, f[1], domain.Mode(f[2]))
	case "recover":
		if len(f) != 2 {
			return "", errUsage
		}
		return "", ctrl.Recover(ctx, f[1])
	case "answer":
		if len(f) < 3 {
			return "", errUsage
		}
		raw := strings.Join(f[2:], " ")
		if !json.Valid([]byte(raw)) {
			// bare words are option IDs
			b, _ := json.Marshal(raw)
			raw = string(b)
		}
		return "", ctrl.Answer(ctx, f[1], domain.Answer(raw))
	case "flag":
		return "", ctrl.Flag(ctx, arg(1))
	case "unflag":
		return "", ctrl.Unflag(ctx, arg(1))
	case "toggle":
		flagged, err := ctrl.ToggleFlag(ctx, arg(1))
		return fmt.Sprintf("flagged=%v", flagged), err
	case "next":
		_, err := ctrl.Next(ctx)
		return "", err
	case "prev":
		_, err := ctrl.Prev(ctx)
		return "", err
	case "goto":
		pos, err := strconv.Atoi(arg(1))
		if err != nil {
			return "", errUsage
		}
		_, err = ctrl.GoTo(ctx, pos)
		return "", err
	case "pause":
		return "", ctrl.Pause(ctx)
	case "resume":
		return "", ctrl.Resume(ctx)
	case "submit":
		result, err := ctrl.Submit(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("score %.1f/%.1f (answered %d, auto=%v, forced=%v)",
			result.Score, result.MaxScore, result.Answered, result.AutoSubmitted, result.Forced), nil
	case "review":
		if err := ctrl.Review(); err != nil {
			return "", err
		}
		var b strings.Builder
		for _, slot := range ctrl.Slots() {
			fmt.Fprintf(&b, "  %d. %s %s %s\n", slot.Position, slot.QuestionID, slot.Status, string(slot.CurrentAnswer))
		}
		return strings.TrimRight(b.String(), "\n"), nil
	case "status":
		return "", nil
	case "abandon":
		return "abandoned", ctrl.Abandon(ctx)
	default:
		return "", errUsage
	}
}

func printStatus(out io.Writer, snap domain.Snapshot) {
	if snap.Session == nil {
		fmt.Fprintf(out, "[%s]\n", snap.State)
		return
	}
	line := fmt.Sprintf("[%s] session %s  question %d/%d", snap.State, snap.Session.SessionID,
		snap.CurrentPosition, len(snap.Slots))
	if snap.TimeRemaining != nil {
		line += fmt.Sprintf("  %ds left", *snap.TimeRemaining)
	}
	if snap.PausesRemaining != app.Unlimited {
		line += fmt.Sprintf("  pauses %d", snap.PausesRemaining)
	}
	if snap.PendingWrites > 0 {
		line += fmt.Sprintf("  pending %d", snap.PendingWrites)
	}
	if snap.Degraded {
		line += "  (offline)"
	}
	if len(snap.FlaggedPositions) > 0 {
		line += fmt.Sprintf("  flagged %v", snap.FlaggedPositions)
	}
	fmt.Fprintln(out, line)
}
