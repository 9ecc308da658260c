package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/tripmind/pkg/memory"
)

func newShellCommand(opts *globalOptions) *cobra.Command {
	var (
		session string
		rc      memory.RecallContext
	)
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive session: each line is a traveller turn",
		Long: strings.TrimSpace(`Run an interactive session. Each line is treated as a traveller message:
memories are extracted and checked for conflicts, suggestions are offered and
the compaction trigger is advanced. Lines starting with / are commands; /help
lists them.`),
		Example: "  tripmind shell -u alice --destination Kyoto --season spring",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ident, err := opts.identity()
			if err != nil {
				return err
			}
			if strings.TrimSpace(session) == "" {
				session = "cli:" + ident.UserID
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			svc, _, err := openService(ctx, opts, true, nil)
			if err != nil {
				return err
			}
			defer svc.Close()

			st := &shellState{svc: svc, ident: ident, session: session, rc: rc}
			fmt.Fprintf(cmd.OutOrStdout(), "%s interactive session %s (Ctrl+C to exit)\n\n", appName, session)
			interactiveMode(ctx, cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().StringVarP(&session, "session", "s", "", "Session id for the compaction trigger (default cli:<user>)")
	addContextFlags(cmd, &rc)
	return cmd
}

type shellState struct {
	svc     *memory.Service
	ident   memory.Identity
	session string
	rc      memory.RecallContext
	turns   int
}

const shellHelp = `Commands:
  /recall                 show memories for the current context
  /dest <name>            set the destination ("/dest" clears it)
  /season <name>          set the season
  /trip <type>            set the trip type
  /conflicts              show conflicts waiting for clarification
  /resolve <id> <choice>  keep_existing, keep_new or keep_both
  /accept <memory-id>     accept a suggestion
  /decline <memory-id>    decline a suggestion
  /compacted              acknowledge a requested compaction
  /quit                   leave the session`

// handle processes one input line and returns the text to print. done is
// true when the session should end.
func (st *shellState) handle(ctx context.Context, line string) (out string, done bool) {
	input := strings.TrimSpace(line)
	if input == "" {
		return "", false
	}
	if input == "exit" || input == "quit" || input == "/quit" {
		return "Goodbye!", true
	}
	if !strings.HasPrefix(input, "/") {
		return st.turn(ctx, input), false
	}

	fields := strings.Fields(input)
	arg := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))
	switch fields[0] {
	case "/help":
		return shellHelp, false
	case "/dest":
		st.rc.Destination = arg
		return fmt.Sprintf("destination=%q", arg), false
	case "/season":
		st.rc.Season = arg
		return fmt.Sprintf("season=%q", arg), false
	case "/trip":
		st.rc.TripType = arg
		return fmt.Sprintf("trip_type=%q", arg), false
	case "/recall":
		records, err := st.svc.Recall(ctx, st.ident, st.rc, 0)
		if err != nil {
			return "Error: " + err.Error(), false
		}
		if len(records) == 0 {
			return "(no memories for this context)", false
		}
		return memory.FormatRecall(records, 0), false
	case "/conflicts":
		conflicts, err := st.svc.ListConflicts(ctx, st.ident, memory.ConflictPending)
		if err != nil {
			return "Error: " + err.Error(), false
		}
		if len(conflicts) == 0 {
			return "(no pending conflicts)", false
		}
		return memory.FormatConflictPrompt(conflicts), false
	case "/resolve":
		if len(fields) != 3 {
			return "Usage: /resolve <conflict-id> <keep_existing|keep_new|keep_both>", false
		}
		decision, err := memory.ParseDecision(fields[2])
		if err != nil {
			return "Error: " + err.Error(), false
		}
		rec, err := st.svc.ResolveConflict(ctx, fields[1], decision)
		if err != nil {
			return "Error: " + err.Error(), false
		}
		return fmt.Sprintf("Resolved: keeping %q", rec.Text), false
	case "/accept", "/decline":
		if arg == "" {
			return fmt.Sprintf("Usage: %s <memory-id>", fields[0]), false
		}
		rec, err := st.svc.RecordSuggestionFeedback(ctx, arg, fields[0] == "/accept")
		if err != nil {
			return "Error: " + err.Error(), false
		}
		return fmt.Sprintf("salience %.2f: %s", rec.Salience, rec.Text), false
	case "/compacted":
		ack, err := st.svc.AcknowledgeCompaction(ctx, st.session)
		if err != nil {
			return "Error: " + err.Error(), false
		}
		return fmt.Sprintf("Compaction committed through turn %d", ack.Boundary), false
	default:
		return fmt.Sprintf("Unknown command %s (try /help)", fields[0]), false
	}
}

// turn runs one traveller message through extraction, suggestions and the
// compaction trigger.
func (st *shellState) turn(ctx context.Context, message string) string {
	st.turns++
	var b strings.Builder

	outcomes, err := st.svc.ExtractFromMessage(ctx, st.ident, message, st.rc)
	if err != nil {
		fmt.Fprintf(&b, "Error: %v\n", err)
	}
	var held []memory.Conflict
	for _, o := range outcomes {
		switch {
		case o.Conflict != nil:
			held = append(held, *o.Conflict)
		case o.Reinforced:
			fmt.Fprintf(&b, "  reinforced: %s\n", o.Stored.Text)
		case o.Stored != nil:
			fmt.Fprintf(&b, "  remembered: %s [%s]\n", o.Stored.Text, o.Stored.ID)
		}
	}
	if len(held) > 0 {
		b.WriteString(memory.FormatConflictPrompt(held))
		b.WriteString("\n")
	}

	suggestions, err := st.svc.Suggest(ctx, st.ident, st.rc, message, 0)
	if err != nil {
		fmt.Fprintf(&b, "Error: %v\n", err)
	}
	for _, s := range suggestions {
		fmt.Fprintf(&b, "  suggest: %s (%s) [%s]\n", s.Text, s.Justification, s.MemoryID)
	}

	d, err := st.svc.CheckCompaction(ctx, st.session, st.turns)
	if err != nil {
		fmt.Fprintf(&b, "Error: %v\n", err)
	} else if d.Requested {
		fmt.Fprintf(&b, "  compaction requested through turn %d; summarize, then /compacted\n", d.Boundary)
	}

	return strings.TrimRight(b.String(), "\n")
}

func interactiveMode(ctx context.Context, w io.Writer, st *shellState) {
	prompt := fmt.Sprintf("%s You: ", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".tripmind_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(w, "Error initializing readline: %v\n", err)
		fmt.Fprintln(w, "Falling back to simple input mode...")
		simpleInteractiveMode(ctx, os.Stdin, w, st)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(w, "\nGoodbye!")
				return
			}
			fmt.Fprintf(w, "Error reading input: %v\n", err)
			continue
		}
		out, done := st.handle(ctx, line)
		if out != "" {
			fmt.Fprintf(w, "%s\n\n", out)
		}
		if done {
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, in io.Reader, w io.Writer, st *shellState) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(w, "%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				fmt.Fprintln(w, "\nGoodbye!")
				return
			}
			fmt.Fprintf(w, "Error reading input: %v\n", err)
			continue
		}
		out, done := st.handle(ctx, line)
		if out != "" {
			fmt.Fprintf(w, "%s\n\n", out)
		}
		if done {
			return
		}
	}
}
