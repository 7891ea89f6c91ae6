package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawstream/internal/config"
	"github.com/nextlevelbuilder/clawstream/internal/reconnect"
	"github.com/nextlevelbuilder/clawstream/internal/reducer"
	"github.com/nextlevelbuilder/clawstream/internal/sessions"
	"github.com/nextlevelbuilder/clawstream/internal/tracing"
	"github.com/nextlevelbuilder/clawstream/internal/transport"
	"github.com/nextlevelbuilder/clawstream/internal/turn"
	"github.com/nextlevelbuilder/clawstream/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		message string
		scope   string
		attach  []string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat over a live agent stream, interactively or one-shot",
		Long: `Open a streaming conversation against the configured chat endpoint.

Examples:
  clawstream chat                       # interactive REPL
  clawstream chat -m "summarize x.md"   # one-shot message
  clawstream chat -a diagram.png        # attach a file to the turn`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(message, scope, attach)
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "one-shot message (omit for interactive mode)")
	cmd.Flags().StringVarP(&scope, "session", "s", "", "session scope (default: auto-generated)")
	cmd.Flags().StringSliceVarP(&attach, "attach", "a", nil, "file(s) to attach to the first turn")
	return cmd
}

func runChat(message, scope string, attach []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	tracer, err := tracing.Setup(ctx, tracing.Config{
		Enabled:  cfg.Tracing.Enabled,
		Endpoint: cfg.Tracing.Endpoint,
		Protocol: cfg.Tracing.Protocol,
		Insecure: cfg.Tracing.Insecure,
		Service:  cfg.Tracing.Service,
	})
	if err != nil {
		return err
	}
	defer tracer.Shutdown(ctx)

	if scope == "" {
		scope = fmt.Sprintf("cli-%d", os.Getpid())
	}
	sessionKey := sessions.BuildKey(cfg.Agent, sessions.SurfaceCLI, scope)

	labels, err := reducer.LoadLabelCatalog(cfg.Reducer.LabelsFile)
	if err != nil {
		return err
	}

	render := newRenderer()
	red := reducer.New(reducer.Config{
		FlushInterval:  cfg.FlushInterval(),
		Labels:         labels,
		DiagramTool:    cfg.Reducer.DiagramTool,
		ExtractionTool: cfg.Reducer.ExtractionTool,
		Sink:           reducer.SinkFunc(render.onArtifact),
	})
	red.Start()
	defer red.Close()

	tokens := transport.StaticToken(cfg.Auth.Token)
	coord := reconnect.New(reconnect.Config{
		Store:          st,
		ResumeEndpoint: cfg.Endpoints.Resume,
		Tokens:         tokens,
		MaxAttempts:    cfg.Reconnect.MaxAttempts,
		BaseDelay:      cfg.ReconnectBase(),
		MaxDelay:       cfg.ReconnectMax(),
		Staleness:      cfg.Staleness(),
		Apply:          red.Apply,
		BeginReplay:    red.BeginReplay,
		OnResumed:      func() { fmt.Fprintln(os.Stderr, styleActivity.Render("(reconnected)")) },
		Tracing:        tracer,
	})
	sender := turn.NewSender(turn.Config{
		SessionKey:     sessionKey,
		ChatEndpoint:   cfg.Endpoints.Chat,
		CancelEndpoint: cfg.Endpoints.Cancel,
		Tokens:         tokens,
		Turn: protocol.TurnState{
			ModelID:     cfg.Turn.ModelID,
			Temperature: cfg.Turn.Temperature,
			RequestKind: cfg.Turn.RequestKind,
		},
		MaxRetries:    cfg.Transport.MaxRetries,
		BaseDelay:     cfg.TransportBase(),
		MaxDelay:      cfg.TransportMax(),
		RatePerMinute: cfg.RateLimit.PerMinute,
		RateBurst:     cfg.RateLimit.Burst,
		Reducer:       red,
		Coordinator:   coord,
		Tracing:       tracer,
	})

	// Pick up a run left in flight by a previous process.
	if resumed, err := sender.ResumeWatch(ctx); err != nil {
		fmt.Fprintln(os.Stderr, styleError.Render("recovery failed: "+err.Error()))
	} else if resumed {
		render.renderFinal(red.Snapshot())
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigs {
			sender.Stop()
		}
	}()
	defer signal.Stop(sigs)

	attachments, err := loadAttachments(attach)
	if err != nil {
		return err
	}

	if message != "" {
		return runTurn(ctx, sender, red, render, message, attachments)
	}

	// Long-lived sessions sweep stale execution records on the cron schedule.
	if sw, err := reconnect.NewSweeper(st, cfg.Reconnect.GCSchedule, cfg.Staleness()); err == nil {
		sw.Start()
		defer sw.Stop()
	}

	// Interactive sessions follow label catalog edits without a restart.
	if w, err := config.NewWatcher(resolveConfigPath()); err == nil {
		w.OnChange(func(next *config.Config) {
			if err := labels.ReloadFile(next.Reducer.LabelsFile); err != nil {
				fmt.Fprintln(os.Stderr, styleWarning.Render("label reload failed: "+err.Error()))
			}
		})
		if err := w.Start(); err == nil {
			defer w.Stop()
		}
	}

	fmt.Println(styleHeader.Render("clawstream") + styleActivity.Render("  (ctrl-c stops the turn, 'exit' quits)"))
	in := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(styleUser.Render("you> "))
		if !in.Scan() {
			return in.Err()
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return nil
		}
		if err := runTurn(ctx, sender, red, render, line, attachments); err != nil {
			fmt.Fprintln(os.Stderr, styleError.Render(err.Error()))
		}
		attachments = nil
	}
}

func runTurn(ctx context.Context, sender *turn.Sender, red *reducer.Reducer, render *renderer, text string, attachments []turn.Attachment) error {
	render.beginTurn(red)
	err := sender.Send(ctx, text, attachments)
	render.endTurn()
	if errors.Is(err, turn.ErrRateLimited) {
		return fmt.Errorf("slow down: %w", err)
	}
	if err != nil {
		return err
	}
	render.renderFinal(red.Snapshot())
	resolvePending(red)
	return nil
}

// resolvePending surfaces approval and authorization requests after a turn.
func resolvePending(red *reducer.Reducer) {
	snap := red.Snapshot()
	if p := snap.PendingApproval; p != nil {
		fmt.Printf("%s %s", styleWarning.Render("approval requested:"), p.Name)
		if p.ToolName != "" {
			fmt.Printf(" (%s)", p.ToolName)
		}
		fmt.Print("  [y/N] ")
		var answer string
		fmt.Scanln(&answer)
		red.ResolveApproval()
		if strings.HasPrefix(strings.ToLower(answer), "y") {
			fmt.Println(styleActivity.Render("approved"))
		} else {
			fmt.Println(styleActivity.Render("rejected"))
		}
	}
	if a := snap.PendingAuthorization; a != nil {
		fmt.Println(styleWarning.Render("authorization required: ") + a.URL)
		red.ResolveAuthorization()
	}
}

func loadAttachments(paths []string) ([]turn.Attachment, error) {
	var out []turn.Attachment
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, err
		}
		mt := mime.TypeByExtension(filepath.Ext(p))
		if mt == "" {
			mt = "application/octet-stream"
		}
		out = append(out, turn.Attachment{
			Filename: filepath.Base(p),
			MimeType: mt,
			Data:     data,
		})
	}
	return out, nil
}

// renderer prints turn results and artifact notices. It tracks how many
// transcript messages have been shown so repeated renders never duplicate.
type renderer struct {
	mu    sync.Mutex
	shown int
}

func newRenderer() *renderer { return &renderer{} }

// beginTurn marks the outgoing user message as already shown; the REPL
// echoed it as the prompt line.
func (r *renderer) beginTurn(red *reducer.Reducer) {
	r.mu.Lock()
	r.shown = len(red.Snapshot().Messages) + 1
	r.mu.Unlock()
}

func (r *renderer) endTurn() {}

// renderFinal prints every transcript message not yet shown.
func (r *renderer) renderFinal(snap reducer.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	start := min(r.shown, len(snap.Messages))
	for _, m := range snap.Messages[start:] {
		switch m.Role {
		case reducer.RoleAssistant:
			for _, te := range m.ToolExecutions {
				status := te.Status
				if !te.IsComplete {
					status = "incomplete"
				}
				fmt.Println(styleTool.Render(fmt.Sprintf("  [%s] %s", te.ToolName, status)))
			}
			if m.Text != "" {
				fmt.Println(styleAgent.Render(m.Text))
			}
			if m.TokenUsage != nil && m.TokenUsage.TotalTokens > 0 {
				est := ""
				if m.TokenUsage.Estimated {
					est = " (est.)"
				}
				fmt.Println(styleActivity.Render(fmt.Sprintf("  %d tokens%s", m.TokenUsage.TotalTokens, est)))
			}
		case reducer.RoleError:
			fmt.Println(styleError.Render(m.Text))
		case reducer.RoleWarning:
			fmt.Println(styleWarning.Render(m.Text))
		}
	}
	r.shown = len(snap.Messages)
}

func (r *renderer) onArtifact(s reducer.ArtifactSignal) {
	switch s.Kind {
	case reducer.ArtifactDiagram:
		fmt.Fprintln(os.Stderr, styleActivity.Render("(diagram produced by "+s.ToolName+")"))
	case reducer.ArtifactExtraction:
		fmt.Fprintln(os.Stderr, styleActivity.Render("(extraction "+s.ExtractionID+" ready)"))
	}
}
