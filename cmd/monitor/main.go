// Command monitor runs a parlor session inside a tview terminal UI: the
// transcript streams live from the scheduler's event bus, a sidebar tracks
// branches, and the input field feeds human turns to the conversation.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"parlor/internal/backend"
	"parlor/internal/backend/gemini"
	"parlor/internal/backend/openrouter"
	"parlor/internal/config"
	"parlor/internal/domain"
	"parlor/internal/fs"
	"parlor/internal/jobs"
	"parlor/internal/messaging/inproc"
	"parlor/internal/orchestrator"
	sqlitestore "parlor/internal/store/sqlite"
)

type session struct {
	svc   *orchestrator.Service
	bus   *inproc.Bus
	store *sqlitestore.Store
}

func (s *session) Close() {
	s.svc.Stop()
	_ = s.store.Close()
}

type effects struct {
	images *jobs.ImageGenerator
	videos *jobs.VideoGenerator
	search *jobs.Searcher
}

func (e *effects) GenerateImage(ctx context.Context, prompt string) jobs.Result {
	return e.images.Generate(ctx, prompt)
}

func (e *effects) GenerateVideo(ctx context.Context, prompt string) jobs.Result {
	return e.videos.Generate(ctx, prompt)
}

func (e *effects) Search(ctx context.Context, query string) jobs.Result {
	return e.search.Search(ctx, query)
}

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.parlor/config.toml)")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	mediaFlag := flag.String("media", "", "media directory override")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *dbPathFlag != "" {
		cfg.Store.DBPath = *dbPathFlag
	}
	if *mediaFlag != "" {
		cfg.Media.Dir = *mediaFlag
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the UI owns the terminal; keep log output out of it
	logFile, err := os.OpenFile("parlor-monitor.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := log.New(logFile, "", log.LstdFlags)

	sess, err := buildSession(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start session: %v\n", err)
		os.Exit(1)
	}
	defer sess.Close()

	runUI(ctx, sess)
}

func buildSession(ctx context.Context, cfg config.Config, logger *log.Logger) (*session, error) {
	dbPath := filepath.Clean(cfg.Store.DBPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	gateway, err := fs.NewGateway(filepath.Clean(cfg.Media.Dir), time.Duration(cfg.Media.MaxAgeHours)*time.Hour)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create media gateway: %w", err)
	}

	apiKey := os.Getenv(cfg.Backend.APIKeyEnv)
	if apiKey == "" {
		_ = store.Close()
		return nil, fmt.Errorf("environment variable %s is empty", cfg.Backend.APIKeyEnv)
	}

	var model backend.Backend
	switch strings.ToLower(cfg.Backend.Provider) {
	case "openrouter":
		model = openrouter.New(openrouter.Config{
			BaseURL: cfg.Backend.BaseURL,
			APIKey:  apiKey,
			Timeout: time.Duration(cfg.Backend.RequestTimeoutMS) * time.Millisecond,
			Logger:  logger,
		})
	case "gemini":
		model, err = gemini.New(ctx, gemini.Config{APIKey: apiKey, Logger: logger})
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	default:
		_ = store.Close()
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Backend.Provider)
	}

	registry := cfg.Registry()
	tier := cfg.InviteTier()
	models := registry.ListTier(tier)
	if len(models) == 0 {
		_ = store.Close()
		return nil, fmt.Errorf("no models configured for tier %s", tier)
	}
	n := cfg.Session.Agents
	if n > len(models) {
		n = len(models)
	}
	slots := make([]orchestrator.InitialSlot, 0, n)
	for _, m := range models[:n] {
		slots = append(slots, orchestrator.InitialSlot{Model: m})
	}

	bus := inproc.New(512)
	svc, err := orchestrator.New(orchestrator.Deps{
		Backend:  model,
		Archive:  store,
		Bus:      bus,
		Resolver: registry,
		Effects: &effects{
			images: &jobs.ImageGenerator{BaseURL: cfg.Backend.BaseURL, APIKey: apiKey, Store: gateway},
			videos: &jobs.VideoGenerator{BaseURL: cfg.Backend.BaseURL, APIKey: apiKey, Store: gateway},
			search: &jobs.Searcher{},
		},
	}, orchestrator.Config{
		Iterations:           cfg.Session.Iterations,
		TurnDelay:            time.Duration(cfg.Session.TurnDelayMS) * time.Millisecond,
		TurnTimeout:          time.Duration(cfg.Backend.RequestTimeoutMS) * time.Millisecond,
		DefaultDirective:     cfg.Session.DefaultDirective,
		InviteTier:           tier,
		AllowDuplicateModels: cfg.Session.AllowDuplicateModels,
		InitialSlots:         slots,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return &session{svc: svc, bus: bus, store: store}, nil
}

func runUI(ctx context.Context, sess *session) {
	app := tview.NewApplication()

	transcript := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true).
		SetWordWrap(true)
	transcript.SetTitle("Transcript").SetBorder(true)

	branchesView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	branchesView.SetTitle("Branches").SetBorder(true)

	statusView := tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false)
	statusView.SetBorder(true).SetTitle("Status")
	statusView.SetText("Waiting for input | Enter = send, F10 = quit")

	input := tview.NewInputField().
		SetLabel("You: ")
	input.SetBorder(true).SetTitle("Message (/rabbithole, /fork, /switch, /reset)")

	mainLayout := tview.NewFlex().
		AddItem(transcript, 0, 3, false).
		AddItem(branchesView, 30, 0, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(mainLayout, 0, 1, false).
		AddItem(input, 3, 0, true).
		AddItem(statusView, 3, 0, false)

	setStatusAsync := func(msg string) {
		app.QueueUpdateDraw(func() {
			statusView.SetText(msg)
		})
	}

	refreshBranches := func() {
		ids, err := sess.svc.Branches()
		if err != nil {
			return
		}
		var b strings.Builder
		for _, id := range ids {
			fmt.Fprintf(&b, "%s\n", id)
		}
		app.QueueUpdateDraw(func() {
			branchesView.SetText(b.String())
		})
	}

	reloadTranscript := func() {
		msgs, err := sess.svc.Snapshot()
		if err != nil {
			return
		}
		var b strings.Builder
		for _, m := range msgs {
			b.WriteString(formatMessage(m))
		}
		text := b.String()
		app.QueueUpdateDraw(func() {
			transcript.SetText(text)
			transcript.ScrollToEnd()
		})
	}

	events := sess.bus.Subscribe("monitor")
	go func() {
		var streaming strings.Builder
		var base string
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Topic {
				case inproc.TopicTurnStarted:
					if ev.Message != nil {
						base = transcriptText(transcript, app)
						streaming.Reset()
						fmt.Fprintf(&streaming, "[yellow]%s[-]: ", ev.Message.Author)
					}
					setStatusAsync(fmt.Sprintf("Round %d | AI-%d is responding...", ev.Round, ev.Slot))
				case inproc.TopicTurnChunk:
					streaming.WriteString(tview.Escape(ev.Delta))
					live := base + streaming.String()
					app.QueueUpdateDraw(func() {
						transcript.SetText(live)
						transcript.ScrollToEnd()
					})
				case inproc.TopicTurnFinalized, inproc.TopicNotification, inproc.TopicJobCompleted:
					streaming.Reset()
					reloadTranscript()
				case inproc.TopicRoundComplete:
					setStatusAsync(fmt.Sprintf("Round %d complete | waiting for input", ev.Round))
					refreshBranches()
				case inproc.TopicBranch:
					reloadTranscript()
					refreshBranches()
					setStatusAsync(fmt.Sprintf("Active branch: %s", ev.NodeID))
				case inproc.TopicJobStarted:
					setStatusAsync("Generating media / searching in the background...")
				}
			}
		}
	}()
	refreshBranches()

	submit := func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		input.SetText("")
		if !strings.HasPrefix(line, "/") {
			if err := sess.svc.SubmitHumanInput(line); err != nil {
				statusView.SetText(fmt.Sprintf("send failed: %v", err))
			}
			return
		}
		cmd, arg, _ := strings.Cut(line[1:], " ")
		arg = strings.TrimSpace(arg)
		go func() {
			var err error
			switch cmd {
			case "rabbithole":
				_, err = sess.svc.CreateBranch(arg, domain.BranchKindRabbithole)
			case "fork":
				_, err = sess.svc.CreateBranch(arg, domain.BranchKindFork)
			case "switch":
				err = sess.svc.SwitchBranch(arg)
			case "reset":
				err = sess.svc.Reset()
			default:
				err = fmt.Errorf("unknown command /%s", cmd)
			}
			if err != nil {
				setStatusAsync(fmt.Sprintf("/%s failed: %v", cmd, err))
			}
		}()
	}

	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			submit(input.GetText())
		}
	})
	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyF10 {
			app.Stop()
			return nil
		}
		return event
	})

	if err := app.SetRoot(root, true).SetFocus(input).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "ui error: %v\n", err)
	}
}

// transcriptText reads the current transcript text from the UI goroutine.
func transcriptText(view *tview.TextView, app *tview.Application) string {
	ch := make(chan string, 1)
	app.QueueUpdate(func() {
		ch <- view.GetText(false)
	})
	return <-ch
}

func formatMessage(m domain.Message) string {
	var b strings.Builder
	switch m.Role {
	case domain.RoleHuman:
		fmt.Fprintf(&b, "[green]%s[-]: %s\n", m.Author, tview.Escape(m.Text()))
	case domain.RoleAgent:
		fmt.Fprintf(&b, "[yellow]%s[-]: %s\n", m.Author, tview.Escape(m.Text()))
	default:
		switch m.Type {
		case domain.MessageTypeBranchMarker:
			fmt.Fprintf(&b, "[blue]%s[-]\n", tview.Escape(m.Text()))
		case domain.MessageTypeError:
			fmt.Fprintf(&b, "[red]%s[-]\n", tview.Escape(m.Text()))
		default:
			fmt.Fprintf(&b, "[gray]%s[-]\n", tview.Escape(m.Text()))
		}
	}
	for _, p := range m.Parts {
		if p.MediaPath != "" {
			fmt.Fprintf(&b, "[gray]   saved %s (%s)[-]\n", p.MediaPath, p.MediaType)
		}
	}
	b.WriteString("\n")
	return b.String()
}
