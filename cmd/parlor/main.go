package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

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

// effects wires the detached job implementations to the scheduler.
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
	iterationsFlag := flag.Int("iterations", 0, "rounds per human input override")
	dumpSession := flag.String("dump", "", "print the archived transcript for a session id and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbPath := filepath.Clean(firstNonEmpty(*dbPathFlag, cfg.Store.DBPath))
	mediaDir := filepath.Clean(firstNonEmpty(*mediaFlag, cfg.Media.Dir))
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	if *dumpSession != "" {
		if err := dumpTranscript(ctx, store, *dumpSession); err != nil {
			log.Fatalf("dump transcript: %v", err)
		}
		return
	}

	gateway, err := fs.NewGateway(mediaDir, time.Duration(cfg.Media.MaxAgeHours)*time.Hour)
	if err != nil {
		log.Fatalf("create media gateway: %v", err)
	}
	if n, err := gateway.Cleanup(); err != nil {
		log.Printf("media cleanup: %v", err)
	} else if n > 0 {
		log.Printf("media cleanup: removed %d stale files", n)
	}

	apiKey := os.Getenv(cfg.Backend.APIKeyEnv)
	if apiKey == "" {
		log.Fatalf("backend api key: environment variable %s is empty", cfg.Backend.APIKeyEnv)
	}

	model, err := buildBackend(ctx, cfg, apiKey)
	if err != nil {
		log.Fatalf("build backend: %v", err)
	}

	registry := cfg.Registry()
	slots, err := initialSlots(cfg, registry)
	if err != nil {
		log.Fatalf("seed roster: %v", err)
	}

	bus := inproc.New(256)
	deps := orchestrator.Deps{
		Backend:  model,
		Archive:  store,
		Bus:      bus,
		Resolver: registry,
		Effects: &effects{
			images: &jobs.ImageGenerator{BaseURL: cfg.Backend.BaseURL, APIKey: apiKey, Store: gateway},
			videos: &jobs.VideoGenerator{BaseURL: cfg.Backend.BaseURL, APIKey: apiKey, Store: gateway},
			search: &jobs.Searcher{},
		},
	}
	iterations := cfg.Session.Iterations
	if *iterationsFlag > 0 {
		iterations = *iterationsFlag
	}
	svc, err := orchestrator.New(deps, orchestrator.Config{
		Iterations:           iterations,
		TurnDelay:            time.Duration(cfg.Session.TurnDelayMS) * time.Millisecond,
		TurnTimeout:          time.Duration(cfg.Backend.RequestTimeoutMS) * time.Millisecond,
		DefaultDirective:     cfg.Session.DefaultDirective,
		InviteTier:           cfg.InviteTier(),
		AllowDuplicateModels: cfg.Session.AllowDuplicateModels,
		InitialSlots:         slots,
	}, log.Default())
	if err != nil {
		log.Fatalf("build orchestrator: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		log.Fatalf("start orchestrator: %v", err)
	}
	defer svc.Stop()

	events := bus.Subscribe("cli")
	go renderEvents(events)

	fmt.Println("parlor ready. Type a message, or /help for commands.")
	runREPL(ctx, svc)
}

func buildBackend(ctx context.Context, cfg config.Config, apiKey string) (backend.Backend, error) {
	switch strings.ToLower(cfg.Backend.Provider) {
	case "openrouter":
		return openrouter.New(openrouter.Config{
			BaseURL: cfg.Backend.BaseURL,
			APIKey:  apiKey,
			Timeout: time.Duration(cfg.Backend.RequestTimeoutMS) * time.Millisecond,
			Logger:  log.Default(),
		}), nil
	case "gemini":
		return gemini.New(ctx, gemini.Config{APIKey: apiKey, Logger: log.Default()})
	default:
		return nil, fmt.Errorf("unknown backend provider %q", cfg.Backend.Provider)
	}
}

// initialSlots resolves the configured seats. Explicit [[slots]] entries win;
// otherwise the first N invitable models fill the table.
func initialSlots(cfg config.Config, registry *config.Registry) ([]orchestrator.InitialSlot, error) {
	tier := cfg.InviteTier()
	if len(cfg.Slots) > 0 {
		out := make([]orchestrator.InitialSlot, 0, len(cfg.Slots))
		for _, slot := range cfg.Slots {
			model, ok := registry.Find(slot.Model)
			if !ok {
				return nil, fmt.Errorf("slot model %q not in the model list", slot.Model)
			}
			out = append(out, orchestrator.InitialSlot{Model: model, Directive: slot.Directive})
		}
		return out, nil
	}

	models := registry.ListTier(tier)
	if len(models) == 0 {
		return nil, fmt.Errorf("no models configured for tier %s", tier)
	}
	n := cfg.Session.Agents
	if n > len(models) {
		n = len(models)
	}
	out := make([]orchestrator.InitialSlot, 0, n)
	for _, m := range models[:n] {
		out = append(out, orchestrator.InitialSlot{Model: m})
	}
	return out, nil
}

func runREPL(ctx context.Context, svc *orchestrator.Service) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := svc.SubmitHumanInput(line); err != nil {
				fmt.Printf("!! %v\n", err)
			}
			continue
		}
		cmd, arg, _ := strings.Cut(line[1:], " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "help":
			fmt.Println("/rabbithole <concept>  branch off to explore a concept (full history)")
			fmt.Println("/fork <anchor>         branch off from an earlier point in the log")
			fmt.Println("/branches              list branches")
			fmt.Println("/switch <id>           make a branch active")
			fmt.Println("/reset                 abandon the conversation and start over")
			fmt.Println("/quit                  exit")
		case "rabbithole":
			branchCmd(svc, arg, domain.BranchKindRabbithole)
		case "fork":
			branchCmd(svc, arg, domain.BranchKindFork)
		case "branches":
			ids, err := svc.Branches()
			if err != nil {
				fmt.Printf("!! %v\n", err)
				continue
			}
			for _, id := range ids {
				fmt.Printf("  %s\n", id)
			}
		case "switch":
			if err := svc.SwitchBranch(arg); err != nil {
				fmt.Printf("!! %v\n", err)
			}
		case "reset":
			if err := svc.Reset(); err != nil {
				fmt.Printf("!! %v\n", err)
			}
		case "quit", "exit":
			return
		default:
			fmt.Printf("!! unknown command /%s\n", cmd)
		}
	}
}

func branchCmd(svc *orchestrator.Service, anchor string, kind domain.BranchKind) {
	if anchor == "" {
		fmt.Printf("!! /%s needs an anchor\n", kind)
		return
	}
	id, err := svc.CreateBranch(anchor, kind)
	if err != nil {
		fmt.Printf("!! %v\n", err)
		return
	}
	fmt.Printf("-- now on branch %s\n", id)
}

func renderEvents(events <-chan inproc.Event) {
	for ev := range events {
		switch ev.Topic {
		case inproc.TopicTurnFinalized, inproc.TopicNotification, inproc.TopicJobCompleted:
			if ev.Message == nil {
				continue
			}
			printMessage(*ev.Message)
		case inproc.TopicRoundComplete:
			fmt.Printf("-- round %d complete --\n", ev.Round)
		case inproc.TopicBranch:
			fmt.Printf("-- active branch: %s --\n", ev.NodeID)
		}
	}
}

func printMessage(msg domain.Message) {
	switch {
	case msg.Role == domain.RoleAgent:
		fmt.Printf("[%s (%s)]: %s\n", msg.Author, msg.Model, msg.Text())
	case msg.Role == domain.RoleHuman:
		// the human typed it, no echo needed
	default:
		fmt.Println(msg.Text())
		for _, p := range msg.Parts {
			if p.MediaPath != "" {
				fmt.Printf("   saved %s (%s)\n", p.MediaPath, p.MediaType)
			}
		}
	}
}

func dumpTranscript(ctx context.Context, store *sqlitestore.Store, sessionID string) error {
	branches, err := store.ListBranches(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(branches) == 0 {
		return fmt.Errorf("no branches recorded for session %s", sessionID)
	}
	for _, b := range branches {
		fmt.Printf("== branch %s (%s)", b.ID, b.Kind)
		if b.Anchor != "" {
			fmt.Printf(" anchored at %q", b.Anchor)
		}
		fmt.Println(" ==")
		msgs, err := store.ListMessages(ctx, sessionID, b.ID)
		if err != nil {
			return err
		}
		for _, msg := range msgs {
			stamp := msg.CreatedAt.Local().Format("15:04:05")
			switch msg.Role {
			case domain.RoleAgent:
				fmt.Printf("%s [%s (%s)]: %s\n", stamp, msg.Author, msg.Model, msg.Text())
			case domain.RoleHuman:
				fmt.Printf("%s [%s]: %s\n", stamp, msg.Author, msg.Text())
			default:
				fmt.Printf("%s %s\n", stamp, msg.Text())
			}
		}
		fmt.Println()
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
