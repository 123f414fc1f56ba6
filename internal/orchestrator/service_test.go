package orchestrator

import (
	"context"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"parlor/internal/backend"
	"parlor/internal/domain"
	"parlor/internal/jobs"
	"parlor/internal/messaging/inproc"
)

var testModels = []domain.ModelInfo{
	{DisplayName: "Alpha", ID: "lab/alpha", Tier: domain.TierFree},
	{DisplayName: "Beta", ID: "lab/beta", Tier: domain.TierFree},
	{DisplayName: "Gamma", ID: "lab/gamma", Tier: domain.TierPaid},
}

type scriptedReply struct {
	chunks []string
	text   string
	err    error
}

type fakeBackend struct {
	mu     sync.Mutex
	script []scriptedReply
	reqs   []backend.Request

	// blockFirst, when set, stalls the first call until the channel closes.
	blockFirst chan struct{}
}

func (f *fakeBackend) Call(ctx context.Context, req backend.Request, onChunk backend.ChunkFunc) (string, error) {
	f.mu.Lock()
	i := len(f.reqs)
	f.reqs = append(f.reqs, req)
	var reply scriptedReply
	if i < len(f.script) {
		reply = f.script[i]
	} else {
		reply = scriptedReply{text: "ok"}
	}
	block := f.blockFirst
	f.mu.Unlock()

	if i == 0 && block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if reply.err != nil {
		return "", reply.err
	}
	for _, c := range reply.chunks {
		onChunk(c)
	}
	return reply.text, nil
}

func (f *fakeBackend) requests() []backend.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]backend.Request, len(f.reqs))
	copy(out, f.reqs)
	return out
}

type fakeArchive struct {
	mu       sync.Mutex
	sessions []string
	appended []domain.Message
	updated  map[string][]domain.Part
	deleted  map[string]int
	rounds   int
}

func (f *fakeArchive) CreateSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
	return nil
}

func (f *fakeArchive) MarkSessionReset(ctx context.Context, sessionID string) (int, error) {
	return 1, nil
}

func (f *fakeArchive) RecordBranch(ctx context.Context, sessionID, branchID, parentID string, kind domain.BranchKind, anchor string) error {
	return nil
}

func (f *fakeArchive) AppendMessage(ctx context.Context, sessionID, branchID string, msg domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, msg)
	return nil
}

func (f *fakeArchive) UpdateMessageParts(ctx context.Context, messageID string, parts []domain.Part) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updated == nil {
		f.updated = make(map[string][]domain.Part)
	}
	f.updated[messageID] = parts
	return nil
}

func (f *fakeArchive) DeleteMessage(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted == nil {
		f.deleted = make(map[string]int)
	}
	f.deleted[messageID]++
	return nil
}

func (f *fakeArchive) StartRound(ctx context.Context, sessionID, branchID string, number int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rounds++
	return int64(f.rounds), nil
}

func (f *fakeArchive) CompleteRound(ctx context.Context, roundID int64) error { return nil }

func (f *fakeArchive) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// firstAppended returns the message as it was first appended, before any
// update or delete.
func (f *fakeArchive) firstAppended(id string) (domain.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.appended {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Message{}, false
}

// live reconstructs the surviving rows: the last append of each id with more
// appends than deletes, with part updates applied. An erased-then-reappended
// id (the error substitution) counts as one surviving row.
func (f *fakeArchive) live() []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	appends := make(map[string]int)
	last := make(map[string]domain.Message)
	for _, m := range f.appended {
		appends[m.ID]++
		last[m.ID] = m
	}
	var out []domain.Message
	for _, m := range f.appended {
		if appends[m.ID] == 0 || appends[m.ID] <= f.deleted[m.ID] {
			continue
		}
		appends[m.ID] = 0
		row := last[m.ID]
		if parts, ok := f.updated[m.ID]; ok {
			row.Parts = parts
		}
		out = append(out, row)
	}
	return out
}

func (f *fakeArchive) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.deleted {
		n += c
	}
	return n
}

type fakeBus struct {
	mu     sync.Mutex
	events []inproc.Event
	ch     chan inproc.Event
}

func newFakeBus() *fakeBus {
	return &fakeBus{ch: make(chan inproc.Event, 1024)}
}

func (f *fakeBus) Publish(ev inproc.Event) error {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	select {
	case f.ch <- ev:
	default:
	}
	return nil
}

func (f *fakeBus) all() []inproc.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]inproc.Event, len(f.events))
	copy(out, f.events)
	return out
}

func (f *fakeBus) count(topic string) int {
	n := 0
	for _, ev := range f.all() {
		if ev.Topic == topic {
			n++
		}
	}
	return n
}

func waitTopic(t *testing.T, bus *fakeBus, topic string) inproc.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-bus.ch:
			if ev.Topic == topic {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", topic)
		}
	}
}

type fakeEffects struct {
	image  jobs.Result
	video  jobs.Result
	search jobs.Result

	// gate, when set, stalls every job until the channel closes.
	gate chan struct{}
}

func (f *fakeEffects) wait(ctx context.Context) {
	if f.gate == nil {
		return
	}
	select {
	case <-f.gate:
	case <-ctx.Done():
	}
}

func (f *fakeEffects) GenerateImage(ctx context.Context, prompt string) jobs.Result {
	f.wait(ctx)
	return f.image
}

func (f *fakeEffects) GenerateVideo(ctx context.Context, prompt string) jobs.Result {
	f.wait(ctx)
	return f.video
}

func (f *fakeEffects) Search(ctx context.Context, query string) jobs.Result {
	f.wait(ctx)
	return f.search
}

type fakeResolver struct {
	models []domain.ModelInfo
}

func (f *fakeResolver) Resolve(query string, prefer domain.Tier) (domain.ModelInfo, bool) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return domain.ModelInfo{}, false
	}
	for _, m := range f.models {
		if strings.Contains(strings.ToLower(m.DisplayName), q) || strings.Contains(strings.ToLower(m.ID), q) {
			return m, true
		}
	}
	return domain.ModelInfo{}, false
}

func (f *fakeResolver) ListTier(tier domain.Tier) []domain.ModelInfo {
	if tier == domain.TierAny || tier == "" {
		return f.models
	}
	var out []domain.ModelInfo
	for _, m := range f.models {
		if m.Tier == tier {
			out = append(out, m)
		}
	}
	return out
}

type testRig struct {
	svc     *Service
	backend *fakeBackend
	archive *fakeArchive
	bus     *fakeBus
	effects *fakeEffects
}

func newTestRig(t *testing.T, bk *fakeBackend, fx *fakeEffects, cfg Config) *testRig {
	t.Helper()
	if fx == nil {
		fx = &fakeEffects{}
	}
	if len(cfg.InitialSlots) == 0 {
		cfg.InitialSlots = []InitialSlot{{Model: testModels[0]}}
	}
	archive := &fakeArchive{}
	bus := newFakeBus()
	deps := Deps{
		Backend:  bk,
		Archive:  archive,
		Bus:      bus,
		Effects:  fx,
		Resolver: &fakeResolver{models: testModels},
	}
	svc, err := New(deps, cfg, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(svc.Stop)
	return &testRig{svc: svc, backend: bk, archive: archive, bus: bus, effects: fx}
}

func dialogueTexts(msgs []domain.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Type == domain.MessageTypeDialogue {
			out = append(out, m.Text())
		}
	}
	return out
}

func containsText(msgs []domain.Message, substr string) bool {
	for _, m := range msgs {
		if strings.Contains(m.Text(), substr) {
			return true
		}
	}
	return false
}

func TestRoundRunsSlotsInOrder(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{text: "first reply"},
		{text: "second reply"},
	}}
	rig := newTestRig(t, bk, nil, Config{
		Iterations: 1,
		InitialSlots: []InitialSlot{
			{Model: testModels[0]},
			{Model: testModels[1]},
		},
	})

	if err := rig.svc.SubmitHumanInput("hello everyone"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)

	reqs := rig.backend.requests()
	if len(reqs) != 2 {
		t.Fatalf("backend calls = %d, want 2", len(reqs))
	}
	if reqs[0].SelfSlot != 1 || reqs[0].Model != "lab/alpha" {
		t.Fatalf("first turn = slot %d model %s, want slot 1 lab/alpha", reqs[0].SelfSlot, reqs[0].Model)
	}
	if reqs[1].SelfSlot != 2 || reqs[1].Model != "lab/beta" {
		t.Fatalf("second turn = slot %d model %s, want slot 2 lab/beta", reqs[1].SelfSlot, reqs[1].Model)
	}

	// the second turn's frozen context includes the first turn's final text
	hist := reqs[1].History
	found := false
	for _, m := range hist {
		if m.Slot == 1 && m.Text() == "first reply" {
			if m.Streaming {
				t.Fatalf("prior turn still marked streaming in context")
			}
			found = true
		}
	}
	if !found {
		t.Fatalf("second turn context missing first reply: %v", dialogueTexts(hist))
	}

	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	got := dialogueTexts(msgs)
	want := []string{"hello everyone", "first reply", "second reply"}
	if len(got) != len(want) {
		t.Fatalf("dialogue = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dialogue[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestStreamedChunksAssembleInOrder(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{chunks: []string{"Hel", "lo ", "there"}, text: "Hello there"},
	}}
	rig := newTestRig(t, bk, nil, Config{Iterations: 1})

	if err := rig.svc.SubmitHumanInput("hi"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)

	var deltas []string
	for _, ev := range rig.bus.all() {
		if ev.Topic == inproc.TopicTurnChunk {
			deltas = append(deltas, ev.Delta)
		}
	}
	if strings.Join(deltas, "") != "Hello there" {
		t.Fatalf("chunk deltas = %v", deltas)
	}

	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	got := dialogueTexts(msgs)
	if len(got) != 2 || got[1] != "Hello there" {
		t.Fatalf("dialogue = %v", got)
	}
}

func TestLateChunksDoNotCorruptFinalizedTurn(t *testing.T) {
	// enough chunks that some are still queued when the backend returns and
	// the turn finalizes
	chunks := make([]string, 64)
	for i := range chunks {
		chunks[i] = "x"
	}
	bk := &fakeBackend{script: []scriptedReply{
		{chunks: chunks, text: "final text"},
		{text: "second reply"},
	}}
	rig := newTestRig(t, bk, nil, Config{
		Iterations: 1,
		InitialSlots: []InitialSlot{
			{Model: testModels[0]},
			{Model: testModels[1]},
		},
	})

	if err := rig.svc.SubmitHumanInput("go"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)

	reqs := rig.backend.requests()
	if len(reqs) != 2 {
		t.Fatalf("backend calls = %d, want 2", len(reqs))
	}
	for _, m := range reqs[1].History {
		if m.Slot == 1 && m.Text() != "final text" {
			t.Fatalf("first turn in second turn's context = %q, want %q", m.Text(), "final text")
		}
	}

	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	got := dialogueTexts(msgs)
	want := []string{"go", "final text", "second reply"}
	if len(got) != len(want) {
		t.Fatalf("dialogue = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dialogue[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestInviteeTurnsAtRoundEnd(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{text: `Let me bring in a friend. !add_ai "beta"`},
		{text: "glad to be here"},
	}}
	rig := newTestRig(t, bk, nil, Config{Iterations: 1})

	if err := rig.svc.SubmitHumanInput("start"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)

	reqs := rig.backend.requests()
	if len(reqs) != 2 {
		t.Fatalf("backend calls = %d, want 2 (inviter + invitee)", len(reqs))
	}
	if reqs[1].SelfSlot != 2 || reqs[1].Model != "lab/beta" {
		t.Fatalf("invitee turn = slot %d model %s", reqs[1].SelfSlot, reqs[1].Model)
	}
	if rig.bus.count(inproc.TopicRoundComplete) != 1 {
		t.Fatalf("invite extended the schedule: %d rounds", rig.bus.count(inproc.TopicRoundComplete))
	}

	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !containsText(msgs, `✨ [AI-1 (Alpha)]: !add_ai "Beta"`) {
		t.Fatalf("missing invite notification in log")
	}
	if !containsText(msgs, "glad to be here") {
		t.Fatalf("invitee reply missing from log")
	}
	got := dialogueTexts(msgs)
	if got[len(got)-1] != "glad to be here" {
		t.Fatalf("invitee should speak last, dialogue = %v", got)
	}
}

func TestDuplicatePendingInviteSuppressed(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{text: `!add_ai "beta" and again !add_ai "beta" done`},
		{text: "hello"},
	}}
	rig := newTestRig(t, bk, nil, Config{Iterations: 1})

	if err := rig.svc.SubmitHumanInput("go"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)

	if n := len(rig.backend.requests()); n != 2 {
		t.Fatalf("backend calls = %d, want 2 (one invitee admitted)", n)
	}
	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !containsText(msgs, "already invited this round") {
		t.Fatalf("missing duplicate-pending notification")
	}
}

func TestMuteSkipsExactlyOneTurn(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{text: "speaking now !mute_self"},
		{text: "back again"},
	}}
	rig := newTestRig(t, bk, nil, Config{Iterations: 3})

	if err := rig.svc.SubmitHumanInput("go"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	var last inproc.Event
	for i := 0; i < 3; i++ {
		last = waitTopic(t, rig.bus, inproc.TopicRoundComplete)
	}
	if last.Round != 3 {
		t.Fatalf("final round number = %d, want 3", last.Round)
	}

	if n := len(rig.backend.requests()); n != 2 {
		t.Fatalf("backend calls = %d, want 2 (muted round skips the call)", n)
	}

	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !containsText(msgs, "🔇 [AI-1 (Alpha)]: !mute_self") {
		t.Fatalf("missing mute notification")
	}
	if !containsText(msgs, "[AI-1 used !mute_self - listening this turn]") {
		t.Fatalf("missing listening trace")
	}
	got := dialogueTexts(msgs)
	want := []string{"go", "speaking now", "back again"}
	if len(got) != len(want) {
		t.Fatalf("dialogue = %v, want %v", got, want)
	}
}

func TestBackendErrorSubstitutesMessage(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{err: backend.Errorf(backend.ErrorKindRateLimit, "429 from upstream")},
		{text: "still here"},
	}}
	rig := newTestRig(t, bk, nil, Config{
		Iterations: 1,
		InitialSlots: []InitialSlot{
			{Model: testModels[0]},
			{Model: testModels[1]},
		},
	})

	if err := rig.svc.SubmitHumanInput("go"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)

	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	var errMsg *domain.Message
	for i := range msgs {
		if msgs[i].Type == domain.MessageTypeError {
			errMsg = &msgs[i]
		}
	}
	if errMsg == nil {
		t.Fatalf("no error message in log")
	}
	if !strings.Contains(errMsg.Text(), "no response — rate_limit") {
		t.Fatalf("error text = %q", errMsg.Text())
	}
	if !containsText(msgs, "still here") {
		t.Fatalf("second slot did not take its turn after the failure")
	}

	// the archive swaps the streamed placeholder for the error form
	stored := false
	for _, m := range rig.archive.live() {
		if m.ID == errMsg.ID {
			stored = true
			if m.Type != domain.MessageTypeError {
				t.Fatalf("archived message type = %s, want %s", m.Type, domain.MessageTypeError)
			}
		}
	}
	if !stored {
		t.Fatalf("error substitution missing from archive")
	}
}

func TestDirectiveOnlyReplyRetractsBubble(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{text: "!mute_self"},
	}}
	rig := newTestRig(t, bk, nil, Config{Iterations: 1})

	if err := rig.svc.SubmitHumanInput("go"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)

	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	for _, m := range msgs {
		if m.Role == domain.RoleAgent {
			t.Fatalf("empty turn left an agent message: %q", m.Text())
		}
	}
	if !containsText(msgs, "!mute_self") {
		t.Fatalf("directive was not routed after retraction")
	}

	retracted := false
	for _, ev := range rig.bus.all() {
		if ev.Topic == inproc.TopicTurnFinalized && ev.Slot == 1 && ev.Message == nil {
			retracted = true
		}
	}
	if !retracted {
		t.Fatalf("no retraction finalize event published")
	}

	// the archived placeholder is withdrawn with the bubble
	if rig.archive.deleteCount() == 0 {
		t.Fatalf("retraction never reached the archive")
	}
	for _, m := range rig.archive.live() {
		if m.Role == domain.RoleAgent {
			t.Fatalf("retracted placeholder still archived: %q", m.Text())
		}
	}
}

func TestHumanInputBetweenRoundsRestartsSchedule(t *testing.T) {
	gate := make(chan struct{})
	bk := &fakeBackend{
		script:     []scriptedReply{{text: "one"}, {text: "two"}, {text: "three"}},
		blockFirst: gate,
	}
	rig := newTestRig(t, bk, nil, Config{Iterations: 2})

	if err := rig.svc.SubmitHumanInput("first"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicTurnStarted)
	if err := rig.svc.SubmitHumanInput("second"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	close(gate)

	// round 1 finishes, the queued input restores the full budget, so
	// rounds 2 and 3 follow
	for i := 0; i < 3; i++ {
		waitTopic(t, rig.bus, inproc.TopicRoundComplete)
	}
	if n := len(rig.backend.requests()); n != 3 {
		t.Fatalf("backend calls = %d, want 3", n)
	}

	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	got := dialogueTexts(msgs)
	want := []string{"first", "one", "second", "two", "three"}
	if len(got) != len(want) {
		t.Fatalf("dialogue = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dialogue[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestImageJobAppendsMediaMessage(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{text: `here goes !image "a quiet harbor at dawn"`},
	}}
	fx := &fakeEffects{image: jobs.Result{Path: "/tmp/media/img_1.png", MediaType: "image/png"}}
	rig := newTestRig(t, bk, fx, Config{Iterations: 1})

	if err := rig.svc.SubmitHumanInput("go"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	ev := waitTopic(t, rig.bus, inproc.TopicJobCompleted)
	if ev.Message == nil {
		t.Fatalf("job completion carried no message")
	}
	if len(ev.Message.Parts) != 2 || ev.Message.Parts[1].MediaPath != "/tmp/media/img_1.png" {
		t.Fatalf("media parts = %+v", ev.Message.Parts)
	}
	if !strings.Contains(ev.Message.Parts[0].Text, `!image "a quiet harbor at dawn"`) {
		t.Fatalf("caption = %q", ev.Message.Parts[0].Text)
	}

	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if containsText(msgs, "(generating...)") {
		t.Fatalf("pending notification not withdrawn")
	}
	if containsText(rig.archive.live(), "(generating...)") {
		t.Fatalf("pending notification still archived")
	}
	if rig.archive.deleteCount() == 0 {
		t.Fatalf("pending notification was never erased from the archive")
	}
}

func TestSearchResultsFormatted(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{text: `let me check !search "go concurrency patterns"`},
	}}
	fx := &fakeEffects{search: jobs.Result{Results: []jobs.SearchResult{
		{Title: "Share Memory By Communicating", URL: "https://go.dev/blog/codelab-share", Snippet: "Go's approach to concurrency."},
		{Title: "Go Concurrency Patterns", URL: "https://go.dev/talks/2012/concurrency.slide", Snippet: "Rob Pike's talk."},
	}}}
	rig := newTestRig(t, bk, fx, Config{Iterations: 1})

	if err := rig.svc.SubmitHumanInput("go"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	ev := waitTopic(t, rig.bus, inproc.TopicJobCompleted)
	if ev.Message == nil || ev.Message.Type != domain.MessageTypeSearchResult {
		t.Fatalf("unexpected completion event: %+v", ev)
	}
	text := ev.Message.Text()
	if !strings.Contains(text, "**Search Results:**") {
		t.Fatalf("missing results header: %q", text)
	}
	if !strings.Contains(text, "1. **Share Memory By Communicating**") ||
		!strings.Contains(text, "2. **Go Concurrency Patterns**") {
		t.Fatalf("results not numbered: %q", text)
	}
}

func TestFailedJobLeavesFailureNotification(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{text: `!video "a spinning top" please`},
	}}
	fx := &fakeEffects{video: jobs.Result{Err: context.DeadlineExceeded}}
	rig := newTestRig(t, bk, fx, Config{Iterations: 1})

	if err := rig.svc.SubmitHumanInput("go"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicJobCompleted)

	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !containsText(msgs, `❌ [AI-1 (Alpha)]: !video "a spinning top"`) {
		t.Fatalf("missing job failure notification")
	}
	if containsText(msgs, "(generating...)") {
		t.Fatalf("pending notification not withdrawn on failure")
	}
}

func TestResetFencesInFlightJobs(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{text: `!image "a castle in the clouds" coming up`},
	}}
	gate := make(chan struct{})
	fx := &fakeEffects{
		image: jobs.Result{Path: "/tmp/media/img_2.png", MediaType: "image/png"},
		gate:  gate,
	}
	rig := newTestRig(t, bk, fx, Config{Iterations: 1})

	if err := rig.svc.SubmitHumanInput("go"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)

	if err := rig.svc.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	close(gate)
	time.Sleep(150 * time.Millisecond)

	if n := rig.bus.count(inproc.TopicJobCompleted); n != 0 {
		t.Fatalf("stale job result was delivered: %d completions", n)
	}
	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("log not empty after reset: %v", dialogueTexts(msgs))
	}
	if rig.archive.sessionCount() != 2 {
		t.Fatalf("sessions created = %d, want 2", rig.archive.sessionCount())
	}
}

func TestResetAbortsRunningSchedule(t *testing.T) {
	gate := make(chan struct{})
	bk := &fakeBackend{
		script:     []scriptedReply{{text: "one"}, {text: "two"}, {text: "three"}, {text: "four"}},
		blockFirst: gate,
	}
	rig := newTestRig(t, bk, nil, Config{
		Iterations: 2,
		InitialSlots: []InitialSlot{
			{Model: testModels[0]},
			{Model: testModels[1]},
		},
	})

	if err := rig.svc.SubmitHumanInput("go"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicTurnStarted)
	if err := rig.svc.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	close(gate)
	time.Sleep(150 * time.Millisecond)

	// the blocked first turn finishes and is discarded; the rest of the
	// abandoned schedule never runs
	if n := len(rig.backend.requests()); n != 1 {
		t.Fatalf("backend calls = %d, want 1", n)
	}
	if n := rig.bus.count(inproc.TopicRoundComplete); n != 0 {
		t.Fatalf("abandoned schedule completed %d rounds", n)
	}

	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("fresh conversation not empty: %v", dialogueTexts(msgs))
	}
	if rig.archive.sessionCount() != 2 {
		t.Fatalf("sessions created = %d, want 2", rig.archive.sessionCount())
	}
}

func TestPromptDirectiveKeepsTextOffTheRecord(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{text: `noted !prompt "always answer in verse"`},
		{text: "a rhyme in time"},
	}}
	rig := newTestRig(t, bk, nil, Config{Iterations: 2})

	if err := rig.svc.SubmitHumanInput("go"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)

	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if containsText(msgs, "always answer in verse") {
		t.Fatalf("addendum text leaked into the shared log")
	}
	if !containsText(msgs, "[AI-1 modified their system prompt]") {
		t.Fatalf("missing privacy trace")
	}

	// the full text still reaches the display bus
	displayed := false
	for _, ev := range rig.bus.all() {
		if ev.Topic == inproc.TopicNotification && ev.Message != nil &&
			strings.Contains(ev.Message.Text(), "always answer in verse") {
			displayed = true
		}
	}
	if !displayed {
		t.Fatalf("full prompt text never published for display")
	}

	// the addendum takes effect on the next turn
	reqs := rig.backend.requests()
	if len(reqs) != 2 {
		t.Fatalf("backend calls = %d, want 2", len(reqs))
	}
	if !strings.Contains(reqs[1].Directive, "always answer in verse") {
		t.Fatalf("second turn directive = %q", reqs[1].Directive)
	}
}

func TestBranchCreateAndSwitch(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{text: "the idea of emergence is fascinating"},
		{text: "down the rabbithole"},
	}}
	rig := newTestRig(t, bk, nil, Config{Iterations: 1})

	if err := rig.svc.SubmitHumanInput("discuss"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)

	id, err := rig.svc.CreateBranch("emergence", domain.BranchKindRabbithole)
	if err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(msgs) == 0 || msgs[len(msgs)-1].Type != domain.MessageTypeBranchMarker {
		t.Fatalf("branch log does not end with a marker")
	}
	if !containsText(msgs, "the idea of emergence is fascinating") {
		t.Fatalf("rabbithole did not copy the parent log")
	}

	// the next round lands on the branch and carries the focus overlay
	if err := rig.svc.SubmitHumanInput("go on"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)

	reqs := rig.backend.requests()
	if len(reqs) != 2 {
		t.Fatalf("backend calls = %d, want 2", len(reqs))
	}
	if !strings.Contains(reqs[1].Directive, "'emergence'") {
		t.Fatalf("branch overlay missing from directive: %q", reqs[1].Directive)
	}

	if err := rig.svc.SwitchBranch("main"); err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}
	mainMsgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if containsText(mainMsgs, "down the rabbithole") {
		t.Fatalf("branch turn leaked into main log")
	}

	ids, err := rig.svc.Branches()
	if err != nil {
		t.Fatalf("Branches: %v", err)
	}
	if len(ids) != 2 || ids[0] != "main" || ids[1] != id {
		t.Fatalf("branch list = %v", ids)
	}
}

func TestFailedTurnKeepsOverlayWindow(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{err: backend.Errorf(backend.ErrorKindNetwork, "connection reset")},
		{text: "diving in"},
		{text: "deeper still"},
		{text: "resurfacing"},
	}}
	rig := newTestRig(t, bk, nil, Config{Iterations: 4})

	if _, err := rig.svc.CreateBranch("emergence", domain.BranchKindRabbithole); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := rig.svc.SubmitHumanInput("go"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	for i := 0; i < 4; i++ {
		waitTopic(t, rig.bus, inproc.TopicRoundComplete)
	}

	reqs := rig.backend.requests()
	if len(reqs) != 4 {
		t.Fatalf("backend calls = %d, want 4", len(reqs))
	}
	// the failed first turn produced nothing, so it does not count against
	// the two-turn focus window
	for i := 0; i < 3; i++ {
		if !strings.Contains(reqs[i].Directive, "'emergence'") {
			t.Fatalf("turn %d lost the focus overlay: %q", i, reqs[i].Directive)
		}
	}
	if strings.Contains(reqs[3].Directive, "'emergence'") {
		t.Fatalf("focus overlay outlived its window: %q", reqs[3].Directive)
	}
}

func TestArchiveMirrorsTurnLifecycle(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{chunks: []string{"Hel", "lo"}, text: "Hello"},
	}}
	rig := newTestRig(t, bk, nil, Config{Iterations: 1})

	if err := rig.svc.SubmitHumanInput("hi"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)

	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	var turn *domain.Message
	for i := range msgs {
		if msgs[i].Role == domain.RoleAgent {
			turn = &msgs[i]
		}
	}
	if turn == nil {
		t.Fatalf("no agent message in log")
	}

	placeholder, ok := rig.archive.firstAppended(turn.ID)
	if !ok {
		t.Fatalf("turn was never archived")
	}
	if !placeholder.Streaming || placeholder.Text() != "" {
		t.Fatalf("initial archive row = streaming %v text %q, want an empty placeholder", placeholder.Streaming, placeholder.Text())
	}

	var stored *domain.Message
	for _, m := range rig.archive.live() {
		if m.ID == turn.ID {
			row := m
			stored = &row
		}
	}
	if stored == nil {
		t.Fatalf("finalized turn missing from archive")
	}
	if len(stored.Parts) != 1 || stored.Parts[0].Text != "Hello" {
		t.Fatalf("archived parts = %+v, want the finalized text", stored.Parts)
	}
}

func TestInviteJoinsFollowingRounds(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{text: `Hi !add_ai "gamma"`},
		{text: "Hi back"},
		{text: "thanks for having me"},
		{text: "round two a"},
		{text: "round two b"},
		{text: "round two c"},
	}}
	rig := newTestRig(t, bk, nil, Config{
		Iterations: 2,
		InitialSlots: []InitialSlot{
			{Model: testModels[0]},
			{Model: testModels[1]},
		},
	})

	if err := rig.svc.SubmitHumanInput("hello"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)

	reqs := rig.backend.requests()
	if len(reqs) != 6 {
		t.Fatalf("backend calls = %d, want 6", len(reqs))
	}
	wantSlots := []int{1, 2, 3, 1, 2, 3}
	for i, want := range wantSlots {
		if reqs[i].SelfSlot != want {
			t.Fatalf("turn %d ran slot %d, want %d", i, reqs[i].SelfSlot, want)
		}
	}
	if reqs[2].Model != "lab/gamma" {
		t.Fatalf("invitee model = %s, want lab/gamma", reqs[2].Model)
	}
	if rig.bus.count(inproc.TopicRoundComplete) != 2 {
		t.Fatalf("rounds = %d, want 2", rig.bus.count(inproc.TopicRoundComplete))
	}
}

func TestTemperatureDirectiveAdjustsNextTurn(t *testing.T) {
	bk := &fakeBackend{script: []scriptedReply{
		{text: "warming up !temperature 1.4"},
		{text: "toasty"},
	}}
	rig := newTestRig(t, bk, nil, Config{Iterations: 2})

	if err := rig.svc.SubmitHumanInput("go"); err != nil {
		t.Fatalf("SubmitHumanInput: %v", err)
	}
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)
	waitTopic(t, rig.bus, inproc.TopicRoundComplete)

	reqs := rig.backend.requests()
	if len(reqs) != 2 {
		t.Fatalf("backend calls = %d, want 2", len(reqs))
	}
	if reqs[1].Temperature != 1.4 {
		t.Fatalf("second turn temperature = %v, want 1.4", reqs[1].Temperature)
	}

	msgs, err := rig.svc.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !containsText(msgs, "[AI-1 adjusted their temperature]") {
		t.Fatalf("missing temperature trace")
	}
	if containsText(msgs, "1.4") {
		t.Fatalf("temperature value leaked into the shared log")
	}
}
