package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/session"
)

func TestHandleChat_UnknownAgent(t *testing.T) {
	tp := newTestPool(t, &scriptedModel{})
	_, err := tp.HandleChat(context.Background(), "nobody", "", "hi")
	if !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("err = %v, want ErrUnknownAgent", err)
	}
	if len(tp.rec.all()) != 0 {
		t.Error("unknown agent should emit nothing")
	}
}

func TestHandleChat_EmptySessionUsesCurrent(t *testing.T) {
	tp := newTestPool(t, &scriptedModel{repeat: chatHi})
	ctx := context.Background()

	first, err := tp.HandleChat(ctx, "coordinator", "", "one")
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	second, err := tp.HandleChat(ctx, "coordinator", "", "two")
	if err != nil {
		t.Fatalf("HandleChat: %v", err)
	}
	if first.SessionID == "" || first.SessionID != second.SessionID {
		t.Errorf("sessions = %q, %q, want the same generated id", first.SessionID, second.SessionID)
	}
	if n := len(tp.rec.ofType(events.TypeSessionCreated)); n != 1 {
		t.Errorf("session_created count = %d, want 1", n)
	}
	if cur, _ := tp.CurrentSession("coordinator"); cur != first.SessionID {
		t.Errorf("current = %q", cur)
	}
}

func TestHandleChat_SessionOwnedByOtherAgent(t *testing.T) {
	other := config.AgentConfig{ID: "researcher", Name: "Researcher", Model: "test-model"}
	tp := newTestPool(t, &scriptedModel{repeat: chatHi}, coordinatorDef(), other)
	ctx := context.Background()

	tp.HandleChat(ctx, "coordinator", "s1", "hi")
	_, err := tp.HandleChat(ctx, "researcher", "s1", "mine now")
	if !errors.Is(err, session.ErrAgentMismatch) {
		t.Errorf("err = %v, want ErrAgentMismatch", err)
	}
}

func TestRefresh(t *testing.T) {
	tp := newTestPool(t, &scriptedModel{repeat: chatHi})
	tp.HandleChat(context.Background(), "coordinator", "s1", "hi")

	fresh, err := tp.Refresh("coordinator")
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if fresh == "" || fresh == "s1" {
		t.Fatalf("Refresh returned %q", fresh)
	}
	if tp.Sessions().Exists("s1") {
		t.Error("old session should be closed")
	}
	if cur, _ := tp.CurrentSession("coordinator"); cur != fresh {
		t.Errorf("current = %q, want %q", cur, fresh)
	}

	closed := tp.rec.ofType(events.TypeSessionClosed)
	if len(closed) != 1 || closed[0].SessionID != "s1" {
		t.Fatalf("session_closed = %+v", closed)
	}
	if reason := closed[0].Body.(events.SessionClosed).Reason; reason != CloseReasonRefresh {
		t.Errorf("reason = %q", reason)
	}
	created := tp.rec.ofType(events.TypeSessionCreated)
	if last := created[len(created)-1]; last.SessionID != fresh {
		t.Errorf("last session_created = %s, want %s", last.SessionID, fresh)
	}

	if _, err := tp.Refresh("nobody"); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("Refresh(nobody) err = %v", err)
	}
}

func TestCreateAndCloseSession(t *testing.T) {
	tp := newTestPool(t, &scriptedModel{})

	id, err := tp.CreateSession("coordinator", "manual")
	if err != nil || id != "manual" {
		t.Fatalf("CreateSession = %q, %v", id, err)
	}
	again, err := tp.CreateSession("coordinator", "manual")
	if err != nil || again != "manual" {
		t.Fatalf("second CreateSession = %q, %v", again, err)
	}
	if n := len(tp.rec.ofType(events.TypeSessionCreated)); n != 1 {
		t.Errorf("session_created count = %d, want 1", n)
	}

	if !tp.CloseSession("manual", CloseReasonClosed) {
		t.Error("CloseSession returned false")
	}
	if tp.CloseSession("manual", CloseReasonClosed) {
		t.Error("second CloseSession should return false")
	}
	if n := len(tp.rec.ofType(events.TypeSessionClosed)); n != 1 {
		t.Errorf("session_closed count = %d, want 1", n)
	}
}

func TestEnsureSession(t *testing.T) {
	tp := newTestPool(t, &scriptedModel{})

	id, err := tp.EnsureSession("coordinator")
	if err != nil || id == "" {
		t.Fatalf("EnsureSession = %q, %v", id, err)
	}
	same, _ := tp.EnsureSession("coordinator")
	if same != id {
		t.Errorf("EnsureSession created a second session: %q vs %q", same, id)
	}
}

func TestSweep(t *testing.T) {
	tp := newTestPool(t, &scriptedModel{})
	tp.CreateSession("coordinator", "a")
	tp.CreateSession("coordinator", "b")

	// A negative age puts the cutoff in the future, so everything is idle.
	swept := tp.Sweep(-time.Hour)
	if len(swept) != 2 {
		t.Fatalf("swept = %v, want 2 sessions", swept)
	}
	closed := tp.rec.ofType(events.TypeSessionClosed)
	if len(closed) != 2 {
		t.Fatalf("session_closed count = %d", len(closed))
	}
	for _, env := range closed {
		if env.Body.(events.SessionClosed).Reason != CloseReasonExpired {
			t.Errorf("reason = %+v", env.Body)
		}
	}
	if got := tp.Sweep(time.Hour); len(got) != 0 {
		t.Errorf("second sweep = %v", got)
	}
}

func TestUsage(t *testing.T) {
	tp := newTestPool(t, &scriptedModel{repeat: chatHi})
	tp.HandleChat(context.Background(), "coordinator", "s1", "hello there friend")

	u, err := tp.Usage("s1")
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.WindowSize == nil || *u.WindowSize != 1000 {
		t.Errorf("window = %v", u.WindowSize)
	}
	if want := len("hello there friend")/4 + len("Hi there")/4; u.TokensUsed != want {
		t.Errorf("tokens = %d, want %d", u.TokensUsed, want)
	}
	if _, err := tp.Usage("missing"); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Usage(missing) err = %v", err)
	}
}

func TestAgents(t *testing.T) {
	other := config.AgentConfig{ID: "researcher", Name: "Researcher", Model: "big-model"}
	tp := newTestPool(t, &scriptedModel{}, coordinatorDef(), other)
	tp.CreateSession("researcher", "r1")

	agents := tp.Agents()
	if len(agents) != 2 || agents[0].ID != "coordinator" || agents[1].ID != "researcher" {
		t.Fatalf("agents = %+v", agents)
	}
	if agents[1].CurrentSession != "r1" || agents[1].Sessions != 1 || agents[1].Model != "big-model" {
		t.Errorf("researcher = %+v", agents[1])
	}
	if !tp.HasAgent("researcher") || tp.HasAgent("nobody") {
		t.Error("HasAgent mismatch")
	}
	if tp.AgentName("nobody") != "nobody" || tp.AgentName("researcher") != "Researcher" {
		t.Error("AgentName mismatch")
	}
}

func TestHandleChat_SerializesPerSession(t *testing.T) {
	model := &scriptedModel{repeat: chatHi}
	tp := newTestPool(t, model)

	var inflight, peak atomic.Int32
	model.before = func(int) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inflight.Add(-1)
	}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tp.HandleChat(context.Background(), "coordinator", "s1", fmt.Sprintf("msg %d", i))
		}()
	}
	wg.Wait()

	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrent turns on one session = %d, want 1", got)
	}
	if got := len(tp.Sessions().Messages("s1")); got != 16 {
		t.Errorf("log length = %d, want 16", got)
	}
}

func refineDef(maxIter, threshold int) config.AgentConfig {
	def := coordinatorDef()
	def.Refine = &config.RefineConfig{MaxIterations: maxIter, ScoreThreshold: threshold}
	return def
}

func refinement(done string, score int) string {
	return fmt.Sprintf(`{"action": "REFINEMENT_RESPONSE", "new_plan": "plan v%d", "done": %q, "score": %d, "why": "review"}`, score, done, score)
}

func TestRefineLoop(t *testing.T) {
	tests := []struct {
		name      string
		replies   []string
		wantCalls int
		wantPlan  string
	}{
		{
			name:      "runs to max iterations",
			replies:   []string{refinement("no", 50), refinement("no", 60), refinement("no", 70), refinement("no", 80)},
			wantCalls: 3,
			wantPlan:  "plan v70",
		},
		{
			name:      "stops when done",
			replies:   []string{refinement("no", 40), refinement("yes", 45)},
			wantCalls: 2,
			wantPlan:  "plan v45",
		},
		{
			name:      "stops at score threshold",
			replies:   []string{refinement("no", 95)},
			wantCalls: 1,
			wantPlan:  "plan v95",
		},
		{
			name:      "chat ends the loop",
			replies:   []string{refinement("no", 10), chatHi},
			wantCalls: 2,
			wantPlan:  "Hi there",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &scriptedModel{replies: tt.replies}
			tp := newTestPool(t, model, refineDef(3, 90))

			res, err := tp.HandleChat(context.Background(), "coordinator", "s1", "make a plan")
			if err != nil {
				t.Fatalf("HandleChat: %v", err)
			}
			if model.calls() != tt.wantCalls {
				t.Errorf("model calls = %d, want %d", model.calls(), tt.wantCalls)
			}
			if res.Content != tt.wantPlan {
				t.Errorf("final content = %q, want %q", res.Content, tt.wantPlan)
			}
		})
	}
}

func TestRefineLoop_FeedsPlanBack(t *testing.T) {
	model := &scriptedModel{replies: []string{refinement("no", 20), refinement("yes", 90)}}
	tp := newTestPool(t, model, refineDef(3, 0))

	tp.HandleChat(context.Background(), "coordinator", "s1", "make a plan")

	msgs := model.prompt(1).Messages
	last := msgs[len(msgs)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "plan v20") || !strings.Contains(last.Content, "score 20") {
		t.Errorf("refinement input = %+v", last)
	}
}

// blockFirstCall holds the model's first call until release is closed.
func blockFirstCall(model *scriptedModel) (entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	model.before = func(call int) {
		if call == 0 {
			close(entered)
			<-release
		}
	}
	return entered, release
}

func TestCloseSession_ReopenedIDIgnoresOldTurn(t *testing.T) {
	model := &scriptedModel{replies: []string{
		`{"action": "CHAT_RESPONSE", "content": "STALE"}`,
		`{"action": "CHAT_RESPONSE", "content": "fresh"}`,
	}}
	tp := newTestPool(t, model)
	ctx := context.Background()
	entered, release := blockFirstCall(model)

	oldDone := make(chan error, 1)
	go func() {
		_, err := tp.HandleChat(ctx, "coordinator", "s1", "old question")
		oldDone <- err
	}()
	<-entered

	tp.CloseSession("s1", CloseReasonClosed)
	if _, err := tp.CreateSession("coordinator", "s1"); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	type outcome struct {
		res Result
		err error
	}
	newDone := make(chan outcome, 1)
	go func() {
		res, err := tp.HandleChat(ctx, "coordinator", "s1", "new question")
		newDone <- outcome{res, err}
	}()

	time.Sleep(20 * time.Millisecond)
	if n := model.calls(); n != 1 {
		t.Errorf("model calls before release = %d, want 1 (turns on s1 overlapped)", n)
	}
	close(release)

	if err := <-oldDone; !errors.Is(err, session.ErrNotFound) {
		t.Errorf("old turn err = %v, want ErrNotFound", err)
	}
	got := <-newDone
	if got.err != nil || got.res.Content != "fresh" {
		t.Fatalf("new turn = %+v, %v", got.res, got.err)
	}

	var log []string
	for _, m := range tp.Sessions().Messages("s1") {
		log = append(log, string(m.Kind)+":"+m.Content)
	}
	want := []string{"user_input:new question", "chat_response:fresh"}
	if strings.Join(log, "|") != strings.Join(want, "|") {
		t.Errorf("s1 log = %v, want %v", log, want)
	}
	for _, r := range tp.rec.responses() {
		if r.Content == "STALE" {
			t.Error("old turn's reply was emitted into the re-opened session")
		}
	}
}

func TestRunTurn_StopsWaitingWhenContextEnds(t *testing.T) {
	model := &scriptedModel{repeat: chatHi}
	tp := newTestPool(t, model)
	entered, release := blockFirstCall(model)

	busy := make(chan struct{})
	go func() {
		defer close(busy)
		tp.HandleChat(context.Background(), "coordinator", "s1", "busy")
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tp.RunTurn(ctx, "coordinator", "s1", session.NewMessage("researcher", session.KindAgentCall, "late call"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}

	close(release)
	<-busy

	for _, m := range tp.Sessions().Messages("s1") {
		if m.Content == "late call" {
			t.Error("a caller that gave up waiting still appended its input")
		}
	}
	tp.locksMu.Lock()
	n := len(tp.locks)
	tp.locksMu.Unlock()
	if n != 0 {
		t.Errorf("turn locks left = %d, want 0", n)
	}
}
