package api

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"testing"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/delegate"
	"github.com/nugget/parley/internal/events"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/router"
	"github.com/nugget/parley/internal/session"
	"github.com/nugget/parley/internal/transcript"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const chatReply = `{"action":"CHAT_RESPONSE","content":"hello there"}`

type testEnv struct {
	srv        *Server
	pool       *agent.Pool
	router     *router.Router
	transcript *transcript.Store
	exchanges  *delegate.Store
}

// newTestEnv wires a pool of two agents whose model always answers with
// reply, a router fed by the pool, and SQLite stores in memory.
func newTestEnv(t *testing.T, reply string) *testEnv {
	t.Helper()
	logger := quietLogger()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	ts, err := transcript.New(db)
	if err != nil {
		t.Fatalf("transcript: %v", err)
	}
	xs, err := delegate.NewStore(db)
	if err != nil {
		t.Fatalf("exchange store: %v", err)
	}

	rtr := router.New(logger, 64)
	reg := session.NewRegistry(logger)
	reg.SetRecorder(ts)

	model := llm.InvokerFunc(func(context.Context, string, llm.Prompt) (string, error) {
		return reply, nil
	})
	pool := agent.NewPool(agent.PoolConfig{
		Agents: []config.AgentConfig{
			{ID: "coordinator", Name: "Coordinator", Model: "m", SystemPrompt: "You coordinate."},
			{ID: "researcher", Name: "Researcher", Model: "m", SystemPrompt: "You research."},
		},
		Sessions: reg,
		Invoker:  model,
		Emitter: events.EmitterFunc(func(e events.Envelope) {
			rtr.Deliver(e.AgentID, e.SessionID, e)
		}),
		Logger: logger,
	})
	coord := delegate.NewCoordinator(pool, nil, logger)
	coord.SetStore(xs)
	pool.SetCoordinator(coord)

	srv := NewServer("127.0.0.1", 0, pool, rtr, logger)
	srv.SetCoordinator(coord)
	srv.SetExchangeStore(xs)
	srv.SetTranscript(ts)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	return &testEnv{srv: srv, pool: pool, router: rtr, transcript: ts, exchanges: xs}
}
