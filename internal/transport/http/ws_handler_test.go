package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"osian-ranking-service/internal/domain"
	"osian-ranking-service/internal/infra/memory"
	"osian-ranking-service/internal/ranking"
)

func newWSFixture(t *testing.T) (*ranking.Service, *memory.AttemptStore, *httptest.Server) {
	t.Helper()
	attempts := memory.NewAttemptStore()
	svc := ranking.NewService(
		attempts,
		memory.NewLeaderboardStore(),
		memory.NewPageCache(time.Minute),
		memory.NewStaticDirectory(map[string]domain.SubjectProfile{
			"u1": {SubjectID: "u1", DisplayName: "Alice"},
			"u2": {SubjectID: "u2", DisplayName: "Bob"},
		}),
		memory.NewBadgeStore(),
	)
	hub := ranking.NewHub(svc, 50*time.Millisecond)
	svc.SetNotifier(hub)
	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(runCtx)
	sched := ranking.NewScheduler(svc, time.Minute)
	wsHandler := NewWSHandler(hub, sched)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/leaderboard", wsHandler.ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return svc, attempts, server
}

func TestWebSocketLeaderboardStream(t *testing.T) {
	_, attempts, server := newWSFixture(t)

	now := time.Now()
	for i, att := range []domain.AttemptRecord{
		{SubjectID: "u1", QuizID: "quiz-1", Score: 9, TotalQuestions: 10},
		{SubjectID: "u2", QuizID: "quiz-1", Score: 6, TotalQuestions: 10},
	} {
		att.Status = domain.AttemptCompleted
		att.Passed = true
		att.CompletedAt = now.Add(time.Duration(-i) * time.Hour)
		if _, err := attempts.Record(context.Background(), att); err != nil {
			t.Fatalf("record attempt: %v", err)
		}
	}

	u := "ws" + server.URL[len("http"):] + "/ws/leaderboard?period=all"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := readLeaderboard(conn, t)
	if msg.Scope != domain.ScopeGlobal || msg.Period != domain.PeriodAll {
		t.Fatalf("expected global/all page, got %s/%s", msg.Scope, msg.Period)
	}
	if len(msg.Leaderboard) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(msg.Leaderboard))
	}
	if msg.Leaderboard[0].SubjectID != "u1" || msg.Leaderboard[0].Rank != 1 {
		t.Fatalf("expected u1 ranked first, got %+v", msg.Leaderboard[0])
	}
	if msg.Leaderboard[0].DisplayName != "Alice" {
		t.Fatalf("expected profile join, got %q", msg.Leaderboard[0].DisplayName)
	}
}

func TestWebSocketPushOnAttempt(t *testing.T) {
	svc, attempts, server := newWSFixture(t)
	svc.StartWorkers(1)
	defer svc.Close()

	first := domain.AttemptRecord{
		SubjectID: "u1", QuizID: "quiz-1",
		Score: 5, TotalQuestions: 10,
		Status: domain.AttemptCompleted, Passed: true, CompletedAt: time.Now(),
	}
	if _, err := attempts.Record(context.Background(), first); err != nil {
		t.Fatalf("record attempt: %v", err)
	}

	u := "ws" + server.URL[len("http"):] + "/ws/leaderboard?quizId=quiz-1&period=all"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg := readLeaderboard(conn, t)
	if len(msg.Leaderboard) != 1 {
		t.Fatalf("expected 1 row, got %d", len(msg.Leaderboard))
	}

	second := domain.AttemptRecord{
		SubjectID: "u2", QuizID: "quiz-1",
		Score: 8, TotalQuestions: 10,
		Status: domain.AttemptCompleted, Passed: true, CompletedAt: time.Now(),
	}
	if _, err := attempts.Record(context.Background(), second); err != nil {
		t.Fatalf("record attempt: %v", err)
	}
	svc.OnAttemptCompleted(second)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		msg = readLeaderboard(conn, t)
		if len(msg.Leaderboard) == 2 {
			break
		}
	}
	if len(msg.Leaderboard) != 2 {
		t.Fatalf("expected the new attempt to reach the stream, got %d rows", len(msg.Leaderboard))
	}
	if msg.Leaderboard[0].SubjectID != "u2" {
		t.Fatalf("expected u2 ranked first after the new attempt, got %s", msg.Leaderboard[0].SubjectID)
	}
}

// flakyAttemptSource errors aggregate reads while fail is set, so rebuilds
// behind the hub fail on demand.
type flakyAttemptSource struct {
	*memory.AttemptStore
	mu   sync.Mutex
	fail bool
}

func (f *flakyAttemptSource) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *flakyAttemptSource) Attempts(ctx context.Context, flt ranking.AttemptFilter) ([]domain.AttemptRecord, error) {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return nil, errors.New("attempt store unavailable")
	}
	return f.AttemptStore.Attempts(ctx, flt)
}

func TestWebSocketErrorTickKeepsStreamOpen(t *testing.T) {
	attempts := &flakyAttemptSource{AttemptStore: memory.NewAttemptStore()}
	svc := ranking.NewService(
		attempts,
		memory.NewLeaderboardStore(),
		memory.NewPageCache(time.Minute),
		memory.NewStaticDirectory(map[string]domain.SubjectProfile{
			"u1": {SubjectID: "u1", DisplayName: "Alice"},
		}),
		memory.NewBadgeStore(),
	)
	hub := ranking.NewHub(svc, 50*time.Millisecond)
	svc.SetNotifier(hub)
	runCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(runCtx)
	wsHandler := NewWSHandler(hub, ranking.NewScheduler(svc, time.Minute))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/leaderboard", wsHandler.ServeWS)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	attempts.setFail(true)

	u := "ws" + server.URL[len("http"):] + "/ws/leaderboard?period=all"
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var msg leaderboardMessage
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if msg.Type != "error" {
		t.Fatalf("expected an in-band error message, got %s", msg.Type)
	}

	attempts.setFail(false)
	if _, err := attempts.Record(context.Background(), domain.AttemptRecord{
		SubjectID: "u1", QuizID: "quiz-1",
		Score: 8, TotalQuestions: 10,
		Status: domain.AttemptCompleted, Passed: true, CompletedAt: time.Now(),
	}); err != nil {
		t.Fatalf("record attempt: %v", err)
	}

	// Same connection: the stream must recover on a later push.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("stream never recovered after the error tick")
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read json: %v", err)
		}
		if msg.Type != "leaderboard" {
			continue
		}
		if len(msg.Leaderboard) != 1 || msg.Leaderboard[0].SubjectID != "u1" {
			t.Fatalf("expected the rebuilt page, got %+v", msg.Leaderboard)
		}
		break
	}
}

func TestWebSocketRejectsInvalidKey(t *testing.T) {
	_, _, server := newWSFixture(t)

	u := "ws" + server.URL[len("http"):] + "/ws/leaderboard?scope=batch&period=all"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatalf("expected dial to fail for a batch key without batchKey")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %+v", resp)
	}
}

func readLeaderboard(conn *websocket.Conn, t *testing.T) leaderboardMessage {
	t.Helper()
	var msg leaderboardMessage
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if msg.Type != "leaderboard" {
		t.Fatalf("expected leaderboard message, got %s", msg.Type)
	}
	return msg
}
