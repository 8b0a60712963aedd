package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"osian-ranking-service/internal/badges"
	"osian-ranking-service/internal/domain"
	"osian-ranking-service/internal/ranking"
)

// AttemptRecorder is the narrow write interface of the attempt-recording
// collaborator's store, used by the submission and release hooks.
type AttemptRecorder interface {
	Record(ctx context.Context, att domain.AttemptRecord) (domain.AttemptRecord, error)
	Release(ctx context.Context, ids []string) ([]domain.AttemptRecord, error)
}

// Handler serves the REST API: leaderboard pages, earned badges, and the
// attempt submission/release hooks invoked by the recording collaborator.
type Handler struct {
	svc       *ranking.Service
	evaluator *badges.Evaluator
	recorder  AttemptRecorder
	sched     *ranking.Scheduler
}

func NewHandler(svc *ranking.Service, evaluator *badges.Evaluator, recorder AttemptRecorder, sched *ranking.Scheduler) *Handler {
	return &Handler{svc: svc, evaluator: evaluator, recorder: recorder, sched: sched}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/leaderboard", h.Leaderboard)
	mux.HandleFunc("/api/badges", h.Badges)
	mux.HandleFunc("/api/attempts", h.SubmitAttempt)
	mux.HandleFunc("/api/attempts/release", h.ReleaseAttempts)
}

// scopeKeyFromQuery builds a ScopeKey from request params, defaulting to the
// all-time board and inferring quiz scope when only a quizId is given.
func scopeKeyFromQuery(r *http.Request) domain.ScopeKey {
	q := r.URL.Query()
	scope := q.Get("scope")
	quizID := q.Get("quizId")
	if scope == "" {
		if quizID != "" {
			scope = string(domain.ScopeQuiz)
		} else {
			scope = string(domain.ScopeGlobal)
		}
	}
	period := q.Get("period")
	if period == "" {
		period = string(domain.PeriodAll)
	}
	return domain.ScopeKey{
		Scope:    domain.Scope(scope),
		ScopeRef: q.Get("batchKey"),
		QuizID:   quizID,
		Period:   domain.Period(period),
	}
}

func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	key := scopeKeyFromQuery(r)
	if err := key.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	h.sched.Track(key)
	page, err := h.svc.Leaderboard(r.Context(), key, limit)
	if err != nil {
		log.Printf("leaderboard %s failed: %v", key, err)
		writeError(w, http.StatusInternalServerError, "failed to get leaderboard")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"scope":       page.Scope,
		"period":      page.Period,
		"leaderboard": page.Entries,
	})
}

func (h *Handler) Badges(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	subjectID := r.URL.Query().Get("subjectId")
	if subjectID == "" {
		writeError(w, http.StatusBadRequest, "missing subjectId")
		return
	}
	earned, err := h.evaluator.Earned(r.Context(), subjectID)
	if err != nil {
		log.Printf("badges for %s failed: %v", subjectID, err)
		writeError(w, http.StatusInternalServerError, "failed to get badges")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "badges": earned})
}

type attemptPayload struct {
	ID             string     `json:"id"`
	SubjectID      string     `json:"subjectId"`
	QuizID         string     `json:"quizId"`
	Score          int        `json:"score"`
	TotalQuestions int        `json:"totalQuestions"`
	Status         string     `json:"status"`
	Passed         *bool      `json:"passed"`
	CompletedAt    *time.Time `json:"completedAt"`
}

// SubmitAttempt records a graded attempt and dispatches ranking and badge
// work in the background. The response never waits for that work.
func (h *Handler) SubmitAttempt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload attemptPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid attempt payload")
		return
	}
	if payload.SubjectID == "" || payload.QuizID == "" {
		writeError(w, http.StatusBadRequest, "missing subjectId or quizId")
		return
	}
	if payload.Score < 0 || payload.TotalQuestions < 0 || payload.Score > payload.TotalQuestions {
		writeError(w, http.StatusBadRequest, "invalid score")
		return
	}

	att := domain.AttemptRecord{
		ID:             payload.ID,
		SubjectID:      payload.SubjectID,
		QuizID:         payload.QuizID,
		Score:          payload.Score,
		TotalQuestions: payload.TotalQuestions,
		Status:         domain.AttemptCompleted,
		CompletedAt:    time.Now(),
	}
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	if payload.Status != "" {
		att.Status = domain.AttemptStatus(payload.Status)
	}
	switch att.Status {
	case domain.AttemptCompleted, domain.AttemptPending, domain.AttemptInProgress:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if payload.CompletedAt != nil {
		att.CompletedAt = *payload.CompletedAt
	}
	if payload.Passed != nil {
		att.Passed = *payload.Passed
	} else {
		att.Passed = att.Percentage() >= 50
	}

	recorded, err := h.recorder.Record(r.Context(), att)
	if err != nil {
		log.Printf("record attempt failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to record attempt")
		return
	}
	h.trackQuizKeys(recorded.QuizID)
	h.svc.OnAttemptCompleted(recorded)

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"attempt": map[string]any{"id": recorded.ID, "status": recorded.Status},
	})
}

type releasePayload struct {
	AttemptIDs []string `json:"attemptIds"`
}

// ReleaseAttempts flips held pending attempts to completed and triggers the
// deferred ranking work for each.
func (h *Handler) ReleaseAttempts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload releasePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || len(payload.AttemptIDs) == 0 {
		writeError(w, http.StatusBadRequest, "invalid attemptIds")
		return
	}
	released, err := h.recorder.Release(r.Context(), payload.AttemptIDs)
	if err != nil {
		log.Printf("release attempts failed: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to release attempts")
		return
	}
	for _, att := range released {
		h.trackQuizKeys(att.QuizID)
		h.svc.OnAttemptCompleted(att)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "released": len(released)})
}

func (h *Handler) trackQuizKeys(quizID string) {
	for _, key := range ranking.AffectedKeys(quizID) {
		h.sched.Track(key)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}
