package handlers

import (
	"context"
	"net/http"

	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/server/responses"
	"git.home.luguber.info/inful/pageforge/internal/store"
)

// AgentService is the controller surface the agent endpoints drive.
type AgentService interface {
	StartRun(ctx context.Context, siteID string) (*store.AgentRun, error)
	ResumeRun(ctx context.Context, siteID, runID string) (*store.AgentRun, error)
	StopRun(ctx context.Context, siteID, runID string) (*store.AgentRun, error)
	Status(ctx context.Context, siteID string) (*store.AgentRun, error)
}

// AgentHandlers serves the agent run lifecycle endpoints.
type AgentHandlers struct {
	agent   AgentService
	adapter *pferrors.HTTPErrorAdapter
}

// NewAgentHandlers creates a new agent handlers instance.
func NewAgentHandlers(agent AgentService, adapter *pferrors.HTTPErrorAdapter) *AgentHandlers {
	return &AgentHandlers{agent: agent, adapter: adapter}
}

// HandleStartRun starts an optimization run for the site. The run executes
// asynchronously; the response only acknowledges admission.
func (h *AgentHandlers) HandleStartRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validSiteID(id); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	run, err := h.agent.StartRun(r.Context(), id)
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	h.reply(w, r, http.StatusAccepted, runResponse(run))
}

// HandleResumeRun resumes a failed run from its checkpoint. Expired run
// artifacts surface as a conflict.
func (h *AgentHandlers) HandleResumeRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validSiteID(id); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	run, err := h.agent.ResumeRun(r.Context(), id, r.PathValue("runId"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	h.reply(w, r, http.StatusAccepted, runResponse(run))
}

// HandleStopRun flags the run for abort; the loop honors it at the next
// phase boundary.
func (h *AgentHandlers) HandleStopRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validSiteID(id); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	run, err := h.agent.StopRun(r.Context(), id, r.PathValue("runId"))
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	h.reply(w, r, http.StatusAccepted, runResponse(run))
}

// HandleRunStatus returns the site's active run, falling back to the most
// recent finished one, together with its log tail.
func (h *AgentHandlers) HandleRunStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := validSiteID(id); err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	run, err := h.agent.Status(r.Context(), id)
	if err != nil {
		h.adapter.WriteErrorResponse(w, err)
		return
	}
	h.reply(w, r, http.StatusOK, responses.AgentStatusResponse{
		RunID:               run.ID,
		Status:              run.Status,
		Phase:               run.Phase,
		Iteration:           run.Iteration,
		LastSuccessfulPhase: run.LastSuccessfulPhase,
		LastError:           run.LastError,
		Logs:                run.LogTail,
		CreatedAt:           run.CreatedAt,
		UpdatedAt:           run.UpdatedAt,
	})
}

func (h *AgentHandlers) reply(w http.ResponseWriter, r *http.Request, status int, v any) {
	if err := writeJSONPretty(w, r, status, v); err != nil {
		h.adapter.WriteErrorResponse(w, pferrors.WrapError(err, pferrors.CategoryInternal, "failed to write response"))
	}
}

func runResponse(run *store.AgentRun) responses.AgentRunResponse {
	return responses.AgentRunResponse{RunID: run.ID, Status: run.Status, Phase: run.Phase}
}
