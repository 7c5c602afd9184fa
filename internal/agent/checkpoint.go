package agent

import (
	"encoding/json"

	"git.home.luguber.info/inful/pageforge/internal/advisor"
	pferrors "git.home.luguber.info/inful/pageforge/internal/errors"
	"git.home.luguber.info/inful/pageforge/internal/inventory"
	"git.home.luguber.info/inful/pageforge/internal/pipeline"
	"git.home.luguber.info/inful/pageforge/internal/verify"
)

// checkpointSchema guards against decoding state written by an incompatible
// build. Bump it when a field changes meaning, not when one is added.
const checkpointSchema = 1

// Checkpoint is the full resume state of a run, serialized into the store
// after every completed phase. A resumed run re-enters the loop at the phase
// after LastCompletedPhase with nothing recomputed.
type Checkpoint struct {
	SchemaVersion      int                      `json:"schemaVersion"`
	Origin             string                   `json:"origin"`
	Iteration          int                      `json:"iteration"`
	LastCompletedPhase Phase                    `json:"lastCompletedPhase,omitempty"`
	Inventory          *inventory.SiteInventory `json:"inventory,omitempty"`
	Plan               *advisor.Plan            `json:"plan,omitempty"`
	PageSpeed          *verify.PageSpeedResult  `json:"pageSpeedData,omitempty"`

	// CurrentSettings is the effective tree the current iteration builds
	// with. PendingPatch is a sparse patch produced by the planner, the
	// reviewer, or the safer-settings fallback; the building phase merges
	// it into the site overrides and clears it, so a crash between
	// decision and build replays the decision instead of losing it.
	CurrentSettings map[string]any `json:"currentSettings,omitempty"`
	PendingPatch    map[string]any `json:"pendingPatch,omitempty"`

	History      []advisor.IterationOutcome `json:"iterationHistory,omitempty"`
	PhaseTimings map[string]int64           `json:"phaseTimings,omitempty"` // phase -> total ms across iterations
	LogTail      []string                   `json:"logTail,omitempty"`

	LastBuildID  string          `json:"lastBuildId,omitempty"`
	EdgeURL      string          `json:"edgeUrl,omitempty"`
	LastReport   *verify.Report  `json:"lastReport,omitempty"`
	LastStats    *pipeline.Stats `json:"lastStats,omitempty"`
	FinalVerdict advisor.Verdict `json:"finalVerdict,omitempty"`
	FinalReport  string          `json:"finalReport,omitempty"` // markdown summary
}

// Encode serializes the checkpoint for the store.
func (cp *Checkpoint) Encode() ([]byte, error) {
	cp.SchemaVersion = checkpointSchema
	raw, err := json.Marshal(cp)
	if err != nil {
		return nil, pferrors.InternalError("encode checkpoint", err)
	}
	return raw, nil
}

// DecodeCheckpoint restores a checkpoint persisted by Encode.
func DecodeCheckpoint(raw []byte) (*Checkpoint, error) {
	if len(raw) == 0 {
		return nil, pferrors.New(pferrors.CategoryValidation, pferrors.SeverityFatal,
			"run has no checkpoint")
	}
	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, pferrors.InternalError("decode checkpoint", err)
	}
	if cp.SchemaVersion != checkpointSchema {
		return nil, pferrors.New(pferrors.CategoryValidation, pferrors.SeverityFatal,
			"unsupported checkpoint schema")
	}
	return &cp, nil
}

// entryPhase maps the last completed phase to the phase a resumed run
// enters. Reviewing only checkpoints when it decided to rebuild, so both
// planning and reviewing hand off to building.
func entryPhase(last Phase) Phase {
	switch last {
	case PhaseAnalyzing:
		return PhasePlanning
	case PhasePlanning, PhaseReviewing:
		return PhaseBuilding
	case PhaseBuilding:
		return PhaseVerifying
	case PhaseVerifying:
		return PhaseReviewing
	default:
		return PhaseAnalyzing
	}
}
