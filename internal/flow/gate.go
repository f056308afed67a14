package flow

import (
	"context"
	"sync"

	"github.com/BTreeMap/LabLab/internal/marketdata"
	"github.com/BTreeMap/LabLab/internal/models"
)

// visit is one stay on one stage. Every timer or fetch started for the stage
// is bound to ctx and tracked by wg, and results are applied only while the
// visit is still the controller's current one. Fields are guarded by the
// controller's mu.
type visit struct {
	stage  models.Stage
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// instructions
	acknowledged bool

	// break and scenario rounds
	remaining int
	timerDone bool

	// scenario
	loading      bool
	loadErr      error
	dataset      *marketdata.Dataset
	round        int
	roundsPlayed int
	valuation    *marketdata.Valuation
	scenarioDone bool
	notices      []string

	// survey
	submitted bool
	missing   []string
	invalid   map[string]string
}

func newVisit(parent context.Context, stage models.Stage) *visit {
	ctx, cancel := context.WithCancel(parent)
	return &visit{stage: stage, ctx: ctx, cancel: cancel}
}

// teardown cancels the visit and waits for its goroutines. Must not be
// called with the controller's mu held.
func (v *visit) teardown() {
	v.cancel()
	v.wg.Wait()
}

func (v *visit) satisfied() bool {
	switch v.stage.Type {
	case models.StageTypeInstructions:
		return v.acknowledged
	case models.StageTypeBreak:
		return v.timerDone
	case models.StageTypeScenario:
		return v.scenarioDone
	case models.StageTypeSurvey:
		return v.submitted
	default:
		return false
	}
}

// canSkip is the scenario escape hatch: only a scenario that could not be
// loaded at all may be skipped.
func (v *visit) canSkip() bool {
	return v.stage.Type == models.StageTypeScenario && v.loadErr != nil
}

func (v *visit) gateState() *GateState {
	g := &GateState{
		StageType: v.stage.Type,
		Satisfied: v.satisfied(),
	}
	switch v.stage.Type {
	case models.StageTypeInstructions:
		g.Acknowledged = v.acknowledged
	case models.StageTypeBreak:
		g.RemainingSeconds = v.remaining
	case models.StageTypeScenario:
		g.Loading = v.loading
		g.RemainingSeconds = v.remaining
		g.Round = v.round
		g.RoundsPlayed = v.roundsPlayed
		g.Portfolio = v.valuation
		g.Notices = append([]string(nil), v.notices...)
		if v.dataset != nil {
			g.TotalRounds = v.dataset.Scenario.Rounds
			g.Fallback = v.dataset.UsesFallback()
		}
		if v.loadErr != nil {
			g.LoadFailed = true
			g.LoadError = v.loadErr.Error()
			g.CanSkip = true
		}
	case models.StageTypeSurvey:
		g.Submitted = v.submitted
		g.Missing = append([]string(nil), v.missing...)
		if len(v.invalid) > 0 {
			g.Invalid = make(map[string]string, len(v.invalid))
			for k, msg := range v.invalid {
				g.Invalid[k] = msg
			}
		}
	}
	return g
}
