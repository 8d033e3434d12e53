package agent

import (
	"context"
	"fmt"

	"github.com/nugget/parley/internal/action"
	"github.com/nugget/parley/internal/session"
)

// refineLoop resubmits a REFINEMENT_RESPONSE that is not done yet for
// agents configured with refine. It stops when the model says done,
// when the score reaches the threshold, when there is no new plan to
// work from, or after MaxIterations turns including the first.
func (p *Pool) refineLoop(ctx context.Context, ex *Executor, sessionID string, gen uint64, res Result) (Result, error) {
	rc := p.refine[ex.ID()]
	if rc == nil {
		return res, nil
	}

	for round := 2; round <= rc.MaxIterations; round++ {
		r, ok := res.Action.(*action.Refinement)
		if !ok || !needsAnotherRound(r, rc.ScoreThreshold) {
			return res, nil
		}
		p.logger.Debug("refinement round",
			"agent", ex.ID(),
			"session", sessionID,
			"round", round,
			"score", r.Score,
		)

		in := session.NewMessage(ex.ID(), session.KindUserInput, refinePrompt(r))
		in.Metadata = map[string]string{"refinement_round": fmt.Sprint(round)}

		var err error
		res, err = ex.turnOn(ctx, sessionID, gen, in)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func needsAnotherRound(r *action.Refinement, threshold int) bool {
	if r.IsDone() || r.NewPlan == "" {
		return false
	}
	if threshold > 0 && r.Score >= threshold {
		return false
	}
	return true
}

func refinePrompt(r *action.Refinement) string {
	return fmt.Sprintf("Keep refining. Your current plan (score %d):\n%s\n\nReply with REFINEMENT_RESPONSE.", r.Score, r.NewPlan)
}

func actionKind(a action.Action) action.Kind {
	if a == nil {
		return ""
	}
	return a.Kind()
}
