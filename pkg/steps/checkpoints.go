package steps

import (
	"fmt"

	"github.com/ethpandaops/gradeoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// CheckPoints is a gate: when the suite has not reached MinPoints so far,
// all remaining steps are failed without running.
type CheckPoints struct {
	MinPoints float64 `json:"min_points"`
}

func (*CheckPoints) kind() Kind { return KindCheckPoints }

func (c *CheckPoints) validate(weight float64) error {
	if weight != 0 {
		return invalid("check_points steps must have weight 0")
	}

	if c.MinPoints < 0 || c.MinPoints > 1 {
		return invalid(fmt.Sprintf("min_points must be within [0, 1], got %g", c.MinPoints))
	}

	return nil
}

type checkPointsLog struct {
	MinPoints        float64 `json:"min_points"`
	AchievedFraction float64 `json:"achieved_fraction"`
}

func (c *CheckPoints) execute(env *Env, _ *Instructions) (*Outcome, error) {
	data, err := marshalLog(checkPointsLog{
		MinPoints:        c.MinPoints,
		AchievedFraction: env.AchievedFraction,
	})
	if err != nil {
		return nil, err
	}

	if env.AchievedFraction < c.MinPoints {
		if env.Log != nil {
			env.Log.WithFields(logrus.Fields{
				"min_points": c.MinPoints,
				"achieved":   env.AchievedFraction,
			}).Debug("Check points not reached")
		}

		return &Outcome{State: store.StepStateFailed, Log: data}, ErrStopSteps
	}

	return &Outcome{State: store.StepStatePassed, Log: data}, nil
}
