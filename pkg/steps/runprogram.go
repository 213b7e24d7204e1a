package steps

import (
	"context"

	"github.com/ethpandaops/gradeoor/pkg/container"
	"github.com/ethpandaops/gradeoor/pkg/store"
)

// RunProgram passes when the program exits with status 0.
type RunProgram struct {
	Program string `json:"program"`
}

func (*RunProgram) kind() Kind { return KindRunProgram }

type runProgramLog struct {
	commandLog

	AchievedPoints float64 `json:"achieved_points"`
}

func (r *RunProgram) execute(ctx context.Context, env *Env, ins *Instructions) (*Outcome, error) {
	res, err := runCommand(ctx, env, container.Shell(r.Program), "", nil, ins.Timeout())
	if err != nil {
		return nil, err
	}

	state := commandState(res)

	var points float64
	if state == store.StepStatePassed {
		points = ins.Weight
	}

	data, err := marshalLog(runProgramLog{commandLog: newCommandLog(res), AchievedPoints: points})
	if err != nil {
		return nil, err
	}

	return &Outcome{State: state, AchievedPoints: points, Log: data}, nil
}
