package updater

import (
	"errors"
	"fmt"
)

// 流水线步骤，按声明顺序执行
type Step int

const (
	StepTally Step = iota
	StepEvents
	StepDelegates
	StepWeights
	StepMismatches
	StepFinal
	StepMetrics
)

var ErrUnknownStep = errors.New("unknown update step")

// 流水线跑完后写入锁的步骤值，锁仍保留到过期
const StepDone = "completed"

var stepNames = [...]string{
	StepTally:      "tally",
	StepEvents:     "events",
	StepDelegates:  "delegates",
	StepWeights:    "weights",
	StepMismatches: "mismatches",
	StepFinal:      "final",
	StepMetrics:    "metrics",
}

var stepDescriptions = [...]string{
	StepTally:      "Syncing registry delegates",
	StepEvents:     "Syncing delegation events",
	StepDelegates:  "Adding delegates from events",
	StepWeights:    "Calculating event weights",
	StepMismatches: "Checking weight mismatches",
	StepFinal:      "Recalculating event weights",
	StepMetrics:    "Building metrics",
}

// Steps 完整流水线
func Steps() []Step {
	return []Step{StepTally, StepEvents, StepDelegates, StepWeights, StepMismatches, StepFinal, StepMetrics}
}

func (s Step) String() string {
	if s < 0 || int(s) >= len(stepNames) {
		return fmt.Sprintf("step(%d)", int(s))
	}
	return stepNames[s]
}

// Description 给界面展示的进度文案
func (s Step) Description() string {
	if s < 0 || int(s) >= len(stepDescriptions) {
		return s.String()
	}
	return stepDescriptions[s]
}

func ParseStep(name string) (Step, error) {
	for i, n := range stepNames {
		if n == name {
			return Step(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStep, name)
}
