package models

// JobRollup is the job-level summary derived from its stages.
type JobRollup struct {
	CompletionPercentage int              `json:"completion_percentage"`
	ProductionStatus     ProductionStatus `json:"production_status"`
}

// ComputeRollup recomputes the summary from the full stage set. Percentages
// round half up.
func ComputeRollup(stages []ProductionStage) JobRollup {
	total := len(stages)
	if total == 0 {
		return JobRollup{CompletionPercentage: 0, ProductionStatus: ProductionStatusPending}
	}

	var done, onHold, inProgress, notStarted int
	for _, s := range stages {
		switch {
		case s.StageStatus.IsDone():
			done++
		case s.StageStatus == StageStatusOnHold:
			onHold++
		case s.StageStatus == StageStatusInProgress:
			inProgress++
		case s.StageStatus == StageStatusPending || s.StageStatus == StageStatusReady:
			notStarted++
		}
	}

	rollup := JobRollup{CompletionPercentage: (200*done + total) / (2 * total)}
	switch {
	case done == total:
		rollup.ProductionStatus = ProductionStatusCompleted
	case onHold > 0 && inProgress == 0:
		rollup.ProductionStatus = ProductionStatusOnHold
	case notStarted == total:
		rollup.ProductionStatus = ProductionStatusPending
	default:
		rollup.ProductionStatus = ProductionStatusInProgress
	}
	return rollup
}

// ApplyRollup copies the summary onto the job. A cancelled job keeps its status.
func (j *PrintJob) ApplyRollup(r JobRollup) {
	j.CompletionPercentage = r.CompletionPercentage
	if j.ProductionStatus == ProductionStatusCancelled {
		return
	}
	j.ProductionStatus = r.ProductionStatus
}

func (j *PrintJob) snapshotRollup() JobRollup {
	return JobRollup{CompletionPercentage: j.CompletionPercentage, ProductionStatus: j.ProductionStatus}
}

// Recalculate recomputes the job from its loaded stages and reports whether anything changed.
func (j *PrintJob) Recalculate() bool {
	before := j.snapshotRollup()
	j.ApplyRollup(ComputeRollup(j.Stages))
	return before != j.snapshotRollup()
}

func (j *PrintJob) replaceStage(stage *ProductionStage) {
	for i := range j.Stages {
		if j.Stages[i].ID == stage.ID {
			j.Stages[i] = *stage
			return
		}
	}
	j.Stages = append(j.Stages, *stage)
}
