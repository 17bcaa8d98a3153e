package queue

import (
	"context"

	"github.com/grantstream-io/grantstream/ent"
	"github.com/grantstream-io/grantstream/pkg/pipeline"
)

// CoordinatorExecutor is the production RunExecutor: it hands the claimed
// run to the pipeline coordinator, which performs the started→processing
// transition and all further bookkeeping under the injected run id.
type CoordinatorExecutor struct {
	coordinator *pipeline.Coordinator
}

// NewCoordinatorExecutor creates a CoordinatorExecutor.
func NewCoordinatorExecutor(coordinator *pipeline.Coordinator) *CoordinatorExecutor {
	if coordinator == nil {
		panic("NewCoordinatorExecutor: coordinator must not be nil")
	}
	return &CoordinatorExecutor{coordinator: coordinator}
}

// Execute implements RunExecutor.
func (e *CoordinatorExecutor) Execute(ctx context.Context, run *ent.PipelineRun) *pipeline.Result {
	return e.coordinator.ProcessSource(ctx, run.SourceID, run.ID)
}
