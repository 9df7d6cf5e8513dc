package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/draftsync/internal/api"
	"github.com/rendis/draftsync/internal/queue"
	"github.com/rendis/draftsync/internal/store"
	"github.com/rendis/draftsync/pkg/schema"
)

// RegisterOperationFactories binds persisted queue operations back to
// executable work after a restart. Only save operations survive a restart
// today; records with other types are dropped during rebuild.
func RegisterOperationFactories(reg *queue.Registry, client api.Client) {
	reg.Register(queue.OpSave, func(rec *store.OperationRecord) (queue.Operation, error) {
		if rec.StepID == "" || !schema.ValidStep(rec.StepID) {
			return nil, fmt.Errorf("save operation %s has no valid step", rec.ID)
		}
		var data map[string]any
		if err := json.Unmarshal(rec.Payload, &data); err != nil {
			return nil, fmt.Errorf("decode save payload for %s: %w", rec.ID, err)
		}
		step := rec.StepID
		return func(ctx context.Context) error {
			return client.SaveStepData(ctx, step, data)
		}, nil
	})
}
