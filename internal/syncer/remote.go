package syncer

import (
	"context"
	"encoding/json"

	"github.com/healthguide/core/internal/models"
)

// Result is the remote service's answer to a submitted operation. A
// conflict means the server holds a diverging version of the record, which
// it returns in ServerRecord.
type Result struct {
	Success      bool
	ServerRecord *models.Record
	Conflict     bool
}

// Remote is the boundary with the remote health-record service. Rejections
// (returned errors) are treated as sync failures for the submitted entry;
// the call's timeout is the collaborator's concern.
type Remote interface {
	Submit(ctx context.Context, action models.Action, data json.RawMessage) (Result, error)
}
