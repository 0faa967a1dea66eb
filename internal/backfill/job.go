package backfill

import (
	"time"

	"github.com/atp-indexer/firehose-indexer/internal/model"
)

// job carries one DID through the pipeline's stages, accumulating state as
// each stage runs. A job that resolves to nothing useful (no service
// endpoint, already backfilled) is marked noop and drained without error.
type job struct {
	did             string
	didKey          string
	serviceEndpoint string
	archive         []byte
	batch           model.BigUpdate
	startedAt       time.Time
	noop            bool
}
