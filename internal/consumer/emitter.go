package consumer

import (
	"context"
	"fmt"

	redisx "github.com/khalifapro/crowd.dev/internal/common/redis"
	"github.com/khalifapro/crowd.dev/internal/domain"
)

// Emitter enqueues activity events for the data sink worker.
type Emitter struct {
	client *redisx.Client
	stream string
}

func NewEmitter(client *redisx.Client, stream string) *Emitter {
	return &Emitter{client: client, stream: stream}
}

// Emit appends event to the stream and returns the entry id.
func (e *Emitter) Emit(ctx context.Context, event domain.ActivityEvent) (string, error) {
	id, err := redisx.PublishJSON(ctx, e.client, e.stream, event, 0)
	if err != nil {
		return "", fmt.Errorf("failed to emit activity %s: %w", event.Activity.SourceID, err)
	}
	return id, nil
}
