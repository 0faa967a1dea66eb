package consumer

import (
	"context"
	"runtime"

	"github.com/atp-indexer/firehose-indexer/internal/applier"
	"github.com/atp-indexer/firehose-indexer/internal/identifiers"
	"github.com/atp-indexer/firehose-indexer/internal/metrics"
	"github.com/atp-indexer/firehose-indexer/internal/model"
	"github.com/atp-indexer/firehose-indexer/internal/transform"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// WorkItem is one parsed commit event queued for a worker. Workers are
// stateless: any worker may process any item, from any host's session.
type WorkItem struct {
	Host       string
	DID        string
	Collection string
	Rkey       string
	Op         model.Op
	Fields     map[string]any
}

// Pool drains a bounded queue of WorkItems with a fixed number of
// goroutines, each invoking the transformer then the applier in turn.
type Pool struct {
	items  chan WorkItem
	store  *pgxpool.Pool
	logger *zap.Logger
}

func NewPool(store *pgxpool.Pool, logger *zap.Logger, queueSize int) *Pool {
	return &Pool{
		items:  make(chan WorkItem, queueSize),
		store:  store,
		logger: logger,
	}
}

// Start launches n worker goroutines (runtime.NumCPU() when n is 0); it
// returns immediately. Each worker exits as soon as ctx is done or the
// channel is closed.
func (p *Pool) Start(ctx context.Context, n int) {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	for i := 0; i < n; i++ {
		go p.worker(ctx)
	}
}

// Submit enqueues item, blocking (and so propagating backpressure to the
// session's read loop) until there is room or ctx is canceled.
func (p *Pool) Submit(ctx context.Context, item WorkItem) error {
	select {
	case p.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals no more items will be submitted so workers can drain and
// exit.
func (p *Pool) Close() {
	close(p.items)
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case item, ok := <-p.items:
			if !ok {
				return
			}
			p.process(ctx, item)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) process(ctx context.Context, item WorkItem) {
	metrics.EventsTotal.WithLabelValues(item.Host, item.Collection, string(item.Op)).Inc()

	didKey, err := identifiers.DIDToKey(item.DID)
	if err != nil {
		metrics.TransformFailuresTotal.WithLabelValues(item.Collection, "invalid_did").Inc()
		p.logger.Warn("dropping event with invalid did", zap.String("did", item.DID), zap.Error(err))
		return
	}

	update, err := transform.Transform(transform.Input{
		DID:        item.DID,
		DIDKey:     didKey,
		Collection: item.Collection,
		Rkey:       item.Rkey,
		Op:         item.Op,
		Fields:     item.Fields,
	}, p.logger)
	if err != nil {
		metrics.TransformFailuresTotal.WithLabelValues(item.Collection, "transform_error").Inc()
		p.logger.Warn("transform failed, skipping event",
			zap.String("collection", item.Collection), zap.String("did", item.DID), zap.Error(err))
		return
	}

	if err := applier.Apply(ctx, p.store, update, item.Host); err != nil {
		p.logger.Error("apply failed, event will be replayed on reconnect",
			zap.String("host", item.Host), zap.Error(err))
	}
}
