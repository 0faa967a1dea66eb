// Package backfill replays historical repository records for discovered
// DIDs through a fixed sequence of bounded-concurrency stages, so that
// queries see more than live-tail data. Each stage times out
// independently and failures there never block the next job.
package backfill

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/atp-indexer/firehose-indexer/internal/applier"
	"github.com/atp-indexer/firehose-indexer/internal/car"
	"github.com/atp-indexer/firehose-indexer/internal/config"
	"github.com/atp-indexer/firehose-indexer/internal/identifiers"
	"github.com/atp-indexer/firehose-indexer/internal/metrics"
	"github.com/atp-indexer/firehose-indexer/internal/model"
	"github.com/atp-indexer/firehose-indexer/internal/transform"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	stageConstructJob    = "construct-job"
	stageResolveService  = "resolve-service"
	stageDownloadArchive = "download-archive"
	stageDecodeTransform = "decode-and-transform"
)

// Pipeline replays discovered DIDs' repositories into the store.
type Pipeline struct {
	store  *pgxpool.Pool
	logger *zap.Logger
	client *http.Client
	cfg    config.BackfillConfig
}

func NewPipeline(store *pgxpool.Pool, logger *zap.Logger, cfg config.BackfillConfig) *Pipeline {
	return &Pipeline{
		store:  store,
		logger: logger,
		client: newHTTPClient(),
		cfg:    cfg,
	}
}

func (p *Pipeline) concurrency() int {
	if p.cfg.StageConcurrency > 0 {
		return p.cfg.StageConcurrency
	}
	return runtime.NumCPU()
}

// Run consumes DIDs from in until it's closed or ctx is canceled, draining
// every in-flight job before returning.
func (p *Pipeline) Run(ctx context.Context, in <-chan string) {
	queueSize := p.cfg.QueueSize
	base := p.concurrency()
	downloadConcurrency := base * p.cfg.DownloadConcurrencyMultiplier

	constructOut := make(chan *job, queueSize)
	resolveOut := make(chan *job, queueSize)
	downloadOut := make(chan *job, queueSize)
	decodeOut := make(chan *job, queueSize)

	var g errgroup.Group

	g.Go(func() error {
		defer close(constructOut)
		for did := range in {
			metrics.BackfillStageQueued.WithLabelValues(stageConstructJob).Inc()
			select {
			case constructOut <- &job{did: did, startedAt: time.Now()}:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})

	g.Go(func() error {
		p.runStage(ctx, stageConstructJob, base, p.cfg.StageTimeout, constructOut, resolveOut, p.constructJob)
		return nil
	})
	g.Go(func() error {
		p.runStage(ctx, stageResolveService, base, p.cfg.StageTimeout, resolveOut, downloadOut, p.resolveService)
		return nil
	})
	g.Go(func() error {
		p.runStage(ctx, stageDownloadArchive, downloadConcurrency, p.cfg.StageTimeout, downloadOut, decodeOut, p.downloadArchive)
		return nil
	})
	g.Go(func() error {
		p.runStage(ctx, stageDecodeTransform, base, p.cfg.StageTimeout, decodeOut, nil, p.decodeAndApply)
		return nil
	})

	_ = g.Wait()
}

// stageFunc runs one stage's unit of work against a job in place. The
// apply-and-mark step is folded into decode-and-transform (decodeAndApply),
// so decode, apply and marker failures are all reported under the
// decode-and-transform stage's completed/failed metrics.
type stageFunc func(ctx context.Context, j *job) error

// runStage drains in with bounded concurrency, forwarding each
// successfully processed, non-noop job to out (nil out means this is the
// terminal stage).
func (p *Pipeline) runStage(ctx context.Context, name string, concurrency int, timeout time.Duration, in <-chan *job, out chan<- *job, fn stageFunc) {
	sem := semaphore.NewWeighted(int64(concurrency))
	var g errgroup.Group

	for j := range in {
		metrics.BackfillStageQueued.WithLabelValues(name).Dec()

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		metrics.BackfillStageActive.WithLabelValues(name).Inc()

		j := j
		g.Go(func() error {
			defer sem.Release(1)
			defer metrics.BackfillStageActive.WithLabelValues(name).Dec()

			stageCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if err := fn(stageCtx, j); err != nil {
				reason := "error"
				if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
					reason = "timeout"
				}
				metrics.BackfillFailedTotal.WithLabelValues(name, reason).Inc()
				p.logger.Warn("backfill stage failed",
					zap.String("stage", name), zap.String("did", j.did), zap.Error(err))
				return nil
			}

			metrics.BackfillCompletedTotal.WithLabelValues(name).Inc()

			if j.noop || out == nil {
				return nil
			}
			metrics.BackfillStageQueued.WithLabelValues(nextStageName(name)).Inc()
			select {
			case out <- j:
			case <-ctx.Done():
			}
			return nil
		})
	}

	_ = g.Wait()
	if out != nil {
		close(out)
	}
}

func nextStageName(current string) string {
	switch current {
	case stageConstructJob:
		return stageResolveService
	case stageResolveService:
		return stageDownloadArchive
	case stageDownloadArchive:
		return stageDecodeTransform
	default:
		return current
	}
}

func (p *Pipeline) constructJob(ctx context.Context, j *job) error {
	didKey, err := identifiers.DIDToKey(j.did)
	if err != nil {
		return fmt.Errorf("invalid did %q: %w", j.did, err)
	}
	j.didKey = didKey

	already, err := p.alreadyBackfilled(ctx, didKey)
	if err != nil {
		return fmt.Errorf("checking backfill marker: %w", err)
	}
	j.noop = already
	return nil
}

func (p *Pipeline) alreadyBackfilled(ctx context.Context, didKey string) (bool, error) {
	var indexedAt *time.Time
	err := p.store.QueryRow(ctx, `SELECT indexed_at FROM backfill_marker WHERE did_key = $1`, didKey).Scan(&indexedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return indexedAt != nil, nil
}

func (p *Pipeline) resolveService(ctx context.Context, j *job) error {
	endpoint, err := resolveServiceEndpoint(ctx, p.client, j.did)
	if err != nil {
		return err
	}
	if endpoint == "" {
		j.noop = true
		return nil
	}
	j.serviceEndpoint = endpoint
	return nil
}

func (p *Pipeline) downloadArchive(ctx context.Context, j *job) error {
	archive, err := downloadRepo(ctx, p.client, j.serviceEndpoint, j.did)
	if err != nil {
		return err
	}
	j.archive = archive
	return nil
}

// decodeAndApply folds decode-and-transform and apply-and-mark into one
// stage function: both happen inside the same bounded-concurrency slot
// since neither benefits from being split further, and it keeps the merged
// batch from crossing a channel.
func (p *Pipeline) decodeAndApply(ctx context.Context, j *job) error {
	records, err := car.Decode(bytes.NewReader(j.archive))
	if err != nil {
		return fmt.Errorf("decoding archive: %w", err)
	}

	var batch model.BigUpdate
	for _, rec := range records {
		update, err := transform.Transform(transform.Input{
			DID:        j.did,
			DIDKey:     j.didKey,
			Collection: rec.Collection,
			Rkey:       rec.Rkey,
			Op:         model.OpCreate,
			Fields:     rec.Fields,
		}, p.logger)
		if err != nil {
			p.logger.Debug("backfill record transform failed, skipping",
				zap.String("did", j.did), zap.String("collection", rec.Collection), zap.Error(err))
			continue
		}
		batch.Merge(update)
	}

	if err := applier.Apply(ctx, p.store, batch, "backfill"); err != nil {
		return fmt.Errorf("applying batch: %w", err)
	}
	if err := applier.MarkBackfilled(ctx, p.store, j.didKey, j.startedAt); err != nil {
		return fmt.Errorf("marking backfilled: %w", err)
	}
	return nil
}
