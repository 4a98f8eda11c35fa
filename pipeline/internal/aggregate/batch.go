package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lms-stream-aggregation-system/pipeline/internal/models"
	"lms-stream-aggregation-system/pipeline/internal/stream"
	"lms-stream-aggregation-system/shared/events"
	"lms-stream-aggregation-system/shared/logx"
	"lms-stream-aggregation-system/shared/metricsx"
)

// Processor turns one delivered change batch into aggregate mutations.
// Intents for different aggregate keys run concurrently; intents for the
// same key run in delivery order on one goroutine, so no key ever sees
// interleaved writers from within a single batch.
type Processor struct {
	updater *Updater
	fanout  int
	logger  logx.Logger
}

func NewProcessor(updater *Updater, fanout int, logger logx.Logger) *Processor {
	if fanout < 1 {
		fanout = 1
	}
	return &Processor{updater: updater, fanout: fanout, logger: logger}
}

type keyGroup struct {
	key     models.AggregateKey
	intents []models.UpdateIntent
}

// ProcessBatch classifies every record, applies the resulting intents, and
// reports per-event outcomes. One bad event never aborts the rest: failures
// are collected and the batch finishes before the 500 is returned, so
// successful updates from a partially failed batch stay persisted.
func (p *Processor) ProcessBatch(ctx context.Context, batch events.ChangeBatch) (result models.BatchResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(ctx, "batch_panic", "recovered panic while processing batch",
				slog.String("batch_id", batch.BatchID), slog.String("panic", fmt.Sprint(r)))
			result = models.BatchResult{
				StatusCode: 500,
				Body:       fmt.Sprintf("Error processing stream records: %v", r),
			}
		}
		status := "ok"
		if !result.OK() {
			status = "error"
		}
		metricsx.IncBatch(status)
		metricsx.ObserveBatchLatency(time.Since(start))
	}()

	groups := p.classify(ctx, batch, &result)
	if len(groups) > 0 {
		p.applyGroups(ctx, groups, &result)
	}

	if len(result.Failures) > 0 {
		result.StatusCode = 500
		result.Body = fmt.Sprintf("Error processing stream records: %d of %d updates failed",
			len(result.Failures), result.IntentsTotal)
		return result
	}
	result.StatusCode = 200
	result.Body = "Successfully processed change stream events"
	return result
}

// classify walks the records in delivery order and buckets intents by
// aggregate key, preserving per-key order.
func (p *Processor) classify(ctx context.Context, batch events.ChangeBatch, result *models.BatchResult) []keyGroup {
	var groups []keyGroup
	index := make(map[models.AggregateKey]int)

	for _, rec := range batch.Records {
		result.EventsTotal++
		metricsx.IncEventProcessed(events.NormalizeOperation(rec.Operation))

		intents := stream.Classify(rec)
		if len(intents) == 0 {
			p.logger.Debug(ctx, "event_skipped", "no aggregation rule matched",
				slog.String("event_id", rec.EventID), slog.String("operation", rec.Operation), slog.String("pk", rec.PartitionKey))
			continue
		}
		for _, intent := range intents {
			result.IntentsTotal++
			i, ok := index[intent.Key]
			if !ok {
				i = len(groups)
				index[intent.Key] = i
				groups = append(groups, keyGroup{key: intent.Key})
			}
			groups[i].intents = append(groups[i].intents, intent)
		}
	}
	return groups
}

func (p *Processor) applyGroups(ctx context.Context, groups []keyGroup, result *models.BatchResult) {
	workers := p.fanout
	if workers > len(groups) {
		workers = len(groups)
	}

	work := make(chan keyGroup)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for g := range work {
				p.applyGroup(ctx, g, &mu, result)
			}
		}()
	}

	for _, g := range groups {
		work <- g
	}
	close(work)
	wg.Wait()
}

func (p *Processor) applyGroup(ctx context.Context, g keyGroup, mu *sync.Mutex, result *models.BatchResult) {
	for _, intent := range g.intents {
		applied, err := p.applyOne(ctx, intent)
		mu.Lock()
		if err != nil {
			metricsx.IncIntentFailure(intent.Kind)
			result.Failures = append(result.Failures, models.ApplyFailure{
				EventID: intent.EventID,
				Kind:    intent.Kind,
				Key:     intent.Key.String(),
				Reason:  err.Error(),
			})
			mu.Unlock()
			p.logger.Error(ctx, "intent_failed", "aggregate update failed",
				slog.String("event_id", intent.EventID), slog.String("kind", intent.Kind),
				slog.String("key", intent.Key.String()), slog.String("error", err.Error()))
			continue
		}
		if applied.Deduplicated {
			metricsx.IncDedupSkip()
			result.IntentsSkipped++
		} else {
			metricsx.IncIntentApplied(intent.Kind)
			result.IntentsApplied++
		}
		result.Applied = append(result.Applied, applied)
		mu.Unlock()
	}
}

// applyOne shields the worker goroutine from panics in a single apply. The
// batch-level recover cannot see panics raised off the calling goroutine, so
// they are converted to failures here.
func (p *Processor) applyOne(ctx context.Context, intent models.UpdateIntent) (applied models.AppliedUpdate, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &ApplyError{Intent: intent, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return p.updater.Apply(ctx, intent)
}
