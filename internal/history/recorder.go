package history

import (
	"context"
	"time"

	"github.com/Brownie44l1/cxr-api/internal/metrics"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/gammazero/workerpool"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// Recorder writes history entries in the background so requests never
// wait on Redis. Write failures are logged and counted, nothing more.
type Recorder struct {
	wp        *workerpool.WorkerPool
	store     *Store
	thumbSize int
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

func NewRecorder(store *Store, maxWorkers, thumbSize int, logger *zap.Logger, m *metrics.Metrics) *Recorder {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		wp:        workerpool.New(maxWorkers),
		store:     store,
		thumbSize: thumbSize,
		logger:    logger,
		metrics:   m,
	}
}

// Record queues a history write for p. original is not retained past the
// thumbnail and digest computed by the worker.
func (r *Recorder) Record(original []byte, p *model.Prediction, gradcam string) {
	r.wp.Submit(func() {
		r.record(original, p, gradcam)
	})
}

func (r *Recorder) record(original []byte, p *model.Prediction, gradcam string) {
	e := NewEntry(original, p, gradcam, r.thumbSize)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	err := r.store.Add(ctx, e)
	r.metrics.HistoryWrite(err)
	if err != nil {
		r.logger.Warn("failed to save history", zap.String("id", e.ID), zap.Error(err))
		return
	}
	r.logger.Debug("history saved", zap.String("id", e.ID), zap.String("class", e.PredictedClass))
}

// Stop waits for queued writes to finish.
func (r *Recorder) Stop() {
	r.wp.StopWait()
}
