package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Resumer re-dispatches accounts that are due for another sync attempt.
type Resumer interface {
	ResumeDue(ctx context.Context) (int, error)
}

// ResumeWorker runs the resume sweep on a cron schedule. A sweep that is
// still running when the next tick fires is skipped.
type ResumeWorker struct {
	cron    *cron.Cron
	resumer Resumer
	logger  *logrus.Entry
	timeout time.Duration
	baseCtx context.Context
	cancel  context.CancelFunc
}

func NewResumeWorker(schedule string, resumer Resumer) (*ResumeWorker, error) {
	logger := logrus.WithField("component", "resume_worker")
	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger}),
		cron.SkipIfStillRunning(cronLogger{logger}),
	))

	ctx, cancel := context.WithCancel(context.Background())
	rw := &ResumeWorker{
		cron:    c,
		resumer: resumer,
		logger:  logger,
		timeout: 50 * time.Second,
		baseCtx: ctx,
		cancel:  cancel,
	}
	if _, err := c.AddFunc(schedule, rw.sweep); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid resume schedule %q: %w", schedule, err)
	}
	return rw, nil
}

func (rw *ResumeWorker) Start() {
	rw.logger.Info("Starting resume worker...")
	rw.cron.Start()
}

// Stop cancels a running sweep and waits for it to return.
func (rw *ResumeWorker) Stop() {
	rw.cancel()
	<-rw.cron.Stop().Done()
	rw.logger.Info("Stopping resume worker...")
}

func (rw *ResumeWorker) sweep() {
	ctx, cancel := context.WithTimeout(rw.baseCtx, rw.timeout)
	defer cancel()

	started, err := rw.resumer.ResumeDue(ctx)
	if err != nil {
		rw.logger.WithError(err).Error("Resume sweep failed")
		return
	}
	if started > 0 {
		rw.logger.WithField("started", started).Info("Resumed syncs")
	}
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(pairs(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithError(err).WithFields(pairs(keysAndValues)).Error(msg)
}

func pairs(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
