package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"rollcall/internal/attendance"
	"rollcall/internal/config"
	"rollcall/internal/metrics"
	"rollcall/internal/queue"
)

// Runner drives the timer side of attendance: QR rotation, the expiry sweep
// that publishes session.expire messages, and the consumer that ends them.
type Runner struct {
	sessions    *attendance.SessionManager
	queue       queue.Queue
	logger      *zap.Logger
	rotateEvery time.Duration
	expireEvery time.Duration
	now         func() time.Time
}

// New builds a Runner. Zero intervals fall back to 5s rotation and 30s expiry sweeps.
func New(sessions *attendance.SessionManager, q queue.Queue, logger *zap.Logger, cfg config.Attendance) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		sessions:    sessions,
		queue:       q,
		logger:      logger,
		rotateEvery: cfg.QRSweepInterval,
		expireEvery: cfg.ExpirySweepInterval,
		now:         time.Now,
	}
	if r.rotateEvery <= 0 {
		r.rotateEvery = 5 * time.Second
	}
	if r.expireEvery <= 0 {
		r.expireEvery = 30 * time.Second
	}
	return r
}

// Run blocks until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	messages, err := r.queue.Consume(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		r.every(ctx, r.rotateEvery, r.RotateOnce)
	}()
	go func() {
		defer wg.Done()
		r.every(ctx, r.expireEvery, func(ctx context.Context) { _, _ = r.SweepExpired(ctx) })
	}()
	go func() {
		defer wg.Done()
		for msg := range messages {
			if err := r.Handle(ctx, msg); err != nil {
				r.logger.Warn("message failed", zap.String("type", msg.Type), zap.String("session_id", msg.SessionID), zap.Error(err))
			}
		}
	}()

	r.logger.Info("worker started", zap.Duration("rotate_every", r.rotateEvery), zap.Duration("expire_every", r.expireEvery))
	wg.Wait()
	r.logger.Info("worker stopped")
	return nil
}

func (r *Runner) every(ctx context.Context, d time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// RotateOnce reissues QR payloads that expired since the last pass.
func (r *Runner) RotateOnce(ctx context.Context) {
	n, err := r.sessions.RotateDue(ctx)
	if err != nil {
		metrics.Sweeps().WithLabelValues("rotate", "error").Inc()
		r.logger.Error("qr rotation sweep failed", zap.Error(err))
		return
	}
	metrics.Sweeps().WithLabelValues("rotate", "ok").Inc()
	if n > 0 {
		r.logger.Debug("qr payloads rotated", zap.Int("count", n))
	}
}

// SweepExpired publishes one expiry message per overdue active session.
func (r *Runner) SweepExpired(ctx context.Context) (int, error) {
	sessions, err := r.sessions.ExpiredSessions(ctx)
	if err != nil {
		metrics.Sweeps().WithLabelValues("expire", "error").Inc()
		r.logger.Error("expiry sweep failed", zap.Error(err))
		return 0, err
	}
	published := 0
	for _, s := range sessions {
		if err := r.queue.Publish(ctx, queue.SessionExpire(s.ID, r.now())); err != nil {
			metrics.Sweeps().WithLabelValues("expire", "error").Inc()
			r.logger.Error("publish expiry failed", zap.String("session_id", s.ID), zap.Error(err))
			return published, err
		}
		published++
	}
	metrics.Sweeps().WithLabelValues("expire", "ok").Inc()
	return published, nil
}

// Handle processes one queue message. Unknown types are skipped.
func (r *Runner) Handle(ctx context.Context, msg queue.Message) error {
	if msg.Type != queue.TypeSessionExpire {
		r.logger.Debug("skipping message", zap.String("type", msg.Type))
		return nil
	}
	ended, err := r.sessions.Expire(ctx, msg.SessionID)
	if err != nil {
		return err
	}
	if ended {
		r.logger.Info("session expired", zap.String("session_id", msg.SessionID))
	}
	return nil
}
