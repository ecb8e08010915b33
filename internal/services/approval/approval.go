// Package approval runs persisted, crash-resumable bulk-approval jobs for
// channel join requests. A job record lives in storage for the whole run;
// any record found at boot marks an interrupted job, which is restarted
// from page one (approving an already-approved user is a no-op upstream).
package approval

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"postbot/internal/kit"
	"postbot/internal/storage"
	"postbot/internal/throttle"
	"postbot/pkg/logx"
)

// Job is the persisted record of one bulk-approval run.
type Job struct {
	ID        string    `json:"id"`
	ChannelID int64     `json:"channel_id"`
	Accepted  int       `json:"accepted"`
	StartedAt time.Time `json:"started_at"`
}

// Jobs is the persisted job collection, keyed by channel.
type Jobs interface {
	Put(ctx context.Context, j Job) error
	Delete(ctx context.Context, channelID int64) error
	All(ctx context.Context) ([]Job, error)
}

// PendingRequests is the join-request backlog. Satisfied by *storage.Store.
type PendingRequests interface {
	PagePending(ctx context.Context, channelID int64, limit int) ([]storage.JoinRequest, error)
	DeleteJoinRequest(ctx context.Context, channelID, userID int64) error
}

type Notifier interface {
	NotifyAll(ctx context.Context, text string)
}

type Config struct {
	// Rate is the approval quota per Interval.
	Rate     int
	Interval time.Duration
	PageSize int
}

type approveItem struct {
	channelID int64
	userID    int64
}

type Service struct {
	cfg      Config
	jobs     Jobs
	pending  PendingRequests
	approver kit.JoinApprover
	notify   Notifier
	log      logx.Logger

	exec *throttle.Executor[approveItem, struct{}]

	mu      sync.Mutex
	active  map[int64]Job
	stopCh  chan struct{}
	runCtx  context.Context
	started bool
	wg      sync.WaitGroup
}

func New(cfg Config, jobs Jobs, pending PendingRequests, approver kit.JoinApprover, notify Notifier, log logx.Logger) *Service {
	if cfg.Rate <= 0 {
		cfg.Rate = 20
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	s := &Service{
		cfg:      cfg,
		jobs:     jobs,
		pending:  pending,
		approver: approver,
		notify:   notify,
		log:      log,
		active:   make(map[int64]Job),
	}
	s.exec = throttle.New("approve", cfg.Rate, cfg.Interval,
		func(ctx context.Context, item approveItem) (struct{}, error) {
			return struct{}{}, approver.ApproveJoinRequest(ctx, item.channelID, item.userID)
		}, log)
	return s
}

// Start begins the approval executor and restarts any job persisted by an
// interrupted run. Restarted jobs page from the beginning but keep their
// accepted count, since processed requests are consumed from the backlog.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.runCtx = ctx
	s.mu.Unlock()

	s.exec.Start(ctx)

	interrupted, err := s.jobs.All(ctx)
	if err != nil {
		return fmt.Errorf("load persisted jobs: %w", err)
	}
	for _, j := range interrupted {
		s.log.Warn("restarting interrupted approval job",
			logx.String("job", j.ID), logx.Int64("channel", j.ChannelID),
			logx.Int("accepted_so_far", j.Accepted))
		s.launch(j)
	}
	return nil
}

// StartJob begins a bulk approval for a channel, idempotently: a second call
// while a job is running returns the running job. The channel slot is
// reserved under the lock before the record write, so concurrent calls
// cannot persist competing records.
func (s *Service) StartJob(ctx context.Context, channelID int64) (Job, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return Job{}, fmt.Errorf("approval runner not started")
	}
	if j, ok := s.active[channelID]; ok {
		s.mu.Unlock()
		return j, nil
	}
	j := Job{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		StartedAt: time.Now(),
	}
	s.active[channelID] = j
	runCtx := s.runCtx
	stopCh := s.stopCh
	s.mu.Unlock()

	if err := s.jobs.Put(ctx, j); err != nil {
		s.mu.Lock()
		delete(s.active, channelID)
		s.mu.Unlock()
		return Job{}, err
	}
	s.spawn(runCtx, stopCh, j)
	return j, nil
}

func (s *Service) launch(j Job) {
	s.mu.Lock()
	if _, ok := s.active[j.ChannelID]; ok {
		s.mu.Unlock()
		return
	}
	s.active[j.ChannelID] = j
	ctx := s.runCtx
	stopCh := s.stopCh
	s.mu.Unlock()

	s.spawn(ctx, stopCh, j)
}

func (s *Service) spawn(ctx context.Context, stopCh chan struct{}, j Job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("approval job panicked",
					logx.String("job", j.ID), logx.Any("panic", r))
			}
		}()
		s.runJob(ctx, stopCh, j)
	}()
}

// runJob pages the pending backlog until empty. Pages run strictly in
// sequence; within a page, approvals are dispatched concurrently through the
// throttled executor. The accepted count is persisted after every page so a
// crash loses at most one page of counting.
func (s *Service) runJob(ctx context.Context, stopCh chan struct{}, j Job) {
	hardErrors := 0
	for {
		select {
		case <-ctx.Done():
			s.detach(j)
			return
		case <-stopCh:
			s.detach(j)
			return
		default:
		}

		page, err := s.pending.PagePending(ctx, j.ChannelID, s.cfg.PageSize)
		if err != nil {
			s.log.Error("pending request query failed",
				logx.String("job", j.ID), logx.Err(err))
			s.notify.NotifyAll(ctx, fmt.Sprintf(
				"Approval job for channel %d aborted: %v. It will restart on next boot.",
				j.ChannelID, err))
			s.detach(j)
			return
		}
		if len(page) == 0 {
			break
		}

		futs := make([]*throttle.Future[struct{}], len(page))
		for i, req := range page {
			futs[i] = s.exec.Enqueue(approveItem{channelID: req.ChannelID, userID: req.UserID})
		}
		for i, f := range futs {
			req := page[i]
			if _, err := f.Wait(ctx); err != nil {
				hardErrors++
				s.log.Warn("join approval failed",
					logx.Int64("channel", req.ChannelID),
					logx.Int64("user", req.UserID),
					logx.Err(err))
			} else {
				j.Accepted++
			}
			// Consume the request either way so paging always advances;
			// failures are surfaced in the completion notice.
			if err := s.pending.DeleteJoinRequest(ctx, req.ChannelID, req.UserID); err != nil {
				s.log.Error("join request cleanup failed",
					logx.Int64("user", req.UserID), logx.Err(err))
			}
		}

		if err := s.jobs.Put(ctx, j); err != nil {
			s.log.Error("job checkpoint failed", logx.String("job", j.ID), logx.Err(err))
		}
		s.mu.Lock()
		s.active[j.ChannelID] = j
		s.mu.Unlock()
	}

	elapsed := time.Since(j.StartedAt).Round(time.Second)
	status := "completed"
	if hardErrors > 0 {
		status = fmt.Sprintf("completed with %d failure(s)", hardErrors)
	}
	s.notify.NotifyAll(ctx, fmt.Sprintf(
		"Approval job for channel %d %s: %d accepted in %s.",
		j.ChannelID, status, j.Accepted, elapsed))

	if err := s.jobs.Delete(ctx, j.ChannelID); err != nil {
		s.log.Error("job record delete failed", logx.String("job", j.ID), logx.Err(err))
	}
	s.mu.Lock()
	delete(s.active, j.ChannelID)
	s.mu.Unlock()
}

// detach persists the job's latest count and drops it from the active set
// without deleting the record, leaving it interrupted for the next boot.
func (s *Service) detach(j Job) {
	wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.jobs.Put(wctx, j); err != nil {
		s.log.Error("job write-back failed", logx.String("job", j.ID), logx.Err(err))
	}
	s.mu.Lock()
	delete(s.active, j.ChannelID)
	s.mu.Unlock()
}

// Running reports whether a job is currently active for the channel.
func (s *Service) Running(channelID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[channelID]
	return ok
}

// Stop signals running jobs, awaits in-flight approvals and halts the
// executor. Job records persist through the stop, so interrupted jobs are
// discovered and restarted on the next boot.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()
	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if err := s.exec.Idle(ctx); err != nil {
		s.log.Warn("approval executor still busy at stop", logx.Err(err))
	}
	s.exec.Stop(ctx)
	s.log.Info("approval runner stopped")
}

// jobKey is the storage key for a channel's job record.
func jobKey(channelID int64) string { return strconv.FormatInt(channelID, 10) }

type sqliteJobs struct {
	col *storage.Collection[Job]
}

// NewJobs returns the sqlite-backed persisted job collection.
func NewJobs(store *storage.Store) Jobs {
	return &sqliteJobs{col: storage.NewCollection[Job](store, "approval_jobs")}
}

func (s *sqliteJobs) Put(ctx context.Context, j Job) error {
	return s.col.Put(ctx, jobKey(j.ChannelID), j)
}

func (s *sqliteJobs) Delete(ctx context.Context, channelID int64) error {
	return s.col.Delete(ctx, jobKey(channelID))
}

func (s *sqliteJobs) All(ctx context.Context) ([]Job, error) {
	return s.col.All(ctx)
}
