package publication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postbot/internal/kit"
	"postbot/internal/throttle"
	"postbot/pkg/logx"
)

type memRecords struct {
	mu   sync.Mutex
	m    map[int64]Post
	next int64
}

func newMemRecords() *memRecords { return &memRecords{m: make(map[int64]Post)} }

func (r *memRecords) Get(ctx context.Context, index int64) (Post, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.m[index]
	return p, ok, nil
}

func (r *memRecords) Put(ctx context.Context, p Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[p.Index] = p
	return nil
}

func (r *memRecords) Delete(ctx context.Context, index int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, index)
	return nil
}

func (r *memRecords) All(ctx context.Context) ([]Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Post, 0, len(r.m))
	for _, p := range r.m {
		out = append(out, p)
	}
	return out, nil
}

func (r *memRecords) NextIndex(ctx context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	return r.next, nil
}

type memArchive struct {
	mu   sync.Mutex
	recs []ArchivedPost
}

func (a *memArchive) Add(ctx context.Context, rec ArchivedPost) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recs = append(a.recs, rec)
	return nil
}

func (a *memArchive) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.recs)
}

type memNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *memNotifier) NotifyAll(ctx context.Context, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
}

type fakeOut struct {
	mu        sync.Mutex
	sent      []kit.SendRequest
	deleted   []kit.MessageRef
	edited    []kit.MessageRef
	sendErr   map[int64]error
	deleteErr map[int64]error
	nextID    int
}

func (o *fakeOut) EnqueueSend(req kit.SendRequest) *throttle.Future[kit.MessageRef] {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.sendErr[req.ChatID]; err != nil {
		return throttle.Resolved(kit.MessageRef{}, err)
	}
	o.nextID++
	o.sent = append(o.sent, req)
	return throttle.Resolved(kit.MessageRef{ChatID: req.ChatID, MessageID: o.nextID}, nil)
}

func (o *fakeOut) EnqueueDelete(ref kit.MessageRef) *throttle.Future[struct{}] {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.deleteErr[ref.ChatID]; err != nil {
		return throttle.Resolved(struct{}{}, err)
	}
	o.deleted = append(o.deleted, ref)
	return throttle.Resolved(struct{}{}, nil)
}

func (o *fakeOut) Edit(ctx context.Context, ref kit.MessageRef, p kit.Payload) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.edited = append(o.edited, ref)
	return nil
}

type fixedEngagement struct{ eng Engagement }

func (f fixedEngagement) Engagement(ctx context.Context, ref kit.MessageRef) (Engagement, error) {
	return f.eng, nil
}

type fixture struct {
	svc     *Service
	records *memRecords
	archive *memArchive
	out     *fakeOut
	notify  *memNotifier
}

func newFixture(t *testing.T, engagement EngagementSource) *fixture {
	t.Helper()
	f := &fixture{
		records: newMemRecords(),
		archive: &memArchive{},
		out:     &fakeOut{},
		notify:  &memNotifier{},
	}
	f.svc = New(Config{}, f.records, f.archive, f.out, engagement, f.notify, logx.Nop())
	return f
}

func addApproved(t *testing.T, f *fixture, chatIDs []int64, lifetimeMinutes int) Post {
	t.Helper()
	ctx := context.Background()
	p, err := f.svc.Add(ctx, 1, kit.Text("hello"), chatIDs, time.Now().Add(-time.Minute), lifetimeMinutes)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if p.AllowedToSend {
		t.Fatal("new post must not be pre-approved")
	}
	p, err = f.svc.Approve(ctx, p.Index)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	return p
}

func TestPublishAdvancesToWaitingForRemoval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	p := addApproved(t, f, []int64{10, 20, 30}, 60)

	f.svc.Sweep(ctx)

	got, ok, _ := f.records.Get(ctx, p.Index)
	if !ok {
		t.Fatal("record vanished")
	}
	if got.State != StateWaitingForRemoval {
		t.Fatalf("state = %s, want waiting_for_removal", got.State)
	}
	if len(got.Sent) != 3 {
		t.Fatalf("sent = %d, want 3", len(got.Sent))
	}
	if len(f.notify.texts) == 0 {
		t.Fatal("operators not notified")
	}
	// Second sweep before lifetime expiry changes nothing.
	f.svc.Sweep(ctx)
	again, _, _ := f.records.Get(ctx, p.Index)
	if len(again.Sent) != 3 || again.State != StateWaitingForRemoval {
		t.Fatalf("state regressed: %+v", again)
	}
	if len(f.out.sent) != 3 {
		t.Fatalf("re-sent: %d sends", len(f.out.sent))
	}
}

func TestNegativeLifetimeArchivesRightAfterSend(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	p := addApproved(t, f, []int64{10}, -1)

	f.svc.Sweep(ctx)

	if _, ok, _ := f.records.Get(ctx, p.Index); ok {
		t.Fatal("active record survived archival")
	}
	if f.archive.count() != 1 {
		t.Fatalf("archive = %d records, want 1", f.archive.count())
	}
	if got := f.archive.recs[0].Post.State; got != StateRemoved {
		t.Fatalf("archived state = %s, want removed", got)
	}
	if len(f.out.deleted) != 0 {
		t.Fatal("never-retract post issued deletes")
	}
}

func TestSendFailureDisablesApproval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.out.sendErr = map[int64]error{20: errors.New("chat not found")}
	ctx := context.Background()
	p := addApproved(t, f, []int64{10, 20}, 60)

	f.svc.Sweep(ctx)

	got, ok, _ := f.records.Get(ctx, p.Index)
	if !ok {
		t.Fatal("record vanished")
	}
	if got.State != StatePreparing {
		t.Fatalf("state = %s, want preparing", got.State)
	}
	if got.AllowedToSend {
		t.Fatal("approval survived a send failure")
	}
	if len(got.Sent) != 0 {
		t.Fatalf("sent recorded on failed publish: %+v", got.Sent)
	}
	// No auto-retry without fresh approval.
	f.svc.Sweep(ctx)
	if len(f.out.sent) != 1 {
		t.Fatalf("sends = %d after second sweep, want 1", len(f.out.sent))
	}
}

func TestEditResetsApproval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	p := addApproved(t, f, []int64{10}, 60)

	got, err := f.svc.SetPayload(ctx, p.Index, kit.Text("edited"))
	if err != nil {
		t.Fatalf("SetPayload: %v", err)
	}
	if got.AllowedToSend {
		t.Fatal("payload edit kept approval")
	}

	if _, err := f.svc.Approve(ctx, p.Index); err != nil {
		t.Fatal(err)
	}
	got, err = f.svc.SetChats(ctx, p.Index, []int64{10, 11})
	if err != nil || got.AllowedToSend {
		t.Fatalf("chat edit kept approval: %+v err=%v", got, err)
	}

	if _, err := f.svc.Approve(ctx, p.Index); err != nil {
		t.Fatal(err)
	}
	got, err = f.svc.SetSchedule(ctx, p.Index, time.Now().Add(time.Hour), 30)
	if err != nil || got.AllowedToSend {
		t.Fatalf("schedule edit kept approval: %+v err=%v", got, err)
	}
}

func TestLifetimeExpiryRetractsAndArchives(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixedEngagement{Engagement{Views: 7, Reactions: 2, Forwards: 1}})
	ctx := context.Background()
	p := addApproved(t, f, []int64{10, 20}, 0)

	f.svc.Sweep(ctx) // publish; lifetime 0 means due for retraction immediately
	f.svc.Sweep(ctx) // retract

	if _, ok, _ := f.records.Get(ctx, p.Index); ok {
		t.Fatal("active record survived retraction")
	}
	if f.archive.count() != 1 {
		t.Fatalf("archive = %d, want 1", f.archive.count())
	}
	if len(f.out.deleted) != 2 {
		t.Fatalf("deletes = %d, want 2", len(f.out.deleted))
	}
	arch := f.archive.recs[0].Post
	if arch.Sent[0].Views != 7 || arch.Sent[1].Reactions != 2 {
		t.Fatalf("engagement not recorded: %+v", arch.Sent)
	}

	// Cleanup of an already-removed record is a no-op.
	f.svc.Sweep(ctx)
	if f.archive.count() != 1 {
		t.Fatal("duplicate archive entry")
	}
}

func TestRetractToleratesPartialDeleteFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.out.deleteErr = map[int64]error{20: kit.ErrMessageGone}
	ctx := context.Background()
	p := addApproved(t, f, []int64{10, 20, 30}, 0)

	f.svc.Sweep(ctx)
	f.svc.Sweep(ctx)

	if _, ok, _ := f.records.Get(ctx, p.Index); ok {
		t.Fatal("partial delete failure blocked archival")
	}
	if len(f.out.deleted) != 2 {
		t.Fatalf("deletes = %d, want 2 successful", len(f.out.deleted))
	}
	if f.archive.count() != 1 {
		t.Fatalf("archive = %d", f.archive.count())
	}
}

func TestTerminateOnlyFromWaitingForRemoval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	p := addApproved(t, f, []int64{10}, 600)

	if err := f.svc.Terminate(ctx, p.Index); err == nil {
		t.Fatal("terminate allowed while preparing")
	}

	f.svc.Sweep(ctx)
	if err := f.svc.Terminate(ctx, p.Index); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if _, ok, _ := f.records.Get(ctx, p.Index); ok {
		t.Fatal("record survived termination")
	}
	if f.archive.count() != 1 {
		t.Fatalf("archive = %d", f.archive.count())
	}
}

func TestTerminateIsIdempotentAfterRemoval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	p := addApproved(t, f, []int64{10, 20}, 600)
	f.svc.Sweep(ctx)

	if err := f.svc.Terminate(ctx, p.Index); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := f.svc.Terminate(ctx, p.Index); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if f.archive.count() != 1 {
		t.Fatalf("archive = %d, want 1", f.archive.count())
	}
	if len(f.out.deleted) != 2 {
		t.Fatalf("deletes = %d, want 2", len(f.out.deleted))
	}
}

func TestUpdatePublishedEditsDeliveredCopies(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	ctx := context.Background()
	p := addApproved(t, f, []int64{10, 20}, 600)
	f.svc.Sweep(ctx)

	if err := f.svc.UpdatePublished(ctx, p.Index, kit.Text("fixed typo")); err != nil {
		t.Fatalf("UpdatePublished: %v", err)
	}
	if len(f.out.edited) != 2 {
		t.Fatalf("edits = %d, want 2", len(f.out.edited))
	}
	got, _, _ := f.records.Get(ctx, p.Index)
	if got.Payload.Text != "fixed typo" {
		t.Fatalf("payload = %q", got.Payload.Text)
	}
	if got.State != StateWaitingForRemoval {
		t.Fatalf("state changed by edit: %s", got.State)
	}
}

func TestAnalyticsReport(t *testing.T) {
	t.Parallel()
	f := newFixture(t, fixedEngagement{Engagement{Views: 5}})
	ctx := context.Background()
	p := addApproved(t, f, []int64{10}, 600)
	f.svc.Sweep(ctx)

	text, err := f.svc.AnalyticsReport(ctx, p.Index)
	if err != nil {
		t.Fatalf("AnalyticsReport: %v", err)
	}
	if text == "" {
		t.Fatal("empty report")
	}
}
