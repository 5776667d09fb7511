package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/common"
	"github.com/dubplane/dubplane/state"
)

// scriptedBackend hands out a fixed list of claims, then reports idle.
type scriptedBackend struct {
	mu       sync.Mutex
	claims   []ClaimedJob
	requeue  map[common.JobID]bool // AfterJobRun answer per job
	canceled map[common.JobID]bool
	finished []common.JobState
	done     chan struct{} // closed when the last claim finished
	pending  int
}

func newScriptedBackend(claims ...ClaimedJob) *scriptedBackend {
	return &scriptedBackend{
		claims:   claims,
		requeue:  make(map[common.JobID]bool),
		canceled: make(map[common.JobID]bool),
		done:     make(chan struct{}),
		pending:  len(claims),
	}
}

func (b *scriptedBackend) SubmitJob(SubmitParams) error { return nil }

func (b *scriptedBackend) CancelJob(id common.JobID, _ string) error {
	b.mu.Lock()
	b.canceled[id] = true
	b.mu.Unlock()
	return nil
}

func (b *scriptedBackend) BeforeJobRun(common.JobID, string) bool   { return true }
func (b *scriptedBackend) UserCounts(string) (common.Counts, error) { return common.Counts{}, nil }
func (b *scriptedBackend) GlobalCounts() (common.Counts, error)     { return common.Counts{}, nil }
func (b *scriptedBackend) AdminSnapshot(int) (*common.QueueSnapshot, error) {
	return &common.QueueSnapshot{}, nil
}
func (b *scriptedBackend) AdminSetPriority(common.JobID, int64) error    { return nil }
func (b *scriptedBackend) AdminSetUserQuotas(string, int64, int64) error { return nil }
func (b *scriptedBackend) Status() common.QueueStatus                    { return common.QueueStatus{} }
func (b *scriptedBackend) Run(context.Context)                           {}

func (b *scriptedBackend) CancelRequested(id common.JobID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.canceled[id]
}

func (b *scriptedBackend) Claim() (ClaimedJob, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.claims) == 0 {
		return ClaimedJob{}, false, nil
	}
	c := b.claims[0]
	b.claims = b.claims[1:]
	return c, true, nil
}

func (b *scriptedBackend) AfterJobRun(id common.JobID, _ string, finalState common.JobState, _ bool, _ string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finished = append(b.finished, finalState)
	b.pending--
	if b.pending == 0 {
		close(b.done)
	}
	return b.requeue[id]
}

type fakePipeline struct {
	run func(ctx context.Context, job *common.Job, progress func(common.ProgressEvent)) error
}

func (p *fakePipeline) Run(ctx context.Context, job *common.Job, progress func(common.ProgressEvent)) error {
	return p.run(ctx, job, progress)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []common.ProgressEvent
}

func (n *recordingNotifier) Publish(ev common.ProgressEvent) {
	n.mu.Lock()
	n.events = append(n.events, ev)
	n.mu.Unlock()
}

func (n *recordingNotifier) last() (common.ProgressEvent, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return common.ProgressEvent{}, false
	}
	return n.events[len(n.events)-1], true
}

func openTestStore(t *testing.T) *state.Store {
	t.Helper()
	store, err := state.Open(t.TempDir(), common.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedQueuedJob(t *testing.T, store *state.Store, owner string) *common.Job {
	t.Helper()
	job := queuedJob(owner, 1)
	require.NoError(t, store.PutJob(job))
	return job
}

func runExecutor(t *testing.T, backend *scriptedBackend, store *state.Store, pipeline Pipeline, notifier Notifier) {
	t.Helper()
	lcm := common.NewLifecycleMgr(time.Second, common.NopLogger{})
	exec := NewExecutor(backend, store, pipeline, notifier, lcm, common.NopLogger{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		exec.Run(ctx)
		close(finished)
	}()

	select {
	case <-backend.done:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not drain the scripted claims")
	}
	cancel()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("executor did not stop after cancel")
	}
}

func TestExecutorSuccessPath(t *testing.T) {
	a := assert.New(t)
	store := openTestStore(t)
	job := seedQueuedJob(t, store, "alice")

	backend := newScriptedBackend(ClaimedJob{JobID: job.ID, UserID: job.OwnerID})
	notifier := &recordingNotifier{}
	pipeline := &fakePipeline{run: func(ctx context.Context, j *common.Job, progress func(common.ProgressEvent)) error {
		progress(common.ProgressEvent{Progress: 0.5, Message: "synthesizing"})
		return nil
	}}
	runExecutor(t, backend, store, pipeline, notifier)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	a.Equal(common.EJobState.Done(), got.State)
	a.Equal(float64(1), got.Progress)
	a.Equal("completed", got.Message)
	a.Empty(got.Error)

	last, ok := notifier.last()
	require.True(t, ok)
	a.Equal(common.EJobState.Done(), last.State)
	a.Equal(float64(1), last.Progress)
}

func TestExecutorFailureRequeues(t *testing.T) {
	a := assert.New(t)
	store := openTestStore(t)
	job := seedQueuedJob(t, store, "alice")

	backend := newScriptedBackend(ClaimedJob{JobID: job.ID, UserID: job.OwnerID})
	backend.requeue[job.ID] = true
	pipeline := &fakePipeline{run: func(context.Context, *common.Job, func(common.ProgressEvent)) error {
		return errors.New("tts stage crashed")
	}}
	notifier := &recordingNotifier{}
	runExecutor(t, backend, store, pipeline, notifier)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	a.Equal(common.EJobState.Queued(), got.State, "a re-queued failure goes back to QUEUED")
	a.Equal("retrying after failure", got.Message)
	a.Equal("tts stage crashed", got.Error)

	last, _ := notifier.last()
	a.NotEqual(common.EJobState.Failed(), last.State, "re-queued runs publish no terminal event")
}

func TestExecutorFailureExhaustedGoesFailed(t *testing.T) {
	a := assert.New(t)
	store := openTestStore(t)
	job := seedQueuedJob(t, store, "alice")

	backend := newScriptedBackend(ClaimedJob{JobID: job.ID, UserID: job.OwnerID})
	pipeline := &fakePipeline{run: func(context.Context, *common.Job, func(common.ProgressEvent)) error {
		return errors.New("out of retries")
	}}
	runExecutor(t, backend, store, pipeline, nil)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	a.Equal(common.EJobState.Failed(), got.State)
	a.Equal("out of retries", got.Error)
	require.Len(t, backend.finished, 1)
	a.Equal(common.EJobState.Failed(), backend.finished[0])
}

func TestExecutorStoreCancellationWins(t *testing.T) {
	a := assert.New(t)
	store := openTestStore(t)
	job := seedQueuedJob(t, store, "alice")

	backend := newScriptedBackend(ClaimedJob{JobID: job.ID, UserID: job.OwnerID})
	pipeline := &fakePipeline{run: func(ctx context.Context, j *common.Job, progress func(common.ProgressEvent)) error {
		// a concurrent cancel flips the record while the pipeline works
		if err := store.MarkJobCanceled(j.ID, "user canceled"); err != nil {
			return err
		}
		return errors.New("interrupted")
	}}
	runExecutor(t, backend, store, pipeline, nil)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	a.Equal(common.EJobState.Canceled(), got.State)
	require.Len(t, backend.finished, 1)
	a.Equal(common.EJobState.Canceled(), backend.finished[0], "the store record decides the terminal state")
}

func TestExecutorProgressThrottle(t *testing.T) {
	a := assert.New(t)
	store := openTestStore(t)
	job := seedQueuedJob(t, store, "alice")

	backend := newScriptedBackend(ClaimedJob{JobID: job.ID, UserID: job.OwnerID})
	notifier := &recordingNotifier{}
	pipeline := &fakePipeline{run: func(ctx context.Context, j *common.Job, progress func(common.ProgressEvent)) error {
		for i := 1; i <= 100; i++ {
			progress(common.ProgressEvent{Progress: float64(i) / 200})
		}
		progress(common.ProgressEvent{Progress: 1, Message: "finalizing"})
		return nil
	}}
	runExecutor(t, backend, store, pipeline, notifier)

	notifier.mu.Lock()
	count := len(notifier.events)
	notifier.mu.Unlock()
	// started + at most a few rate-limited updates + the flushed 1.0 event
	// + the terminal DONE event; nowhere near the 101 calls made
	a.Less(count, 10, "intermediate progress is rate limited")

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	a.Equal(common.EJobState.Done(), got.State)
}
