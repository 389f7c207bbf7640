package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coverlab/api/internal/config"
	"github.com/coverlab/api/internal/model"
	"github.com/coverlab/api/internal/store"
)

type submission struct {
	Kind     ModelKind
	Input    map[string]interface{}
	ID       string
	Callback string
}

type fakeGateway struct {
	mu          sync.Mutex
	submissions []submission
	fail        map[ModelKind]error
	onSubmit    func(kind ModelKind, id, callbackURL string)
}

func (g *fakeGateway) Submit(_ context.Context, kind ModelKind, input map[string]interface{}, callbackURL string) (string, error) {
	g.mu.Lock()
	if err := g.fail[kind]; err != nil {
		g.mu.Unlock()
		return "", err
	}
	id := fmt.Sprintf("pred-%d", len(g.submissions)+1)
	g.submissions = append(g.submissions, submission{Kind: kind, Input: input, ID: id, Callback: callbackURL})
	hook := g.onSubmit
	g.mu.Unlock()
	if hook != nil {
		hook(kind, id, callbackURL)
	}
	return id, nil
}

func (g *fakeGateway) count(kind ModelKind) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, s := range g.submissions {
		if s.Kind == kind {
			n++
		}
	}
	return n
}

type fakeCanceler struct {
	mu       sync.Mutex
	canceled []string
}

func (c *fakeCanceler) Cancel(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = append(c.canceled, id)
	return nil
}

type fakeStorage struct{}

func (fakeStorage) Put(_ context.Context, name string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty body")
	}
	return "https://cdn.test/" + name, nil
}

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	err   error
	wait  func() error
}

func (r *fakeResolver) Fetch(_ context.Context, _ model.SourceKind, _, _ string) ([]byte, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if r.wait != nil {
		if err := r.wait(); err != nil {
			return nil, err
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return []byte("ID3audio"), nil
}

type fakeStitcher struct {
	mu    sync.Mutex
	calls int
}

func (s *fakeStitcher) Stitch(_ context.Context, _, _, _ string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return []byte("mp4"), nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.JobEvent
}

func (n *recordingNotifier) Publish(_ context.Context, e model.JobEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
	return nil
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	t        *testing.T
	store    *store.Store
	orch     *Orchestrator
	gateway  *fakeGateway
	resolver *fakeResolver
	stitcher *fakeStitcher
	notifier *recordingNotifier
	canceler *fakeCanceler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "pipeline.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	h := &harness{
		t:        t,
		store:    store.New(db),
		gateway:  &fakeGateway{},
		resolver: &fakeResolver{},
		stitcher: &fakeStitcher{},
		notifier: &recordingNotifier{},
		canceler: &fakeCanceler{},
	}
	h.orch = NewOrchestrator(h.store, WithNotifier(h.notifier), WithCanceler(h.canceler))
	RegisterStages(h.orch, StageDeps{
		Gateway:     h.gateway,
		Storage:     fakeStorage{},
		Resolver:    h.resolver,
		Stitcher:    h.stitcher,
		Artifacts:   h.store,
		CallbackURL: "http://localhost/webhooks/replicate?secret=x",
	})
	return h
}

func (h *harness) newJob() *model.Job {
	h.t.Helper()
	job := &model.Job{
		ID:         uuid.New().String(),
		SourceKind: model.SourceKindLink,
		SourceURL:  "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
		Character:  "squidward",
		Status:     model.JobStatusExtractingAudio,
	}
	require.NoError(h.t, h.store.CreateJob(context.Background(), job))
	return job
}

func (h *harness) job(id string) *model.Job {
	h.t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(h.t, err)
	return job
}

func (h *harness) correlation(jobID string, typ model.ArtifactType) string {
	h.t.Helper()
	a := model.FindArtifact(h.job(jobID).Artifacts, typ)
	require.NotNil(h.t, a, "artifact %s not claimed", typ)
	require.NotNil(h.t, a.CorrelationID, "artifact %s has no correlation id", typ)
	return *a.CorrelationID
}

func (h *harness) succeed(jobID string, typ model.ArtifactType) (Outcome, error) {
	h.t.Helper()
	out, _ := json.Marshal([]string{fmt.Sprintf("https://replicate.test/%s/%s", jobID, typ)})
	predict := 4.2
	return h.orch.OnExternalResult(context.Background(), ExternalResult{
		CorrelationID: h.correlation(jobID, typ),
		Status:        "succeeded",
		Output:        out,
		PredictTime:   &predict,
	})
}

func TestStartRunsRootsConcurrently(t *testing.T) {
	h := newHarness(t)

	portraitSubmitted := make(chan struct{})
	var once sync.Once
	h.gateway.onSubmit = func(kind ModelKind, _, _ string) {
		if kind == ModelPortrait {
			once.Do(func() { close(portraitSubmitted) })
		}
	}
	h.resolver.wait = func() error {
		select {
		case <-portraitSubmitted:
			return nil
		case <-time.After(5 * time.Second):
			return errors.New("portrait was not submitted while extracting")
		}
	}

	job := h.newJob()
	require.NoError(t, h.orch.Start(context.Background(), job.ID))

	got := h.job(job.ID)
	assert.Equal(t, model.JobStatusGeneratingPortrait, got.Status)
	assert.Equal(t, 20, got.Progress)
	assert.Equal(t, 1, h.gateway.count(ModelPortrait))
	assert.Equal(t, 2, h.gateway.count(ModelVoiceClone))
	assert.Equal(t, 0, h.gateway.count(ModelLipSync))

	src := model.FindArtifact(got.Artifacts, model.ArtifactSourceAudio)
	require.NotNil(t, src)
	assert.Equal(t, fmt.Sprintf("https://cdn.test/%s/audio.mp3", job.ID), src.Location)
}

func TestAnimateWaitsForBothInputs(t *testing.T) {
	h := newHarness(t)
	job := h.newJob()
	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx, job.ID))

	outcome, err := h.succeed(job.ID, model.ArtifactPortrait)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)
	assert.Equal(t, 0, h.gateway.count(ModelLipSync))
	assert.Nil(t, model.FindArtifact(h.job(job.ID).Artifacts, model.ArtifactAnimatedVideo))

	_, err = h.succeed(job.ID, model.ArtifactVocalsIsolated)
	require.NoError(t, err)
	assert.Equal(t, 1, h.gateway.count(ModelLipSync))

	got := h.job(job.ID)
	assert.Equal(t, 50, got.Progress)
	assert.Equal(t, model.JobStatusCloningVoiceFull, got.Status)
}

func TestFailureCallbackStopsPipeline(t *testing.T) {
	h := newHarness(t)
	job := h.newJob()
	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx, job.ID))

	outcome, err := h.orch.OnExternalResult(ctx, ExternalResult{
		CorrelationID: h.correlation(job.ID, model.ArtifactVocalsFullMix),
		Status:        "failed",
		Error:         "CUDA out of memory",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)

	got := h.job(job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "clone-voice-full")
	assert.Contains(t, *got.ErrorMessage, "CUDA out of memory")

	// Late successes are recorded but never move the job forward.
	_, err = h.succeed(job.ID, model.ArtifactPortrait)
	require.NoError(t, err)
	_, err = h.succeed(job.ID, model.ArtifactVocalsIsolated)
	require.NoError(t, err)

	got = h.job(job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Equal(t, 0, h.gateway.count(ModelLipSync))
	assert.Equal(t, 0, h.stitcher.calls)
	assert.Nil(t, model.FindArtifact(got.Artifacts, model.ArtifactFinalVideo))
}

func TestFailureCallbackWithoutMessage(t *testing.T) {
	h := newHarness(t)
	job := h.newJob()
	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx, job.ID))

	_, err := h.orch.OnExternalResult(ctx, ExternalResult{
		CorrelationID: h.correlation(job.ID, model.ArtifactPortrait),
		Status:        "canceled",
	})
	require.NoError(t, err)

	got := h.job(job.ID)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "generate-portrait failed: Processing failed at portrait stage", *got.ErrorMessage)
}

func TestDuplicateCallbackIsNoop(t *testing.T) {
	h := newHarness(t)
	job := h.newJob()
	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx, job.ID))

	_, err := h.succeed(job.ID, model.ArtifactPortrait)
	require.NoError(t, err)
	before := h.job(job.ID)

	outcome, err := h.succeed(job.ID, model.ArtifactPortrait)
	assert.ErrorIs(t, err, ErrDuplicateCallback)
	assert.Equal(t, OutcomeIgnored, outcome)

	after := h.job(job.ID)
	assert.Equal(t, before.Progress, after.Progress)
	assert.Equal(t, model.ReadySet(before.Artifacts), model.ReadySet(after.Artifacts))

	_, err = h.succeed(job.ID, model.ArtifactVocalsIsolated)
	require.NoError(t, err)
	_, err = h.succeed(job.ID, model.ArtifactPortrait)
	assert.ErrorIs(t, err, ErrDuplicateCallback)
	assert.Equal(t, 1, h.gateway.count(ModelLipSync))
}

func TestCallbackBeforeSubmitReturns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var (
		outcome    Outcome
		cbErr      error
		portraitID string
	)
	h.gateway.onSubmit = func(kind ModelKind, id, callbackURL string) {
		if kind != ModelPortrait {
			return
		}
		portraitID = id
		u, err := url.Parse(callbackURL)
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "x", u.Query().Get("secret"))

		out, _ := json.Marshal("https://replicate.test/portrait.png")
		outcome, cbErr = h.orch.OnExternalResult(ctx, ExternalResult{
			CorrelationID: id,
			ArtifactID:    u.Query().Get("artifact"),
			Status:        "succeeded",
			Output:        out,
		})
	}

	job := h.newJob()
	require.NoError(t, h.orch.Start(ctx, job.ID))
	require.NoError(t, cbErr)
	assert.Equal(t, OutcomeAccepted, outcome)

	got := h.job(job.ID)
	portrait := model.FindArtifact(got.Artifacts, model.ArtifactPortrait)
	require.NotNil(t, portrait)
	assert.Equal(t, "https://replicate.test/portrait.png", portrait.Location)
	require.NotNil(t, portrait.CorrelationID)
	assert.Equal(t, portraitID, *portrait.CorrelationID)
	assert.Equal(t, 35, got.Progress)
	assert.False(t, got.Status.IsTerminal())

	_, err := h.succeed(job.ID, model.ArtifactPortrait)
	assert.ErrorIs(t, err, ErrDuplicateCallback)
}

func TestArtifactFallbackRejectsOtherCorrelation(t *testing.T) {
	h := newHarness(t)
	job := h.newJob()
	require.NoError(t, h.orch.Start(context.Background(), job.ID))

	portrait := model.FindArtifact(h.job(job.ID).Artifacts, model.ArtifactPortrait)
	require.NotNil(t, portrait)

	_, err := h.orch.OnExternalResult(context.Background(), ExternalResult{
		CorrelationID: "stale-prediction",
		ArtifactID:    portrait.ID,
		Status:        "succeeded",
		Output:        json.RawMessage(`"https://replicate.test/old.png"`),
	})
	assert.ErrorIs(t, err, ErrUnknownCorrelation)
	assert.False(t, model.FindArtifact(h.job(job.ID).Artifacts, model.ArtifactPortrait).Ready())

	_, err = h.orch.OnExternalResult(context.Background(), ExternalResult{
		CorrelationID: "nope",
		ArtifactID:    uuid.New().String(),
		Status:        "succeeded",
	})
	assert.ErrorIs(t, err, ErrUnknownCorrelation)
}

func TestUnknownCorrelation(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.OnExternalResult(context.Background(), ExternalResult{CorrelationID: "nope", Status: "succeeded"})
	assert.ErrorIs(t, err, ErrUnknownCorrelation)

	_, err = h.orch.OnExternalResult(context.Background(), ExternalResult{Status: "succeeded"})
	assert.ErrorIs(t, err, ErrUnknownCorrelation)
}

func TestIntermediateStatusIgnored(t *testing.T) {
	h := newHarness(t)
	job := h.newJob()
	require.NoError(t, h.orch.Start(context.Background(), job.ID))

	outcome, err := h.orch.OnExternalResult(context.Background(), ExternalResult{
		CorrelationID: h.correlation(job.ID, model.ArtifactPortrait),
		Status:        "processing",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.False(t, model.FindArtifact(h.job(job.ID).Artifacts, model.ArtifactPortrait).Ready())
}

func TestFinalizeCompletesJob(t *testing.T) {
	h := newHarness(t)
	job := h.newJob()
	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx, job.ID))

	for _, typ := range []model.ArtifactType{model.ArtifactPortrait, model.ArtifactVocalsIsolated, model.ArtifactVocalsFullMix} {
		_, err := h.succeed(job.ID, typ)
		require.NoError(t, err)
	}
	assert.Equal(t, 0, h.stitcher.calls)

	_, err := h.succeed(job.ID, model.ArtifactAnimatedVideo)
	require.NoError(t, err)

	got := h.job(job.ID)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.VideoURL)
	require.NotNil(t, got.ThumbnailURL)
	assert.Equal(t, fmt.Sprintf("https://cdn.test/%s/final.mp4", job.ID), *got.VideoURL)
	assert.Equal(t, fmt.Sprintf("https://replicate.test/%s/portrait", job.ID), *got.ThumbnailURL)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, 1, h.stitcher.calls)

	// Replaying advance on a finished job does nothing.
	require.NoError(t, h.orch.Advance(ctx, job.ID, model.ArtifactAnimatedVideo))
	assert.Equal(t, 1, h.stitcher.calls)
	assert.Contains(t, h.notifier.types(), model.WSMessageTypeComplete)
}

func TestArrivalOrderDoesNotMatter(t *testing.T) {
	orders := [][]model.ArtifactType{
		{model.ArtifactPortrait, model.ArtifactVocalsFullMix, model.ArtifactVocalsIsolated},
		{model.ArtifactPortrait, model.ArtifactVocalsIsolated, model.ArtifactVocalsFullMix},
		{model.ArtifactVocalsFullMix, model.ArtifactPortrait, model.ArtifactVocalsIsolated},
		{model.ArtifactVocalsFullMix, model.ArtifactVocalsIsolated, model.ArtifactPortrait},
		{model.ArtifactVocalsIsolated, model.ArtifactPortrait, model.ArtifactVocalsFullMix},
		{model.ArtifactVocalsIsolated, model.ArtifactVocalsFullMix, model.ArtifactPortrait},
	}

	for _, order := range orders {
		t.Run(fmt.Sprint(order), func(t *testing.T) {
			h := newHarness(t)
			job := h.newJob()
			require.NoError(t, h.orch.Start(context.Background(), job.ID))

			last := 0
			for _, typ := range order {
				_, err := h.succeed(job.ID, typ)
				require.NoError(t, err)
				p := h.job(job.ID).Progress
				assert.GreaterOrEqual(t, p, last)
				last = p
			}
			assert.Equal(t, 70, last)
			assert.Equal(t, 1, h.gateway.count(ModelLipSync))

			_, err := h.succeed(job.ID, model.ArtifactAnimatedVideo)
			require.NoError(t, err)

			got := h.job(job.ID)
			assert.Equal(t, model.JobStatusCompleted, got.Status)
			assert.Equal(t, 100, got.Progress)
			assert.Equal(t, 1, h.stitcher.calls)
		})
	}
}

func TestConcurrentAdvanceClaimsOnce(t *testing.T) {
	h := newHarness(t)
	job := h.newJob()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.orch.Start(ctx, job.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.resolver.calls)
	assert.Equal(t, 1, h.gateway.count(ModelPortrait))
	assert.Equal(t, 2, h.gateway.count(ModelVoiceClone))

	_, err := h.succeed(job.ID, model.ArtifactPortrait)
	require.NoError(t, err)
	_, err = h.succeed(job.ID, model.ArtifactVocalsIsolated)
	require.NoError(t, err)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.orch.Advance(ctx, job.ID, model.ArtifactVocalsIsolated)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, h.gateway.count(ModelLipSync))
	assert.Equal(t, model.JobStatusCloningVoiceFull, h.job(job.ID).Status)
}

func TestSubmissionErrorFailsJob(t *testing.T) {
	h := newHarness(t)
	h.gateway.fail = map[ModelKind]error{ModelPortrait: errors.New("402 payment required")}
	job := h.newJob()
	require.NoError(t, h.orch.Start(context.Background(), job.ID))

	got := h.job(job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "generate-portrait failed")
	assert.Contains(t, *got.ErrorMessage, "402 payment required")
}

func TestExtractErrorFailsJob(t *testing.T) {
	h := newHarness(t)
	h.resolver.err = errors.New("video unavailable")
	job := h.newJob()
	require.NoError(t, h.orch.Start(context.Background(), job.ID))

	got := h.job(job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "extract-audio failed")
	assert.Equal(t, 0, h.gateway.count(ModelVoiceClone))
}

type panickingExecutor struct{}

func (panickingExecutor) Execute(context.Context, *model.Job, []model.Artifact) error {
	panic("boom")
}

func TestStagePanicIsContained(t *testing.T) {
	h := newHarness(t)
	h.orch.Register(StageGeneratePortrait, panickingExecutor{})

	broken := h.newJob()
	require.NotPanics(t, func() {
		require.NoError(t, h.orch.Start(context.Background(), broken.ID))
	})
	got := h.job(broken.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "boom")

	// Other jobs are unaffected.
	h.orch.Register(StageGeneratePortrait, newAsyncStage(StageGeneratePortrait, ModelPortrait, StageDeps{
		Gateway:   h.gateway,
		Artifacts: h.store,
	}, portraitInput))
	healthy := h.newJob()
	require.NoError(t, h.orch.Start(context.Background(), healthy.ID))
	assert.Equal(t, model.JobStatusGeneratingPortrait, h.job(healthy.ID).Status)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	job := h.newJob()
	ctx := context.Background()
	require.NoError(t, h.orch.Start(ctx, job.ID))
	_, err := h.succeed(job.ID, model.ArtifactPortrait)
	require.NoError(t, err)

	ok, err := h.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	got := h.job(job.ID)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "canceled by user", *got.ErrorMessage)
	assert.ElementsMatch(t, []string{
		h.correlation(job.ID, model.ArtifactVocalsFullMix),
		h.correlation(job.ID, model.ArtifactVocalsIsolated),
	}, h.canceler.canceled)

	ok, err = h.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = h.succeed(job.ID, model.ArtifactVocalsIsolated)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, h.job(job.ID).Status)
	assert.Equal(t, 0, h.gateway.count(ModelLipSync))
}

type recordingQueue struct {
	mu         sync.Mutex
	stages     []StageID
	requeued   []StageID
	requeueErr map[StageID]error
}

func (q *recordingQueue) RequeueStage(_ context.Context, _ string, stage StageID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.requeueErr[stage]; err != nil {
		return err
	}
	q.requeued = append(q.requeued, stage)
	return nil
}

func (q *recordingQueue) EnqueueStage(_ context.Context, _ string, stage StageID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stages = append(q.stages, stage)
	return nil
}

func TestQueueDispatch(t *testing.T) {
	h := newHarness(t)
	q := &recordingQueue{}
	h.orch.queue = q

	job := h.newJob()
	require.NoError(t, h.orch.Start(context.Background(), job.ID))
	assert.ElementsMatch(t, []StageID{StageExtractAudio, StageGeneratePortrait}, q.stages)
	assert.Equal(t, 0, h.resolver.calls)

	got := h.job(job.ID)
	assert.Equal(t, model.JobStatusExtractingAudio, got.Status)
	assert.Len(t, got.Artifacts, 2)

	// The worker side runs the stage by id.
	h.orch.RunStage(context.Background(), job.ID, StageExtractAudio)
	assert.Equal(t, 1, h.resolver.calls)
	assert.ElementsMatch(t, []StageID{
		StageExtractAudio, StageGeneratePortrait, StageCloneVoiceFull, StageCloneVoiceIsolated,
	}, q.stages)
}

func TestVoiceInputs(t *testing.T) {
	artifacts := []model.Artifact{{Type: model.ArtifactSourceAudio, Location: "https://cdn.test/a.mp3"}}
	job := &model.Job{Character: "squidward"}

	full, err := voiceInput(false)(job, artifacts)
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.test/a.mp3", full["song_input"])
	assert.Equal(t, "Squidward", full["rvc_model"])
	assert.Equal(t, 0, full["instrumental_volume_change"])

	isolated, err := voiceInput(true)(job, artifacts)
	require.NoError(t, err)
	assert.Equal(t, -20, isolated["instrumental_volume_change"])
	assert.Equal(t, -20, isolated["backup_vocals_volume_change"])

	_, err = voiceInput(true)(job, nil)
	var missing *MissingDependencyError
	assert.ErrorAs(t, err, &missing)

	_, err = voiceInput(false)(&model.Job{Character: "drake"}, artifacts)
	assert.Error(t, err)
}

func TestPortraitPrompt(t *testing.T) {
	in, err := portraitInput(&model.Job{Character: "squidward"}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultPortraitPrompt, in["prompt"])

	prompt := "squidward on stage with a clarinet"
	in, err = portraitInput(&model.Job{Character: "squidward", Prompt: &prompt}, nil)
	require.NoError(t, err)
	assert.Equal(t, prompt, in["prompt"])
}

func TestResumeRequeuesLostStages(t *testing.T) {
	h := newHarness(t)
	q := &recordingQueue{}
	h.orch.queue = q
	ctx := context.Background()

	job := h.newJob()
	require.NoError(t, h.orch.Start(ctx, job.ID))
	assert.ElementsMatch(t, []StageID{StageExtractAudio, StageGeneratePortrait}, q.stages)

	// Both tasks were lost before running: nothing was produced or submitted.
	stages, err := h.orch.Resume(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, []StageID{StageExtractAudio, StageGeneratePortrait}, stages)
	assert.Equal(t, stages, q.requeued)
	assert.ElementsMatch(t, []StageID{StageExtractAudio, StageGeneratePortrait}, q.stages)

	// A stage whose task is still held by the queue is reported, and the job
	// keeps running.
	q.requeued = nil
	q.requeueErr = map[StageID]error{StageExtractAudio: errors.New("stage task already exists")}
	stages, err = h.orch.Resume(ctx, job.ID)
	assert.ErrorContains(t, err, "stage task already exists")
	assert.Equal(t, []StageID{StageGeneratePortrait}, stages)
	assert.False(t, h.job(job.ID).Status.IsTerminal())
}
