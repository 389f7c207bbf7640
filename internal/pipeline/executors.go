package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/coverlab/api/internal/model"
)

// ModelKind selects which inference model a submission targets.
type ModelKind string

const (
	ModelPortrait   ModelKind = "portrait"
	ModelVoiceClone ModelKind = "voice-clone"
	ModelLipSync    ModelKind = "lip-sync"
)

// Gateway submits asynchronous generation work. The returned correlation id
// comes back on the callback for that work.
type Gateway interface {
	Submit(ctx context.Context, kind ModelKind, input map[string]interface{}, callbackURL string) (string, error)
}

// Storage persists produced assets and returns a location the gateway can
// fetch.
type Storage interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// AudioResolver turns a job's source reference into raw audio bytes.
type AudioResolver interface {
	Fetch(ctx context.Context, kind model.SourceKind, ref, jobID string) ([]byte, error)
}

// Stitcher muxes the animated video with the full mix into the final file.
type Stitcher interface {
	Stitch(ctx context.Context, videoURL, audioURL, jobID string) ([]byte, error)
}

// ArtifactWriter is the part of the store stages write through.
type ArtifactWriter interface {
	SetCorrelation(ctx context.Context, artifactID, correlationID string) error
	PopulateArtifact(ctx context.Context, artifactID, location string, metadata map[string]interface{}) (bool, error)
}

// StageDeps are the collaborators needed to build the default stages.
type StageDeps struct {
	Gateway     Gateway
	Storage     Storage
	Resolver    AudioResolver
	Stitcher    Stitcher
	Artifacts   ArtifactWriter
	CallbackURL string
}

// RegisterStages binds the six default executors to o.
func RegisterStages(o *Orchestrator, d StageDeps) {
	o.Register(StageExtractAudio, &extractAudioStage{resolver: d.Resolver, storage: d.Storage, artifacts: d.Artifacts, next: o})
	o.Register(StageGeneratePortrait, newAsyncStage(StageGeneratePortrait, ModelPortrait, d, portraitInput))
	o.Register(StageCloneVoiceFull, newAsyncStage(StageCloneVoiceFull, ModelVoiceClone, d, voiceInput(false)))
	o.Register(StageCloneVoiceIsolated, newAsyncStage(StageCloneVoiceIsolated, ModelVoiceClone, d, voiceInput(true)))
	o.Register(StageAnimate, newAsyncStage(StageAnimate, ModelLipSync, d, animateInput))
	o.Register(StageFinalize, &finalizeStage{stitcher: d.Stitcher, storage: d.Storage, artifacts: d.Artifacts, next: o})
}

// requireReady returns the ready artifacts of the given types, or a
// MissingDependencyError for the first one absent.
func requireReady(stage StageID, artifacts []model.Artifact, types ...model.ArtifactType) (map[model.ArtifactType]*model.Artifact, error) {
	out := make(map[model.ArtifactType]*model.Artifact, len(types))
	for _, t := range types {
		a := model.FindArtifact(artifacts, t)
		if a == nil || !a.Ready() {
			return nil, &MissingDependencyError{Stage: stage, Type: t}
		}
		out[t] = a
	}
	return out, nil
}

// placeholder returns the pending artifact the orchestrator claimed for the
// stage's output.
func placeholder(stage Stage, artifacts []model.Artifact) (*model.Artifact, error) {
	a := model.FindArtifact(artifacts, stage.Output)
	if a == nil {
		return nil, fmt.Errorf("no claimed %s artifact", stage.Output)
	}
	if a.Ready() {
		return nil, fmt.Errorf("%s artifact already populated", stage.Output)
	}
	return a, nil
}

type inputFunc func(job *model.Job, artifacts []model.Artifact) (map[string]interface{}, error)

// asyncStage submits work to the gateway and records the correlation id on
// its placeholder. The callback path advances the job later.
type asyncStage struct {
	stage       Stage
	kind        ModelKind
	gateway     Gateway
	artifacts   ArtifactWriter
	callbackURL string
	input       inputFunc
}

func newAsyncStage(id StageID, kind ModelKind, d StageDeps, input inputFunc) *asyncStage {
	stage, _ := LookupStage(id)
	return &asyncStage{
		stage:       stage,
		kind:        kind,
		gateway:     d.Gateway,
		artifacts:   d.Artifacts,
		callbackURL: d.CallbackURL,
		input:       input,
	}
}

func (s *asyncStage) Execute(ctx context.Context, job *model.Job, artifacts []model.Artifact) error {
	if _, err := requireReady(s.stage.ID, artifacts, s.stage.Requires...); err != nil {
		return err
	}
	pending, err := placeholder(s.stage, artifacts)
	if err != nil {
		return err
	}
	input, err := s.input(job, artifacts)
	if err != nil {
		return err
	}

	correlationID, err := s.gateway.Submit(ctx, s.kind, input, callbackTarget(s.callbackURL, pending.ID))
	if err != nil {
		return &GatewaySubmissionError{Kind: s.kind, Err: err}
	}
	if correlationID == "" {
		return &GatewaySubmissionError{Kind: s.kind, Err: fmt.Errorf("empty prediction id")}
	}

	if err := s.artifacts.SetCorrelation(ctx, pending.ID, correlationID); err != nil {
		return fmt.Errorf("failed to record correlation id: %w", err)
	}
	return nil
}

// callbackTarget tags the callback URL with the placeholder id, so a result
// that beats SetCorrelation can still be matched.
func callbackTarget(base, artifactID string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("artifact", artifactID)
	u.RawQuery = q.Encode()
	return u.String()
}

func portraitInput(job *model.Job, _ []model.Artifact) (map[string]interface{}, error) {
	prompt := model.DefaultPortraitPrompt
	if c, ok := model.LookupCharacter(job.Character); ok && c.PortraitPrompt != "" {
		prompt = c.PortraitPrompt
	}
	if job.Prompt != nil && *job.Prompt != "" {
		prompt = *job.Prompt
	}
	return map[string]interface{}{
		"prompt":        prompt,
		"aspect_ratio":  "1:1",
		"output_format": "png",
		"num_outputs":   1,
	}, nil
}

func voiceInput(isolated bool) inputFunc {
	stage := StageCloneVoiceFull
	if isolated {
		stage = StageCloneVoiceIsolated
	}
	return func(job *model.Job, artifacts []model.Artifact) (map[string]interface{}, error) {
		deps, err := requireReady(stage, artifacts, model.ArtifactSourceAudio)
		if err != nil {
			return nil, err
		}
		character, ok := model.LookupCharacter(job.Character)
		if !ok || character.VoiceModel == "" {
			return nil, fmt.Errorf("no voice model for character %q", job.Character)
		}

		backing := 0
		if isolated {
			backing = -20
		}
		return map[string]interface{}{
			"song_input":                  deps[model.ArtifactSourceAudio].Location,
			"rvc_model":                   character.VoiceModel,
			"pitch_change":                "no-change",
			"pitch_detection_algorithm":   "rmvpe",
			"main_vocals_volume_change":   0,
			"backup_vocals_volume_change": backing,
			"instrumental_volume_change":  backing,
			"output_format":               "mp3",
		}, nil
	}
}

func animateInput(_ *model.Job, artifacts []model.Artifact) (map[string]interface{}, error) {
	deps, err := requireReady(StageAnimate, artifacts, model.ArtifactPortrait, model.ArtifactVocalsIsolated)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"source_image":  deps[model.ArtifactPortrait].Location,
		"driven_audio":  deps[model.ArtifactVocalsIsolated].Location,
		"preprocess":    "crop",
		"still":         false,
		"result_format": ".mp4",
	}, nil
}

// extractAudioStage resolves the source audio, stores it and advances the
// job itself since no callback follows.
type extractAudioStage struct {
	resolver  AudioResolver
	storage   Storage
	artifacts ArtifactWriter
	next      Advancer
}

func (s *extractAudioStage) Execute(ctx context.Context, job *model.Job, artifacts []model.Artifact) error {
	stage, _ := LookupStage(StageExtractAudio)
	pending, err := placeholder(stage, artifacts)
	if err != nil {
		return err
	}

	started := time.Now()
	data, err := s.resolver.Fetch(ctx, job.SourceKind, job.SourceURL, job.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch source audio: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("source audio is empty")
	}

	name := fmt.Sprintf("%s/audio.mp3", model.SanitizeJobID(job.ID))
	location, err := s.storage.Put(ctx, name, data)
	if err != nil {
		return &StorageError{Name: name, Err: err}
	}

	ok, err := s.artifacts.PopulateArtifact(ctx, pending.ID, location, map[string]interface{}{
		"bytes":          len(data),
		"source":         string(job.SourceKind),
		"processingTime": time.Since(started).Seconds(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return s.next.Advance(ctx, job.ID, stage.Output)
}

// finalizeStage stitches the animation with the full mix, stores the result
// and completes the job.
type finalizeStage struct {
	stitcher  Stitcher
	storage   Storage
	artifacts ArtifactWriter
	next      Advancer
}

func (s *finalizeStage) Execute(ctx context.Context, job *model.Job, artifacts []model.Artifact) error {
	stage, _ := LookupStage(StageFinalize)
	deps, err := requireReady(stage.ID, artifacts, stage.Requires...)
	if err != nil {
		return err
	}
	pending, err := placeholder(stage, artifacts)
	if err != nil {
		return err
	}

	video := deps[model.ArtifactAnimatedVideo].Location
	started := time.Now()
	data, err := s.stitcher.Stitch(ctx, video, deps[model.ArtifactVocalsFullMix].Location, job.ID)
	if err != nil {
		return fmt.Errorf("failed to stitch video: %w", err)
	}

	name := fmt.Sprintf("%s/final.mp4", model.SanitizeJobID(job.ID))
	location, err := s.storage.Put(ctx, name, data)
	if err != nil {
		return &StorageError{Name: name, Err: err}
	}

	ok, err := s.artifacts.PopulateArtifact(ctx, pending.ID, location, map[string]interface{}{
		"bytes":          len(data),
		"processingTime": time.Since(started).Seconds(),
	})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	thumbnail := video
	if p := model.FindArtifact(artifacts, model.ArtifactPortrait); p != nil && p.Ready() {
		thumbnail = p.Location
	}
	if err := s.next.Complete(ctx, job.ID, location, thumbnail); err != nil {
		return err
	}
	return s.next.Advance(ctx, job.ID, stage.Output)
}
