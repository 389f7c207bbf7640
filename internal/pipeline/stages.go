package pipeline

import "github.com/coverlab/api/internal/model"

// StageID identifies one unit of pipeline work.
type StageID string

const (
	StageExtractAudio       StageID = "extract-audio"
	StageGeneratePortrait   StageID = "generate-portrait"
	StageCloneVoiceFull     StageID = "clone-voice-full"
	StageCloneVoiceIsolated StageID = "clone-voice-isolated"
	StageAnimate            StageID = "animate"
	StageFinalize           StageID = "finalize"
)

// Stage declares what a stage needs, what it produces and how it runs.
type Stage struct {
	ID       StageID
	Requires []model.ArtifactType
	Output   model.ArtifactType
	Phase    model.JobStatus
	// Async stages finish through an external callback; sync stages finish
	// inline and advance the pipeline themselves.
	Async       bool
	Description string
}

// Stages is the dependency table, in display order. The orchestrator consults
// it generically; adding a stage is adding a row.
var Stages = []Stage{
	{
		ID:          StageExtractAudio,
		Output:      model.ArtifactSourceAudio,
		Phase:       model.JobStatusExtractingAudio,
		Description: "Downloading audio from YouTube",
	},
	{
		ID:          StageGeneratePortrait,
		Output:      model.ArtifactPortrait,
		Phase:       model.JobStatusGeneratingPortrait,
		Async:       true,
		Description: "Creating character portrait",
	},
	{
		ID:          StageCloneVoiceFull,
		Requires:    []model.ArtifactType{model.ArtifactSourceAudio},
		Output:      model.ArtifactVocalsFullMix,
		Phase:       model.JobStatusCloningVoiceFull,
		Async:       true,
		Description: "Cloning voice with full mix",
	},
	{
		ID:          StageCloneVoiceIsolated,
		Requires:    []model.ArtifactType{model.ArtifactSourceAudio},
		Output:      model.ArtifactVocalsIsolated,
		Phase:       model.JobStatusCloningVoiceIsolated,
		Async:       true,
		Description: "Isolating vocals",
	},
	{
		ID:          StageAnimate,
		Requires:    []model.ArtifactType{model.ArtifactPortrait, model.ArtifactVocalsIsolated},
		Output:      model.ArtifactAnimatedVideo,
		Phase:       model.JobStatusAnimating,
		Async:       true,
		Description: "Animating your performance",
	},
	{
		ID:          StageFinalize,
		Requires:    []model.ArtifactType{model.ArtifactAnimatedVideo, model.ArtifactVocalsFullMix},
		Output:      model.ArtifactFinalVideo,
		Phase:       model.JobStatusFinalizing,
		Description: "Finalizing your cover",
	},
}

// LookupStage returns the table row for id.
func LookupStage(id StageID) (Stage, bool) {
	for _, s := range Stages {
		if s.ID == id {
			return s, true
		}
	}
	return Stage{}, false
}

// StageFor returns the stage producing the given artifact type.
func StageFor(t model.ArtifactType) (Stage, bool) {
	for _, s := range Stages {
		if s.Output == t {
			return s, true
		}
	}
	return Stage{}, false
}

// Candidates returns the stages whose requirements are all ready and whose
// output has not been claimed yet. The result depends only on the two sets,
// so evaluating it in any order of arrivals gives the same answer.
func Candidates(ready, existing map[model.ArtifactType]bool) []Stage {
	var out []Stage
	for _, s := range Stages {
		if existing[s.Output] {
			continue
		}
		satisfied := true
		for _, req := range s.Requires {
			if !ready[req] {
				satisfied = false
				break
			}
		}
		if satisfied {
			out = append(out, s)
		}
	}
	return out
}

// DeriveStatus maps the artifact set to a display phase: the phase of the
// first stage, in table order, whose output is claimed but not ready. When
// nothing is pending the current status is kept. Terminal statuses are never
// derived here.
func DeriveStatus(artifacts []model.Artifact, current model.JobStatus) model.JobStatus {
	for _, s := range Stages {
		if a := model.FindArtifact(artifacts, s.Output); a != nil && !a.Ready() {
			return s.Phase
		}
	}
	return current
}

func existingSet(artifacts []model.Artifact) map[model.ArtifactType]bool {
	set := make(map[model.ArtifactType]bool, len(artifacts))
	for i := range artifacts {
		set[artifacts[i].Type] = true
	}
	return set
}
