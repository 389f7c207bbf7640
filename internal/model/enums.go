package model

// Job status. The non-terminal values are display phases; dispatch is keyed
// by pipeline stage identifiers, not by these strings.
type JobStatus string

const (
	JobStatusExtractingAudio      JobStatus = "extracting-audio"
	JobStatusGeneratingPortrait   JobStatus = "generating-portrait"
	JobStatusCloningVoiceFull     JobStatus = "cloning-voice-full"
	JobStatusCloningVoiceIsolated JobStatus = "cloning-voice-isolated"
	JobStatusAnimating            JobStatus = "animating"
	JobStatusFinalizing           JobStatus = "finalizing"
	JobStatusCompleted            JobStatus = "completed"
	JobStatusFailed               JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusExtractingAudio, JobStatusGeneratingPortrait, JobStatusCloningVoiceFull,
		JobStatusCloningVoiceIsolated, JobStatusAnimating, JobStatusFinalizing,
		JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// TerminalStatuses lists the statuses a job never leaves.
var TerminalStatuses = []JobStatus{JobStatusCompleted, JobStatusFailed}

// Artifact types
type ArtifactType string

const (
	ArtifactSourceAudio    ArtifactType = "source-audio"
	ArtifactPortrait       ArtifactType = "portrait"
	ArtifactVocalsFullMix  ArtifactType = "vocals-full-mix"
	ArtifactVocalsIsolated ArtifactType = "vocals-isolated"
	ArtifactAnimatedVideo  ArtifactType = "animated-video"
	ArtifactFinalVideo     ArtifactType = "final-video"
)

var ValidArtifactTypes = []ArtifactType{
	ArtifactSourceAudio, ArtifactPortrait, ArtifactVocalsFullMix,
	ArtifactVocalsIsolated, ArtifactAnimatedVideo, ArtifactFinalVideo,
}

// Source kinds
type SourceKind string

const (
	SourceKindLink   SourceKind = "link"
	SourceKindUpload SourceKind = "upload"
)
