package pipeline

import (
	"strings"

	"github.com/coverlab/api/internal/model"
)

// Weights is the progress contribution of each artifact type once ready.
// They sum to 90; the remaining CompletionBonus is granted on completion.
var Weights = map[model.ArtifactType]int{
	model.ArtifactSourceAudio:    20,
	model.ArtifactPortrait:       15,
	model.ArtifactVocalsFullMix:  20,
	model.ArtifactVocalsIsolated: 15,
	model.ArtifactAnimatedVideo:  20,
}

const CompletionBonus = 10

// ComputeProgress is a pure function of the ready set.
func ComputeProgress(ready map[model.ArtifactType]bool, completed bool) int {
	total := 0
	for t, w := range Weights {
		if ready[t] {
			total += w
		}
	}
	if completed {
		total += CompletionBonus
	}
	if total > 100 {
		total = 100
	}
	return total
}

// CompletedProgress is the progress of a job whose pipeline finished.
func CompletedProgress() int {
	all := make(map[model.ArtifactType]bool, len(Weights))
	for t := range Weights {
		all[t] = true
	}
	return ComputeProgress(all, true)
}

const (
	messageCompleted = "Your cover is ready!"
	messageFailed    = "Something went wrong"
	messageQueued    = "Getting started"
)

// Describe builds the human readable status line for a job: the description
// of every stage in flight, joined with " • ".
func Describe(job *model.Job, artifacts []model.Artifact) string {
	switch job.Status {
	case model.JobStatusCompleted:
		return messageCompleted
	case model.JobStatusFailed:
		return messageFailed
	}

	var parts []string
	for _, s := range Stages {
		a := model.FindArtifact(artifacts, s.Output)
		if a == nil || a.Ready() {
			continue
		}
		desc := s.Description
		if s.ID == StageExtractAudio && job.SourceKind == model.SourceKindUpload {
			desc = "Preparing your audio"
		}
		parts = append(parts, desc)
	}
	if len(parts) == 0 {
		return messageQueued
	}
	return strings.Join(parts, " • ")
}
