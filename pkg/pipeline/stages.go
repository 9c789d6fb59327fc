package pipeline

import (
	"strings"

	"github.com/openluffy/luffy/pkg/github"
)

type StageStatus string

const (
	Idle    StageStatus = "idle"
	Running StageStatus = "running"
	Success StageStatus = "success"
	Failed  StageStatus = "failed"
)

type Stage string

const (
	Test   Stage = "test"
	Build  Stage = "build"
	Deploy Stage = "deploy"
)

// Stages in the order they run.
var Stages = []Stage{Test, Build, Deploy}

// StageModel is a run reduced to the fixed test, build, deploy
// pipeline.
type StageModel struct {
	Test   StageStatus `json:"test"`
	Build  StageStatus `json:"build"`
	Deploy StageStatus `json:"deploy"`
}

func (m StageModel) Get(s Stage) StageStatus {
	switch s {
	case Test:
		return m.Test
	case Build:
		return m.Build
	case Deploy:
		return m.Deploy
	}
	return ""
}

func (m *StageModel) set(s Stage, v StageStatus) {
	switch s {
	case Test:
		m.Test = v
	case Build:
		m.Build = v
	case Deploy:
		m.Deploy = v
	}
}

func allStages(v StageStatus) StageModel {
	return StageModel{Test: v, Build: v, Deploy: v}
}

var stageWords = []struct {
	stage Stage
	words []string
}{
	{Deploy, []string{"deploy", "release", "promote", "rollout"}},
	{Build, []string{"build", "docker", "image", "package", "publish"}},
	{Test, []string{"test", "lint", "check", "verify"}},
}

// classify guesses the stage a job belongs to from its name.
func classify(name string) (Stage, bool) {
	name = strings.ToLower(name)
	for _, sw := range stageWords {
		for _, w := range sw.words {
			if strings.Contains(name, w) {
				return sw.stage, true
			}
		}
	}
	return "", false
}

func failedConclusion(c string) bool {
	switch c {
	case "failure", "timed_out", "cancelled", "action_required", "startup_failure":
		return true
	}
	return false
}

func jobStatus(j *github.Job) StageStatus {
	switch {
	case j.Status == "completed" && j.Conclusion == "success":
		return Success
	case j.Status == "completed" && failedConclusion(j.Conclusion):
		return Failed
	case j.Status == "in_progress":
		return Running
	}
	// queued, waiting, skipped or neutral
	return Idle
}

// combine folds the status of another job in the same stage into
// the stage so far. A failure anywhere wins, then anything running,
// then anything not yet started.
func combine(a, b StageStatus) StageStatus {
	rank := map[StageStatus]int{Success: 0, Idle: 1, Running: 2, Failed: 3}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Model maps a run, and its jobs if known, onto the stage model.
// Jobs whose names identify a stage are used where there are any;
// otherwise the stages are inferred from the run's own status and
// conclusion.
func Model(run *github.Run, jobs []*github.Job) StageModel {
	if run == nil {
		return allStages(Idle)
	}

	seen := map[Stage]bool{}
	var m StageModel
	for _, j := range jobs {
		s, ok := classify(j.Name)
		if !ok {
			continue
		}
		st := jobStatus(j)
		if seen[s] {
			st = combine(m.Get(s), st)
		}
		m.set(s, st)
		seen[s] = true
	}
	if len(seen) == 0 {
		return inferred(run)
	}

	// Stages with no job of their own follow the run.
	for _, s := range Stages {
		if seen[s] {
			continue
		}
		if run.Status == "completed" && run.Conclusion == "success" {
			m.set(s, Success)
		} else {
			m.set(s, Idle)
		}
	}
	return m
}

// inferred is the stage model for a run with no recognisable jobs.
// The failing stage of a failed run cannot be known, so it is
// reported as the first one.
func inferred(run *github.Run) StageModel {
	switch run.Status {
	case "in_progress":
		return StageModel{Test: Success, Build: Running, Deploy: Idle}
	case "completed":
		switch {
		case run.Conclusion == "success":
			return allStages(Success)
		case failedConclusion(run.Conclusion):
			return StageModel{Test: Failed, Build: Idle, Deploy: Idle}
		}
	}
	return allStages(Idle)
}
