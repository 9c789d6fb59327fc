package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
	"github.com/openluffy/luffy/pkg/github"
	"github.com/openluffy/luffy/pkg/tenant"
)

type source struct {
	mu       sync.Mutex
	run      *github.Run
	jobs     []*github.Job
	runErr   error
	jobsErr  error
	runCalls int
}

func (s *source) LatestRun(ctx context.Context, repo tenant.Repo) (*github.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCalls++
	return s.run, s.runErr
}

func (s *source) RunJobs(ctx context.Context, repo tenant.Repo, runID int64) ([]*github.Job, error) {
	return s.jobs, s.jobsErr
}

var acme = tenant.Tenant{
	ID:    "acme",
	Stack: tenant.NodeJS,
	Repo:  tenant.Repo{Owner: "lebrick", Name: "acme-api", Branch: "main"},
}

func TestModelInferredFromRun(t *testing.T) {
	for _, c := range []struct {
		status, conclusion string
		want               StageModel
	}{
		{"in_progress", "", StageModel{Test: Success, Build: Running, Deploy: Idle}},
		{"queued", "", StageModel{Test: Idle, Build: Idle, Deploy: Idle}},
		{"completed", "success", StageModel{Test: Success, Build: Success, Deploy: Success}},
		{"completed", "failure", StageModel{Test: Failed, Build: Idle, Deploy: Idle}},
		{"completed", "skipped", StageModel{Test: Idle, Build: Idle, Deploy: Idle}},
	} {
		got := Model(&github.Run{Status: c.status, Conclusion: c.conclusion}, nil)
		assert.Equal(t, c.want, got, "%s/%s", c.status, c.conclusion)
	}
	assert.Equal(t, allStages(Idle), Model(nil, nil))
}

func TestModelFromJobNames(t *testing.T) {
	run := &github.Run{Status: "completed", Conclusion: "failure"}
	jobs := []*github.Job{
		{Name: "test", Status: "completed", Conclusion: "success"},
		{Name: "lint", Status: "completed", Conclusion: "success"},
		{Name: "build-image", Status: "completed", Conclusion: "failure"},
		{Name: "deploy-dev", Status: "completed", Conclusion: "skipped"},
	}
	assert.Equal(t, StageModel{Test: Success, Build: Failed, Deploy: Idle}, Model(run, jobs))

	run = &github.Run{Status: "in_progress"}
	jobs = []*github.Job{
		{Name: "test", Status: "completed", Conclusion: "success"},
		{Name: "build", Status: "completed", Conclusion: "success"},
		{Name: "deploy", Status: "in_progress"},
	}
	assert.Equal(t, StageModel{Test: Success, Build: Success, Deploy: Running}, Model(run, jobs))

	// unrecognised names fall back to the run
	jobs = []*github.Job{{Name: "ci", Status: "in_progress"}}
	assert.Equal(t, StageModel{Test: Success, Build: Running, Deploy: Idle}, Model(run, jobs))
}

func TestSummaryInProgress(t *testing.T) {
	src := &source{run: &github.Run{
		ID: 42, Status: "in_progress", HeadSHA: "abc123", HeadBranch: "main",
	}}
	a := NewAggregator(src, Config{}, log.NewNopLogger())

	s, err := a.Summary(context.Background(), acme)
	require.NoError(t, err)
	assert.Equal(t, "in_progress", s.Status)
	assert.Equal(t, "abc123", s.Commit)
	assert.Equal(t, "main", s.Branch)
	assert.Equal(t, StageModel{Test: Success, Build: Running, Deploy: Idle}, s.Stages)
	assert.False(t, s.UpdatedAt.IsZero())
}

func TestSummaryIsCached(t *testing.T) {
	src := &source{run: &github.Run{ID: 1, Status: "completed", Conclusion: "success"}}
	a := NewAggregator(src, Config{Refresh: time.Minute}, log.NewNopLogger())

	first, err := a.Summary(context.Background(), acme)
	require.NoError(t, err)
	second, err := a.Summary(context.Background(), acme)
	require.NoError(t, err)
	assert.Equal(t, 1, src.runCalls)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)

	_, err = a.Refresh(context.Background(), acme)
	require.NoError(t, err)
	assert.Equal(t, 2, src.runCalls)
}

func TestSummaryNoRuns(t *testing.T) {
	a := NewAggregator(&source{}, Config{}, log.NewNopLogger())
	s, err := a.Summary(context.Background(), acme)
	require.NoError(t, err)
	assert.Equal(t, NoRuns, s.Status)
	assert.Equal(t, allStages(Idle), s.Stages)
}

func TestSummaryJobsUnavailable(t *testing.T) {
	src := &source{
		run:     &github.Run{ID: 1, Status: "completed", Conclusion: "success"},
		jobsErr: luffyerr.TransientError("github", errors.New("boom")),
	}
	a := NewAggregator(src, Config{}, log.NewNopLogger())
	s, err := a.Summary(context.Background(), acme)
	require.NoError(t, err)
	assert.Equal(t, allStages(Success), s.Stages)
}

func TestSummariesReportErrors(t *testing.T) {
	src := &source{runErr: luffyerr.AuthError("github", errors.New("bad credentials"))}
	a := NewAggregator(src, Config{}, log.NewNopLogger())
	ss := a.Summaries(context.Background(), []tenant.Tenant{acme})
	require.Len(t, ss, 1)
	assert.Equal(t, tenant.ID("acme"), ss[0].TenantID)
	assert.Contains(t, ss[0].Error, "bad credentials")
}

type sharedCache struct {
	items map[string][]byte
	dl    map[string]time.Time
}

func (c *sharedCache) Load(k string) ([]byte, time.Time, error) {
	v, ok := c.items[k]
	if !ok {
		return nil, time.Time{}, errors.New("not cached")
	}
	return v, c.dl[k], nil
}

func (c *sharedCache) Store(k string, deadline time.Time, v []byte) error {
	c.items[k] = v
	c.dl[k] = deadline
	return nil
}

func TestSharedCache(t *testing.T) {
	shared := &sharedCache{items: map[string][]byte{}, dl: map[string]time.Time{}}
	src := &source{run: &github.Run{ID: 7, Status: "completed", Conclusion: "success", HeadSHA: "def456"}}

	a := NewAggregator(src, Config{Shared: shared}, log.NewNopLogger())
	_, err := a.Summary(context.Background(), acme)
	require.NoError(t, err)
	require.Contains(t, shared.items, "acme")

	// another replica reads what the first one fetched
	b := NewAggregator(src, Config{Shared: shared}, log.NewNopLogger())
	s, err := b.Summary(context.Background(), acme)
	require.NoError(t, err)
	assert.Equal(t, "def456", s.Commit)
	assert.Equal(t, 1, src.runCalls)
}

func TestRunDetail(t *testing.T) {
	src := &source{jobs: []*github.Job{
		{Name: "test", Status: "completed", Conclusion: "success", Steps: []github.JobStep{
			{Number: 1, Name: "checkout", Status: "completed", Conclusion: "success"},
			{Number: 2, Name: "npm test", Status: "completed", Conclusion: "success"},
		}},
		{Name: "deploy", Status: "queued"},
	}}
	a := NewAggregator(src, Config{}, log.NewNopLogger())
	d, err := a.RunDetail(context.Background(), acme, 42)
	require.NoError(t, err)
	require.Len(t, d.Jobs, 2)
	assert.Equal(t, Test, d.Jobs[0].Stage)
	assert.Len(t, d.Jobs[0].Steps, 2)
	assert.Equal(t, Deploy, d.Jobs[1].Stage)
	assert.NotNil(t, d.Jobs[1].Steps)

	src.jobsErr = luffyerr.Missingf("not found")
	_, err = a.RunDetail(context.Background(), acme, 43)
	assert.True(t, luffyerr.IsMissing(err))
}
