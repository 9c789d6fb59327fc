package pipeline

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	gocache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	luffyerr "github.com/openluffy/luffy/pkg/errors"
	"github.com/openluffy/luffy/pkg/github"
	luffymetrics "github.com/openluffy/luffy/pkg/metrics"
	"github.com/openluffy/luffy/pkg/tenant"
)

const DefaultRefresh = 30 * time.Second

// Source is where runs come from; *github.Client is one.
type Source interface {
	LatestRun(ctx context.Context, repo tenant.Repo) (*github.Run, error)
	RunJobs(ctx context.Context, repo tenant.Repo, runID int64) ([]*github.Job, error)
}

// SharedCache holds summaries across replicas, e.g., in memcached.
// Entries carry the time after which they should be fetched again.
type SharedCache interface {
	Load(tenantID string) ([]byte, time.Time, error)
	Store(tenantID string, refreshAt time.Time, summary []byte) error
}

// Summary is the latest CI run of a tenant's repository.
type Summary struct {
	TenantID   tenant.ID  `json:"tenant_id"`
	RunID      int64      `json:"run_id,omitempty"`
	Status     string     `json:"status"`
	Conclusion string     `json:"conclusion,omitempty"`
	Commit     string     `json:"commit,omitempty"`
	Branch     string     `json:"branch,omitempty"`
	URL        string     `json:"url,omitempty"`
	Stages     StageModel `json:"stages"`
	// UpdatedAt is when this summary was fetched, so readers can
	// judge how stale it is.
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

// NoRuns is the status of a repository that has never run CI.
const NoRuns = "none"

type JobDetail struct {
	Name       string       `json:"name"`
	Stage      Stage        `json:"stage,omitempty"`
	Status     string       `json:"status"`
	Conclusion string       `json:"conclusion,omitempty"`
	Steps      []StepDetail `json:"steps"`
}

type StepDetail struct {
	Number     int64  `json:"number"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Conclusion string `json:"conclusion,omitempty"`
}

type RunDetail struct {
	TenantID tenant.ID   `json:"tenant_id"`
	RunID    int64       `json:"run_id"`
	Jobs     []JobDetail `json:"jobs"`
}

type Config struct {
	Refresh time.Duration
	Shared  SharedCache
	// Lookups counts cache lookups, labelled "cache" and "result".
	Lookups metrics.Counter
}

// Aggregator answers pipeline questions for tenants, keeping each
// answer for the refresh interval.
type Aggregator struct {
	source  Source
	refresh time.Duration
	local   *gocache.Cache
	shared  SharedCache
	lookups metrics.Counter
	logger  log.Logger
	now     func() time.Time
}

func NewAggregator(source Source, config Config, logger log.Logger) *Aggregator {
	if config.Refresh <= 0 {
		config.Refresh = DefaultRefresh
	}
	if config.Lookups == nil {
		config.Lookups = discard.NewCounter()
	}
	return &Aggregator{
		source:  source,
		refresh: config.Refresh,
		local:   gocache.New(config.Refresh, 2*config.Refresh),
		shared:  config.Shared,
		lookups: config.Lookups,
		logger:  logger,
		now:     time.Now,
	}
}

func (a *Aggregator) lookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	a.lookups.With(luffymetrics.LabelCache, cache, luffymetrics.LabelResult, result).Add(1)
}

// Summary returns the tenant's pipeline summary, from cache if it
// was fetched within the refresh interval.
func (a *Aggregator) Summary(ctx context.Context, t tenant.Tenant) (Summary, error) {
	key := string(t.ID)
	if v, ok := a.local.Get(key); ok {
		a.lookup("local", true)
		return v.(Summary), nil
	}
	a.lookup("local", false)

	if a.shared != nil {
		if s, deadline, ok := a.fromShared(key); ok {
			if ttl := deadline.Sub(a.now()); ttl > 0 {
				a.local.Set(key, s, ttl)
			}
			return s, nil
		}
	}
	return a.Refresh(ctx, t)
}

func (a *Aggregator) fromShared(key string) (Summary, time.Time, bool) {
	v, deadline, err := a.shared.Load(key)
	if err != nil || !a.now().Before(deadline) {
		a.lookup("shared", false)
		return Summary{}, time.Time{}, false
	}
	var s Summary
	if err := json.Unmarshal(v, &s); err != nil {
		a.logger.Log("tenant", key, "err", errors.Wrap(err, "decoding cached pipeline"))
		a.lookup("shared", false)
		return Summary{}, time.Time{}, false
	}
	a.lookup("shared", true)
	return s, deadline, true
}

// Refresh fetches the tenant's latest run, whatever is cached, and
// caches the result.
func (a *Aggregator) Refresh(ctx context.Context, t tenant.Tenant) (Summary, error) {
	s, err := a.fetch(ctx, t)
	if err != nil {
		return Summary{}, err
	}
	key := string(t.ID)
	a.local.Set(key, s, gocache.DefaultExpiration)
	if a.shared != nil {
		if buf, err := json.Marshal(s); err == nil {
			a.shared.Store(key, s.UpdatedAt.Add(a.refresh), buf)
		}
	}
	return s, nil
}

func (a *Aggregator) fetch(ctx context.Context, t tenant.Tenant) (Summary, error) {
	s := Summary{TenantID: t.ID, Branch: t.Repo.Branch, UpdatedAt: a.now().UTC()}
	run, err := a.source.LatestRun(ctx, t.Repo)
	if err != nil {
		return Summary{}, err
	}
	if run == nil {
		s.Status = NoRuns
		s.Stages = Model(nil, nil)
		return s, nil
	}
	s.RunID = run.ID
	s.Status = run.Status
	s.Conclusion = run.Conclusion
	s.Commit = run.HeadSHA
	s.URL = run.HTMLURL
	if run.HeadBranch != "" {
		s.Branch = run.HeadBranch
	}

	jobs, err := a.source.RunJobs(ctx, t.Repo, run.ID)
	if err != nil {
		// the run alone is enough for a summary
		a.logger.Log("tenant", t.ID, "run", run.ID, "err", errors.Wrap(err, "fetching run jobs"))
		jobs = nil
	}
	s.Stages = Model(run, jobs)
	return s, nil
}

// Summaries returns a summary for each tenant, fetching those not
// cached concurrently. Failures are reported in the summary's Error
// rather than failing the lot.
func (a *Aggregator) Summaries(ctx context.Context, ts []tenant.Tenant) []Summary {
	out := make([]Summary, len(ts))
	var wg sync.WaitGroup
	for i := range ts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := a.Summary(ctx, ts[i])
			if err != nil {
				s = Summary{
					TenantID:  ts[i].ID,
					Branch:    ts[i].Repo.Branch,
					Stages:    allStages(Idle),
					UpdatedAt: a.now().UTC(),
					Error:     err.Error(),
				}
			}
			out[i] = s
		}(i)
	}
	wg.Wait()
	return out
}

// RunDetail returns the jobs and steps of one of the tenant's runs.
func (a *Aggregator) RunDetail(ctx context.Context, t tenant.Tenant, runID int64) (RunDetail, error) {
	key := string(t.ID) + "/" + strconv.FormatInt(runID, 10)
	if v, ok := a.local.Get(key); ok {
		a.lookup("local", true)
		return v.(RunDetail), nil
	}
	a.lookup("local", false)

	jobs, err := a.source.RunJobs(ctx, t.Repo, runID)
	if err != nil {
		if luffyerr.IsMissing(err) {
			return RunDetail{}, luffyerr.Missingf("run %d not found for customer %s", runID, t.ID)
		}
		return RunDetail{}, err
	}
	d := RunDetail{TenantID: t.ID, RunID: runID, Jobs: make([]JobDetail, 0, len(jobs))}
	for _, j := range jobs {
		jd := JobDetail{
			Name:       j.Name,
			Status:     j.Status,
			Conclusion: j.Conclusion,
			Steps:      make([]StepDetail, 0, len(j.Steps)),
		}
		if s, ok := classify(j.Name); ok {
			jd.Stage = s
		}
		for _, st := range j.Steps {
			jd.Steps = append(jd.Steps, StepDetail{
				Number:     st.Number,
				Name:       st.Name,
				Status:     st.Status,
				Conclusion: st.Conclusion,
			})
		}
		d.Jobs = append(d.Jobs, jd)
	}
	a.local.Set(key, d, gocache.DefaultExpiration)
	return d, nil
}

// Forget drops anything cached for the tenant.
func (a *Aggregator) Forget(id tenant.ID) {
	a.local.Delete(string(id))
}
