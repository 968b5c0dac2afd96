package project

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/archon-kb/archon/common"
	"github.com/archon-kb/archon/store"
)

const staleAfter = 14 * 24 * time.Hour

// reportCache holds computed reports for a short window. Mutating operations
// on a project invalidate its entries so dashboards never lag a board change
// by more than one request.
type reportCache struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[reportKey]reportEntry
}

type reportKey struct {
	projectID string
	name      string
}

type reportEntry struct {
	at    time.Time
	value interface{}
}

func newReportCache(ttl time.Duration) *reportCache {
	return &reportCache{ttl: ttl, m: make(map[reportKey]reportEntry)}
}

func (c *reportCache) get(projectID, name string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.m[reportKey{projectID, name}]
	if !ok || time.Since(e.at) > c.ttl {
		return nil, false
	}
	return e.value, true
}

func (c *reportCache) put(projectID, name string, v interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[reportKey{projectID, name}] = reportEntry{at: time.Now(), value: v}
}

func (c *reportCache) invalidate(projectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.m {
		if k.projectID == projectID {
			delete(c.m, k)
		}
	}
}

// HealthReport is the composite project status.
type HealthReport struct {
	ProjectID     string  `json:"project_id"`
	Score         int     `json:"score"`
	Status        string  `json:"status"`
	TotalTasks    int     `json:"total_tasks"`
	DoneTasks     int     `json:"done_tasks"`
	StaleTasks    int     `json:"stale_tasks"`
	ProgressRatio float64 `json:"progress_ratio"`
	VelocityTrend string  `json:"velocity_trend"`
	ActiveSprint  *string `json:"active_sprint,omitempty"`
	GeneratedAt   string  `json:"generated_at"`
}

// BurndownPoint is one day of a sprint burndown.
type BurndownPoint struct {
	Date           string  `json:"date"`
	RemainingHours float64 `json:"remaining_hours"`
	IdealHours     float64 `json:"ideal_hours"`
}

// BurndownReport tracks remaining estimated hours over a sprint.
type BurndownReport struct {
	SprintID   string          `json:"sprint_id"`
	ProjectID  string          `json:"project_id"`
	TotalHours float64         `json:"total_hours"`
	Points     []BurndownPoint `json:"points"`
}

// TaskMetricsReport breaks active tasks down by stage, priority and assignee.
type TaskMetricsReport struct {
	ProjectID  string         `json:"project_id"`
	Total      int            `json:"total"`
	ByStage    map[string]int `json:"by_stage"`
	ByPriority map[string]int `json:"by_priority"`
	ByAssignee map[string]int `json:"by_assignee"`
}

// MemberStats is one row of the team performance report.
type MemberStats struct {
	Assignee       string  `json:"assignee"`
	OpenTasks      int     `json:"open_tasks"`
	DoneTasks      int     `json:"done_tasks"`
	EstimatedHours float64 `json:"estimated_hours"`
}

// TeamPerformanceReport aggregates per-assignee workload.
type TeamPerformanceReport struct {
	ProjectID string        `json:"project_id"`
	Members   []MemberStats `json:"members"`
}

// Health computes the composite health report for a project.
func (s *Service) Health(ctx context.Context, projectID string) (*HealthReport, error) {
	if v, ok := s.reports.get(projectID, "health"); ok {
		return v.(*HealthReport), nil
	}

	proj, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	terminal, _, err := s.stageInfo(ctx, proj.WorkflowID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}

	r := &HealthReport{
		ProjectID:   projectID,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	now := time.Now()
	for _, t := range tasks {
		r.TotalTasks++
		if terminal[t.WorkflowStageID] {
			r.DoneTasks++
			continue
		}
		if now.Sub(t.UpdatedAt) > staleAfter {
			r.StaleTasks++
		}
	}
	if r.TotalTasks > 0 {
		r.ProgressRatio = float64(r.DoneTasks) / float64(r.TotalTasks)
	}

	velocities, err := s.store.VelocityHistory(ctx, projectID, 3)
	if err != nil {
		return nil, err
	}
	r.VelocityTrend = velocityTrend(velocities)

	sprints, err := s.store.ListSprints(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, sp := range sprints {
		if sp.Status == store.SprintActive {
			id := sp.ID
			r.ActiveSprint = &id
			break
		}
	}

	r.Score = healthScore(r)
	switch {
	case r.Score >= 70:
		r.Status = "healthy"
	case r.Score >= 40:
		r.Status = "at_risk"
	default:
		r.Status = "critical"
	}

	s.reports.put(projectID, "health", r)
	return r, nil
}

// healthScore blends progress, staleness and velocity trend into 0..100.
func healthScore(r *HealthReport) int {
	score := 50.0
	score += 30 * r.ProgressRatio
	if r.TotalTasks > 0 {
		score -= 40 * float64(r.StaleTasks) / float64(r.TotalTasks)
	}
	switch r.VelocityTrend {
	case "improving":
		score += 20
	case "declining":
		score -= 20
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(score)
}

// velocityTrend classifies the recent velocity direction. The slice arrives
// oldest first.
func velocityTrend(v []float64) string {
	if len(v) < 2 {
		return "flat"
	}
	first, last := v[0], v[len(v)-1]
	switch {
	case last > first*1.1:
		return "improving"
	case last < first*0.9:
		return "declining"
	default:
		return "flat"
	}
}

// Burndown computes the per-day remaining estimated hours for a sprint from
// the task history log.
func (s *Service) Burndown(ctx context.Context, sprintID string) (*BurndownReport, error) {
	sp, err := s.store.GetSprint(ctx, sprintID)
	if err != nil {
		return nil, err
	}
	if v, ok := s.reports.get(sp.ProjectID, "burndown:"+sprintID); ok {
		return v.(*BurndownReport), nil
	}
	if sp.Status == store.SprintPlanned {
		return nil, common.E(common.KindValidation, "sprint %s has not started", sprintID)
	}

	proj, err := s.store.GetProject(ctx, sp.ProjectID)
	if err != nil {
		return nil, err
	}
	terminal, _, err := s.stageInfo(ctx, proj.WorkflowID)
	if err != nil {
		return nil, err
	}

	// Completed sprints burn down against the frozen snapshot; active ones
	// against the live task set.
	hours := make(map[string]float64)
	var total float64
	if sp.Status == store.SprintCompleted || sp.Status == store.SprintCancelled {
		snap, err := s.store.GetSprintSnapshot(ctx, sprintID)
		if err != nil {
			return nil, err
		}
		for _, st := range snap {
			h := hoursOf(st.EstimatedHours)
			hours[st.TaskID] = h
			total += h
		}
	} else {
		tasks, err := s.store.ListTasks(ctx, store.TaskFilter{ProjectID: sp.ProjectID, SprintID: sprintID})
		if err != nil {
			return nil, err
		}
		for _, t := range tasks {
			h := hoursOf(t.EstimatedHours)
			hours[t.ID] = h
			total += h
		}
	}

	changes, err := s.store.StageChangesSince(ctx, sp.ProjectID, sp.StartDate)
	if err != nil {
		return nil, err
	}

	// Hours completed by end of each sprint day, keyed by day index.
	doneByDay := make(map[int]float64)
	doneTask := make(map[string]bool)
	for _, ch := range changes {
		h, inSprint := hours[ch.TaskID]
		if !inSprint {
			continue
		}
		if terminal[ch.NewStageID] {
			if !doneTask[ch.TaskID] {
				doneTask[ch.TaskID] = true
				doneByDay[dayIndex(sp.StartDate, ch.ChangedAt)] += h
			}
		} else if doneTask[ch.TaskID] {
			// Reopened: hours come back on the day of the move.
			doneTask[ch.TaskID] = false
			doneByDay[dayIndex(sp.StartDate, ch.ChangedAt)] -= h
		}
	}

	days := dayIndex(sp.StartDate, sp.EndDate)
	if days < 1 {
		days = 1
	}
	lastDay := days
	if sp.Status == store.SprintActive {
		if today := dayIndex(sp.StartDate, time.Now()); today < lastDay {
			lastDay = today
		}
	}

	report := &BurndownReport{SprintID: sprintID, ProjectID: sp.ProjectID, TotalHours: total}
	remaining := total
	for d := 0; d <= lastDay; d++ {
		remaining -= doneByDay[d]
		if remaining < 0 {
			remaining = 0
		}
		ideal := total - total*float64(d)/float64(days)
		report.Points = append(report.Points, BurndownPoint{
			Date:           sp.StartDate.AddDate(0, 0, d).Format("2006-01-02"),
			RemainingHours: remaining,
			IdealHours:     ideal,
		})
	}

	s.reports.put(sp.ProjectID, "burndown:"+sprintID, report)
	return report, nil
}

// TaskMetrics computes the stage, priority, and assignee distributions.
func (s *Service) TaskMetrics(ctx context.Context, projectID string) (*TaskMetricsReport, error) {
	if v, ok := s.reports.get(projectID, "task_metrics"); ok {
		return v.(*TaskMetricsReport), nil
	}

	proj, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	_, stageName, err := s.stageInfo(ctx, proj.WorkflowID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}

	r := &TaskMetricsReport{
		ProjectID:  projectID,
		ByStage:    make(map[string]int),
		ByPriority: make(map[string]int),
		ByAssignee: make(map[string]int),
	}
	for _, t := range tasks {
		r.Total++
		name := stageName[t.WorkflowStageID]
		if name == "" {
			name = t.WorkflowStageID
		}
		r.ByStage[name]++
		r.ByPriority[string(t.Priority)]++
		assignee := t.Assignee
		if assignee == "" {
			assignee = "unassigned"
		}
		r.ByAssignee[assignee]++
	}

	s.reports.put(projectID, "task_metrics", r)
	return r, nil
}

// TeamPerformance aggregates workload per assignee, sorted by done count.
func (s *Service) TeamPerformance(ctx context.Context, projectID string) (*TeamPerformanceReport, error) {
	if v, ok := s.reports.get(projectID, "team_performance"); ok {
		return v.(*TeamPerformanceReport), nil
	}

	proj, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	terminal, _, err := s.stageInfo(ctx, proj.WorkflowID)
	if err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasks(ctx, store.TaskFilter{ProjectID: projectID})
	if err != nil {
		return nil, err
	}

	byMember := make(map[string]*MemberStats)
	for _, t := range tasks {
		assignee := t.Assignee
		if assignee == "" {
			assignee = "unassigned"
		}
		m := byMember[assignee]
		if m == nil {
			m = &MemberStats{Assignee: assignee}
			byMember[assignee] = m
		}
		if terminal[t.WorkflowStageID] {
			m.DoneTasks++
		} else {
			m.OpenTasks++
		}
		m.EstimatedHours += hoursOf(t.EstimatedHours)
	}

	r := &TeamPerformanceReport{ProjectID: projectID}
	for _, m := range byMember {
		r.Members = append(r.Members, *m)
	}
	sort.Slice(r.Members, func(i, j int) bool {
		if r.Members[i].DoneTasks != r.Members[j].DoneTasks {
			return r.Members[i].DoneTasks > r.Members[j].DoneTasks
		}
		return r.Members[i].Assignee < r.Members[j].Assignee
	})

	s.reports.put(projectID, "team_performance", r)
	return r, nil
}

// stageInfo loads the terminal flag and display name per stage id.
func (s *Service) stageInfo(ctx context.Context, workflowID string) (terminal map[string]bool, names map[string]string, err error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	terminal = make(map[string]bool, len(wf.Stages))
	names = make(map[string]string, len(wf.Stages))
	for _, st := range wf.Stages {
		terminal[st.ID] = st.Terminal
		names[st.ID] = st.Name
	}
	return terminal, names, nil
}

func hoursOf(h *float64) float64 {
	if h == nil {
		return 0
	}
	return *h
}

// dayIndex is the whole number of days from the sprint start to ts.
func dayIndex(start, ts time.Time) int {
	d := int(ts.Sub(start).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}
