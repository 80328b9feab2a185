package main

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/gammadia/gridscale/cluster"
	"github.com/samber/lo"
)

// qstat and qhost print times without a zone, gridscale reads them as UTC.
const (
	qstatTime = "2006-01-02T15:04:05"
	qacctTime = "Mon Jan _2 15:04:05 2006"
)

var hostsTemplate = template.Must(template.New("qhost").Parse(`<?xml version='1.0'?>
<qhost>
 <host name='global'>
   <hostvalue name='num_proc'>-</hostvalue>
 </host>
{{- range .Hosts }}
 <host name='{{ html .Name }}'>
   <hostvalue name='num_proc'>{{ .Slots }}</hostvalue>
   <queue name='{{ html $.Queue }}'>
     <queuevalue qname='{{ html $.Queue }}' name='qtype_string'>BIP</queuevalue>
     <queuevalue qname='{{ html $.Queue }}' name='slots_used'>{{ .Used }}</queuevalue>
     <queuevalue qname='{{ html $.Queue }}' name='slots'>{{ .Slots }}</queuevalue>
     <queuevalue qname='{{ html $.Queue }}' name='state_string'></queuevalue>
   </queue>
 </host>
{{- end }}
</qhost>
`))

var jobsTemplate = template.Must(template.New("qstat").Parse(`<?xml version='1.0'?>
<job_info>
  <queue_info>
{{- range .Running }}
    <job_list state="running">
      <JB_job_number>{{ .ID }}</JB_job_number>
      <JB_name>sim</JB_name>
      <JB_owner>playground</JB_owner>
      <state>r</state>
      <JB_submission_time>{{ .SubmittedAt }}</JB_submission_time>
      <JAT_start_time>{{ .StartedAt }}</JAT_start_time>
      <queue_name>{{ html $.Queue }}@{{ html .Host }}</queue_name>
      <slots>{{ .Slots }}</slots>
    </job_list>
{{- end }}
  </queue_info>
  <job_info>
{{- range .Queued }}
    <job_list state="pending">
      <JB_job_number>{{ .ID }}</JB_job_number>
      <JB_name>sim</JB_name>
      <JB_owner>playground</JB_owner>
      <state>qw</state>
      <JB_submission_time>{{ .SubmittedAt }}</JB_submission_time>
      <queue_name></queue_name>
      <slots>{{ .Slots }}</slots>
    </job_list>
{{- end }}
  </job_info>
</job_info>
`))

var accountingTemplate = template.Must(template.New("qacct").Parse(`
{{- range . -}}
==============================================================
qname        {{ .Queue }}
hostname     {{ .Host }}
jobname      sim
jobnumber    {{ .ID }}
qsub_time    {{ .SubmittedAt }}
start_time   {{ .StartedAt }}
end_time     {{ .EndedAt }}
slots        {{ .Slots }}
exit_status  0
{{ end -}}
`))

type simJob struct {
	id          int
	slots       int
	duration    time.Duration
	submittedAt time.Time
	startedAt   time.Time
	endedAt     time.Time
	host        string
}

type jobRow struct {
	ID                              int
	Queue, Host                     string
	Slots                           int
	SubmittedAt, StartedAt, EndedAt string
}

type hostRow struct {
	Name        string
	Slots, Used int
}

// grid simulates a grid engine master: it is the status feed of the load
// balancer and the plugin nodes are registered with. Jobs are started on the
// first host with enough free slots, in submission order.
type grid struct {
	queue string
	slots int
	now   func() time.Time

	mu       sync.Mutex
	hosts    map[string]int
	queued   []*simJob
	running  []*simJob
	finished []*simJob
	nextID   int
}

var _ cluster.Plugin = (*grid)(nil)

func newGrid(queue string, slots int, now func() time.Time) *grid {
	return &grid{
		queue:  queue,
		slots:  slots,
		now:    now,
		hosts:  map[string]int{},
		nextID: 1,
	}
}

func (g *grid) AddHost(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.hosts[name] = g.slots
}

// Submit queues count jobs of one slot each.
func (g *grid) Submit(count int, duration time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for range count {
		g.queued = append(g.queued, &simJob{id: g.nextID, slots: 1, duration: duration, submittedAt: g.now()})
		g.nextID++
	}
}

func (g *grid) usedSlots(host string) int {
	return lo.SumBy(g.running, func(j *simJob) int { return lo.Ternary(j.host == host, j.slots, 0) })
}

// advance completes due jobs and starts queued ones. Callers hold mu.
func (g *grid) advance() {
	now := g.now()

	due := func(j *simJob, _ int) bool { return !now.Before(j.startedAt.Add(j.duration)) }
	done, running := lo.Filter(g.running, due), lo.Reject(g.running, due)
	for _, job := range done {
		job.endedAt = job.startedAt.Add(job.duration)
	}
	g.running = running
	g.finished = append(g.finished, done...)

	hosts := lo.Keys(g.hosts)
	slices.Sort(hosts)
	for len(g.queued) > 0 {
		job := g.queued[0]
		host, found := lo.Find(hosts, func(h string) bool { return g.hosts[h]-g.usedSlots(h) >= job.slots })
		if !found {
			return
		}
		job.host = host
		job.startedAt = now
		g.running = append(g.running, job)
		g.queued = g.queued[1:]
	}
}

func (g *grid) row(job *simJob, layout string) jobRow {
	format := func(t time.Time) string {
		return lo.Ternary(t.IsZero(), "-/-", t.UTC().Format(layout))
	}
	return jobRow{
		ID:          job.id,
		Queue:       g.queue,
		Host:        job.host,
		Slots:       job.slots,
		SubmittedAt: format(job.submittedAt),
		StartedAt:   format(job.startedAt),
		EndedAt:     format(job.endedAt),
	}
}

func render(tmpl *template.Template, data any) (string, error) {
	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", tmpl.Name(), err)
	}
	return b.String(), nil
}

func (g *grid) HostStatus(ctx context.Context) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance()

	names := lo.Keys(g.hosts)
	slices.Sort(names)
	doc, err := render(hostsTemplate, map[string]any{
		"Queue": g.queue,
		"Hosts": lo.Map(names, func(name string, _ int) hostRow {
			return hostRow{Name: name, Slots: g.hosts[name], Used: g.usedSlots(name)}
		}),
	})
	return []byte(doc), err
}

func (g *grid) JobStatus(ctx context.Context) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance()

	toRows := func(jobs []*simJob) []jobRow {
		return lo.Map(jobs, func(j *simJob, _ int) jobRow { return g.row(j, qstatTime) })
	}
	doc, err := render(jobsTemplate, map[string]any{
		"Queue":   g.queue,
		"Running": toRows(g.running),
		"Queued":  toRows(g.queued),
	})
	return []byte(doc), err
}

func (g *grid) Accounting(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.advance()

	return render(accountingTemplate, lo.Map(g.finished, func(j *simJob, _ int) jobRow { return g.row(j, qacctTime) }))
}

func (g *grid) OnAddNode(ctx context.Context, node *cluster.Node, current []*cluster.Node) error {
	g.AddHost(node.Alias)
	return nil
}

// OnRemoveNode puts the jobs running on the node back in the queue.
func (g *grid) OnRemoveNode(ctx context.Context, node *cluster.Node, remaining []*cluster.Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.hosts[node.Alias]; !ok {
		return fmt.Errorf("unknown host '%s'", node.Alias)
	}
	delete(g.hosts, node.Alias)

	onNode := func(j *simJob, _ int) bool { return j.host == node.Alias }
	evicted, running := lo.Filter(g.running, onNode), lo.Reject(g.running, onNode)
	for _, job := range evicted {
		job.host = ""
		job.startedAt = time.Time{}
	}
	g.running = running
	g.queued = append(evicted, g.queued...)
	return nil
}
