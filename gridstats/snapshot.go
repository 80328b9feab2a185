package gridstats

import (
	"time"

	"github.com/samber/lo"
)

// Snapshot aggregates one round of status reports into load metrics.
type Snapshot struct {
	TakenAt time.Time

	Hosts      int
	TotalSlots int
	HostSlots  map[string]int
	// Hosts any job is assigned to, whatever its state
	BusyHosts map[string]bool

	QueuedJobs  int
	QueuedSlots int
	RunningJobs int
	UsedSlots   int
	// Zero when nothing is queued
	OldestQueuedAge time.Duration

	// Zero when the accounting log holds no job
	AvgJobDuration time.Duration
	AvgWaitTime    time.Duration
}

// Summarize computes the load metrics of a cluster from its parsed reports.
func Summarize(hosts []Host, jobs []Job, records []AccountingRecord, now time.Time) Snapshot {
	queued := QueuedJobs(jobs)
	running := RunningJobs(jobs)

	snapshot := Snapshot{
		TakenAt:     now,
		Hosts:       CountHosts(hosts),
		TotalSlots:  CountTotalSlots(hosts),
		HostSlots:   HostSlots(hosts),
		BusyHosts:   make(map[string]bool),
		QueuedJobs:  len(queued),
		QueuedSlots: lo.SumBy(queued, func(j Job) int { return j.Slots }),
		RunningJobs: len(running),
		UsedSlots:   lo.SumBy(running, func(j Job) int { return j.Slots }),
	}

	// Jobs transferring, restarted or suspended hold their host as well
	for _, job := range jobs {
		if host := job.Host(); host != "" {
			snapshot.BusyHosts[host] = true
		}
	}

	if age, err := OldestQueuedJobAge(jobs, now); err == nil {
		snapshot.OldestQueuedAge = age
	}
	if avg, err := AvgJobDuration(records); err == nil {
		snapshot.AvgJobDuration = avg
	}
	if avg, err := AvgWaitTime(records); err == nil {
		snapshot.AvgWaitTime = avg
	}

	return snapshot
}

// IdleFraction is the share of slots not used by running jobs.
func (s Snapshot) IdleFraction() float64 {
	if s.TotalSlots == 0 {
		return 0
	}
	idle := s.TotalSlots - s.UsedSlots
	return float64(max(idle, 0)) / float64(s.TotalSlots)
}

// SlotsPerHost returns the slot count to size new nodes with. When hosts
// disagree, the smallest count is returned together with ErrNonUniformSlots.
func (s Snapshot) SlotsPerHost() (int, error) {
	if len(s.HostSlots) == 0 {
		return 0, ErrEmptyResult
	}

	slots := lo.Uniq(lo.Values(s.HostSlots))
	if len(slots) == 1 {
		return slots[0], nil
	}
	return lo.Min(slots), ErrNonUniformSlots
}
