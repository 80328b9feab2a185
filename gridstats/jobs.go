package gridstats

import (
	"encoding/xml"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobOther   JobState = "other"
)

func stateFromCode(code string) JobState {
	switch code {
	case "r":
		return JobRunning
	case "qw":
		return JobQueued
	default:
		return JobOther
	}
}

// timeLayout is the format of qstat timestamps, which carry no time zone.
const timeLayout = "2006-01-02T15:04:05"

// DefaultJobFields are the job_list children every parsed Job is built from.
var DefaultJobFields = []string{
	"JB_job_number",
	"JB_name",
	"JB_owner",
	"state",
	"JB_submission_time",
	"JAT_start_time",
	"queue_name",
	"slots",
}

// Job is one entry of a qstat report.
type Job struct {
	Number      int
	Name        string
	Owner       string
	State       JobState
	StateCode   string
	SubmittedAt time.Time
	StartedAt   time.Time
	// Queue instance the job runs in, e.g. "all.q@node001". Empty while queued.
	Queue string
	Slots int
	// Raw values of the requested fields
	Fields map[string]string
}

// Host returns the host part of the job's queue instance.
func (j Job) Host() string {
	_, host, _ := strings.Cut(j.Queue, "@")
	return host
}

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type xmlJob struct {
	Fields []xmlField `xml:",any"`
}

// ParseJobs parses the output of `qstat -xml -u '*'`. Fields lists extra
// job_list children to keep in Job.Fields, on top of DefaultJobFields.
func ParseJobs(doc []byte, fields ...string) ([]Job, error) {
	return defaultParser.ParseJobs(doc, fields...)
}

func (p Parser) ParseJobs(doc []byte, fields ...string) ([]Job, error) {
	wanted := lo.Uniq(append(slices.Clone(DefaultJobFields), fields...))

	var jobs []Job
	err := decodeElements(doc, "job_list", func(decoder *xml.Decoder, start *xml.StartElement) error {
		var raw xmlJob
		if err := decoder.DecodeElement(&raw, start); err != nil {
			return err
		}

		values := make(map[string]string, len(wanted))
		for _, field := range raw.Fields {
			if slices.Contains(wanted, field.XMLName.Local) {
				values[field.XMLName.Local] = strings.TrimSpace(field.Value)
			}
		}

		job, err := p.buildJob(values)
		if err != nil {
			return err
		}
		jobs = append(jobs, job)
		return nil
	})
	if err != nil {
		return nil, &ParseError{Document: "job status", Err: err}
	}

	return jobs, nil
}

func (p Parser) buildJob(values map[string]string) (Job, error) {
	number, err := strconv.Atoi(values["JB_job_number"])
	if err != nil {
		return Job{}, fmt.Errorf("invalid job number '%s': %w", values["JB_job_number"], err)
	}

	job := Job{
		Number:    number,
		Name:      values["JB_name"],
		Owner:     values["JB_owner"],
		StateCode: values["state"],
		State:     stateFromCode(values["state"]),
		Queue:     values["queue_name"],
		Slots:     1,
		Fields:    values,
	}

	if slots, ok := values["slots"]; ok && slots != "" {
		if job.Slots, err = strconv.Atoi(slots); err != nil {
			return Job{}, fmt.Errorf("invalid slots '%s' for job %d: %w", slots, number, err)
		}
	}

	for field, target := range map[string]*time.Time{
		"JB_submission_time": &job.SubmittedAt,
		"JAT_start_time":     &job.StartedAt,
	} {
		if values[field] == "" {
			continue
		}
		if *target, err = time.ParseInLocation(timeLayout, values[field], p.location()); err != nil {
			return Job{}, fmt.Errorf("invalid %s for job %d: %w", field, number, err)
		}
	}

	return job, nil
}

func FirstJobID(jobs []Job) (int, error) {
	if len(jobs) == 0 {
		return 0, ErrEmptyResult
	}
	return lo.MinBy(jobs, func(a, b Job) bool { return a.Number < b.Number }).Number, nil
}

func LastJobID(jobs []Job) (int, error) {
	if len(jobs) == 0 {
		return 0, ErrEmptyResult
	}
	return lo.MaxBy(jobs, func(a, b Job) bool { return a.Number > b.Number }).Number, nil
}

func QueuedJobs(jobs []Job) []Job {
	return lo.Filter(jobs, func(j Job, _ int) bool { return j.State == JobQueued })
}

func RunningJobs(jobs []Job) []Job {
	return lo.Filter(jobs, func(j Job, _ int) bool { return j.State == JobRunning })
}

func NumSlotsForJob(jobs []Job, id int) (int, error) {
	job, found := lo.Find(jobs, func(j Job) bool { return j.Number == id })
	if !found {
		return 0, fmt.Errorf("%w: job %d", ErrNotFound, id)
	}
	return job.Slots, nil
}

// OldestQueuedJobAge returns how long the oldest queued job has been waiting.
func OldestQueuedJobAge(jobs []Job, now time.Time) (time.Duration, error) {
	queued := QueuedJobs(jobs)
	if len(queued) == 0 {
		return 0, ErrEmptyResult
	}

	oldest := lo.MinBy(queued, func(a, b Job) bool { return a.SubmittedAt.Before(b.SubmittedAt) })
	return now.Sub(oldest.SubmittedAt), nil
}
