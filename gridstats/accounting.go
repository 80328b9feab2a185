package gridstats

import (
	"bufio"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
)

// qacct separates job records with a line of '=' characters.
const accountingDelimiter = "=========="

// qacct prints this instead of a time for jobs that have not started or ended yet.
const accountingUnset = "-/-"

var accountingLayouts = []string{
	"Mon Jan _2 15:04:05 2006",
	"01/02/2006 15:04:05.000",
	"2006-01-02 15:04:05",
}

// AccountingRecord is the timing of one job of the accounting log.
type AccountingRecord struct {
	JobID     int
	QueuedAt  time.Time
	StartedAt time.Time
	EndedAt   time.Time
}

func (r AccountingRecord) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

func (r AccountingRecord) Wait() time.Duration {
	return r.StartedAt.Sub(r.QueuedAt)
}

// ParseAccounting parses the output of `qacct -j`. Start and end times that
// are not set yet are replaced by now. It also returns the number of
// delimiter lines seen, which is the number of records qacct printed.
func ParseAccounting(text string, now time.Time) ([]AccountingRecord, int) {
	return defaultParser.ParseAccounting(text, now)
}

func (p Parser) ParseAccounting(text string, now time.Time) ([]AccountingRecord, int) {
	var records []AccountingRecord
	delimiters := 0

	var current map[string]string
	flush := func() {
		if record, ok := p.buildAccountingRecord(current, now); ok {
			records = append(records, record)
		}
		current = nil
	}

	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, accountingDelimiter) {
			flush()
			delimiters++
			continue
		}

		key, value, found := strings.Cut(line, " ")
		if !found {
			continue
		}
		if current == nil {
			current = make(map[string]string)
		}
		current[key] = strings.TrimSpace(value)
	}
	flush()

	return records, delimiters
}

func (p Parser) buildAccountingRecord(fields map[string]string, now time.Time) (AccountingRecord, bool) {
	if fields == nil {
		return AccountingRecord{}, false
	}

	jobID, err := strconv.Atoi(fields["jobnumber"])
	if err != nil {
		return AccountingRecord{}, false
	}
	queuedAt, ok := p.parseAccountingTime(fields["qsub_time"])
	if !ok {
		return AccountingRecord{}, false
	}

	record := AccountingRecord{JobID: jobID, QueuedAt: queuedAt}
	if record.StartedAt, ok = p.parseAccountingTime(fields["start_time"]); !ok {
		record.StartedAt = now
	}
	if record.EndedAt, ok = p.parseAccountingTime(fields["end_time"]); !ok {
		record.EndedAt = now
	}
	return record, true
}

func (p Parser) parseAccountingTime(value string) (time.Time, bool) {
	if value == "" || value == accountingUnset {
		return time.Time{}, false
	}
	for _, layout := range accountingLayouts {
		if t, err := time.ParseInLocation(layout, value, p.location()); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// AvgJobDuration is the mean run time of the given jobs.
func AvgJobDuration(records []AccountingRecord) (time.Duration, error) {
	if len(records) == 0 {
		return 0, ErrEmptyResult
	}
	total := lo.SumBy(records, func(r AccountingRecord) time.Duration { return r.Duration() })
	return total / time.Duration(len(records)), nil
}

// AvgWaitTime is the mean time the given jobs spent queued.
func AvgWaitTime(records []AccountingRecord) (time.Duration, error) {
	if len(records) == 0 {
		return 0, ErrEmptyResult
	}
	total := lo.SumBy(records, func(r AccountingRecord) time.Duration { return r.Wait() })
	return total / time.Duration(len(records)), nil
}
