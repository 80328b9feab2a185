package gridstats

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

// globalHost is the pseudo host qhost reports cluster wide values on.
const globalHost = "global"

type Queue struct {
	Name      string
	Type      string
	State     string
	Slots     int
	SlotsUsed int
}

// Host is one execution host of a qhost report.
type Host struct {
	Name   string
	Queues map[string]Queue
	// Raw hostvalue pairs, e.g. "num_proc" => "8"
	Values map[string]string
}

type xmlValue struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlQueue struct {
	Name   string     `xml:"name,attr"`
	Values []xmlValue `xml:"queuevalue"`
}

type xmlHost struct {
	Name   string     `xml:"name,attr"`
	Values []xmlValue `xml:"hostvalue"`
	Queues []xmlQueue `xml:"queue"`
}

// ParseHosts parses the output of `qhost -xml -q`.
func ParseHosts(doc []byte) ([]Host, error) {
	return defaultParser.ParseHosts(doc)
}

func (p Parser) ParseHosts(doc []byte) ([]Host, error) {
	var hosts []Host
	err := decodeElements(doc, "host", func(decoder *xml.Decoder, start *xml.StartElement) error {
		var raw xmlHost
		if err := decoder.DecodeElement(&raw, start); err != nil {
			return err
		}
		if raw.Name == globalHost || raw.Name == "" {
			return nil
		}

		host := Host{
			Name:   raw.Name,
			Queues: make(map[string]Queue, len(raw.Queues)),
			Values: make(map[string]string, len(raw.Values)),
		}
		for _, value := range raw.Values {
			host.Values[value.Name] = strings.TrimSpace(value.Value)
		}
		for _, rawQueue := range raw.Queues {
			values := lo.SliceToMap(rawQueue.Values, func(v xmlValue) (string, string) {
				return v.Name, strings.TrimSpace(v.Value)
			})
			host.Queues[rawQueue.Name] = Queue{
				Name:      rawQueue.Name,
				Type:      values["qtype_string"],
				State:     values["state_string"],
				Slots:     atoiOrZero(values["slots"]),
				SlotsUsed: atoiOrZero(values["slots_used"]),
			}
		}

		hosts = append(hosts, host)
		return nil
	})
	if err != nil {
		return nil, &ParseError{Document: "host status", Err: err}
	}

	return hosts, nil
}

// Slots is the number of slots the host offers: the sum of the slots its
// queues declare, or its processor count when no queue information is known.
func (h Host) Slots() int {
	if len(h.Queues) == 0 {
		n, _ := h.NumProc()
		return n
	}
	return lo.SumBy(lo.Values(h.Queues), func(q Queue) int { return q.Slots })
}

func (h Host) SlotsUsed() int {
	return lo.SumBy(lo.Values(h.Queues), func(q Queue) int { return q.SlotsUsed })
}

func (h Host) InQueue(queue string) bool {
	_, ok := h.Queues[queue]
	return ok
}

// NumProc returns the processor count, if the execution daemon reported it.
func (h Host) NumProc() (int, bool) {
	n, err := strconv.Atoi(h.Values["num_proc"])
	return n, err == nil
}

func (h Host) LoadAvg() (float64, bool) {
	f, err := strconv.ParseFloat(h.Values["load_avg"], 64)
	return f, err == nil
}

// MemTotal returns the total memory in bytes.
func (h Host) MemTotal() (int64, bool) {
	return parseMemory(h.Values["mem_total"])
}

func (h Host) MemUsed() (int64, bool) {
	return parseMemory(h.Values["mem_used"])
}

func CountHosts(hosts []Host) int {
	return len(hosts)
}

func CountTotalSlots(hosts []Host) int {
	return lo.SumBy(hosts, func(h Host) int { return h.Slots() })
}

// HostSlots returns the slot count of every host.
func HostSlots(hosts []Host) map[string]int {
	return lo.SliceToMap(hosts, func(h Host) (string, int) { return h.Name, h.Slots() })
}

// SlotsPerHost returns the slot count shared by every host. Clusters mixing
// instance types have no such value: ErrNonUniformSlots is returned and
// callers should fall back to HostSlots.
func SlotsPerHost(hosts []Host) (int, error) {
	if len(hosts) == 0 {
		return 0, ErrEmptyResult
	}

	slots := lo.Uniq(lo.Map(hosts, func(h Host, _ int) int { return h.Slots() }))
	if len(slots) > 1 {
		return 0, fmt.Errorf("%w: %v", ErrNonUniformSlots, slots)
	}
	return slots[0], nil
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

var memoryUnits = map[byte]float64{
	'K': 1 << 10,
	'M': 1 << 20,
	'G': 1 << 30,
	'T': 1 << 40,
}

// parseMemory parses qhost memory values such as "1.7G" or "162.9M".
func parseMemory(s string) (int64, bool) {
	if s == "" || s == "-" {
		return 0, false
	}

	multiplier := 1.0
	if unit, ok := memoryUnits[s[len(s)-1]]; ok {
		multiplier = unit
		s = s[:len(s)-1]
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return int64(f * multiplier), true
}
