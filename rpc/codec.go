package rpc

import (
	"fmt"
	"time"

	"github.com/gammadia/gridscale/cluster"
	"github.com/samber/lo"
	"google.golang.org/protobuf/types/known/structpb"
)

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v *structpb.Value) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v.GetStringValue())
	if err != nil {
		return time.Time{}
	}
	return t
}

func number(s *structpb.Struct, key string) int {
	return int(s.GetFields()[key].GetNumberValue())
}

func text(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func millis(s *structpb.Struct, key string) time.Duration {
	return time.Duration(s.GetFields()[key].GetNumberValue()) * time.Millisecond
}

func encodeServerInfo(info ServerInfo) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"version":    info.Version,
		"commit":     info.Commit,
		"started-at": formatTime(info.StartedAt),
	})
}

func decodeServerInfo(s *structpb.Struct) ServerInfo {
	return ServerInfo{
		Version:   text(s, "version"),
		Commit:    text(s, "commit"),
		StartedAt: parseTime(s.GetFields()["started-at"]),
	}
}

func encodeMetrics(m cluster.Metrics) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"sampled-at":           formatTime(m.SampledAt),
		"hosts":                m.Hosts,
		"total-slots":          m.TotalSlots,
		"host-slots":           lo.MapValues(m.HostSlots, func(slots int, _ string) any { return slots }),
		"queued-jobs":          m.QueuedJobs,
		"queued-slots":         m.QueuedSlots,
		"running-jobs":         m.RunningJobs,
		"oldest-queued-age-ms": m.OldestQueuedAge.Milliseconds(),
		"avg-job-duration-ms":  m.AvgJobDuration.Milliseconds(),
		"avg-wait-time-ms":     m.AvgWaitTime.Milliseconds(),
		"last-decision":        m.LastDecision,
		"nodes":                m.Nodes,
		"pending":              m.Pending,
	})
}

func decodeMetrics(s *structpb.Struct) cluster.Metrics {
	hostSlots := lo.MapValues(s.GetFields()["host-slots"].GetStructValue().GetFields(), func(v *structpb.Value, _ string) int {
		return int(v.GetNumberValue())
	})

	return cluster.Metrics{
		SampledAt:       parseTime(s.GetFields()["sampled-at"]),
		Hosts:           number(s, "hosts"),
		TotalSlots:      number(s, "total-slots"),
		HostSlots:       hostSlots,
		QueuedJobs:      number(s, "queued-jobs"),
		QueuedSlots:     number(s, "queued-slots"),
		RunningJobs:     number(s, "running-jobs"),
		OldestQueuedAge: millis(s, "oldest-queued-age-ms"),
		AvgJobDuration:  millis(s, "avg-job-duration-ms"),
		AvgWaitTime:     millis(s, "avg-wait-time-ms"),
		LastDecision:    text(s, "last-decision"),
		Nodes:           number(s, "nodes"),
		Pending:         number(s, "pending"),
	}
}

func encodeNodes(nodes []NodeInfo) (*structpb.ListValue, error) {
	return structpb.NewList(lo.Map(nodes, func(n NodeInfo, _ int) any {
		return map[string]any{
			"id":         n.ID,
			"alias":      n.Alias,
			"address":    n.Address,
			"status":     string(n.Status),
			"master":     n.Master,
			"reason":     n.Reason,
			"updated-at": formatTime(n.UpdatedAt),
		}
	}))
}

func decodeNodes(list *structpb.ListValue) ([]NodeInfo, error) {
	nodes := make([]NodeInfo, 0, len(list.GetValues()))
	for i, value := range list.GetValues() {
		s := value.GetStructValue()
		if s == nil {
			return nil, fmt.Errorf("node %d is not an object", i)
		}
		nodes = append(nodes, NodeInfo{
			ID:        text(s, "id"),
			Alias:     text(s, "alias"),
			Address:   text(s, "address"),
			Status:    cluster.NodeStatus(text(s, "status")),
			Master:    s.GetFields()["master"].GetBoolValue(),
			Reason:    text(s, "reason"),
			UpdatedAt: parseTime(s.GetFields()["updated-at"]),
		})
	}
	return nodes, nil
}
