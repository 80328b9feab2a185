package sge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gammadia/gridscale/balancer"
	"github.com/gammadia/gridscale/cluster"
)

// Feed reads status documents by running the grid engine tools on the master.
type Feed struct {
	master cluster.RemoteHost
	config Config
}

var _ balancer.Feed = (*Feed)(nil)

func NewFeed(master cluster.RemoteHost, config Config) *Feed {
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Feed{master: master, config: config}
}

func (f *Feed) HostStatus(ctx context.Context) ([]byte, error) {
	output, err := f.master.Execute(ctx, "qhost -xml -q")
	if err != nil {
		return nil, err
	}
	return []byte(output), nil
}

func (f *Feed) JobStatus(ctx context.Context) ([]byte, error) {
	output, err := f.master.Execute(ctx, "qstat -xml -u '*'")
	if err != nil {
		return nil, err
	}
	return []byte(output), nil
}

// Accounting returns the qacct records of the jobs started within the
// accounting window. qacct fails when no job ever finished; that is reported
// as an empty document.
func (f *Feed) Accounting(ctx context.Context) (string, error) {
	since := f.config.Clock().Add(-f.config.AccountingWindow).Format("200601021504")

	output, err := f.master.Execute(ctx, fmt.Sprintf("qacct -j -b %s", since))
	if err != nil {
		if strings.Contains(output, "no jobs running since startup") {
			return "", nil
		}
		return "", err
	}
	return output, nil
}
