package notify

import (
	"context"

	"github.com/malbeclabs/launchpad/collector/pkg/distribution"
)

// Noop discards notifications; it is used when no Slack token is configured.
type Noop struct{}

func (Noop) NotifyRun(context.Context, *distribution.RunSummary) error { return nil }
