package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/malbeclabs/launchpad/collector/pkg/distribution"
	"github.com/malbeclabs/launchpad/utils/pkg/retry"
	"github.com/slack-go/slack"
)

// maxListedFailures caps how many failed tokens are itemized in one message.
const maxListedFailures = 10

// Poster is the subset of *slack.Client used to deliver messages.
type Poster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

type SlackConfig struct {
	Logger    *slog.Logger
	BotToken  string
	ChannelID string

	// Poster overrides the client built from BotToken.
	Poster Poster
	Retry  retry.Config
}

func (cfg *SlackConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ChannelID == "" {
		return errors.New("slack channel id is required")
	}
	if cfg.Poster == nil {
		if cfg.BotToken == "" {
			return errors.New("slack bot token is required")
		}
		cfg.Poster = slack.New(cfg.BotToken)
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// SlackNotifier posts a compact summary of each run to a channel.
type SlackNotifier struct {
	log *slog.Logger
	cfg SlackConfig
}

func NewSlack(cfg SlackConfig) (*SlackNotifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SlackNotifier{log: cfg.Logger, cfg: cfg}, nil
}

// NotifyRun posts the summary. Runs that saw no tokens and no error are not reported.
func (n *SlackNotifier) NotifyRun(ctx context.Context, summary *distribution.RunSummary) error {
	if summary == nil || (len(summary.Results) == 0 && summary.Error == "") {
		return nil
	}
	text := FormatSummary(summary)

	retryCfg := n.cfg.Retry
	retryCfg.Retryable = isRetryable
	err := retry.Do(ctx, retryCfg, func() error {
		_, _, err := n.cfg.Poster.PostMessageContext(ctx, n.cfg.ChannelID,
			slack.MsgOptionText(text, false),
			slack.MsgOptionDisableLinkUnfurl(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to post run summary: %w", err)
	}
	n.log.Debug("notify: posted run summary", "channel", n.cfg.ChannelID, "run_id", summary.ID.String())
	return nil
}

func isRetryable(err error) bool {
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		return true
	}
	msg := err.Error()
	if strings.Contains(msg, "missing_scope") || strings.Contains(msg, "channel_not_found") ||
		strings.Contains(msg, "invalid_auth") || strings.Contains(msg, "not_in_channel") {
		return false
	}
	return retry.IsRetryable(err)
}

// FormatSummary renders a run summary as Slack mrkdwn.
func FormatSummary(s *distribution.RunSummary) string {
	var collected uint64
	var failures []distribution.TokenResult
	for _, r := range s.Results {
		if r.Collection != nil {
			collected += r.Collection.Collected
		}
		if !r.Success {
			failures = append(failures, r)
		}
	}

	icon := ":white_check_mark:"
	if len(failures) > 0 || s.Error != "" {
		icon = ":warning:"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s *Fee collection run*", icon)
	if s.Trigger != "" {
		fmt.Fprintf(&b, " (%s)", s.Trigger)
	}
	fmt.Fprintf(&b, ": %d tokens, %d succeeded, %d failed, %s SOL collected in %s",
		len(s.Results), s.Succeeded(), s.Failed(),
		distribution.LamportsToSOL(collected).String(), s.Duration().Round(time.Millisecond).String())
	if s.Error != "" {
		fmt.Fprintf(&b, "\nRun error: %s", s.Error)
	}

	for i, r := range failures {
		if i == maxListedFailures {
			fmt.Fprintf(&b, "\n…and %d more", len(failures)-maxListedFailures)
			break
		}
		reason := r.Error
		if reason == "" {
			reason = r.Message
		}
		name := r.Name
		if name == "" {
			name = r.Token
		}
		fmt.Fprintf(&b, "\n• %s `%s`: %s", name, r.Token, reason)
	}
	return b.String()
}
