package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"docktor/cmd"
	"docktor/internal/pkg/report"
	"docktor/internal/pkg/scanner"
	"docktor/internal/pkg/severity"

	"github.com/slack-go/slack"
	"k8s.io/klog/v2"
)

// Slack section text is limited to 3000 characters.
const slackTextLimit = 3000

const slackImageTemplate = `
{{- printf "*%s*" .Result.Image }}
{{- if .Result.Containers }}{{ printf "\nContainers: %s" (join .Result.Containers ", ") }}{{ end }}
{{- if eq .Result.Status "FAILED" }}
{{ printf ":warning: Scan failed, the image was not scanned." }}
{{- else }}
{{ printf "Summary:" }}
{{- range descending }}{{ if index $.Result.SeverityCounts . }}
{{ printf "%10s: %5d" . (index $.Result.SeverityCounts .) }}{{ end }}{{ end }}
{{ printf "Details (%s and above):" $.Threshold }}
{{- range .Group.Severities }}
{{- range .Findings }}
• {{ .Severity }}: {{ if .PrimaryURL }}<{{ .PrimaryURL }}|{{ .VulnerabilityID }}>{{ else }}{{ .VulnerabilityID }}{{ end }} {{ .PkgName }} {{ .InstalledVersion }}{{ with .FixedVersion }} (fixed in {{ . }}){{ end }}
{{- end }}
{{- end }}
{{- end }}
`

type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

type slackImage struct {
	Result    *scanner.ScanResult
	Group     report.ImageGroup
	Threshold severity.Level
}

// Slack posts one message per image that has findings at or above the threshold, or whose scan failed.
type Slack struct {
	client  slackPoster
	channel string
	delay   time.Duration
}

// NewSlack returns a Slack notifier using the given cmd.SlackConfig.
func NewSlack(cfg *cmd.SlackConfig) *Slack {
	return &Slack{
		client:  slack.New(cfg.SlackToken),
		channel: cfg.SlackChannelID,
		delay:   time.Second,
	}
}

func (s *Slack) Name() string { return "slack" }

// Notify posts the report to the configured channel as slack.Block messages.
func (s *Slack) Notify(ctx context.Context, n *Notification) error {
	msgs, err := s.Format(n)
	if err != nil {
		return err
	}
	headerSection := s.GenerateTextBlock(fmt.Sprintf("*%s*\nContainer security updates as of %s", n.Subject, time.Now().Format(time.RFC1123Z)))
	for _, msg := range msgs {
		blockParts := []slack.Block{
			headerSection,
			s.GenerateTextBlock(msg),
			slack.NewDividerBlock(),
		}
		channelID, timestamp, err := s.PostMessage(ctx, blockParts...)
		if err != nil {
			return err
		}
		klog.Infof("Message successfully sent to channel %s at %s", channelID, timestamp)
	}
	return nil
}

// Format renders one message body per image worth reporting.
func (s *Slack) Format(n *Notification) ([]string, error) {
	tmpl, err := template.New("slack").Funcs(template.FuncMap{
		"descending": severity.Descending,
		"join":       strings.Join,
	}).Parse(slackImageTemplate)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]report.ImageGroup, len(n.Grouped))
	for _, g := range n.Grouped {
		groups[g.Image] = g
	}
	var msgs []string
	for _, r := range n.Results {
		group := groups[r.Image]
		if group.Empty() && r.Scanned() {
			continue
		}
		var buffer bytes.Buffer
		if err := tmpl.Execute(&buffer, &slackImage{Result: r, Group: group, Threshold: n.Threshold}); err != nil {
			return nil, err
		}
		msgs = append(msgs, truncate(buffer.String(), slackTextLimit))
	}
	return msgs, nil
}

// GenerateTextBlock returns a slack SectionBlock for the given input string.
func (s *Slack) GenerateTextBlock(input string) slack.Block {
	b := slack.NewTextBlockObject("mrkdwn", input, false, false)
	return slack.NewSectionBlock(b, nil, nil)
}

// PostMessage sends the given slack.Block messages to the configured Slack channel.
func (s *Slack) PostMessage(ctx context.Context, blocks ...slack.Block) (string, string, error) {
	// Delay calls to client.PostMessage in order to avoid exceeding Slack's rate limit
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
	return s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionBlocks(blocks...))
}

func truncate(s string, limit int) string {
	const marker = "\n…"
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-len([]rune(marker))]) + marker
}
