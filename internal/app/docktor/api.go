package docktor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"docktor/cmd"
	"docktor/internal/pkg/history"
	"docktor/internal/pkg/inventory"
	"docktor/internal/pkg/notify"
	"docktor/internal/pkg/report"
	"docktor/internal/pkg/scanner"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

type recorder interface {
	Record(ctx context.Context, run *history.Run) error
}

// pipeline is one run of docktor with its collaborators resolved.
type pipeline struct {
	cfg       *cmd.Config
	inventory inventory.Inventory
	source    scanner.Source
	renderer  *report.Renderer
	notifiers []notify.Notifier
	history   recorder
	runID     string
	now       func() time.Time
}

func Run(cfg *cmd.Config) error {
	// Create the cancellation context and termination signal handler
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalChannel)
	go func() {
		select {
		case <-signalChannel:
			klog.Info("Termination signal received, cancelling scan...")
			cancel()
		case <-ctx.Done():
		}
	}()

	inv, err := newInventory(cfg)
	if err != nil {
		return discoveryFailed(err)
	}
	source, err := newSource(cfg)
	if err != nil {
		return err
	}
	notifiers, err := newNotifiers(cfg)
	if err != nil {
		return err
	}

	p := &pipeline{
		cfg:       cfg,
		inventory: inv,
		source:    source,
		renderer:  report.NewRenderer(cfg.TemplateDir),
		notifiers: notifiers,
		runID:     uuid.NewString(),
		now:       time.Now,
	}
	if cfg.DatabaseURL != "" {
		store, err := history.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			klog.Warningf("Run history disabled: %s", err.Error())
		} else {
			defer store.Close()
			p.history = store
		}
	}
	return p.run(ctx)
}

func (p *pipeline) run(ctx context.Context) error {
	startedAt := p.now()
	threshold := p.cfg.Threshold()
	klog.Infof("Starting run %s (threshold %s)", p.runID, threshold)

	containers, err := p.inventory.Containers(ctx)
	if err != nil {
		return discoveryFailed(err)
	}
	images := scanner.Deduplicate(containers, p.cfg.ExclusionRule())
	if len(images.Images) == 0 {
		klog.Info("No containers to scan.")
		return nil
	}
	klog.Infof("Found %d distinct image(s) across %d container(s)", len(images.Images), len(containers))

	artifactDir := filepath.Join(p.cfg.ArtifactDir, "docktor-"+p.runID)
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}

	results := scanner.ScanImages(ctx, p.source, images.Images, p.cfg.ScanConcurrency, artifactDir)
	scanner.AttachContainers(results, images.Containers)
	logSummary(results)

	notified := false
	defer func() {
		p.record(startedAt, results, notified)
	}()

	if !report.ShouldNotify(results, threshold) {
		klog.Infof("No vulnerabilities meeting threshold %s found; notification suppressed.", threshold)
		return nil
	}

	n, err := p.render(results, artifactDir)
	if err != nil {
		return err
	}
	err = notify.Dispatch(ctx, p.notifiers, n)
	notified = err == nil
	return err
}

func (p *pipeline) render(results []*scanner.ScanResult, artifactDir string) (*notify.Notification, error) {
	threshold := p.cfg.Threshold()
	data := report.NewData(results, threshold, p.now())
	text, err := p.renderer.Text(data)
	if err != nil {
		return nil, err
	}
	html, err := p.renderer.HTML(data)
	if err != nil {
		return nil, err
	}
	attachments, err := p.renderer.BuildAttachments(results, threshold, artifactDir, p.cfg.AttachJSON)
	if err != nil {
		return nil, err
	}
	return &notify.Notification{
		RunID:       p.runID,
		Subject:     report.Subject(results, threshold),
		Text:        text,
		HTML:        html,
		Attachments: attachments,
		Results:     results,
		Grouped:     data.Grouped,
		Threshold:   threshold,
	}, nil
}

// record stores the run in the history database. History is best effort and never fails a run.
func (p *pipeline) record(startedAt time.Time, results []*scanner.ScanResult, notified bool) {
	if p.history == nil {
		return
	}
	// The run context may already be cancelled; recording still gets a short window.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := p.history.Record(ctx, &history.Run{
		ID:         p.runID,
		StartedAt:  startedAt,
		FinishedAt: p.now(),
		Threshold:  p.cfg.Threshold(),
		Notified:   notified,
		Results:    results,
	})
	if err != nil {
		klog.Warningf("Unable to record run %s: %s", p.runID, err.Error())
	}
}

func logSummary(results []*scanner.ScanResult) {
	var failed, clean int
	for _, r := range results {
		switch r.Status {
		case scanner.StatusFailed:
			failed++
		case scanner.StatusClean:
			clean++
		}
	}
	klog.Infof("Scanned %d image(s): %d with findings, %d clean, %d failed", len(results), len(results)-failed-clean, clean, failed)
	if failed > 0 {
		klog.Warningf("%d image(s) could not be scanned and are NOT known to be clean", failed)
	}
}

// discoveryFailed ends the run cleanly when the container backend is unreachable.
func discoveryFailed(err error) error {
	if errors.Is(err, inventory.ErrUnreachable) {
		klog.Errorf("Container discovery failed, nothing to scan: %s", err.Error())
		return nil
	}
	return err
}

func newInventory(cfg *cmd.Config) (inventory.Inventory, error) {
	switch cfg.Inventory {
	case cmd.InventoryKubernetes:
		return inventory.NewKubernetes(cfg.KubeConfigPath, cfg.InventoryOptions())
	default:
		return inventory.NewDocker(cfg.InventoryOptions())
	}
}

func newSource(cfg *cmd.Config) (scanner.Source, error) {
	switch cfg.Source {
	case cmd.SourceECR:
		return scanner.NewECRSource(cfg.AWSAccountID)
	default:
		return scanner.NewTrivySource(cfg.TrivyBin, cfg.TrivyArgs, cfg.ScanTimeout), nil
	}
}

func newNotifiers(cfg *cmd.Config) ([]notify.Notifier, error) {
	if cfg.DryRun {
		klog.Info("Dry run: the report is printed instead of sent")
		return []notify.Notifier{&notify.Console{Out: os.Stdout}}, nil
	}
	notifiers := []notify.Notifier{notify.NewEmail(&cfg.SMTPConfig)}
	if cfg.SlackToken != "" {
		notifiers = append(notifiers, notify.NewSlack(&cfg.SlackConfig))
	}
	if cfg.ArchiveBucket != "" {
		archive, err := notify.NewArchive(&cfg.ArchiveConfig)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, archive)
	}
	return notifiers, nil
}
