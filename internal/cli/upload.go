package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"

	"github.com/rescale/rescale-upload/internal/config"
	"github.com/rescale/rescale-upload/internal/constants"
	"github.com/rescale/rescale-upload/internal/events"
	httpclient "github.com/rescale/rescale-upload/internal/http"
	"github.com/rescale/rescale-upload/internal/logging"
	"github.com/rescale/rescale-upload/internal/progress"
	"github.com/rescale/rescale-upload/internal/services"
	"github.com/rescale/rescale-upload/internal/transfer"
	"github.com/rescale/rescale-upload/internal/transport"
)

// Progress display modes
const (
	progressBars    = "bars"    // One bar per file (plain lines when not a terminal)
	progressCompact = "compact" // A single aggregate bar
	progressNone    = "none"
)

type uploadFlags struct {
	endpoint      string
	maxConcurrent int
	headers       []string
	fields        []string
	progressMode  string
}

// uploadSummary is the outcome of one upload run.
type uploadSummary struct {
	Total     int
	Succeeded int
	Failed    int
	Cancelled int
	Bytes     int64
}

func newUploadCmd() *cobra.Command {
	flags := &uploadFlags{}
	var noProgress, compact bool

	cmd := &cobra.Command{
		Use:   "upload <file> [file...]",
		Short: "Upload files to the configured endpoint",
		Long: `Upload one or more files as multipart/form-data POST requests.

At most --max-concurrent uploads are in flight at once; the rest wait and
start in the order given as earlier uploads finish. Press Ctrl+C to cancel
everything that has not finished yet.

Examples:
  rescale-upload upload --endpoint http://localhost:8080/api/upload a.dat b.dat
  rescale-upload upload -H "Authorization=Bearer abc" -F project=p-123 *.csv`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.progressMode = progressBars
			if compact {
				flags.progressMode = progressCompact
			}
			if noProgress {
				flags.progressMode = progressNone
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if err := applyUploadFlags(cmd, cfg, flags); err != nil {
				return err
			}

			summary, err := runUpload(GetContext(), cfg, args, flags.progressMode, GetLogger())
			printSummary(cmd.OutOrStdout(), summary)
			return err
		},
	}

	cmd.Flags().StringVarP(&flags.endpoint, "endpoint", "e", "", "Upload endpoint URL (overrides config)")
	cmd.Flags().IntVarP(&flags.maxConcurrent, "max-concurrent", "m", constants.DefaultMaxConcurrent,
		fmt.Sprintf("Maximum concurrent uploads (%d-%d)", constants.MinMaxConcurrent, constants.MaxMaxConcurrent))
	cmd.Flags().StringArrayVarP(&flags.headers, "header", "H", nil, "Request header as KEY=VALUE (repeatable)")
	cmd.Flags().StringArrayVarP(&flags.fields, "field", "F", nil, "Extra form field as KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "Disable progress output")
	cmd.Flags().BoolVar(&compact, "compact", false, "Show a single aggregate progress bar")

	return cmd
}

// applyUploadFlags overlays flags the user actually set on cfg and validates
// the result.
func applyUploadFlags(cmd *cobra.Command, cfg *config.Config, flags *uploadFlags) error {
	if cmd.Flags().Changed("endpoint") {
		cfg.Endpoint = flags.endpoint
	}
	if cmd.Flags().Changed("max-concurrent") {
		cfg.MaxConcurrent = flags.maxConcurrent
	}

	headers, err := config.ParseKeyValues(flags.headers)
	if err != nil {
		return fmt.Errorf("invalid --header: %w", err)
	}
	for k, v := range headers {
		cfg.Headers[k] = v
	}

	fields, err := config.ParseKeyValues(flags.fields)
	if err != nil {
		return fmt.Errorf("invalid --field: %w", err)
	}
	for k, v := range fields {
		cfg.Fields[k] = v
	}

	return cfg.ValidateForUpload()
}

// runUpload sends files to cfg.Endpoint and blocks until every upload has
// finished or ctx is cancelled. A non-nil error is returned when any upload
// did not succeed.
func runUpload(ctx context.Context, cfg *config.Config, files []string, progressMode string, logger *logging.Logger) (uploadSummary, error) {
	summary := uploadSummary{}

	payloads := make([]transfer.Payload, 0, len(files))
	var totalBytes int64
	for _, path := range files {
		p, err := transfer.FilePayload(path)
		if err != nil {
			return summary, fmt.Errorf("cannot upload %s: %w", path, err)
		}
		payloads = append(payloads, p)
		totalBytes += p.Size
	}

	if httpclient.NeedsProxyPassword(cfg.Proxy) {
		password, err := promptProxyPassword(cfg.Proxy.User)
		if err != nil {
			return summary, err
		}
		cfg.Proxy.Password = password
	}

	client, err := httpclient.ConfigureHTTPClient(cfg.Proxy, logger)
	if err != nil {
		return summary, fmt.Errorf("failed to configure HTTP client: %w", err)
	}

	eventBus := events.NewEventBus(constants.EventBusMaxBuffer)
	defer eventBus.Close()

	svcLogger := logging.NewLogger("upload-service")
	adapterLogger := logging.NewLogger("transport")

	// Progress display
	var tracker *progress.Tracker
	var trackerDone sync.WaitGroup
	restoreLogs := func() {}
	switch progressMode {
	case progressBars:
		ui := progress.NewUploadUI(len(payloads))
		if ui.IsTerminal() {
			// Route log lines above the bars so they don't tear the display
			prev := logger.Output()
			for _, l := range []*logging.Logger{logger, svcLogger, adapterLogger} {
				l.SetOutput(ui.Writer())
			}
			restoreLogs = func() {
				for _, l := range []*logging.Logger{logger, svcLogger, adapterLogger} {
					l.SetOutput(prev)
				}
			}
		}
		tracker = progress.NewTracker(ui, nil)
	case progressCompact:
		overall := progress.NewCLIProgress()
		overall.Start(totalBytes, fmt.Sprintf("Uploading %d files", len(payloads)))
		tracker = progress.NewTracker(progress.NewUploadUIWithWriter(len(payloads), io.Discard, false), overall)
	}

	var sub <-chan events.Event
	if tracker != nil {
		sub = eventBus.SubscribeAll()
		trackerDone.Add(1)
		go func() {
			defer trackerDone.Done()
			tracker.Run(sub)
		}()
	}

	svc := services.NewUploadService(
		transport.NewHTTPAdapter(client, adapterLogger),
		eventBus,
		services.UploadServiceConfig{MaxConcurrent: cfg.MaxConcurrent},
	)
	svc.SetLogger(svcLogger)

	for _, p := range payloads {
		svc.AddUpload(p)
	}

	logger.Debug().Int("files", len(payloads)).Int("max_concurrent", cfg.MaxConcurrent).
		Str("endpoint", cfg.Endpoint).Msg("Starting uploads")

	svc.StartUpload(cfg.Endpoint, services.Options{
		Headers:   cfg.Headers,
		ExtraBody: cfg.Fields,
		OnError: func(p transfer.Payload, err error) {
			logger.Debug().Str("file", p.Name).Err(err).Msg("Upload error reported")
		},
	})

	// Ctrl+C cancels everything still pending or in flight
	stopCancel := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			svc.CancelAllUploads()
		case <-stopCancel:
		}
	}()

	// The registry settles once every abort is confirmed, so wait without ctx.
	// Wait also covers the last callbacks, which may still log.
	waitErr := svc.Wait(context.Background())
	close(stopCancel)
	restoreLogs()

	if sub != nil {
		eventBus.UnsubscribeAll(sub)
		trackerDone.Wait()
		tracker.Close()
	}

	stats := svc.GetStats()
	summary.Total = len(payloads)
	summary.Succeeded = stats.Success
	summary.Failed = stats.Failed
	// Cancelled tasks leave the registry once their abort is confirmed
	summary.Cancelled = summary.Total - stats.Success - stats.Failed
	for _, task := range svc.GetSnapshot().Tasks {
		if task.Status == transfer.StatusSuccess {
			summary.Bytes += task.Payload.Size
		}
	}

	switch {
	case waitErr != nil:
		return summary, waitErr
	case ctx.Err() != nil:
		return summary, fmt.Errorf("upload interrupted: %w", ctx.Err())
	case summary.Failed > 0 || summary.Cancelled > 0:
		return summary, errors.New(failureMessage(summary))
	}
	return summary, nil
}

func failureMessage(s uploadSummary) string {
	if s.Cancelled > 0 {
		return fmt.Sprintf("%d of %d uploads failed, %d cancelled", s.Failed, s.Total, s.Cancelled)
	}
	return fmt.Sprintf("%d of %d uploads failed", s.Failed, s.Total)
}

func printSummary(w io.Writer, s uploadSummary) {
	if s.Total == 0 {
		return
	}
	fmt.Fprintf(w, "\nUploaded %d/%d files (%s)", s.Succeeded, s.Total, formatBytes(s.Bytes))
	if s.Failed > 0 {
		fmt.Fprintf(w, ", %d failed", s.Failed)
	}
	if s.Cancelled > 0 {
		fmt.Fprintf(w, ", %d cancelled", s.Cancelled)
	}
	fmt.Fprintln(w)
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
