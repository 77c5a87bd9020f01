package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/yourusername/parse-forge/internal/describe"
	"github.com/yourusername/parse-forge/internal/pipeline"
)

type convertFunc func(ctx context.Context, path string, cfg pipeline.Config) (*pipeline.Conversion, error)

func (f convertFunc) Convert(ctx context.Context, path string, cfg pipeline.Config) (*pipeline.Conversion, error) {
	return f(ctx, path, cfg)
}

type releaseRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (r *releaseRecorder) Release(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[jobID]++
	return nil
}

func (r *releaseRecorder) count(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[jobID]
}

type describerFunc func(ctx context.Context, imageURI, prompt string) (string, error)

func (f describerFunc) Describe(ctx context.Context, imageURI, prompt string) (string, error) {
	return f(ctx, imageURI, prompt)
}

func sampleConversion() *pipeline.Conversion {
	doc := &pipeline.Document{
		Name: "report",
		Origin: pipeline.Origin{
			Filename:   "report.pdf",
			MimeType:   "application/pdf",
			BinaryHash: "abc123",
			Size:       42,
		},
		Pages: []pipeline.PageInfo{{PageNumber: 1, Width: 612, Height: 792}},
	}
	doc.AddText(pipeline.LabelTitle, "Quarterly Report", 1, nil)
	doc.AddText(pipeline.LabelParagraph, "Revenue grew.", 1, nil)
	doc.AddTable([][]string{{"Region", "Sales"}, {"North", "10"}}, 1, "")
	doc.AddPicture(pipeline.PictureItem{Page: 1, MimeType: "image/png", ImageURI: "data:image/png;base64,AAAA"})
	return &pipeline.Conversion{
		Document: doc,
		Status:   pipeline.StatusSuccess,
		Elapsed:  1500 * time.Microsecond,
	}
}

type harness struct {
	clock      *fakeClock
	registry   *Registry
	results    *ResultCache[*ParseResult]
	workspaces *releaseRecorder
	orch       *Orchestrator
	query      *Query
}

func newHarness(t *testing.T, conv pipeline.Converter, enricher Enricher, timeout time.Duration) *harness {
	t.Helper()
	clock := newFakeClock()
	h := &harness{
		clock:      clock,
		registry:   NewRegistry(clock.Now),
		results:    NewResultCache[*ParseResult](clock.Now),
		workspaces: &releaseRecorder{},
	}
	locator := NewLocator("")
	orch, err := NewOrchestrator(h.registry, h.results, conv, enricher, h.workspaces, OrchestratorConfig{
		ResultTTL:  time.Hour,
		JobTimeout: timeout,
		Locator:    locator,
		Now:        clock.Now,
	})
	if err != nil {
		t.Fatalf("NewOrchestrator returned error: %v", err)
	}
	h.orch = orch
	h.query = NewQuery(h.registry, h.results, locator)
	return h
}

func (h *harness) submit(t *testing.T, jobID string, opts Options) {
	t.Helper()
	if _, err := h.registry.Create(jobID, Input{Filename: "report.pdf", Path: "/tmp/in/report.pdf", Size: 42, Options: opts.Normalize()}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
}

func TestOrchestratorCompletesJob(t *testing.T) {
	var gotCfg pipeline.Config
	conv := convertFunc(func(ctx context.Context, path string, cfg pipeline.Config) (*pipeline.Conversion, error) {
		gotCfg = cfg
		return sampleConversion(), nil
	})
	h := newHarness(t, conv, nil, time.Minute)
	h.submit(t, "job-1", Options{Mode: pipeline.ModeStandard, ExtractTables: true, ImageScale: 2})

	h.orch.Run(context.Background(), "job-1")

	if gotCfg.Filename != "report.pdf" || !gotCfg.ExtractTables || gotCfg.ImageScale != 2 {
		t.Fatalf("unexpected pipeline config: %+v", gotCfg)
	}
	rec, _ := h.registry.Get("job-1")
	if rec.Status != StatusCompleted || rec.ProgressPercent != 100 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	lookup := h.query.Result("job-1")
	if lookup.Kind != ResultReady {
		t.Fatalf("Kind = %v, want READY", lookup.Kind)
	}
	res := lookup.Payload
	if res.Metadata.PageCount != 1 || res.Metadata.MimeType != "application/pdf" || res.Metadata.ProcessingTimeMs != 1.5 {
		t.Fatalf("unexpected metadata: %+v", res.Metadata)
	}
	if res.Statistics.TotalTextItems != 2 || res.Statistics.TotalTables != 1 || res.Statistics.TotalPictures != 1 {
		t.Fatalf("unexpected statistics: %+v", res.Statistics)
	}
	if !strings.Contains(res.Content.Markdown, "# Quarterly Report") {
		t.Fatalf("markdown missing title: %q", res.Content.Markdown)
	}
	if res.Exports.MarkdownURL != "/api/v1/parse/results/job-1/export/markdown" {
		t.Fatalf("MarkdownURL = %q", res.Exports.MarkdownURL)
	}
	if res.Exports.XLSXURL == "" || res.Exports.ImagesURL == "" {
		t.Fatalf("expected table and image exports: %+v", res.Exports)
	}
	if !lookup.ExpiresAt.Equal(h.clock.Now().Add(time.Hour)) {
		t.Fatalf("ExpiresAt = %v", lookup.ExpiresAt)
	}
	if h.workspaces.count("job-1") != 1 {
		t.Fatalf("workspace released %d times, want 1", h.workspaces.count("job-1"))
	}
}

func TestOrchestratorReportsProgressWhileRunning(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	conv := convertFunc(func(ctx context.Context, path string, cfg pipeline.Config) (*pipeline.Conversion, error) {
		close(started)
		<-unblock
		return sampleConversion(), nil
	})
	h := newHarness(t, conv, nil, time.Minute)
	h.submit(t, "job-1", Options{})

	done := make(chan struct{})
	go func() {
		h.orch.Run(context.Background(), "job-1")
		close(done)
	}()
	<-started

	lookup := h.query.Result("job-1")
	if lookup.Kind != ResultStillProcessing {
		t.Fatalf("Kind = %v, want STILL_PROCESSING", lookup.Kind)
	}
	if lookup.Status != StatusProcessing || lookup.ProgressPercent != progressConfigured {
		t.Fatalf("unexpected lookup: %+v", lookup)
	}
	if lookup.StatusURL != "/api/v1/parse/jobs/job-1" {
		t.Fatalf("StatusURL = %q", lookup.StatusURL)
	}

	close(unblock)
	<-done
	if got := h.query.Result("job-1").Kind; got != ResultReady {
		t.Fatalf("Kind = %v after completion, want READY", got)
	}
}

func TestOrchestratorRecordsConversionFailure(t *testing.T) {
	conv := convertFunc(func(ctx context.Context, path string, cfg pipeline.Config) (*pipeline.Conversion, error) {
		return nil, &pipeline.Error{Kind: pipeline.KindCorrupt, Msg: "corrupt file", Err: errors.New("xref table not found")}
	})
	h := newHarness(t, conv, nil, time.Minute)
	h.submit(t, "job-1", Options{})

	h.orch.Run(context.Background(), "job-1")

	rec, _ := h.registry.Get("job-1")
	if rec.Status != StatusFailed {
		t.Fatalf("Status = %s, want failed", rec.Status)
	}
	if !strings.HasPrefix(rec.ErrorMessage, "parsing failed: ") || !strings.Contains(rec.ErrorMessage, "corrupt file") {
		t.Fatalf("ErrorMessage = %q", rec.ErrorMessage)
	}
	lookup := h.query.Result("job-1")
	if lookup.Kind != ResultParsingFailed || lookup.ErrorMessage != rec.ErrorMessage {
		t.Fatalf("unexpected lookup: %+v", lookup)
	}
	if h.results.Len() != 0 {
		t.Fatalf("failed job stored a result")
	}
	if h.workspaces.count("job-1") != 1 {
		t.Fatalf("workspace released %d times, want 1", h.workspaces.count("job-1"))
	}
}

func TestOrchestratorTimesOut(t *testing.T) {
	conv := convertFunc(func(ctx context.Context, path string, cfg pipeline.Config) (*pipeline.Conversion, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, conv, nil, 20*time.Millisecond)
	h.submit(t, "job-1", Options{})

	h.orch.Run(context.Background(), "job-1")

	rec, _ := h.registry.Get("job-1")
	if rec.Status != StatusFailed || rec.ErrorMessage != "parsing failed: job timed out after 20ms" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestOrchestratorHonorsCancellation(t *testing.T) {
	started := make(chan struct{})
	conv := convertFunc(func(ctx context.Context, path string, cfg pipeline.Config) (*pipeline.Conversion, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h := newHarness(t, conv, nil, time.Minute)
	h.submit(t, "job-1", Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.orch.Run(ctx, "job-1")
		close(done)
	}()
	<-started
	cancel()
	<-done

	rec, _ := h.registry.Get("job-1")
	if rec.Status != StatusFailed || rec.ErrorMessage != "parsing failed: job canceled" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if h.workspaces.count("job-1") != 1 {
		t.Fatalf("workspace released %d times, want 1", h.workspaces.count("job-1"))
	}
}

func TestOrchestratorRecoversPanic(t *testing.T) {
	conv := convertFunc(func(ctx context.Context, path string, cfg pipeline.Config) (*pipeline.Conversion, error) {
		panic("boom")
	})
	h := newHarness(t, conv, nil, time.Minute)
	h.submit(t, "job-1", Options{})

	h.orch.Run(context.Background(), "job-1")

	rec, _ := h.registry.Get("job-1")
	if rec.Status != StatusFailed || rec.ErrorMessage != "parsing failed: internal error: boom" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if h.workspaces.count("job-1") != 1 {
		t.Fatalf("workspace released %d times, want 1", h.workspaces.count("job-1"))
	}
}

func TestOrchestratorRunsJobOnce(t *testing.T) {
	var calls atomic.Int32
	conv := convertFunc(func(ctx context.Context, path string, cfg pipeline.Config) (*pipeline.Conversion, error) {
		calls.Add(1)
		return sampleConversion(), nil
	})
	h := newHarness(t, conv, nil, time.Minute)
	h.submit(t, "job-1", Options{})

	h.orch.Run(context.Background(), "job-1")
	h.orch.Run(context.Background(), "job-1")
	h.orch.Run(context.Background(), "missing")

	if calls.Load() != 1 {
		t.Fatalf("converter called %d times, want 1", calls.Load())
	}
	rec, _ := h.registry.Get("job-1")
	if rec.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", rec.Status)
	}
}

func TestOrchestratorDuplicateDeliveryKeepsWorkspace(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	conv := convertFunc(func(ctx context.Context, path string, cfg pipeline.Config) (*pipeline.Conversion, error) {
		close(started)
		<-unblock
		return sampleConversion(), nil
	})
	h := newHarness(t, conv, nil, time.Minute)
	h.submit(t, "job-1", Options{})

	done := make(chan struct{})
	go func() {
		h.orch.Run(context.Background(), "job-1")
		close(done)
	}()
	<-started

	// 変換中に同じジョブがもう一度届いても、実行中の作業領域は削除されません。
	h.orch.Run(context.Background(), "job-1")
	if got := h.workspaces.count("job-1"); got != 0 {
		t.Fatalf("workspace released %d times while converting, want 0", got)
	}

	close(unblock)
	<-done
	if got := h.workspaces.count("job-1"); got != 1 {
		t.Fatalf("workspace released %d times, want 1", got)
	}
	rec, _ := h.registry.Get("job-1")
	if rec.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", rec.Status)
	}
}

func TestOrchestratorConcurrentDeliveriesConvertOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	conv := convertFunc(func(ctx context.Context, path string, cfg pipeline.Config) (*pipeline.Conversion, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return sampleConversion(), nil
	})
	h := newHarness(t, conv, nil, time.Minute)
	h.submit(t, "job-1", Options{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.orch.Run(context.Background(), "job-1")
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("converter called %d times, want 1", calls)
	}
	if got := h.workspaces.count("job-1"); got != 1 {
		t.Fatalf("workspace released %d times, want 1", got)
	}
	rec, _ := h.registry.Get("job-1")
	if rec.Status != StatusCompleted {
		t.Fatalf("Status = %s, want completed", rec.Status)
	}
}

func TestOrchestratorReleasesWorkspaceOfUnknownJob(t *testing.T) {
	h := newHarness(t, convertFunc(nil), nil, time.Minute)
	h.orch.Run(context.Background(), "missing")
	if got := h.workspaces.count("missing"); got != 1 {
		t.Fatalf("workspace released %d times, want 1", got)
	}
}

func TestOrchestratorDescribesPictures(t *testing.T) {
	conv := convertFunc(func(ctx context.Context, path string, cfg pipeline.Config) (*pipeline.Conversion, error) {
		return sampleConversion(), nil
	})
	var prompts []string
	var mu sync.Mutex
	enricher := describe.NewEnricher(nil, describe.WithDescriber(describe.ProviderOpenAI, describerFunc(
		func(ctx context.Context, imageURI, prompt string) (string, error) {
			mu.Lock()
			prompts = append(prompts, prompt)
			mu.Unlock()
			return "A bar chart of sales by region.", nil
		})))
	h := newHarness(t, conv, enricher, time.Minute)
	h.submit(t, "job-1", Options{
		DescribeImages:      true,
		DescriptionProvider: describe.ProviderOpenAI,
		DescriptionPrompt:   "Describe briefly.",
	})

	h.orch.Run(context.Background(), "job-1")

	lookup := h.query.Result("job-1")
	if lookup.Kind != ResultReady {
		t.Fatalf("Kind = %v, want READY", lookup.Kind)
	}
	pic := lookup.Payload.Content.Pictures[0]
	if pic.Description != "A bar chart of sales by region." || pic.DescriptionProvider != string(describe.ProviderOpenAI) {
		t.Fatalf("unexpected picture: %+v", pic)
	}
	if lookup.Payload.Statistics.DescribedPictures != 1 {
		t.Fatalf("DescribedPictures = %d, want 1", lookup.Payload.Statistics.DescribedPictures)
	}
	if !strings.Contains(lookup.Payload.Content.Markdown, "> A bar chart of sales by region.") {
		t.Fatalf("markdown missing description: %q", lookup.Payload.Content.Markdown)
	}
	if len(prompts) != 1 || prompts[0] != "Describe briefly." {
		t.Fatalf("unexpected prompts: %v", prompts)
	}
}

func TestOrchestratorSkipsDescriptionWhenDisabled(t *testing.T) {
	conv := convertFunc(func(ctx context.Context, path string, cfg pipeline.Config) (*pipeline.Conversion, error) {
		return sampleConversion(), nil
	})
	var called atomic.Bool
	enricher := describe.NewEnricher(nil, describe.WithDescriber(describe.ProviderOpenAI, describerFunc(
		func(ctx context.Context, imageURI, prompt string) (string, error) {
			called.Store(true)
			return "unused", nil
		})))
	h := newHarness(t, conv, enricher, time.Minute)
	h.submit(t, "job-1", Options{DescriptionProvider: describe.ProviderOpenAI})

	h.orch.Run(context.Background(), "job-1")

	if called.Load() {
		t.Fatalf("describer was called although describeImages is false")
	}
	if got := h.query.Result("job-1").Kind; got != ResultReady {
		t.Fatalf("Kind = %v, want READY", got)
	}
}
