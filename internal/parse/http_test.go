package parse

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xuri/excelize/v2"

	"github.com/yourusername/parse-forge/internal/describe"
	"github.com/yourusername/parse-forge/internal/jobs"
	"github.com/yourusername/parse-forge/internal/pipeline"
	"github.com/yourusername/parse-forge/internal/storage"
)

type stubJobs struct {
	mu        sync.Mutex
	submitted map[string]jobs.Input
	submitErr error
	views     map[string]jobs.StatusView
	lookups   map[string]jobs.ResultLookup
	deleted   []string
}

func newStubJobs() *stubJobs {
	return &stubJobs{
		submitted: make(map[string]jobs.Input),
		views:     make(map[string]jobs.StatusView),
		lookups:   make(map[string]jobs.ResultLookup),
	}
}

func (s *stubJobs) Submit(ctx context.Context, jobID string, input jobs.Input) (jobs.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return jobs.Record{}, s.submitErr
	}
	s.submitted[jobID] = input
	return jobs.Record{JobID: jobID, Status: jobs.StatusPending, Input: input}, nil
}

func (s *stubJobs) Status(jobID string) (jobs.StatusView, bool) {
	v, ok := s.views[jobID]
	return v, ok
}

func (s *stubJobs) Result(jobID string) jobs.ResultLookup {
	if l, ok := s.lookups[jobID]; ok {
		return l
	}
	return jobs.ResultLookup{Kind: jobs.ResultNotFound}
}

func (s *stubJobs) List(filter ...jobs.Status) []jobs.StatusView {
	out := []jobs.StatusView{}
	for _, v := range s.views {
		if len(filter) > 0 && v.Status != filter[0] {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (s *stubJobs) DeleteResult(jobID string) bool {
	s.deleted = append(s.deleted, jobID)
	return true
}

func (s *stubJobs) onlySubmission(t *testing.T) (string, jobs.Input) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.submitted) != 1 {
		t.Fatalf("expected exactly one submission, got %d", len(s.submitted))
	}
	for id, input := range s.submitted {
		return id, input
	}
	return "", jobs.Input{}
}

func newTestRouter(t *testing.T, svc *stubJobs, maxSize int64) (*gin.Engine, *storage.Local) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	local, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	router := gin.New()
	RegisterRoutes(router.Group("/api/v1"), RouteConfig{
		Submit: SubmitConfig{
			Jobs:        svc,
			Workspaces:  local,
			Formats:     pipeline.NewRouter(),
			MaxFileSize: maxSize,
			Defaults: Defaults{
				Mode:          pipeline.ModeStandard,
				ExtractImages: true,
				ExtractTables: true,
				ImageScale:    2.0,
			},
			Locator: jobs.NewLocator(""),
		},
		Reader: svc,
		Info: InfoConfig{
			Service:   "parse-forge-api",
			Version:   "test",
			MimeTypes: pipeline.NewRouter().SupportedMimeTypes(),
		},
	})
	return router, local
}

func multipartRequest(t *testing.T, target, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("failed to write field: %v", err)
		}
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("failed to write content: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func workspaceCount(t *testing.T, local *storage.Local) int {
	t.Helper()
	entries, err := os.ReadDir(local.Root())
	if err != nil {
		t.Fatalf("failed to read storage root: %v", err)
	}
	return len(entries)
}

func TestSubmitAcceptsMarkdown(t *testing.T) {
	svc := newStubJobs()
	router, _ := newTestRouter(t, svc, 1<<20)

	req := multipartRequest(t, "/api/v1/parse/document?parsing_mode=high_quality&images_scale=3.5", "notes.md",
		[]byte("# Title\n\nSome text.\n"),
		map[string]string{"describe_images": "true", "description_provider": "builtin"})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	jobID, input := svc.onlySubmission(t)
	if body["jobId"] != jobID || body["status"] != string(jobs.StatusPending) {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["statusUrl"] != "/api/v1/parse/jobs/"+jobID {
		t.Fatalf("statusUrl = %v", body["statusUrl"])
	}

	if input.Filename != "notes.md" || input.ContentType != "text/plain" || input.Size != 20 {
		t.Fatalf("unexpected input: %+v", input)
	}
	if _, err := os.Stat(input.Path); err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	opts := input.Options
	if opts.Mode != pipeline.ModeHighQuality || opts.ImageScale != 3.5 || !opts.ExtractTables {
		t.Fatalf("unexpected options: %+v", opts)
	}
	if !opts.DescribeImages || opts.DescriptionProvider != describe.ProviderBuiltin {
		t.Fatalf("unexpected description options: %+v", opts)
	}
}

func TestSubmitRejectsInvalidInput(t *testing.T) {
	pngHeader := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}
	cases := []struct {
		name     string
		target   string
		filename string
		content  []byte
		wantCode string
		status   int
	}{
		{"unsupported extension", "/api/v1/parse/document", "tool.exe", []byte("MZ"), CodeUnsupportedFileType, http.StatusBadRequest},
		{"word document", "/api/v1/parse/document", "report.docx", []byte("PK\x03\x04\x14\x00\x06\x00\x08\x00"), CodeUnsupportedFileType, http.StatusBadRequest},
		{"slide deck", "/api/v1/parse/document", "deck.pptx", []byte("PK\x03\x04\x14\x00\x06\x00\x08\x00"), CodeUnsupportedFileType, http.StatusBadRequest},
		{"content mismatch", "/api/v1/parse/document", "photo.png", []byte("PK\x03\x04\x14\x00\x00\x00\x08\x00"), CodeUnsupportedMimeType, http.StatusBadRequest},
		{"too large", "/api/v1/parse/document", "big.txt", bytes.Repeat([]byte("a"), 64), CodeFileTooLarge, http.StatusRequestEntityTooLarge},
		{"empty file", "/api/v1/parse/document", "empty.txt", nil, CodeInvalidInput, http.StatusBadRequest},
		{"scale out of range", "/api/v1/parse/document?images_scale=5", "photo.png", pngHeader, CodeInvalidInput, http.StatusBadRequest},
		{"unknown mode", "/api/v1/parse/document?parsing_mode=turbo", "notes.md", []byte("# x"), CodeInvalidInput, http.StatusBadRequest},
		{"unknown provider", "/api/v1/parse/document?description_provider=claude", "notes.md", []byte("# x"), CodeInvalidInput, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newStubJobs()
			router, local := newTestRouter(t, svc, 32)

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, multipartRequest(t, tc.target, tc.filename, tc.content, nil))

			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d body=%s", rec.Code, tc.status, rec.Body.String())
			}
			if body := decodeBody(t, rec); body["code"] != tc.wantCode {
				t.Fatalf("code = %v, want %s", body["code"], tc.wantCode)
			}
			if len(svc.submitted) != 0 {
				t.Fatalf("job should not be created")
			}
			if n := workspaceCount(t, local); n != 0 {
				t.Fatalf("workspace left behind: %d", n)
			}
		})
	}
}

func TestSubmitWithoutFile(t *testing.T) {
	svc := newStubJobs()
	router, _ := newTestRouter(t, svc, 1<<20)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/parse/document", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != CodeInvalidInput {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestSubmitQueueFull(t *testing.T) {
	svc := newStubJobs()
	svc.submitErr = jobs.ErrQueueFull
	router, local := newTestRouter(t, svc, 1<<20)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, multipartRequest(t, "/api/v1/parse/document", "notes.md", []byte("# x"), nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["code"] != CodeQueueFull {
		t.Fatalf("unexpected body: %v", body)
	}
	jobID, _ := body["jobId"].(string)
	if jobID == "" || body["statusUrl"] != "/api/v1/parse/jobs/"+jobID {
		t.Fatalf("expected jobId and statusUrl in body: %v", body)
	}
	if n := workspaceCount(t, local); n != 0 {
		t.Fatalf("workspace left behind: %d", n)
	}
}

func sampleResult() *jobs.ParseResult {
	return &jobs.ParseResult{
		JobID:  "job-1",
		Status: jobs.StatusCompleted,
		Metadata: jobs.DocumentMetadata{
			Filename:  "report.pdf",
			PageCount: 2,
		},
		Content: jobs.DocumentContent{
			Markdown: "# Report\n\nBody\n",
			Texts: []pipeline.TextItem{
				{ID: "#/texts/0", Label: pipeline.LabelTitle, Text: "Report", Page: 1},
				{ID: "#/texts/1", Label: pipeline.LabelParagraph, Text: "Body", Page: 1},
				{ID: "#/texts/2", Label: pipeline.LabelParagraph, Text: "More", Page: 2},
			},
			Tables: []pipeline.TableItem{{
				ID:      "#/tables/0",
				Page:    2,
				Rows:    2,
				Columns: 2,
				Data:    [][]string{{"Region", "Sales"}, {"North", "10"}},
				CSV:     "Region,Sales\nNorth,10\n",
			}},
			Pictures: []pipeline.PictureItem{{ID: "#/pictures/0", Page: 1, Caption: "Figure 1"}},
		},
	}
}

func TestResultOutcomes(t *testing.T) {
	svc := newStubJobs()
	expires := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	svc.lookups["ready"] = jobs.ResultLookup{Kind: jobs.ResultReady, Payload: sampleResult(), ExpiresAt: expires}
	svc.lookups["running"] = jobs.ResultLookup{Kind: jobs.ResultStillProcessing, Status: jobs.StatusProcessing, ProgressPercent: 30, StatusURL: "/api/v1/parse/jobs/running"}
	svc.lookups["failed"] = jobs.ResultLookup{Kind: jobs.ResultParsingFailed, Status: jobs.StatusFailed, ErrorMessage: "parsing failed: corrupt file"}
	svc.lookups["expired"] = jobs.ResultLookup{Kind: jobs.ResultExpired, Status: jobs.StatusCompleted}
	router, _ := newTestRouter(t, svc, 1<<20)

	cases := []struct {
		id       string
		status   int
		wantCode string
	}{
		{"missing", http.StatusNotFound, CodeJobNotFound},
		{"running", http.StatusAccepted, CodeProcessing},
		{"failed", http.StatusInternalServerError, CodeParsingFailed},
		{"expired", http.StatusGone, CodeResultExpired},
	}
	for _, tc := range cases {
		for _, suffix := range []string{"", "/texts", "/tables", "/images", "/export/markdown"} {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/parse/results/"+tc.id+suffix, nil))
			if rec.Code != tc.status {
				t.Fatalf("%s%s: status = %d, want %d", tc.id, suffix, rec.Code, tc.status)
			}
			body := decodeBody(t, rec)
			if body["code"] != tc.wantCode {
				t.Fatalf("%s%s: code = %v, want %s", tc.id, suffix, body["code"], tc.wantCode)
			}
			if tc.id == "running" && body["statusUrl"] != "/api/v1/parse/jobs/running" {
				t.Fatalf("statusUrl = %v", body["statusUrl"])
			}
			if tc.id == "failed" && body["message"] != "parsing failed: corrupt file" {
				t.Fatalf("message = %v", body["message"])
			}
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/parse/results/ready", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["jobId"] != "job-1" || body["expiresAt"] != expires.Format(time.RFC3339) {
		t.Fatalf("unexpected body: %v", body)
	}
	content, ok := body["content"].(map[string]any)
	if !ok || content["markdown"] != "# Report\n\nBody\n" {
		t.Fatalf("unexpected content: %v", body["content"])
	}
}

func TestTextsFilter(t *testing.T) {
	svc := newStubJobs()
	svc.lookups["job-1"] = jobs.ResultLookup{Kind: jobs.ResultReady, Payload: sampleResult()}
	router, _ := newTestRouter(t, svc, 1<<20)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/parse/results/job-1/texts?page=1&label=paragraph", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) || body["pageFilter"] != float64(1) || body["labelFilter"] != "paragraph" {
		t.Fatalf("unexpected body: %v", body)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/parse/results/job-1/texts?page=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status for invalid page: %d", rec.Code)
	}
}

func TestTablesFormats(t *testing.T) {
	svc := newStubJobs()
	svc.lookups["job-1"] = jobs.ResultLookup{Kind: jobs.ResultReady, Payload: sampleResult()}
	router, _ := newTestRouter(t, svc, 1<<20)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/parse/results/job-1/tables?format=csv", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	tables := body["tables"].([]any)
	first := tables[0].(map[string]any)
	if body["format"] != "csv" || first["csv"] != "Region,Sales\nNorth,10\n" {
		t.Fatalf("unexpected body: %v", body)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/parse/results/job-1/tables?format=xml", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status for invalid format: %d", rec.Code)
	}
}

func TestTablesExportWorkbook(t *testing.T) {
	svc := newStubJobs()
	svc.lookups["job-1"] = jobs.ResultLookup{Kind: jobs.ResultReady, Payload: sampleResult()}
	router, _ := newTestRouter(t, svc, 1<<20)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/parse/results/job-1/tables/export", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != xlsxContentType {
		t.Fatalf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "report.xlsx") {
		t.Fatalf("Content-Disposition = %q", cd)
	}

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("failed to open workbook: %v", err)
	}
	defer f.Close()
	sheets := f.GetSheetList()
	if len(sheets) != 1 || sheets[0] != "Table1 (p2)" {
		t.Fatalf("unexpected sheets: %v", sheets)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		t.Fatalf("GetRows returned error: %v", err)
	}
	if len(rows) != 2 || rows[0][0] != "Region" || rows[1][1] != "10" {
		t.Fatalf("unexpected rows: %v", rows)
	}
}

func TestMarkdownAndJSONExport(t *testing.T) {
	svc := newStubJobs()
	svc.lookups["job-1"] = jobs.ResultLookup{Kind: jobs.ResultReady, Payload: sampleResult()}
	router, _ := newTestRouter(t, svc, 1<<20)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/parse/results/job-1/export/markdown", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/markdown") {
		t.Fatalf("Content-Type = %q", rec.Header().Get("Content-Type"))
	}
	if got, _ := io.ReadAll(rec.Body); string(got) != "# Report\n\nBody\n" {
		t.Fatalf("unexpected markdown: %q", got)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/parse/results/job-1/export/json", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "report.json") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
	if body := decodeBody(t, rec); body["jobId"] != "job-1" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestExportEscapesFilename(t *testing.T) {
	svc := newStubJobs()
	for id, name := range map[string]string{
		"quoted":   `say "hi".pdf`,
		"japanese": "報告書.pdf",
	} {
		result := sampleResult()
		result.JobID = id
		result.Metadata.Filename = name
		svc.lookups[id] = jobs.ResultLookup{Kind: jobs.ResultReady, Payload: result}
	}
	router, _ := newTestRouter(t, svc, 1<<20)

	for id, want := range map[string]string{
		"quoted":   `say "hi".md`,
		"japanese": "報告書.md",
	} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/parse/results/"+id+"/export/markdown", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: unexpected status: %d", id, rec.Code)
		}
		cd := rec.Header().Get("Content-Disposition")
		disposition, params, err := mime.ParseMediaType(cd)
		if err != nil {
			t.Fatalf("%s: Content-Disposition %q does not parse: %v", id, cd, err)
		}
		if disposition != "attachment" || params["filename"] != want {
			t.Fatalf("%s: got %q %v, want filename %q", id, disposition, params, want)
		}
		if rec.Header().Get("X-Job-Id") != id {
			t.Fatalf("%s: X-Job-Id = %q", id, rec.Header().Get("X-Job-Id"))
		}
	}
}

func TestDeleteResult(t *testing.T) {
	svc := newStubJobs()
	svc.lookups["job-1"] = jobs.ResultLookup{Kind: jobs.ResultReady, Payload: sampleResult()}
	router, _ := newTestRouter(t, svc, 1<<20)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/parse/results/job-1", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if len(svc.deleted) != 1 || svc.deleted[0] != "job-1" {
		t.Fatalf("unexpected deletes: %v", svc.deleted)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/parse/results/missing", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestStatusAndList(t *testing.T) {
	svc := newStubJobs()
	svc.views["job-1"] = jobs.StatusView{JobID: "job-1", Status: jobs.StatusProcessing, ProgressPercent: 60}
	svc.views["job-2"] = jobs.StatusView{JobID: "job-2", Status: jobs.StatusCompleted, ProgressPercent: 100}
	router, _ := newTestRouter(t, svc, 1<<20)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/parse/jobs/job-1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["progressPercent"] != float64(60) || body["status"] != "processing" {
		t.Fatalf("unexpected body: %v", body)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/parse/jobs/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=completed", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["count"] != float64(1) || body["statusFilter"] != "completed" {
		t.Fatalf("unexpected body: %v", body)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status=done", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status for invalid filter: %d", rec.Code)
	}
}

func TestInfo(t *testing.T) {
	router, _ := newTestRouter(t, newStubJobs(), 1<<20)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/info", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	body := decodeBody(t, rec)
	mimes, _ := body["supportedMimeTypes"].([]any)
	if len(mimes) == 0 {
		t.Fatalf("expected supported mime types: %v", body)
	}
	modes, _ := body["parsingModes"].([]any)
	if len(modes) != len(pipeline.Modes) {
		t.Fatalf("unexpected modes: %v", body["parsingModes"])
	}
}
