package queue

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	apperrors "github.com/adverant/nexus/bolprocess-worker/internal/errors"
	"github.com/adverant/nexus/bolprocess-worker/internal/extraction"
	"github.com/adverant/nexus/bolprocess-worker/internal/processor"
	"github.com/adverant/nexus/bolprocess-worker/internal/storage"
)

func TestJobPayloadUnmarshal(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{"base64 string", `{"jobId":"j1","fileBuffer":"aGVsbG8="}`, []byte("hello"), false},
		{"node buffer", `{"jobId":"j1","fileBuffer":{"type":"Buffer","data":[104,105]}}`, []byte("hi"), false},
		{"absent", `{"jobId":"j1","fileUrl":"http://x/y.pdf"}`, nil, false},
		{"bad base64", `{"jobId":"j1","fileBuffer":"***"}`, nil, true},
		{"wrong buffer type", `{"jobId":"j1","fileBuffer":{"type":"Blob","data":[1]}}`, nil, true},
		{"missing data", `{"jobId":"j1","fileBuffer":{"type":"Buffer"}}`, nil, true},
		{"byte out of range", `{"jobId":"j1","fileBuffer":{"type":"Buffer","data":[300]}}`, nil, true},
		{"number", `{"jobId":"j1","fileBuffer":12}`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p JobPayload
			err := json.Unmarshal([]byte(tt.input), &p)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if p.JobID != "j1" {
				t.Errorf("JobID = %q", p.JobID)
			}
			if !bytes.Equal(p.FileBuffer, tt.want) {
				t.Errorf("FileBuffer = %q, want %q", p.FileBuffer, tt.want)
			}
		})
	}
}

func TestJobPayloadMarshal(t *testing.T) {
	in := JobPayload{JobID: "j2", Filename: "bol.png", MimeType: "image/png", FileBuffer: []byte{0x89, 'P', 'N', 'G'}}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"fileBuffer":"iVBORw=="`) {
		t.Errorf("Marshal() = %s", data)
	}

	var out JobPayload
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	data, _ = json.Marshal(JobPayload{JobID: "j3", FileURL: "http://x"})
	if strings.Contains(string(data), "fileBuffer") {
		t.Errorf("empty buffer should be omitted: %s", data)
	}
}

func TestJobPayloadDocument(t *testing.T) {
	p := &JobPayload{JobID: "j", Filename: "f", MimeType: "m", FileSize: 3, FileURL: "u", FilePath: "p", Base64: "b", FileBuffer: []byte("x")}
	want := &processor.Document{JobID: "j", Filename: "f", MimeType: "m", FileSize: 3, FileURL: "u", FilePath: "p", Base64: "b", FileBuffer: []byte("x")}
	if got := p.Document(); !reflect.DeepEqual(got, want) {
		t.Errorf("Document() = %+v", got)
	}
}

type fakeProcessor struct {
	result *processor.StructuredResult
	block  bool
}

func (f *fakeProcessor) Process(ctx context.Context, doc *processor.Document) *processor.StructuredResult {
	if f.block {
		<-ctx.Done()
		return processor.Failure(doc.JobID, apperrors.NewUpstreamFailureError(doc.JobID, "ocr", ctx.Err()))
	}
	return f.result
}

type fakeRecorder struct {
	statuses []string
	records  []*storage.ExtractionRecord
	err      error
}

func (f *fakeRecorder) MarkStatus(ctx context.Context, jobID, status, filename string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeRecorder) RecordResult(ctx context.Context, rec *storage.ExtractionRecord) (*storage.RecordOutcome, error) {
	f.records = append(f.records, rec)
	if f.err != nil {
		return nil, f.err
	}
	return &storage.RecordOutcome{FingerprintPointID: "p-1"}, nil
}

type fakeFingerprinter struct{ seen string }

func (f *fakeFingerprinter) Vector(text string) []float32 {
	f.seen = text
	return []float32{1, 0}
}

func successResult() *processor.StructuredResult {
	return processor.Assemble(processor.AssembleInput{
		Fields:            extraction.Fields{"bol_number": "ABCD1234"},
		AverageConfidence: 90,
		QualityScore:      83,
		PageCount:         1,
		ProcessingTime:    0.5,
	})
}

func TestNewJobHandlerRequiresProcessor(t *testing.T) {
	if _, err := NewJobHandler(&HandlerConfig{}); err == nil {
		t.Error("expected error")
	}
	if _, err := NewJobHandler(nil); err == nil {
		t.Error("expected error for nil config")
	}
}

func TestJobHandlerSuccess(t *testing.T) {
	rec, fp := &fakeRecorder{}, &fakeFingerprinter{}
	result := successResult()
	result.FullText = "BOL# ABCD1234"
	h, err := NewJobHandler(&HandlerConfig{
		Processor:     &fakeProcessor{result: result},
		Recorder:      rec,
		Fingerprinter: fp,
	})
	if err != nil {
		t.Fatal(err)
	}

	outcome := h.Handle(context.Background(), &JobPayload{JobID: "job-1", Filename: "bol.png", MimeType: "image/png"})
	if outcome.Failed() {
		t.Fatalf("outcome failed: %+v", outcome.Result)
	}
	if outcome.Storage == nil || outcome.Storage.FingerprintPointID != "p-1" {
		t.Errorf("Storage = %+v", outcome.Storage)
	}
	if !reflect.DeepEqual(rec.statuses, []string{storage.StatusProcessing}) {
		t.Errorf("statuses = %v", rec.statuses)
	}
	if fp.seen != "BOL# ABCD1234" {
		t.Errorf("fingerprinted %q", fp.seen)
	}

	got := rec.records[0]
	if !got.Success || got.QualityScore != 83 || got.Fields["bol_number"] != "ABCD1234" || got.MimeType != "image/png" || len(got.Fingerprint) != 2 {
		t.Errorf("record = %+v", got)
	}
}

func TestJobHandlerFailures(t *testing.T) {
	tests := []struct {
		name      string
		proc      *fakeProcessor
		storeErr  error
		timeout   int64
		wantKind  apperrors.Kind
		wantCode  string
		retryable bool
	}{
		{
			name:     "input invalid",
			proc:     &fakeProcessor{result: processor.Failure("j", apperrors.NewInputInvalidError("j", "empty document", nil))},
			wantKind: apperrors.KindInputInvalid,
			wantCode: "INPUT_INVALID",
		},
		{
			name:      "upstream",
			proc:      &fakeProcessor{result: processor.Failure("j", apperrors.NewUpstreamFailureError("j", "ocr", errors.New("boom")))},
			wantKind:  apperrors.KindUpstreamFailure,
			wantCode:  "UPSTREAM_FAILURE",
			retryable: true,
		},
		{
			name:      "timeout",
			proc:      &fakeProcessor{block: true},
			timeout:   20,
			wantKind:  apperrors.KindTimeout,
			wantCode:  "PROCESSING_TIMEOUT",
			retryable: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &fakeRecorder{}
			h, _ := NewJobHandler(&HandlerConfig{Processor: tt.proc, Recorder: rec, ProcessingTimeout: tt.timeout})

			outcome := h.Handle(context.Background(), &JobPayload{JobID: "j"})
			if outcome.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", outcome.Kind, tt.wantKind)
			}
			if outcome.Retryable() != tt.retryable {
				t.Errorf("Retryable() = %v", outcome.Retryable())
			}
			if outcome.Result.ErrorType != string(tt.wantKind) {
				t.Errorf("envelope error_type = %q", outcome.Result.ErrorType)
			}
			r := rec.records[0]
			if r.Success || r.ErrorCode != tt.wantCode || r.ErrorMessage == "" || r.Fingerprint != nil {
				t.Errorf("record = %+v", r)
			}
		})
	}
}

func TestJobHandlerStorageFailure(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("connection refused")}
	h, _ := NewJobHandler(&HandlerConfig{Processor: &fakeProcessor{result: successResult()}, Recorder: rec})

	outcome := h.Handle(context.Background(), &JobPayload{JobID: "j"})
	if outcome.Kind != apperrors.KindStorageFailed || !outcome.Retryable() {
		t.Errorf("outcome = %+v", outcome)
	}
	if !outcome.Result.Success {
		t.Error("the extraction result itself should be kept")
	}
}

func TestJobHandlerDropsPanicTrace(t *testing.T) {
	result := processor.Failure("j", apperrors.NewUpstreamFailureError("j", "processing", errors.New("panic: boom")))
	result.Trace = "goroutine 1 [running]:"
	h, _ := NewJobHandler(&HandlerConfig{Processor: &fakeProcessor{result: result}})

	outcome := h.Handle(context.Background(), &JobPayload{JobID: "j"})
	if outcome.Result.Trace != "" {
		t.Errorf("published result carries trace %q", outcome.Result.Trace)
	}
	if outcome.Kind != apperrors.KindUpstreamFailure {
		t.Errorf("Kind = %q", outcome.Kind)
	}
}

func TestJobHandlerWithoutRecorder(t *testing.T) {
	h, _ := NewJobHandler(&HandlerConfig{Processor: &fakeProcessor{result: successResult()}})
	outcome := h.Handle(context.Background(), &JobPayload{JobID: "j"})
	if outcome.Failed() || outcome.Storage != nil {
		t.Errorf("outcome = %+v", outcome)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{4, 60 * time.Second},
		{40, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.n, nil, nil); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestNewExtractTask(t *testing.T) {
	p := &JobPayload{Filename: "bol.pdf", FileURL: "http://files/bol.pdf"}
	task, err := newExtractTask(p)
	if err != nil {
		t.Fatal(err)
	}
	if task.Type() != TaskExtractBOL || p.JobID == "" {
		t.Errorf("task = %s, jobID = %q", task.Type(), p.JobID)
	}

	var decoded JobPayload
	if err := json.Unmarshal(task.Payload(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.JobID != p.JobID || decoded.FileURL != p.FileURL {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestQueueKeys(t *testing.T) {
	k := queueKeys("bolprocess:jobs")
	got := []string{k.list(), k.data(), k.processing(), k.completed(), k.failed(), k.results(), k.errors(), k.events()}
	want := []string{
		"bolprocess:jobs", "bolprocess:jobs:data", "bolprocess:jobs:processing", "bolprocess:jobs:completed",
		"bolprocess:jobs:failed", "bolprocess:jobs:results", "bolprocess:jobs:errors", "bolprocess:jobs:events",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("keys = %v", got)
	}
}
