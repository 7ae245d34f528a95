package processor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/adverant/nexus/bolprocess-worker/internal/errors"
)

func TestDecodeBase64Input(t *testing.T) {
	payload := []byte("hello bill of lading")
	std := base64.StdEncoding.EncodeToString(payload)
	raw := base64.RawStdEncoding.EncodeToString([]byte("hello"))

	dir := t.TempDir()
	indirect := filepath.Join(dir, "image.b64")
	if err := os.WriteFile(indirect, []byte("data:image/png;base64,"+std+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		input   string
		want    []byte
		wantErr bool
	}{
		{"plain", std, payload, false},
		{"data url", "data:image/png;base64," + std, payload, false},
		{"wrapped lines", std[:10] + "\n" + std[10:], payload, false},
		{"unpadded", raw, []byte("hello"), false},
		{"file indirection", "@" + indirect, payload, false},
		{"missing indirection file", "@" + filepath.Join(dir, "nope.b64"), nil, true},
		{"prefix only", "data:image/png;base64,", nil, true},
		{"garbage", "%%%", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := decodeBase64Input(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeBase64Input() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !bytes.Equal(got, tt.want) {
				t.Errorf("decodeBase64Input() = %q, want %q", got, tt.want)
			}
		})
	}
}

func kindOf(err error) apperrors.Kind {
	var pe *apperrors.ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind()
	}
	return ""
}

func TestLoaderSources(t *testing.T) {
	dir := t.TempDir()
	onDisk := filepath.Join(dir, "bol.png")
	if err := os.WriteFile(onDisk, pngHeader, 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		doc      *Document
		maxSize  int64
		want     []byte
		wantKind apperrors.Kind
	}{
		{"buffer", &Document{FileBuffer: pngHeader}, 0, pngHeader, ""},
		{"buffer wins over path", &Document{FileBuffer: []byte("abcd"), FilePath: onDisk}, 0, []byte("abcd"), ""},
		{"base64", &Document{Base64: base64.StdEncoding.EncodeToString(pngHeader)}, 0, pngHeader, ""},
		{"path", &Document{FilePath: onDisk}, 0, pngHeader, ""},
		{"path not found", &Document{FilePath: filepath.Join(dir, "missing.png")}, 0, nil, apperrors.KindInputInvalid},
		{"too large", &Document{FileBuffer: pngHeader}, 4, nil, apperrors.KindInputInvalid},
		{"no source", &Document{}, 0, nil, apperrors.KindInputInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLoader(tt.maxSize)
			got, err := l.load(context.Background(), tt.doc)
			if tt.wantKind != "" {
				if kind := kindOf(err); kind != tt.wantKind {
					t.Fatalf("load() error kind = %q (%v), want %q", kind, err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("load() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("load() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLoaderDownloadRetries(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(pngHeader)
	}))
	defer server.Close()

	l := newLoader(0, "127.0.0.1")
	l.initialBackoff = time.Millisecond

	got, err := l.load(context.Background(), &Document{JobID: "dl", FileURL: server.URL})
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if !bytes.Equal(got, pngHeader) {
		t.Errorf("load() = %v", got)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Errorf("server hits = %d, want 3", hits)
	}
}

func TestLoaderDownloadGivesUp(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	l := newLoader(0, "127.0.0.1")
	l.initialBackoff = time.Millisecond

	_, err := l.load(context.Background(), &Document{FileURL: server.URL})
	if kind := kindOf(err); kind != apperrors.KindUpstreamFailure {
		t.Fatalf("error kind = %q (%v), want UpstreamFailure", kind, err)
	}
	if atomic.LoadInt32(&hits) != maxDownloadRetries {
		t.Errorf("server hits = %d, want %d", hits, maxDownloadRetries)
	}
}

func TestLoaderDownloadTooLarge(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write(bytes.Repeat([]byte{0xFF}, 2048))
	}))
	defer server.Close()

	l := newLoader(1024, "127.0.0.1")
	l.initialBackoff = time.Millisecond

	_, err := l.load(context.Background(), &Document{FileURL: server.URL})
	if kind := kindOf(err); kind != apperrors.KindInputInvalid {
		t.Fatalf("error kind = %q (%v), want InputInvalid", kind, err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("oversized download should not be retried, hits = %d", hits)
	}
}

func TestBackoff(t *testing.T) {
	l := newLoader(0)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 32 * time.Second}
	for i, w := range want {
		if got := l.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDetectMimeTypeFromMagicBytes(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"pdf", []byte("%PDF-1.7"), mimePDF},
		{"png", pngHeader, mimePNG},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, mimeJPEG},
		{"gif", []byte("GIF89a.."), mimeGIF},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), mimeWebP},
		{"tiff le", []byte{0x49, 0x49, 0x2A, 0x00}, mimeTIFF},
		{"tiff be", []byte{0x4D, 0x4D, 0x00, 0x2A}, mimeTIFF},
		{"bmp", []byte("BM\x00\x00"), mimeBMP},
		{"zip", []byte{0x50, 0x4B, 0x03, 0x04}, "application/zip"},
		{"too short", []byte("%PD"), ""},
		{"text", []byte("hello"), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectMimeTypeFromMagicBytes(tt.data); got != tt.want {
				t.Errorf("detectMimeTypeFromMagicBytes() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveMimeType(t *testing.T) {
	if got, err := resolveMimeType("j", pngHeader, "application/octet-stream"); err != nil || got != mimePNG {
		t.Errorf("sniffed type should win: %q, %v", got, err)
	}
	if got, err := resolveMimeType("j", []byte("????"), "IMAGE/JPEG"); err != nil || got != mimeJPEG {
		t.Errorf("declared fallback: %q, %v", got, err)
	}
	if _, err := resolveMimeType("j", []byte{0x50, 0x4B, 0x03, 0x04}, ""); kindOf(err) != apperrors.KindInputInvalid {
		t.Errorf("zip should be unsupported, got %v", err)
	}
}

func TestLoaderRefusesPrivateDestinations(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write(pngHeader)
	}))
	defer server.Close()

	tests := []struct {
		name string
		url  string
	}{
		{"loopback server", server.URL},
		{"metadata address", "http://169.254.169.254/latest/meta-data/"},
		{"localhost name", "http://localhost:8080/bol.png"},
		{"file scheme", "file:///etc/passwd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLoader(0)
			l.initialBackoff = time.Millisecond

			_, err := l.load(context.Background(), &Document{JobID: "ssrf", FileURL: tt.url})
			if kind := kindOf(err); kind != apperrors.KindInputInvalid {
				t.Fatalf("error kind = %q (%v), want InputInvalid", kind, err)
			}
		})
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Errorf("private server was contacted %d times", hits)
	}
}

func TestCheckPublicURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://files.example.com/bol.pdf", false},
		{"http://93.184.216.34/bol.pdf", false},
		{"http://127.0.0.1/bol.pdf", true},
		{"http://[::1]/bol.pdf", true},
		{"http://10.0.0.5/bol.pdf", true},
		{"http://192.168.1.20/bol.pdf", true},
		{"http://100.64.1.1/bol.pdf", true},
		{"http://169.254.169.254/", true},
		{"http://0.0.0.0/", true},
		{"http://api.localhost/", true},
		{"ftp://files.example.com/bol.pdf", true},
		{"https:///bol.pdf", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if err := CheckPublicURL(tt.url); (err != nil) != tt.wantErr {
				t.Errorf("CheckPublicURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
