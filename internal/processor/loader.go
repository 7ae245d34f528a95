package processor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	apperrors "github.com/adverant/nexus/bolprocess-worker/internal/errors"
	"github.com/adverant/nexus/bolprocess-worker/internal/logging"
)

// Document is one BOL to process. Exactly one source is used, checked in
// this order: FileBuffer, Base64, FilePath, FileURL.
type Document struct {
	JobID    string
	Filename string
	MimeType string
	FileSize int64

	FileBuffer []byte
	// Base64 is raw base64, a data URL, or "@path" naming a file that holds
	// the base64 text.
	Base64   string
	FilePath string
	FileURL  string
}

const (
	maxDownloadRetries = 5
	maxBackoff         = 32 * time.Second
	downloadTimeout    = 10 * time.Minute
)

var errBlockedAddress = errors.New("destination address is not public")

type loader struct {
	maxFileSize    int64
	initialBackoff time.Duration

	// allowedHosts may resolve to private addresses (in-cluster storage).
	allowedHosts  map[string]bool
	httpClient    *http.Client
	trustedClient *http.Client
	logger        *logging.Logger
}

func newLoader(maxFileSize int64, allowedHosts ...string) *loader {
	l := &loader{
		maxFileSize:    maxFileSize,
		initialBackoff: time.Second,
		allowedHosts:   make(map[string]bool, len(allowedHosts)),
		httpClient:     &http.Client{Timeout: downloadTimeout, Transport: publicTransport()},
		trustedClient:  &http.Client{Timeout: downloadTimeout},
		logger:         logging.NewLogger("Loader"),
	}
	for _, h := range allowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			l.allowedHosts[h] = true
		}
	}
	return l
}

// publicTransport refuses to connect to loopback, private, link-local and
// other non-public addresses. The check runs after DNS resolution, so it
// also covers redirects and names that resolve inward.
func publicTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || !IsPublicIP(ip) {
				return fmt.Errorf("%w: %s", errBlockedAddress, host)
			}
			return nil
		},
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return transport
}

var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// IsPublicIP reports whether ip is a globally routable unicast address.
func IsPublicIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return false
	}
	return !sharedAddressSpace.Contains(ip)
}

// CheckPublicURL rejects URLs that are not http(s) or that name a
// non-public host literally. Names that resolve to private addresses are
// caught when the download dials.
func CheckPublicURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return errors.New("URL has no host")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %s", errBlockedAddress, host)
	}
	if ip := net.ParseIP(host); ip != nil && !IsPublicIP(ip) {
		return fmt.Errorf("%w: %s", errBlockedAddress, host)
	}
	return nil
}

// load returns the document bytes. Problems with the input itself are
// InputInvalid; a download that keeps failing is an UpstreamFailure.
func (l *loader) load(ctx context.Context, doc *Document) ([]byte, error) {
	var (
		data []byte
		err  error
	)

	switch {
	case len(doc.FileBuffer) > 0:
		l.logger.Debug("Using file buffer", "job", doc.JobID, "bytes", len(doc.FileBuffer))
		data = doc.FileBuffer
	case doc.Base64 != "":
		data, err = decodeBase64Input(doc.Base64)
		if err != nil {
			return nil, apperrors.NewInputInvalidError(doc.JobID, "invalid base64 document", err)
		}
	case doc.FilePath != "":
		data, err = os.ReadFile(doc.FilePath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, apperrors.NewInputInvalidError(doc.JobID, fmt.Sprintf("file not found: %s", doc.FilePath), err)
			}
			return nil, apperrors.NewInputInvalidError(doc.JobID, "failed to read file", err)
		}
	case doc.FileURL != "":
		l.logger.Info("Downloading file", "job", doc.JobID, "url", doc.FileURL, "fileSize", doc.FileSize)
		data, err = l.download(ctx, doc.JobID, doc.FileURL, doc.FileSize)
		if err != nil {
			var pe *apperrors.ProcessingError
			if errors.As(err, &pe) {
				return nil, pe
			}
			return nil, apperrors.NewUpstreamFailureError(doc.JobID, "download", err)
		}
	default:
		return nil, apperrors.NewInputInvalidError(doc.JobID, "no file source provided (buffer, base64, path or URL)", nil)
	}

	if len(data) == 0 {
		return nil, apperrors.NewInputInvalidError(doc.JobID, "document is empty", nil)
	}
	if l.maxFileSize > 0 && int64(len(data)) > l.maxFileSize {
		return nil, apperrors.NewInputInvalidError(doc.JobID,
			fmt.Sprintf("file size exceeds maximum: %d > %d bytes", len(data), l.maxFileSize), nil)
	}
	return data, nil
}

// decodeBase64Input resolves "@path" indirection and data URL prefixes,
// then decodes with or without padding.
func decodeBase64Input(input string) ([]byte, error) {
	if strings.HasPrefix(input, "@") {
		raw, err := os.ReadFile(input[1:])
		if err != nil {
			return nil, fmt.Errorf("failed to read base64 file: %w", err)
		}
		input = string(raw)
	}

	input = strings.TrimSpace(input)
	if i := strings.IndexByte(input, ','); i >= 0 {
		input = input[i+1:]
	}
	input = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, input)

	if input == "" {
		return nil, fmt.Errorf("no base64 data")
	}

	data, err := base64.StdEncoding.DecodeString(input)
	if err == nil {
		return data, nil
	}
	if data, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(input, "=")); rawErr == nil {
		return data, nil
	}
	return nil, err
}

// download fetches fileURL with exponential backoff between attempts.
func (l *loader) download(ctx context.Context, jobID, fileURL string, expectedSize int64) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= maxDownloadRetries; attempt++ {
		data, retry, err := l.fetch(ctx, fileURL, expectedSize, jobID)
		if err == nil {
			l.logger.Info("Download successful", "job", jobID, "attempt", attempt, "bytes", len(data))
			return data, nil
		}
		if !retry {
			return nil, err
		}

		lastErr = err
		l.logger.Warn("Download attempt failed", "job", jobID, "attempt", attempt, "error", err)

		if attempt < maxDownloadRetries {
			backoff := l.backoff(attempt)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", maxDownloadRetries, lastErr)
}

func (l *loader) backoff(attempt int) time.Duration {
	d := time.Duration(float64(l.initialBackoff) * math.Pow(2, float64(attempt-1)))
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// fetch makes one download attempt. retry is false when another attempt
// cannot help.
func (l *loader) fetch(ctx context.Context, fileURL string, expectedSize int64, jobID string) (data []byte, retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, false, apperrors.NewInputInvalidError(jobID, "invalid file URL", err)
	}

	client := l.httpClient
	if l.allowedHosts[strings.ToLower(req.URL.Hostname())] {
		client = l.trustedClient
	} else if err := CheckPublicURL(fileURL); err != nil {
		return nil, false, apperrors.NewInputInvalidError(jobID, "file URL is not allowed", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, errBlockedAddress) {
			return nil, false, apperrors.NewInputInvalidError(jobID, "file URL is not allowed", err)
		}
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, true, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if resp.ContentLength > 0 && expectedSize > 0 && resp.ContentLength != expectedSize {
		l.logger.Warn("Content-Length mismatch", "job", jobID, "expected", expectedSize, "got", resp.ContentLength)
	}
	if l.maxFileSize > 0 && resp.ContentLength > l.maxFileSize {
		return nil, false, apperrors.NewInputInvalidError(jobID,
			fmt.Sprintf("file size exceeds maximum: %d > %d bytes", resp.ContentLength, l.maxFileSize), nil)
	}

	limit := l.maxFileSize
	if limit <= 0 {
		limit = 10 * 1024 * 1024 * 1024
	}
	// One extra byte so an oversized body without Content-Length is caught
	// by the size check in load.
	data, err = io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, false, nil
}

const (
	mimePDF  = "application/pdf"
	mimePNG  = "image/png"
	mimeJPEG = "image/jpeg"
	mimeTIFF = "image/tiff"
	mimeBMP  = "image/bmp"
	mimeGIF  = "image/gif"
	mimeWebP = "image/webp"
)

var ocrFormats = map[string]bool{
	mimePDF: true, mimePNG: true, mimeJPEG: true, mimeTIFF: true,
	mimeBMP: true, mimeGIF: true, mimeWebP: true,
}

// detectMimeTypeFromMagicBytes detects the MIME type from the content.
// Declared types are not trusted; uploads often arrive as
// application/octet-stream.
func detectMimeTypeFromMagicBytes(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	switch {
	case bytes.HasPrefix(data, []byte("%PDF")):
		return mimePDF
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}):
		return mimePNG
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return mimeJPEG
	case bytes.HasPrefix(data, []byte("GIF87a")) || bytes.HasPrefix(data, []byte("GIF89a")):
		return mimeGIF
	case len(data) > 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return mimeWebP
	case bytes.HasPrefix(data, []byte{0x49, 0x49, 0x2A, 0x00}) || bytes.HasPrefix(data, []byte{0x4D, 0x4D, 0x00, 0x2A}):
		return mimeTIFF
	case bytes.HasPrefix(data, []byte("BM")):
		return mimeBMP
	case bytes.HasPrefix(data, []byte{0x50, 0x4B, 0x03, 0x04}):
		return "application/zip"
	case len(data) >= 8 && bytes.HasPrefix(data, []byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}):
		return "application/msword"
	}
	return ""
}

// resolveMimeType sniffs data and falls back to the declared type. Only
// PDFs and raster images can be processed.
func resolveMimeType(jobID string, data []byte, declared string) (string, error) {
	mime := detectMimeTypeFromMagicBytes(data)
	if mime == "" {
		mime = strings.ToLower(strings.TrimSpace(declared))
	}
	if !ocrFormats[mime] {
		if mime == "" {
			mime = "unknown"
		}
		return "", apperrors.NewUnsupportedFormatError(jobID, mime)
	}
	return mime, nil
}
