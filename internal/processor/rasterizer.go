package processor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/adverant/nexus/bolprocess-worker/internal/logging"
	"github.com/adverant/nexus/bolprocess-worker/internal/ocr"
)

// Rasterizer turns a PDF into page images.
type Rasterizer interface {
	Rasterize(ctx context.Context, pdf []byte, maxPages int) ([]ocr.PageImage, error)
}

// PopplerRasterizer renders PDF pages to PNG with poppler's pdftoppm.
type PopplerRasterizer struct {
	binary  string
	dpi     int
	tempDir string
	logger  *logging.Logger
}

// NewPopplerRasterizer creates a rasterizer. An empty binary means
// "pdftoppm" on PATH.
func NewPopplerRasterizer(binary string, dpi int, tempDir string) *PopplerRasterizer {
	if binary == "" {
		binary = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 300
	}
	return &PopplerRasterizer{
		binary:  binary,
		dpi:     dpi,
		tempDir: tempDir,
		logger:  logging.NewLogger("Rasterizer"),
	}
}

// Probe checks that pdftoppm can be found.
func (r *PopplerRasterizer) Probe(ctx context.Context) error {
	if _, err := exec.LookPath(r.binary); err != nil {
		return fmt.Errorf("%s not found: %w", r.binary, err)
	}
	return nil
}

var pageFilePattern = regexp.MustCompile(`^page-(\d+)\.png$`)

// Rasterize renders at most maxPages pages (all pages when maxPages <= 0).
func (r *PopplerRasterizer) Rasterize(ctx context.Context, pdf []byte, maxPages int) ([]ocr.PageImage, error) {
	workDir, err := os.MkdirTemp(r.tempDir, "bolprocess-pdf-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	input := filepath.Join(workDir, "input.pdf")
	if err := os.WriteFile(input, pdf, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write pdf: %w", err)
	}

	args := []string{"-png", "-r", strconv.Itoa(r.dpi), "-f", "1"}
	if maxPages > 0 {
		args = append(args, "-l", strconv.Itoa(maxPages))
	}
	args = append(args, input, filepath.Join(workDir, "page"))

	cmd := exec.CommandContext(ctx, r.binary, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w: %s", err, string(out))
	}

	pages, err := collectPages(workDir)
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("pdftoppm produced no pages")
	}

	r.logger.Debug("PDF rasterized", "pages", len(pages), "dpi", r.dpi)
	return pages, nil
}

// collectPages reads page-N.png files (pdftoppm zero-pads N by page count)
// in page order.
func collectPages(dir string) ([]ocr.PageImage, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read rasterized pages: %w", err)
	}

	pages := make([]ocr.PageImage, 0, len(entries))
	for _, entry := range entries {
		m := pageFilePattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		number, _ := strconv.Atoi(m[1])
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read page %d: %w", number, err)
		}
		pages = append(pages, ocr.PageImage{Number: number, Data: data, MimeType: "image/png"})
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].Number < pages[j].Number })
	return pages, nil
}
