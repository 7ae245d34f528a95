// Package bootstrap builds the processing pipeline from configuration. It is
// shared by the worker and the CLI.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/bolprocess-worker/internal/clients"
	"github.com/adverant/nexus/bolprocess-worker/internal/config"
	"github.com/adverant/nexus/bolprocess-worker/internal/logging"
	"github.com/adverant/nexus/bolprocess-worker/internal/ocr"
	"github.com/adverant/nexus/bolprocess-worker/internal/ocr/tesseract"
	"github.com/adverant/nexus/bolprocess-worker/internal/ocr/vision"
	"github.com/adverant/nexus/bolprocess-worker/internal/processor"
)

// Engines returns the OCR cascade: local Tesseract first, then the
// PaddleOCR sidecar and Cloud Vision when they are configured. A Vision
// client that cannot be created is left out of the cascade.
func Engines(cfg *config.Config) ([]ocr.Engine, error) {
	engines := []ocr.Engine{
		tesseract.NewTesseractOCR(&tesseract.TesseractConfig{
			Languages: cfg.TesseractLanguages,
			DPI:       cfg.PDFDPI,
		}),
	}

	if cfg.PaddleOCRURL != "" {
		paddle, err := clients.NewPaddleClient(&clients.PaddleConfig{
			BaseURL:    cfg.PaddleOCRURL,
			WithLayout: true,
			Timeout:    time.Duration(cfg.ProcessingTimeout) * time.Millisecond,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create PaddleOCR client: %w", err)
		}
		engines = append(engines, paddle)
	}

	if cfg.GoogleVisionEnabled {
		v, err := vision.NewVisionOCR(context.Background(), &vision.VisionConfig{LanguageHints: cfg.VisionLanguageHints})
		if err != nil {
			logging.NewLogger("Bootstrap").Warn("Cloud Vision disabled", "error", err)
		} else {
			engines = append(engines, v)
		}
	}

	return engines, nil
}

// NewProcessor wires engines, the PDF rasterizer and the default rules.
func NewProcessor(cfg *config.Config) (*processor.BOLProcessor, error) {
	engines, err := Engines(cfg)
	if err != nil {
		return nil, err
	}

	return processor.NewBOLProcessor(&processor.ProcessorConfig{
		Engines:              engines,
		Rasterizer:           processor.NewPopplerRasterizer(cfg.PdftoppmPath, cfg.PDFDPI, cfg.TempDir),
		MaxFileSize:          cfg.MaxFileSize,
		DownloadAllowedHosts: cfg.DownloadAllowedHosts,
		PDFMaxPages:          cfg.PDFMaxPages,
		EscalationThreshold:  cfg.OCREscalationThreshold,
	})
}
