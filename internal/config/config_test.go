package config

import (
	"reflect"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"REDIS_URL", "QUEUE_NAME", "QUEUE_BACKEND", "PDF_MAX_PAGES", "WORKER_CONCURRENCY", "TESSERACT_LANGUAGES", "GOOGLE_CLOUD_VISION_ENABLED"} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.QueueName != "bolprocess:jobs" {
		t.Errorf("QueueName = %q", cfg.QueueName)
	}
	if cfg.QueueBackend != "redis" {
		t.Errorf("QueueBackend = %q", cfg.QueueBackend)
	}
	if cfg.PDFMaxPages != 2 {
		t.Errorf("PDFMaxPages = %d", cfg.PDFMaxPages)
	}
	if !reflect.DeepEqual(cfg.TesseractLanguages, []string{"eng"}) {
		t.Errorf("TesseractLanguages = %v", cfg.TesseractLanguages)
	}
	if cfg.GoogleVisionEnabled {
		t.Error("GoogleVisionEnabled should default to false")
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "ASYNQ")
	t.Setenv("TESSERACT_LANGUAGES", "eng+spa")
	t.Setenv("DUPLICATE_THRESHOLD", "0.8")
	t.Setenv("WORKER_CONCURRENCY", "not-a-number")
	t.Setenv("GOOGLE_CLOUD_VISION_ENABLED", "1")
	t.Setenv("VISION_LANGUAGE_HINTS", "en,es")
	t.Setenv("DOWNLOAD_ALLOWED_HOSTS", "minio, files.internal")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.QueueBackend != "asynq" {
		t.Errorf("QueueBackend = %q, want asynq", cfg.QueueBackend)
	}
	if !reflect.DeepEqual(cfg.TesseractLanguages, []string{"eng", "spa"}) {
		t.Errorf("TesseractLanguages = %v", cfg.TesseractLanguages)
	}
	if !reflect.DeepEqual(cfg.DownloadAllowedHosts, []string{"minio", "files.internal"}) {
		t.Errorf("DownloadAllowedHosts = %v", cfg.DownloadAllowedHosts)
	}
	if cfg.DuplicateThreshold != 0.8 {
		t.Errorf("DuplicateThreshold = %v", cfg.DuplicateThreshold)
	}
	if cfg.WorkerConcurrency != 4 {
		t.Errorf("WorkerConcurrency = %d, want default 4 for unparsable value", cfg.WorkerConcurrency)
	}
	if !cfg.GoogleVisionEnabled || !reflect.DeepEqual(cfg.VisionLanguageHints, []string{"en", "es"}) {
		t.Errorf("vision = %v %v", cfg.GoogleVisionEnabled, cfg.VisionLanguageHints)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RedisURL:               "redis://localhost:6379",
			QueueName:              "bolprocess:jobs",
			QueueBackend:           "redis",
			FingerprintDimensions:  256,
			DuplicateThreshold:     0.9,
			TesseractLanguages:     []string{"eng"},
			OCREscalationThreshold: 70,
			PDFDPI:                 300,
			PDFMaxPages:            2,
			WorkerConcurrency:      4,
			MaxFileSize:            1 << 20,
			ProcessingTimeout:      60000,
			HTTPPort:               8098,
			RateLimitRPS:           5,
			RateLimitBurst:         10,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing redis", func(c *Config) { c.RedisURL = "" }, true},
		{"unknown backend", func(c *Config) { c.QueueBackend = "kafka" }, true},
		{"concurrency too high", func(c *Config) { c.WorkerConcurrency = 500 }, true},
		{"bad paddle url", func(c *Config) { c.PaddleOCRURL = "::not a url" }, true},
		{"qdrant without collection", func(c *Config) { c.QdrantURL = "localhost:6334"; c.QdrantCollection = "" }, true},
		{"no languages", func(c *Config) { c.TesseractLanguages = nil }, true},
		{"threshold above one", func(c *Config) { c.DuplicateThreshold = 1.5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" eng + deu ,, fra")
	want := []string{"eng", "deu", "fra"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("splitList() = %v, want %v", got, want)
	}
}
