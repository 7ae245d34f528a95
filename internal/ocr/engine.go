package ocr

import "context"

// Engine recognizes text lines on a single page image.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, page PageImage) (*Page, error)
}

// Prober is implemented by engines that can verify, once, that their
// backing runtime is usable.
type Prober interface {
	Probe(ctx context.Context) error
}
