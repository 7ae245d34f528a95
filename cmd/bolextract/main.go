// Command bolextract runs one BOL through the extraction pipeline and prints
// the result envelope as a single JSON object on stdout.
//
//	bolextract file <path>
//	bolextract base64 <data|@path>
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/adverant/nexus/bolprocess-worker/internal/bootstrap"
	"github.com/adverant/nexus/bolprocess-worker/internal/config"
	apperrors "github.com/adverant/nexus/bolprocess-worker/internal/errors"
	"github.com/adverant/nexus/bolprocess-worker/internal/logging"
	"github.com/adverant/nexus/bolprocess-worker/internal/processor"
	"github.com/joho/godotenv"
	jsoniter "github.com/json-iterator/go"
)

const jobID = "cli"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	doc, err := parseArgs(args)
	if err != nil {
		writeResult(stdout, processor.Failure(jobID, err))
		return 1
	}

	_ = godotenv.Load(".env")
	cfg, err := config.LoadConfig()
	if err != nil {
		writeResult(stdout, processor.Failure(jobID, apperrors.NewInputInvalidError(jobID, "invalid configuration", err)))
		return 1
	}
	logging.Configure(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Output: os.Stderr})

	proc, err := bootstrap.NewProcessor(cfg)
	if err != nil {
		writeResult(stdout, processor.Failure(jobID, apperrors.NewDependencyMissingError(jobID, "processor", err)))
		return 1
	}
	defer proc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ProcessingTimeout)*time.Millisecond)
	defer cancel()

	writeResult(stdout, proc.Process(ctx, doc))
	return 0
}

// parseArgs turns "<mode> <value>" into a document. Only invocation errors
// are reported here; unreadable files surface from the processor.
func parseArgs(args []string) (*processor.Document, error) {
	if len(args) < 2 {
		return nil, apperrors.NewInputInvalidError(jobID, "invalid arguments, expected: file <path> | base64 <data|@path>", nil)
	}

	mode, value := args[0], args[1]
	switch mode {
	case "file":
		return &processor.Document{JobID: jobID, Filename: filepath.Base(value), FilePath: value}, nil
	case "base64":
		return &processor.Document{JobID: jobID, Base64: value}, nil
	default:
		return nil, apperrors.NewInputInvalidError(jobID, fmt.Sprintf("invalid mode %q, expected 'file' or 'base64'", mode), nil)
	}
}

func writeResult(w io.Writer, result *processor.StructuredResult) {
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(result)
	if err != nil {
		data = []byte(`{"success":false,"error":"failed to encode result","error_type":"UpstreamFailure"}`)
	}
	fmt.Fprintln(w, string(data))
}
