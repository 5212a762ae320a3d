package statssink

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNoopSinkDoesNothing(t *testing.T) {
	var s NoopSink
	s.Record(context.Background(), "/convert", 200, 1, nil)
}

func TestLoggingSinkWritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	log := logrus.New()
	log.SetOutput(&buf)
	log.SetFormatter(&logrus.JSONFormatter{})

	sink := NewLoggingSink(log)
	sink.Record(context.Background(), "/zarr/tok.zarr/.zmetadata", 200, 1, map[string]string{"token": "tok"})

	out := buf.String()
	if !strings.Contains(out, "endpoint usage") {
		t.Fatalf("expected log message, got %q", out)
	}
	if !strings.Contains(out, "/zarr/tok.zarr/.zmetadata") {
		t.Fatalf("expected endpoint field in log output: %q", out)
	}
}
