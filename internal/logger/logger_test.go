package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestFromContext_AddsFields(t *testing.T) {
	var buf bytes.Buffer
	base := Build(Config{Level: "debug", Component: "server"}, &buf)

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithUserID(ctx, "u-9")
	ctx = WithProjectID(ctx, 4)
	FromContext(ctx, &base).Info().Msg("hello")

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%s)", err, buf.String())
	}
	for k, want := range map[string]string{
		"request_id": "req-1",
		"user_id":    "u-9",
		"project_id": "4",
		"component":  "server",
		"msg":        "hello",
	} {
		if m[k] != want {
			t.Fatalf("%s=%v want %s", k, m[k], want)
		}
	}
}

func TestWithRequestID_GeneratesID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	if len(RequestID(ctx)) != 16 {
		t.Fatalf("generated id %q", RequestID(ctx))
	}
}

func TestNewSlog_WritesThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	base := Build(Config{Level: "info"}, &buf)
	log := NewSlog(&base)

	log.InfoContext(WithUserID(context.Background(), "u-1"), "upload done", "inserted", 4)

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m["inserted"] != 4.0 || m["user_id"] != "u-1" || m["level"] != "info" {
		t.Fatalf("line=%v", m)
	}
}
