// SPDX-License-Identifier: MIT
package validate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_URL(t *testing.T) {
	tests := []struct {
		name           string
		value          string
		allowedSchemes []string
		wantErr        bool
	}{
		{"valid http", "http://example.com", []string{"http", "https"}, false},
		{"valid https with path", "https://api.openai.com/v1", []string{"http", "https"}, false},
		{"empty url", "", []string{"http"}, true},
		{"no host", "http://", []string{"http"}, true},
		{"invalid scheme", "ftp://example.com", []string{"http", "https"}, true},
		{"no scheme", "example.com", []string{"http"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New()
			v.URL("testURL", tt.value, tt.allowedSchemes)
			assert.Equal(t, tt.wantErr, !v.IsValid(), "err: %v", v.Err())
		})
	}
}

func TestValidator_ListenAddr(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{":3000", false},
		{"0.0.0.0:8080", false},
		{"localhost:9090", false},
		{"3000", true},
		{":0", true},
		{":http", true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			v := New()
			v.ListenAddr("server.listen", tt.addr)
			assert.Equal(t, tt.wantErr, !v.IsValid(), "err: %v", v.Err())
		})
	}
}

func TestValidator_AccumulatesErrors(t *testing.T) {
	v := New()
	v.Range("broker.max_sessions", 0, 1, 1024)
	v.Range("broker.max_queue_depth", 0, 1, 64)
	v.OneOf("sandbox.launcher", "vm", []string{"inprocess", "process", "docker"})
	v.MinDuration("broker.idle_timeout", time.Millisecond, time.Second)
	v.FloatRange("telemetry.sampling_rate", 1.5, 0, 1)
	v.NotEmpty("llm.model", "  ")

	err := v.Err()
	require.Error(t, err)

	var verr ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Errors(), 6)
	assert.Contains(t, err.Error(), "broker.max_sessions")
	assert.Contains(t, err.Error(), "sandbox.launcher")
}

func TestValidator_ValidProducesNilErr(t *testing.T) {
	v := New()
	v.Range("x", 1, 1, 1)
	v.NonNegative("y", 0)
	v.OneOf("z", "a", []string{"a"})
	assert.True(t, v.IsValid())
	assert.NoError(t, v.Err())
}

func TestValidator_File(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "rlm-sandbox")
	require.NoError(t, os.WriteFile(file, []byte("#!/bin/sh\n"), 0o600))

	v := New()
	v.File("sandbox.worker_binary", file)
	assert.True(t, v.IsValid())

	v = New()
	v.File("sandbox.worker_binary", dir)
	v.File("sandbox.worker_binary", filepath.Join(dir, "missing"))
	v.File("sandbox.worker_binary", "")
	assert.Len(t, v.Errors(), 3)
}

func TestParseLogLevel(t *testing.T) {
	lvl, err := ParseLogLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, LogLevelWarn, lvl)

	_, err = ParseLogLevel("verbose")
	var verr *Error
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "log.level", verr.Field)

	v := New()
	v.LogLevel("log.level", "info")
	v.LogLevel("log.level", "INFO")
	require.Len(t, v.Errors(), 1)
	assert.Contains(t, v.Errors()[0].Message, `"INFO"`)
}
