package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCtx(t *testing.T) {
	ctx := context.Background()
	assert.Same(t, Default(), Ctx(ctx))

	custom := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	assert.Same(t, custom, Ctx(With(ctx, custom)))
}

func TestWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	ctx := With(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))
	ctx = WithAttrs(ctx, slog.String("cycleID", "abc"))

	Ctx(ctx).InfoContext(ctx, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "abc", rec["cycleID"])
}

func TestLevel(t *testing.T) {
	t.Cleanup(func() {
		SetDefaultLogLevel(slog.LevelInfo)
		SetOutput(os.Stdout)
	})

	var buf bytes.Buffer
	SetOutput(&buf)
	ctx := context.Background()

	SetDefaultLogLevel(slog.LevelWarn)
	Ctx(ctx).InfoContext(ctx, "dropped")
	assert.Empty(t, buf.String())

	Ctx(ctx).WarnContext(ctx, "kept")
	assert.Contains(t, buf.String(), `"msg":"kept"`)
}
