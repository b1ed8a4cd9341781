package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/rohankatakam/cdegraph/internal/errors"
	"github.com/rohankatakam/cdegraph/internal/metrics"
	"github.com/rohankatakam/cdegraph/internal/pipeline"
)

// testConfig writes a config that points at the fixture export and a
// temporary SQLite store.
func testConfig(t *testing.T) string {
	t.Helper()
	keyring.MockInit()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, k := range []string{"OPENAI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY", "POSTGRES_DSN", "DATABASE_URL", "REDIS_ADDR"} {
		t.Setenv(k, "")
	}

	source, err := filepath.Abs(filepath.Join("..", "..", "test", "fixtures", "cadsr"))
	require.NoError(t, err)

	path := filepath.Join(home, "cdegraph.yaml")
	body := fmt.Sprintf(`source:
  dir: %s
  skip_retired: true
  enumerated_only: true
  concept_origin: NCI
storage:
  type: sqlite
  sqlite_path: %s
pipeline:
  workers: 2
  max_error_rate: 1
logging:
  level: error
`, source, filepath.Join(home, "store.db"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range append([]string{"run", "migrate", "validate", "failures", "config"}, metrics.Stages...) {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestNormalizeAndExtractAreIdempotent(t *testing.T) {
	cfgPath := testConfig(t)
	args := []string{"--config", cfgPath, "-o", "json", "run", "--stages", "normalize,extract-links"}

	out, err := execute(t, args...)
	require.NoError(t, err, out)

	var first pipeline.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	require.Len(t, first.Stages, 2)
	assert.Equal(t, metrics.StageNormalize, first.Stages[0].Stage)
	assert.Equal(t, metrics.StageExtractLinks, first.Stages[1].Stage)
	assert.Positive(t, first.Stages[0].Counts["CDE"][metrics.Inserted])

	out, err = execute(t, args...)
	require.NoError(t, err, out)

	var second pipeline.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &second))
	require.Len(t, second.Stages, 2)
	assert.Zero(t, second.Stages[0].Counts["CDE"][metrics.Inserted])
	assert.Equal(t, first.Stages[0].Counts["CDE"][metrics.Inserted], second.Stages[0].Counts["CDE"][metrics.Duplicate])
	for _, counts := range second.Stages[1].Counts {
		assert.Zero(t, counts[metrics.Inserted])
	}
}

func TestUnknownStageIsFatal(t *testing.T) {
	cfgPath := testConfig(t)
	_, err := execute(t, "--config", cfgPath, "run", "--stages", "bogus")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.Config))
	assert.Equal(t, pipeline.ExitFatal, pipeline.ExitCode(err))
}

func TestMigrateCommand(t *testing.T) {
	cfgPath := testConfig(t)
	out, err := execute(t, "--config", cfgPath, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema store is up to date")
}

func TestFailuresCommandListsRejectedRecords(t *testing.T) {
	cfgPath := testConfig(t)
	_, err := execute(t, "--config", cfgPath, "-o", "text", "normalize")
	require.NoError(t, err)

	out, err := execute(t, "--config", cfgPath, "-o", "json", "failures", "--stage", metrics.StageNormalize)
	require.NoError(t, err)
	assert.Contains(t, out, errors.MalformedRecord.String())
}
