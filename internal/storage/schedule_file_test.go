package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/flowsched/internal/model"
)

func TestScheduleFile_LoadMissing(t *testing.T) {
	file := NewScheduleFile(filepath.Join(t.TempDir(), "schedules.json"), zaptest.NewLogger(t))

	schedules, err := file.Load()
	require.NoError(t, err)
	assert.Empty(t, schedules)
}

func TestScheduleFile_SaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "schedules.json")
	file := NewScheduleFile(path, zaptest.NewLogger(t))

	next := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	in := map[string]*model.Schedule{
		"nightly": {
			ID:          "nightly",
			Name:        "Nightly backup",
			WorkflowRef: "shell:backup.sh",
			Type:        model.ScheduleTypeCron,
			Expression:  "@daily",
			Timezone:    "UTC",
			Enabled:     true,
			Variables:   map[string]any{"target": "s3"},
			RunCount:    3,
			NextRun:     &next,
		},
	}

	require.NoError(t, file.Save(in))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temporary file must be renamed away")

	out, err := file.Load()
	require.NoError(t, err)
	require.Contains(t, out, "nightly")
	assert.Equal(t, "Nightly backup", out["nightly"].Name)
	assert.Equal(t, 3, out["nightly"].RunCount)
	assert.Equal(t, "s3", out["nightly"].Variables["target"])
	require.NotNil(t, out["nightly"].NextRun)
	assert.True(t, next.Equal(*out["nightly"].NextRun))
}

func TestScheduleFile_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schedules.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewScheduleFile(path, zaptest.NewLogger(t)).Load()
	assert.Error(t, err)
}

func TestScheduleFile_Writable(t *testing.T) {
	file := NewScheduleFile(filepath.Join(t.TempDir(), "schedules.json"), zaptest.NewLogger(t))
	assert.NoError(t, file.Writable())
}
