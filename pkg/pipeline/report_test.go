package pipeline

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportSaveAndLoad(t *testing.T) {
	report := NewReport()
	_, err := uuid.Parse(report.RunID)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range []string{"c", "a", "b"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res := SlideResult{SlideID: id, Label: "tumor", Written: 3, Duration: 1500 * time.Millisecond}
			if id == "b" {
				res.Error = "slide b: decode failed"
			}
			report.Add(res)
		}(id)
	}
	wg.Wait()
	report.Finish(2)

	assert.Equal(t, 1, report.Failed())
	assert.Equal(t, 9, report.Written())

	saveDir := t.TempDir()
	path, err := report.Save(saveDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(saveDir, "reports", "run-"+report.RunID+".yaml"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "duration: 1.5s")

	loaded, err := loadReport(path)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, loaded.RunID)
	assert.Equal(t, 2, loaded.Skipped)
	require.Len(t, loaded.Slides, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{loaded.Slides[0].SlideID, loaded.Slides[1].SlideID, loaded.Slides[2].SlideID})
	assert.Equal(t, "slide b: decode failed", loaded.Slides[1].Error)
	assert.Equal(t, 1500*time.Millisecond, loaded.Slides[0].Duration)
	assert.True(t, report.StartedAt.Equal(loaded.StartedAt))
}

func TestNewReportIDsAreUnique(t *testing.T) {
	assert.NotEqual(t, NewReport().RunID, NewReport().RunID)
}
