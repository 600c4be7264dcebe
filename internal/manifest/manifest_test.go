package manifest

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openTestStore(t)

	runs, err := s.Runs()
	require.NoError(t, err)
	require.Empty(t, runs)
}

func TestOpen_ReopenExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.db")

	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.BeginRun(RunParams{InputDir: "in", VoxelSize: 0.3, EdgeRadius: 0.1})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Second open must tolerate the already-applied migration.
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	run, err := s2.Run(id)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, run.Status)
}

func TestBeginAndFinishRun(t *testing.T) {
	s := openTestStore(t)

	id, err := s.BeginRun(RunParams{InputDir: "/data/raw", VoxelSize: 0.3, EdgeRadius: 0.1})
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err, "run id should be a uuid")

	run, err := s.Run(id)
	require.NoError(t, err)
	require.Equal(t, StatusRunning, run.Status)
	require.Equal(t, "/data/raw", run.InputDir)
	require.Equal(t, 0.3, run.VoxelSize)
	require.Equal(t, 0.1, run.EdgeRadius)
	require.False(t, run.StartedAt.IsZero())
	require.True(t, run.FinishedAt.IsZero())

	require.NoError(t, s.FinishRun(id, StatusCompleted))

	run, err = s.Run(id)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, run.Status)
	require.False(t, run.FinishedAt.IsZero())
}

func TestFinishRun_UnknownID(t *testing.T) {
	s := openTestStore(t)
	require.Error(t, s.FinishRun("no-such-run", StatusFailed))
}

func TestRecordArtifactsAndFailures(t *testing.T) {
	s := openTestStore(t)

	id, err := s.BeginRun(RunParams{InputDir: "in", VoxelSize: 0.5, EdgeRadius: 0.1})
	require.NoError(t, err)

	require.NoError(t, s.RecordArtifact(id, "convert", "out/final_12.npy", 4096))
	require.NoError(t, s.RecordArtifact(id, "downsample", "out/final_12.npy", 512))
	require.NoError(t, s.RecordFailure(id, "convert", "in/broken.las", "lasfile: bad signature"))

	arts, err := s.Artifacts(id)
	require.NoError(t, err)
	require.Len(t, arts, 2)
	require.Equal(t, "convert", arts[0].Stage)
	require.Equal(t, 4096, arts[0].Points)
	require.Equal(t, "downsample", arts[1].Stage)
	require.Equal(t, 512, arts[1].Points)

	fails, err := s.Failures(id)
	require.NoError(t, err)
	require.Len(t, fails, 1)
	require.Equal(t, "in/broken.las", fails[0].Path)
	require.Contains(t, fails[0].Message, "bad signature")
}

func TestArtifacts_ScopedToRun(t *testing.T) {
	s := openTestStore(t)

	a, err := s.BeginRun(RunParams{InputDir: "in"})
	require.NoError(t, err)
	b, err := s.BeginRun(RunParams{InputDir: "in"})
	require.NoError(t, err)

	require.NoError(t, s.RecordArtifact(a, "convert", "out/a.npy", 1))
	require.NoError(t, s.RecordArtifact(b, "convert", "out/b.npy", 2))

	arts, err := s.Artifacts(a)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	require.Equal(t, "out/a.npy", arts[0].Path)

	runs, err := s.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 2)
}
