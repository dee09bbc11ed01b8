package catalog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atp-project/routecore/internal/clock"
)

func testRecord(name string, grade SafetyGrade) Record {
	r := Record{
		Name:               name,
		Provider:           "openai",
		Status:             StatusActive,
		SafetyGrade:        grade,
		Tags:               []string{"general", "chat"},
		LatencyP50Ms:       400,
		LatencyP95Ms:       900,
		QualityScore:       0.8,
		CostPerInputToken:  0.00001,
		CostPerOutputToken: 0.00003,
	}
	r.ManifestHash = ManifestHash(r)
	return r
}

func TestManifestHashStableUnderTagOrder(t *testing.T) {
	a := testRecord("gpt-4", GradeA)
	b := a
	b.Tags = []string{"chat", "general"} // reordered
	require.Equal(t, ManifestHash(a), ManifestHash(b))
}

func TestManifestHashChangesWithFields(t *testing.T) {
	a := testRecord("gpt-4", GradeA)
	b := a
	b.QualityScore = 0.81
	require.NotEqual(t, ManifestHash(a), ManifestHash(b))
}

func TestSafetyGradeMeets(t *testing.T) {
	require.True(t, GradeA.Meets(GradeD))
	require.True(t, GradeA.Meets(GradeA))
	require.True(t, GradeB.Meets(GradeC))
	require.False(t, GradeC.Meets(GradeA))
	require.False(t, GradeD.Meets(GradeB))
}

func TestLoadStrictRejectsCorruption(t *testing.T) {
	good := testRecord("gpt-4", GradeA)
	bad := testRecord("claude-sonnet", GradeA)
	bad.ManifestHash = "deadbeef"

	data, err := json.Marshal([]Record{good, bad})
	require.NoError(t, err)

	reg := NewRegistry(clock.NewFake(time.Now()))
	err = reg.LoadJSON(data, true)
	require.ErrorIs(t, err, ErrRegistryCorruption)
}

func TestLoadLenientIsolatesCorruption(t *testing.T) {
	good := testRecord("gpt-4", GradeA)
	bad := testRecord("claude-sonnet", GradeA)
	bad.ManifestHash = "deadbeef"

	data, err := json.Marshal([]Record{good, bad})
	require.NoError(t, err)

	reg := NewRegistry(clock.NewFake(time.Now()))
	require.NoError(t, reg.LoadJSON(data, false))

	snap := reg.Snapshot()
	_, ok := snap.Get("gpt-4")
	require.True(t, ok)
	_, ok = snap.Get("claude-sonnet")
	require.False(t, ok, "corrupt record must be isolated")
}

func TestLoadSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.json")

	records := []Record{
		testRecord("gpt-4", GradeA),
		testRecord("claude-sonnet", GradeB),
		testRecord("llama-70b", GradeC),
	}
	data, err := json.MarshalIndent(records, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	reg := NewRegistry(clock.NewFake(time.Now()))
	require.NoError(t, reg.LoadFile(path, true))

	out := filepath.Join(dir, "registry-out.json")
	require.NoError(t, reg.SaveFile(out))

	reg2 := NewRegistry(clock.NewFake(time.Now()))
	require.NoError(t, reg2.LoadFile(out, true))

	for _, r := range records {
		got, ok := reg2.Snapshot().Get(r.Name)
		require.True(t, ok, r.Name)
		require.Equal(t, ManifestHash(got), got.ManifestHash)
	}
}

func TestSnapshotCandidatesExcludeSunset(t *testing.T) {
	active := testRecord("gpt-4", GradeA)
	gone := testRecord("gpt-3", GradeA)
	gone.Status = StatusSunset
	gone.ManifestHash = ManifestHash(gone)

	reg := NewRegistry(clock.NewFake(time.Now()))
	reg.Publish(map[string]Record{active.Name: active, gone.Name: gone})

	cands := reg.Snapshot().Candidates()
	require.Len(t, cands, 1)
	require.Equal(t, "gpt-4", cands[0].Name)
}

func TestSnapshotSwapIsAtomic(t *testing.T) {
	reg := NewRegistry(clock.NewFake(time.Now()))
	old := reg.Snapshot()

	rec := testRecord("gpt-4", GradeA)
	reg.Publish(map[string]Record{rec.Name: rec})

	// Old snapshot is unchanged; new one has the record.
	require.Empty(t, old.Records)
	require.Len(t, reg.Snapshot().Records, 1)
}
