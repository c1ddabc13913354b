package engine_test

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spycat/internal/db"
	"spycat/internal/dbtest"
	"spycat/internal/domain"
	"spycat/internal/engine"
	"spycat/internal/events"
	"spycat/internal/metrics"
	"spycat/internal/repo"
)

// fakeBreeds accepts the listed breeds, or fails every lookup when err is set.
type fakeBreeds struct {
	known []string
	err   error
	calls int
	mu    sync.Mutex
}

func (f *fakeBreeds) IsRecognized(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	for _, k := range f.known {
		if strings.EqualFold(k, name) {
			return true, nil
		}
	}
	return false, nil
}

type testEnv struct {
	Engine engine.Engine
	Breeds *fakeBreeds
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, dialect := dbtest.Open(t)
	return newTestEnvOn(conn, dialect)
}

func newTestEnvOn(conn *sql.DB, dialect db.Dialect) testEnv {
	fb := &fakeBreeds{known: []string{"Siamese", "Bengal"}}
	eng := engine.New(conn, dialect, fb)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Metrics = metrics.New()
	eng.Logger = slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	return testEnv{Engine: eng, Breeds: fb, Ctx: context.Background()}
}

func (env testEnv) cat(t *testing.T, name string) domain.Cat {
	t.Helper()
	c, err := env.Engine.CreateCat(env.Ctx, engine.CatCreateOptions{Name: name, ExperienceYears: 3, Breed: "Siamese", Salary: 1200})
	require.NoError(t, err)
	return c
}

func (env testEnv) mission(t *testing.T, names ...string) domain.Mission {
	t.Helper()
	specs := make([]domain.TargetSpec, 0, len(names))
	for _, n := range names {
		specs = append(specs, domain.TargetSpec{Name: n, Country: "X"})
	}
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Targets: specs})
	require.NoError(t, err)
	return m
}

func targetByName(t *testing.T, m domain.Mission, name string) domain.Target {
	t.Helper()
	for _, tgt := range m.Targets {
		if tgt.Name == name {
			return tgt
		}
	}
	t.Fatalf("target %s not in mission %s", name, m.ID)
	return domain.Target{}
}

func requireKind(t *testing.T, err error, kind domain.Kind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, domain.KindOf(err), "error: %v", err)
}

func TestCreateCat(t *testing.T) {
	env := newTestEnv(t)
	c := env.cat(t, "Tom")
	assert.True(t, c.IsAvailable)
	assert.NotEmpty(t, c.ID)

	got, err := env.Engine.GetCat(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestCreateCatRejectedBreedPersistsNothing(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateCat(env.Ctx, engine.CatCreateOptions{Name: "Tom", Breed: "Dragon", Salary: 1})
	requireKind(t, err, domain.KindValidation)

	cats, err := env.Engine.ListCats(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, cats)
}

func TestCreateCatValidatorUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.Breeds.err = errors.New("connection refused")
	_, err := env.Engine.CreateCat(env.Ctx, engine.CatCreateOptions{Name: "Tom", Breed: "Siamese", Salary: 1})
	requireKind(t, err, domain.KindExternal)

	cats, err := env.Engine.ListCats(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, cats)
}

func TestCreateCatFieldValidationSkipsBreedLookup(t *testing.T) {
	env := newTestEnv(t)
	for _, opts := range []engine.CatCreateOptions{
		{Name: "", Breed: "Siamese"},
		{Name: "Tom", Breed: "Siamese", ExperienceYears: -1},
		{Name: "Tom", Breed: "Siamese", Salary: -5},
		{Name: "Tom", Breed: " "},
	} {
		_, err := env.Engine.CreateCat(env.Ctx, opts)
		requireKind(t, err, domain.KindValidation)
	}
	assert.Zero(t, env.Breeds.calls)
}

func TestUpdateCat(t *testing.T) {
	env := newTestEnv(t)
	c := env.cat(t, "Tom")

	salary := 2500.0
	updated, err := env.Engine.UpdateCat(env.Ctx, c.ID, domain.CatPatch{Salary: &salary})
	require.NoError(t, err)
	assert.Equal(t, 2500.0, updated.Salary)

	name := "Jerry"
	_, err = env.Engine.UpdateCat(env.Ctx, c.ID, domain.CatPatch{Salary: &salary, Name: &name})
	requireKind(t, err, domain.KindValidation)

	_, err = env.Engine.UpdateCatSalary(env.Ctx, c.ID, -1)
	requireKind(t, err, domain.KindValidation)

	_, err = env.Engine.UpdateCatSalary(env.Ctx, "missing", 10)
	requireKind(t, err, domain.KindNotFound)

	got, err := env.Engine.GetCat(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Tom", got.Name)
	assert.Equal(t, 2500.0, got.Salary)
}

func TestMissionTargetCardinality(t *testing.T) {
	env := newTestEnv(t)
	for _, n := range []int{0, 4} {
		specs := make([]domain.TargetSpec, n)
		for i := range specs {
			specs[i] = domain.TargetSpec{Name: string(rune('A' + i)), Country: "X"}
		}
		_, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Targets: specs})
		requireKind(t, err, domain.KindValidation)
	}
	_, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Targets: []domain.TargetSpec{
		{Name: "A", Country: "X"}, {Name: "A", Country: "Y"},
	}})
	requireKind(t, err, domain.KindValidation)

	ms, err := env.Engine.ListMissions(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, ms)

	m := env.mission(t, "A", "B", "C")
	assert.Len(t, m.Targets, 3)
	assert.False(t, m.IsCompleted)
	assert.Nil(t, m.CatID)
}

func TestCreateMissionWithCat(t *testing.T) {
	env := newTestEnv(t)
	c := env.cat(t, "Tom")
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		CatID:   &c.ID,
		Targets: []domain.TargetSpec{{Name: "A", Country: "X"}},
	})
	require.NoError(t, err)
	require.NotNil(t, m.CatID)
	assert.Equal(t, c.ID, *m.CatID)

	got, err := env.Engine.GetCat(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.IsAvailable)

	_, err = env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		CatID:   &c.ID,
		Targets: []domain.TargetSpec{{Name: "B", Country: "X"}},
	})
	requireKind(t, err, domain.KindConflict)

	missing := "nope"
	_, err = env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{
		CatID:   &missing,
		Targets: []domain.TargetSpec{{Name: "B", Country: "X"}},
	})
	requireKind(t, err, domain.KindNotFound)

	ms, err := env.Engine.ListMissions(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, ms, 1)
}

func TestAssignCat(t *testing.T) {
	env := newTestEnv(t)
	c := env.cat(t, "Tom")
	m1 := env.mission(t, "A")
	m2 := env.mission(t, "B")

	_, err := env.Engine.AssignCat(env.Ctx, "missing", c.ID)
	requireKind(t, err, domain.KindNotFound)
	_, err = env.Engine.AssignCat(env.Ctx, m1.ID, "missing")
	requireKind(t, err, domain.KindNotFound)

	m, err := env.Engine.AssignCat(env.Ctx, m1.ID, c.ID)
	require.NoError(t, err)
	require.NotNil(t, m.CatID)
	assert.Equal(t, c.ID, *m.CatID)

	// Unavailable cat: both entities stay as they were.
	_, err = env.Engine.AssignCat(env.Ctx, m2.ID, c.ID)
	requireKind(t, err, domain.KindConflict)
	after, err := env.Engine.GetMission(env.Ctx, m2.ID)
	require.NoError(t, err)
	assert.Nil(t, after.CatID)
	cat, err := env.Engine.GetCat(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, cat.IsAvailable)

	other := env.cat(t, "Felix")
	_, err = env.Engine.AssignCat(env.Ctx, m1.ID, other.ID)
	requireKind(t, err, domain.KindConflict)
	cat, err = env.Engine.GetCat(env.Ctx, other.ID)
	require.NoError(t, err)
	assert.True(t, cat.IsAvailable)
}

func TestAssignCatToCompletedMission(t *testing.T) {
	env := newTestEnv(t)
	m := env.mission(t, "A")
	_, err := env.Engine.CompleteTarget(env.Ctx, m.Targets[0].ID)
	require.NoError(t, err)

	c := env.cat(t, "Tom")
	_, err = env.Engine.AssignCat(env.Ctx, m.ID, c.ID)
	requireKind(t, err, domain.KindConflict)
	cat, err := env.Engine.GetCat(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, cat.IsAvailable)
}

func TestMissionScenario(t *testing.T) {
	env := newTestEnv(t)
	m, err := env.Engine.CreateMission(env.Ctx, engine.MissionCreateOptions{Targets: []domain.TargetSpec{
		{Name: "A", Country: "X"}, {Name: "B", Country: "Y"},
	}})
	require.NoError(t, err)
	c := env.cat(t, "C")
	_, err = env.Engine.AssignCat(env.Ctx, m.ID, c.ID)
	require.NoError(t, err)

	res, err := env.Engine.CompleteTarget(env.Ctx, targetByName(t, m, "A").ID)
	require.NoError(t, err)
	assert.True(t, res.Target.IsCompleted)
	assert.False(t, res.Mission.IsCompleted)
	assert.False(t, res.CatReleased)
	cat, err := env.Engine.GetCat(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, cat.IsAvailable)

	res, err = env.Engine.CompleteTarget(env.Ctx, targetByName(t, m, "B").ID)
	require.NoError(t, err)
	assert.True(t, res.Mission.IsCompleted)
	assert.True(t, res.CatReleased)
	cat, err = env.Engine.GetCat(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, cat.IsAvailable)

	// The freed cat can take another mission.
	next := env.mission(t, "D")
	_, err = env.Engine.AssignCat(env.Ctx, next.ID, c.ID)
	require.NoError(t, err)

	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{EntityKind: "cat", EntityID: c.ID})
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, events.CatReleased, evts[0].Type)
}

func TestCompleteUnassignedMissionTouchesNoCat(t *testing.T) {
	env := newTestEnv(t)
	c := env.cat(t, "Tom")
	m := env.mission(t, "A")
	res, err := env.Engine.CompleteTarget(env.Ctx, m.Targets[0].ID)
	require.NoError(t, err)
	assert.True(t, res.Mission.IsCompleted)
	assert.False(t, res.CatReleased)

	got, err := env.Engine.GetCat(env.Ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.UpdatedAt, got.UpdatedAt)
	assert.True(t, got.IsAvailable)
}

func TestCompleteTargetTwice(t *testing.T) {
	env := newTestEnv(t)
	m := env.mission(t, "A", "B")
	_, err := env.Engine.CompleteTarget(env.Ctx, m.Targets[0].ID)
	require.NoError(t, err)
	_, err = env.Engine.CompleteTarget(env.Ctx, m.Targets[0].ID)
	requireKind(t, err, domain.KindConflict)
	_, err = env.Engine.CompleteTarget(env.Ctx, "missing")
	requireKind(t, err, domain.KindNotFound)
}

func TestUpdateTargetNotes(t *testing.T) {
	env := newTestEnv(t)
	m := env.mission(t, "A", "B")
	a := targetByName(t, m, "A")
	b := targetByName(t, m, "B")

	got, err := env.Engine.UpdateTargetNotes(env.Ctx, a.ID, "seen at the docks")
	require.NoError(t, err)
	assert.Equal(t, "seen at the docks", got.Notes)

	_, err = env.Engine.CompleteTarget(env.Ctx, a.ID)
	require.NoError(t, err)
	_, err = env.Engine.UpdateTargetNotes(env.Ctx, a.ID, "late")
	requireKind(t, err, domain.KindConflict)

	_, err = env.Engine.CompleteTarget(env.Ctx, b.ID)
	require.NoError(t, err)
	_, err = env.Engine.UpdateTargetNotes(env.Ctx, b.ID, "late")
	requireKind(t, err, domain.KindConflict)

	_, err = env.Engine.UpdateTargetNotes(env.Ctx, "missing", "x")
	requireKind(t, err, domain.KindNotFound)

	stored, err := env.Engine.GetTarget(env.Ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "seen at the docks", stored.Notes)
}

func TestDeleteCat(t *testing.T) {
	env := newTestEnv(t)
	free := env.cat(t, "Free")
	busy := env.cat(t, "Busy")
	m := env.mission(t, "A")
	_, err := env.Engine.AssignCat(env.Ctx, m.ID, busy.ID)
	require.NoError(t, err)

	requireKind(t, env.Engine.DeleteCat(env.Ctx, busy.ID), domain.KindConflict)

	// Still referenced after the mission completes.
	_, err = env.Engine.CompleteTarget(env.Ctx, m.Targets[0].ID)
	require.NoError(t, err)
	requireKind(t, env.Engine.DeleteCat(env.Ctx, busy.ID), domain.KindConflict)

	require.NoError(t, env.Engine.DeleteCat(env.Ctx, free.ID))
	_, err = env.Engine.GetCat(env.Ctx, free.ID)
	requireKind(t, err, domain.KindNotFound)
	requireKind(t, env.Engine.DeleteCat(env.Ctx, free.ID), domain.KindNotFound)
}

func TestDeleteMission(t *testing.T) {
	env := newTestEnv(t)
	free := env.mission(t, "A", "B")
	assigned := env.mission(t, "C")
	c := env.cat(t, "Tom")
	_, err := env.Engine.AssignCat(env.Ctx, assigned.ID, c.ID)
	require.NoError(t, err)

	requireKind(t, env.Engine.DeleteMission(env.Ctx, assigned.ID), domain.KindConflict)
	require.NoError(t, env.Engine.DeleteMission(env.Ctx, free.ID))

	_, err = env.Engine.GetMission(env.Ctx, free.ID)
	requireKind(t, err, domain.KindNotFound)
	for _, tgt := range free.Targets {
		_, err = env.Engine.GetTarget(env.Ctx, tgt.ID)
		requireKind(t, err, domain.KindNotFound)
	}
	requireKind(t, env.Engine.DeleteMission(env.Ctx, free.ID), domain.KindNotFound)
}

func TestConcurrentAssignSameCat(t *testing.T) {
	dbtest.Each(t, testConcurrentAssignSameCat)
}

func testConcurrentAssignSameCat(t *testing.T, conn *sql.DB, dialect db.Dialect) {
	env := newTestEnvOn(conn, dialect)
	c := env.cat(t, "Tom")
	missions := []domain.Mission{env.mission(t, "A"), env.mission(t, "B")}

	var wg sync.WaitGroup
	errs := make([]error, len(missions))
	for i, m := range missions {
		wg.Add(1)
		go func(i int, missionID string) {
			defer wg.Done()
			_, errs[i] = env.Engine.AssignCat(env.Ctx, missionID, c.ID)
		}(i, m.ID)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		requireKind(t, err, domain.KindConflict)
	}
	assert.Equal(t, 1, succeeded)

	assigned := 0
	for _, m := range missions {
		got, err := env.Engine.GetMission(env.Ctx, m.ID)
		require.NoError(t, err)
		if got.CatID != nil {
			assigned++
		}
	}
	assert.Equal(t, 1, assigned)
}

func TestConcurrentAssignSameMission(t *testing.T) {
	dbtest.Each(t, testConcurrentAssignSameMission)
}

func testConcurrentAssignSameMission(t *testing.T, conn *sql.DB, dialect db.Dialect) {
	env := newTestEnvOn(conn, dialect)
	m := env.mission(t, "A")
	cats := []domain.Cat{env.cat(t, "Tom"), env.cat(t, "Felix")}

	var wg sync.WaitGroup
	errs := make([]error, len(cats))
	for i, c := range cats {
		wg.Add(1)
		go func(i int, catID string) {
			defer wg.Done()
			_, errs[i] = env.Engine.AssignCat(env.Ctx, m.ID, catID)
		}(i, c.ID)
	}
	wg.Wait()

	available := 0
	for i, c := range cats {
		got, err := env.Engine.GetCat(env.Ctx, c.ID)
		require.NoError(t, err)
		if got.IsAvailable {
			available++
			requireKind(t, errs[i], domain.KindConflict)
		} else {
			require.NoError(t, errs[i])
		}
	}
	assert.Equal(t, 1, available)
}

func TestConcurrentCompleteLastTargets(t *testing.T) {
	dbtest.Each(t, testConcurrentCompleteLastTargets)
}

// Completing the last two pending targets at once must still complete the
// mission exactly once and free its cat.
func testConcurrentCompleteLastTargets(t *testing.T, conn *sql.DB, dialect db.Dialect) {
	env := newTestEnvOn(conn, dialect)
	for round := 0; round < 5; round++ {
		c := env.cat(t, "Tom")
		m := env.mission(t, "A", "B", "C")
		_, err := env.Engine.AssignCat(env.Ctx, m.ID, c.ID)
		require.NoError(t, err)
		_, err = env.Engine.CompleteTarget(env.Ctx, targetByName(t, m, "A").ID)
		require.NoError(t, err)

		last := []domain.Target{targetByName(t, m, "B"), targetByName(t, m, "C")}
		results := make([]engine.TargetCompletion, len(last))
		errs := make([]error, len(last))
		var wg sync.WaitGroup
		for i, tgt := range last {
			wg.Add(1)
			go func(i int, targetID string) {
				defer wg.Done()
				results[i], errs[i] = env.Engine.CompleteTarget(env.Ctx, targetID)
			}(i, tgt.ID)
		}
		wg.Wait()

		released := 0
		for i := range last {
			require.NoError(t, errs[i])
			if results[i].CatReleased {
				released++
				assert.True(t, results[i].Mission.IsCompleted)
			}
		}
		assert.Equal(t, 1, released, "exactly one completion cascades")

		got, err := env.Engine.GetMission(env.Ctx, m.ID)
		require.NoError(t, err)
		assert.True(t, got.IsCompleted)
		assert.Zero(t, got.PendingTargets())
		cat, err := env.Engine.GetCat(env.Ctx, c.ID)
		require.NoError(t, err)
		assert.True(t, cat.IsAvailable)

		completed, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{Type: events.MissionCompleted, EntityID: m.ID})
		require.NoError(t, err)
		assert.Len(t, completed, 1)
	}
}
