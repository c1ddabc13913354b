package domain_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spycat/internal/domain"
)

func TestValidateTargetsCardinality(t *testing.T) {
	specs := func(n int) []domain.TargetSpec {
		out := make([]domain.TargetSpec, n)
		for i := range out {
			out[i] = domain.TargetSpec{Name: fmt.Sprintf("t%d", i), Country: "X"}
		}
		return out
	}
	for n := 0; n <= 4; n++ {
		err := domain.ValidateTargets(specs(n))
		if n >= domain.MinTargets && n <= domain.MaxTargets {
			assert.NoError(t, err, "n=%d", n)
			continue
		}
		assert.True(t, domain.IsKind(err, domain.KindValidation), "n=%d err=%v", n, err)
	}
}

func TestValidateTargetsDuplicateNames(t *testing.T) {
	err := domain.ValidateTargets([]domain.TargetSpec{
		{Name: "A", Country: "X"},
		{Name: "A", Country: "Y"},
	})
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestCatPatchOnlySalary(t *testing.T) {
	salary := 10.5
	name := "Tom"
	got, err := domain.CatPatch{Salary: &salary}.SalaryUpdate()
	require.NoError(t, err)
	assert.Equal(t, 10.5, got)

	_, err = domain.CatPatch{Salary: &salary, Name: &name}.SalaryUpdate()
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = domain.CatPatch{Salary: &salary, Fields: []string{"salary", "breed"}}.SalaryUpdate()
	assert.Equal(t, domain.KindValidation, domain.KindOf(err), "a key sent as null still counts")

	_, err = domain.CatPatch{Salary: &salary, Fields: []string{"salary"}}.SalaryUpdate()
	assert.NoError(t, err)

	_, err = domain.CatPatch{}.SalaryUpdate()
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	neg := -1.0
	_, err = domain.CatPatch{Salary: &neg}.SalaryUpdate()
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestValidateCatFields(t *testing.T) {
	assert.NoError(t, domain.ValidateCatFields("Tom", 0, "Siamese", 0))
	assert.Error(t, domain.ValidateCatFields("", 1, "Siamese", 1))
	assert.Error(t, domain.ValidateCatFields("Tom", -1, "Siamese", 1))
	assert.Error(t, domain.ValidateCatFields("Tom", 1, " ", 1))
	assert.Error(t, domain.ValidateCatFields("Tom", 1, "Siamese", -0.01))
}

func TestCheckAssignable(t *testing.T) {
	catID := "c1"
	free := domain.Cat{ID: catID, IsAvailable: true}
	busy := domain.Cat{ID: catID}
	assert.NoError(t, domain.CheckAssignable(domain.Mission{}, free))
	assert.True(t, domain.IsKind(domain.CheckAssignable(domain.Mission{}, busy), domain.KindConflict))
	assert.True(t, domain.IsKind(domain.CheckAssignable(domain.Mission{CatID: &catID}, free), domain.KindConflict))
	assert.True(t, domain.IsKind(domain.CheckAssignable(domain.Mission{IsCompleted: true}, free), domain.KindConflict))
}

func TestCheckNotesEditable(t *testing.T) {
	assert.NoError(t, domain.CheckNotesEditable(domain.Target{}, domain.Mission{}))
	assert.True(t, domain.IsKind(domain.CheckNotesEditable(domain.Target{IsCompleted: true}, domain.Mission{}), domain.KindConflict))
	assert.True(t, domain.IsKind(domain.CheckNotesEditable(domain.Target{}, domain.Mission{IsCompleted: true}), domain.KindConflict))
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", domain.NotFoundf("cat %s not found", "x"))
	assert.Equal(t, domain.KindNotFound, domain.KindOf(wrapped))
	assert.Equal(t, domain.KindInternal, domain.KindOf(errors.New("boom")))
	ext := domain.External("breed catalogue unreachable", errors.New("dial tcp"))
	assert.Equal(t, domain.KindExternal, domain.KindOf(ext))
	assert.Contains(t, ext.Error(), "unreachable")
}

func TestMissionPendingTargets(t *testing.T) {
	m := domain.Mission{Targets: []domain.Target{{IsCompleted: true}, {}, {}}}
	assert.Equal(t, 2, m.PendingTargets())
	assert.False(t, m.Assigned())
}
