package factory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/verify"
)

func stage(id string, typ StageType, deps ...string) *Stage {
	return &Stage{ID: id, Type: typ, DependsOn: deps}
}

func errorFields(vr *ValidationResult) []string {
	var fields []string
	for _, issue := range vr.Errors() {
		fields = append(fields, issue.Field)
	}
	return fields
}

func TestValidateOK(t *testing.T) {
	t.Parallel()

	f := &Factory{
		Name: "ok",
		Stages: []*Stage{
			stage("a", StagePRD),
			stage("b", StagePlan, "a"),
			stage("c", StageBuild, "b"),
		},
	}
	vr := Validate(f)
	assert.False(t, vr.HasErrors())
	assert.Empty(t, vr.Issues)
}

func TestValidateEmptyStages(t *testing.T) {
	t.Parallel()

	vr := Validate(&Factory{Name: "empty"})
	require.True(t, vr.HasErrors())
	assert.Contains(t, vr.Errors()[0].Message, "at least one stage")
}

func TestValidateStageID(t *testing.T) {
	t.Parallel()

	cases := []struct {
		id string
		ok bool
	}{
		{"build", true},
		{"Build-2", true},
		{"a_b-c", true},
		{"", false},
		{"1stage", false},
		{"-lead", false},
		{"has space", false},
	}
	for _, tc := range cases {
		f := &Factory{Stages: []*Stage{stage(tc.id, StagePRD)}}
		vr := Validate(f)
		assert.Equal(t, tc.ok, !vr.HasErrors(), "id %q", tc.id)
	}
}

func TestValidateDuplicateID(t *testing.T) {
	t.Parallel()

	f := &Factory{Stages: []*Stage{stage("a", StagePRD), stage("a", StagePlan)}}
	vr := Validate(f)
	require.True(t, vr.HasErrors())
	assert.Contains(t, vr.Errors()[0].Message, "duplicate")
}

func TestValidateStageRequirements(t *testing.T) {
	t.Parallel()

	f := &Factory{Stages: []*Stage{
		stage("c", StageCustom),
		stage("f", StageFactory),
		stage("u", StageType("mystery")),
	}}
	vr := Validate(f)
	fields := errorFields(vr)
	assert.Contains(t, fields, "stages.c.command")
	assert.Contains(t, fields, "stages.f.factory")
	assert.Contains(t, fields, "stages.u.type")
}

func TestValidateDependencies(t *testing.T) {
	t.Parallel()

	f := &Factory{Stages: []*Stage{
		stage("a", StagePRD, "a"),
		stage("b", StagePlan, "ghost"),
	}}
	vr := Validate(f)
	fields := errorFields(vr)
	assert.Contains(t, fields, "stages.a.depends_on")
	assert.Contains(t, fields, "stages.b.depends_on")
}

func TestValidateLoopTo(t *testing.T) {
	t.Parallel()

	// loop target must exist and must precede the looping stage.
	f := &Factory{Stages: []*Stage{
		stage("a", StagePRD),
		func() *Stage {
			s := stage("b", StageBuild, "a")
			s.LoopTo = "a"
			return s
		}(),
	}}
	assert.False(t, Validate(f).HasErrors())

	f.Stages[0].LoopTo = "b"
	vr := Validate(f)
	require.True(t, vr.HasErrors())
	assert.Contains(t, vr.Errors()[0].Message, "must precede")

	f.Stages[0].LoopTo = "ghost"
	vr = Validate(f)
	require.True(t, vr.HasErrors())
	assert.Contains(t, vr.Errors()[0].Message, "unknown loop target")
}

func TestValidateCycle(t *testing.T) {
	t.Parallel()

	f := &Factory{Stages: []*Stage{
		stage("a", StagePRD, "c"),
		stage("b", StagePlan, "a"),
		stage("c", StageBuild, "b"),
	}}
	vr := Validate(f)
	require.True(t, vr.HasErrors())
	assert.Contains(t, vr.Errors()[0].Message, "dependency cycle detected")
	assert.Contains(t, vr.Errors()[0].Message, "->")
}

func TestValidateMergeStrategyAndVerify(t *testing.T) {
	t.Parallel()

	s := stage("a", StagePRD)
	s.MergeStrategy = MergeStrategy("most")
	s.Verify = []verify.Config{{Type: verify.Kind("vibes")}}
	vr := Validate(&Factory{Stages: []*Stage{s}})
	fields := errorFields(vr)
	assert.Contains(t, fields, "stages.a.merge_strategy")
	assert.Contains(t, fields, "stages.a.verify[0].type")
}

func TestValidateNumericRanges(t *testing.T) {
	t.Parallel()

	s := stage("a", StagePRD)
	s.Config = StageConfig{Iterations: -1, Parallel: -2, TimeoutMS: -3, Retries: -4}
	vr := Validate(&Factory{Stages: []*Stage{s}})
	assert.Len(t, vr.Errors(), 4)
}

func TestValidateAgents(t *testing.T) {
	t.Parallel()

	f := &Factory{
		Agents: map[string]string{"build": "  "},
		Stages: []*Stage{stage("a", StagePRD)},
	}
	vr := Validate(f)
	require.True(t, vr.HasErrors())
	assert.Equal(t, "agents.build", vr.Errors()[0].Field)
}
