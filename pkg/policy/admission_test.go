package policy_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/memoria/pkg/model"
	"github.com/m-mizutani/memoria/pkg/policy"
)

const admissionPolicy = `package memoria.admission

deny contains msg if {
	contains(lower(input.memory.memory_block), "password")
	msg := "memory must not contain credentials"
}

deny contains msg if {
	count(input.memory.abstract) == 0
	msg := sprintf("memory %s has no abstract", [input.memory.name])
}
`

func TestAdmission(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "admission.rego"), []byte(admissionPolicy), 0644))

	admission, err := policy.Load(ctx, dir)
	gt.NoError(t, err)
	gt.NotNil(t, admission)

	t.Run("admitted", func(t *testing.T) {
		d, err := admission.Evaluate(ctx, model.Memory{Name: "pets", Abstract: "pets", MemoryBlock: "has a cat"})
		gt.NoError(t, err)
		gt.True(t, d.Admitted)
		gt.A(t, d.Reasons).Length(0)
	})

	t.Run("denied with reason", func(t *testing.T) {
		d, err := admission.Evaluate(ctx, model.Memory{Name: "login", Abstract: "login", MemoryBlock: "Password is hunter2"})
		gt.NoError(t, err)
		gt.False(t, d.Admitted)
		gt.Equal(t, d.Reasons, []string{"memory must not contain credentials"})
	})

	t.Run("multiple reasons", func(t *testing.T) {
		d, err := admission.Evaluate(ctx, model.Memory{Name: "login", MemoryBlock: "password"})
		gt.NoError(t, err)
		gt.False(t, d.Admitted)
		gt.A(t, d.Reasons).Length(2)
	})
}

func TestAdmissionWithoutDenyRule(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "other.rego"), []byte("package other\n\nx := 1\n"), 0644))

	admission, err := policy.Load(ctx, dir)
	gt.NoError(t, err)

	d, err := admission.Evaluate(ctx, model.Memory{Name: "pets"})
	gt.NoError(t, err)
	gt.True(t, d.Admitted)
}

func TestLoadEmpty(t *testing.T) {
	ctx := context.Background()

	admission, err := policy.Load(ctx, "")
	gt.NoError(t, err)
	gt.Nil(t, admission)

	admission, err = policy.Load(ctx, t.TempDir())
	gt.NoError(t, err)
	gt.Nil(t, admission)

	// nil admission admits everything
	d, err := admission.Evaluate(ctx, model.Memory{Name: "pets"})
	gt.NoError(t, err)
	gt.True(t, d.Admitted)
}

func TestLoadInvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	gt.NoError(t, os.WriteFile(filepath.Join(dir, "broken.rego"), []byte("package memoria.admission\n\ndeny contains {"), 0644))

	_, err := policy.Load(context.Background(), dir)
	gt.Error(t, err)
}
