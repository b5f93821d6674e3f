package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDefinition = `
id: nightly
name: Nightly ingest
stages:
  - id: extract
    service: data
  - id: notify
    service: notification
    dependencies: [extract]
`

const cyclicDefinition = `
id: loop
name: Loop
stages:
  - id: a
    service: data
    dependencies: [b]
  - id: b
    service: data
    dependencies: [a]
`

func writeDefinition(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidateDefinitions_valid(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "nightly.yaml", validDefinition)

	out := &bytes.Buffer{}
	err := validateDefinitions(out, []string{dir})

	require.NoError(t, err)
	assert.Contains(t, out.String(), "ok      nightly (2 stages)")
}

func TestValidateDefinitions_reportsEveryInvalidWorkflow(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "nightly.yaml", validDefinition)
	writeDefinition(t, dir, "loop.yml", cyclicDefinition)

	out := &bytes.Buffer{}
	err := validateDefinitions(out, []string{dir})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2 workflow definitions invalid")
	assert.Contains(t, out.String(), "invalid loop")
	assert.Contains(t, out.String(), "CIRCULAR_DEPENDENCY")
}

func TestValidateDefinitions_unparseableFile(t *testing.T) {
	dir := t.TempDir()
	path := writeDefinition(t, dir, "broken.yaml", "id: broken\nstages: [this is: not valid\n")

	err := validateDefinitions(&bytes.Buffer{}, []string{path})
	require.Error(t, err)
}

func TestRootCmd_validateSubcommand(t *testing.T) {
	dir := t.TempDir()
	writeDefinition(t, dir, "nightly.yaml", validDefinition)

	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"validate", dir})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "nightly")
}

func TestRootCmd_validateRequiresPath(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"validate"})

	assert.Error(t, cmd.Execute())
}
