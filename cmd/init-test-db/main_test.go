package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunRejectsArguments(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, 1, run([]string{"crm_test"}, &stderr))
	assert.Contains(t, stderr.String(), "no arguments")
}

func TestRunFailsWithoutCredentials(t *testing.T) {
	t.Setenv("DEVENV_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DEVENV_DB_PROVIDER", "postgres")
	t.Setenv("POSTGRES_PASSWORD", "")

	var stderr bytes.Buffer
	assert.Equal(t, 1, run(nil, &stderr))
	assert.Contains(t, stderr.String(), "POSTGRES_PASSWORD")
}
