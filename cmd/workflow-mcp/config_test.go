package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("AROMCP_DB_PATH", "/tmp/wf.db")
	t.Setenv("AROMCP_LOG_LEVEL", "debug")
	t.Setenv("AROMCP_SCHEDULER", "0")
	t.Setenv("AROMCP_MAX_PARALLEL", "4")

	cfg := loadConfig()
	assert.Equal(t, "/tmp/wf.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.False(t, cfg.Scheduler)
	assert.Equal(t, 4, cfg.MaxParallel)
}

func TestLoadConfig_BadMaxParallelIgnored(t *testing.T) {
	t.Setenv("AROMCP_MAX_PARALLEL", "lots")
	cfg := loadConfig()
	assert.Equal(t, 0, cfg.MaxParallel)

	t.Setenv("AROMCP_MAX_PARALLEL", "-2")
	cfg = loadConfig()
	assert.Equal(t, 0, cfg.MaxParallel)
}
