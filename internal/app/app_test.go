package app

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spycat/internal/breeds"
	"spycat/internal/config"
	"spycat/internal/engine"
)

func TestResolveConfigOverrides(t *testing.T) {
	ws := t.TempDir()
	cfg, err := ResolveConfig(ws, "", Overrides{LogLevel: "debug", BreedsSource: "static"})
	require.Error(t, err, "static source without an allow-list is invalid")
	assert.Nil(t, cfg)

	yml := "breeds:\n  source: static\n  allow: [Siamese]\n"
	require.NoError(t, os.WriteFile(config.Path(ws), []byte(yml), 0o644))
	cfg, err = ResolveConfig(ws, "", Overrides{LogFormat: "json"})
	require.NoError(t, err)
	assert.Equal(t, config.BreedSourceStatic, cfg.Breeds.Source)
	assert.Equal(t, "json", cfg.Log.Format)

	_, err = ResolveConfig(ws, filepath.Join(ws, "missing.yml"), Overrides{})
	assert.Error(t, err)
}

func TestNewValidator(t *testing.T) {
	v, err := NewValidator(config.BreedsConfig{Source: config.BreedSourceStatic, Allow: []string{"Bengal"}})
	require.NoError(t, err)
	assert.IsType(t, breeds.Static{}, v)

	v, err = NewValidator(config.BreedsConfig{Source: config.BreedSourceCatAPI, URL: "http://x", Timeout: time.Second, CacheTTL: time.Minute})
	require.NoError(t, err)
	assert.IsType(t, &breeds.Cached{}, v)

	_, err = NewValidator(config.BreedsConfig{Source: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestNewLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
}

func TestOpenRuntime(t *testing.T) {
	ws := t.TempDir()
	cfg := config.Default()
	cfg.Breeds.Source = config.BreedSourceStatic
	cfg.Breeds.Allow = []string{"Siamese"}
	rt, err := Open(context.Background(), ws, cfg, nil)
	require.NoError(t, err)
	defer rt.Close(context.Background())

	c, err := rt.Engine.CreateCat(context.Background(), engine.CatCreateOptions{Name: "Tom", Breed: "siamese", Salary: 10})
	require.NoError(t, err)
	assert.True(t, c.IsAvailable)
	_, err = os.Stat(filepath.Join(ws, ".spycat", "spycat.db"))
	assert.NoError(t, err)
}
