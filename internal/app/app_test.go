package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trackersync/config"
	"trackersync/internal/model"
)

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.DB.Path = filepath.Join(t.TempDir(), "app.db")
	return *cfg
}

func TestOpenStoreSQLiteAndDispatch(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	log := zap.NewNop()

	store, err := OpenStore(ctx, cfg, log)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.Ping(ctx))

	p, err := model.NewProject("Contoso", model.DirectionBidirectional, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Projects.Save(ctx, p))

	m, err := OpenMessaging(cfg, log)
	require.NoError(t, err)
	defer m.Close()
	subs := m.Subscribers(store, cfg, log)
	require.Len(t, subs, 2)
	assert.Equal(t, "log", subs[0].Name())
	assert.Equal(t, "conflict_alert", subs[1].Name())

	res, err := Dispatcher(store, cfg, log).Subscribe(subs...).ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.DB.Driver = "mysql"
	_, err := OpenStore(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestTrackersRequireCredentials(t *testing.T) {
	cfg := testConfig(t)
	_, _, err := Trackers(cfg, zap.NewNop())
	assert.Error(t, err)

	cfg.Source.Token = "ghp_test"
	cfg.Target.BaseURL = "https://jira.example.com"
	source, target, err := Trackers(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "github", source.Name())
	assert.Equal(t, "jira", target.Name())
}

func TestRegistryKnowsEveryEvent(t *testing.T) {
	assert.Len(t, Registry().Types(), 10)
}
