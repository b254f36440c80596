package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"trackersync/internal/model"
	"trackersync/internal/repository"
	"trackersync/internal/repository/sqlite"
)

// tempStore 指向临时 sqlite 库的配置目录
func tempStore(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "cli.db")
	base := "db:\n  driver: sqlite\n  path: " + dbPath + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "base.yaml"), []byte(base), 0o644))

	prev := opts
	opts.configDir, opts.env, opts.json = dir, "test", false
	t.Cleanup(func() { opts = prev })
	return dbPath
}

func openStore(t *testing.T, path string) *repository.Store {
	t.Helper()
	st, err := sqlite.Open(path, zap.NewNop())
	require.NoError(t, err)
	return st
}

func execute(cmd *cobra.Command, args ...string) error {
	cmd.SetArgs(args)
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	return cmd.ExecuteContext(context.Background())
}

func TestProjectMapEnableAddsFlow(t *testing.T) {
	ctx := context.Background()
	path := tempStore(t)

	st := openStore(t, path)
	p, err := model.NewProject("Contoso sync", model.DirectionFromSource, time.Now())
	require.NoError(t, err)
	require.NoError(t, st.Projects.Save(ctx, p))
	st.Close()

	require.NoError(t, execute(projectMapCmd(), p.ID.String(), "--enable", "to_source"))

	st = openStore(t, path)
	defer st.Close()
	got, err := st.Projects.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DirectionBidirectional, got.Direction)

	assert.Error(t, execute(projectMapCmd(), p.ID.String(), "--enable", "sideways"))
}

func TestItemAttachRecordsAttachment(t *testing.T) {
	ctx := context.Background()
	path := tempStore(t)

	st := openStore(t, path)
	p, err := model.NewProject("Contoso sync", model.DirectionBidirectional, time.Now())
	require.NoError(t, err)
	require.NoError(t, st.Projects.Save(ctx, p))
	w := model.NewWorkItem(p.ID, model.Fields{Title: "Login fails"}, time.Now())
	require.NoError(t, st.WorkItems.Save(ctx, w))
	st.Close()

	require.NoError(t, execute(itemAttachCmd(), w.ID.String(), "report.pdf",
		"--url", "https://files.example.com/report.pdf", "--size", "2048"))

	st = openStore(t, path)
	defer st.Close()
	got, err := st.WorkItems.Get(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, got.Attachments, 1)
	a := got.Attachments[0]
	assert.Equal(t, "report.pdf", a.FileName)
	assert.Equal(t, "application/pdf", a.ContentType)
	assert.Equal(t, int64(2048), a.Size)
	assert.Equal(t, "https://files.example.com/report.pdf", a.URL)
}

func TestConflictsListRejectsUnknownType(t *testing.T) {
	tempStore(t)
	err := execute(conflictsListCmd(), "--type", "renamed")
	assert.ErrorIs(t, err, model.ErrValidation)
}
