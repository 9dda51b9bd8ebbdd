package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/parley/internal/logging"
	"github.com/fyrsmithlabs/parley/internal/model"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Version:    dev")
}

func TestMigrateCommand_RejectsUnknownDirection(t *testing.T) {
	rootCmd.SetArgs([]string{"migrate", "sideways"})
	rootCmd.SetOut(&bytes.Buffer{})
	rootCmd.SetErr(&bytes.Buffer{})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil); rootCmd.SetErr(nil) })

	assert.Error(t, rootCmd.Execute())
}

type recordingIndexer struct {
	failOn map[string]bool
	seen   []string
}

func (r *recordingIndexer) IndexNow(_ context.Context, msg model.Message) error {
	r.seen = append(r.seen, msg.ID)
	if r.failOn[msg.ID] {
		return errors.New("embedding endpoint down")
	}
	return nil
}

func eachOf(msgs ...model.Message) func(context.Context, func(model.Message) error) error {
	return func(_ context.Context, fn func(model.Message) error) error {
		for _, m := range msgs {
			if err := fn(m); err != nil {
				return err
			}
		}
		return nil
	}
}

func TestReindex(t *testing.T) {
	msgs := []model.Message{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}}

	t.Run("indexes every message and counts failures", func(t *testing.T) {
		logs := logging.NewTestLogger()
		idx := &recordingIndexer{failOn: map[string]bool{"m2": true}}

		stats, err := reindex(context.Background(), eachOf(msgs...), idx, logs.Underlying(), 2, false)
		require.NoError(t, err)
		assert.Equal(t, reindexStats{seen: 3, indexed: 2, failed: 1}, stats)
		assert.Equal(t, []string{"m1", "m2", "m3"}, idx.seen)
		logs.AssertLogged(t, zapcore.WarnLevel, "failed to index message")
		logs.AssertLogged(t, zapcore.InfoLevel, "reindex progress")
	})

	t.Run("dry run touches nothing", func(t *testing.T) {
		idx := &recordingIndexer{}
		stats, err := reindex(context.Background(), eachOf(msgs...), idx, logging.NewTestLogger().Underlying(), 100, true)
		require.NoError(t, err)
		assert.Equal(t, 3, stats.seen)
		assert.Zero(t, stats.indexed)
		assert.Empty(t, idx.seen)
	})

	t.Run("store error stops the run", func(t *testing.T) {
		broken := func(context.Context, func(model.Message) error) error { return errors.New("badger closed") }
		_, err := reindex(context.Background(), broken, &recordingIndexer{}, logging.NewTestLogger().Underlying(), 10, false)
		assert.ErrorContains(t, err, "reading messages")
	})

	t.Run("cancelled context stops iteration", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		idx := &recordingIndexer{}
		_, err := reindex(ctx, eachOf(msgs...), idx, logging.NewTestLogger().Underlying(), 10, false)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, idx.seen)
	})
}
