package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/drpcorg/collabdb/collab"
	"github.com/drpcorg/collabdb/database"
	"github.com/drpcorg/collabdb/idgen"
	"github.com/drpcorg/collabdb/kvlog"
	"github.com/drpcorg/collabdb/realtime"
	"github.com/drpcorg/collabdb/store"
	"github.com/drpcorg/collabdb/utils"
	"github.com/drpcorg/collabdb/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShell(t *testing.T) (*shell, *bytes.Buffer) {
	st, err := store.Open("", store.Options{KV: kvlog.Options{InMemory: true}, Logger: utils.NopLogger()})
	require.Nil(t, err)
	dctx := database.DatabaseContext{
		Service: store.NewService(st, 0xc1),
		IDs:     idgen.NewSequence("row"),
		Logger:  utils.NopLogger(),
	}
	ws, err := workspace.Open(context.Background(), "workspace", dctx, workspace.Options{})
	require.Nil(t, err)
	t.Cleanup(func() {
		_ = ws.Close()
		_ = st.Close()
	})
	out := &bytes.Buffer{}
	return &shell{ws: ws, log: utils.NopLogger(), out: out}, out
}

// run executes a command and returns what it printed.
func run1(t *testing.T, sh *shell, out *bytes.Buffer, line string) string {
	out.Reset()
	require.Nil(t, sh.Exec(context.Background(), line))
	return out.String()
}

func TestShell_Commands(t *testing.T) {
	sh, out := newShell(t)

	var dbID, view string
	_, err := fmt.Sscanf(run1(t, sh, out, "create Tasks"), "database %s view %s", &dbID, &view)
	require.Nil(t, err)
	dbID = strings.TrimSuffix(dbID, ",")
	assert.Contains(t, run1(t, sh, out, "list"), dbID)

	var board string
	_, err = fmt.Sscanf(run1(t, sh, out, "link "+view+" Board 1"), "view %s", &board)
	require.Nil(t, err)
	views := run1(t, sh, out, "views "+view)
	assert.Contains(t, views, board+"\tboard\tBoard")
	assert.Contains(t, views, view+"\tgrid\tTasks\t0 rows (inline)")

	assert.Equal(t, "row row-1\n", run1(t, sh, out, `addrow `+board+` {"f1": {"data": "milk"}}`))
	assert.Equal(t, "row row-2\n", run1(t, sh, out, "addrow "+view))
	assert.Equal(t, "row-1\t{\"f1\":{\"data\":\"milk\"}}\nrow-2\t{}\n", run1(t, sh, out, "rows "+board))

	assert.True(t, strings.HasPrefix(run1(t, sh, out, "dup "+view), "database "))
	assert.Len(t, sh.ws.GetAllDatabaseMeta(), 2)

	run1(t, sh, out, "delview "+view)
	assert.Len(t, sh.ws.GetAllDatabaseMeta(), 1)

	assert.Nil(t, sh.Exec(context.Background(), "flush"))
	assert.Equal(t, "not syncing\n", run1(t, sh, out, "sync"))

	assert.ErrorIs(t, sh.Exec(context.Background(), "rows "+view), ErrUnknownView)
	assert.ErrorIs(t, sh.Exec(context.Background(), "link"), ErrUsage)
	assert.Error(t, sh.Exec(context.Background(), "frobnicate"))
	assert.ErrorIs(t, sh.Exec(context.Background(), "exit"), io.EOF)
}

func TestSyncer_FetchWithoutHub(t *testing.T) {
	s := newSyncer(realtime.SessionOptions{Logger: utils.NopLogger()})
	_, err := s.FetchCollab(context.Background(), "db", collab.TypeDatabase)
	assert.ErrorIs(t, err, ErrNotConnected)
}
