package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gojodb/config"
	"github.com/sushant-115/gojodb/core/engine"
	"github.com/sushant-115/gojodb/core/pageformat"
	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
	"github.com/sushant-115/gojodb/pkg/telemetry"
	"go.uber.org/zap/zaptest"
)

func newRuntime(t *testing.T, dataFile string) (*runtime, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.DataFile = dataFile
	cfg.Storage.LogFile = config.LogFileFor(dataFile)
	out := &bytes.Buffer{}
	return &runtime{
		ctx:    context.Background(),
		cfg:    cfg,
		logger: zaptest.NewLogger(t),
		tel:    telemetry.Noop(),
		out:    out,
	}, out
}

// seed commits one transaction touching page 1, leaves it in the log and
// returns its commit version.
func seed(t *testing.T, rt *runtime) uint32 {
	t.Helper()
	e, err := engine.Open(context.Background(), rt.cfg.Storage, engine.Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, e.Close()) }()

	txn, err := e.Begin()
	require.NoError(t, err)
	buf := pagemanager.NewPageBuffer(1)
	bp := pageformat.NewBasePage(1, pageformat.PageTypeData)
	require.NoError(t, bp.WriteTo(buf.GetData()))
	version, err := e.Commit(txn.ID, buf)
	require.NoError(t, err)
	return version
}

func decodeLines(t *testing.T, out *bytes.Buffer) []pageformat.Record {
	t.Helper()
	var recs []pageformat.Record
	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var rec pageformat.Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		recs = append(recs, rec)
	}
	require.NoError(t, sc.Err())
	return recs
}

func TestWalCmd_PrintsVersionedRecords(t *testing.T) {
	rt, out := newRuntime(t, filepath.Join(t.TempDir(), "app.db"))
	version := seed(t, rt)

	require.NoError(t, (&WalCmd{}).Run(rt))
	recs := decodeLines(t, out)
	require.Len(t, recs, 1)
	require.Equal(t, uint32(1), recs[0].PageID)
	require.NotNil(t, recs[0].Version)
	require.Equal(t, version, *recs[0].Version)
	require.NotEmpty(t, recs[0].Checksum)
}

func TestCheckpointThenDataCmd(t *testing.T) {
	rt, out := newRuntime(t, filepath.Join(t.TempDir(), "app.db"))
	seed(t, rt)

	require.NoError(t, (&CheckpointCmd{}).Run(rt))
	var res map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.EqualValues(t, 1, res["PagesCopied"])
	out.Reset()

	require.NoError(t, (&DataCmd{}).Run(rt))
	recs := decodeLines(t, out)
	require.Len(t, recs, 2)
	require.Equal(t, "Header", recs[0].PageType)
	require.Equal(t, "Data", recs[1].PageType)
	require.Nil(t, recs[1].Version)
}

func TestBackupCmd(t *testing.T) {
	dir := t.TempDir()
	rt, out := newRuntime(t, filepath.Join(dir, "app.db"))
	seed(t, rt)

	require.NoError(t, (&BackupCmd{Target: filepath.Join(dir, "copy.db")}).Run(rt))
	var res map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.EqualValues(t, 2, res["Pages"])
}

func TestDataCmd_MissingFile(t *testing.T) {
	rt, _ := newRuntime(t, filepath.Join(t.TempDir(), "absent.db"))
	require.Error(t, (&DataCmd{}).Run(rt))
}

func TestCLI_ParseAndLoad(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("gojodb_dump"))
	require.NoError(t, err)

	dir := t.TempDir()
	_, err = parser.Parse([]string{"--data-file", filepath.Join(dir, "x.db"), "--log-level", "debug", "wal", "--no-versions"})
	require.NoError(t, err)
	require.True(t, cli.Wal.NoVersions)

	cfg, err := cli.load()
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "x-log.db"), cfg.Storage.LogFile)
	require.Equal(t, "debug", cfg.Logger.Level)
}
