// Command gojodb_dump inspects and maintains a database's data and log files.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/sushant-115/gojodb/config"
	"github.com/sushant-115/gojodb/core/diagnostics"
	"github.com/sushant-115/gojodb/core/engine"
	"github.com/sushant-115/gojodb/core/pageformat"
	flushmanager "github.com/sushant-115/gojodb/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodb/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojodb/internal/telemetry"
	"github.com/sushant-115/gojodb/pkg/logger"
	"github.com/sushant-115/gojodb/pkg/telemetry"
	"go.uber.org/zap"
)

type CLI struct {
	Config   string `name:"config" short:"c" help:"YAML config file." type:"existingfile"`
	DataFile string `name:"data-file" short:"d" help:"Data file (overrides config)." type:"path"`
	LogFile  string `name:"log-file" help:"Log file (defaults to <data>-log<ext>)." type:"path"`
	LogLevel string `name:"log-level" help:"debug, info, warn or error (overrides config)."`

	Data       DataCmd       `cmd:"" help:"Print every page of the data file as JSON lines."`
	Wal        WalCmd        `cmd:"" help:"Print every page of the log file as JSON lines."`
	Checkpoint CheckpointCmd `cmd:"" help:"Fold committed log pages into the data file."`
	Backup     BackupCmd     `cmd:"" help:"Checkpoint, then copy the data file."`
}

// runtime is what every command runs against.
type runtime struct {
	ctx    context.Context
	cfg    config.Config
	logger *zap.Logger
	tel    *telemetry.Telemetry
	out    io.Writer
}

func (c *CLI) load() (config.Config, error) {
	cfg := config.Default()
	if c.Config != "" {
		var err error
		if cfg, err = config.Load(c.Config); err != nil {
			return cfg, err
		}
	}
	if c.DataFile != "" {
		cfg.Storage.DataFile = c.DataFile
		cfg.Storage.LogFile = ""
	}
	if c.LogFile != "" {
		cfg.Storage.LogFile = c.LogFile
	}
	if cfg.Storage.LogFile == "" {
		cfg.Storage.LogFile = config.LogFileFor(cfg.Storage.DataFile)
	}
	if c.LogLevel != "" {
		cfg.Logger.Level = c.LogLevel
	}
	return cfg, cfg.Validate()
}

type DataCmd struct{}

func (c *DataCmd) Run(rt *runtime) error {
	s, err := openExisting(rt.cfg.Storage.DataFile)
	if err != nil {
		return err
	}
	defer s.Close()
	return writeRecords(rt, diagnostics.DumpData(s))
}

type WalCmd struct {
	NoVersions bool `name:"no-versions" help:"Skip rebuilding the version index."`
}

func (c *WalCmd) Run(rt *runtime) error {
	s, err := openExisting(rt.cfg.Storage.LogFile)
	if err != nil {
		return err
	}
	defer s.Close()

	var index diagnostics.VersionLookup
	if !c.NoVersions {
		vi := wal.NewVersionIndex()
		res, err := wal.RestoreIndex(rt.ctx, s, vi, 0)
		if err != nil {
			rt.logger.Warn("could not rebuild version index, records carry no version", zap.Error(err))
		} else {
			index = vi
			rt.logger.Debug("version index rebuilt", zap.Int("pages", res.Pages), zap.Int("transactions", res.Transactions))
		}
	}
	return writeRecords(rt, diagnostics.DumpWal(s, index))
}

type CheckpointCmd struct{}

func (c *CheckpointCmd) Run(rt *runtime) error {
	e, err := openEngine(rt)
	if err != nil {
		return err
	}
	res, err := e.Checkpoint(rt.ctx)
	if err != nil {
		_ = e.Close()
		return err
	}
	if err := e.Close(); err != nil {
		return err
	}
	return json.NewEncoder(rt.out).Encode(res)
}

type BackupCmd struct {
	Target string `arg:"" help:"Backup file to write." type:"path"`
}

func (c *BackupCmd) Run(rt *runtime) error {
	dst, err := flushmanager.OpenFileStream(c.Target)
	if err != nil {
		return err
	}
	defer dst.Close()
	if err := dst.Truncate(0); err != nil {
		return err
	}

	e, err := openEngine(rt)
	if err != nil {
		return err
	}
	res, err := e.Backup(rt.ctx, dst)
	if err != nil {
		_ = e.Close()
		return err
	}
	if err := e.Close(); err != nil {
		return err
	}
	return json.NewEncoder(rt.out).Encode(res)
}

func openEngine(rt *runtime) (*engine.Engine, error) {
	metrics, err := internaltelemetry.NewStorageMetrics(rt.tel.Meter)
	if err != nil {
		return nil, err
	}
	return engine.Open(rt.ctx, rt.cfg.Storage, engine.Options{
		Logger:  rt.logger,
		Metrics: metrics,
		Tracer:  rt.tel.Tracer,
	})
}

// openExisting opens a file for dumping without creating it.
func openExisting(path string) (*flushmanager.FileStream, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	return flushmanager.OpenFileStream(path)
}

func writeRecords(rt *runtime, records iter.Seq2[*pageformat.Record, error]) error {
	enc := json.NewEncoder(rt.out)
	bad := 0
	for rec, err := range records {
		if err != nil {
			bad++
			rt.logger.Error("unreadable page", zap.Error(err))
			continue
		}
		if err := enc.Encode(rec); err != nil {
			return err
		}
		if rt.ctx.Err() != nil {
			return rt.ctx.Err()
		}
	}
	if bad > 0 {
		return fmt.Errorf("%d unreadable pages", bad)
	}
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("gojodb_dump"),
		kong.Description("Inspect and checkpoint GojoDB data and log files."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)

	cfg, err := cli.load()
	kctx.FatalIfErrorf(err)

	log, err := logger.New(cfg.Logger, "gojodb_dump")
	kctx.FatalIfErrorf(err)
	defer func() { _ = log.Sync() }()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	kctx.FatalIfErrorf(err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = kctx.Run(&runtime{ctx: ctx, cfg: cfg, logger: log, tel: tel, out: os.Stdout})
	if shutdownErr := shutdown(context.Background()); shutdownErr != nil {
		log.Warn("telemetry shutdown failed", zap.Error(shutdownErr))
	}
	kctx.FatalIfErrorf(err)
}
