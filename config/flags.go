package config

import (
	"github.com/spf13/pflag"
)

// BindFlags registers the command-line options. Their defaults are only
// shown in the help, [ApplyFlags] copies just the flags that were set.
func BindFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("input-dir", d.InputDir, "directory with the files to load")
	fs.String("extension", d.Extension, "suffix of the files to load")
	fs.Int("threads", d.Threads, "number of parse workers")
	fs.Int("chunk-size", d.ChunkSize, "records handed to the writer at once")
	fs.Int("writer-batch-size", d.WriterBatchSize, "documents per bulk insert")
	fs.Bool("unacknowledged-writes", d.UnacknowledgedWrites, "do not wait for write acknowledgement")
	fs.Int("skip-limit", d.SkipLimit, "abort the run after more skipped files than this")
	fs.String("app-path", "", "base directory of the derived paths (default $APP_PATH or .)")
	fs.String("failed-dir", "", "quarantine directory (default <app-path>/failed_xml)")
	fs.String("error-log", "", "skip log path (default <failed-dir>/skip_list.csv)")
	fs.String("summary-log", "", "run summary log path (default <failed-dir>/summary.csv)")
	fs.Int("summary-tail", d.SummaryTail, "past runs printed after a run")
	fs.Duration("progress-interval", d.ProgressInterval, "interval of progress log lines")
	fs.Bool("tui", d.TUI, "show a live progress view")
	fs.String("mongo-uri", d.Mongo.URI, "document store connection string")
}

// ApplyFlags overrides cfg with the flags explicitly given on the command
// line. Call [Config.Resolve] afterwards.
func ApplyFlags(fs *pflag.FlagSet, cfg *Config) error {
	var err error
	set := func(name string, apply func() error) {
		if err != nil || !fs.Changed(name) {
			return
		}
		err = apply()
	}
	str := func(name string, dst *string) {
		set(name, func() (e error) { *dst, e = fs.GetString(name); return })
	}
	num := func(name string, dst *int) {
		set(name, func() (e error) { *dst, e = fs.GetInt(name); return })
	}
	flag := func(name string, dst *bool) {
		set(name, func() (e error) { *dst, e = fs.GetBool(name); return })
	}

	str("input-dir", &cfg.InputDir)
	str("extension", &cfg.Extension)
	num("threads", &cfg.Threads)
	num("chunk-size", &cfg.ChunkSize)
	num("writer-batch-size", &cfg.WriterBatchSize)
	flag("unacknowledged-writes", &cfg.UnacknowledgedWrites)
	num("skip-limit", &cfg.SkipLimit)
	str("app-path", &cfg.AppPath)
	str("failed-dir", &cfg.FailedDir)
	str("error-log", &cfg.ErrorLog)
	str("summary-log", &cfg.SummaryLog)
	num("summary-tail", &cfg.SummaryTail)
	set("progress-interval", func() (e error) {
		cfg.ProgressInterval, e = fs.GetDuration("progress-interval")
		return
	})
	flag("tui", &cfg.TUI)
	str("mongo-uri", &cfg.Mongo.URI)
	return err
}
