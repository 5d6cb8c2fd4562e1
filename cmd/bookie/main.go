package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"go.bookie.dev/core/bookie"
	"go.bookie.dev/core/coordinator"
	"go.bookie.dev/core/errs"
	mbp "go.bookie.dev/core/mainboilerplate"
	"go.bookie.dev/core/metrics"
)

const iniFilename = "bookie.ini"

// config is the top-level configuration object of a bookie process.
var config = new(struct {
	Bookie struct {
		ID                     string `long:"id" env:"ID" required:"true" description:"Unique identifier of this bookie within its coordinator root"`
		Address                string `long:"address" env:"ADDRESS" required:"true" description:"Client-facing address clients use to reach this bookie, recorded in its cookie"`
		JournalDir             string `long:"journal-dir" env:"JOURNAL_DIR" required:"true" description:"Directory holding the write-ahead journal"`
		LedgerDir              string `long:"ledger-dir" env:"LEDGER_DIR" required:"true" description:"Directory holding ledger storage files"`
		MinFreeBytes           uint64 `long:"min-free-bytes" env:"MIN_FREE_BYTES" default:"1073741824" description:"Minimum free bytes a directory must retain to be considered writable"`
		DiskPollInterval       int    `long:"disk-poll-interval-seconds" env:"DISK_POLL_INTERVAL_SECONDS" default:"10" description:"Interval in seconds between directory free-space polls"`
		ReadOnlyModeEnabled    bool   `long:"read-only-mode-enabled" env:"READ_ONLY_MODE_ENABLED" description:"Allow transitioning to read-only mode instead of shutting down when storage fills up"`
		HandleCacheSize        int    `long:"handle-cache-size" env:"HANDLE_CACHE_SIZE" default:"16384" description:"Maximum number of ledger handles held open concurrently"`
		CompressJournalBatches bool   `long:"compress-journal-batches" env:"COMPRESS_JOURNAL_BATCHES" description:"Snappy-frame multi-record group-commit batches before writing them to the journal"`
	} `group:"Bookie" namespace:"bookie" env-namespace:"BOOKIE"`

	Etcd struct {
		mbp.EtcdConfig
		Root string `long:"root" env:"ROOT" default:"/bookie" description:"Etcd key prefix under which this bookie registers and stores its cookie"`
	} `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`

	Metrics struct {
		Address string `long:"address" env:"ADDRESS" default:":9090" description:"Address to serve Prometheus metrics on"`
		Path    string `long:"path" env:"PATH" default:"/metrics" description:"HTTP path to serve Prometheus metrics on"`
	} `group:"Metrics" namespace:"metrics" env-namespace:"METRICS"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

type serveBookie struct{}

func (serveBookie) Execute([]string) error {
	mbp.InitLog(config.Log)
	log.WithField("config", config).Info("starting bookie")

	prometheus.MustRegister(metrics.Collectors()...)
	http.Handle(config.Metrics.Path, promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(config.Metrics.Address, nil); err != nil {
			log.WithField("err", err).Error("metrics server exited")
		}
	}()

	var etcd = config.Etcd.MustDial()
	coord, err := coordinator.Dial(etcd, coordinator.Config{
		Root:     config.Etcd.Root,
		BookieID: config.Bookie.ID,
		LeaseTTL: config.Etcd.LeaseTTL,
	})
	mbp.Must(err, "dialing coordinator")

	b, err := bookie.Open(context.Background(), bookie.Config{
		BookieID:               config.Bookie.ID,
		BookieAddress:          config.Bookie.Address,
		JournalDir:             config.Bookie.JournalDir,
		LedgerDir:              config.Bookie.LedgerDir,
		CoordinatorRoot:        config.Etcd.Root,
		LeaseTTL:               config.Etcd.LeaseTTL,
		MinFreeBytes:           config.Bookie.MinFreeBytes,
		DiskPollInterval:       time.Duration(config.Bookie.DiskPollInterval) * time.Second,
		ReadOnlyModeEnabled:    config.Bookie.ReadOnlyModeEnabled,
		HandleCacheSize:        config.Bookie.HandleCacheSize,
		CompressJournalBatches: config.Bookie.CompressJournalBatches,
	}, coord)
	mbp.Must(err, "opening bookie")

	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	var sig = <-signalCh
	log.WithField("signal", sig).Info("received shutdown signal")

	var code, shutdownErr = b.Shutdown(context.Background(), nil, errs.ExitOK)
	mbp.Must(shutdownErr, "bookie shutdown failed")
	log.WithField("exitCode", code).Info("goodbye")

	return nil
}

func main() {
	var parser = flags.NewParser(config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as a bookie storage node", `
Serve a bookie storage node with the provided configuration, until signaled
to exit (via SIGTERM or SIGINT). On signal, the bookie discharges its
shutdown sequence and exits with the resulting exit code.
`, &serveBookie{})

	mbp.MustParseConfig(parser, iniFilename)
}
