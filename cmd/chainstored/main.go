package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.chainstore.dev/core/backend"
	"go.chainstore.dev/core/backend/postgres"
	"go.chainstore.dev/core/backend/sqlite"
	mbp "go.chainstore.dev/core/mainboilerplate"
	"go.chainstore.dev/core/metrics"
	"go.chainstore.dev/core/schema"
	"go.chainstore.dev/core/store"
	"golang.org/x/sync/errgroup"
)

const iniFilename = "chainstored.ini"

// Config is the top-level configuration object of a chainstored daemon.
var Config = new(struct {
	Store struct {
		ID       string `long:"id" env:"ID" default:"chainstored" description:"Store identity used to fence concurrent writers"`
		Schema   string `long:"schema" env:"SCHEMA" default:"schema.yaml" description:"Path of the YAML table schema"`
		SQLite   string `long:"sqlite" env:"SQLITE" description:"Path of a SQLite database to index into (mutually exclusive with postgres)"`
		Postgres string `long:"postgres" env:"POSTGRES" description:"Postgres DSN to index into (mutually exclusive with sqlite)"`

		FlushRows     int    `long:"flush-rows" env:"FLUSH_ROWS" default:"10000" description:"Row-count threshold at which a flush is triggered"`
		FlushBytes    int64  `long:"flush-bytes" env:"FLUSH_BYTES" default:"16777216" description:"Approximate byte threshold at which a flush is triggered"`
		FlushInterval string `long:"flush-interval" env:"FLUSH_INTERVAL" default:"5s" description:"Maximum interval between flushes of a non-empty buffer"`
		FlushRetries  int    `long:"flush-retries" env:"FLUSH_RETRIES" default:"3" description:"Consecutive flush failures tolerated before halting"`

		MetricsPort uint16 `long:"metrics-port" env:"METRICS_PORT" description:"Port for Prometheus metrics (disabled if zero)"`
	} `group:"Store" namespace:"store" env-namespace:"STORE"`

	Log mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

// event is one line of the NDJSON input stream.
type event struct {
	Block int64                  `json:"block"`
	Table string                 `json:"table"`
	Op    string                 `json:"op"`
	Key   []interface{}          `json:"key"`
	Data  map[string]interface{} `json:"data"`
}

type cmdServe struct {
	Input string `long:"input" default:"-" description:"NDJSON event file to replay ('-' for stdin)"`
}

func (cmd *cmdServe) Execute([]string) error {
	mbp.InitLog(Config.Log)
	log.WithField("config", Config).Info("starting chainstored")
	prometheus.MustRegister(metrics.StoreCollectors()...)

	var sch, err = schema.Load(afero.NewOsFs(), Config.Store.Schema)
	mbp.Must(err, "loading schema", "path", Config.Store.Schema)

	var be *backend.SQLBackend
	switch {
	case Config.Store.SQLite != "" && Config.Store.Postgres != "":
		return errors.New("configure at most one of --store.sqlite and --store.postgres")
	case Config.Store.Postgres != "":
		be, err = postgres.Open(Config.Store.Postgres, sch, Config.Store.ID)
	case Config.Store.SQLite != "":
		be, err = sqlite.Open(Config.Store.SQLite, sch, Config.Store.ID)
	default:
		return errors.New("one of --store.sqlite or --store.postgres is required")
	}
	mbp.Must(err, "opening backend")
	mbp.Must(be.EnsureSchema(context.Background()), "ensuring backend schema")
	defer be.Close()

	var cfg = store.Config{
		FlushRows:    Config.Store.FlushRows,
		FlushBytes:   Config.Store.FlushBytes,
		FlushRetries: Config.Store.FlushRetries,
	}
	cfg.FlushInterval, err = time.ParseDuration(Config.Store.FlushInterval)
	mbp.Must(err, "parsing flush interval")

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	st, err := store.New(ctx, sch, be, cfg)
	mbp.Must(err, "building store")
	var resume = st.Checkpoint().Block
	log.WithField("block", resume).Info("restored checkpoint")

	var input io.ReadCloser = os.Stdin
	if cmd.Input != "-" {
		input, err = os.Open(cmd.Input)
		mbp.Must(err, "opening input", "path", cmd.Input)
	}
	defer input.Close()

	if Config.Store.MetricsPort != 0 {
		var mux = http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			var addr = fmt.Sprintf(":%d", Config.Store.MetricsPort)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.WithFields(log.Fields{"err": err, "addr": addr}).Error("metrics server failed")
			}
		}()
	}

	var counts = make(map[string]map[string]int64)
	var group, groupCtx = errgroup.WithContext(ctx)

	group.Go(func() error { return st.Serve(groupCtx) })
	group.Go(func() error {
		defer cancel() // Stop the scheduler when the stream drains.
		if err := replay(groupCtx, st, input, resume, counts); err != nil {
			return err
		}
		// Drain the buffer before shutdown so the checkpoint reflects the
		// full stream.
		return st.Flush(groupCtx).Err()
	})

	if err := group.Wait(); err != nil && errors.Cause(err) != context.Canceled {
		return err
	}
	printSummary(os.Stdout, counts, st.Checkpoint())
	log.Info("goodbye")
	return nil
}

// replay applies NDJSON |events| through the Store until the stream drains
// or |ctx| is cancelled. Events of blocks below the restored |resume|
// checkpoint were durably indexed by a prior run and are skipped. The
// checkpoint block itself may have been flushed mid-block, so its events are
// re-applied with creates downgraded to upserts, which converges regardless
// of how much of the block the prior run persisted. Reorgs are always
// applied: reverting is idempotent, and a reorg below the checkpoint lowers
// |resume| so that re-indexed blocks replay rather than being skipped.
func replay(ctx context.Context, st *store.Store, r io.Reader, resume int64, counts map[string]map[string]int64) error {
	var scanner = bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<16), 1<<24)

	var lines, skipped int64
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var line = scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev event
		if err := json.Unmarshal(line, &ev); err != nil {
			return errors.WithMessagef(err, "decoding event (line %d)", lines+1)
		}
		lines++

		if ev.Op != "reorg" && ev.Block < resume {
			skipped++
			continue
		}
		if err := apply(ctx, st, ev, ev.Block == resume); err != nil {
			return errors.WithMessagef(err, "applying %s of %s (block %d)", ev.Op, ev.Table, ev.Block)
		}
		if ev.Op == "reorg" && ev.Block <= resume {
			resume = ev.Block - 1
		}
		if counts[ev.Table] == nil {
			counts[ev.Table] = make(map[string]int64)
		}
		counts[ev.Table][ev.Op]++

		if lines%100000 == 0 {
			log.WithFields(log.Fields{
				"events": humanize.Comma(lines),
				"block":  ev.Block,
			}).Info("replay progress")
		}
	}
	if skipped != 0 {
		log.WithField("events", humanize.Comma(skipped)).Info("skipped events below the restored checkpoint")
	}
	return scanner.Err()
}

// apply indexes |ev|. |atResume| marks events of the restored checkpoint
// block, which may already be partially durable.
func apply(ctx context.Context, st *store.Store, ev event, atResume bool) error {
	if ev.Op == "reorg" {
		return st.Reorg(ctx, ev.Block)
	}
	st.SetBlock(ev.Block)

	var err error
	switch ev.Op {
	case "create":
		if atResume {
			_, err = st.Create(ctx, ev.Table, schema.Key(ev.Key), ev.Data,
				store.OnConflictDoUpdate(ev.Data))
		} else {
			_, err = st.Create(ctx, ev.Table, schema.Key(ev.Key), ev.Data)
		}
	case "upsert":
		_, err = st.Create(ctx, ev.Table, schema.Key(ev.Key), ev.Data,
			store.OnConflictDoUpdate(ev.Data))
	case "update":
		_, err = st.Update(ctx, ev.Table, schema.Key(ev.Key), ev.Data)
	case "delete":
		_, err = st.Delete(ctx, ev.Table, schema.Key(ev.Key))
	default:
		err = errors.Errorf("unknown op %q", ev.Op)
	}
	return err
}

func printSummary(w io.Writer, counts map[string]map[string]int64, cp backend.Checkpoint) {
	var tables []string
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	var tw = tablewriter.NewWriter(w)
	tw.Header("Table", "Creates", "Upserts", "Updates", "Deletes")
	for _, t := range tables {
		_ = tw.Append([]string{
			t,
			humanize.Comma(counts[t]["create"]),
			humanize.Comma(counts[t]["upsert"]),
			humanize.Comma(counts[t]["update"]),
			humanize.Comma(counts[t]["delete"]),
		})
	}
	tw.Footer("Checkpoint", "", "", "", humanize.Comma(cp.Block))
	_ = tw.Render()
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Replay an event stream into the store", `
Replay NDJSON chain events from a file or stdin, indexing them into the
configured SQLite or Postgres database. The store checkpoints as it goes:
a restarted serve skips events already durable under the restored
checkpoint, re-applies the checkpoint block itself (which may have been
flushed mid-block), and resumes indexing from there.
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
