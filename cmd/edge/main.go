package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/capture"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/config"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/eventlog"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/logger"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/models"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/occupancy"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/syncer"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/zone"
)

func margins(z config.ZoneConfig) zone.Margins {
	return zone.Margins{
		SideMargin:   float64(z.SideMargin),
		BottomMargin: float64(z.BottomMargin),
		FrameWidth:   float64(z.FrameWidth),
		FrameHeight:  float64(z.FrameHeight),
	}
}

func identity(d config.DeviceIdentity) occupancy.Identity {
	return occupancy.Identity{
		DeviceID: d.PiID,
		Metadata: models.Metadata{City: d.City, TodaID: d.TodaID, EtrikeID: d.EtrikeID, Location: d.Location},
	}
}

// main runs one Pi unit: tracker feed → zones → occupancy → event log → sync.
func main() {
	configPath := pflag.StringP("config", "c", "config.json", "device config file")
	feedPath := pflag.StringP("feed", "f", "-", "tracker feed (NDJSON), - for stdin")
	pflag.Parse()

	src := config.NewEdgeSource(*configPath)
	cfg, err := src.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Environment).With().Str("device_id", cfg.Device.PiID).Logger()

	var feed io.ReadCloser = os.Stdin
	if *feedPath != "-" {
		f, err := os.Open(*feedPath)
		if err != nil {
			log.Fatal().Err(err).Str("feed", *feedPath).Msg("failed to open feed")
		}
		feed = f
	}
	defer feed.Close()

	store, err := eventlog.Open(cfg.LogDir, log)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.LogDir).Msg("failed to open event log")
	}

	zones := zone.NewLive(margins(cfg.Zones))
	machine := occupancy.New(identity(cfg.Device), store, log)

	// Margin and identity edits apply to the next frame; nothing already
	// recorded is touched.
	src.Watch(func(next config.EdgeConfig, err error) {
		if err != nil {
			log.Warn().Err(err).Msg("config change ignored")
			return
		}
		zones.Set(margins(next.Zones))
		machine.SetIdentity(identity(next.Device))
		log.Info().Int("side_margin", next.Zones.SideMargin).Int("bottom_margin", next.Zones.BottomMargin).Msg("config reloaded")
	})

	pipeline := capture.NewPipeline(zones, machine, capture.Options{
		QueueSize:     cfg.Capture.FrameQueue,
		Stride:        cfg.Capture.FrameStride,
		ChildHeightPx: cfg.Capture.ChildHeightPx,
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	syncCfg := syncer.FromEdge(cfg)
	transmitter := syncer.New(syncCfg, store, log)
	relay := syncer.NewGPSRelay(syncCfg, log)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		transmitter.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		relay.Run(ctx)
	}()

	processed := make(chan struct{})
	go func() {
		defer close(processed)
		pipeline.Run(context.Background())
	}()

	feedDone := make(chan error, 1)
	go func() {
		feedDone <- capture.Pump(ctx, capture.NewReader(feed), pipeline, relay)
	}()

	log.Info().Str("server", syncCfg.ServerURL).Str("mode", syncCfg.Mode).Msg("edge started")

	select {
	case <-ctx.Done():
	case err := <-feedDone:
		if err != nil {
			log.Error().Err(err).Msg("feed failed")
		} else {
			log.Info().Msg("feed ended")
		}
	}

	// Drain what was already queued before the final flush.
	pipeline.Close()
	<-processed
	if err := machine.Flush(); err != nil {
		log.Error().Err(err).Msg("events left unrecorded")
	}

	stop()
	wg.Wait()

	st := machine.Stats()
	ps := pipeline.Stats()
	log.Info().
		Uint64("entries", st.Entries).
		Uint64("exits", st.Exits).
		Uint64("orphan_exits", st.OrphanExits).
		Uint64("double_entries", st.DoubleEntries).
		Int("open", st.Open).
		Uint64("frames", ps.Processed).
		Uint64("frames_dropped", ps.Dropped).
		Msg("edge stopped")
}
