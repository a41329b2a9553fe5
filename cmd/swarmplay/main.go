package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver
	"golang.org/x/sync/errgroup"

	"swarmplay/internal/abr"
	"swarmplay/internal/bandwidth"
	"swarmplay/internal/config"
	"swarmplay/internal/engine"
	"swarmplay/internal/httpapi"
	"swarmplay/internal/httpx"
	"swarmplay/internal/janitor"
	"swarmplay/internal/metrics"
	"swarmplay/internal/sched"
	"swarmplay/internal/torrentx"
	"swarmplay/pkg/types"
)

// openStore returns the Postgres store when PG_DSN is set, else a bolt file in the data root.
func openStore(ctx context.Context) (bandwidth.Store, func(), error) {
	if dsn := config.PGDSN(); dsn != "" {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		st := bandwidth.NewSQLStore(db)
		if err := st.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("bandwidth schema: %w", err)
		}
		log.Println("[db] connected")
		return st, func() { _ = db.Close() }, nil
	}
	path := filepath.Join(config.DataRoot(), "bandwidth.db")
	st, err := bandwidth.OpenBolt(path)
	if err != nil {
		return nil, nil, err
	}
	log.Printf("[bandwidth] bolt store %s", path)
	return st, func() { _ = st.Close() }, nil
}

// loadSource reads the video manifest from a URL or a local file.
func loadSource(ctx context.Context, fetch *httpx.Fetcher, ref string) (types.Source, error) {
	var src types.Source
	if ref == "" {
		return src, errors.New("SOURCE missing")
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		if err := fetch.GetJSON(ctx, ref, &src); err != nil {
			return src, fmt.Errorf("fetch source: %w", err)
		}
	} else {
		b, err := os.ReadFile(ref)
		if err != nil {
			return src, err
		}
		if err := json.Unmarshal(b, &src); err != nil {
			return src, fmt.Errorf("parse source %s: %w", ref, err)
		}
	}
	for i := range src.Files {
		f := &src.Files[i]
		if f.TorrentURL == "" && strings.HasPrefix(f.Locator, "magnet:") {
			f.TorrentURL = torrentx.TorrentFileFromMagnet(f.Locator)
		}
	}
	return src, nil
}

func main() {
	config.Load()
	config.SetupLogging()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	auth := httpx.Auth{
		Token:      config.FileToken,
		QueryParam: config.TokenParam(),
		Header:     config.TokenHeader(),
	}
	fetch := httpx.New(&http.Client{Timeout: 20 * time.Second}, auth)

	store, closeStore, err := openStore(rootCtx)
	if err != nil {
		log.Fatalf("[boot] bandwidth store: %v", err)
	}
	defer closeStore()

	src, err := loadSource(rootCtx, fetch, config.Source())
	if err != nil {
		log.Fatalf("[boot] %v", err)
	}

	client, err := torrentx.NewClient(torrentx.Options{
		DataDir:      config.DataRoot(),
		WaitMetadata: config.WaitMetadata(),
		TrackersMode: config.TrackersMode(),
	}, fetch)
	if err != nil {
		log.Fatalf("[boot] %v", err)
	}
	defer client.Close()

	out := httpapi.NewOutput()
	clock := sched.Real{}
	transports := engine.Transports{
		Swarm:          client,
		Fetcher:        fetch,
		Element:        out,
		Params:         abr.Params{MarginPercent: config.AutoQualityMarginPercent()},
		InfoInterval:   config.InfoInterval(),
		Scheduler:      clock,
		Rand:           rand.New(rand.NewSource(time.Now().UnixNano())),
		HashRetries:    config.SegmentHashRetries(),
		HashRetryDelay: config.SegmentHashRetryDelay(),
		LiveHashDelay:  config.LiveHashDelay(),
		RetryDelay:     config.NetworkRetryDelay(),
		MaxRetriesVOD:  config.NetworkRetryVOD(),
		MaxRetriesLive: config.NetworkRetryLive(),
	}
	est := bandwidth.New(config.BandwidthWindow(), store, config.BandwidthSubject())
	eng := engine.New(engine.Config{
		Interval:     config.AutoQualityInterval(),
		Observation:  config.AutoQualityObservation(),
		UpgradeDelay: config.AutoQualityUpgradeDelay(),
		InfoInterval: config.InfoInterval(),
		Env: types.Environment{
			P2PSupported:      true,
			SegmentsSupported: config.SegmentsSupported(),
			RefuseP2P:         config.RefuseP2P(),
			Cellular:          config.Cellular(),
		},
		Auth:      auth,
		Scheduler: clock,
	}, out, est, transports.Factory())

	tel := metrics.New()
	tel.Attach(eng)

	jan := janitor.New(client, janitor.Options{
		TTL:      config.EvictTTL(),
		MaxBytes: config.CacheMaxBytes(),
		Every:    config.JanitorInterval(),
	}, clock)

	api := httpapi.NewServer(eng, out, tel, httpapi.Options{WaitPlayable: config.WaitMetadata()})
	addr := config.ListenAddr()
	srv := &http.Server{
		Addr:     addr,
		Handler:  api.Routes(),
		ErrorLog: log.New(log.Writer(), "[http] ", 0),
	}
	log.Printf("[boot] listening on %s root=%s video=%s files=%d waitMetadata=%s trackersMode=%s",
		addr, config.DataRoot(), src.VideoID, len(src.Files), config.WaitMetadata(), config.TrackersMode())

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		jan.Run(ctx)
		return nil
	})
	g.Go(func() error {
		if err := eng.Load(ctx, src, ""); err != nil {
			log.Printf("[engine] load: %v", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Printf("[boot] shutdown requested")
		shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("[boot] %v", err)
	}
	eng.Dispose()
	log.Printf("[boot] shutdown complete")
}
