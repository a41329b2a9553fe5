package engine

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"swarmplay/internal/abr"
	"swarmplay/internal/httpx"
	"swarmplay/internal/integrity"
	"swarmplay/internal/media"
	"swarmplay/internal/redundancy"
	"swarmplay/internal/sched"
	"swarmplay/internal/segstream"
	"swarmplay/internal/swarm"
	"swarmplay/pkg/types"
)

// Transports wires the real drivers. Its Factory is what the daemon hands to New.
type Transports struct {
	Swarm        swarm.Client
	Fetcher      *httpx.Fetcher
	Element      media.Element
	Peers        segstream.PeerSource
	Params       abr.Params
	InfoInterval time.Duration
	Scheduler    sched.Scheduler
	Rand         *rand.Rand

	HashRetries    int
	HashRetryDelay time.Duration
	LiveHashDelay  time.Duration

	RetryDelay     time.Duration
	MaxRetriesVOD  int
	MaxRetriesLive int
}

func (t Transports) Factory() Factory {
	return func(ctx context.Context, mode types.Mode, src types.Source, env types.Environment, hooks Hooks) (Driver, []types.RenditionFile, error) {
		params := t.Params
		params.Duration = src.Duration()

		switch mode {
		case types.ModePeerSwarm:
			if t.Swarm == nil {
				return nil, nil, fmt.Errorf("%w: no swarm client", types.ErrUnsupportedEnvironment)
			}
			d := swarm.New(t.Swarm, t.Element, swarm.Options{
				Files:        src.Files,
				Duration:     src.Duration(),
				Env:          env,
				Trackers:     src.TrackerURLs,
				Auth:         t.Fetcher.Auth,
				Params:       params,
				InfoInterval: t.InfoInterval,
				Scheduler:    t.Scheduler,
				Position:     hooks.Position,
				Events:       hooks.Events,
			})
			return d, src.Files, nil

		case types.ModeStreamed:
			opts := segstream.Options{
				PlaylistURL:    src.PlaylistURL,
				IsLive:         src.IsLive,
				Estimate:       hooks.Estimate,
				Params:         params,
				RetryDelay:     t.RetryDelay,
				MaxRetriesVOD:  t.MaxRetriesVOD,
				MaxRetriesLive: t.MaxRetriesLive,
				InfoInterval:   t.InfoInterval,
				Scheduler:      t.Scheduler,
				Events:         hooks.Events,
			}
			// without an integrity manifest, peers and mirrors cannot be trusted
			if src.SegmentsHashURL != "" {
				opts.Validator = integrity.New(src.SegmentsHashURL, integrity.Options{
					IsLive:           src.IsLive,
					MaxRetries:       t.HashRetries,
					RetryDelay:       t.HashRetryDelay,
					LiveInitialDelay: t.LiveHashDelay,
					Scheduler:        t.Scheduler,
				}, t.Fetcher)
				opts.Resolver = redundancy.New(src.MirrorBaseURLs, t.Rand)
				opts.Peers = t.Peers
				opts.P2P = env.P2PSupported && !env.RefuseP2P
			}
			d := segstream.New(t.Fetcher, t.Element, opts)
			files, err := d.Open(ctx)
			if err != nil {
				d.Dispose()
				return nil, nil, err
			}
			return d, files, nil
		}
		return nil, nil, fmt.Errorf("%w: mode %q", types.ErrUnsupportedEnvironment, mode)
	}
}
