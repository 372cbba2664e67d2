// Package metrics writes poll and control telemetry to InfluxDB.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fleetd/internal/config"
	"github.com/dokzlo13/fleetd/internal/dispatch"
	"github.com/dokzlo13/fleetd/internal/poller"
)

const connectTimeout = 10 * time.Second

// Measurement names
const (
	MeasurementPollCycle = "poll_cycle"
	MeasurementControl   = "control"
)

// ErrDisabled is returned by Connect when telemetry is switched off.
var ErrDisabled = errors.New("influx telemetry disabled")

// pointWriter is the non-blocking write API.
type pointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Recorder turns engine callbacks into points. Writes are batched and never block.
type Recorder struct {
	client influxdb2.Client
	w      pointWriter
	now    func() time.Time
}

// Connect pings the server and opens a batching write API.
func Connect(cfg config.InfluxConfig) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*1000))

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx ping failed: %w", err)
	}
	if !healthy {
		client.Close()
		return nil, errors.New("influx server not healthy")
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			log.Warn().Err(err).Msg("Influx write failed")
		}
	}()

	log.Info().Str("url", cfg.URL).Str("bucket", cfg.Bucket).Msg("Influx telemetry enabled")
	return &Recorder{client: client, w: writeAPI, now: time.Now}, nil
}

func newRecorder(w pointWriter) *Recorder {
	return &Recorder{w: w, now: time.Now}
}

// PollCycle records one poll cycle. Use it as poller.Options.OnCycle.
func (r *Recorder) PollCycle(res poller.CycleResult) {
	r.w.WritePoint(write.NewPoint(
		MeasurementPollCycle,
		map[string]string{"auth_ok": fmt.Sprint(res.AuthErr == nil)},
		map[string]interface{}{
			"polled":      res.Polled,
			"failed":      res.Failed,
			"duration_ms": res.Duration.Milliseconds(),
		},
		r.now(),
	))
}

// Control records one vendor control call. Use it as dispatch.Options.OnControl.
func (r *Recorder) Control(o dispatch.Outcome) {
	r.w.WritePoint(write.NewPoint(
		MeasurementControl,
		map[string]string{
			"axis":   o.Axis,
			"target": o.Target,
		},
		map[string]interface{}{
			"ok":          o.Err == nil,
			"duration_ms": o.Duration.Milliseconds(),
		},
		r.now(),
	))
}

// Close flushes pending points and closes the client.
func (r *Recorder) Close() {
	r.w.Flush()
	if r.client != nil {
		r.client.Close()
	}
}
