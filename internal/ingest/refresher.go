package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/lox/riverrunner/internal/models"
	"github.com/lox/riverrunner/internal/store"
)

// Refresher pulls the latest raw observations into the store.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type RefresherFunc func(ctx context.Context) error

func (f RefresherFunc) Refresh(ctx context.Context) error {
	return f(ctx)
}

// NopRefresher is used when observations arrive by some other path.
type NopRefresher struct{}

func (NopRefresher) Refresh(context.Context) error { return nil }

// CommandRefresher runs an external ingestion command and loads the
// measurements it prints to stdout, one JSON object per line.
type CommandRefresher struct {
	command []string
	writer  store.Writer
	clock   clockwork.Clock
}

func NewCommandRefresher(command []string, w store.Writer, clock clockwork.Clock) *CommandRefresher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CommandRefresher{command: command, writer: w, clock: clock}
}

func (c *CommandRefresher) Refresh(ctx context.Context) error {
	if len(c.command) == 0 {
		return eris.New("refresh: no command configured")
	}

	cmd := exec.CommandContext(ctx, c.command[0], c.command[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return eris.Wrap(err, "refresh: stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return eris.Wrapf(err, "refresh: start %s", c.command[0])
	}

	ms, rejected, readErr := ReadMeasurements(stdout, c.clock.Now())
	if readErr != nil {
		// Drain so Wait does not block on a full pipe.
		_, _ = io.Copy(io.Discard, stdout)
	}
	if err := cmd.Wait(); err != nil {
		return eris.Wrapf(err, "refresh: %s: %s", c.command[0], strings.TrimSpace(stderr.String()))
	}
	if readErr != nil {
		return readErr
	}

	inserted, err := c.writer.InsertMeasurements(ctx, ms)
	if err != nil {
		return err
	}

	zap.L().Info("refresh: measurements loaded",
		zap.Int("read", len(ms)),
		zap.Int64("inserted", inserted),
		zap.Int("rejected", rejected),
	)
	return nil
}

// ReadMeasurements decodes a stream of JSON measurements. Records failing
// ValidateMeasurement are logged and counted, not returned.
func ReadMeasurements(r io.Reader, now time.Time) ([]models.Measurement, int, error) {
	dec := json.NewDecoder(r)

	var (
		out      []models.Measurement
		rejected int
	)
	for {
		var m models.Measurement
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, rejected, eris.Wrapf(err, "refresh: decode measurement %d", len(out)+rejected+1)
		}

		if flags := ValidateMeasurement(m, now); len(flags) > 0 {
			rejected++
			zap.L().Debug("refresh: measurement rejected",
				zap.String("station_id", m.StationID),
				zap.String("metric_id", m.MetricID),
				zap.Strings("flags", flags),
			)
			continue
		}
		m.Timestamp = m.Timestamp.UTC()
		out = append(out, m)
	}
	return out, rejected, nil
}
