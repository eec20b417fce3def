package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"github.com/fleuryloic/openvsslam/config"
	"github.com/fleuryloic/openvsslam/data"
	"github.com/fleuryloic/openvsslam/logging"
)

func printf(w io.Writer, format string, a ...interface{}) {
	//nolint:errcheck
	fmt.Fprintf(w, format+"\n", a...)
}

// loadedMap is a map read from disk together with what it was resolved against.
type loadedMap struct {
	logger   logging.Logger
	cfg      *config.Config
	db       *data.MapDatabase
	registry *prometheus.Registry
}

// newLogger returns the command logger, writing to ErrWriter, and installs it as the global logger.
func newLogger(c *cli.Context) logging.Logger {
	logger := logging.NewBlankLogger("mapcheck")
	logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	if !c.Bool(debugFlag) {
		logger.SetLevel(logging.INFO)
	}
	logging.ReplaceGlobal(logger)
	return logger
}

func loadMap(c *cli.Context) (*loadedMap, error) {
	if c.NArg() != 1 {
		return nil, errors.Errorf("expected exactly one map file, got %d arguments", c.NArg())
	}
	mapPath := c.Args().First()

	logger := newLogger(c)
	cfg, err := config.Read(c.String(configFlag), logger)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	if !c.Bool(debugFlag) {
		logger.SetLevel(cfg.Level())
	}
	res, err := cfg.RecordResources()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(mapPath)
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	rec, err := data.ReadMapRecord(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading map %q", mapPath)
	}

	metrics := data.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		return nil, err
	}
	opts := append(cfg.Mapping.DatabaseOptions(), data.WithMetrics(metrics), data.WithBowDatabase(data.NewBowDatabase()))
	db := data.NewMapDatabase(logger.Sublogger("map"), opts...)
	if err := db.LoadRecord(c.Context, rec, res); err != nil {
		return nil, errors.Wrapf(err, "loading map %q", mapPath)
	}
	return &loadedMap{logger: logger, cfg: cfg, db: db, registry: registry}, nil
}

// reportViolations prints every structural violation of the map and returns an error if there
// was any.
func (m *loadedMap) reportViolations(c *cli.Context) error {
	err := m.db.CheckStructure()
	if err == nil {
		return nil
	}
	violations := multierr.Errors(err)
	for _, violation := range violations {
		printf(c.App.ErrWriter, "violation: %v", violation)
	}
	return errors.Errorf("map has %d structural violations", len(violations))
}

// CheckAction loads a map and validates its structure.
func CheckAction(c *cli.Context) error {
	m, err := loadMap(c)
	if err != nil {
		return err
	}
	printf(c.App.Writer, "keyframes: %d", m.db.NumKeyframes())
	printf(c.App.Writer, "landmarks: %d", m.db.NumLandmarks())
	if origin, ok := m.db.Origin(); ok {
		printf(c.App.Writer, "origin: %d", origin)
	}
	if err := m.reportViolations(c); err != nil {
		return err
	}
	printf(c.App.Writer, "map structure is valid")
	return nil
}

// StatsAction prints the covisibility degree, spanning parent and median depth of every keyframe.
func StatsAction(c *cli.Context) error {
	m, err := loadMap(c)
	if err != nil {
		return err
	}
	printf(c.App.Writer, "%-10s %-8s %-10s %-10s %s", "keyframe", "degree", "parent", "landmarks", "median depth")
	for _, kf := range m.db.GetAllKeyframes() {
		parent := "-"
		if id, ok := kf.GraphNode().GetSpanningParent(); ok && !m.db.IsOrigin(kf.ID()) {
			parent = fmt.Sprint(id)
		}
		numLandmarks := len(kf.GetValidLandmarks())
		depth := "-"
		if numLandmarks > 0 {
			depth = fmt.Sprintf("%.3f", kf.ComputeMedianDepth(true))
		}
		printf(c.App.Writer, "%-10d %-8d %-10s %-10d %s",
			kf.ID(), len(kf.GraphNode().GetConnectionWeights()), parent, numLandmarks, depth)
	}
	if !c.Bool(metricsFlag) {
		return nil
	}
	return printMetrics(c.App.Writer, m.registry)
}

func printMetrics(w io.Writer, registry prometheus.Gatherer) error {
	families, err := registry.Gather()
	if err != nil {
		return errors.Wrap(err, "gathering metrics")
	}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			name := family.GetName()
			for _, label := range metric.GetLabel() {
				name += fmt.Sprintf("{%s=%q}", label.GetName(), label.GetValue())
			}
			switch {
			case metric.GetGauge() != nil:
				printf(w, "%s %v", name, metric.GetGauge().GetValue())
			case metric.GetCounter() != nil:
				printf(w, "%s %v", name, metric.GetCounter().GetValue())
			case metric.GetHistogram() != nil:
				printf(w, "%s_count %d", name, metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return nil
}

// CullAction runs the erasure protocol on the given keyframes and writes the resulting map.
func CullAction(c *cli.Context) error {
	m, err := loadMap(c)
	if err != nil {
		return err
	}
	for _, raw := range c.Int64Slice(keyframeFlag) {
		if raw < 0 {
			return errors.Errorf("invalid keyframe id %d", raw)
		}
		id := data.KeyframeID(raw)
		if m.db.GetKeyframe(id) == nil {
			return errors.Errorf("keyframe %d is not in the map", id)
		}
		if !m.db.CullKeyframe(id) {
			printf(c.App.ErrWriter, "keyframe %d was kept: it is the origin or pinned", id)
			continue
		}
		m.logger.Infow("keyframe culled", "id", id)
	}
	if err := m.reportViolations(c); err != nil {
		return err
	}
	return writeMap(c.String(outFlag), m.db)
}

func writeMap(path string, db *data.MapDatabase) (err error) {
	//nolint:gosec
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return data.WriteMapRecord(f, db.ToRecord())
}
