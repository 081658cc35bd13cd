package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"machinerun.io/diskplan"
	"machinerun.io/diskplan/devicetree"
	"machinerun.io/diskplan/linux"
	"machinerun.io/diskplan/mockos"
)

var version string

func printTextTable(data [][]string) {
	var lengths = make([]int, len(data[0]))

	for _, line := range data {
		for i, field := range line {
			if len(field) > lengths[i] {
				lengths[i] = len(field)
			}
		}
	}

	fmts := make([]string, len(lengths))

	for i, l := range lengths {
		fmts[i] = fmt.Sprintf("%%-%ds", l)
	}

	pfmt := strings.Join(fmts, " | ") + " |\n"

	for _, line := range data {
		s := make([]interface{}, len(line))
		for i, v := range line {
			s[i] = v
		}

		fmt.Printf(pfmt, s...)
	}
}

// session is one populated tree and the system behind it.
type session struct {
	tree     *devicetree.Tree
	pop      *devicetree.Populator
	enum     diskplan.Enumerator
	backend  diskplan.Backend
	registry *prometheus.Registry
	log      *logrus.Logger

	// sys is nil when running against a mock layout.
	sys *linux.Sys
}

func newSession(c *cli.Context) (*session, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if c.Bool("debug") {
		logger.SetLevel(logrus.DebugLevel)
	}

	cfg := devicetree.DefaultConfig()

	if p := c.String("config"); p != "" {
		var err error
		if cfg, err = devicetree.LoadConfig(p); err != nil {
			return nil, err
		}
	}

	s := &session{
		tree:     devicetree.NewTree(cfg, logger),
		registry: prometheus.NewRegistry(),
		log:      logger,
	}

	s.tree.SetMetrics(devicetree.NewMetrics(s.registry))

	if layout := c.String("mock"); layout != "" {
		ms, err := mockos.Load(layout)
		if err != nil {
			return nil, err
		}

		s.enum, s.backend = ms, ms
	} else {
		s.sys = linux.System(logger)
		s.enum, s.backend = s.sys, s.sys
	}

	s.pop = devicetree.NewPopulator(s.tree, s.enum, logger)
	s.pop.SetBackend(s.backend)

	if err := s.pop.Populate(c.Context); err != nil {
		return nil, err
	}

	return s, nil
}

// printMetrics writes the counters and gauges recorded so far.
func (s *session) printMetrics() error {
	families, err := s.registry.Gather()
	if err != nil {
		return err
	}

	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := []string{}
			for _, l := range m.GetLabel() {
				labels = append(labels, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
			}

			name := mf.GetName()
			if len(labels) != 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}

			switch {
			case m.GetCounter() != nil:
				fmt.Printf("%s %g\n", name, m.GetCounter().GetValue())
			case m.GetGauge() != nil:
				fmt.Printf("%s %g\n", name, m.GetGauge().GetValue())
			case m.GetHistogram() != nil:
				fmt.Printf("%s_count %d\n", name, m.GetHistogram().GetSampleCount())
			}
		}
	}

	return nil
}

//nolint:gochecknoglobals
var globalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "yaml tree config (ignoredDisks, protectedDevices, ...)",
	},
	&cli.StringFlag{
		Name:  "mock",
		Usage: "use the json device layout in this file instead of the system",
	},
	&cli.BoolFlag{
		Name:  "json",
		Usage: "print json instead of tables",
	},
	&cli.BoolFlag{
		Name:  "debug",
		Usage: "debug logging",
	},
}

func main() {
	app := &cli.App{
		Name:    "diskplan-demo",
		Version: version,
		Usage:   "Discover storage devices and plan changes to them",
		Flags:   globalFlags,
		Commands: []*cli.Command{
			&scanCommand,
			&planCommand,
			&commitCommand,
			&lvmCommands,
			&miscCommands,
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}
