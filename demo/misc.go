package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"machinerun.io/diskplan/devicetree"
)

//nolint:gochecknoglobals
var miscCommands = cli.Command{
	Name:  "misc",
	Usage: "miscellaneous test/debug",
	Subcommands: []*cli.Command{
		{
			Name:   "watch",
			Usage:  "Repopulate and print the tree whenever devices change",
			Action: miscWatch,
			Flags: []cli.Flag{
				&cli.DurationFlag{
					Name:  "settle",
					Value: devicetree.DefaultSettle,
					Usage: "wait this long for more events before repopulating",
				},
			},
		},
		{
			Name:   "resolve",
			Usage:  "Look up devices by name, path, UUID= or ID=",
			Action: miscResolve,
		},
	},
}

func miscWatch(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}

	if s.sys == nil {
		return errors.New("watch needs the real system, not --mock")
	}

	w, err := s.sys.Watch()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.WithError(err).Error("watcher stopped")
			stop()
		}
	}()

	l := devicetree.NewListener(s.pop, w.Events(), c.Duration("settle"), s.log)
	l.AfterPopulate = func(err error) {
		if err != nil {
			s.log.WithError(err).Warn("populate failed")
			return
		}

		fmt.Printf("--- %s\n", time.Now().Format(time.RFC3339))

		if err := printTree(c, s.tree); err != nil {
			s.log.WithError(err).Warn("print failed")
		}
	}

	if err := printTree(c, s.tree); err != nil {
		return err
	}

	if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func miscResolve(c *cli.Context) error {
	if c.Args().Len() == 0 {
		return errors.New("give one or more device specs")
	}

	s, err := newSession(c)
	if err != nil {
		return err
	}

	for _, spec := range c.Args().Slice() {
		d := s.tree.Resolve(spec)
		if d == nil {
			fmt.Printf("%s: not found\n", spec)
			continue
		}

		fmt.Printf("%s: %s %s %s\n", spec, d.Name(), d.Type(), d.Path())
	}

	return nil
}
