package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"machinerun.io/diskplan/devicetree"
)

//nolint:gochecknoglobals
var scanCommand = cli.Command{
	Name:   "scan",
	Usage:  "Populate the device tree and print it",
	Action: scanMain,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "hidden",
			Usage: "also list hidden devices (ignored disks and their children)",
		},
		&cli.BoolFlag{
			Name:  "metrics",
			Usage: "print collected metrics when done",
		},
	},
}

func scanMain(c *cli.Context) error {
	s, err := newSession(c)
	if err != nil {
		return err
	}

	if err := printTree(c, s.tree); err != nil {
		return err
	}

	if c.Bool("hidden") {
		for _, d := range s.tree.Hidden() {
			fmt.Printf("hidden: %s (%s)\n", d.Name(), d.Type())
		}
	}

	if c.Bool("metrics") {
		return s.printMetrics()
	}

	return nil
}

func printTree(c *cli.Context, tree *devicetree.Tree) error {
	states := tree.Snapshot()

	if c.Bool("json") {
		jbytes, err := json.MarshalIndent(states, "", "  ")
		if err != nil {
			return err
		}

		fmt.Printf("%s\n", string(jbytes))

		return nil
	}

	data := [][]string{{"NAME", "TYPE", "SIZE", "FORMAT", "PARENTS", "EXISTS", "PROTECTED"}}

	for _, st := range states {
		data = append(data, []string{
			st.Name,
			st.Type.String(),
			humanize.IBytes(st.Size),
			st.Format,
			strings.Join(st.Parents, ","),
			fmt.Sprintf("%t", st.Exists),
			fmt.Sprintf("%t", st.Protected),
		})
	}

	printTextTable(data)

	return nil
}
