package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"machinerun.io/diskplan"
)

//nolint:gochecknoglobals
var lvmCommands = cli.Command{
	Name:  "lvm",
	Usage: "lvm commands",
	Subcommands: []*cli.Command{
		{
			Name:   "vgs",
			Usage:  "List volume groups and their volumes. Optionally give a vg name.",
			Action: lvmListVGs,
		},
	},
}

func lvmListVGs(c *cli.Context) error {
	if c.Args().Len() > 1 {
		return fmt.Errorf("too many args. Really just want 1. Got %d", c.Args().Len())
	}

	s, err := newSession(c)
	if err != nil {
		return err
	}

	data := [][]string{{"VG", "LV", "TYPE", "SIZE", "PVS"}}

	for _, d := range s.tree.Devices() {
		vg, ok := d.(*diskplan.VolumeGroup)
		if !ok || (c.Args().Len() == 1 && vg.Name() != c.Args().First()) {
			continue
		}

		pvs := []string{}
		for _, m := range vg.Members() {
			pvs = append(pvs, m.Name())
		}

		data = append(data, []string{vg.Name(), "", "", humanize.IBytes(vg.Size()), strings.Join(pvs, ",")})

		for _, child := range s.tree.Descendants(vg) {
			lv, ok := child.(*diskplan.LogicalVolume)
			if !ok {
				continue
			}

			data = append(data, []string{"", lv.LVName(), lv.LVType.String(), humanize.IBytes(lv.Size()), ""})
		}
	}

	printTextTable(data)

	return nil
}
