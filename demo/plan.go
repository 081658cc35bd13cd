package main

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
	"machinerun.io/diskplan"
	"machinerun.io/diskplan/devicetree"
)

// planOp is one requested change in a plan file.
type planOp struct {
	Op      string            `yaml:"op"`
	Device  string            `yaml:"device"`
	Name    string            `yaml:"name"`
	Disk    string            `yaml:"disk"`
	VG      string            `yaml:"vg"`
	Pool    string            `yaml:"pool"`
	Type    string            `yaml:"type"`
	Size    string            `yaml:"size"`
	Grow    bool              `yaml:"grow"`
	Format  string            `yaml:"format"`
	Label   string            `yaml:"label"`
	Members []string          `yaml:"members"`
	Attrs   map[string]string `yaml:"attrs"`
}

type plan struct {
	Operations []planOp `yaml:"operations"`
}

func loadPlan(r io.Reader) (plan, error) {
	p := plan{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	if err := dec.Decode(&p); err != nil {
		return p, errors.Wrap(err, "failed to parse plan")
	}

	return p, nil
}

func loadPlanFile(path string) (plan, error) {
	fp, err := os.Open(path)
	if err != nil {
		return plan{}, err
	}
	defer fp.Close()

	return loadPlan(fp)
}

func (op planOp) size() (uint64, error) {
	if op.Size == "" {
		return 0, nil
	}

	n, err := humanize.ParseBytes(op.Size)

	return n, errors.Wrapf(err, "%s: bad size %q", op.Op, op.Size)
}

func (op planOp) format() *diskplan.Format {
	f := diskplan.NewFormat(op.Format)
	f.Label = op.Label

	for k, v := range op.Attrs {
		f.Attrs[k] = v
	}

	return f
}

func lookup(tree *devicetree.Tree, name string) (diskplan.Device, error) {
	d := tree.Resolve(name)
	if d == nil {
		return nil, errors.Wrapf(diskplan.ErrDeviceNotFound, "%q", name)
	}

	return d, nil
}

func addAction(tree *devicetree.Tree, a *devicetree.Action) error {
	res, err := tree.Actions().Add(a)
	if err != nil {
		return err
	}

	if res.Outcome != devicetree.Appended {
		fmt.Fprintf(os.Stderr, "%s: %s\n", a, res.Outcome)
	}

	return nil
}

// apply adds the actions for one plan entry to the tree.
func apply(tree *devicetree.Tree, op planOp) error {
	size, err := op.size()
	if err != nil {
		return err
	}

	switch op.Op {
	case "create-partition":
		disk, err := lookup(tree, op.Disk)
		if err != nil {
			return err
		}

		part, err := diskplan.NewPartition(op.Name, diskplan.PartPrimary, 0,
			diskplan.Args{Parents: []diskplan.Device{disk}, Size: size, Grow: op.Grow})
		if err != nil {
			return err
		}

		if err := addAction(tree, devicetree.NewCreateDeviceAction(part)); err != nil {
			return err
		}

		if op.Format == "" {
			return nil
		}

		return addAction(tree, devicetree.NewCreateFormatAction(part, op.format()))

	case "create-format":
		d, err := lookup(tree, op.Device)
		if err != nil {
			return err
		}

		return addAction(tree, devicetree.NewCreateFormatAction(d, op.format()))

	case "create-vg":
		members := []diskplan.Device{}

		for _, m := range op.Members {
			d, err := lookup(tree, m)
			if err != nil {
				return err
			}

			members = append(members, d)
		}

		vg, err := diskplan.NewVolumeGroup(op.Name, diskplan.Args{Parents: members})
		if err != nil {
			return err
		}

		return addAction(tree, devicetree.NewCreateDeviceAction(vg))

	case "create-lv":
		lvType, err := diskplan.ParseLVType(op.Type)
		if err != nil {
			return err
		}

		parent := op.VG
		if lvType == diskplan.THIN {
			parent = diskplan.MapperName(op.VG, op.Pool)
		}

		p, err := lookup(tree, parent)
		if err != nil {
			return err
		}

		lv, err := diskplan.NewLogicalVolume(op.Name, lvType,
			diskplan.Args{Parents: []diskplan.Device{p}, Size: size, Grow: op.Grow})
		if err != nil {
			return err
		}

		if err := addAction(tree, devicetree.NewCreateDeviceAction(lv)); err != nil {
			return err
		}

		if op.Format == "" {
			return nil
		}

		return addAction(tree, devicetree.NewCreateFormatAction(lv, op.format()))

	case "destroy":
		d, err := lookup(tree, op.Device)
		if err != nil {
			return err
		}

		return addAction(tree, devicetree.NewDestroyDeviceAction(d))

	case "destroy-format":
		d, err := lookup(tree, op.Device)
		if err != nil {
			return err
		}

		return addAction(tree, devicetree.NewDestroyFormatAction(d))

	case "resize":
		d, err := lookup(tree, op.Device)
		if err != nil {
			return err
		}

		if size == 0 {
			return errors.Errorf("resize of %s needs a size", op.Device)
		}

		return addAction(tree, devicetree.NewResizeDeviceAction(d, size))
	}

	return errors.Errorf("unknown operation %q", op.Op)
}

func applyPlan(tree *devicetree.Tree, p plan) error {
	for i, op := range p.Operations {
		if err := apply(tree, op); err != nil {
			return errors.Wrapf(err, "operation %d (%s)", i+1, op.Op)
		}
	}

	return nil
}

func printActions(actions []*devicetree.Action) {
	for i, a := range actions {
		fmt.Printf("%3d %s\n", i+1, a)
	}
}

func planSession(c *cli.Context) (*session, error) {
	if c.Args().Len() != 1 {
		return nil, errors.New("need exactly one plan file")
	}

	p, err := loadPlanFile(c.Args().First())
	if err != nil {
		return nil, err
	}

	s, err := newSession(c)
	if err != nil {
		return nil, err
	}

	return s, applyPlan(s.tree, p)
}

//nolint:gochecknoglobals
var planCommand = cli.Command{
	Name:      "plan",
	Usage:     "Print the ordered actions for a plan file",
	ArgsUsage: "plan.yaml",
	Action:    planMain,
}

func planMain(c *cli.Context) error {
	s, err := planSession(c)
	if err != nil {
		return err
	}

	actions, err := s.tree.Actions().Sort()
	if err != nil {
		return err
	}

	printActions(actions)

	return nil
}

//nolint:gochecknoglobals
var commitCommand = cli.Command{
	Name:      "commit",
	Usage:     "Apply a plan file to the system",
	ArgsUsage: "plan.yaml",
	Action:    commitMain,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "only print what would run",
		},
		&cli.BoolFlag{
			Name:  "metrics",
			Usage: "print collected metrics when done",
		},
	},
}

func commitMain(c *cli.Context) error {
	s, err := planSession(c)
	if err != nil {
		return err
	}

	opts := devicetree.ProcessOptions{
		DryRun: c.Bool("dry-run"),
		Callback: func(i, n int, a *devicetree.Action) {
			fmt.Printf("[%d/%d] %s\n", i+1, n, a)
		},
	}

	if err := s.tree.Actions().Process(c.Context, s.backend, opts); err != nil {
		return err
	}

	if !opts.DryRun {
		if err := s.pop.Populate(c.Context); err != nil {
			return err
		}

		if err := printTree(c, s.tree); err != nil {
			return err
		}
	}

	if c.Bool("metrics") {
		return s.printMetrics()
	}

	return nil
}
