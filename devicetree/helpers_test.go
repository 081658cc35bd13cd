package devicetree_test

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"
	"machinerun.io/diskplan"
	"machinerun.io/diskplan/devicetree"
	"machinerun.io/diskplan/mockos"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)

	return log
}

// session populates a fresh tree from a mock system holding infos.
func session(cfg devicetree.Config, infos ...diskplan.DeviceInfo) (*devicetree.Tree, *devicetree.Populator, *mockos.Sys, error) {
	sys := mockos.New(mockos.Layout{Devices: infos})

	return sessionOn(cfg, sys)
}

func sessionOn(cfg devicetree.Config, sys *mockos.Sys) (*devicetree.Tree, *devicetree.Populator, *mockos.Sys, error) {
	log := quietLogger()
	tree := devicetree.NewTree(cfg, log)
	pop := devicetree.NewPopulator(tree, sys, log)
	pop.SetBackend(sys)

	return tree, pop, sys, pop.Populate(context.Background())
}

func diskInfo(name string, size uint64, fmtType string) diskplan.DeviceInfo {
	return diskplan.DeviceInfo{
		Name:   name,
		Kind:   diskplan.KindDisk,
		Size:   size,
		Format: diskplan.FormatInfo{Type: fmtType},
	}
}

func kinds(actions []*devicetree.Action) []devicetree.ActionKind {
	k := make([]devicetree.ActionKind, 0, len(actions))
	for _, a := range actions {
		k = append(k, a.Kind())
	}

	return k
}

func position(order []*devicetree.Action, a *devicetree.Action) int {
	for i, o := range order {
		if o == a {
			return i
		}
	}

	return -1
}
