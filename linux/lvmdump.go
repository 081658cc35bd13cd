//go:build linux

package linux

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

func readReportUint64(s string) (uint64, error) {
	// lvm --report-format=json --unit=B puts unit 'B' at end of all sizes.
	s = strings.TrimSuffix(s, "B")
	if s == "" {
		return 0, nil
	}

	num, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to convert string %s to uint64: %s", s, err)
	}

	return num, nil
}

type lvmPVData struct {
	Path         string
	Size         uint64
	VGName       string
	VGUUID       string
	UUID         string
	Free         uint64
	MetadataSize uint64
	raw          map[string]string
}

func (d *lvmPVData) UnmarshalJSON(b []byte) error {
	var m map[string]string
	var err error

	if err = json.Unmarshal(b, &m); err != nil {
		return err
	}

	d.raw = m
	d.Path = m["pv_name"]
	d.VGName = m["vg_name"]
	d.VGUUID = m["vg_uuid"]
	d.UUID = m["pv_uuid"]

	if d.Size, err = readReportUint64(m["pv_size"]); err != nil {
		return err
	}

	if d.MetadataSize, err = readReportUint64(m["pv_mda_size"]); err != nil {
		return err
	}

	d.Free, err = readReportUint64(m["pv_free"])

	return err
}

func parsePvReport(report []byte) ([]lvmPVData, error) {
	var d map[string]([]map[string]([]lvmPVData))

	if err := json.Unmarshal(report, &d); err != nil {
		return []lvmPVData{}, err
	}

	if len(d["report"]) == 0 {
		return []lvmPVData{}, nil
	}

	return d["report"][0]["pv"], nil
}

func (ls *Sys) getPvReport(ctx context.Context, args ...string) ([]lvmPVData, error) {
	cmd := []string{"lvm", "pvs", "--options=pv_all,vg_name,vg_uuid", "--report-format=json", "--unit=B"}
	cmd = append(cmd, args...)
	out, stderr, rc := ls.runCommandWithOutputErrorRc(ctx, cmd...)

	if rc != 0 {
		return []lvmPVData{},
			fmt.Errorf("failed lvm pvs [%d]: %s\n%s", rc, out, stderr)
	}

	return parsePvReport(out)
}

type lvmVGData struct {
	Name    string
	Size    uint64
	UUID    string
	Free    uint64
	PVCount int
	raw     map[string]string
}

func (d *lvmVGData) UnmarshalJSON(b []byte) error {
	var m map[string]string
	var err error

	if err = json.Unmarshal(b, &m); err != nil {
		return err
	}

	d.raw = m
	d.Name = m["vg_name"]
	d.UUID = m["vg_uuid"]

	if d.Size, err = readReportUint64(m["vg_size"]); err != nil {
		return err
	}

	if d.Free, err = readReportUint64(m["vg_free"]); err != nil {
		return err
	}

	if m["pv_count"] != "" {
		if d.PVCount, err = strconv.Atoi(m["pv_count"]); err != nil {
			return fmt.Errorf("bad pv_count %q for vg %s", m["pv_count"], d.Name)
		}
	}

	return nil
}

func parseVgReport(report []byte) ([]lvmVGData, error) {
	var d map[string]([]map[string]([]lvmVGData))

	if err := json.Unmarshal(report, &d); err != nil {
		return []lvmVGData{}, err
	}

	if len(d["report"]) == 0 {
		return []lvmVGData{}, nil
	}

	return d["report"][0]["vg"], nil
}

func (ls *Sys) getVgReport(ctx context.Context, args ...string) ([]lvmVGData, error) {
	cmd := []string{"lvm", "vgs", "--options=vg_all", "--report-format=json", "--unit=B"}
	cmd = append(cmd, args...)
	out, stderr, rc := ls.runCommandWithOutputErrorRc(ctx, cmd...)

	if rc != 0 {
		return []lvmVGData{},
			fmt.Errorf("failed lvm vgs [%d]: %s\n%s", rc, out, stderr)
	}

	return parseVgReport(out)
}

type lvmLVData struct {
	Name   string
	VGName string
	Path   string
	Size   uint64
	UUID   string
	Active bool
	Pool   string
	Origin string
	// Attr is the lv_attr string, its first letter is the volume type.
	Attr string
	raw  map[string]string
}

func (d *lvmLVData) UnmarshalJSON(b []byte) error {
	var m map[string]string
	var err error

	if err = json.Unmarshal(b, &m); err != nil {
		return err
	}

	d.raw = m
	d.Path = m["lv_path"]
	d.Name = m["lv_name"]
	d.VGName = m["vg_name"]
	d.Active = m["lv_active"] == "active"
	d.Pool = m["pool_lv"]
	d.Origin = m["origin"]
	d.Attr = m["lv_attr"]
	d.UUID = m["lv_uuid"]
	d.Size, err = readReportUint64(m["lv_size"])

	return err
}

// LVType returns the diskplan name for the volume's type.
func (d *lvmLVData) LVType() string {
	if d.Attr == "" {
		return "THICK"
	}

	switch d.Attr[0] {
	case 't':
		return "THINPOOL"
	case 'V':
		return "THIN"
	case 's':
		return "SNAPSHOT"
	}

	if d.Origin != "" {
		return "SNAPSHOT"
	}

	return "THICK"
}

// Hidden returns true for lvm internal volumes such as pool metadata.
func (d *lvmLVData) Hidden() bool {
	return strings.HasPrefix(d.Name, "[") || (d.Attr != "" && strings.ContainsRune("eIilT", rune(d.Attr[0])))
}

func parseLvReport(report []byte) ([]lvmLVData, error) {
	var d map[string]([]map[string]([]lvmLVData))

	if err := json.Unmarshal(report, &d); err != nil {
		return []lvmLVData{}, err
	}

	if len(d["report"]) == 0 {
		return []lvmLVData{}, nil
	}

	return d["report"][0]["lv"], nil
}

func (ls *Sys) getLvReport(ctx context.Context, args ...string) ([]lvmLVData, error) {
	cmd := []string{"lvm", "lvs", "--options=lv_all,vg_name", "--report-format=json", "--unit=B"}
	cmd = append(cmd, args...)
	out, stderr, rc := ls.runCommandWithOutputErrorRc(ctx, cmd...)

	if rc != 0 {
		return []lvmLVData{},
			fmt.Errorf("failed lvm lvs [%d]: %s\n%s", rc, out, stderr)
	}

	return parseLvReport(out)
}

// lvmState is one consistent read of the lvm reports.
type lvmState struct {
	pvs map[string]lvmPVData
	vgs map[string]lvmVGData
	lvs map[string]lvmLVData
}

func (ls *Sys) readLVM(ctx context.Context) (lvmState, error) {
	st := lvmState{
		pvs: map[string]lvmPVData{},
		vgs: map[string]lvmVGData{},
		lvs: map[string]lvmLVData{},
	}

	pvs, err := ls.getPvReport(ctx)
	if err != nil {
		return st, err
	}

	for _, pv := range pvs {
		st.pvs[pv.Path] = pv
	}

	vgs, err := ls.getVgReport(ctx)
	if err != nil {
		return st, err
	}

	for _, vg := range vgs {
		st.vgs[vg.Name] = vg
	}

	lvs, err := ls.getLvReport(ctx)
	if err != nil {
		return st, err
	}

	for _, lv := range lvs {
		st.lvs[vgLv(lv.VGName, lv.Name)] = lv
	}

	return st, nil
}

// pvPaths returns the device paths of the physical volumes of vg.
func (st lvmState) pvPaths(vg string) []string {
	paths := []string{}

	for p, pv := range st.pvs {
		if pv.VGName == vg {
			paths = append(paths, p)
		}
	}

	return paths
}

func vgLv(vgName, lvName string) string {
	return vgName + "/" + lvName
}
