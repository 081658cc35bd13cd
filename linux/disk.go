//go:build linux

package linux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"unicode/utf16"

	"github.com/dustin/go-humanize"
	"github.com/rekby/gpt"
	"github.com/rekby/mbr"
	"golang.org/x/sys/unix"
	"machinerun.io/diskplan"
	"machinerun.io/diskplan/partid"
)

const (
	sectorSize512 = 512
	sectorSize4k  = 4096

	tableGPT = "gpt"
	tableMBR = "dos"

	maxGPTParts = 128
	maxMBRParts = 4
)

// ErrNoPartitionTable is returned if there is no partition table.
var ErrNoPartitionTable = errors.New("no Partition Table Found")

// partEntry is one used entry of a partition table. Start and Last are
// byte offsets, Last is inclusive.
type partEntry struct {
	Number  int
	Start   uint64
	Last    uint64
	Type    diskplan.GUID
	MBRType byte
	ID      diskplan.GUID
	Name    string

	// Fit lets allocation settle for the largest gap if none holds the
	// full size. It is not written to the table.
	Fit bool
}

func (p partEntry) Size() uint64 {
	return p.Last - p.Start + 1
}

// partTable is a partition table as read from a disk.
type partTable struct {
	Type       string
	SectorSize uint
	Parts      map[int]partEntry
}

// toGPTPartition - convert a partEntry into a gpt.Partition
func toGPTPartition(p partEntry, sectorSize uint) gpt.Partition {
	return gpt.Partition{
		Type:          gpt.PartType(p.Type),
		Id:            gpt.Guid(p.ID),
		FirstLBA:      diskplan.Floor(p.Start, uint64(sectorSize)) / uint64(sectorSize),
		LastLBA:       diskplan.Floor(p.Last, uint64(sectorSize)) / uint64(sectorSize),
		Flags:         gpt.Flags{},
		PartNameUTF16: getPartName(p.Name),
		TrailingBytes: []byte{},
	}
}

func readGPTTableSearch(fp io.ReadSeeker, sizes []uint) (gpt.Table, uint, error) {
	const noGptFound = "Bad GPT signature"
	var gptTable gpt.Table
	var err error
	var size uint

	for _, size = range sizes {
		// consider seek failure to be fatal
		if _, err := fp.Seek(int64(size), io.SeekStart); err != nil {
			return gpt.Table{}, size, err
		}

		if gptTable, err = gpt.ReadTable(fp, uint64(size)); err != nil {
			if err.Error() == noGptFound {
				continue
			}

			return gpt.Table{}, size, err
		}

		return gptTable, size, nil
	}

	return gpt.Table{}, size, ErrNoPartitionTable
}

func readGPTTable(fp io.ReadSeeker) (gpt.Table, uint, error) {
	return readGPTTableSearch(fp, []uint{sectorSize512, sectorSize4k})
}

func readMBRTable(fp io.ReadSeeker) (map[int]partEntry, error) {
	parts := map[int]partEntry{}

	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return parts, err
	}

	mbrTable, err := mbr.Read(fp)
	if errors.Is(err, mbr.ErrorBadMbrSign) {
		return parts, ErrNoPartitionTable
	} else if err != nil {
		return parts, err
	}

	for i, p := range mbrTable.GetAllPartitions() {
		if p.IsEmpty() {
			continue
		}

		mType := byte(p.GetType())
		ptype, err := partid.MBRToPartType(mType)

		if err != nil {
			ptype = partid.LinuxFS
		}

		part := partEntry{
			Start:   uint64(p.GetLBAStart()) * sectorSize512,
			Last:    uint64(p.GetLBALast())*sectorSize512 + sectorSize512 - 1,
			Type:    ptype,
			MBRType: mType,
			Number:  i + 1,
		}
		parts[part.Number] = part
	}

	return parts, nil
}

func findPartitions(fp io.ReadSeeker) (partTable, error) {
	gptTable, ssize, err := readGPTTable(fp)
	if errors.Is(err, ErrNoPartitionTable) {
		parts, err := readMBRTable(fp)
		if errors.Is(err, ErrNoPartitionTable) {
			return partTable{SectorSize: ssize, Parts: parts}, err
		}

		return partTable{Type: tableMBR, SectorSize: sectorSize512, Parts: parts}, err
	}

	pt := partTable{Type: tableGPT, SectorSize: ssize, Parts: map[int]partEntry{}}
	if err != nil {
		return pt, err
	}

	ssize64 := uint64(ssize)

	for n, p := range gptTable.Partitions {
		if p.IsEmpty() {
			continue
		}

		part := partEntry{
			Start:  p.FirstLBA * ssize64,
			Last:   p.LastLBA*ssize64 + ssize64 - 1,
			ID:     diskplan.GUID(p.Id),
			Type:   diskplan.GUID(p.Type),
			Name:   p.Name(),
			Number: n + 1,
		}
		pt.Parts[part.Number] = part
	}

	return pt, nil
}

func readPartitionTable(devPath string) (partTable, error) {
	fp, err := os.Open(devPath)
	if err != nil {
		return partTable{}, err
	}
	defer fp.Close()

	return findPartitions(fp)
}

func getPartName(s string) [72]byte {
	codes := utf16.Encode([]rune(s))
	b := [72]byte{}

	for i, r := range codes {
		if i*2+1 >= len(b) {
			break
		}

		b[i*2] = byte(r)
		b[i*2+1] = byte(r >> 8) //nolint:gomnd
	}

	return b
}

// zeroStartEnd - zero the start and end provided with 1MiB bytes of zeros.
func zeroStartEnd(fp io.WriteSeeker, start int64, last int64) error {
	if last <= start {
		return fmt.Errorf("last %d < start %d", last, start)
	}

	wlen := int64(diskplan.Mebibyte)
	bufZero := make([]byte, wlen)

	// 3 cases.
	// a.) start + wlen < last - wlen (two full writes)
	// b.) start + wlen >= last (one possibly short write)
	// c.) start + wlen >= last - wlen (overlapping zero ranges)
	type ws struct{ start, size int64 }
	var writes = []ws{{start, wlen}, {last - wlen, wlen}}
	var wnum int
	var err error

	if start+wlen >= last {
		writes = []ws{{start, last - start}}
	} else if start+wlen >= last-wlen {
		writes = []ws{{start, wlen}, {start + wlen, last - (start + wlen)}}
	}

	for _, w := range writes {
		if _, err = fp.Seek(w.start, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek to %d to write %v", w.start, w)
		}

		wnum, err = fp.Write(bufZero[:w.size])
		if err != nil {
			return fmt.Errorf("failed to write %v", w)
		}

		if int64(wnum) != w.size {
			return fmt.Errorf("wrote only %d bytes of %v", wnum, w)
		}
	}

	return nil
}

// usableRange returns the first and last byte partitions may use.
func usableRange(table string, sectorSize uint, diskSize uint64) (uint64, uint64) {
	maxSize := diskSize
	if table == tableMBR {
		maxSize = min(diskSize, uint64(0xFFFFFFFF)*uint64(sectorSize)) //nolint: gomnd
	}

	maxEnd := ((maxSize - uint64(sectorSize)*33) / diskplan.Mebibyte) * diskplan.Mebibyte //nolint: gomnd

	return diskplan.Mebibyte, maxEnd - 1
}

func rangeCheckPart(pt partTable, diskSize uint64, p partEntry) error {
	minStart, maxLast := usableRange(pt.Type, pt.SectorSize, diskSize)

	maxPartNum := maxGPTParts
	if pt.Type == tableMBR {
		maxPartNum = maxMBRParts
	}

	if p.Number < 1 || p.Number > maxPartNum {
		return fmt.Errorf("partition number %d is out of range (%d-%d) for %s",
			p.Number, 1, maxPartNum, pt.Type)
	}

	if p.Start < minStart {
		return fmt.Errorf("partition %d start (%d) is too low. Must be >= %d",
			p.Number, p.Start, minStart)
	}

	if p.Last > maxLast {
		return fmt.Errorf("partition %d Last (%d) is too high. Must be <= %d",
			p.Number, p.Last, maxLast)
	}

	for n, o := range pt.Parts {
		if n != p.Number && p.Start <= o.Last && p.Last >= o.Start {
			return fmt.Errorf("partition %d (%d-%d) overlaps partition %d (%d-%d)",
				p.Number, p.Start, p.Last, n, o.Start, o.Last)
		}
	}

	return nil
}

// allocate finds the lowest free number and the first MiB aligned gap of
// size bytes. With fit the largest gap is used when none is big enough.
func allocate(pt partTable, diskSize uint64, number int, size uint64, fit bool) (partEntry, error) {
	minStart, maxLast := usableRange(pt.Type, pt.SectorSize, diskSize)

	if number == 0 {
		for number = 1; ; number++ {
			if _, ok := pt.Parts[number]; !ok {
				break
			}
		}
	}

	used := []uRange{}
	for _, p := range pt.Parts {
		used = append(used, uRange{p.Start, p.Last})
	}

	size = diskplan.Ceiling(size, diskplan.Mebibyte)

	var bestStart, bestSize uint64

	for _, gap := range findRangeGaps(used, minStart, maxLast) {
		start := diskplan.Ceiling(gap.Start, diskplan.Mebibyte)
		if start > gap.End {
			continue
		}

		avail := diskplan.Floor(gap.End-start+1, diskplan.Mebibyte)
		if avail >= size {
			return partEntry{Number: number, Start: start, Last: start + size - 1}, nil
		}

		if avail > bestSize {
			bestStart, bestSize = start, avail
		}
	}

	if fit && bestSize > 0 {
		return partEntry{Number: number, Start: bestStart, Last: bestStart + bestSize - 1}, nil
	}

	return partEntry{}, fmt.Errorf("%w: no free space for %s on disk", diskplan.ErrSizeOutOfRange,
		humanize.IBytes(size))
}

// lockedDisk opens a disk for writing and takes an exclusive flock.
func lockedDisk(devPath string) (*os.File, error) {
	fp, err := os.OpenFile(devPath, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(fp.Fd()), unix.LOCK_EX); err != nil {
		fp.Close()
		return nil, fmt.Errorf("failed to lock %s: %s", devPath, err)
	}

	return fp, nil
}

func writePartitionMBR(fp io.ReadWriteSeeker, sectorSize uint, p partEntry) error {
	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	mbrTable, err := mbr.Read(fp)
	if errors.Is(err, mbr.ErrorBadMbrSign) {
		// the Read(0) does call Check(), but only returns the first error. That may be fixed
		// by FixingSignature, but need to check if that fixes everything.
		mbrTable.FixSignature()

		if err := mbrTable.Check(); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	mType, err := partid.PartTypeToMBR(p.Type)
	if err != nil {
		return err
	}

	mPart := mbrTable.GetPartition(p.Number)
	mPart.SetLBAStart(uint32(p.Start / uint64(sectorSize)))
	mPart.SetLBALen(uint32(p.Size() / uint64(sectorSize)))
	mPart.SetType(mbr.PartitionType(mType))

	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return mbrTable.Write(fp)
}

func writePartitionGPT(fp io.ReadWriteSeeker, sectorSize uint, p partEntry) error {
	gptTable, _, err := readGPTTableSearch(fp, []uint{sectorSize})
	if err != nil {
		return err
	}

	gptTable.Partitions[p.Number-1] = toGPTPartition(p, sectorSize)

	_, err = writeGPTTable(fp, gptTable)

	return err
}

func deletePartitionMBR(fp io.ReadWriteSeeker, pNum int) error {
	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	mbrTable, err := mbr.Read(fp)
	if err != nil {
		return err
	}

	if pNum < 1 || pNum > maxMBRParts {
		return fmt.Errorf("cannot delete partition %d from MBR. Invalid number", pNum)
	}

	pt := mbrTable.GetPartition(pNum)
	pt.SetType(mbr.PART_EMPTY)
	pt.SetLBAStart(0)
	pt.SetLBALen(0)

	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return mbrTable.Write(fp)
}

func deletePartitionGPT(fp io.ReadWriteSeeker, sectorSize uint, pNum int) error {
	gptTable, _, err := readGPTTableSearch(fp, []uint{sectorSize})
	if err != nil {
		return err
	}

	gptTable.Partitions[pNum-1] = toGPTPartition(partEntry{Type: partid.Empty}, sectorSize)

	_, err = writeGPTTable(fp, gptTable)

	return err
}

// diskRef is what partition writes need to know about a disk.
type diskRef struct {
	Name string
	Path string
	Size uint64
}

// isBlockDevice returns true if fp is a block device, as opposed to an image
// file.
func isBlockDevice(fp *os.File) (bool, error) {
	info, err := fp.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %s", fp.Name(), err)
	}

	return info.Mode()&os.ModeDevice != 0, nil
}

// addPartition allocates and writes p. A zero Start or Number is
// allocated. The final entry is returned.
func (ls *Sys) addPartition(ctx context.Context, d diskRef, p partEntry) (partEntry, error) {
	fp, err := lockedDisk(d.Path)
	if err != nil {
		return p, err
	}
	defer fp.Close()

	pt, err := findPartitions(fp)
	if err != nil {
		return p, fmt.Errorf("cannot add partition to %s: %w", d.Name, err)
	}

	if p.Start == 0 {
		alloc, err := allocate(pt, d.Size, p.Number, p.Size(), p.Fit)
		if err != nil {
			return p, err
		}

		p.Number, p.Start, p.Last = alloc.Number, alloc.Start, alloc.Last
	}

	if err := rangeCheckPart(pt, d.Size, p); err != nil {
		return p, err
	}

	if err := zeroStartEnd(fp, int64(p.Start), int64(p.Last)); err != nil {
		return p, fmt.Errorf("failed to zero partition %d: %s", p.Number, err)
	}

	if pt.Type == tableMBR {
		err = writePartitionMBR(fp, pt.SectorSize, p)
	} else {
		err = writePartitionGPT(fp, pt.SectorSize, p)
	}

	if err != nil {
		return p, err
	}

	if err := fp.Sync(); err != nil {
		return p, err
	}

	blockdev, err := isBlockDevice(fp)
	if err != nil || !blockdev {
		return p, err
	}

	// Release the lock before udev looks at the disk.
	fp.Close()

	if err := ls.udevSettle(ctx); err != nil {
		return p, err
	}

	ppath := ls.partPath(d.Name, p.Number)
	if exists, err := blockDeviceExists(ppath); err != nil {
		return p, fmt.Errorf("failed to stat %s part %d (%s): %s", d.Name, p.Number, ppath, err)
	} else if exists {
		return p, nil
	}

	// for the addpart interface to the kernel, units are always 512.
	return p, ls.runCommandSettled(ctx, "addpart", d.Path,
		strconv.Itoa(p.Number),
		strconv.FormatUint(p.Start/sectorSize512, 10),
		strconv.FormatUint(p.Size()/sectorSize512, 10))
}

func (ls *Sys) deletePartition(ctx context.Context, d diskRef, pNum int) error {
	fp, err := lockedDisk(d.Path)
	if err != nil {
		return err
	}
	defer fp.Close()

	pt, err := findPartitions(fp)
	if err != nil {
		return err
	}

	if pt.Type == tableMBR {
		err = deletePartitionMBR(fp, pNum)
	} else {
		err = deletePartitionGPT(fp, pt.SectorSize, pNum)
	}

	if err != nil {
		return err
	}

	if err := fp.Sync(); err != nil {
		return err
	}

	blockdev, err := isBlockDevice(fp)
	if err != nil || !blockdev {
		return err
	}

	partPath := ls.partPath(d.Name, pNum)
	if exists, err := blockDeviceExists(partPath); err != nil {
		return fmt.Errorf("failed to stat %s part %d (%s): %s", d.Name, pNum, partPath, err)
	} else if !exists {
		return nil
	}

	return ls.runCommandSettled(ctx, "delpart", d.Path, strconv.Itoa(pNum))
}

// resizePartition moves the end of partition pNum so it is size bytes long.
func (ls *Sys) resizePartition(ctx context.Context, d diskRef, pNum int, size uint64) error {
	fp, err := lockedDisk(d.Path)
	if err != nil {
		return err
	}
	defer fp.Close()

	pt, err := findPartitions(fp)
	if err != nil {
		return err
	}

	p, ok := pt.Parts[pNum]
	if !ok {
		return fmt.Errorf("%w: %s has no partition %d", diskplan.ErrDeviceNotFound, d.Name, pNum)
	}

	p.Last = p.Start + size - 1

	if err := rangeCheckPart(pt, d.Size, p); err != nil {
		return fmt.Errorf("%w: %s", diskplan.ErrSizeOutOfRange, err)
	}

	if pt.Type == tableMBR {
		err = writePartitionMBR(fp, pt.SectorSize, p)
	} else {
		err = writePartitionGPT(fp, pt.SectorSize, p)
	}

	if err != nil {
		return err
	}

	if err := fp.Sync(); err != nil {
		return err
	}

	blockdev, err := isBlockDevice(fp)
	if err != nil || !blockdev {
		return err
	}

	fp.Close()

	return ls.runCommandSettled(ctx, "resizepart", d.Path,
		strconv.Itoa(pNum), strconv.FormatUint(size/sectorSize512, 10))
}

// newPartitionTable writes an empty table of the given type to the disk.
func newPartitionTable(devPath, table string, sectorSize uint) error {
	fp, err := lockedDisk(devPath)
	if err != nil {
		return err
	}
	defer fp.Close()

	size, err := getFileSize(fp)
	if err != nil {
		return err
	}

	if table == tableMBR {
		err = writeEmptyMBR(fp, sectorSize)
	} else {
		_, err = writeNewGPTTable(fp, sectorSize, size)
	}

	if err != nil {
		return err
	}

	return fp.Sync()
}

func blockDeviceExists(bpath string) (bool, error) {
	info, err := os.Stat(bpath)

	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}

		return false, err
	}

	return info.Mode()&os.ModeDevice != 0, nil
}

var endsWithNum = regexp.MustCompile("[0-9]$") //nolint:gochecknoglobals

func getPartKname(diskName string, num int) string {
	sep := ""

	if endsWithNum.MatchString(diskName) {
		sep = "p"
	}

	return fmt.Sprintf("%s%s%d", diskName, sep, num)
}

// partNumberFromName returns the number the kernel would give partition
// name on diskName, or 0.
func partNumberFromName(diskName, name string) int {
	for _, sep := range []string{"p", ""} {
		if len(name) <= len(diskName)+len(sep) || name[:len(diskName)] != diskName ||
			name[len(diskName):len(diskName)+len(sep)] != sep {
			continue
		}

		n, err := strconv.Atoi(name[len(diskName)+len(sep):])
		if err == nil && getPartKname(diskName, n) == name {
			return n
		}
	}

	return 0
}

func (ls *Sys) partPath(diskName string, num int) string {
	return ls.devPath(getPartKname(diskName, num))
}

// writeProtectiveMBR - add a ProtectiveMBR spanning the disk.
// This preserves anything in the first sector that is outside of the partition table.
func writeProtectiveMBR(fp io.ReadWriteSeeker, sectorSize uint, diskSize uint64) error {
	buf := make([]byte, sectorSize)

	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if _, err := io.ReadFull(fp, buf); err != nil {
		return err
	}

	m, err := newProtectiveMBR(buf, sectorSize, diskSize)
	if err != nil {
		return err
	}

	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return m.Write(fp)
}

// writeEmptyMBR writes an msdos label with no partitions, keeping the boot
// code area.
func writeEmptyMBR(fp io.ReadWriteSeeker, sectorSize uint) error {
	buf := make([]byte, sectorSize)

	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	if _, err := io.ReadFull(fp, buf); err != nil {
		return err
	}

	clearMBRPartitions(buf)

	if _, err := fp.Seek(0, io.SeekStart); err != nil {
		return err
	}

	_, err := fp.Write(buf)

	return err
}

func clearMBRPartitions(buf []byte) {
	// https://en.wikipedia.org/wiki/Master_boot_record
	// partition table takes up 446 (0x1BE) to 511 (0x1FF).  We zero locations
	// of the partitions, and leave the rest.
	for offset, i := 0x1BE, 0; i < 16*4; i++ {
		buf[offset+i] = 0
	}
	// then explicitly write the mbr signature
	buf[0x1FE] = 0x55
	buf[0x1FF] = 0xAA
}

func writeNewGPTTable(fp io.ReadWriteSeeker, sectorSize uint, diskSize uint64) (gpt.Table, error) {
	ntArgs := gpt.NewTableArgs{
		SectorSize: uint64(sectorSize),
		DiskGuid:   gpt.Guid(diskplan.GenGUID())}
	gptTable := gpt.NewTable(diskSize, &ntArgs)

	if err := writeProtectiveMBR(fp, sectorSize, diskSize); err != nil {
		return gptTable, err
	}

	return writeGPTTable(fp, gptTable)
}

func writeGPTTable(fp io.ReadWriteSeeker, table gpt.Table) (gpt.Table, error) {
	if err := table.Write(fp); err != nil {
		return gpt.Table{}, fmt.Errorf("failed write to table: %w", err)
	}

	if err := table.CreateOtherSideTable().Write(fp); err != nil {
		return gpt.Table{}, fmt.Errorf("failed write other side table: %w", err)
	}

	if _, err := fp.Seek(
		int64(table.Header.HeaderStartLBA*table.SectorSize),
		io.SeekStart); err != nil {
		return gpt.Table{}, err
	}

	return gpt.ReadTable(io.ReadSeeker(fp), table.SectorSize)
}

// newProtectiveMBR - return a Protective MBR for the
// pull request to upstream mbr at https://github.com/rekby/mbr/pull/2
func newProtectiveMBR(buf []byte, sectorSize uint, diskSize uint64) (mbr.MBR, error) {
	if len(buf) < int(sectorSize) {
		return mbr.MBR{},
			fmt.Errorf("buffer too small. Must be sectorSize(%d)", sectorSize)
	}

	clearMBRPartitions(buf)

	myMBR, err := mbr.Read(bytes.NewReader(buf))
	if err != nil {
		return mbr.MBR{}, err
	}

	pt := myMBR.GetPartition(1)
	pt.SetType(mbr.PART_GPT)
	pt.SetLBAStart(1)
	// Upstream pull request would set this to '- 1', not '- 2' as
	// is commonly written by linux partitioners although actually outside spec.
	pt.SetLBALen(uint32(diskSize/uint64(sectorSize)) - 2) // nolint: gomnd

	for pnum := 2; pnum <= 4; pnum++ {
		pt := myMBR.GetPartition(pnum)
		pt.SetType(mbr.PART_EMPTY)
		pt.SetLBAStart(0)
		pt.SetLBALen(0)
	}

	return *myMBR, myMBR.Check()
}
