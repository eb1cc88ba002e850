// Package diskimage writes and reads raw MBR disk images that carry a generated
// boot sector in LBA 0 and the next stage in the first partition.
//
// The stage partition starts at LBA 1, so a loader that copies the sectors
// following the boot sector to memory right after it places the stage at
// boot.DefaultStageAddress.
package diskimage

import (
	"bytes"
	"errors"
	"fmt"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/mbr"

	"example.com/protoboot/core_engine/boot"
)

const (
	StageLBA = 1
	// StageType marks the stage partition as raw, filesystem-less data.
	StageType mbr.Type = 0xDA
	// DefaultSize leaves room for a stage of up to 63 KiB plus the boot sector.
	DefaultSize = 64 << 10
)

var (
	ErrNoPartitionRoom = errors.New("diskimage: boot sector has no room for a partition table")
	ErrStageTooLarge   = errors.New("diskimage: stage does not fit on the disk")
	ErrNoStage         = errors.New("diskimage: disk has no stage partition")
)

// Contents is what Read found on a disk.
type Contents struct {
	Boot  *boot.Image
	Stage []byte
	// StageAddress is where a contiguous load puts the stage partition.
	StageAddress uint32
}

func sectors(n int) uint32 {
	return uint32((n + boot.SectorSize - 1) / boot.SectorSize)
}

// Write creates a disk image at path of size bytes (DefaultSize when 0). img
// must have been generated with room for the partition table.
func Write(path string, size int64, img *boot.Image, stage []byte) error {
	if img.Layout().Limit != boot.PartitionTableOffset {
		return ErrNoPartitionRoom
	}
	if len(stage) == 0 {
		return fmt.Errorf("%w: empty stage", ErrNoStage)
	}
	if size == 0 {
		size = DefaultSize
	}
	need := int64(StageLBA+sectors(len(stage))) * boot.SectorSize
	if need > size {
		return fmt.Errorf("%w: %d bytes on a %d-byte disk", ErrStageTooLarge, len(stage), size)
	}

	d, err := diskfs.Create(path, size, diskfs.Raw, diskfs.SectorSize512)
	if err != nil {
		return fmt.Errorf("diskimage: create %s: %w", path, err)
	}
	defer d.Close()

	table := &mbr.Table{
		LogicalSectorSize:  boot.SectorSize,
		PhysicalSectorSize: boot.SectorSize,
		Partitions: []*mbr.Partition{{
			Bootable: true,
			Type:     StageType,
			Start:    StageLBA,
			Size:     sectors(len(stage)),
		}},
	}
	if err := d.Partition(table); err != nil {
		return fmt.Errorf("diskimage: partition %s: %w", path, err)
	}
	if _, err := d.WritePartitionContents(1, bytes.NewReader(stage)); err != nil {
		return fmt.Errorf("diskimage: write stage: %w", err)
	}
	// The table writer owns bytes 446-511; the code and GDT go in front of it.
	sector := img.Bytes()
	if _, err := d.File.WriteAt(sector[:boot.PartitionTableOffset], 0); err != nil {
		return fmt.Errorf("diskimage: write boot sector: %w", err)
	}
	return nil
}

// Read opens a disk written by Write and returns the boot sector and the
// stage partition, padded to whole sectors.
func Read(path string) (*Contents, error) {
	d, err := diskfs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("diskimage: open %s: %w", path, err)
	}
	defer d.Close()

	sector := make([]byte, boot.SectorSize)
	if _, err := d.File.ReadAt(sector, 0); err != nil {
		return nil, fmt.Errorf("diskimage: read boot sector: %w", err)
	}

	pt, err := d.GetPartitionTable()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoStage, err)
	}
	table, ok := pt.(*mbr.Table)
	if !ok || len(table.Partitions) == 0 || table.Partitions[0].Type != StageType {
		return nil, ErrNoStage
	}
	p := table.Partitions[0]
	img, err := boot.ParseImage(sector, boot.LoadAddress)
	if err != nil {
		return nil, err
	}

	var stage bytes.Buffer
	if _, err := d.ReadPartitionContents(1, &stage); err != nil {
		return nil, fmt.Errorf("diskimage: read stage: %w", err)
	}
	return &Contents{
		Boot:         img,
		Stage:        stage.Bytes(),
		StageAddress: boot.LoadAddress + p.Start*boot.SectorSize,
	}, nil
}
