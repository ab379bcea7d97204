package cloudlet

import "fmt"

// ImageKind tells apart the two images that make up a VM
type ImageKind uint8

const (
	// ImageMemory is the memory snapshot. It sorts first: a guest can't
	// resume before its memory is there.
	ImageMemory ImageKind = 1
	// ImageDisk is the disk image
	ImageDisk ImageKind = 2
)

// ImageKinds lists every image kind, in materialization order
var ImageKinds = []ImageKind{ImageMemory, ImageDisk}

func (k ImageKind) String() string {
	switch k {
	case ImageMemory:
		return "memory"
	case ImageDisk:
		return "disk"
	default:
		return fmt.Sprintf("image(%d)", uint8(k))
	}
}

// Valid returns true for the kinds listed in ImageKinds
func (k ImageKind) Valid() bool {
	return k == ImageMemory || k == ImageDisk
}
