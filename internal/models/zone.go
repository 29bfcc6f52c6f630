package models

// Zone is an anatomical label of the zonal segmentation
type Zone uint8

const (
	Background Zone = iota
	PZ
	CZ
	TZ
	AFS
	Urethra
)

// NumZones is the size of the label set
const NumZones = 6

var zoneNames = [NumZones]string{"background", "PZ", "CZ", "TZ", "AFS", "Urethra"}

// archiveKeys are the array names of the per-zone masks in prepared archives
var archiveKeys = [NumZones]string{"seg_bg", "seg_pz", "seg_cz", "seg_tz", "seg_afs", "seg_u"}

func (z Zone) String() string {
	if int(z) < NumZones {
		return zoneNames[z]
	}
	return "unknown"
}

// ArchiveKey returns the array name used for this zone's mask
func (z Zone) ArchiveKey() string {
	return archiveKeys[z]
}

// Zones lists every label in channel order
func Zones() []Zone {
	return []Zone{Background, PZ, CZ, TZ, AFS, Urethra}
}

// GlandZones lists the zones that compete for unclaimed prostate voxels, in
// tie-break priority order
func GlandZones() []Zone {
	return []Zone{PZ, CZ, TZ, AFS}
}
