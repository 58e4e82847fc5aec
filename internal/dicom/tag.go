// Package dicom holds the attribute-set model the archive core operates on:
// tags, value representations, datasets and instance identifiers.
//
// Parsing the binary wire format is out of scope. Callers hand the core a
// Dataset that was already extracted from the content stream, typically via
// the DICOM JSON model implemented in json.go.
package dicom

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag is a DICOM attribute tag, group in the high 16 bits.
type Tag uint32

// NewTag builds a Tag from its group and element numbers.
func NewTag(group, element uint16) Tag {
	return Tag(uint32(group)<<16 | uint32(element))
}

// Group returns the tag's group number.
func (t Tag) Group() uint16 { return uint16(t >> 16) }

// Element returns the tag's element number.
func (t Tag) Element() uint16 { return uint16(t) }

// IsPrivate reports whether the tag belongs to an odd (private) group.
func (t Tag) IsPrivate() bool { return t.Group()%2 == 1 }

// Path returns the canonical attribute path: eight upper-case hex digits.
func (t Tag) Path() string { return fmt.Sprintf("%08X", uint32(t)) }

func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group(), t.Element())
}

// ParseTag accepts "00100010", "0010,0010", "(0010,0010)" and "0010 0010".
func ParseTag(s string) (Tag, error) {
	clean := strings.NewReplacer("(", "", ")", "", ",", "", " ", "").Replace(strings.TrimSpace(s))
	if len(clean) != 8 {
		return 0, fmt.Errorf("tag %q: want 8 hex digits", s)
	}
	v, err := strconv.ParseUint(clean, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("tag %q: %w", s, err)
	}
	return Tag(v), nil
}

// Well-known tags.
const (
	TagSOPInstanceUID                  Tag = 0x00080018
	TagStudyDate                       Tag = 0x00080020
	TagAccessionNumber                 Tag = 0x00080050
	TagModality                        Tag = 0x00080060
	TagReferringPhysicianName          Tag = 0x00080090
	TagStudyDescription                Tag = 0x00081030
	TagPatientName                     Tag = 0x00100010
	TagPatientID                       Tag = 0x00100020
	TagStudyInstanceUID                Tag = 0x0020000D
	TagSeriesInstanceUID               Tag = 0x0020000E
	TagPerformedProcedureStepStartDate Tag = 0x00400244
)

// VR is a two-letter value representation code.
type VR string

const (
	VRAE VR = "AE"
	VRAS VR = "AS"
	VRCS VR = "CS"
	VRDA VR = "DA"
	VRDS VR = "DS"
	VRDT VR = "DT"
	VRFD VR = "FD"
	VRFL VR = "FL"
	VRIS VR = "IS"
	VRLO VR = "LO"
	VRLT VR = "LT"
	VRPN VR = "PN"
	VRSH VR = "SH"
	VRSL VR = "SL"
	VRSQ VR = "SQ"
	VRSS VR = "SS"
	VRST VR = "ST"
	VRTM VR = "TM"
	VRUI VR = "UI"
	VRUL VR = "UL"
	VRUS VR = "US"
)

// Numeric reports whether values of this VR are encoded as JSON numbers.
func (v VR) Numeric() bool {
	switch v {
	case VRDS, VRFD, VRFL, VRIS, VRSL, VRSS, VRUL, VRUS:
		return true
	}
	return false
}
