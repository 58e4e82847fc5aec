package dicom

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
)

func TestParseTag(t *testing.T) {
	tests := []struct {
		in      string
		want    Tag
		wantErr bool
	}{
		{"00100010", TagPatientName, false},
		{"0010,0010", TagPatientName, false},
		{"(0020,000D)", TagStudyInstanceUID, false},
		{"0020 000e", TagSeriesInstanceUID, false},
		{"0010001", 0, true},
		{"0010001G", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTag(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTag(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTag(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestTagProperties(t *testing.T) {
	tag := NewTag(0x0009, 0x1001)
	if !tag.IsPrivate() {
		t.Error("odd group should be private")
	}
	if TagPatientName.IsPrivate() {
		t.Error("0010 is a standard group")
	}
	if got := tag.Path(); got != "00091001" {
		t.Errorf("Path = %q", got)
	}
	if got := TagStudyInstanceUID.String(); got != "(0020,000D)" {
		t.Errorf("String = %q", got)
	}
}

func TestDatasetOrderingAndReplace(t *testing.T) {
	d := NewDataset()
	d.SetString(TagStudyInstanceUID, VRUI, "1.2")
	d.SetString(TagPatientName, VRPN, "Doe^John")
	d.SetString(TagModality, VRCS, "CT")
	d.SetString(TagModality, VRCS, "MR")

	if d.Len() != 3 {
		t.Fatalf("Len = %d, want 3", d.Len())
	}
	elems := d.Elements()
	for i := 1; i < len(elems); i++ {
		if elems[i-1].Tag >= elems[i].Tag {
			t.Fatalf("elements not sorted: %s before %s", elems[i-1].Tag, elems[i].Tag)
		}
	}
	if v, _ := d.SingleString(TagModality, ""); v != "MR" {
		t.Errorf("Modality = %q, want MR", v)
	}
}

func TestPrivateCreatorDistinguishesElements(t *testing.T) {
	tag := NewTag(0x0009, 0x1001)
	d := NewDataset(
		Element{Tag: tag, VR: VRLO, PrivateCreator: "VENDOR A", Values: []string{"a"}},
		Element{Tag: tag, VR: VRLO, PrivateCreator: "VENDOR B", Values: []string{"b"}},
	)
	if v, ok := d.SingleString(tag, "VENDOR B"); !ok || v != "b" {
		t.Errorf("VENDOR B = %q, %v", v, ok)
	}
	if _, ok := d.SingleString(tag, ""); ok {
		t.Error("private element should not match empty creator")
	}
}

func TestExtractors(t *testing.T) {
	d := NewDataset()
	d.SetString(TagStudyDate, VRDA, "20240131")
	d.SetString(NewTag(0x0020, 0x0013), VRIS, " 42 ")
	d.SetString(NewTag(0x0018, 0x0050), VRDS, "1.25")
	d.SetString(NewTag(0x0018, 0x0088), VRDS, "abc")
	d.Set(Element{Tag: TagAccessionNumber, VR: VRSH, Values: []string{""}})

	date, ok, err := d.SingleDate(TagStudyDate, "")
	if err != nil || !ok {
		t.Fatalf("SingleDate: %v, %v", ok, err)
	}
	if !date.Equal(time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date = %v", date)
	}

	n, ok, err := d.SingleInt64(NewTag(0x0020, 0x0013), "")
	if err != nil || !ok || n != 42 {
		t.Errorf("SingleInt64 = %d, %v, %v", n, ok, err)
	}

	f, ok, err := d.SingleFloat64(NewTag(0x0018, 0x0050), "")
	if err != nil || !ok || f != 1.25 {
		t.Errorf("SingleFloat64 = %v, %v, %v", f, ok, err)
	}

	if _, _, err := d.SingleFloat64(NewTag(0x0018, 0x0088), ""); !errors.Is(err, fault.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}

	if _, ok := d.SingleString(TagAccessionNumber, ""); ok {
		t.Error("empty value should be reported absent")
	}
	if _, ok, err := d.SingleDate(TagPerformedProcedureStepStartDate, ""); ok || err != nil {
		t.Errorf("absent date: ok=%v err=%v", ok, err)
	}
}

func TestValidateUID(t *testing.T) {
	valid := []string{"1", "1.2.840.10008.1.2", strings.Repeat("1", 64)}
	for _, uid := range valid {
		if err := ValidateUID("uid", uid); err != nil {
			t.Errorf("ValidateUID(%q): %v", uid, err)
		}
	}
	invalid := []string{"", ".1", "1.", "1..2", "1.2a", strings.Repeat("1", 65)}
	for _, uid := range invalid {
		if err := ValidateUID("uid", uid); !errors.Is(err, fault.ErrValidation) {
			t.Errorf("ValidateUID(%q) = %v, want validation error", uid, err)
		}
	}
}

func TestInstanceIdentifier(t *testing.T) {
	d := NewDataset()
	d.SetString(TagStudyInstanceUID, VRUI, "1.2.3")
	d.SetString(TagSeriesInstanceUID, VRUI, "1.2.3.4")
	if _, err := d.InstanceIdentifier(); !errors.Is(err, fault.ErrValidation) {
		t.Fatalf("missing SOP UID: got %v", err)
	}
	d.SetString(TagSOPInstanceUID, VRUI, "1.2.3.4.5")
	id, err := d.InstanceIdentifier()
	if err != nil {
		t.Fatalf("InstanceIdentifier: %v", err)
	}
	if id.String() != "1.2.3/1.2.3.4/1.2.3.4.5" {
		t.Errorf("id = %s", id)
	}
}

func TestJSONModel(t *testing.T) {
	src := `{
		"0020000D": {"vr": "UI", "Value": ["1.2"]},
		"00100010": {"vr": "PN", "Value": [{"Alphabetic": "Doe^Jane"}]},
		"00200013": {"vr": "IS", "Value": [7]},
		"00091001": {"vr": "LO", "Value": ["secret"]},
		"00090010": {"vr": "LO", "Value": ["ACME"]},
		"7FE00010": {"vr": "OB", "BulkDataURI": "http://example/bulk"}
	}`
	var d Dataset
	if err := json.Unmarshal([]byte(src), &d); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if v, _ := d.SingleString(TagPatientName, ""); v != "Doe^Jane" {
		t.Errorf("PatientName = %q", v)
	}
	if n, ok, _ := d.SingleInt64(NewTag(0x0020, 0x0013), ""); !ok || n != 7 {
		t.Errorf("InstanceNumber = %d", n)
	}
	if v, ok := d.SingleString(NewTag(0x0009, 0x1001), "ACME"); !ok || v != "secret" {
		t.Errorf("private element = %q, %v", v, ok)
	}
	if _, ok := d.Get(NewTag(0x7FE0, 0x0010)); !ok {
		t.Error("bulk data element should be kept without values")
	}

	out, err := json.Marshal(&d)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, want := range []string{`"00200013":{"vr":"IS","Value":[7]}`, `{"Alphabetic":"Doe^Jane"}`} {
		if !strings.Contains(string(out), want) {
			t.Errorf("output %s missing %s", out, want)
		}
	}
}
