package dicom

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// jsonAttr is one attribute in the DICOM JSON model.
type jsonAttr struct {
	VR    VR                `json:"vr"`
	Value []json.RawMessage `json:"Value,omitempty"`
}

type jsonPersonName struct {
	Alphabetic string `json:"Alphabetic,omitempty"`
}

// MarshalJSON encodes the dataset in the DICOM JSON model. Numeric VRs are
// written as JSON numbers and PN values as {"Alphabetic": ...} objects.
func (d *Dataset) MarshalJSON() ([]byte, error) {
	out := make(map[string]jsonAttr, d.Len())
	for _, e := range d.Elements() {
		attr := jsonAttr{VR: e.VR}
		for _, v := range e.Values {
			raw, err := encodeValue(e.VR, v)
			if err != nil {
				return nil, fmt.Errorf("attribute %s: %w", e.Tag, err)
			}
			attr.Value = append(attr.Value, raw)
		}
		out[e.Tag.Path()] = attr
	}
	return json.Marshal(out)
}

func encodeValue(vr VR, v string) (json.RawMessage, error) {
	switch {
	case vr == VRPN:
		return json.Marshal(jsonPersonName{Alphabetic: v})
	case vr.Numeric():
		n := json.Number(strings.TrimSpace(v))
		if _, err := n.Float64(); err != nil {
			return nil, fmt.Errorf("value %q is not numeric", v)
		}
		return json.Marshal(n)
	default:
		return json.Marshal(v)
	}
}

// UnmarshalJSON decodes the DICOM JSON model. Private data elements are
// attributed to the creator found in their group's reservation element.
func (d *Dataset) UnmarshalJSON(data []byte) error {
	var in map[string]jsonAttr
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	d.elems = d.elems[:0]
	for _, key := range slices.Sorted(maps.Keys(in)) {
		tag, err := ParseTag(key)
		if err != nil {
			return err
		}
		attr := in[key]
		e := Element{Tag: tag, VR: VR(strings.ToUpper(string(attr.VR)))}
		for _, raw := range attr.Value {
			v, err := decodeValue(raw)
			if err != nil {
				return fmt.Errorf("attribute %s: %w", tag, err)
			}
			e.Values = append(e.Values, v)
		}
		d.Set(e)
	}
	d.resolvePrivateCreators()
	return nil
}

func decodeValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0, bytes.Equal(raw, []byte("null")):
		return "", nil
	case raw[0] == '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case raw[0] == '{':
		var pn jsonPersonName
		err := json.Unmarshal(raw, &pn)
		return pn.Alphabetic, err
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", err
		}
		return n.String(), nil
	}
}

// resolvePrivateCreators sets PrivateCreator on private data elements
// (gggg,xxyy) from the reservation element (gggg,00xx).
func (d *Dataset) resolvePrivateCreators() {
	creators := make(map[Tag]string)
	for _, e := range d.elems {
		if e.Tag.IsPrivate() && e.Tag.Element() >= 0x10 && e.Tag.Element() <= 0xFF && len(e.Values) > 0 {
			creators[e.Tag] = strings.TrimSpace(e.Values[0])
		}
	}
	if len(creators) == 0 {
		return
	}
	elems := d.elems
	d.elems = nil
	for _, e := range elems {
		el := e.Tag.Element()
		if e.Tag.IsPrivate() && el >= 0x1000 && e.PrivateCreator == "" {
			e.PrivateCreator = creators[NewTag(e.Tag.Group(), el>>8)]
		}
		d.Set(e)
	}
}
