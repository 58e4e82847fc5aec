package dicom

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
)

// Element is one attribute of a dataset. Values are kept in their string
// form; typed access goes through the Single* extractors.
type Element struct {
	Tag            Tag      `msgpack:"t" json:"-"`
	VR             VR       `msgpack:"v" json:"-"`
	PrivateCreator string   `msgpack:"p,omitempty" json:"-"`
	Values         []string `msgpack:"x,omitempty" json:"-"`
}

// Dataset is an attribute set ordered by tag. The zero value is empty and
// ready to use. A Dataset is not safe for concurrent mutation.
type Dataset struct {
	elems []Element
}

// NewDataset returns a dataset holding elems. Later duplicates win.
func NewDataset(elems ...Element) *Dataset {
	d := &Dataset{}
	for _, e := range elems {
		d.Set(e)
	}
	return d
}

func compareKey(e Element, tag Tag, creator string) int {
	if c := cmp.Compare(e.Tag, tag); c != 0 {
		return c
	}
	return strings.Compare(e.PrivateCreator, creator)
}

// Set inserts or replaces the element with the same tag and private creator.
func (d *Dataset) Set(e Element) {
	i, found := slices.BinarySearchFunc(d.elems, e, func(a, b Element) int {
		return compareKey(a, b.Tag, b.PrivateCreator)
	})
	if found {
		d.elems[i] = e
		return
	}
	d.elems = slices.Insert(d.elems, i, e)
}

// SetString is shorthand for Set with a single value.
func (d *Dataset) SetString(tag Tag, vr VR, value string) {
	d.Set(Element{Tag: tag, VR: vr, Values: []string{value}})
}

// Find returns the element for tag owned by privateCreator ("" for standard tags).
func (d *Dataset) Find(tag Tag, privateCreator string) (Element, bool) {
	if d == nil {
		return Element{}, false
	}
	i, found := slices.BinarySearchFunc(d.elems, tag, func(a Element, t Tag) int {
		return compareKey(a, t, privateCreator)
	})
	if !found {
		return Element{}, false
	}
	return d.elems[i], true
}

// Get returns the standard element for tag.
func (d *Dataset) Get(tag Tag) (Element, bool) { return d.Find(tag, "") }

// Len returns the number of elements.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.elems)
}

// Elements returns a copy of the elements in tag order.
func (d *Dataset) Elements() []Element {
	if d == nil {
		return nil
	}
	return slices.Clone(d.elems)
}

// Clone returns a deep copy.
func (d *Dataset) Clone() *Dataset {
	if d == nil {
		return nil
	}
	elems := make([]Element, len(d.elems))
	for i, e := range d.elems {
		e.Values = slices.Clone(e.Values)
		elems[i] = e
	}
	return &Dataset{elems: elems}
}

// first returns the first non-empty value of the element, VM=1 assumed.
func (d *Dataset) first(tag Tag, creator string) (Element, string, bool) {
	e, ok := d.Find(tag, creator)
	if !ok || len(e.Values) == 0 {
		return e, "", false
	}
	v := strings.TrimSpace(e.Values[0])
	if v == "" {
		return e, "", false
	}
	return e, v, true
}

// SingleString returns the first value of a textual attribute.
func (d *Dataset) SingleString(tag Tag, creator string) (string, bool) {
	_, v, ok := d.first(tag, creator)
	return v, ok
}

// SingleInt64 returns the first value of an integer attribute.
func (d *Dataset) SingleInt64(tag Tag, creator string) (int64, bool, error) {
	_, v, ok := d.first(tag, creator)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false, fault.Validation("dicom.int", "attribute %s: value %q is not an integer", tag, v)
	}
	return n, true, nil
}

// SingleFloat64 returns the first value of a decimal attribute.
func (d *Dataset) SingleFloat64(tag Tag, creator string) (float64, bool, error) {
	_, v, ok := d.first(tag, creator)
	if !ok {
		return 0, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fault.Validation("dicom.float", "attribute %s: value %q is not a number", tag, v)
	}
	return f, true, nil
}

// DateLayout is the DA value layout.
const DateLayout = "20060102"

// SingleDate returns the first value of a DA attribute as a UTC date.
func (d *Dataset) SingleDate(tag Tag, creator string) (time.Time, bool, error) {
	_, v, ok := d.first(tag, creator)
	if !ok {
		return time.Time{}, false, nil
	}
	t, err := time.ParseInLocation(DateLayout, v, time.UTC)
	if err != nil {
		return time.Time{}, false, fault.Validation("dicom.date", "attribute %s: value %q is not a DA date", tag, v)
	}
	return t, true, nil
}
