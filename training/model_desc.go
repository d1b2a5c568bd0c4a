package training

import (
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// ModelDescription is the validated description of a model's graph boundary:
// its named inputs and outputs with their (possibly symbolic) shapes.
type ModelDescription struct {
	Inputs  []InputDescription
	Outputs []OutputDescription
}

// InputDescription names one model input and its shape.
type InputDescription struct {
	Name  string
	Shape []Dim
}

// OutputDescription names one model output. At most one output may be marked
// as the loss.
type OutputDescription struct {
	Name   string
	Shape  []Dim
	IsLoss bool
}

// Dim is one axis of a shape: either a fixed positive size (Value) or a
// symbolic axis name (Param). Exactly one of the two is set.
type Dim struct {
	Param string
	Value int
}

// IsSymbolic reports whether the axis is named rather than fixed.
func (d Dim) IsSymbolic() bool {
	return d.Param != ""
}

// DescError aggregates every violation found in a model description, keyed
// by section ("inputs"/"outputs") and entry index. Violations against the
// section itself, rather than one of its entries, are stored under
// SectionIndex. The caller receives one error covering all invalid fields,
// not just the first.
type DescError struct {
	Violations map[string]map[int][]string
}

// SectionIndex keys section-level violations in DescError.Violations,
// keeping them apart from violations against entry 0.
const SectionIndex = -1

func (e *DescError) Error() string {
	sections := make([]string, 0, len(e.Violations))
	for s := range e.Violations {
		sections = append(sections, s)
	}
	sort.Strings(sections)

	var sb strings.Builder
	sb.WriteString("invalid model description: ")
	first := true
	for _, section := range sections {
		indexes := make([]int, 0, len(e.Violations[section]))
		for i := range e.Violations[section] {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			for _, msg := range e.Violations[section][i] {
				if !first {
					sb.WriteString("; ")
				}
				first = false
				if i == SectionIndex {
					sb.WriteString(fmt.Sprintf("%s: %s", section, msg))
				} else {
					sb.WriteString(fmt.Sprintf("%s[%d]: %s", section, i, msg))
				}
			}
		}
	}
	return sb.String()
}

func (e *DescError) add(section string, index int, msg string) {
	if e.Violations[section] == nil {
		e.Violations[section] = map[int][]string{}
	}
	e.Violations[section][index] = append(e.Violations[section][index], msg)
}

func (e *DescError) empty() bool {
	return len(e.Violations) == 0
}

// NewModelDescription validates a raw model description of the form
//
//	{"inputs":  [["in0", [32, "seq_len"]], ...],
//	 "outputs": [["loss", [], true], ...]}
//
// where each entry is a tuple-like list of (name, shape) for inputs and
// (name, shape, is_loss) for outputs. Every violation across both sections
// is collected into a single *DescError.
func NewModelDescription(raw map[string]any) (*ModelDescription, error) {
	verr := &DescError{Violations: map[string]map[int][]string{}}

	desc := &ModelDescription{}
	for _, entry := range descEntries(raw, "inputs", verr) {
		desc.Inputs = append(desc.Inputs, InputDescription{Name: entry.name, Shape: entry.shape})
	}

	lossSeen := false
	for _, entry := range descEntries(raw, "outputs", verr) {
		if entry.isLoss {
			if lossSeen {
				verr.add("outputs", entry.index, "only one output can be marked as loss")
			}
			lossSeen = true
		}
		desc.Outputs = append(desc.Outputs, OutputDescription{Name: entry.name, Shape: entry.shape, IsLoss: entry.isLoss})
	}

	if !verr.empty() {
		return nil, verr
	}
	return desc, nil
}

// ModelDescriptionFromProto validates a model description delivered as a
// protobuf Struct.
func ModelDescriptionFromProto(s *structpb.Struct) (*ModelDescription, error) {
	if s == nil {
		return NewModelDescription(nil)
	}
	return NewModelDescription(s.AsMap())
}

type descEntry struct {
	index  int
	name   string
	shape  []Dim
	isLoss bool
}

func descEntries(raw map[string]any, section string, verr *DescError) []descEntry {
	value, ok := raw[section]
	if !ok || value == nil {
		return nil
	}
	list, ok := value.([]any)
	if !ok {
		verr.add(section, SectionIndex, "section must be a list of (name, shape) entries")
		return nil
	}

	entries := make([]descEntry, 0, len(list))
	for i, item := range list {
		tuple, ok := item.([]any)
		if !ok {
			verr.add(section, i, "entry must be a (name, shape) list")
			continue
		}

		// Every field is checked independently so one bad field does not
		// hide violations in the others.
		entry := descEntry{index: i}

		if len(tuple) < 1 {
			verr.add(section, i, "name must be a string")
		} else if name, ok := tuple[0].(string); ok {
			entry.name = name
		} else {
			verr.add(section, i, "name must be a string")
		}

		if len(tuple) < 2 {
			verr.add(section, i, "shape must be a list")
		} else if shape, ok := tuple[1].([]any); ok {
			dims, dimErrs := parseShape(shape)
			for _, msg := range dimErrs {
				verr.add(section, i, msg)
			}
			entry.shape = dims
		} else {
			verr.add(section, i, "shape must be a list")
		}

		if len(tuple) >= 3 {
			if section != "outputs" {
				verr.add(section, i, "is_loss is only valid for outputs")
			} else if isLoss, ok := tuple[2].(bool); ok {
				entry.isLoss = isLoss
			} else {
				verr.add(section, i, "is_loss must be a boolean")
			}
		}
		if len(tuple) > 3 {
			verr.add(section, i, "entry has too many elements")
		}

		entries = append(entries, entry)
	}
	return entries
}

func parseShape(shape []any) ([]Dim, []string) {
	dims := make([]Dim, 0, len(shape))
	var msgs []string
	for _, axis := range shape {
		if param, ok := axis.(string); ok {
			dims = append(dims, Dim{Param: param})
			continue
		}
		if n, ok := intValue(axis); ok {
			if n <= 0 {
				msgs = append(msgs, "fixed shape values must be positive")
				continue
			}
			dims = append(dims, Dim{Value: n})
			continue
		}
		msgs = append(msgs, "each shape element must be either a string or an integer")
	}
	return dims, msgs
}
