package types

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrInvalidLabelSet is returned when a label set cannot be constructed.
	ErrInvalidLabelSet = errors.New("invalid label set")
	// ErrUnknownLabel is returned when a lookup does not match any label.
	ErrUnknownLabel = errors.New("unknown label")
)

// Label is one member of a closed classification enumeration.
type Label struct {
	Index int
	Name  string
}

// Code is the integer the remote controller expects for this label.
func (l Label) Code() int {
	return l.Index + 1
}

// Wire returns the outbound payload for this label: the decimal text of Code.
func (l Label) Wire() []byte {
	return []byte(strconv.Itoa(l.Code()))
}

func (l Label) String() string {
	return l.Name
}

// LabelSet is an immutable, ordered enumeration of labels.
type LabelSet struct {
	labels []Label
	byName map[string]Label
}

// DefaultLabelNames are the four classes the sorting model was trained on.
var DefaultLabelNames = []string{"bottle", "glass_bottle", "iron", "paper"}

// NewLabelSet validates names and builds the enumeration. Index follows argument order.
func NewLabelSet(names ...string) (*LabelSet, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no labels", ErrInvalidLabelSet)
	}
	set := &LabelSet{
		labels: make([]Label, 0, len(names)),
		byName: make(map[string]Label, len(names)),
	}
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("%w: label %d is empty", ErrInvalidLabelSet, i)
		}
		if _, dup := set.byName[name]; dup {
			return nil, fmt.Errorf("%w: duplicate label %q", ErrInvalidLabelSet, name)
		}
		l := Label{Index: i, Name: name}
		set.labels = append(set.labels, l)
		set.byName[name] = l
	}
	return set, nil
}

// DefaultLabels returns the set built from DefaultLabelNames.
func DefaultLabels() *LabelSet {
	set, err := NewLabelSet(DefaultLabelNames...)
	if err != nil {
		panic(err)
	}
	return set
}

// Len returns the number of labels.
func (s *LabelSet) Len() int {
	return len(s.labels)
}

// ByIndex returns the label at index i.
func (s *LabelSet) ByIndex(i int) (Label, error) {
	if i < 0 || i >= len(s.labels) {
		return Label{}, fmt.Errorf("%w: index %d", ErrUnknownLabel, i)
	}
	return s.labels[i], nil
}

// ByName returns the label with the given name.
func (s *LabelSet) ByName(name string) (Label, error) {
	l, ok := s.byName[name]
	if !ok {
		return Label{}, fmt.Errorf("%w: %q", ErrUnknownLabel, name)
	}
	return l, nil
}

// ByCode maps a controller code back to its label.
func (s *LabelSet) ByCode(code int) (Label, error) {
	return s.ByIndex(code - 1)
}

// Names returns the label names in index order.
func (s *LabelSet) Names() []string {
	names := make([]string, len(s.labels))
	for i, l := range s.labels {
		names[i] = l.Name
	}
	return names
}
