// ABOUTME: Object and unique identifiers for versioned entities
// ABOUTME: ObjectID names an entity for its lifetime, UniqueID names one stored row

package ids

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nainya/bitemporal/pkg/sentinel"
)

// Separator joins the parts of the string form of an identifier.
const Separator = "~"

// ObjectID identifies one logical entity across all of its versions.
type ObjectID struct {
	Scheme string
	Value  string
}

// NewObjectID creates an ObjectID, rejecting empty parts and parts that
// contain the separator.
func NewObjectID(scheme, value string) (ObjectID, error) {
	oid := ObjectID{Scheme: scheme, Value: value}
	if err := oid.Validate(); err != nil {
		return ObjectID{}, err
	}
	return oid, nil
}

// MustObjectID is NewObjectID for literals known to be valid.
func MustObjectID(scheme, value string) ObjectID {
	oid, err := NewObjectID(scheme, value)
	if err != nil {
		panic(err)
	}
	return oid
}

// ParseObjectID parses "Scheme~Value".
func ParseObjectID(s string) (ObjectID, error) {
	parts := strings.Split(s, Separator)
	if len(parts) != 2 {
		return ObjectID{}, fmt.Errorf("%w: malformed object id %q", sentinel.ErrValidation, s)
	}
	return NewObjectID(parts[0], parts[1])
}

// Validate checks that both parts are present and separator free.
func (o ObjectID) Validate() error {
	if err := checkPart("scheme", o.Scheme); err != nil {
		return err
	}
	return checkPart("value", o.Value)
}

// IsZero reports whether o is the zero ObjectID.
func (o ObjectID) IsZero() bool {
	return o.Scheme == "" && o.Value == ""
}

// AtVersion returns the UniqueID of one stored row of this object.
func (o ObjectID) AtVersion(version string) UniqueID {
	return UniqueID{Scheme: o.Scheme, Value: o.Value, Version: version}
}

// AtLatest returns the unversioned UniqueID of this object.
func (o ObjectID) AtLatest() UniqueID {
	return UniqueID{Scheme: o.Scheme, Value: o.Value}
}

func (o ObjectID) String() string {
	return o.Scheme + Separator + o.Value
}

// Compare orders ObjectIDs by scheme, then value. Values that are both
// decimal integers compare numerically so that store-allocated ids sort in
// allocation order, matching an integer ORDER BY in SQL.
func (o ObjectID) Compare(other ObjectID) int {
	if c := strings.Compare(o.Scheme, other.Scheme); c != 0 {
		return c
	}
	a, errA := strconv.ParseInt(o.Value, 10, 64)
	b, errB := strconv.ParseInt(other.Value, 10, 64)
	if errA == nil && errB == nil {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(o.Value, other.Value)
}

// UniqueID identifies one stored row: an ObjectID plus a version token.
// An empty Version means "the object, latest version".
type UniqueID struct {
	Scheme  string
	Value   string
	Version string
}

// ParseUniqueID parses "Scheme~Value" or "Scheme~Value~Version".
func ParseUniqueID(s string) (UniqueID, error) {
	parts := strings.Split(s, Separator)
	switch len(parts) {
	case 2:
		oid, err := NewObjectID(parts[0], parts[1])
		if err != nil {
			return UniqueID{}, err
		}
		return oid.AtLatest(), nil
	case 3:
		oid, err := NewObjectID(parts[0], parts[1])
		if err != nil {
			return UniqueID{}, err
		}
		if err := checkPart("version", parts[2]); err != nil {
			return UniqueID{}, err
		}
		return oid.AtVersion(parts[2]), nil
	default:
		return UniqueID{}, fmt.Errorf("%w: malformed unique id %q", sentinel.ErrValidation, s)
	}
}

// ObjectID strips the version.
func (u UniqueID) ObjectID() ObjectID {
	return ObjectID{Scheme: u.Scheme, Value: u.Value}
}

// IsVersioned reports whether u names an exact row.
func (u UniqueID) IsVersioned() bool {
	return u.Version != ""
}

// ToLatest strips the version, keeping the UniqueID type.
func (u UniqueID) ToLatest() UniqueID {
	return u.ObjectID().AtLatest()
}

// Validate checks the object part and, when present, the version part.
func (u UniqueID) Validate() error {
	if err := u.ObjectID().Validate(); err != nil {
		return err
	}
	if u.Version != "" && strings.Contains(u.Version, Separator) {
		return fmt.Errorf("%w: version %q contains %q", sentinel.ErrValidation, u.Version, Separator)
	}
	return nil
}

func (u UniqueID) String() string {
	if u.Version == "" {
		return u.ObjectID().String()
	}
	return u.ObjectID().String() + Separator + u.Version
}

func checkPart(name, s string) error {
	if s == "" {
		return fmt.Errorf("%w: %s must not be empty", sentinel.ErrValidation, name)
	}
	if strings.Contains(s, Separator) {
		return fmt.Errorf("%w: %s %q contains %q", sentinel.ErrValidation, name, s, Separator)
	}
	return nil
}
