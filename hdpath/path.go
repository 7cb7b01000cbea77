// Package hdpath parses and renders hierarchical derivation paths whose
// segments may carry a human readable label, e.g.
//
//	m/schema:1'/recovery:1'/34/56
//
// Labels are part of a path's identity, but never of its structure: two
// paths that only differ in labels derive the same keys.
package hdpath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

const (
	separator      = "/"
	labelSeparator = ":"

	// MaxIndex is the largest index a child number may carry. The
	// hardened flag is kept apart from the index.
	MaxIndex = hdkeychain.HardenedKeyStart - 1
)

var (
	// ErrInvalidDerivationPath is returned when a path string does not
	// follow the path grammar.
	ErrInvalidDerivationPath = errors.New("invalid derivation path")

	// ErrNotAPrefix is returned when a relative suffix is requested from
	// a path that does not start with the given base.
	ErrNotAPrefix = errors.New("base path is not a prefix")
)

// Root identifies the origin a path is anchored at.
type Root uint8

const (
	// RootMaster anchors a path at the master key of a tree.
	RootMaster Root = iota

	// RootClientKey anchors a path at the client key of a wallet.
	RootClientKey
)

// String returns the token used to write the root in a path.
func (r Root) String() string {
	switch r {
	case RootMaster:
		return "m"
	case RootClientKey:
		return "client-key"
	default:
		return fmt.Sprintf("Root(%d)", uint8(r))
	}
}

func parseRoot(token string) (Root, bool) {
	switch token {
	case "m":
		return RootMaster, true
	case "client-key":
		return RootClientKey, true
	default:
		return 0, false
	}
}

// ChildNumber is a single step in a derivation path.
type ChildNumber struct {
	Index    uint32
	Hardened bool
	Label    string
}

// KeyIndex returns the index as understood by BIP32, with the hardened
// offset applied.
func (c ChildNumber) KeyIndex() uint32 {
	if c.Hardened {
		return c.Index + hdkeychain.HardenedKeyStart
	}
	return c.Index
}

// SameStructure reports whether both child numbers derive the same key,
// regardless of their labels.
func (c ChildNumber) SameStructure(other ChildNumber) bool {
	return c.Index == other.Index && c.Hardened == other.Hardened
}

// Canonical renders the child number without its label.
func (c ChildNumber) Canonical() string {
	s := strconv.FormatUint(uint64(c.Index), 10)
	if c.Hardened {
		s += "'"
	}
	return s
}

// String renders the child number including its label, if any.
func (c ChildNumber) String() string {
	if c.Label == "" {
		return c.Canonical()
	}
	return c.Label + labelSeparator + c.Canonical()
}

// Path is an immutable sequence of child numbers anchored at a root.
type Path struct {
	root     Root
	children []ChildNumber
}

// New builds a path from a root and its children.
func New(root Root, children ...ChildNumber) Path {
	return Path{
		root:     root,
		children: append([]ChildNumber(nil), children...),
	}
}

// Master returns the path of the master key, "m".
func Master() Path {
	return Path{root: RootMaster}
}

// Parse reads a path in the form root('/'segment)*, where each segment is
// [label:]index and a trailing ', h or H marks the segment as hardened.
func Parse(text string) (Path, error) {
	if text == "" {
		return Path{}, fmt.Errorf("%w: empty path", ErrInvalidDerivationPath)
	}

	tokens := strings.Split(text, separator)

	root, ok := parseRoot(tokens[0])
	if !ok {
		return Path{}, fmt.Errorf("%w: unknown root %q",
			ErrInvalidDerivationPath, tokens[0])
	}

	children := make([]ChildNumber, 0, len(tokens)-1)
	for _, token := range tokens[1:] {
		child, err := parseSegment(token)
		if err != nil {
			return Path{}, fmt.Errorf("%w: segment %q of %q: %v",
				ErrInvalidDerivationPath, token, text, err)
		}
		children = append(children, child)
	}

	return Path{root: root, children: children}, nil
}

// MustParse is like Parse but panics on malformed input. It is meant for
// paths known at compile time.
func MustParse(text string) Path {
	path, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return path
}

// IsValid reports whether text is a well formed path.
func IsValid(text string) bool {
	_, err := Parse(text)
	return err == nil
}

func parseSegment(token string) (ChildNumber, error) {
	if token == "" {
		return ChildNumber{}, errors.New("empty segment")
	}

	var child ChildNumber

	if i := strings.Index(token, labelSeparator); i >= 0 {
		child.Label = token[:i]
		token = token[i+1:]
		if !isValidLabel(child.Label) {
			return ChildNumber{}, fmt.Errorf("bad label %q", child.Label)
		}
	}

	switch {
	case strings.HasSuffix(token, "'"),
		strings.HasSuffix(token, "h"),
		strings.HasSuffix(token, "H"):

		child.Hardened = true
		token = token[:len(token)-1]
	}

	if token == "" || token[0] == '+' || token[0] == '-' {
		return ChildNumber{}, errors.New("missing index")
	}

	index, err := strconv.ParseUint(token, 10, 32)
	if err != nil {
		return ChildNumber{}, fmt.Errorf("bad index: %v", err)
	}
	if index > MaxIndex {
		return ChildNumber{}, fmt.Errorf("index %d out of range", index)
	}
	child.Index = uint32(index)

	return child, nil
}

func isValidLabel(label string) bool {
	if label == "" {
		return false
	}
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// Root returns the origin of the path.
func (p Path) Root() Root {
	return p.root
}

// IsAbsolute reports whether the path starts at the master key.
func (p Path) IsAbsolute() bool {
	return p.root == RootMaster
}

// Depth is the number of child numbers in the path.
func (p Path) Depth() int {
	return len(p.children)
}

// Children returns a copy of the child numbers of the path.
func (p Path) Children() []ChildNumber {
	return append([]ChildNumber(nil), p.children...)
}

// Last returns the final child number, if the path has any.
func (p Path) Last() (ChildNumber, bool) {
	if len(p.children) == 0 {
		return ChildNumber{}, false
	}
	return p.children[len(p.children)-1], true
}

// Append returns a new path extended with the given child numbers.
func (p Path) Append(children ...ChildNumber) Path {
	out := make([]ChildNumber, 0, len(p.children)+len(children))
	out = append(out, p.children...)
	out = append(out, children...)

	return Path{root: p.root, children: out}
}

// Child returns the path of an unlabeled child.
func (p Path) Child(index uint32, hardened bool) Path {
	return p.Append(ChildNumber{Index: index, Hardened: hardened})
}

// LabeledChild returns the path of a labeled child.
func (p Path) LabeledChild(label string, index uint32, hardened bool) Path {
	return p.Append(ChildNumber{Index: index, Hardened: hardened, Label: label})
}

// Join appends a relative suffix written without a root, e.g. "1/2'".
func (p Path) Join(relative string) (Path, error) {
	if relative == "" {
		return p, nil
	}

	suffix, err := Parse(RootMaster.String() + separator + relative)
	if err != nil {
		return Path{}, err
	}

	return p.Append(suffix.children...), nil
}

// Parent returns the path without its final child number.
func (p Path) Parent() (Path, bool) {
	if len(p.children) == 0 {
		return Path{}, false
	}
	return New(p.root, p.children[:len(p.children)-1]...), true
}

// String renders the path with labels.
func (p Path) String() string {
	return p.render(ChildNumber.String)
}

// Canonical renders the path without labels. Paths that derive the same
// key share the same canonical form.
func (p Path) Canonical() string {
	return p.render(ChildNumber.Canonical)
}

func (p Path) render(segment func(ChildNumber) string) string {
	var b strings.Builder
	b.WriteString(p.root.String())
	for _, child := range p.children {
		b.WriteString(separator)
		b.WriteString(segment(child))
	}
	return b.String()
}

// Equal reports whether both paths are identical, labels included.
func (p Path) Equal(other Path) bool {
	if p.root != other.root || len(p.children) != len(other.children) {
		return false
	}
	for i := range p.children {
		if p.children[i] != other.children[i] {
			return false
		}
	}
	return true
}

// SameStructure reports whether both paths derive the same key.
func (p Path) SameStructure(other Path) bool {
	return len(p.children) == len(other.children) && p.IsPrefixOf(other)
}

// IsPrefixOf reports whether other starts with the child numbers of p.
// Labels are ignored. A path is a prefix of itself.
func (p Path) IsPrefixOf(other Path) bool {
	if p.root != other.root || len(p.children) > len(other.children) {
		return false
	}
	for i := range p.children {
		if !p.children[i].SameStructure(other.children[i]) {
			return false
		}
	}
	return true
}

// IndexesFrom returns the child numbers of p that follow base.
func (p Path) IndexesFrom(base Path) ([]ChildNumber, error) {
	if !base.IsPrefixOf(p) {
		return nil, fmt.Errorf("%w: %s is not a prefix of %s",
			ErrNotAPrefix, base.Canonical(), p.Canonical())
	}
	return append([]ChildNumber(nil), p.children[len(base.children):]...), nil
}
