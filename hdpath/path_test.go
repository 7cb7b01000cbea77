package hdpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		valid     bool
		canonical string
	}{
		{"master", "m", true, "m"},
		{"bip32 vector with H", "m/0H/1/2H/2/1000000000", true, "m/0'/1/2'/2/1000000000"},
		{"bip32 vector with quote", "m/0'/1/2'/2/1000000000", true, "m/0'/1/2'/2/1000000000"},
		{"lower h", "m/44h/0h", true, "m/44'/0'"},
		{"labeled", "m/schema:1'/recovery:1'/34/56", true, "m/1'/1'/34/56"},
		{"client key root", "client-key/3/4'", true, "client-key/3/4'"},
		{"max index", "m/2147483647'", true, "m/2147483647'"},
		{"trailing separator", "m/", false, ""},
		{"empty", "", false, ""},
		{"no root", "0/1", false, ""},
		{"unknown root", "x/0", false, ""},
		{"empty segment", "m/1//2", false, ""},
		{"non numeric", "m/abc", false, ""},
		{"negative", "m/-1", false, ""},
		{"index overflow", "m/2147483648", false, ""},
		{"empty label", "m/:1", false, ""},
		{"label without index", "m/schema:", false, ""},
		{"bad label", "m/sch ema:1", false, ""},
		{"double hardened", "m/1''", false, ""},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path, err := Parse(test.text)
			if !test.valid {
				assert.ErrorIs(t, err, ErrInvalidDerivationPath)
				assert.False(t, IsValid(test.text))
				return
			}

			require.NoError(t, err)
			assert.True(t, IsValid(test.text))
			assert.Equal(t, test.canonical, path.Canonical())
		})
	}
}

func TestLabelsRoundTrip(t *testing.T) {
	path := MustParse("m/schema:1'/recovery:1'/34/56")

	assert.Equal(t, "m/schema:1'/recovery:1'/34/56", path.String())
	assert.Equal(t, 4, path.Depth())

	children := path.Children()
	assert.Equal(t, ChildNumber{Index: 1, Hardened: true, Label: "schema"}, children[0])
	assert.Equal(t, ChildNumber{Index: 34}, children[2])
	assert.Equal(t, uint32(0x80000001), children[1].KeyIndex())

	// Same structure, different labels.
	unlabeled := MustParse("m/1'/1'/34/56")
	assert.False(t, path.Equal(unlabeled))
	assert.True(t, path.SameStructure(unlabeled))
	assert.Equal(t, path.Canonical(), unlabeled.Canonical())
}

func TestIsPrefixOf(t *testing.T) {
	base := MustParse("m/schema:1'/recovery:1'")

	assert.True(t, base.IsPrefixOf(MustParse("m/1'/1'/2/3")))
	assert.True(t, base.IsPrefixOf(base))
	assert.True(t, Master().IsPrefixOf(base))
	assert.False(t, base.IsPrefixOf(MustParse("m/1'/1/2")))
	assert.False(t, base.IsPrefixOf(MustParse("m/1'")))
	assert.False(t, base.IsPrefixOf(MustParse("client-key/1'/1'/2")))

	rest, err := MustParse("m/1'/1'/2/3'").IndexesFrom(base)
	require.NoError(t, err)
	assert.Equal(t, []ChildNumber{{Index: 2}, {Index: 3, Hardened: true}}, rest)

	_, err = MustParse("m/2").IndexesFrom(base)
	assert.ErrorIs(t, err, ErrNotAPrefix)
}

func TestAppendDoesNotAlias(t *testing.T) {
	base := MustParse("m/1/2")
	left := base.Child(3, false)
	right := base.Child(4, true)

	assert.Equal(t, "m/1/2/3", left.String())
	assert.Equal(t, "m/1/2/4'", right.String())
	assert.Equal(t, "m/1/2", base.String())

	joined, err := base.Join("change:1/7'")
	require.NoError(t, err)
	assert.Equal(t, "m/1/2/change:1/7'", joined.String())

	parent, ok := joined.Parent()
	require.True(t, ok)
	assert.Equal(t, "m/1/2/change:1", parent.String())

	_, ok = Master().Parent()
	assert.False(t, ok)
}

func genChildNumber() *rapid.Generator[ChildNumber] {
	return rapid.Custom(func(t *rapid.T) ChildNumber {
		return ChildNumber{
			Index:    rapid.Uint32Range(0, MaxIndex).Draw(t, "index"),
			Hardened: rapid.Bool().Draw(t, "hardened"),
			Label:    rapid.StringMatching(`([a-z][a-z0-9-]{0,7})?`).Draw(t, "label"),
		}
	})
}

func TestPathRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		root := rapid.SampledFrom([]Root{RootMaster, RootClientKey}).Draw(t, "root")
		children := rapid.SliceOfN(genChildNumber(), 0, 8).Draw(t, "children")
		path := New(root, children...)

		parsed, err := Parse(path.String())
		if err != nil {
			t.Fatalf("parse %q: %v", path.String(), err)
		}
		if !parsed.Equal(path) {
			t.Fatalf("round trip mismatch: %q != %q", parsed, path)
		}

		canonical, err := Parse(parsed.Canonical())
		if err != nil {
			t.Fatalf("parse canonical %q: %v", parsed.Canonical(), err)
		}
		if !canonical.SameStructure(path) {
			t.Fatalf("canonical form changed structure of %q", path)
		}
		if canonical.Canonical() != path.Canonical() {
			t.Fatalf("canonical form not stable for %q", path)
		}
	})
}
