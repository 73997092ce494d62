package cloudzip

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	t.Parallel()

	t.Run("full reference", func(t *testing.T) {
		t.Parallel()
		ref, err := ParseRef("zip://acct-1/datasets-prod/2026/archive.zip")
		require.NoError(t, err)
		assert.Equal(t, "acct-1", ref.Account)
		assert.Equal(t, "datasets-prod", ref.Container)
		assert.Equal(t, "2026/archive.zip", ref.Object)
	})

	t.Run("container only", func(t *testing.T) {
		t.Parallel()
		ref, err := ParseRef("zip://acct-1/datasets-prod")
		require.NoError(t, err)
		assert.Empty(t, ref.Object)
	})

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		const s = "zip://acct-1/datasets-prod/archive.zip"
		ref, err := ParseRef(s)
		require.NoError(t, err)
		assert.Equal(t, s, ref.String())
	})

	tests := []struct {
		name string
		in   string
	}{
		{"wrong scheme", "https://acct/container-x/a.zip"},
		{"missing account", "zip:///container-x/a.zip"},
		{"missing container", "zip://acct-1"},
		{"query rejected", "zip://acct-1/container-x/a.zip?sig=abc"},
		{"fragment rejected", "zip://acct-1/container-x/a.zip#frag"},
		{"short container", "zip://acct-1/ab/a.zip"},
		{"reserved prefix", "zip://acct-1/b2-internal/a.zip"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseRef(tt.in)
			require.ErrorIs(t, err, ErrInvalidRef)
		})
	}
}

func TestRefEqual(t *testing.T) {
	t.Parallel()

	a := Ref{Account: "acct", Container: "Datasets-Prod", Object: "a.zip"}
	b := Ref{Account: "acct", Container: "datasets-prod", Object: "a.zip"}
	c := Ref{Account: "acct", Container: "datasets-prod", Object: "A.zip"}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestValidateContainer(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"valid", "datasets-prod", false},
		{"minimum length", "sixsix", false},
		{"mixed case", "Datasets-01", false},
		{"too short", "short", true},
		{"too long", strings.Repeat("a", 51), true},
		{"reserved prefix", "b2-something", true},
		{"reserved prefix mixed case", "B2-Something", true},
		{"underscore", "under_score", true},
		{"dot", "name.with.dots", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateContainer(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRef)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestValidateObject(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"simple", "archive.zip", false},
		{"nested path", "2026/08/archive.zip", false},
		{"unicode", "données/archive.zip", false},
		{"maximum length", strings.Repeat("a", 1024), false},
		{"empty", "", true},
		{"too long", strings.Repeat("a", 1025), true},
		{"newline", "bad\nname", true},
		{"delete char", "bad\x7fname", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateObject(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidRef)
				return
			}
			require.NoError(t, err)
		})
	}
}
