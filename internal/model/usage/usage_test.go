package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnitValidate(t *testing.T) {
	cases := []struct {
		name    string
		unit    Unit
		wantErr bool
	}{
		{name: "audio", unit: Unit{UserID: "u1", Kind: KindAudio, Amount: 1}},
		{name: "gpt", unit: Unit{UserID: "u1", Kind: KindGPT, Amount: 5}},
		{name: "missing user", unit: Unit{Kind: KindAudio, Amount: 1}, wantErr: true},
		{name: "zero amount", unit: Unit{UserID: "u1", Kind: KindAudio}, wantErr: true},
		{name: "negative amount", unit: Unit{UserID: "u1", Kind: KindAudio, Amount: -1}, wantErr: true},
		{name: "unknown kind", unit: Unit{UserID: "u1", Kind: "VIDEO", Amount: 1}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.unit.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrInvalidUnit)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind(" audio ")
	require.NoError(t, err)
	assert.Equal(t, KindAudio, kind)

	_, err = ParseKind("tokens")
	assert.Error(t, err)
}
