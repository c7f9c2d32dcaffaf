package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndFormat(t *testing.T) {
	cases := map[string]string{
		"5":          "5.00000000",
		"5.0":        "5.00000000",
		"0.00000001": "0.00000001",
		"-1.5":       "-1.50000000",
		".25":        "0.25000000",
		"+3.1":       "3.10000000",
	}
	for in, want := range cases {
		got, err := Parse(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got.String(), in)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	for _, in := range []string{"", "abc", "1.123456789", "-", ".", "1.2.3"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
}

func TestFromFloatRounds(t *testing.T) {
	a, err := FromFloat(0.1 + 0.2)
	require.NoError(t, err)
	assert.Equal(t, "0.30000000", a.String())
}

func TestJSONRoundTripAcceptsNumbers(t *testing.T) {
	var a Amount
	require.NoError(t, json.Unmarshal([]byte(`2.5`), &a))
	assert.Equal(t, MustParse("2.5"), a)

	require.NoError(t, json.Unmarshal([]byte(`"0.00000001"`), &a))
	assert.Equal(t, FromUnits(1), a)

	out, err := json.Marshal(MustParse("-4"))
	require.NoError(t, err)
	assert.JSONEq(t, `"-4.00000000"`, string(out))
}

func TestSigned(t *testing.T) {
	assert.Equal(t, "+1.00000000", MustParse("1").Signed())
	assert.Equal(t, "-1.00000000", MustParse("-1").Signed())
}

func TestScan(t *testing.T) {
	var a Amount
	require.NoError(t, a.Scan(int64(500000000)))
	assert.Equal(t, "5.00000000", a.String())
	require.NoError(t, a.Scan([]byte("1")))
	assert.Equal(t, FromUnits(1), a)
}
