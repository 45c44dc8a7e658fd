package match

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJaroWinkler(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{name: "identical", a: "martha", b: "martha", min: 1, max: 1},
		{name: "close names", a: "martha", b: "marhta", min: 0.94, max: 1},
		{name: "typo", a: "dwayne", b: "duane", min: 0.8, max: 0.9},
		{name: "unrelated", a: "jane", b: "xqzt", min: 0, max: 0.1},
		{name: "empty side", a: "", b: "jane", min: 0, max: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := jaroWinkler(tt.a, tt.b)
			assert.GreaterOrEqual(t, got, tt.min)
			assert.LessOrEqual(t, got, tt.max)
		})
	}
}

func TestTokenSetRatio(t *testing.T) {
	assert.Equal(t, 1.0, tokenSetRatio("123 MAIN ST", "MAIN ST 123"))
	assert.Equal(t, 1.0, tokenSetRatio("123 MAIN ST", "123 MAIN ST APT 4"))
	assert.Less(t, tokenSetRatio("123 MAIN ST", "456 OAK AVE"), 0.5)
	assert.Equal(t, 0.0, tokenSetRatio("", "123 MAIN ST"))
}

func TestFoldName(t *testing.T) {
	assert.Equal(t, foldName("Jane Doe"), foldName("doe, JANE"))
	assert.Equal(t, "doe jane", foldName("Doe, Jane"))
}
