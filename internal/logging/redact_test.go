package logging

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestMaskCredential(t *testing.T) {
	assert.Equal(t, "", MaskCredential(""))
	assert.Equal(t, "***", MaskCredential("abc"))
	assert.Equal(t, "ab****", MaskCredential("abcdef"))
	assert.Equal(t, "abcd****mnop", MaskCredential("abcdefghmnop"))
}

func TestRedact(t *testing.T) {
	tests := []struct {
		in      string
		secret  string
		visible string
	}{
		{`{"msg":"bad key","apiKey":"0f3a9c1e-77aa-4b1c-9d2e-1234abcd5678"}`, "0f3a9c1e-77aa-4b1c-9d2e-1234abcd5678", "bad key"},
		{"passphrase=hunter2hunter2 rejected", "hunter2hunter2", "rejected"},
		{"OK-ACCESS-KEY: 1a2b3c4d5e6f7a8b9c0d", "1a2b3c4d5e6f7a8b9c0d", "OK-ACCESS-KEY"},
		{"incorrect key sk-abcdefghijklmnopqrstuvwxyz123456 provided", "sk-abcdefghijklmnopqrstuvwxyz123456", "incorrect key"},
	}
	for _, tt := range tests {
		out := Redact(tt.in)
		assert.NotContains(t, out, tt.secret, tt.in)
		assert.Contains(t, out, tt.visible, tt.in)
	}

	assert.Equal(t, "order rejected: insufficient margin", Redact("order rejected: insufficient margin"))
}

func TestProperty_MaskCredentialHidesMiddle(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("masked value keeps length and hides the middle", prop.ForAll(
		func(s string) bool {
			masked := MaskCredential(s)
			if len(masked) != len(s) {
				return false
			}
			if len(s) > 8 {
				return masked[:4] == s[:4] && masked[len(s)-4:] == s[len(s)-4:] &&
					strings.Trim(masked[4:len(s)-4], "*") == ""
			}
			return masked != s || s == ""
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
