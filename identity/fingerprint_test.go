package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("https://www.pincali.com/property/123-main-st")
	b := Fingerprint("https://www.pincali.com/property/123-main-st")
	assert.Equal(t, a, b)
}

func TestFingerprintIgnoresQueryAndFragment(t *testing.T) {
	base := Fingerprint("https://www.pincali.com/property/123-main-st")
	withQuery := Fingerprint("https://www.pincali.com/property/123-main-st?utm_source=email")
	withFragment := Fingerprint("https://www.pincali.com/property/123-main-st#photos")
	assert.Equal(t, base, withQuery)
	assert.Equal(t, base, withFragment)
}

func TestFingerprintIgnoresCase(t *testing.T) {
	lower := Fingerprint("https://www.pincali.com/property/123-main-st")
	upper := Fingerprint("HTTPS://WWW.PINCALI.COM/PROPERTY/123-MAIN-ST")
	assert.Equal(t, lower, upper)
}

func TestFingerprintStripsTrailingSlash(t *testing.T) {
	withSlash := Fingerprint("https://www.pincali.com/property/123-main-st/")
	withoutSlash := Fingerprint("https://www.pincali.com/property/123-main-st")
	assert.Equal(t, withSlash, withoutSlash)
}

func TestFingerprintHasFixedShape(t *testing.T) {
	id := Fingerprint("https://www.pincali.com/property/123-main-st")
	require.True(t, len(id) > len(Tag)+1)
	assert.Equal(t, Tag+"_", id[:len(Tag)+1])
	assert.Len(t, id[len(Tag)+1:], 16)
}

func TestFingerprintEmptyInputIsSentinel(t *testing.T) {
	assert.Equal(t, emptySentinel, Fingerprint(""))
}

func TestFingerprintNeverFails(t *testing.T) {
	assert.NotPanics(t, func() {
		Fingerprint("::not a url at all::")
	})
}
