//go:build !fips

package crypto

// FIPSMode reports whether the binary was built with the fips tag, which
// limits record ciphers to FIPS 140-3 approved suites.
func FIPSMode() bool { return false }
