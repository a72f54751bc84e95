//go:build !unix

package config

// setRawOptions is a no-op where raw socket options are unavailable; the
// portable options are still applied by Apply.
func setRawOptions(uintptr, string, Socket) error {
	return nil
}
