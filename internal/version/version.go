// ABOUTME: Build version information
// ABOUTME: Version is overridden at link time with -ldflags
package version

// Version is the release version, set with -ldflags "-X .../internal/version.Version=x.y.z"
var Version = "dev"

const (
	// Product is the client name shown in logs and the UI
	Product = "micpulse"

	// Manufacturer identifies the maintainer
	Manufacturer = "Vybe Haptics"
)

// String returns the product and version
func String() string {
	return Product + " " + Version
}
