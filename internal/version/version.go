package version

var (
	// Version is the current application version
	Version = "dev"
	// GitSHA is the git commit SHA
	GitSHA = "unknown"
	// BuildTime is the build timestamp
	BuildTime = "unknown"
)

// ModelExportVersion is the version marker written as the first element of
// an exported actor. Consumers reject versions they do not know.
const ModelExportVersion = 3

// String renders the build metadata on one line.
func String() string {
	return Version + " (" + GitSHA + ", built " + BuildTime + ")"
}
