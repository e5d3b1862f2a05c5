// Package version tracks build metadata for the application.
package version

// Populated at build time via -ldflags "-X ...".
var (
	version   = "dev"
	commit    = ""
	buildTime = ""
)

// Info describes build metadata for the application.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
}

// Current returns the build metadata compiled into the binary.
func Current() Info {
	return Info{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
	}
}
