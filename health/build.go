package health

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/saiset-co/sai-anime-cache/health.Version=...".
var (
	Version   = "dev"
	GitCommit = ""
	BuildTime = ""
)

type BuildInfo struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Modified  bool   `json:"modified"`
}

// GetBuildInfo falls back to the VCS stamp of the binary when no ldflags
// were given.
func GetBuildInfo() BuildInfo {
	info := BuildInfo{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				if info.GitCommit == "" {
					info.GitCommit = setting.Value
				}
			case "vcs.time":
				if info.BuildTime == "" {
					info.BuildTime = setting.Value
				}
			case "vcs.modified":
				info.Modified = setting.Value == "true"
			}
		}
	}

	if info.GitCommit == "" {
		info.GitCommit = "unknown"
	}

	return info
}

func BuildString() string {
	info := GetBuildInfo()
	return fmt.Sprintf("%s-%s", info.Version, info.GitCommit[:min(len(info.GitCommit), 7)])
}
