// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ivm

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

// Version, Commit and BuildTime are set at build time with -ldflags. Commit
// falls back to the VCS revision stamped by the go tool.
var (
	Version   string
	Commit    string
	BuildTime string
)

// VersionInfo describes the running binary on one line, e.g.
// "ivm v0.3.0 (Mar  4 2023 2:15PM, 1a2b3c4) go1.21.0".
func VersionInfo() string {
	var b strings.Builder
	b.WriteString("ivm ")
	if Version != "" {
		b.WriteString(Version)
	} else {
		b.WriteString("v0.x")
	}

	var details []string
	if t, err := time.Parse("2006-01-02T15:04:05+0000", BuildTime); err == nil {
		details = append(details, t.Local().Format("Jan _2 2006 3:04PM"))
	} else if BuildTime != "" {
		details = append(details, BuildTime)
	}
	if c := commit(); c != "" {
		details = append(details, c)
	}
	if len(details) > 0 {
		b.WriteString(" (" + strings.Join(details, ", ") + ")")
	}
	b.WriteString(" " + runtime.Version())
	return b.String()
}

func commit() string {
	if Commit != "" {
		return Commit
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" && len(s.Value) >= 7 {
			return s.Value[:7]
		}
	}
	return ""
}
