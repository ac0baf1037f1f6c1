// Package session binds automation host instances to projects.
//
// A Registry resolves a project path to a live host session, preferring a
// headless instance that already has the project open. Handles route every
// host call through the call gate and never terminate the host on Close, so
// the next run can reuse it.
package session

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/tcflow/tcflow/internal/callgate"
	"github.com/tcflow/tcflow/internal/host"
	"github.com/tcflow/tcflow/internal/locks"
)

// Instance is one automation host process this module can talk to.
type Instance struct {
	DisplayName string
	PID         int
	Headless    bool
	Host        host.Host
	// OnBound, when set, records the project an instance was bound to.
	OnBound func(ctx context.Context, projectPath string) error
}

// Finder discovers a reusable instance that already has projectPath open.
// Implementations never fail: any access problem means "not found".
type Finder interface {
	FindReusable(ctx context.Context, gate *callgate.Gate, projectPath string) (Instance, bool)
}

// Factory launches a new headless host instance.
type Factory interface {
	Launch(ctx context.Context) (Instance, error)
}

// Session describes the binding returned to callers.
type Session struct {
	ProjectPath string `json:"projectPath"`
	DisplayName string `json:"displayName"`
	PID         int    `json:"pid,omitempty"`
	Reused      bool   `json:"reused"`
	Headless    bool   `json:"headless"`
	ToolVersion string `json:"toolVersion,omitempty"`
}

// SameProject compares project paths case-insensitively after cleaning.
func SameProject(a, b string) bool {
	a = locks.NormalizeKey(a)
	return a != "" && a == locks.NormalizeKey(b)
}

// Matches reports whether inst is headless and has projectPath open.
// Interactive instances are rejected without any host call.
func Matches(ctx context.Context, gate *callgate.Gate, inst Instance, projectPath string) bool {
	if inst.Host == nil || !inst.Headless {
		return false
	}
	open, err := callgate.Call(ctx, gate, host.OpOpenProjectPath, inst.Host.OpenProjectPath)
	if err != nil {
		return false
	}
	return SameProject(open, projectPath)
}

// SelectToolVersion picks the tool version to apply on a fresh instance.
// A forced version must be available. Otherwise the declared version wins
// when available, else the highest available version. An empty result
// means leave the host default.
func SelectToolVersion(available []string, declared, forced string) (string, error) {
	versions := make([]string, 0, len(available))
	for _, version := range available {
		if version = strings.TrimSpace(version); version != "" {
			versions = append(versions, version)
		}
	}

	if forced = strings.TrimSpace(forced); forced != "" {
		for _, version := range versions {
			if version == forced {
				return version, nil
			}
		}
		return "", &host.NotFoundError{Entity: "tool version", Name: forced, Available: versions}
	}
	if len(versions) == 0 {
		return "", nil
	}
	if declared = strings.TrimSpace(declared); declared != "" {
		for _, version := range versions {
			if version == declared {
				return version, nil
			}
		}
	}

	sorted := append([]string(nil), versions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return compareVersions(sorted[i], sorted[j]) > 0
	})
	return sorted[0], nil
}

// compareVersions orders dotted versions numerically per component.
// Non-numeric components compare as strings.
func compareVersions(a, b string) int {
	left := strings.Split(a, ".")
	right := strings.Split(b, ".")
	for i := 0; i < len(left) || i < len(right); i++ {
		var l, r string
		if i < len(left) {
			l = left[i]
		}
		if i < len(right) {
			r = right[i]
		}
		ln, lerr := strconv.Atoi(l)
		rn, rerr := strconv.Atoi(r)
		switch {
		case lerr == nil && rerr == nil:
			if ln != rn {
				if ln > rn {
					return 1
				}
				return -1
			}
		case l != r:
			return strings.Compare(l, r)
		}
	}
	return 0
}

func absProjectPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	return filepath.Abs(path)
}
