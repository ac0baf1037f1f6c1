// Package metadata supplies what tcflow knows about a project without
// parsing its files: the declared tool version, the target runtime address
// and the PLC projects it contains.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the sidecar file looked up next to the project.
const DefaultFileName = "tcflow.yaml"

// PLC is one PLC project declared in the sidecar.
type PLC struct {
	Name    string `yaml:"name" json:"name"`
	AMSPort int    `yaml:"ams_port" json:"amsPort"`
}

// ProjectInfo is the metadata of one project. Zero values mean unknown.
type ProjectInfo struct {
	ProjectPath         string `yaml:"-" json:"projectPath"`
	ToolVersion         string `yaml:"tool_version" json:"toolVersion,omitempty"`
	ToolVersionPinned   bool   `yaml:"tool_version_pinned" json:"toolVersionPinned"`
	VisualStudioVersion string `yaml:"visual_studio_version" json:"visualStudioVersion,omitempty"`
	TargetPlatform      string `yaml:"target_platform" json:"targetPlatform,omitempty"`
	TargetNetID         string `yaml:"target_net_id" json:"targetNetId,omitempty"`
	PLCs                []PLC  `yaml:"plcs" json:"plcs"`
}

// PLC returns the declared PLC with name, compared case-insensitively.
func (i ProjectInfo) PLC(name string) (PLC, bool) {
	for _, plc := range i.PLCs {
		if strings.EqualFold(plc.Name, strings.TrimSpace(name)) {
			return plc, true
		}
	}
	return PLC{}, false
}

// Provider describes projects.
type Provider interface {
	Describe(ctx context.Context, projectPath string) (ProjectInfo, error)
}

// SidecarProvider reads a YAML sidecar stored in the project directory.
type SidecarProvider struct {
	// FileName overrides DefaultFileName.
	FileName string
}

// Describe reads the sidecar for projectPath. projectPath may name the
// project file or its directory. A missing sidecar yields empty info.
func (p SidecarProvider) Describe(ctx context.Context, projectPath string) (ProjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ProjectInfo{}, err
	}
	projectPath = strings.TrimSpace(projectPath)
	if projectPath == "" {
		return ProjectInfo{}, errors.New("project path is required")
	}

	info := ProjectInfo{ProjectPath: projectPath, PLCs: []PLC{}}
	path := filepath.Join(projectDir(projectPath), p.fileName())
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return info, nil
	}
	if err != nil {
		return ProjectInfo{}, fmt.Errorf("read project metadata %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &info); err != nil {
		return ProjectInfo{}, fmt.Errorf("parse project metadata %s: %w", path, err)
	}
	info.ProjectPath = projectPath
	info.ToolVersion = strings.TrimSpace(info.ToolVersion)
	info.TargetNetID = strings.TrimSpace(info.TargetNetID)
	info.VisualStudioVersion = strings.TrimSpace(info.VisualStudioVersion)
	info.TargetPlatform = strings.TrimSpace(info.TargetPlatform)
	if info.PLCs == nil {
		info.PLCs = []PLC{}
	}
	for i, plc := range info.PLCs {
		name := strings.TrimSpace(plc.Name)
		if name == "" {
			return ProjectInfo{}, fmt.Errorf("parse project metadata %s: plcs[%d]: name is required", path, i)
		}
		if plc.AMSPort < 0 || plc.AMSPort > 65535 {
			return ProjectInfo{}, fmt.Errorf("parse project metadata %s: plc %s: ams_port %d out of range", path, name, plc.AMSPort)
		}
		info.PLCs[i].Name = name
	}
	if info.ToolVersionPinned && info.ToolVersion == "" {
		return ProjectInfo{}, fmt.Errorf("parse project metadata %s: tool_version_pinned requires tool_version", path)
	}
	return info, nil
}

func (p SidecarProvider) fileName() string {
	if name := strings.TrimSpace(p.FileName); name != "" {
		return name
	}
	return DefaultFileName
}

func projectDir(projectPath string) string {
	if stat, err := os.Stat(projectPath); err == nil && stat.IsDir() {
		return projectPath
	}
	return filepath.Dir(projectPath)
}
