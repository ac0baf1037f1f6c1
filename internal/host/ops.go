package host

// Operation names shared by the gate, metrics labels and the bridge wire
// protocol.
const (
	OpOpenProject         = "open_project"
	OpOpenProjectPath     = "open_project_path"
	OpProjectReady        = "project_ready"
	OpToolVersions        = "tool_versions"
	OpSelectToolVersion   = "select_tool_version"
	OpClean               = "clean"
	OpBuild               = "build"
	OpDiagnostics         = "diagnostics"
	OpActivate            = "activate_configuration"
	OpRestart             = "restart_runtime"
	OpSetTarget           = "set_target"
	OpPLCProjects         = "plc_projects"
	OpTasks               = "tasks"
	OpSetTaskEnabled      = "set_task_enabled"
	OpActivateBootProject = "activate_boot_project"
	OpIODevices           = "io_devices"
	OpSetIODeviceEnabled  = "set_io_device_enabled"
	OpVariants            = "variants"
	OpSelectVariant       = "select_variant"
)

var mutatingOps = map[string]struct{}{
	OpClean:               {},
	OpBuild:               {},
	OpActivate:            {},
	OpRestart:             {},
	OpSetTarget:           {},
	OpSetTaskEnabled:      {},
	OpActivateBootProject: {},
	OpSetIODeviceEnabled:  {},
	OpSelectVariant:       {},
}

// IsMutating reports whether op changes the project or the target. Dry runs
// never issue mutating operations.
func IsMutating(op string) bool {
	_, ok := mutatingOps[op]
	return ok
}
