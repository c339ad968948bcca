package common

// ModuleFileExtension is the file extension used for module packages in the registry.
const ModuleFileExtension = ".tar.gz"

// ModuleConfigName is the descriptor that may sit next to the module.
const ModuleConfigName = "wdog.yaml"

// Result codes carried in InvocationResult.Code.
const (
	CodeOK       = 0
	CodeFailed   = 500
	CodeDegraded = 503
	CodeTimeout  = 524
)
