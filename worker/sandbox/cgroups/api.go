package cgroups

// Cgroup confines one worker process. A Cgroup is used for exactly one
// process lifetime and then destroyed; a respawned worker gets a new one.
type Cgroup interface {
	Name() string

	// GroupPath is the cgroup v2 directory backing this group.
	GroupPath() string

	// AddPid moves a running process into the group.
	AddPid(pid int) error

	// GetPIDs lists the processes currently in the group.
	GetPIDs() ([]int, error)

	// KillAllProcs SIGKILLs every process in the group, including
	// anything the worker forked.
	KillAllProcs()

	// Destroy removes the group directory. The group must be empty.
	Destroy()
}
