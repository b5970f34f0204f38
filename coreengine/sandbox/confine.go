package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// =============================================================================
// Filesystem Confinement
// =============================================================================

// Filesystem confinement uses Landlock (kernel >= 5.13). A Landlock ruleset
// restricts the calling process, so it must be applied inside the child:
// the executor re-invokes the running binary as a trampoline, which
// restricts itself and then execs the validation command. The restriction
// survives execve and covers every descendant.

// childWorkspaceEnv carries the workspace root to the trampoline. Its
// presence marks the process as a sandbox child.
const childWorkspaceEnv = "FORGELOOP_SANDBOX_WORKSPACE"

// childFailureExitCode and childFailureMarker let the parent distinguish a
// trampoline setup failure from the validation command's own exit.
const (
	childFailureExitCode = 125
	childFailureMarker   = "sandbox-child:"
)

// The Landlock v1 access set, supported by every Landlock-capable kernel.
// Write access is granted beneath the workspace only; read and execute are
// granted beneath the filesystem root so interpreters and their libraries
// stay loadable.
const (
	landlockReadAccess = unix.LANDLOCK_ACCESS_FS_EXECUTE |
		unix.LANDLOCK_ACCESS_FS_READ_FILE |
		unix.LANDLOCK_ACCESS_FS_READ_DIR
	landlockWriteAccess = unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
		unix.LANDLOCK_ACCESS_FS_REMOVE_DIR |
		unix.LANDLOCK_ACCESS_FS_REMOVE_FILE |
		unix.LANDLOCK_ACCESS_FS_MAKE_CHAR |
		unix.LANDLOCK_ACCESS_FS_MAKE_DIR |
		unix.LANDLOCK_ACCESS_FS_MAKE_REG |
		unix.LANDLOCK_ACCESS_FS_MAKE_SOCK |
		unix.LANDLOCK_ACCESS_FS_MAKE_FIFO |
		unix.LANDLOCK_ACCESS_FS_MAKE_BLOCK |
		unix.LANDLOCK_ACCESS_FS_MAKE_SYM
)

// landlockCheck reports whether the kernel can enforce filesystem
// confinement right now.
func landlockCheck() error {
	if _, err := unix.LandlockCreateRuleset(nil, 0, unix.LANDLOCK_CREATE_RULESET_VERSION); err != nil {
		return fmt.Errorf("landlock unavailable: %w", err)
	}
	return nil
}

// ChildMain is the trampoline entry point. Binaries embedding LocalExecutor
// must call it first in main: when the process was spawned as a sandbox
// child it confines itself and execs the validation command, never
// returning. In any other process it is a no-op.
func ChildMain() {
	workspace := os.Getenv(childWorkspaceEnv)
	if workspace == "" {
		return
	}
	argv := os.Args[1:]
	if len(argv) == 0 {
		childFail("no command")
	}
	if err := restrictFilesystem(workspace); err != nil {
		childFail(err.Error())
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		childFail(err.Error())
	}
	env := make([]string, 0, len(os.Environ()))
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, childWorkspaceEnv+"=") {
			env = append(env, kv)
		}
	}
	if err := unix.Exec(path, argv, env); err != nil {
		childFail(fmt.Sprintf("exec %s: %v", path, err))
	}
}

func childFail(msg string) {
	fmt.Fprintf(os.Stderr, "%s %s\n", childFailureMarker, msg)
	os.Exit(childFailureExitCode)
}

// restrictFilesystem enforces the ruleset on the calling process:
// read+execute beneath the root, full access beneath the workspace.
func restrictFilesystem(workspace string) error {
	attr := unix.LandlockRulesetAttr{Access_fs: landlockReadAccess | landlockWriteAccess}
	rulesetFD, err := unix.LandlockCreateRuleset(&attr, unsafe.Sizeof(attr), 0)
	if err != nil {
		return fmt.Errorf("create ruleset: %w", err)
	}
	defer unix.Close(rulesetFD)

	if err := addPathRule(rulesetFD, "/", landlockReadAccess); err != nil {
		return err
	}
	if err := addPathRule(rulesetFD, workspace, landlockReadAccess|landlockWriteAccess); err != nil {
		return err
	}
	// Required before LandlockRestrictSelf.
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("no_new_privs: %w", err)
	}
	if err := unix.LandlockRestrictSelf(rulesetFD, 0); err != nil {
		return fmt.Errorf("restrict self: %w", err)
	}
	return nil
}

func addPathRule(rulesetFD int, path string, access uint64) error {
	pathFD, err := unix.Open(path, unix.O_PATH|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer unix.Close(pathFD)

	attr := unix.LandlockPathBeneathAttr{
		Allowed_access: access,
		Parent_fd:      int32(pathFD),
	}
	if err := unix.LandlockAddPathBeneathRule(rulesetFD, &attr, 0); err != nil {
		return fmt.Errorf("add rule for %s: %w", path, err)
	}
	return nil
}
