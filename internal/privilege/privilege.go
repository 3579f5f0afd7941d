// Package privilege provides utilities for privilege separation when the
// agent runs as root but must act on behalf of unprivileged process owners.
//
// The JVM attach mechanism refuses connections when the attaching process
// does not match the target's owning user, so symbol-map generation must
// de-escalate to the target's uid/gid and the produced map must be chowned
// back to the privileged owner the sampler expects.
package privilege

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
)

// UserContext represents the identity a command should execute under.
type UserContext struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
}

// IsRoot checks if the current process is running with root privileges
// (euid == 0).
func IsRoot() bool {
	return os.Geteuid() == 0
}

// LookupUID resolves a numeric uid to a full user context. The home
// directory matters: the JVM attach protocol creates its socket under
// the target user's working directory.
func LookupUID(uid int) (*UserContext, error) {
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return nil, fmt.Errorf("failed to lookup uid %d: %w", uid, err)
	}

	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("invalid gid %q for uid %d: %w", u.Gid, uid, err)
	}

	return &UserContext{
		Username: u.Username,
		UID:      uid,
		GID:      gid,
		HomeDir:  u.HomeDir,
	}, nil
}

// RunAs configures cmd to execute with the given user's credentials.
// It is a no-op when the user matches the current effective uid, and an
// error when de-escalation is requested without root.
func RunAs(cmd *exec.Cmd, userCtx *UserContext) error {
	if userCtx.UID == os.Geteuid() {
		return nil
	}
	if !IsRoot() {
		return fmt.Errorf("cannot run as uid %d: not running as root", userCtx.UID)
	}

	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Credential = &syscall.Credential{
		//nolint:gosec // G115: uids/gids fit in uint32 on Linux.
		Uid: uint32(userCtx.UID),
		Gid: uint32(userCtx.GID),
	}
	cmd.Env = append(os.Environ(),
		"HOME="+userCtx.HomeDir,
		"USER="+userCtx.Username,
	)
	return nil
}

// Chown changes the ownership of a file. If not running as root this is
// a no-op so that unprivileged test runs still succeed.
func Chown(path string, uid, gid int) error {
	if !IsRoot() {
		return nil
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("failed to chown %s to %d:%d: %w", path, uid, gid, err)
	}
	return nil
}

// RestoreRootOwnership hands a generated file back to root, the owner
// the privileged sampler expects when it reads symbol maps.
func RestoreRootOwnership(path string) error {
	return Chown(path, 0, 0)
}
