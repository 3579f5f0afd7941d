package symbolmap

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jalmeida85/vector-pmda/internal/privilege"
	"github.com/jalmeida85/vector-pmda/internal/safe"
	"github.com/jalmeida85/vector-pmda/internal/sys/proc"
)

// jdkVariant identifies the JVM build family. The attach agent is
// compiled against one family's internals; attaching the wrong build
// can crash the target JVM, so detection gates which agent is used and
// an undetectable variant degrades to a sentinel rather than guessing.
type jdkVariant string

const (
	variantOpenJDK jdkVariant = "openjdk"
	variantOracle  jdkVariant = "oracle"
)

const (
	attachJar     = "attach-main.jar"
	attachLib     = "libperfmap.so"
	attachClass   = "net.virtualvoid.perf.AttachOnce"
	containerTool = "/tmp/.perf-map-agent"
)

// detectJDKVariant infers the build family from the runtime's
// installation path.
func detectJDKVariant(javaHome string) (jdkVariant, error) {
	lower := strings.ToLower(javaHome)
	switch {
	case strings.Contains(lower, "openjdk"),
		strings.Contains(lower, "zulu"),
		strings.Contains(lower, "temurin"),
		strings.Contains(lower, "adoptium"),
		strings.Contains(lower, "corretto"):
		return variantOpenJDK, nil
	case strings.Contains(lower, "oracle"),
		strings.Contains(lower, "jdk1."),
		strings.Contains(lower, "jrockit"):
		return variantOracle, nil
	}
	return "", fmt.Errorf("cannot determine JDK variant from %q", javaHome)
}

// javaHomeForPid derives the installation directory from the process's
// executable path (<home>/bin/java). The /proc exe link reports the
// path as the process sees it, so this works unchanged for
// containerized targets.
func javaHomeForPid(pid int) (string, error) {
	exe, err := proc.BinaryPath(pid)
	if err != nil {
		return "", fmt.Errorf("failed to resolve java executable: %w", err)
	}
	// <java_home>/bin/java
	home := filepath.Dir(filepath.Dir(exe))
	if home == "." || home == "/" {
		return "", fmt.Errorf("unexpected java executable path %q", exe)
	}
	return home, nil
}

// agentPaths returns the variant-specific agent jar and library on the
// host, verifying both exist.
func (r *Reconciler) agentPaths(variant jdkVariant) (jar, lib string, err error) {
	dir := filepath.Join(r.cfg.AgentDir, string(variant))
	jar = filepath.Join(dir, attachJar)
	lib = filepath.Join(dir, attachLib)

	if _, err := os.Stat(jar); err != nil {
		return "", "", fmt.Errorf("attach agent for %s JVM not installed at %s", variant, dir)
	}
	if _, err := os.Stat(lib); err != nil {
		return "", "", fmt.Errorf("attach agent library for %s JVM not installed at %s", variant, dir)
	}
	return jar, lib, nil
}

// reconcileJava produces the map for one JVM, on the host or inside a
// container. Any returned error degrades to a sentinel in Reconcile.
func (r *Reconciler) reconcileJava(ctx context.Context, target Target) error {
	if target.Containerized() {
		return r.reconcileJavaContainer(ctx, target)
	}
	return r.reconcileJavaHost(ctx, target)
}

func (r *Reconciler) reconcileJavaHost(ctx context.Context, target Target) error {
	javaHome, err := javaHomeForPid(target.HostPID)
	if err != nil {
		return err
	}
	variant, err := detectJDKVariant(javaHome)
	if err != nil {
		return err
	}
	jar, lib, err := r.agentPaths(variant)
	if err != nil {
		return err
	}

	// Tidy a stale map from a previous session before attaching, so a
	// failed attach cannot leave old symbols looking current.
	mapPath := r.MapPath(target.HostPID)
	_ = os.Remove(mapPath)

	javaBin := filepath.Join(javaHome, "bin", "java")
	//nolint:gosec // G204: arguments are derived from /proc, not user input.
	cmd := exec.Command(javaBin,
		"-cp", jar+":"+filepath.Join(javaHome, "lib", "tools.jar"),
		"-Dperfmap.agent="+lib,
		attachClass, strconv.Itoa(target.HostPID))
	cmd.Dir = r.cfg.MapDir

	// The JVM attach handshake rejects peers owned by a different
	// user, so the agent runs as the target's owner.
	userCtx, err := privilege.LookupUID(target.UID)
	if err != nil {
		return err
	}
	if err := privilege.RunAs(cmd, userCtx); err != nil {
		return err
	}

	if err := r.run(ctx, cmd); err != nil {
		return fmt.Errorf("attach agent failed: %w", err)
	}

	if _, err := os.Stat(mapPath); err != nil {
		return fmt.Errorf("attach agent produced no map at %s", mapPath)
	}

	// Hand the map back to the privileged owner the sampler expects.
	return privilege.RestoreRootOwnership(mapPath)
}

func (r *Reconciler) reconcileJavaContainer(ctx context.Context, target Target) error {
	// Variant detection reads the runtime's installation through the
	// container's filesystem view.
	javaHome, err := javaHomeForPid(target.HostPID)
	if err != nil {
		return err
	}
	variant, err := detectJDKVariant(javaHome)
	if err != nil {
		return err
	}
	jar, lib, err := r.agentPaths(variant)
	if err != nil {
		return err
	}

	// The agent must execute inside the target's namespaces; copy the
	// binaries in when the container does not already carry them.
	toolDir := proc.RootPath(target.HostPID, containerTool)
	innerJar := filepath.Join(containerTool, attachJar)
	innerLib := filepath.Join(containerTool, attachLib)
	if _, err := os.Stat(filepath.Join(toolDir, attachJar)); err != nil {
		if err := os.MkdirAll(toolDir, 0o755); err != nil {
			return fmt.Errorf("failed to stage agent inside container: %w", err)
		}
		if err := safe.CopyFile(jar, filepath.Join(toolDir, attachJar), &safe.CopyFileOptions{DestPerm: 0o644}); err != nil {
			return fmt.Errorf("failed to copy attach agent into container: %w", err)
		}
		if err := safe.CopyFile(lib, filepath.Join(toolDir, attachLib), &safe.CopyFileOptions{DestPerm: 0o755}); err != nil {
			return fmt.Errorf("failed to copy attach agent library into container: %w", err)
		}
	}

	argv := []string{
		filepath.Join(javaHome, "bin", "java"),
		"-cp", innerJar + ":" + filepath.Join(javaHome, "lib", "tools.jar"),
		"-Dperfmap.agent=" + innerLib,
		attachClass, strconv.Itoa(target.NSPID),
	}
	//nolint:gosec // G204: arguments are derived from /proc, not user input.
	cmd := exec.Command("nsenter", nsenterArgs(target.HostPID, argv)...)
	if err := r.run(ctx, cmd); err != nil {
		return fmt.Errorf("containerized attach failed: %w", err)
	}

	// The agent wrote the map at the container-local path keyed by the
	// in-namespace pid; publish it at the host path keyed by host pid.
	innerMap := proc.RootPath(target.HostPID, filepath.Join("tmp", fmt.Sprintf("perf-%d.map", target.NSPID)))
	mapPath := r.MapPath(target.HostPID)
	if err := safe.CopyFile(innerMap, mapPath, &safe.CopyFileOptions{DestPerm: 0o644}); err != nil {
		return fmt.Errorf("failed to copy map out of container: %w", err)
	}

	return privilege.RestoreRootOwnership(mapPath)
}
