// Package docker launches plugins inside docker containers.
//
// Each plugin gets its own container kept alive by an idle entrypoint; the plugin command is
// exec'd into it with stdin and stdout attached, and the container is removed when the plugin
// is closed.
package docker

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/akshayaggarwal99/brickwrap/internal/launcher"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	LauncherName = "docker"
	ManagedLabel = "dev.brickwrap.managed"
	PluginLabel  = "dev.brickwrap.plugin"
)

// Launcher implements launcher.Launcher using the Docker engine.
type Launcher struct {
	cli         *client.Client
	networkMode string
}

// New creates a docker launcher.
// cfg["network"] sets the container network mode (default "none").
func New(cfg map[string]any) (launcher.Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	// Containers left behind by a previous run are never reattached. This runs before the
	// first Launch so it cannot remove a container this launcher created.
	cleanupOrphans(cli)

	network := "none"
	if n, ok := cfg["network"].(string); ok && n != "" {
		network = n
	}
	return &Launcher{cli: cli, networkMode: network}, nil
}

func init() {
	launcher.Register(LauncherName, New)
}

func (l *Launcher) Name() string {
	return LauncherName
}

// Healthy pings the docker daemon.
func (l *Launcher) Healthy(ctx context.Context) error {
	_, err := l.cli.Ping(ctx)
	return err
}

func (l *Launcher) Close() error {
	return l.cli.Close()
}

func cleanupOrphans(cli *client.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	list, err := cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"=true")),
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list orphaned plugin containers")
		return
	}

	count := 0
	for _, c := range list {
		if err := cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
			log.Warn().Str("id", c.ID).Err(err).Msg("Failed to remove orphan")
			continue
		}
		count++
	}
	if count > 0 {
		log.Info().Int("count", count).Msg("Removed orphaned plugin containers")
	}
}

// Launch creates a container from spec.Image and execs spec.Command in it.
func (l *Launcher) Launch(ctx context.Context, spec launcher.Spec) (launcher.Plugin, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Image == "" {
		return nil, fmt.Errorf("%w: image is required", launcher.ErrInvalidSpec)
	}

	if err := l.ensureImage(ctx, spec.Image); err != nil {
		return nil, err
	}

	labels := make(map[string]string, len(spec.Labels)+2)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	labels[ManagedLabel] = "true"
	labels[PluginLabel] = spec.Name

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	// The container idles; the plugin runs as an exec so its stdio can be attached.
	resp, err := l.cli.ContainerCreate(ctx,
		&container.Config{
			Image:      spec.Image,
			Cmd:        []string{"tail", "-f", "/dev/null"},
			Env:        env,
			Labels:     labels,
			WorkingDir: spec.WorkDir,
		},
		&container.HostConfig{NetworkMode: container.NetworkMode(l.networkMode)},
		nil,
		nil,
		"",
	)
	if err != nil {
		return nil, fmt.Errorf("%w: create container: %v", launcher.ErrLaunchFailed, err)
	}
	containerID := resp.ID

	fail := func(err error) (launcher.Plugin, error) {
		l.remove(containerID)
		return nil, fmt.Errorf("%w: %v", launcher.ErrLaunchFailed, err)
	}

	if err := l.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return fail(fmt.Errorf("start container: %w", err))
	}

	exec, err := l.cli.ContainerExecCreate(ctx, containerID, types.ExecConfig{
		Cmd:          spec.Command,
		Env:          env,
		WorkingDir:   spec.WorkDir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	})
	if err != nil {
		return fail(fmt.Errorf("create exec: %w", err))
	}

	attach, err := l.cli.ContainerExecAttach(ctx, exec.ID, types.ExecStartCheck{})
	if err != nil {
		return fail(fmt.Errorf("attach exec: %w", err))
	}

	logger := log.With().Str("component", "launcher").Str("plugin", spec.Name).Str("container", shortID(containerID)).Logger()
	logger.Info().Str("image", spec.Image).Strs("command", spec.Command).Msg("Plugin container started")

	return newPlugin(attach, containerID, l.remove, logger), nil
}

func (l *Launcher) ensureImage(ctx context.Context, image string) error {
	_, _, err := l.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("%w: inspect image: %v", launcher.ErrLaunchFailed, err)
	}

	log.Info().Str("image", image).Msg("Image not found locally, pulling...")
	reader, err := l.cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("%w: pull image %s: %v", launcher.ErrLaunchFailed, image, err)
	}
	defer reader.Close()
	// The pull only completes once its progress stream is drained.
	_, err = io.Copy(io.Discard, reader)
	return err
}

// remove force-removes the container, using a fresh context so it runs during shutdown too.
func (l *Launcher) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := l.cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		log.Warn().Err(err).Str("container", shortID(id)).Msg("Failed to remove plugin container")
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Plugin is a plugin process exec'd inside a container. Docker multiplexes stdout and stderr on
// the attach stream; stdout is exposed through Read and stderr goes to the log.
type Plugin struct {
	resp        types.HijackedResponse
	containerID string
	remove      func(string)

	stdout *io.PipeReader
	pipeW  *io.PipeWriter
	stderr *io.PipeWriter

	closeOnce sync.Once
}

func newPlugin(resp types.HijackedResponse, containerID string, remove func(string), logger zerolog.Logger) *Plugin {
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	p := &Plugin{
		resp:        resp,
		containerID: containerID,
		remove:      remove,
		stdout:      stdoutR,
		pipeW:       stdoutW,
		stderr:      stderrW,
	}

	go launcher.LogLines(stderrR, logger)
	go p.demux(logger)
	return p
}

func (p *Plugin) demux(logger zerolog.Logger) {
	_, err := stdcopy.StdCopy(p.pipeW, p.stderr, p.resp.Reader)
	if err != nil {
		logger.Debug().Err(err).Msg("Plugin attach stream ended")
	}
	_ = p.pipeW.CloseWithError(err)
	_ = p.stderr.Close()
}

func (p *Plugin) ID() string {
	return p.containerID
}

func (p *Plugin) Read(b []byte) (int, error) {
	return p.stdout.Read(b)
}

func (p *Plugin) Write(b []byte) (int, error) {
	return p.resp.Conn.Write(b)
}

// Close detaches from the exec and removes the container.
func (p *Plugin) Close() error {
	p.closeOnce.Do(func() {
		_ = p.resp.CloseWrite()
		p.resp.Close()
		_ = p.stdout.Close()
		p.remove(p.containerID)
	})
	return nil
}
