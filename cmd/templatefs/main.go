// Command templatefs mounts the template overlay filesystem: a mirror
// of a lower directory tree whose reads are intercepted and synthesized
// wherever a matching entry exists in a parallel template tree.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/paul-chambers/templatefs/internal/anchor"
	"github.com/paul-chambers/templatefs/internal/config"
	"github.com/paul-chambers/templatefs/internal/fserrors"
	"github.com/paul-chambers/templatefs/internal/health"
	"github.com/paul-chambers/templatefs/internal/logging"
	"github.com/paul-chambers/templatefs/internal/metrics"
	"github.com/paul-chambers/templatefs/internal/overlayfs"
)

// version is overwritten at build time via -ldflags.
var version = "dev"

var (
	optionStrings []string
	configPath    string
	foreground    bool
	singleThread  bool
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "templatefs <mountpoint>",
		Short:   "Mount a template-synthesizing overlay filesystem",
		Version: version,
		Args:    cobra.ExactArgs(1),
		RunE:    runMount,
	}
	cmd.Flags().StringArrayVarP(&optionStrings, "option", "o", nil,
		`mount option, e.g. -o templates=/path/to/templates (required), or a comma-joined list -o templates=/x,allow_other`)
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML configuration file")
	cmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "stay in the foreground instead of daemonizing")
	cmd.Flags().BoolVarP(&singleThread, "single-threaded", "s", false, "serve requests on a single thread")
	return cmd
}

// parseMountOptions splits FUSE-style -o option values (each either a
// bare flag or key=value, comma-joined or repeated) into a map.
func parseMountOptions(raw []string) map[string]string {
	out := make(map[string]string)
	for _, group := range raw {
		for _, opt := range strings.Split(group, ",") {
			opt = strings.TrimSpace(opt)
			if opt == "" {
				continue
			}
			if k, v, ok := strings.Cut(opt, "="); ok {
				out[k] = v
			} else {
				out[opt] = "true"
			}
		}
	}
	return out
}

func runMount(cmd *cobra.Command, args []string) error {
	mountPoint := args[0]
	opts := parseMountOptions(optionStrings)

	templatesPath, ok := opts["templates"]
	if !ok || templatesPath == "" {
		return fserrors.New(fserrors.CodeMissingTemplates, "missing required -o templates=<path>").
			WithComponent("cmd").WithOperation("runMount")
	}

	cfg := config.NewDefault()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	cfg.Mount.SingleThreaded = singleThread || cfg.Mount.SingleThreaded
	cfg.Mount.AllowOther = opts["allow_other"] == "true" || cfg.Mount.AllowOther

	log := logging.New("templatefs")
	for _, d := range cfg.Logging.Destinations {
		level, err := logging.ParsePriority(d.Level)
		if err != nil {
			return err
		}
		mode := logging.ModeNormal
		if d.WithLocation {
			mode = logging.ModeWithLocation
		}
		dest := destinationFromName(d.Destination)
		if dest == logging.ToFile && cfg.Logging.FilePath != "" {
			if err := log.OpenFile(cfg.Logging.FilePath); err != nil {
				return err
			}
		}
		if err := log.SetDestination(level, dest, mode); err != nil {
			return err
		}
	}
	log.SetFunctionTrace(cfg.Logging.FunctionTrace)
	defer log.Close()

	anchors, err := anchor.SetupPair(mountPoint, templatesPath)
	if err != nil {
		return err
	}
	defer anchors.Close()

	mc, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Address:   cfg.Metrics.Address,
		Namespace: "templatefs",
	})
	if err != nil {
		return fserrors.New(fserrors.CodeMountFailed, "cannot initialize metrics").
			WithComponent("cmd").WithCause(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := mc.Start(ctx); err != nil {
		return fserrors.New(fserrors.CodeMountFailed, "cannot start metrics server").
			WithComponent("cmd").WithCause(err)
	}

	if cfg.Health.Enabled {
		tracker := health.NewTracker(3)
		tracker.Probe(anchors)
		go tracker.RunProbeLoop(ctx, anchors, 30*cfg.Exec.DrainTimeout/10+1)
		if shutdown, err := health.Serve(cfg.Health.Address, tracker); err != nil {
			log.Log(logging.Warning, "", 0, "health endpoint failed to start: %v", err)
		} else {
			go func() {
				<-ctx.Done()
				_ = shutdown(context.Background())
			}()
		}
	}

	server, err := overlayfs.Mount(mountPoint, anchors, cfg, log, mc)
	if err != nil {
		return fserrors.New(fserrors.CodeMountFailed, "mount failed").
			WithComponent("cmd").WithCause(err)
	}

	fmt.Fprintf(os.Stderr, "templatefs: mounted %s (templates: %s)\n", mountPoint, templatesPath)

	go func() {
		<-ctx.Done()
		log.Log(logging.Notice, "", 0, "signal received, unmounting %s", mountPoint)
		if err := server.Unmount(); err != nil {
			log.Log(logging.Error, "", 0, "unmount failed: %v", err)
		}
	}()

	server.Wait()
	return nil
}

func destinationFromName(name string) logging.Destination {
	switch strings.ToLower(name) {
	case "stderr":
		return logging.ToStderr
	case "file":
		return logging.ToFile
	case "syslog":
		return logging.ToSyslog
	default:
		return logging.ToVoid
	}
}

// exitCodeFor maps a startup error to its documented process exit code.
func exitCodeFor(err error) int {
	fsErr, _ := err.(*fserrors.Error)
	if fsErr == nil {
		fmt.Fprintln(os.Stderr, "templatefs:", err)
		return 1
	}
	fmt.Fprintln(os.Stderr, "templatefs:", fsErr.Error())
	if code, ok := fserrors.ExitCode(fsErr.Code); ok {
		return code
	}
	return 1
}
