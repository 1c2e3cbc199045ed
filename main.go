package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile     string
	CoordinatorRun bool
	ClientRun      bool
	NormalizeRun   bool
	OffsetRun      bool
	ClientID       string
	CoordinatorURL string
	ReplayFile     string
	HTTPMode       bool
	HTTPPort       int
	RVec           string
	TVec           string
	BoardPose      string
}

// Runner is the set of modes main can dispatch to
type Runner interface {
	ApplyOptions(opts AppOptions)
	RunCoordinator() error
	RunClient() error
	RunNormalize() error
	RunOffset() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp(os.Stdout)); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

// run parses args, applies them to app and runs the selected mode
func run(args []string, out io.Writer, app Runner) error {
	fs := flag.NewFlagSet("boardmesh", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.BoolVar(&opts.CoordinatorRun, "coordinator", false, "Run the reference coordinator (default mode)")
	fs.BoolVar(&opts.ClientRun, "client", false, "Run a colocation client against a replayed recording")
	fs.BoolVar(&opts.NormalizeRun, "normalize", false, "Normalize one rvec/tvec pair and exit")
	fs.BoolVar(&opts.OffsetRun, "offset", false, "Compute the correction offset for one board pose and exit")
	fs.StringVar(&opts.ClientID, "id", "", "Client submitter id (default: config, env, or a random UUID)")
	fs.StringVar(&opts.CoordinatorURL, "coordinator-url", "", "Coordinator base URL for HTTP submissions")
	fs.StringVar(&opts.ReplayFile, "replay", "", "YAML recording of detector output for --client")
	fs.BoolVar(&opts.HTTPMode, "http", false, "Enable the coordinator HTTP server")
	fs.IntVar(&opts.HTTPPort, "http-port", 8080, "HTTP server port")
	fs.StringVar(&opts.RVec, "rvec", "", "Rotation vector for --normalize: rx,ry,rz")
	fs.StringVar(&opts.TVec, "tvec", "", "Translation vector for --normalize: tx,ty,tz")
	fs.StringVar(&opts.BoardPose, "board", "", "Board pose for --offset: px,py,pz[,qw,qx,qy,qz]")

	if err := fs.Parse(args); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "boardmesh version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.NormalizeRun:
		return app.RunNormalize()
	case opts.OffsetRun:
		return app.RunOffset()
	case opts.ClientRun:
		return app.RunClient()
	default:
		_, _ = fmt.Fprintln(out, "boardmesh coordinator starting...")
		return app.RunCoordinator()
	}
}
