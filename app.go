package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kwv/boardmesh/mesh"
)

// App encapsulates the application state and dependencies
type App struct {
	Config       *mesh.Config
	StateTracker *mesh.StateTracker
	MQTTClient   *mesh.MQTTClient
	Coordinator  *mesh.ReferenceCoordinator
	Service      *mesh.CoordinatorService
	Out          io.Writer

	// CLI Flags (effectively dependencies)
	ConfigFile     string
	ClientID       string
	CoordinatorURL string
	ReplayFile     string
	HTTPMode       bool
	HTTPPort       int
	RVec           string
	TVec           string
	BoardPose      string

	// newMQTT builds the broker client; replaced in tests
	newMQTT func(config *mesh.Config, clientID string) (*mesh.MQTTClient, error)
}

// NewApp creates a new App instance writing results to out
func NewApp(out io.Writer) *App {
	return &App{
		StateTracker: mesh.NewStateTracker(),
		Out:          out,
		newMQTT:      mesh.NewMQTTClient,
	}
}

// ApplyOptions applies CLI options to the App instance
func (a *App) ApplyOptions(opts AppOptions) {
	a.ConfigFile = opts.ConfigFile
	a.ClientID = opts.ClientID
	a.CoordinatorURL = opts.CoordinatorURL
	a.ReplayFile = opts.ReplayFile
	a.HTTPMode = opts.HTTPMode
	a.HTTPPort = opts.HTTPPort
	a.RVec = opts.RVec
	a.TVec = opts.TVec
	a.BoardPose = opts.BoardPose
}

// RunNormalize converts one rvec/tvec pair into a left-handed camera-space pose
func (a *App) RunNormalize() error {
	rvec, err := parseFloats(a.RVec, 3)
	if err != nil {
		return fmt.Errorf("--rvec: %w", err)
	}
	tvec, err := parseFloats(a.TVec, 3)
	if err != nil {
		return fmt.Errorf("--tvec: %w", err)
	}

	pose, err := mesh.NormalizePose(rvec, tvec)
	if err != nil {
		return err
	}
	return a.printJSON(mesh.NewPoseJSON(pose))
}

// RunOffset prints the correction offset the coordinator would hand out for a board pose
func (a *App) RunOffset() error {
	board, err := parseBoardPose(a.BoardPose)
	if err != nil {
		return fmt.Errorf("--board: %w", err)
	}
	if mesh.IsIdentityPose(board) {
		return fmt.Errorf("--board: %w", mesh.ErrGarbageSubmission)
	}

	pos, rot := mesh.ComputeOffset(board)
	return a.printJSON(mesh.CorrectionOffset{
		PositionOffset: mesh.NewVector3(pos),
		RotationOffset: mesh.NewQuaternion(rot),
	})
}

// RunCoordinator runs the reference coordinator until interrupted
func (a *App) RunCoordinator() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.serveCoordinator(ctx)
}

func (a *App) serveCoordinator(ctx context.Context) error {
	config, err := a.loadCoordinatorConfig()
	if err != nil {
		return err
	}
	a.Config = config

	mqttClient, err := a.newMQTT(config, "boardmesh-coordinator")
	if err != nil {
		return fmt.Errorf("initializing MQTT: %w", err)
	}
	if mqttClient == nil && !a.HTTPMode {
		return fmt.Errorf("no transport: configure an MQTT broker or pass --http")
	}
	a.MQTTClient = mqttClient

	a.Coordinator = mesh.NewReferenceCoordinator(config.Coordinator)
	a.Service = mesh.NewCoordinatorService(a.Coordinator, a.StateTracker, mqttClient)

	if mqttClient != nil {
		if err := mqttClient.Connect(ctx); err != nil {
			return err
		}
		defer mqttClient.Disconnect()
		if err := a.Service.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = a.Service.Stop() }()
	}

	var server *http.Server
	if a.HTTPMode {
		server = &http.Server{
			Addr:              fmt.Sprintf("0.0.0.0:%d", a.HTTPPort),
			Handler:           newHTTPServer(a.Service),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("[HTTP] Starting server on %s", server.Addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[HTTP] Server error: %v", err)
			}
		}()
	}

	a.printCoordinatorInfo(mqttClient)

	<-ctx.Done()

	_, _ = fmt.Fprintln(a.Out, "\nShutting down coordinator...")
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[HTTP] shutdown: %v", err)
		}
	}
	return nil
}

func (a *App) printCoordinatorInfo(mqttClient *mesh.MQTTClient) {
	_, _ = fmt.Fprintln(a.Out, "\nCoordinator Running")
	_, _ = fmt.Fprintln(a.Out, "===================")
	_, _ = fmt.Fprintf(a.Out, "Session: %s\n", a.Coordinator.SessionID())

	if mqttClient != nil {
		prefix := mqttClient.Prefix()
		_, _ = fmt.Fprintln(a.Out, "\nMQTT:")
		_, _ = fmt.Fprintf(a.Out, "  Submissions: %s\n", mesh.SubmitWildcard(prefix))
		_, _ = fmt.Fprintf(a.Out, "  Offsets:     %s\n", mesh.OffsetTopic(prefix, "{submitterId}"))
		_, _ = fmt.Fprintf(a.Out, "  Rejections:  %s\n", mesh.RejectedTopic(prefix, "{submitterId}"))
		_, _ = fmt.Fprintf(a.Out, "  Reference:   %s\n", mesh.ReferenceTopic(prefix))
	}

	if a.HTTPMode {
		_, _ = fmt.Fprintf(a.Out, "\nHTTP endpoints (port %d):\n", a.HTTPPort)
		_, _ = fmt.Fprintln(a.Out, "  GET  /health    - Health check")
		_, _ = fmt.Fprintln(a.Out, "  GET  /reference - Accepted reference")
		_, _ = fmt.Fprintln(a.Out, "  GET  /clients   - Per-client submission status")
		_, _ = fmt.Fprintln(a.Out, "  POST /submit    - Submit a board pose, returns the offset")
	}

	_, _ = fmt.Fprintln(a.Out, "\nPress Ctrl+C to stop")
}

// loadCoordinatorConfig reads the config file if present. The coordinator
// needs no session settings, so a missing file falls back to defaults.
func (a *App) loadCoordinatorConfig() (*mesh.Config, error) {
	if _, err := os.Stat(a.ConfigFile); err != nil {
		log.Printf("Warning: no config at %s, using defaults", a.ConfigFile)
		config := &mesh.Config{}
		config.ApplyDefaults()
		return config, nil
	}
	config, err := mesh.LoadConfig(a.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log.Printf("Loaded config from %s", a.ConfigFile)
	return config, nil
}

// RunClient runs one colocation client against a replayed recording until it
// is aligned, then prints the aligned poses.
func (a *App) RunClient() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.runClient(ctx)
}

func (a *App) runClient(ctx context.Context) error {
	config, err := mesh.LoadConfig(a.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w (looked at %s)", err, a.ConfigFile)
	}
	a.Config = config

	if a.ReplayFile == "" {
		return fmt.Errorf("--client needs --replay")
	}
	rec, err := mesh.LoadRecording(a.ReplayFile)
	if err != nil {
		return err
	}
	replay := mesh.NewReplayDetector(rec)

	id := a.ClientID
	if id == "" {
		id = config.ResolveClientID()
	}
	clientCfg := config.Client
	if a.CoordinatorURL != "" {
		clientCfg.CoordinatorURL = a.CoordinatorURL
	}

	var mqttClient *mesh.MQTTClient
	if clientCfg.CoordinatorURL == "" {
		mqttClient, err = a.newMQTT(config, id)
		if err != nil {
			return fmt.Errorf("initializing MQTT: %w", err)
		}
		if mqttClient != nil {
			if err := mqttClient.Connect(ctx); err != nil {
				return err
			}
			defer mqttClient.Disconnect()
		}
	}
	a.MQTTClient = mqttClient

	root := mesh.NewSceneNode("tracking-root")
	board := mesh.NewSceneNode("board")
	session, err := mesh.NewTrackingSession(replay, board, config.Session)
	if err != nil {
		return err
	}
	client, err := mesh.NewColocationClient(id, session, board, root, clientCfg, mqttClient)
	if err != nil {
		return err
	}
	if err := client.Start(); err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	log.Printf("[CLIENT] %s: replaying %d frames from %s", id, replay.Len(), a.ReplayFile)
	if err := client.Run(ctx, replay); err != nil {
		return err
	}

	offset, _ := client.Aligner().Offset()
	aligned, _ := client.AlignedBoardPose()
	return a.printJSON(struct {
		SubmitterID string                `json:"submitterId"`
		Offset      mesh.CorrectionOffset `json:"offset"`
		Root        mesh.PoseJSON         `json:"root"`
		Board       mesh.PoseJSON         `json:"boardInSharedFrame"`
	}{
		SubmitterID: id,
		Offset:      offset,
		Root:        mesh.NewPoseJSON(root.LocalPose()),
		Board:       mesh.NewPoseJSON(aligned),
	})
}

func (a *App) printJSON(v any) error {
	enc := json.NewEncoder(a.Out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseFloats parses a comma-separated list of exactly n numbers
func parseFloats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("want %d comma-separated values, got %q", n, s)
	}
	out := make([]float64, n)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

// parseBoardPose parses "px,py,pz" or "px,py,pz,qw,qx,qy,qz"
func parseBoardPose(s string) (mesh.Pose, error) {
	n := len(strings.Split(s, ","))
	if n != 3 && n != 7 {
		return mesh.Pose{}, fmt.Errorf("want 3 or 7 comma-separated values, got %q", s)
	}
	vals, err := parseFloats(s, n)
	if err != nil {
		return mesh.Pose{}, err
	}

	pose := mesh.IdentityPose()
	pose.Position = mesh.Vector3{X: vals[0], Y: vals[1], Z: vals[2]}.Vec()
	if n == 7 {
		pose.Rotation = mesh.NormalizeQuat(mesh.Quaternion{W: vals[3], X: vals[4], Y: vals[5], Z: vals[6]}.Quat())
	}
	return pose, nil
}
