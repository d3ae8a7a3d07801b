package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mossy-p/meshcall/config"
	"github.com/mossy-p/meshcall/internal/logger"
	"github.com/mossy-p/meshcall/internal/media"
	"github.com/mossy-p/meshcall/internal/metrics"
	"github.com/mossy-p/meshcall/internal/models"
	"github.com/mossy-p/meshcall/internal/rtc"
	"github.com/mossy-p/meshcall/internal/session"
	"github.com/mossy-p/meshcall/internal/signaling"
)

type options struct {
	api      string
	relay    string
	user     string
	password string
	name     string
	callType string
	invite   []string
	answer   string
	devices  bool
	logLevel string
}

func parseFlags() options {
	var o options
	pflag.StringVar(&o.api, "api", "http://localhost:8080", "relay HTTP base URL")
	pflag.StringVar(&o.relay, "relay", "", "relay websocket URL (defaults to RELAY_URL)")
	pflag.StringVarP(&o.user, "user", "u", "", "attendee id to log in as")
	pflag.StringVarP(&o.password, "password", "p", "meshcall", "relay password")
	pflag.StringVar(&o.name, "name", "", "display name for chat (defaults to --user)")
	pflag.StringVarP(&o.callType, "type", "t", string(models.CallTypeVideo), "call type to start: voice or video")
	pflag.StringSliceVarP(&o.invite, "invite", "i", nil, "participants to invite when starting a call")
	pflag.StringVarP(&o.answer, "answer", "a", "", "session id to answer instead of starting a call")
	pflag.BoolVar(&o.devices, "devices", false, "capture from real devices (needs -tags mediadevices)")
	pflag.StringVar(&o.logLevel, "log-level", "", "override LOG_LEVEL")
	pflag.Parse()
	return o
}

func main() {
	opts := parseFlags()
	if opts.user == "" {
		fmt.Fprintln(os.Stderr, "--user is required")
		pflag.Usage()
		os.Exit(2)
	}
	if opts.name == "" {
		opts.name = opts.user
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.relay == "" {
		opts.relay = cfg.Relay.URL
	}

	lg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, opts, lg); err != nil {
		lg.Fatal("Call failed", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, opts options, lg *zap.Logger) error {
	loginCtx, cancel := context.WithTimeout(ctx, cfg.Call.OperationTimeout)
	token, err := login(loginCtx, opts.api, opts.user, opts.password)
	cancel()
	if err != nil {
		return err
	}

	transport, err := signaling.DialRelay(ctx, opts.relay, token, lg)
	if err != nil {
		return err
	}
	defer transport.Close()

	var capture media.Capture = media.NewSyntheticCapture()
	var pionOpts []rtc.PionOption
	if opts.devices {
		dc, err := media.NewDeviceCapture(lg)
		if err != nil {
			return err
		}
		capture = dc
		pionOpts = append(pionOpts, rtc.WithCodecs(dc.RegisterCodecs))
	}
	factory, err := rtc.NewPionFactory(cfg.ICEServers, lg, pionOpts...)
	if err != nil {
		return err
	}

	m := session.New(session.Deps{
		Transport: transport,
		Capture:   capture,
		Factory:   factory,
		Config:    cfg.Call,
		Logger:    lg,
		Metrics:   metrics.Nop(),
	})
	ended := make(chan struct{}, 1)
	m.Subscribe(func(ev session.Event) {
		printEvent(ev)
		if ev.Type == session.EventCallEnded {
			select {
			case ended <- struct{}{}:
			default:
			}
		}
	})
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Call.OperationTimeout)
		defer cancel()
		m.Close(closeCtx)
	}()

	if opts.answer != "" {
		if err := m.AnswerCall(ctx, opts.answer, opts.user); err != nil {
			return err
		}
		fmt.Printf("Joined call %s\n", opts.answer)
	} else {
		participants := append([]string{opts.user}, opts.invite...)
		id, err := m.StartCall(ctx, models.CallType(opts.callType), opts.user, participants)
		if err != nil {
			return err
		}
		fmt.Printf("Started call %s; others join with --answer %s\n", id, id)
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-transport.Done():
			lg.Warn("Relay connection lost")
			return nil
		case <-ended:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := command(ctx, m, opts.name, strings.TrimSpace(line), lg); quit {
				return nil
			}
		}
	}
}

// command runs one line of input and reports whether the user asked to leave
func command(ctx context.Context, m *session.Manager, name, line string, lg *zap.Logger) bool {
	var err error
	switch line {
	case "":
		return false
	case "/quit", "/hangup":
		return true
	case "/share":
		err = m.ShareScreen(ctx)
	case "/unshare":
		m.StopScreenShare()
	case "/mute":
		var muted bool
		if muted, err = m.ToggleMute(); err == nil {
			fmt.Printf("Microphone muted: %v\n", muted)
		}
	case "/video":
		var off bool
		if off, err = m.ToggleVideo(); err == nil {
			fmt.Printf("Camera off: %v\n", off)
		}
	case "/peers":
		for _, p := range m.Peers() {
			fmt.Printf("  %s  %-12s role=%s channel=%v\n", p.ID, p.State, p.Role, p.ChannelOpen)
		}
	default:
		_, err = m.SendMessage(line, name)
	}
	if err != nil {
		lg.Warn("Command failed", zap.String("command", line), zap.Error(err))
	}
	return false
}

func printEvent(ev session.Event) {
	switch ev.Type {
	case session.EventNewChatMessages:
		for _, msg := range ev.Messages {
			fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Local().Format(time.Kitchen), msg.SenderName, msg.Text)
		}
	case session.EventPeerStateChanged:
		fmt.Printf("* %s is %s\n", ev.PeerID, ev.State)
	case session.EventRemoteStreamsChanged:
		fmt.Printf("* receiving camera from %d peer(s)\n", len(ev.Streams))
	case session.EventRemoteScreensChanged:
		for id := range ev.Streams {
			fmt.Printf("* %s is sharing their screen\n", id)
		}
	case session.EventScreenShareChanged:
		fmt.Printf("* screen share on: %v\n", ev.Sharing)
	case session.EventCallEnded:
		fmt.Println("* call ended")
	}
}
