// Package simcore is a stand-in core unit reachable over a websocket. It
// speaks the same chunk protocol as the radio link so the simulated binding
// can be exercised without hardware.
package simcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chaz8081/corelink/internal/ble/protocol"
)

// DefaultPath is the websocket endpoint served by the simulated core.
const DefaultPath = "/core"

// Options configures a Server.
type Options struct {
	Addr string // listen address, e.g. 127.0.0.1:8765
	Path string
	// MTU sets the slice size of outbound frames. Zero uses the protocol maximum.
	MTU int
}

// Server answers commands the way a core unit does: ping with a ping, most
// everything else with a fresh status snapshot.
type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.Mutex
	state *State
}

// New returns a Server with a default device state.
func New(opts Options) *Server {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.MTU <= 0 {
		opts.MTU = protocol.MaxMTU
	}
	return &Server{
		opts: opts,
		upgrader: websocket.Upgrader{
			// Local development peer; no browser origins involved.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		state: NewState(),
	}
}

// Handler returns the HTTP handler serving the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.serveWS)
	return mux
}

// ListenAndServe serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("simcore: listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("[SIM] core listening", "addr", ln.Addr().String(), "path", s.opts.Path)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("simcore: serve: %w", err)
	}
	return nil
}

// Snapshot returns a copy of the current device state.
func (s *Server) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[SIM] upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	peer := r.RemoteAddr
	slog.Info("[SIM] client connected", "peer", peer)
	reasm := protocol.NewReassembler(10 * time.Second)

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("[SIM] client gone", "peer", peer, "error", err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		payload, err := reasm.Add(peer, data)
		if err != nil {
			slog.Warn("[SIM] bad frame", "peer", peer, "error", err)
		}
		if payload == nil {
			continue
		}
		cmd, err := protocol.ParseCommand(payload)
		if err != nil {
			slog.Warn("[SIM] not a command", "peer", peer, "error", err)
			continue
		}
		for _, reply := range s.handle(cmd) {
			if err := s.write(conn, reply); err != nil {
				slog.Warn("[SIM] write failed", "peer", peer, "error", err)
				return
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, v any) error {
	frames, err := protocol.Encode(v, s.opts.MTU)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := conn.WriteMessage(websocket.BinaryMessage, f); err != nil {
			return err
		}
	}
	return nil
}

// handle applies cmd to the device state and returns the replies to send.
func (s *Server) handle(cmd protocol.Command) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	slog.Debug("[SIM] command", "command", cmd.Command)

	st := s.state
	p := params(cmd.Params)
	var extra []any

	switch cmd.Command {
	case protocol.CmdPing:
		return []any{map[string]any{"ping": true}}

	case protocol.CmdRequestStatus, protocol.CmdPhoneNotification:

	case protocol.CmdSearchCompatibleDeviceNames:
		model := p.text("model_name")
		extra = append(extra,
			map[string]any{"compatible_glasses_search_result": map[string]any{
				"model_name": model, "device_name": model + "_SIM",
			}},
			map[string]any{"compatible_glasses_search_stop": map[string]any{"model_name": model}},
		)

	case protocol.CmdConnectWearable:
		st.Glasses = &Glasses{ModelName: p.text("model_name"), BatteryLife: 75}

	case protocol.CmdDisconnectWearable, protocol.CmdForgetSmartGlasses:
		st.Glasses = nil

	case protocol.CmdEnableVirtualWearable:
		if p.flag("enabled") {
			st.Glasses = &Glasses{ModelName: "Virtual Wearable", BatteryLife: 100}
		} else {
			st.Glasses = nil
		}

	case protocol.CmdEnableSensing:
		st.Core.SensingEnabled = p.flag("enabled")
	case protocol.CmdForceCoreOnboardMic:
		st.Core.ForceCoreOnboardMic = p.flag("enabled")
	case protocol.CmdEnableContextualDashboard:
		st.Core.ContextualDashboardEnabled = p.flag("enabled")

	case protocol.CmdUpdateGlassesBrightness:
		if st.Glasses != nil {
			st.Glasses.Brightness = p.number("brightness")
			st.Glasses.AutoBrightness = p.flag("autoLight")
		}
	case protocol.CmdUpdateGlassesHeadUpAngle:
		if st.Glasses != nil {
			st.Glasses.HeadUpAngle = p.number("headUpAngle")
		}

	case protocol.CmdStartApp, protocol.CmdStopApp:
		st.setRunning(p.text("target"), cmd.Command == protocol.CmdStartApp)

	case protocol.CmdInstallAppFromRepository:
		pkg := p.text("target")
		st.install(pkg)
		extra = append(extra, map[string]any{"app_is_downloaded": map[string]any{"package_name": pkg}})

	case protocol.CmdUninstallApp:
		st.uninstall(p.text("target"))

	case protocol.CmdRequestAppInfo:
		app, ok := st.app(p.text("target"))
		if !ok {
			return []any{map[string]any{"notify_manager": map[string]any{
				"message": "App not found: " + p.text("target"), "type": "error",
			}}}
		}
		return []any{map[string]any{"app_info": app}}

	case protocol.CmdUpdateAppSettings:
		st.setSettings(p.text("target"), cmd.Params["settings"])

	case protocol.CmdSetAuthSecretKey:
		st.Core.UserID = p.text("userId")
		st.authKey = p.text("authSecretKey")
		st.Core.Authenticated = st.authKey != ""

	case protocol.CmdVerifyAuthSecretKey:
		if st.authKey == "" {
			return []any{map[string]any{"auth_error": true}}
		}

	case protocol.CmdDeleteAuthSecretKey:
		st.authKey = ""
		st.Core.UserID = ""
		st.Core.Authenticated = false

	default:
		slog.Warn("[SIM] unknown command", "command", cmd.Command)
		return []any{map[string]any{"notify_manager": map[string]any{
			"message": "Unknown command: " + cmd.Command, "type": "error",
		}}}
	}

	return append(extra, map[string]any{"status": st.clone()})
}

type params map[string]any

func (p params) text(key string) string {
	v, _ := p[key].(string)
	return v
}

func (p params) flag(key string) bool {
	v, _ := p[key].(bool)
	return v
}

// number reads a JSON number.
func (p params) number(key string) int {
	v, _ := p[key].(float64)
	return int(v)
}
