package simcore

import (
	"encoding/json"
	"slices"
)

// State is the simulated core unit's status, serialized under the
// "status" key.
type State struct {
	Core           CoreInfo   `json:"core_info"`
	BatteryLife    int        `json:"puck_battery_life"`
	ChargingStatus bool       `json:"charging_status"`
	Glasses        *Glasses   `json:"connected_glasses"`
	Wifi           Connection `json:"wifi"`
	GSM            Connection `json:"gsm"`
	Apps           []App      `json:"apps"`

	authKey string
}

type CoreInfo struct {
	PuckConnected              bool   `json:"puck_connected"`
	CloudConnectionStatus      string `json:"cloud_connection_status"`
	SensingEnabled             bool   `json:"sensing_enabled"`
	ForceCoreOnboardMic        bool   `json:"force_core_onboard_mic"`
	ContextualDashboardEnabled bool   `json:"contextual_dashboard_enabled"`
	UserID                     string `json:"user_id,omitempty"`
	Authenticated              bool   `json:"authenticated"`
}

type Glasses struct {
	ModelName      string `json:"model_name"`
	BatteryLife    int    `json:"battery_life"`
	IsSearching    bool   `json:"is_searching"`
	Brightness     int    `json:"brightness"`
	AutoBrightness bool   `json:"auto_brightness"`
	HeadUpAngle    int    `json:"headUp_angle"`
}

type Connection struct {
	IsConnected    bool   `json:"is_connected"`
	SSID           string `json:"ssid,omitempty"`
	Carrier        string `json:"carrier,omitempty"`
	SignalStrength int    `json:"signal_strength"`
}

type App struct {
	Name         string          `json:"name"`
	PackageName  string          `json:"package_name"`
	Description  string          `json:"description"`
	IsRunning    bool            `json:"is_running"`
	IsForeground bool            `json:"is_foreground"`
	Settings     json.RawMessage `json:"settings,omitempty"`
}

// NewState returns the state a freshly booted simulated core reports.
func NewState() *State {
	return &State{
		Core: CoreInfo{
			PuckConnected:         true,
			CloudConnectionStatus: "CONNECTED",
			SensingEnabled:        true,
		},
		BatteryLife: 88,
		Wifi:        Connection{IsConnected: true, SSID: "corelink-sim", SignalStrength: 100},
		Apps: []App{
			{Name: "Live Captions", PackageName: "com.augmentos.livecaptions", Description: "Live captions on your glasses"},
		},
	}
}

func (s *State) clone() State {
	c := *s
	if s.Glasses != nil {
		g := *s.Glasses
		c.Glasses = &g
	}
	c.Apps = slices.Clone(s.Apps)
	return c
}

func (s *State) app(pkg string) (App, bool) {
	i := slices.IndexFunc(s.Apps, func(a App) bool { return a.PackageName == pkg })
	if i < 0 {
		return App{}, false
	}
	return s.Apps[i], true
}

func (s *State) install(pkg string) {
	if _, ok := s.app(pkg); ok {
		return
	}
	s.Apps = append(s.Apps, App{Name: pkg, PackageName: pkg})
}

func (s *State) uninstall(pkg string) {
	s.Apps = slices.DeleteFunc(s.Apps, func(a App) bool { return a.PackageName == pkg })
}

func (s *State) setRunning(pkg string, running bool) {
	for i := range s.Apps {
		if s.Apps[i].PackageName == pkg {
			s.Apps[i].IsRunning = running
			s.Apps[i].IsForeground = running
		} else if running {
			s.Apps[i].IsForeground = false
		}
	}
}

func (s *State) setSettings(pkg string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	for i := range s.Apps {
		if s.Apps[i].PackageName == pkg {
			s.Apps[i].Settings = raw
		}
	}
}
