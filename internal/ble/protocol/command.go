package protocol

import (
	"encoding/json"
	"fmt"
)

// Command names understood by the core unit.
const (
	CmdPing                        = "ping"
	CmdRequestStatus               = "request_status"
	CmdSearchCompatibleDeviceNames = "search_for_compatible_device_names"
	CmdConnectWearable             = "connect_wearable"
	CmdPhoneNotification           = "phone_notification"
	CmdDisconnectWearable          = "disconnect_wearable"
	CmdForgetSmartGlasses          = "forget_smart_glasses"
	CmdEnableVirtualWearable       = "enable_virtual_wearable"
	CmdEnableSensing               = "enable_sensing"
	CmdForceCoreOnboardMic         = "force_core_onboard_mic"
	CmdEnableContextualDashboard   = "enable_contextual_dashboard"
	CmdUpdateGlassesBrightness     = "update_glasses_brightness"
	CmdUpdateGlassesHeadUpAngle    = "update_glasses_headUp_angle"
	CmdStartApp                    = "start_app"
	CmdStopApp                     = "stop_app"
	CmdInstallAppFromRepository    = "install_app_from_repository"
	CmdSetAuthSecretKey            = "set_auth_secret_key"
	CmdVerifyAuthSecretKey         = "verify_auth_secret_key"
	CmdDeleteAuthSecretKey         = "delete_auth_secret_key"
	CmdRequestAppInfo              = "request_app_info"
	CmdUpdateAppSettings           = "update_app_settings"
	CmdUninstallApp                = "uninstall_app"
)

// Command is the outbound envelope understood by the core unit.
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// NewCommand builds a Command with optional params.
func NewCommand(name string, params map[string]any) Command {
	return Command{Command: name, Params: params}
}

// ParseCommand reads a command envelope out of a reassembled payload.
func ParseCommand(p Payload) (Command, error) {
	var c Command
	raw, ok := p["command"]
	if !ok {
		return c, fmt.Errorf("%w: no command key", ErrDecode)
	}
	if err := json.Unmarshal(raw, &c.Command); err != nil {
		return c, fmt.Errorf("%w: command: %v", ErrDecode, err)
	}
	if raw, ok := p["params"]; ok {
		if err := json.Unmarshal(raw, &c.Params); err != nil {
			return c, fmt.Errorf("%w: params: %v", ErrDecode, err)
		}
	}
	return c, nil
}
