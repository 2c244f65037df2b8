package link

import (
	"context"

	"github.com/chaz8081/corelink/internal/ble/protocol"
)

// Notification is a phone notification forwarded to the glasses.
type Notification struct {
	AppName   string
	Title     string
	Text      string
	Timestamp int64
	UUID      string
}

func (g *Gateway) send(ctx context.Context, name string, params map[string]any) error {
	return g.Send(ctx, protocol.NewCommand(name, params))
}

func (g *Gateway) Ping(ctx context.Context) error {
	return g.send(ctx, protocol.CmdPing, nil)
}

// RequestStatus asks the core unit for a full status snapshot. It doubles
// as the heartbeat.
func (g *Gateway) RequestStatus(ctx context.Context) error {
	return g.send(ctx, protocol.CmdRequestStatus, nil)
}

func (g *Gateway) SearchCompatibleDevices(ctx context.Context, modelName string) error {
	return g.send(ctx, protocol.CmdSearchCompatibleDeviceNames, map[string]any{"model_name": modelName})
}

func (g *Gateway) ConnectWearable(ctx context.Context, modelName, deviceName string) error {
	return g.send(ctx, protocol.CmdConnectWearable, map[string]any{
		"model_name":  modelName,
		"device_name": deviceName,
	})
}

func (g *Gateway) SendPhoneNotification(ctx context.Context, n Notification) error {
	return g.send(ctx, protocol.CmdPhoneNotification, map[string]any{
		"appName":   n.AppName,
		"title":     n.Title,
		"text":      n.Text,
		"timestamp": n.Timestamp,
		"uuid":      n.UUID,
	})
}

func (g *Gateway) DisconnectWearable(ctx context.Context) error {
	return g.send(ctx, protocol.CmdDisconnectWearable, nil)
}

func (g *Gateway) ForgetSmartGlasses(ctx context.Context) error {
	return g.send(ctx, protocol.CmdForgetSmartGlasses, nil)
}

func (g *Gateway) EnableVirtualWearable(ctx context.Context, enabled bool) error {
	return g.send(ctx, protocol.CmdEnableVirtualWearable, map[string]any{"enabled": enabled})
}

func (g *Gateway) EnableSensing(ctx context.Context, enabled bool) error {
	return g.send(ctx, protocol.CmdEnableSensing, map[string]any{"enabled": enabled})
}

func (g *Gateway) ForceCoreOnboardMic(ctx context.Context, enabled bool) error {
	return g.send(ctx, protocol.CmdForceCoreOnboardMic, map[string]any{"enabled": enabled})
}

func (g *Gateway) EnableContextualDashboard(ctx context.Context, enabled bool) error {
	return g.send(ctx, protocol.CmdEnableContextualDashboard, map[string]any{"enabled": enabled})
}

// SetGlassesBrightness sets display brightness (0-100) and auto-brightness.
func (g *Gateway) SetGlassesBrightness(ctx context.Context, brightness int, autoLight bool) error {
	return g.send(ctx, protocol.CmdUpdateGlassesBrightness, map[string]any{
		"brightness": brightness,
		"autoLight":  autoLight,
	})
}

func (g *Gateway) SetGlassesHeadUpAngle(ctx context.Context, angle int) error {
	return g.send(ctx, protocol.CmdUpdateGlassesHeadUpAngle, map[string]any{"headUpAngle": angle})
}

func (g *Gateway) StartApp(ctx context.Context, packageName, repository string) error {
	return g.send(ctx, protocol.CmdStartApp, map[string]any{
		"target":     packageName,
		"repository": repository,
	})
}

func (g *Gateway) StopApp(ctx context.Context, packageName string) error {
	return g.send(ctx, protocol.CmdStopApp, map[string]any{"target": packageName})
}

func (g *Gateway) InstallAppFromRepository(ctx context.Context, packageName string) error {
	return g.send(ctx, protocol.CmdInstallAppFromRepository, map[string]any{"target": packageName})
}

func (g *Gateway) SetAuthSecretKey(ctx context.Context, userID, key string) error {
	return g.send(ctx, protocol.CmdSetAuthSecretKey, map[string]any{
		"userId":        userID,
		"authSecretKey": key,
	})
}

func (g *Gateway) VerifyAuthSecretKey(ctx context.Context) error {
	return g.send(ctx, protocol.CmdVerifyAuthSecretKey, nil)
}

func (g *Gateway) DeleteAuthSecretKey(ctx context.Context) error {
	return g.send(ctx, protocol.CmdDeleteAuthSecretKey, nil)
}

func (g *Gateway) RequestAppInfo(ctx context.Context, packageName string) error {
	return g.send(ctx, protocol.CmdRequestAppInfo, map[string]any{"target": packageName})
}

// UpdateAppSettings replaces the settings of an installed app.
func (g *Gateway) UpdateAppSettings(ctx context.Context, packageName string, settings any) error {
	return g.send(ctx, protocol.CmdUpdateAppSettings, map[string]any{
		"target":   packageName,
		"settings": settings,
	})
}

func (g *Gateway) UninstallApp(ctx context.Context, packageName string) error {
	return g.send(ctx, protocol.CmdUninstallApp, map[string]any{"target": packageName})
}
