// Package router classifies reassembled inbound payloads by their top-level
// key and republishes them as typed events on the bus.
package router

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chaz8081/corelink/internal/ble/protocol"
	"github.com/chaz8081/corelink/internal/events"
)

// Kind is the discriminator found on an inbound payload.
type Kind string

const (
	KindStatus            Kind = "status"
	KindDisplay           Kind = "glasses_display_event"
	KindPing              Kind = "ping"
	KindBanner            Kind = "notify_manager"
	KindSearchResult      Kind = "compatible_glasses_search_result"
	KindSearchStop        Kind = "compatible_glasses_search_stop"
	KindAppInfo           Kind = "app_info"
	KindAppDownloaded     Kind = "app_is_downloaded"
	KindPermissionsNeeded Kind = "need_permissions"
	KindAuthError         Kind = "auth_error"

	// KindUnknown marks a payload with no recognized key.
	KindUnknown Kind = ""
	// KindMalformed marks a payload whose recognized key could not be read.
	KindMalformed Kind = "malformed"
)

// precedence is the order keys are checked in; the first match wins.
var precedence = []Kind{
	KindStatus,
	KindDisplay,
	KindPing,
	KindBanner,
	KindSearchResult,
	KindSearchStop,
	KindAppInfo,
	KindAppDownloaded,
	KindPermissionsNeeded,
	KindAuthError,
}

// StatusUpdate carries the full status payload as received.
type StatusUpdate struct {
	Status json.RawMessage `json:"status"`
}

// SearchResult is one compatible glasses model found by the core unit.
type SearchResult struct {
	ModelName  string `json:"model_name"`
	DeviceName string `json:"device_name"`
}

// SearchStop marks the end of a compatible glasses search.
type SearchStop struct {
	ModelName string `json:"model_name"`
}

// AppInfo wraps the app metadata object.
type AppInfo struct {
	AppInfo json.RawMessage `json:"app_info"`
}

// AppDownloaded reports that an app package finished installing.
type AppDownloaded struct {
	PackageName string `json:"package_name"`
}

// ParseError describes a payload the router could not read.
type ParseError struct {
	Kind Kind
	Err  string
}

// PermissionRequester starts the platform permission-grant flow.
type PermissionRequester interface {
	RequestPermissions()
}

// Router dispatches payloads onto the bus.
type Router struct {
	bus         *events.Bus
	permissions PermissionRequester
}

// New returns a Router publishing on bus. permissions may be nil.
func New(bus *events.Bus, permissions PermissionRequester) *Router {
	return &Router{bus: bus, permissions: permissions}
}

// Classify returns the highest-precedence recognized key in p.
func Classify(p protocol.Payload) Kind {
	for _, k := range precedence {
		if p.Has(string(k)) {
			return k
		}
	}
	return KindUnknown
}

// Dispatch publishes the event for p and returns its kind. Unknown keys are
// ignored; an empty object or an unreadable field publishes StatusParseError.
func (r *Router) Dispatch(p protocol.Payload) Kind {
	kind := Classify(p)
	if kind == KindUnknown {
		if len(p) == 0 {
			r.parseError(kind, fmt.Errorf("empty payload"))
			return KindMalformed
		}
		slog.Debug("[ROUTER] ignoring payload with unknown keys", "keys", keys(p))
		return KindUnknown
	}

	if err := r.publish(kind, p[string(kind)]); err != nil {
		r.parseError(kind, err)
		return KindMalformed
	}
	return kind
}

func (r *Router) publish(kind Kind, raw json.RawMessage) error {
	switch kind {
	case KindStatus:
		r.bus.Publish(events.StatusUpdateReceived, StatusUpdate{Status: raw})

	case KindDisplay:
		r.bus.Publish(events.GlassesDisplayEvent, raw)

	case KindPing:
		// liveness only

	case KindBanner:
		var b events.Banner
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		if b.Message == "" {
			return fmt.Errorf("notify_manager without message")
		}
		r.bus.Publish(events.ShowBanner, b)

	case KindSearchResult:
		var res SearchResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return err
		}
		r.bus.Publish(events.SearchResult, res)

	case KindSearchStop:
		var stop SearchStop
		if err := json.Unmarshal(raw, &stop); err != nil {
			return err
		}
		r.bus.Publish(events.SearchStop, stop)

	case KindAppInfo:
		r.bus.Publish(events.AppInfoResult, AppInfo{AppInfo: raw})

	case KindAppDownloaded:
		var d AppDownloaded
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		r.bus.Publish(events.AppIsDownloaded, d)

	case KindPermissionsNeeded:
		slog.Info("[ROUTER] core unit needs permissions")
		r.bus.Publish(events.PermissionsNeeded, nil)
		if r.permissions != nil {
			r.permissions.RequestPermissions()
		}

	case KindAuthError:
		r.bus.Publish(events.AuthError, nil)
	}
	return nil
}

func (r *Router) parseError(kind Kind, err error) {
	slog.Warn("[ROUTER] could not parse payload", "kind", kind, "error", err)
	r.bus.Publish(events.StatusParseError, ParseError{Kind: kind, Err: err.Error()})
}

func keys(p protocol.Payload) []string {
	out := make([]string, 0, len(p))
	for k := range p {
		out = append(out, k)
	}
	return out
}
