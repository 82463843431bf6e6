// Package hooks forwards sheet change events to registered plugin handlers.
// Plugins declare named handlers for the field-change hook plus preference
// defaults; the dispatcher builds a per-event context, resolves preferences,
// and invokes each handler without awaiting its side effects.
package hooks

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/dicetable/sheetbase/internal/sheets"
)

// Context describes the actor and sheet an event concerns.
type Context struct {
	ChannelID string
	UserID    string
	Username  string
	SheetName string
}

// Preference is one configurable plugin value. Stored overrides replace the
// default; templates are rendered with Render at use time.
type Preference struct {
	Key          string
	Label        string
	DefaultValue string
}

// HookHandler is one named handler for the field-change hook. Handle must
// not block; slow side effects should be scheduled (e.g. time.AfterFunc).
type HookHandler struct {
	ID     string
	Name   string
	Handle func(ev sheets.ChangeEvent, ctx Context)
}

type Plugin struct {
	ID                 string
	Name               string
	Description        string
	Version            int
	Preferences        []Preference
	OnSheetEntryChange []HookHandler
}

// HostAPI is handed to plugin factories at registration; the closures stay
// valid for the dispatcher's lifetime.
type HostAPI struct {
	SendToChannel func(channelID, message string)
	GetPreference func(pluginID string, ctx Context) map[string]string
	Render        func(template string, env map[string]string) string
}

// PluginFactory builds a plugin against the host it will run in.
type PluginFactory func(host HostAPI) Plugin

type SendFunc func(channelID, message string)
type UsernameFunc func(channelID, userID string) string

type DispatcherOptions struct {
	// Send delivers plugin output to a channel; nil logs instead.
	Send SendFunc
	// Username resolves a display name for event contexts; nil uses the
	// raw user id.
	Username UsernameFunc
}

type Dispatcher struct {
	mu       sync.Mutex
	plugins  []Plugin
	prefs    map[string]map[string]string
	send     SendFunc
	username UsernameFunc
	bus      *sheets.ChangeBus
	subID    int
}

func NewDispatcher(bus *sheets.ChangeBus, opts DispatcherOptions) *Dispatcher {
	send := opts.Send
	if send == nil {
		send = func(channelID, message string) {
			log.Printf("[hooks] -> %s: %s", channelID, message)
		}
	}
	username := opts.Username
	if username == nil {
		username = func(channelID, userID string) string {
			return userID
		}
	}
	d := &Dispatcher{
		prefs:    map[string]map[string]string{},
		send:     send,
		username: username,
		bus:      bus,
	}
	if bus != nil {
		d.subID = bus.Subscribe(d.dispatch)
	}
	return d
}

func (d *Dispatcher) Close() {
	if d.bus != nil {
		d.bus.Unsubscribe(d.subID)
	}
}

// Register builds the plugin against this dispatcher's host API and adds it.
func (d *Dispatcher) Register(factory PluginFactory) error {
	if factory == nil {
		return fmt.Errorf("nil plugin factory")
	}
	plugin := factory(HostAPI{
		SendToChannel: d.sendToChannel,
		GetPreference: d.preferenceFor,
		Render:        Render,
	})
	if plugin.ID == "" {
		return fmt.Errorf("plugin has no id")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.plugins {
		if existing.ID == plugin.ID {
			return fmt.Errorf("plugin %s already registered", plugin.ID)
		}
	}
	d.plugins = append(d.plugins, plugin)
	return nil
}

// Plugins returns the registered plugins in registration order.
func (d *Dispatcher) Plugins() []Plugin {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Plugin(nil), d.plugins...)
}

// SetPreference stores an override for one plugin preference key.
func (d *Dispatcher) SetPreference(pluginID, key, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	plugin, ok := d.pluginLocked(pluginID)
	if !ok {
		return fmt.Errorf("unknown plugin %s", pluginID)
	}
	known := false
	for _, pref := range plugin.Preferences {
		if pref.Key == key {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("plugin %s has no preference %s", pluginID, key)
	}
	if d.prefs[pluginID] == nil {
		d.prefs[pluginID] = map[string]string{}
	}
	d.prefs[pluginID][key] = value
	return nil
}

// preferenceFor resolves a plugin's effective preferences: declared defaults
// overlaid with stored overrides. The context parameter keeps the signature
// open for per-channel preference scoping.
func (d *Dispatcher) preferenceFor(pluginID string, _ Context) map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := map[string]string{}
	if plugin, ok := d.pluginLocked(pluginID); ok {
		for _, pref := range plugin.Preferences {
			out[pref.Key] = pref.DefaultValue
		}
	}
	for key, value := range d.prefs[pluginID] {
		out[key] = value
	}
	return out
}

func (d *Dispatcher) pluginLocked(pluginID string) (Plugin, bool) {
	for _, plugin := range d.plugins {
		if plugin.ID == pluginID {
			return plugin, true
		}
	}
	return Plugin{}, false
}

func (d *Dispatcher) sendToChannel(channelID, message string) {
	if channelID == "" || message == "" {
		return
	}
	d.send(channelID, message)
}

// dispatch fans one event out to every registered field-change handler. A
// panicking handler is logged and skipped; the rest still run.
func (d *Dispatcher) dispatch(ev sheets.ChangeEvent) error {
	ctx := Context{
		ChannelID: ev.ChannelID,
		UserID:    ev.UserID,
		Username:  d.username(ev.ChannelID, ev.UserID),
		SheetName: ev.SheetName,
	}
	d.mu.Lock()
	plugins := append([]Plugin(nil), d.plugins...)
	d.mu.Unlock()
	for _, plugin := range plugins {
		for _, handler := range plugin.OnSheetEntryChange {
			invokeHook(plugin.ID, handler, ev, ctx)
		}
	}
	return nil
}

func invokeHook(pluginID string, handler HookHandler, ev sheets.ChangeEvent, ctx Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[hooks] %s.%s panicked on %s/%s: %v", pluginID, handler.ID, ev.SheetName, ev.Key, r)
		}
	}()
	if handler.Handle != nil {
		handler.Handle(ev, ctx)
	}
}

// Render substitutes {{placeholder}} occurrences with env values. Unknown
// placeholders are left as-is.
func Render(template string, env map[string]string) string {
	out := template
	for key, value := range env {
		out = strings.ReplaceAll(out, "{{"+key+"}}", value)
	}
	return out
}
