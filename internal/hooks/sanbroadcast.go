package hooks

import (
	"time"

	"github.com/dicetable/sheetbase/internal/sheets"
)

const (
	SANBroadcastPluginID = "io.dicetable.plugin.sanbroadcast"

	sanBroadcastLossThreshold = 5
	sanBroadcastDelay         = 100 * time.Millisecond
)

// SANBroadcast announces large sanity losses on Call of Cthulhu sheets: when
// the SAN field drops by five or more in one write, a configurable message is
// sent to the originating channel after a short delay.
func SANBroadcast() PluginFactory {
	return func(host HostAPI) Plugin {
		return Plugin{
			ID:          SANBroadcastPluginID,
			Name:        "SAN loss broadcast",
			Description: "Announces a sanity loss of 5 or more points",
			Version:     1,
			Preferences: []Preference{
				{
					Key:          "text",
					Label:        "Broadcast text",
					DefaultValue: "{{sheetName}} lost 5 or more SAN and is slipping toward temporary insanity!",
				},
			},
			OnSheetEntryChange: []HookHandler{
				{
					ID:   "san-loss",
					Name: "SAN loss broadcast",
					Handle: func(ev sheets.ChangeEvent, ctx Context) {
						if ev.SheetType != sheets.SheetTypeCOC || ev.Key != "SAN" {
							return
						}
						oldValue, ok := sheets.NumericValue(ev.OldValue)
						if !ok {
							return
						}
						newValue, ok := sheets.NumericValue(ev.NewValue)
						if !ok {
							return
						}
						if oldValue-newValue < sanBroadcastLossThreshold {
							return
						}
						env := map[string]string{
							"sheetName": ev.SheetName,
							"username":  ctx.Username,
							"userId":    ctx.UserID,
							"atUser":    "<@!" + ctx.UserID + ">",
						}
						channelID := ctx.ChannelID
						time.AfterFunc(sanBroadcastDelay, func() {
							text := host.GetPreference(SANBroadcastPluginID, ctx)["text"]
							host.SendToChannel(channelID, host.Render(text, env))
						})
					},
				},
			},
		}
	}
}
