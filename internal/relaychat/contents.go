package relaychat

// Content builders. Records carry a fresh contents map on every emission;
// transport-only fields (channel id, event timestamp, channel-type tag) are
// never part of the canonical record body.

func messageContents(m ChannelMessage) map[string]any {
	contents := map[string]any{"ts": m.TS}
	if m.Type != "" {
		contents["type"] = m.Type
	}
	if m.User != "" {
		contents["user"] = m.User
	}
	if m.Text != "" {
		contents["text"] = m.Text
	}
	if m.Team != "" {
		contents["team"] = m.Team
	}
	if m.Subtype != "" {
		contents["subtype"] = m.Subtype
	}
	if m.ThreadTS != "" {
		contents["thread_ts"] = m.ThreadTS
	}
	if m.Edited != nil {
		contents["edited"] = map[string]any{"user": m.Edited.User, "ts": m.Edited.TS}
	}
	return contents
}

func channelContents(ch Channel) map[string]any {
	contents := map[string]any{"id": ch.ID, "name": ch.Name}
	if ch.IsPrivate {
		contents["is_private"] = true
	}
	if ch.IsArchived {
		contents["is_archived"] = true
	}
	return contents
}

func userContents(u User) map[string]any {
	contents := map[string]any{"id": u.ID, "name": u.Name}
	if u.RealName != "" {
		contents["real_name"] = u.RealName
	}
	if u.IsBot {
		contents["is_bot"] = true
	}
	if len(u.Profile) > 0 {
		contents["profile"] = u.Profile
	}
	return contents
}

func workspaceContents(ws Workspace) map[string]any {
	contents := map[string]any{"id": ws.ID, "name": ws.Name}
	if ws.Domain != "" {
		contents["domain"] = ws.Domain
	}
	return contents
}
