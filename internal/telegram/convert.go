package telegram

import (
	"encoding/json"
	"time"

	"github.com/gotd/td/tg"

	"github.com/JakeFAU/groupmonitor/internal/monitor"
)

func channelEntity(ch *tg.Channel) monitor.Entity {
	e := monitor.Entity{
		ID:       ch.ID,
		Username: channelUsername(ch),
		Title:    ch.Title,
	}
	if raw, err := json.Marshal(ch); err == nil {
		e.Raw = raw
	}
	return e
}

// channelUsername prefers the classic username and falls back to the first
// active collectible one.
func channelUsername(ch *tg.Channel) string {
	if ch.Username != "" {
		return ch.Username
	}
	for _, u := range ch.Usernames {
		if u.Active {
			return u.Username
		}
	}
	return ""
}

func findChannel(chats []tg.ChatClass, id int64) (*tg.Channel, bool) {
	for _, c := range chats {
		if ch, ok := c.(*tg.Channel); ok && (id == 0 || ch.ID == id) {
			return ch, true
		}
	}
	return nil, false
}

// fullEntity merges a full channel response into an Entity. Bot accounts
// among the returned users become participants.
func fullEntity(id int64, full *tg.MessagesChatFull) (monitor.Entity, bool) {
	ch, ok := findChannel(full.Chats, id)
	if !ok {
		return monitor.Entity{}, false
	}
	e := channelEntity(ch)
	if cf, ok := full.FullChat.(*tg.ChannelFull); ok {
		e.TTLPeriod = cf.TTLPeriod
	}
	for _, u := range full.Users {
		user, ok := u.(*tg.User)
		if !ok || !user.Bot {
			continue
		}
		e.Participants = append(e.Participants, monitor.Participant{
			ID:       user.ID,
			Username: user.Username,
			Bot:      true,
		})
	}
	if raw, err := json.Marshal(full.FullChat); err == nil {
		e.Raw = raw
	}
	return e, true
}

// convertMessage maps regular and service messages; empty ones are skipped.
func convertMessage(m tg.MessageClass) (monitor.Message, bool) {
	var out monitor.Message
	switch v := m.(type) {
	case *tg.Message:
		out = monitor.Message{ID: v.ID, Date: unixTime(v.Date), Text: v.Message}
	case *tg.MessageService:
		out = monitor.Message{ID: v.ID, Date: unixTime(v.Date)}
	default:
		return monitor.Message{}, false
	}
	if raw, err := json.Marshal(m); err == nil {
		out.Raw = raw
	}
	return out, true
}

func unixTime(sec int) time.Time {
	return time.Unix(int64(sec), 0).UTC()
}

// historyMessages unwraps every MessagesMessages variant.
func historyMessages(res tg.MessagesMessagesClass) []tg.MessageClass {
	switch v := res.(type) {
	case *tg.MessagesMessages:
		return v.Messages
	case *tg.MessagesMessagesSlice:
		return v.Messages
	case *tg.MessagesChannelMessages:
		return v.Messages
	default:
		return nil
	}
}

type dialogPage struct {
	dialogs  []tg.DialogClass
	messages []tg.MessageClass
	chats    []tg.ChatClass
	users    []tg.UserClass
	// complete is set when the server returned every dialog at once.
	complete bool
}

func unpackDialogs(res tg.MessagesDialogsClass) dialogPage {
	switch v := res.(type) {
	case *tg.MessagesDialogs:
		return dialogPage{dialogs: v.Dialogs, messages: v.Messages, chats: v.Chats, users: v.Users, complete: true}
	case *tg.MessagesDialogsSlice:
		return dialogPage{dialogs: v.Dialogs, messages: v.Messages, chats: v.Chats, users: v.Users}
	default:
		return dialogPage{complete: true}
	}
}
