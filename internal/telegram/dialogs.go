package telegram

import (
	"strconv"

	"github.com/gotd/td/tg"
)

type dialogOffset struct {
	date int
	id   int
	peer tg.InputPeerClass
}

func peerKey(p tg.PeerClass) string {
	switch v := p.(type) {
	case *tg.PeerChannel:
		return "c" + strconv.FormatInt(v.ChannelID, 10)
	case *tg.PeerChat:
		return "g" + strconv.FormatInt(v.ChatID, 10)
	case *tg.PeerUser:
		return "u" + strconv.FormatInt(v.UserID, 10)
	default:
		return ""
	}
}

// nextDialogOffset derives the pagination cursor from the last dialog of a
// page: its top message date and id plus an input reference to its peer.
func nextDialogOffset(page dialogPage) (dialogOffset, bool) {
	var last *tg.Dialog
	for i := len(page.dialogs) - 1; i >= 0; i-- {
		if d, ok := page.dialogs[i].(*tg.Dialog); ok {
			last = d
			break
		}
	}
	if last == nil {
		return dialogOffset{}, false
	}
	peer, ok := inputPeer(last.Peer, page)
	if !ok {
		return dialogOffset{}, false
	}
	off := dialogOffset{id: last.TopMessage, peer: peer}
	key := peerKey(last.Peer)
	for _, m := range page.messages {
		if date, peerID, ok := messageHeader(m); ok && m.GetID() == last.TopMessage && peerKey(peerID) == key {
			off.date = date
			break
		}
	}
	return off, true
}

func messageHeader(m tg.MessageClass) (int, tg.PeerClass, bool) {
	switch v := m.(type) {
	case *tg.Message:
		return v.Date, v.PeerID, true
	case *tg.MessageService:
		return v.Date, v.PeerID, true
	default:
		return 0, nil, false
	}
}

func inputPeer(p tg.PeerClass, page dialogPage) (tg.InputPeerClass, bool) {
	switch v := p.(type) {
	case *tg.PeerChannel:
		if ch, ok := findChannel(page.chats, v.ChannelID); ok {
			return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, true
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: v.ChatID}, true
	case *tg.PeerUser:
		for _, u := range page.users {
			if user, ok := u.(*tg.User); ok && user.ID == v.UserID {
				return &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}, true
			}
		}
	}
	return nil, false
}
