package agent

import "github.com/ashureev/leadchat/internal/domain"

// ActionKind is one side effect of a turn.
type ActionKind int

const (
	ActionPersistInbound ActionKind = iota
	ActionBroadcastInbound
	ActionNotifyOwner
	ActionMarkMailed
	ActionRecordAnswer
	ActionMarkLive
	ActionPersistReply
	ActionRespond
)

var actionNames = [...]string{
	ActionPersistInbound:   "persist_inbound",
	ActionBroadcastInbound: "broadcast_inbound",
	ActionNotifyOwner:      "notify_owner",
	ActionMarkMailed:       "mark_mailed",
	ActionRecordAnswer:     "record_answer",
	ActionMarkLive:         "mark_live",
	ActionPersistReply:     "persist_reply",
	ActionRespond:          "respond",
}

func (k ActionKind) String() string {
	if int(k) < len(actionNames) {
		return actionNames[k]
	}
	return "unknown"
}

// Action is a planned side effect. Content and AsksIntake apply to
// ActionPersistReply; Reply and Live to ActionRespond.
type Action struct {
	Kind       ActionKind
	Content    string
	AsksIntake bool
	Reply      *Reply
	Live       bool
}

// roomState is the chat room state a plan is computed from.
type roomState struct {
	Live   bool
	Mailed bool
}

// planInbound decides what happens to an inbound message of an identified
// customer before any completion is requested.
func planInbound(st roomState) []Action {
	if !st.Live {
		return []Action{{Kind: ActionPersistInbound}}
	}
	actions := []Action{
		{Kind: ActionPersistInbound},
		{Kind: ActionBroadcastInbound},
	}
	if !st.Mailed {
		actions = append(actions,
			Action{Kind: ActionNotifyOwner},
			Action{Kind: ActionMarkMailed},
		)
	}
	return append(actions, Action{Kind: ActionRespond, Live: true})
}

// planCompletion decides what happens with an interpreted completion for a
// customer handled by the bot. The answer is recorded even when the
// completion is empty.
func planCompletion(in Interpretation) []Action {
	var actions []Action
	if in.RecordAnswer {
		actions = append(actions, Action{Kind: ActionRecordAnswer})
	}
	if in.Empty {
		return actions
	}

	if in.HandOff {
		actions = append(actions, Action{Kind: ActionMarkLive})
		if in.Content == "" {
			return append(actions, Action{Kind: ActionRespond, Live: true})
		}
		return append(actions,
			Action{Kind: ActionPersistReply, Content: in.Content},
			Action{Kind: ActionRespond, Reply: &Reply{Role: domain.RoleAssistant, Content: in.Content}},
		)
	}

	return append(actions,
		Action{Kind: ActionPersistReply, Content: in.Persisted(), AsksIntake: in.AsksIntake},
		Action{Kind: ActionRespond, Reply: &Reply{Role: domain.RoleAssistant, Content: in.Content, Link: in.Link}},
	)
}
