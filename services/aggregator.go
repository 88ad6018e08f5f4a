package services

import (
	"context"

	"travelchat/models"
)

// Aggregator строит список диалогов для администратора. Своего состояния нет,
// пересчитывается при каждом опросе.
type Aggregator struct {
	chat *ChatService
}

func NewAggregator(chat *ChatService) *Aggregator {
	return &Aggregator{chat: chat}
}

// Snapshot - последнее сообщение и число непрочитанных по каждому диалогу,
// от самого свежего к старому
func (a *Aggregator) Snapshot(ctx context.Context) ([]models.ConversationSummary, error) {
	latest, err := a.chat.ListLatestPerConversation(ctx)
	if err != nil {
		return nil, err
	}
	unread, err := a.chat.UnreadCounts(ctx)
	if err != nil {
		return nil, err
	}

	names, err := a.chat.LatestGuestNames(ctx)
	if err != nil {
		return nil, err
	}

	summaries := make([]models.ConversationSummary, 0, len(latest))
	for _, msg := range latest {
		summary := models.ConversationSummary{
			ConversationID: msg.ConversationID,
			LatestMessage:  msg,
			UnreadCount:    unread[msg.ConversationID],
		}
		switch name, ok := names[msg.ConversationID]; {
		case !msg.AuthorIsAdmin:
			summary.OtherPartyDisplayName = msg.AuthorDisplayName
		case ok:
			summary.OtherPartyDisplayName = name
		default:
			// в диалоге писал только администратор
			summary.OtherPartyDisplayName = defaultGuestName
		}
		summaries = append(summaries, summary)
	}
	models.SortSummaries(summaries)
	return summaries, nil
}
