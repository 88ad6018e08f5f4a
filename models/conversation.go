package models

import "sort"

// ConversationSummary - строка в списке диалогов администратора
type ConversationSummary struct {
	ConversationID        string  `json:"conversation_id"`
	LatestMessage         Message `json:"latest_message"`
	UnreadCount           int64   `json:"unread_count"`
	OtherPartyDisplayName string  `json:"other_party_display_name"`
}

// SortSummaries упорядочивает диалоги от самого свежего сообщения к старому
func SortSummaries(summaries []ConversationSummary) {
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[j].LatestMessage.Before(summaries[i].LatestMessage)
	})
}

// Identity - идентичность гостя, выданная сервером
type Identity struct {
	ConversationID string `json:"conversation_id"`
	DisplayName    string `json:"display_name"`
	Token          string `json:"token"`
	ExpiresAt      int64  `json:"expires_at"`
}
