package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"travelchat/models"
)

const (
	redisSeqKey        = "chat:message_seq"
	redisLatestKey     = "chat:latest"
	redisGuestNameKey  = "chat:guest_name"
	redisConvKeyPrefix = "chat:conv:"
	redisUnreadPrefix  = "chat:unread:"
)

// Lua скрипты: добавление и пометка прочитанным выполняются атомарно
var (
	appendMessageScript = redis.NewScript(`
		local conv_key = KEYS[1]
		local unread_key = KEYS[2]
		local latest_key = KEYS[3]
		local guest_name_key = KEYS[4]
		local message_json = ARGV[1]
		local score = ARGV[2]
		local message_id = ARGV[3]
		local is_guest = ARGV[4]
		local conversation_id = ARGV[5]
		local display_name = ARGV[6]

		-- sorted set диалога, score = created_at в микросекундах
		redis.call('ZADD', conv_key, score, message_json)

		-- непрочитанные сообщения и последнее имя гостя
		if is_guest == '1' then
			redis.call('SADD', unread_key, message_id)
			redis.call('HSET', guest_name_key, conversation_id, display_name)
		end

		-- последнее сообщение диалога
		redis.call('HSET', latest_key, conversation_id, message_json)

		return 1
	`)

	markReadScript = redis.NewScript(`
		local unread_key = KEYS[1]
		local updated_count = redis.call('SCARD', unread_key)
		if updated_count > 0 then
			redis.call('DEL', unread_key)
		end
		return updated_count
	`)
)

// RedisMessageStore хранит сообщения в Redis: sorted set на диалог,
// set непрочитанных id и hash последних сообщений
type RedisMessageStore struct {
	client *redis.Client
}

func NewRedisMessageStore(client *redis.Client) *RedisMessageStore {
	return &RedisMessageStore{client: client}
}

func convKey(conversationID string) string {
	return redisConvKeyPrefix + conversationID
}

func unreadKey(conversationID string) string {
	return redisUnreadPrefix + conversationID
}

func (s *RedisMessageStore) Insert(ctx context.Context, msg *models.Message) error {
	id, err := s.client.Incr(ctx, redisSeqKey).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate message id: %w", err)
	}
	msg.ID = id

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	isGuest := "0"
	if !msg.AuthorIsAdmin {
		isGuest = "1"
	}

	err = appendMessageScript.Run(ctx, s.client,
		[]string{convKey(msg.ConversationID), unreadKey(msg.ConversationID), redisLatestKey, redisGuestNameKey},
		string(data), msg.CreatedAt.UnixMicro(), id, isGuest, msg.ConversationID, msg.AuthorDisplayName).Err()
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *RedisMessageStore) ListByConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	var (
		rangeCmd  *redis.StringSliceCmd
		unreadCmd *redis.StringSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		rangeCmd = pipe.ZRange(ctx, convKey(conversationID), 0, -1)
		unreadCmd = pipe.SMembers(ctx, unreadKey(conversationID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	return decodeMessages(rangeCmd.Val(), toSet(unreadCmd.Val()))
}

func (s *RedisMessageStore) ListLatestPerConversation(ctx context.Context) ([]models.Message, error) {
	latest, err := s.client.HGetAll(ctx, redisLatestKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get latest messages: %w", err)
	}

	messages := make([]models.Message, 0, len(latest))
	for _, raw := range latest {
		var msg models.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		messages = append(messages, msg)
	}

	if len(messages) == 0 {
		return messages, nil
	}
	cmds := make([]*redis.BoolCmd, len(messages))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, msg := range messages {
			cmds[i] = pipe.SIsMember(ctx, unreadKey(msg.ConversationID), strconv.FormatInt(msg.ID, 10))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get read state: %w", err)
	}
	for i := range messages {
		messages[i].Read = messages[i].AuthorIsAdmin || !cmds[i].Val()
	}
	return messages, nil
}

func (s *RedisMessageStore) ListAll(ctx context.Context, excludeDisplayName string) ([]models.Message, error) {
	conversations, err := s.client.HKeys(ctx, redisLatestKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	all := make([]models.Message, 0)
	for _, convID := range conversations {
		messages, err := s.ListByConversation(ctx, convID)
		if err != nil {
			return nil, err
		}
		for _, msg := range messages {
			if excludeDisplayName != "" && msg.AuthorDisplayName == excludeDisplayName {
				continue
			}
			all = append(all, msg)
		}
	}
	return all, nil
}

func (s *RedisMessageStore) UnreadCounts(ctx context.Context) (map[string]int64, error) {
	conversations, err := s.client.HKeys(ctx, redisLatestKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	cmds := make(map[string]*redis.IntCmd, len(conversations))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, convID := range conversations {
			cmds[convID] = pipe.SCard(ctx, unreadKey(convID))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count unread: %w", err)
	}

	counts := make(map[string]int64, len(cmds))
	for convID, cmd := range cmds {
		if n := cmd.Val(); n > 0 {
			counts[convID] = n
		}
	}
	return counts, nil
}

func (s *RedisMessageStore) LatestGuestNames(ctx context.Context) (map[string]string, error) {
	names, err := s.client.HGetAll(ctx, redisGuestNameKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get guest names: %w", err)
	}
	return names, nil
}

// LastCreatedAt берет максимум по hash последних сообщений
func (s *RedisMessageStore) LastCreatedAt(ctx context.Context) (time.Time, error) {
	latest, err := s.client.HVals(ctx, redisLatestKey).Result()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get latest messages: %w", err)
	}
	messages, err := decodeMessages(latest, nil)
	if err != nil {
		return time.Time{}, err
	}
	var last time.Time
	for _, msg := range messages {
		if msg.CreatedAt.After(last) {
			last = msg.CreatedAt
		}
	}
	return last, nil
}

func (s *RedisMessageStore) MarkConversationRead(ctx context.Context, conversationID string) (int64, error) {
	n, err := markReadScript.Run(ctx, s.client, []string{unreadKey(conversationID)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to mark as read: %w", err)
	}
	return n, nil
}

func (s *RedisMessageStore) Close() error {
	return s.client.Close()
}

func decodeMessages(raw []string, unread map[string]struct{}) ([]models.Message, error) {
	messages := make([]models.Message, 0, len(raw))
	for _, item := range raw {
		var msg models.Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		_, isUnread := unread[strconv.FormatInt(msg.ID, 10)]
		msg.Read = msg.AuthorIsAdmin || !isUnread
		messages = append(messages, msg)
	}
	return messages, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
