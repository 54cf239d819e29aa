package utils

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// MaxMessageLength 消息最大长度（字节）
const MaxMessageLength = 4096

var (
	ErrEmptyMessage   = errors.New("message content is empty")
	ErrMessageTooLong = errors.New("message content too long")
)

// ValidateMessage 校验消息内容，拒绝空白或过长的消息
func ValidateMessage(content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}
	if len(content) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// Preview 截取前 n 个字符，被截断时追加 "..."
func Preview(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

// CompactIDs 去除空白与重复的 id，保持原有顺序
func CompactIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
