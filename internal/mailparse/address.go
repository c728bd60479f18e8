package mailparse

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidAddress 无法从文本中提取邮件地址
var ErrInvalidAddress = errors.New("invalid email address")

var (
	addressPattern = regexp.MustCompile(`([a-zA-Z0-9._%+-]+)@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`)
	tokenPattern   = regexp.MustCompile(`(?i)Token:\s*([A-Z0-9]+)`)
)

// ExtractAddress 从 "Name <user@host>" 等形式中提取地址并转为小写
func ExtractAddress(s string) (string, error) {
	m := addressPattern.FindString(s)
	if m == "" {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(m), nil
}

// ExtractToken 从主题中提取 "Token: XXX"，未匹配时返回主题本身
func ExtractToken(subject string) string {
	if m := tokenPattern.FindStringSubmatch(subject); m != nil {
		return m[1]
	}
	return subject
}
