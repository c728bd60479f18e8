package mailparse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime/v2"

	"mockmail/backend/internal/domain"
)

// DefaultSubject 缺少主题时使用的占位文本
const DefaultSubject = "(no subject)"

var (
	// ErrEmptyMessage 输入为空
	ErrEmptyMessage = errors.New("empty message")
	// ErrNoRecipient 缺少收件人
	ErrNoRecipient = errors.New("message has no recipient")
)

// Decoder 将原始 RFC 5322 字节流解码为 InboundMessage
type Decoder struct {
	now         func() time.Time
	wordDecoder *mime.WordDecoder
}

// NewDecoder 创建解码器
func NewDecoder() *Decoder {
	return &Decoder{
		now:         time.Now,
		wordDecoder: &mime.WordDecoder{},
	}
}

// Decode 解码一封邮件
func (d *Decoder) Decode(raw []byte) (*domain.InboundMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}

	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}

	to := firstAddress(env, "To")
	if to == "" {
		to = firstAddress(env, "Delivered-To")
	}
	if to == "" {
		return nil, ErrNoRecipient
	}

	in := &domain.InboundMessage{
		MessageID:  stripAngles(env.GetHeader("Message-ID")),
		From:       firstAddress(env, "From"),
		To:         to,
		Subject:    strings.TrimSpace(env.GetHeader("Subject")),
		InReplyTo:  stripAngles(env.GetHeader("In-Reply-To")),
		References: splitReferences(env.GetHeader("References")),
		HTML:       env.HTML,
		Text:       env.Text,
		Headers:    d.orderedHeaders(raw),
		Raw:        raw,
	}
	if in.Subject == "" {
		in.Subject = DefaultSubject
	}
	if env.Root != nil {
		in.ContentType = env.Root.ContentType
	}

	in.Date = d.now().UTC()
	if date, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		in.Date = date.UTC()
	}

	for _, parts := range [][]*enmime.Part{env.Attachments, env.Inlines} {
		for _, p := range parts {
			if p.FileName == "" {
				continue
			}
			in.Attachments = append(in.Attachments, domain.Attachment{
				Filename:    p.FileName,
				ContentType: p.ContentType,
				Size:        int64(len(p.Content)),
			})
		}
	}

	return in, nil
}

// firstAddress 返回头部中的第一个地址，解析失败时回退到原始头部文本
func firstAddress(env *enmime.Envelope, key string) string {
	list, err := env.AddressList(key)
	if err == nil && len(list) > 0 && list[0].Address != "" {
		return list[0].Address
	}
	return strings.TrimSpace(env.GetHeader(key))
}

func stripAngles(v string) string {
	return strings.Trim(strings.TrimSpace(v), "<>")
}

func splitReferences(v string) []string {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return nil
	}
	refs := make([]string, 0, len(fields))
	for _, f := range fields {
		if id := stripAngles(f); id != "" {
			refs = append(refs, id)
		}
	}
	return refs
}

// orderedHeaders 按原始顺序读取头部，折叠行会被合并，编码字会被解码
func (d *Decoder) orderedHeaders(raw []byte) domain.Headers {
	var h domain.Headers
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var key string
	var value strings.Builder
	flush := func() {
		if key == "" {
			return
		}
		v := strings.TrimSpace(value.String())
		if decoded, err := d.wordDecoder.DecodeHeader(v); err == nil {
			v = decoded
		}
		h = h.Add(key, v)
		key = ""
		value.Reset()
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			break
		}
		if line[0] == ' ' || line[0] == '\t' {
			if key != "" {
				value.WriteByte(' ')
				value.WriteString(strings.TrimSpace(line))
			}
			continue
		}
		flush()
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(name)
		value.WriteString(rest)
	}
	flush()
	return h
}
