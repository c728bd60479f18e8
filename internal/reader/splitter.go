package reader

import "bytes"

// DefaultDelimiter 单独一行的点号作为邮件分隔符
const DefaultDelimiter = "\n.\n"

// Splitter 按分隔符把字节流切分为独立的邮件单元
//
// 未遇到分隔符的尾部数据会缓存到下一次 Feed。只含空白的单元被丢弃。
type Splitter struct {
	delim []byte
	buf   []byte
}

// NewSplitter 创建切分器，delimiter 为空时使用 DefaultDelimiter
func NewSplitter(delimiter string) *Splitter {
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	return &Splitter{delim: []byte(delimiter)}
}

// Feed 追加数据并返回目前为止完整的单元
func (s *Splitter) Feed(chunk []byte) [][]byte {
	s.buf = append(s.buf, chunk...)

	var units [][]byte
	consumed := 0
	for {
		i := bytes.Index(s.buf[consumed:], s.delim)
		if i < 0 {
			break
		}
		unit := s.buf[consumed : consumed+i]
		consumed += i + len(s.delim)
		if len(bytes.TrimSpace(unit)) == 0 {
			continue
		}
		units = append(units, append([]byte(nil), unit...))
	}
	if consumed > 0 {
		s.buf = append([]byte(nil), s.buf[consumed:]...)
	}
	return units
}

// Flush 取出缓存的尾部数据，只含空白时返回 nil
func (s *Splitter) Flush() []byte {
	tail := s.buf
	s.buf = nil
	if len(bytes.TrimSpace(tail)) == 0 {
		return nil
	}
	return tail
}

// Buffered 返回缓存中尚未切分的字节数
func (s *Splitter) Buffered() int {
	return len(s.buf)
}
