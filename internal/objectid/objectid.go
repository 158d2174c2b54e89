package objectid

import "errors"

// 标识符固定为 40 字符：3 位分片前缀 + 37 位十六进制后缀。
// 前缀字母表为 `-`、`1`-`9`、`a`-`f`，后缀为 `0`-`9`、`a`-`f`。
const (
	PrefixLen = 3
	SuffixLen = 37
	TotalLen  = PrefixLen + SuffixLen
)

// ErrInvalidID 表示标识符不符合两段式格式，路由层必须直接返回 400，
// 绝不允许非法 ID 到达存储层。
var ErrInvalidID = errors.New("invalid layer identifier")

// ID 是经过校验的内容寻址标识符。完整字符串是唯一键，
// 前缀仅用于目录/分区扇出。
type ID struct {
	full string
}

// Parse 校验原始路径 token 并拆分出前缀与后缀。纯函数，无任何副作用。
func Parse(raw string) (ID, error) {
	if len(raw) != TotalLen {
		return ID{}, ErrInvalidID
	}
	for i := 0; i < PrefixLen; i++ {
		if !isPrefixChar(raw[i]) {
			return ID{}, ErrInvalidID
		}
	}
	for i := PrefixLen; i < TotalLen; i++ {
		if !isHexChar(raw[i]) {
			return ID{}, ErrInvalidID
		}
	}
	return ID{full: raw}, nil
}

// MustParse 仅供测试与常量场景使用，解析失败时 panic。
func MustParse(raw string) ID {
	id, err := Parse(raw)
	if err != nil {
		panic("objectid: " + raw + " 不是合法标识符")
	}
	return id
}

// Prefix 返回 3 位分片前缀。
func (id ID) Prefix() string {
	return id.full[:PrefixLen]
}

// Suffix 返回 37 位十六进制后缀。
func (id ID) Suffix() string {
	return id.full[PrefixLen:]
}

// String 返回完整标识符（前缀 + 后缀）。
func (id ID) String() string {
	return id.full
}

// IsZero 表示该 ID 尚未通过 Parse 赋值。
func (id ID) IsZero() bool {
	return id.full == ""
}

func isPrefixChar(c byte) bool {
	switch {
	case c == '-':
		return true
	case c >= '1' && c <= '9':
		return true
	case c >= 'a' && c <= 'f':
		return true
	}
	return false
}

func isHexChar(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')
}
