// Package discover — контур расширения покрытия: извлечение телеграм-ссылок
// из наблюдаемого трафика, проба кандидатов ботами-фетчерами, допуск по
// языку и размеру, вступление инвокером.
package discover

import (
	"encoding/base64"
	"encoding/binary"
	"regexp"

	"github.com/go-faster/errors"
)

var (
	publicRe   = regexp.MustCompile(`t(?:elegram)?\.me/([a-zA-Z][\w\d]{3,30}[a-zA-Z\d])`)
	publicAtRe = regexp.MustCompile(`@([a-zA-Z][\w\d]{3,30}[a-zA-Z\d])`)
	inviteRe   = regexp.MustCompile(`t(?:elegram)?\.me/joinchat/([a-zA-Z0-9_-]{22})`)
	chineseRe  = regexp.MustCompile(`[\x{4e00}-\x{9fff}]`)
)

// inviteHashLen — длина urlsafe-base64 хвоста приватного инвайта.
const inviteHashLen = 22

// ExtractLinks извлекает из текста кандидатов: публичные username-токены и
// хэши приватных инвайтов. Дубликаты схлопываются с сохранением порядка.
// Токен joinchat — служебный сегмент инвайт-ссылки, публичный регексп ловит
// его ложно, поэтому он отбрасывается здесь.
func ExtractLinks(text string) (public, invites []string) {
	seenPublic := make(map[string]struct{})
	for _, re := range []*regexp.Regexp{publicRe, publicAtRe} {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			token := m[1]
			if token == "joinchat" {
				continue
			}
			if _, ok := seenPublic[token]; ok {
				continue
			}
			seenPublic[token] = struct{}{}
			public = append(public, token)
		}
	}

	seenInvites := make(map[string]struct{})
	for _, m := range inviteRe.FindAllStringSubmatch(text, -1) {
		hash := m[1]
		if _, ok := seenInvites[hash]; ok {
			continue
		}
		seenInvites[hash] = struct{}{}
		invites = append(invites, hash)
	}
	return public, invites
}

// DecodeInvite разбирает последние 22 символа приватного инвайта как
// urlsafe-base64 от 16 байт: uid(u32be) | gid(u32be) | nonce(u64be).
// gid канонизируется в знаковый chat_id: супергруппы и каналы (gid > 10^9)
// получают bot-api префикс -100, обычные группы — просто минус.
func DecodeInvite(hash string) (uid, gid int64, nonce uint64, err error) {
	if len(hash) < inviteHashLen {
		return 0, 0, 0, errors.Errorf("invite hash too short: %q", hash)
	}
	tail := hash[len(hash)-inviteHashLen:]
	raw, decErr := base64.URLEncoding.DecodeString(tail + "==")
	if decErr != nil {
		return 0, 0, 0, errors.Wrap(decErr, "decode invite hash")
	}
	if len(raw) != 16 {
		return 0, 0, 0, errors.Errorf("invite hash decodes to %d bytes, want 16", len(raw))
	}

	uid = int64(binary.BigEndian.Uint32(raw[0:4]))
	rawGID := int64(binary.BigEndian.Uint32(raw[4:8]))
	nonce = binary.BigEndian.Uint64(raw[8:16])

	if rawGID > 1_000_000_000 {
		// Десятизначный gid: текстовая конкатенация "-100"+gid.
		gid = -(1_000_000_000_000 + rawGID)
	} else {
		gid = -rawGID
	}
	return uid, gid, nonce, nil
}

// containsChinese сообщает, есть ли в тексте CJK-иероглифы U+4E00..U+9FFF.
func containsChinese(text string) bool {
	return chineseRe.MatchString(text)
}
