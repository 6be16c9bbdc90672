// Package faults — единая таксономия ошибок удалённых вызовов.
// Обработчики задач возвращают Fault вместо «сырых» ошибок Telegram/Bot API;
// воркерная фабрика отображает каждый вид на свою политику (ретрай, дроп,
// пауза, эскалация администратору). Исключения как управление потоком из
// исходной системы здесь заменены помеченным вариантом.
package faults

import (
	"errors"
	"fmt"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/gotd/td/tgerr"
)

// Kind — вид сбоя, определяющий политику обработки.
type Kind int

const (
	// Transient — временный сетевой/инфраструктурный сбой: ретрай с хвоста очереди.
	Transient Kind = iota
	// RateLimited — FLOOD_WAIT / RetryAfter: ретрай с головы очереди после паузы Wait.
	RateLimited
	// NotFound — сущность не существует или приглашение недействительно: дроп без ретрая.
	NotFound
	// Forbidden — нас выгнали или чат приватный: дроп, субъект эскалируется администратору.
	Forbidden
	// QuotaExhausted — аккаунт упёрся в лимит групп: дроп, защёлка в global_count.
	QuotaExhausted
	// AuthLost — ключ авторизации отозван: операция бросается, оркестратор не чинит сам.
	AuthLost
	// Programmer — всё прочее: полная трассировка администратору, задача ретраится.
	Programmer
)

// String возвращает человекочитаемое имя вида сбоя.
func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case NotFound:
		return "not_found"
	case Forbidden:
		return "forbidden"
	case QuotaExhausted:
		return "quota_exhausted"
	case AuthLost:
		return "auth_lost"
	case Programmer:
		return "programmer"
	default:
		return "unknown"
	}
}

// Fault — помеченный вариант сбоя. Wait заполнен только для RateLimited.
type Fault struct {
	Kind Kind
	Wait time.Duration
	Err  error
}

// Error реализует error.
func (f *Fault) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

// Unwrap отдаёт вложенную ошибку для errors.Is/As.
func (f *Fault) Unwrap() error { return f.Err }

// New создаёт Fault данного вида.
func New(kind Kind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// Waitf создаёт RateLimited с данной паузой.
func Waitf(wait time.Duration, err error) *Fault {
	return &Fault{Kind: RateLimited, Wait: wait, Err: err}
}

// As извлекает Fault из цепочки ошибок.
func As(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// KindOf возвращает вид сбоя; не-Fault ошибки считаются Programmer.
func KindOf(err error) Kind {
	if f, ok := As(err); ok {
		return f.Kind
	}
	return Programmer
}

// Коды RPC-ошибок MTProto, различаемые политикой §7.
var (
	mtNotFound = []string{
		"INVITE_HASH_EXPIRED", "INVITE_HASH_INVALID",
		"USERNAME_NOT_OCCUPIED", "USERNAME_INVALID",
		"PEER_ID_INVALID", "CHAT_ID_INVALID",
	}
	mtForbidden = []string{"CHANNEL_PRIVATE", "USER_NOT_PARTICIPANT", "CHAT_WRITE_FORBIDDEN"}
)

// FromMTProto классифицирует ошибку gotd. Возвращает nil для nil.
func FromMTProto(err error) *Fault {
	if err == nil {
		return nil
	}
	if f, ok := As(err); ok {
		return f
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return Waitf(wait, err)
	}
	switch {
	case tgerr.Is(err, "CHANNELS_TOO_MUCH"):
		return New(QuotaExhausted, err)
	case tgerr.Is(err, "AUTH_KEY_UNREGISTERED"):
		return New(AuthLost, err)
	case tgerr.Is(err, mtNotFound...):
		return New(NotFound, err)
	case tgerr.Is(err, mtForbidden...):
		return New(Forbidden, err)
	case tgerr.Is(err, "RPC_CALL_FAIL"):
		return New(Transient, err)
	}
	if _, ok := tgerr.As(err); ok {
		// Неизвестный RPC-код: считаем программной ошибкой, пусть эскалируется.
		return New(Programmer, err)
	}
	// Сетевые и контекстные ошибки транспортного уровня.
	return New(Transient, err)
}

// FromBotAPI классифицирует ошибку gotgbot. Возвращает nil для nil.
func FromBotAPI(err error) *Fault {
	if err == nil {
		return nil
	}
	if f, ok := As(err); ok {
		return f
	}
	var tgErr *gotgbot.TelegramError
	if !errors.As(err, &tgErr) {
		return New(Transient, err)
	}
	if tgErr.ResponseParams != nil && tgErr.ResponseParams.RetryAfter > 0 {
		return Waitf(time.Duration(tgErr.ResponseParams.RetryAfter)*time.Second, err)
	}
	switch tgErr.Code {
	case 429:
		return Waitf(time.Minute, err)
	case 403:
		return New(Forbidden, err)
	case 400, 404:
		return New(NotFound, err)
	}
	return New(Transient, err)
}
