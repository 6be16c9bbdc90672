// Package auth — терминальный слой авторизации для gotd. Пайплайн — демон,
// но первый вход аккаунта интерактивен: код подтверждения и пароль 2FA
// вводятся с консоли при старте, дальше живёт файл сессии.
package auth

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"golang.org/x/term"
)

var stdin = bufio.NewReader(os.Stdin)

// readLine выводит приглашение и читает одну строку из stdin без пробелов по краям.
func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := stdin.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// TerminalAuthenticator реализует auth.UserAuthenticator для одного аккаунта.
// Номер телефона известен из конфигурации; код и 2FA запрашиваются с консоли.
type TerminalAuthenticator struct {
	// SessionName показывается в приглашениях, чтобы при нескольких аккаунтах
	// было понятно, чей код вводится.
	SessionName string
	PhoneNumber string
}

// Phone возвращает номер аккаунта. Формат не проверяется; ожидается E.164.
func (t TerminalAuthenticator) Phone(_ context.Context) (string, error) {
	return t.PhoneNumber, nil
}

// Code запрашивает код подтверждения у оператора.
func (t TerminalAuthenticator) Code(_ context.Context, _ *tg.AuthSentCode) (string, error) {
	return readLine(fmt.Sprintf("[%s] Enter the code from Telegram: ", t.SessionName))
}

// Password считывает пароль 2FA без эха.
func (t TerminalAuthenticator) Password(_ context.Context) (string, error) {
	fmt.Printf("[%s] Enter 2FA password: ", t.SessionName)
	passwordBytes, err := term.ReadPassword(syscall.Stdin)
	fmt.Println()
	if err != nil {
		return "", err
	}
	return string(passwordBytes), nil
}

// AcceptTermsOfService показывает текст условий и требует явного согласия.
func (t TerminalAuthenticator) AcceptTermsOfService(_ context.Context, tos tg.HelpTermsOfService) error {
	fmt.Printf("Telegram Terms of Service: %s\n", tos.Text)
	resp, err := readLine("Do you accept? (y/n): ")
	if err != nil {
		return err
	}
	if resp != "y" && resp != "Y" {
		return errors.New("user did not accept terms of service")
	}
	return nil
}

// SignUp не поддерживается: аккаунты пайплайна должны существовать заранее.
func (t TerminalAuthenticator) SignUp(_ context.Context) (auth.UserInfo, error) {
	return auth.UserInfo{}, errors.New("sign up is not supported, register the account first")
}
