// Package web — HTTP-сторона системы: вебхуки Bot API для админского бота и
// telephony-вебхуки (голос/SMS) перенесённых номеров аккаунтов. Сервер не несёт
// собственной бизнес-логики: апдейты ботов уходят в диспетчер gotgbot, события
// телефонии — тревогой в админский канал.
package web

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"telegram-ingest/internal/infra/logger"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
)

// Notifier доставляет тревоги администраторам.
type Notifier interface {
	NotifyAdmins(ctx context.Context, text string)
}

// Server — вебхук-сервер. Маршрут бота параметризован токеном: Telegram
// доставляет апдейты только тому, кто знает токен, это и есть аутентификация.
type Server struct {
	srv        *http.Server
	bots       map[string]*gotgbot.Bot
	dispatcher *ext.Dispatcher
	notify     Notifier
}

// NewServer собирает сервер. bots — все бот-аккаунты по токену; dispatcher —
// диспетчер команд админского бота.
func NewServer(addr string, bots map[string]*gotgbot.Bot, dispatcher *ext.Dispatcher, notify Notifier) *Server {
	s := &Server{
		bots:       bots,
		dispatcher: dispatcher,
		notify:     notify,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Post("/webhook/bot/{token}", s.handleBotUpdate)
	r.Post("/webhook/voice", s.handleVoice)
	r.Post("/webhook/sms", s.handleSMS)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	return s
}

// Handler отдаёт корневой обработчик; используется тестами.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start блокируется до остановки сервера.
func (s *Server) Start() error {
	logger.Info("webhook server started", zap.String("address", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook server: %w", err)
	}
	return nil
}

// Shutdown мягко останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.Info("webhook server shutting down")
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleBotUpdate — входящий апдейт Bot API. Неизвестный токен отвечается 404
// без деталей.
func (s *Server) handleBotUpdate(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	bot, ok := s.bots[token]
	if !ok {
		http.NotFound(w, r)
		return
	}

	var update gotgbot.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		logger.Warn("malformed bot update", zap.Error(err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := s.dispatcher.ProcessUpdate(bot, &update, nil); err != nil {
		logger.Error("bot update processing failed", zap.Error(err))
	}
	w.WriteHeader(http.StatusOK)
}

// twimlResponse — минимальный TwiML-ответ: для голоса записываем и кладём
// трубку, для SMS отвечаем пустым конвертом.
type twimlResponse struct {
	XMLName xml.Name  `xml:"Response"`
	Record  *struct{} `xml:"Record"`
	Hangup  *struct{} `xml:"Hangup"`
}

func writeTwiML(w http.ResponseWriter, resp twimlResponse) {
	body, err := xml.Marshal(resp)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

// handleVoice — входящий звонок на перенесённый номер: тревога администратору,
// звонящему — запись и отбой.
func (s *Server) handleVoice(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	sender := formValue(r, "From", "<unknown number>")
	me := formValue(r, "To", "<unknown number>")

	logger.Warn("voice call recorded", zap.String("from", sender), zap.String("to", me))
	if s.notify != nil {
		s.notify.NotifyAdmins(r.Context(), fmt.Sprintf("Recorded voice from %s to %s.", sender, me))
	}

	writeTwiML(w, twimlResponse{Record: &struct{}{}, Hangup: &struct{}{}})
}

// handleSMS — входящая SMS (коды авторизации в том числе): текст уходит
// администратору.
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	sender := formValue(r, "From", "<unknown number>")
	me := formValue(r, "To", "<unknown number>")
	body := formValue(r, "Body", "<unknown message>")

	logger.Warn("sms received", zap.String("from", sender), zap.String("to", me))
	if s.notify != nil {
		s.notify.NotifyAdmins(r.Context(), fmt.Sprintf("Received SMS from %s to %s: \n%s", sender, me, body))
	}

	writeTwiML(w, twimlResponse{})
}

// formValue читает значение из формы или query string с дефолтом.
func formValue(r *http.Request, key, fallback string) string {
	if v := r.Form.Get(key); v != "" {
		return v
	}
	if v := r.URL.Query().Get(key); v != "" {
		return v
	}
	return fallback
}
