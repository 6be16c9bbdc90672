// Package mysql — реляционное хранилище пайплайна: строки сообщений,
// сущности (пользователи, группы) с append-only историей и приватные
// инвайты. Схема повторяет исторические имена колонок (chatid, messageid,
// time, flag), миграциями владеет деплой; EnsureSchema — только bootstrap.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// Флаги строки сообщения. deleted — бит, OR-ится поверх исходного флага.
const (
	FlagNew     int16 = 0
	FlagEdited  int16 = 1
	FlagDeleted int16 = 2
)

// Message — строка таблицы chat_new. Правки не мутируют строку на месте:
// каждое редактирование добавляет новую строку с flag=edited.
type Message struct {
	ID        int64
	ChatID    int64
	MessageID int64
	UserID    sql.NullInt64
	Text      string
	Date      int64
	Flag      int16
}

// User — текущее состояние пользователя (таблица users).
type User struct {
	UID       int64
	Username  sql.NullString
	FirstName sql.NullString
	LastName  sql.NullString
	LangCode  sql.NullString
}

// Group — текущее состояние группы (таблица groups). Master — uid аккаунта,
// который наблюдает группу; NULL, пока группа не присвоена.
type Group struct {
	GID    int64
	Name   sql.NullString
	Link   sql.NullString
	Master sql.NullInt64
}

// Store держит пул соединений и кэш подготовленных запросов.
type Store struct {
	db         *sql.DB
	statements map[string]*sql.Stmt
	mu         sync.Mutex
}

// Connect открывает пул к MySQL по DSN и проверяет его ping-ом.
// База может стартовать позже пайплайна, поэтому ping ретраится.
func Connect(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql connect: %w", err)
	}

	for i := 0; i < 3; i++ {
		if err = db.Ping(); err == nil {
			break
		}
		if i == 2 {
			return nil, fmt.Errorf("ping database: %w", err)
		}
		time.Sleep(10 * time.Second)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	return &Store{
		db:         db,
		statements: make(map[string]*sql.Stmt),
	}, nil
}

// Close закрывает подготовленные запросы и пул.
func (s *Store) Close() {
	s.closeStmt()
	_ = s.db.Close()
}

// InsertMessage добавляет строку сообщения и возвращает её суррогатный id.
// userID=0 означает отсутствие автора (пост канала) и пишется как NULL.
func (s *Store) InsertMessage(ctx context.Context, chatID, messageID, userID int64, text string, date int64, flag int16) (int64, error) {
	stmt, err := s.stmtInsertMessage()
	if err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, chatID, messageID, NullInt64(userID), text, date, flag)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// MessageByID возвращает строку по суррогатному id; ok=false, если её нет.
func (s *Store) MessageByID(ctx context.Context, id int64) (Message, bool, error) {
	stmt, err := s.stmtSelectMessageByID()
	if err != nil {
		return Message{}, false, err
	}
	var m Message
	err = stmt.QueryRowContext(ctx, id).Scan(&m.ID, &m.ChatID, &m.MessageID, &m.UserID, &m.Text, &m.Date, &m.Flag)
	if err == sql.ErrNoRows {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("select message %d: %w", id, err)
	}
	return m, true, nil
}

// UpdateText переписывает текст строки (OCR-координатор заменяет сентинел
// распознанным результатом).
func (s *Store) UpdateText(ctx context.Context, id int64, text string) error {
	stmt, err := s.stmtUpdateMessageText()
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, text, id); err != nil {
		return fmt.Errorf("update message text: %w", err)
	}
	return nil
}

// MessageExists сообщает, есть ли хотя бы одна строка (chatid, messageid).
func (s *Store) MessageExists(ctx context.Context, chatID, messageID int64) (bool, error) {
	stmt, err := s.stmtCountMessages()
	if err != nil {
		return false, err
	}
	var n int64
	if err := stmt.QueryRowContext(ctx, chatID, messageID).Scan(&n); err != nil {
		return false, fmt.Errorf("count messages: %w", err)
	}
	return n > 0, nil
}

// MarkDeleted OR-ит бит deleted во flag всех строк (chatid, messageid).
// Идемпотентно: повторная пометка не меняет значение.
func (s *Store) MarkDeleted(ctx context.Context, chatID, messageID int64) error {
	stmt, err := s.stmtMarkDeleted()
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, FlagDeleted, chatID, messageID); err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	return nil
}

// MinMessageID возвращает минимальный сохранённый messageid группы;
// ok=false, если по группе ещё нет ни одной строки.
func (s *Store) MinMessageID(ctx context.Context, gid int64) (int64, bool, error) {
	stmt, err := s.stmtMinMessageID()
	if err != nil {
		return 0, false, err
	}
	var min sql.NullInt64
	if err := stmt.QueryRowContext(ctx, gid).Scan(&min); err != nil {
		return 0, false, fmt.Errorf("min message id: %w", err)
	}
	if !min.Valid {
		return 0, false, nil
	}
	return min.Int64, true, nil
}

// GroupByID возвращает группу; ok=false, если она неизвестна.
func (s *Store) GroupByID(ctx context.Context, gid int64) (Group, bool, error) {
	stmt, err := s.stmtSelectGroup()
	if err != nil {
		return Group{}, false, err
	}
	var g Group
	err = stmt.QueryRowContext(ctx, gid).Scan(&g.GID, &g.Name, &g.Link, &g.Master)
	if err == sql.ErrNoRows {
		return Group{}, false, nil
	}
	if err != nil {
		return Group{}, false, fmt.Errorf("select group %d: %w", gid, err)
	}
	return g, true, nil
}

// GroupExists сообщает, известна ли группа.
func (s *Store) GroupExists(ctx context.Context, gid int64) (bool, error) {
	_, ok, err := s.GroupByID(ctx, gid)
	return ok, err
}

// InsertGroup добавляет новую группу как есть (без истории). Используется
// фазой допуска, когда группа ещё не наблюдалась; master=0 пишется как NULL.
func (s *Store) InsertGroup(ctx context.Context, gid int64, name, link string, master int64) error {
	stmt, err := s.stmtInsertGroup()
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, gid, NullString(name), NullString(link), NullInt64(master)); err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	return nil
}

// InviteExists сообщает, фиксировался ли уже этот инвайт-хэш.
func (s *Store) InviteExists(ctx context.Context, hash string) (bool, error) {
	stmt, err := s.stmtCountInvites()
	if err != nil {
		return false, err
	}
	var n int64
	if err := stmt.QueryRowContext(ctx, hash).Scan(&n); err != nil {
		return false, fmt.Errorf("count invites: %w", err)
	}
	return n > 0, nil
}

// InsertInvite фиксирует кортеж приватного инвайта.
func (s *Store) InsertInvite(ctx context.Context, hash string, inviterUID, gid int64, nonce uint64, title string) error {
	stmt, err := s.stmtInsertInvite()
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, hash, inviterUID, gid, nonce, title); err != nil {
		return fmt.Errorf("insert invite: %w", err)
	}
	return nil
}

// UpsertUser приводит таблицу users к новому состоянию пользователя.
//
// Правило истории: при первом наблюдаемом изменении пишется синтетический
// снапшот прежнего состояния с date=0 (ровно один раз за всю жизнь uid),
// затем каждая мутация сопровождается строкой истории с date=now.
func (s *Store) UpsertUser(ctx context.Context, uid int64, first, last, username, lang string) error {
	u := User{
		UID:       uid,
		Username:  NullString(username),
		FirstName: NullString(first),
		LastName:  NullString(last),
		LangCode:  NullString(lang),
	}
	cur, ok, err := s.selectUser(ctx, u.UID)
	if err != nil {
		return err
	}
	if !ok {
		stmt, err := s.stmtInsertUser()
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, u.UID, u.Username, u.FirstName, u.LastName, u.LangCode); err != nil {
			return fmt.Errorf("insert user: %w", err)
		}
		return nil
	}

	same := cur.FirstName == u.FirstName && cur.LastName == u.LastName && cur.Username == u.Username
	if same {
		return nil
	}

	changed, err := s.userHistoryCount(ctx, u.UID)
	if err != nil {
		return err
	}
	if changed == 0 {
		if err := s.insertUserHistory(ctx, cur, 0); err != nil {
			return err
		}
	}

	stmt, err := s.stmtUpdateUser()
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, u.Username, u.FirstName, u.LastName, u.LangCode, u.UID); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return s.insertUserHistory(ctx, u, time.Now().Unix())
}

// UpsertGroup приводит таблицу groups к новому состоянию по тому же правилу
// истории, что и UpsertUser. Дополнительно: если master ещё не присвоен,
// группа присваивается masterUID вызывающего.
func (s *Store) UpsertGroup(ctx context.Context, masterUID, gid int64, rawName, rawLink string) error {
	name, link := NullString(rawName), NullString(rawLink)
	cur, ok, err := s.GroupByID(ctx, gid)
	if err != nil {
		return err
	}
	if !ok {
		return s.InsertGroup(ctx, gid, rawName, rawLink, masterUID)
	}

	if !cur.Master.Valid {
		stmt, err := s.stmtAdoptGroupMaster()
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, masterUID, gid); err != nil {
			return fmt.Errorf("adopt group master: %w", err)
		}
	}

	same := cur.Name == name && cur.Link == link
	if same {
		return nil
	}

	changed, err := s.groupHistoryCount(ctx, gid)
	if err != nil {
		return err
	}
	if changed == 0 {
		if err := s.insertGroupHistory(ctx, gid, cur.Name, cur.Link, 0); err != nil {
			return err
		}
	}

	stmt, err := s.stmtUpdateGroup()
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, name, link, gid); err != nil {
		return fmt.Errorf("update group: %w", err)
	}
	return s.insertGroupHistory(ctx, gid, name, link, time.Now().Unix())
}

func (s *Store) selectUser(ctx context.Context, uid int64) (User, bool, error) {
	stmt, err := s.stmtSelectUser()
	if err != nil {
		return User{}, false, err
	}
	var u User
	err = stmt.QueryRowContext(ctx, uid).Scan(&u.UID, &u.Username, &u.FirstName, &u.LastName, &u.LangCode)
	if err == sql.ErrNoRows {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("select user %d: %w", uid, err)
	}
	return u, true, nil
}

func (s *Store) userHistoryCount(ctx context.Context, uid int64) (int64, error) {
	stmt, err := s.stmtCountUserHistory()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := stmt.QueryRowContext(ctx, uid).Scan(&n); err != nil {
		return 0, fmt.Errorf("count user history: %w", err)
	}
	return n, nil
}

func (s *Store) insertUserHistory(ctx context.Context, u User, date int64) error {
	stmt, err := s.stmtInsertUserHistory()
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, u.UID, u.Username, u.FirstName, u.LastName, u.LangCode, date); err != nil {
		return fmt.Errorf("insert user history: %w", err)
	}
	return nil
}

func (s *Store) groupHistoryCount(ctx context.Context, gid int64) (int64, error) {
	stmt, err := s.stmtCountGroupHistory()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := stmt.QueryRowContext(ctx, gid).Scan(&n); err != nil {
		return 0, fmt.Errorf("count group history: %w", err)
	}
	return n, nil
}

func (s *Store) insertGroupHistory(ctx context.Context, gid int64, name, link sql.NullString, date int64) error {
	stmt, err := s.stmtInsertGroupHistory()
	if err != nil {
		return err
	}
	if _, err := stmt.ExecContext(ctx, gid, name, link, date); err != nil {
		return fmt.Errorf("insert group history: %w", err)
	}
	return nil
}

// NullString оборачивает строку в sql.NullString; пустая строка — NULL.
func NullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// NullInt64 оборачивает число в sql.NullInt64; ноль — NULL (uid=0 означает
// отсутствие автора, например для постов канала).
func NullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}
