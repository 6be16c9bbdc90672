package mysql

import (
	"context"
	"database/sql"
	"fmt"
)

func (s *Store) prepareStmt(name, query string) (*sql.Stmt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stmt, ok := s.statements[name]; ok {
		return stmt, nil
	}

	stmt, err := s.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("prepare statement [%s]: %w", name, err)
	}

	s.statements[name] = stmt
	return stmt, nil
}

func (s *Store) closeStmt() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, stmt := range s.statements {
		_ = stmt.Close()
		delete(s.statements, name)
	}
}

func (s *Store) stmtInsertMessage() (*sql.Stmt, error) {
	return s.prepareStmt("insertMessage",
		`INSERT INTO chat_new (chatid, messageid, userid, text, time, flag)
		 VALUES (?, ?, ?, ?, ?, ?)`)
}

func (s *Store) stmtSelectMessageByID() (*sql.Stmt, error) {
	return s.prepareStmt("selectMessageByID",
		`SELECT id, chatid, messageid, userid, text, time, flag
		 FROM chat_new WHERE id = ?`)
}

func (s *Store) stmtUpdateMessageText() (*sql.Stmt, error) {
	return s.prepareStmt("updateMessageText",
		`UPDATE chat_new SET text = ? WHERE id = ?`)
}

func (s *Store) stmtCountMessages() (*sql.Stmt, error) {
	return s.prepareStmt("countMessages",
		`SELECT COUNT(*) FROM chat_new WHERE chatid = ? AND messageid = ?`)
}

func (s *Store) stmtMarkDeleted() (*sql.Stmt, error) {
	return s.prepareStmt("markDeleted",
		`UPDATE chat_new SET flag = flag | ? WHERE chatid = ? AND messageid = ?`)
}

func (s *Store) stmtMinMessageID() (*sql.Stmt, error) {
	return s.prepareStmt("minMessageID",
		`SELECT MIN(messageid) FROM chat_new WHERE chatid = ?`)
}

func (s *Store) stmtSelectUser() (*sql.Stmt, error) {
	return s.prepareStmt("selectUser",
		`SELECT uid, name, firstname, lastname, lang FROM users WHERE uid = ?`)
}

func (s *Store) stmtInsertUser() (*sql.Stmt, error) {
	return s.prepareStmt("insertUser",
		`INSERT INTO users (uid, name, firstname, lastname, lang)
		 VALUES (?, ?, ?, ?, ?)`)
}

func (s *Store) stmtUpdateUser() (*sql.Stmt, error) {
	return s.prepareStmt("updateUser",
		`UPDATE users SET name = ?, firstname = ?, lastname = ?, lang = ? WHERE uid = ?`)
}

func (s *Store) stmtCountUserHistory() (*sql.Stmt, error) {
	return s.prepareStmt("countUserHistory",
		`SELECT COUNT(*) FROM user_history WHERE uid = ?`)
}

func (s *Store) stmtInsertUserHistory() (*sql.Stmt, error) {
	return s.prepareStmt("insertUserHistory",
		`INSERT INTO user_history (uid, name, firstname, lastname, lang, date)
		 VALUES (?, ?, ?, ?, ?, ?)`)
}

func (s *Store) stmtSelectGroup() (*sql.Stmt, error) {
	return s.prepareStmt("selectGroup",
		"SELECT id, name, link, master FROM `groups` WHERE id = ?")
}

func (s *Store) stmtInsertGroup() (*sql.Stmt, error) {
	return s.prepareStmt("insertGroup",
		"INSERT INTO `groups` (id, name, link, master) VALUES (?, ?, ?, ?)")
}

func (s *Store) stmtUpdateGroup() (*sql.Stmt, error) {
	return s.prepareStmt("updateGroup",
		"UPDATE `groups` SET name = ?, link = ? WHERE id = ?")
}

func (s *Store) stmtAdoptGroupMaster() (*sql.Stmt, error) {
	return s.prepareStmt("adoptGroupMaster",
		"UPDATE `groups` SET master = ? WHERE id = ? AND master IS NULL")
}

func (s *Store) stmtCountGroupHistory() (*sql.Stmt, error) {
	return s.prepareStmt("countGroupHistory",
		`SELECT COUNT(*) FROM group_history WHERE gid = ?`)
}

func (s *Store) stmtInsertGroupHistory() (*sql.Stmt, error) {
	return s.prepareStmt("insertGroupHistory",
		`INSERT INTO group_history (gid, name, link, date) VALUES (?, ?, ?, ?)`)
}

func (s *Store) stmtCountInvites() (*sql.Stmt, error) {
	return s.prepareStmt("countInvites",
		`SELECT COUNT(*) FROM group_invite WHERE hash = ?`)
}

func (s *Store) stmtInsertInvite() (*sql.Stmt, error) {
	return s.prepareStmt("insertInvite",
		`INSERT INTO group_invite (hash, inviter, gid, nonce, title)
		 VALUES (?, ?, ?, ?, ?)`)
}

// schemaDDL — bootstrap-DDL. Настоящей схемой владеет деплой; эти запросы
// нужны только чтобы поднять пустую базу в разработке.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS chat_new (
		id BIGINT NOT NULL AUTO_INCREMENT,
		chatid BIGINT NOT NULL,
		messageid BIGINT NOT NULL,
		userid BIGINT NULL,
		text TEXT,
		time INT NOT NULL,
		flag SMALLINT NOT NULL DEFAULT 0,
		PRIMARY KEY (id),
		INDEX ix_chat_new_chatid_messageid (chatid, messageid),
		INDEX ix_chat_new_chatid_userid (chatid, userid),
		INDEX ix_chat_new_chatid_flag (chatid, flag),
		INDEX ix_chat_new_userid_flag (userid, flag)
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		uid BIGINT NOT NULL,
		name VARCHAR(32) NULL,
		firstname VARCHAR(255) NULL,
		lastname VARCHAR(255) NULL,
		lang VARCHAR(10) NULL,
		PRIMARY KEY (uid)
	)`,
	`CREATE TABLE IF NOT EXISTS user_history (
		id BIGINT NOT NULL AUTO_INCREMENT,
		uid BIGINT NOT NULL,
		name VARCHAR(32) NULL,
		firstname VARCHAR(255) NULL,
		lastname VARCHAR(255) NULL,
		lang VARCHAR(10) NULL,
		date INT NOT NULL,
		PRIMARY KEY (id),
		INDEX ix_user_history_uid (uid),
		INDEX ix_user_history_date (date)
	)`,
	"CREATE TABLE IF NOT EXISTS `groups` (" +
		` id BIGINT NOT NULL,
		name VARCHAR(100) NULL,
		link VARCHAR(50) NULL,
		master BIGINT NULL,
		PRIMARY KEY (id),
		INDEX ix_groups_master (master)
	)`,
	`CREATE TABLE IF NOT EXISTS group_history (
		id BIGINT NOT NULL AUTO_INCREMENT,
		gid BIGINT NOT NULL,
		name VARCHAR(100) NULL,
		link VARCHAR(50) NULL,
		date INT NOT NULL,
		PRIMARY KEY (id),
		INDEX ix_group_history_gid (gid),
		INDEX ix_group_history_date (date)
	)`,
	`CREATE TABLE IF NOT EXISTS group_invite (
		id BIGINT NOT NULL AUTO_INCREMENT,
		hash VARCHAR(22) NOT NULL,
		inviter BIGINT NOT NULL,
		gid BIGINT NOT NULL,
		nonce BIGINT UNSIGNED NOT NULL,
		title VARCHAR(255) NULL,
		PRIMARY KEY (id),
		INDEX ix_group_invite_hash (hash)
	)`,
}

// EnsureSchema выполняет bootstrap-DDL. Идемпотентно.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, ddl := range schemaDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
