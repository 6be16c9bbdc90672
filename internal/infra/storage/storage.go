// Package storage — надёжная запись локальных файлов. Здесь живут снапшоты
// MTProto-сессий и состояния апдейтов: частично записанный файл сессии
// равносилен потере авторизации, поэтому запись только атомарная.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"telegram-ingest/internal/infra/logger"
)

// filePerm — права итогового файла: сессии читает только владелец процесса.
const filePerm = 0600

// EnsureDir гарантирует существование каталога для указанного пути файла.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile атомарно заменяет содержимое файла path.
//
// Схема: temp в том же каталоге → write → fsync → chmod → close → rename →
// fsync каталога. После сбоя на любом шаге старый файл остаётся нетронутым.
// rename атомарен только в пределах одного тома, поэтому temp создаётся рядом
// с целевым файлом.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	// fsync каталога журналирует запись имени файла; на части ФС он не
	// поддерживается, тогда просто предупреждаем.
	if dirFile, err := os.Open(dir); err == nil {
		if errSync := dirFile.Sync(); errSync != nil {
			logger.Warnf("AtomicWriteFile: dir sync error: %v", errSync)
		}
		_ = dirFile.Close()
	}
	return nil
}
