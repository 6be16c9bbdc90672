package ocr

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"telegram-ingest/internal/adapters/mysql"
	"telegram-ingest/internal/adapters/ocrsvc"
	"telegram-ingest/internal/infra/cache"
	"telegram-ingest/internal/infra/faults"
	"telegram-ingest/internal/infra/logger"
)

// Processing — маркер единоличного исполнителя в дневном кэше: файл уже
// скачивается кем-то из инстансов воркера.
const Processing = "PROCESSING"

const (
	// rowRetryLimit — сколько раз ждать появления строки: вставка и OCR
	// идут через разные очереди, строка может быть ещё не дожата.
	rowRetryLimit = 1000
	// leaderRetryLimit и leaderPause — ожидание результата лидера.
	leaderRetryLimit = 100
	leaderPause      = 100 * time.Millisecond

	queueName = "ocr_queue"
)

// Task — задача распознавания: суррогатный id строки и счётчик переигровок.
type Task struct {
	ID    int64 `json:"id"`
	Tries int   `json:"tries"`
}

// Store — подмножество реляционного хранилища для координатора.
type Store interface {
	MessageByID(ctx context.Context, id int64) (mysql.Message, bool, error)
	UpdateText(ctx context.Context, id int64, text string) error
}

// Downloader скачивает байты фото по дескриптору.
type Downloader interface {
	Download(ctx context.Context, desc PhotoDescriptor) ([]byte, error)
}

// Uploader заливает объект в blob-хранилище и возвращает полный путь.
// Реализуется *blob.Client.
type Uploader interface {
	Upload(ctx context.Context, path, filename string, data []byte) (string, error)
}

// Recognizer зовёт OCR-микросервис. Реализуется *ocrsvc.Client.
type Recognizer interface {
	Recognize(ctx context.Context, fullPath string) (ocrsvc.Result, error)
}

// Service — воркер ocr_queue.
type Service struct {
	store      Store
	download   Downloader
	upload     Uploader
	recognize  Recognizer
	queue      cache.Queue
	daily      cache.DailyDict
	bucketName string
}

// NewService собирает координатор. bucketName попадает в tgpic://-адрес
// результата и служит человекочитаемой меткой хранилища.
func NewService(c *cache.Client, store Store, download Downloader, upload Uploader, recognize Recognizer, bucketName string) *Service {
	return &Service{
		store:      store,
		download:   download,
		upload:     upload,
		recognize:  recognize,
		queue:      c.Queue(queueName),
		daily:      c.DailyDict("ocr"),
		bucketName: bucketName,
	}
}

// HandleOCR — обработчик одной задачи распознавания.
//
// Дневной кэш делает работу идемпотентной в пределах суток и разводит
// инстансы: первый пришедший за file_id становится лидером (маркер
// PROCESSING), остальные ждут его результата. Если лидер умер, ожидающий
// снимает маркер и переигрывает задачу, становясь лидером на следующем круге.
func (s *Service) HandleOCR(ctx context.Context, payload []byte) error {
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		logger.Error("malformed ocr task", zap.ByteString("payload", payload), zap.Error(err))
		return nil
	}

	row, ok, err := s.store.MessageByID(ctx, task.ID)
	if err != nil {
		return err
	}
	if !ok {
		if task.Tries >= rowRetryLimit {
			logger.Error("ocr row never became durable", zap.Int64("id", task.ID))
			return nil
		}
		task.Tries++
		return s.reschedule(ctx, task)
	}

	desc, caption, err := ParseSentinel(row.Text)
	if err != nil {
		logger.Error("ocr row carries no sentinel", zap.Int64("id", task.ID), zap.Error(err))
		return nil
	}
	fileID := desc.FileID()

	dict, err := s.daily.Today(ctx)
	if err != nil {
		return err
	}
	cached, ok, err := dict.Get(ctx, fileID)
	if err != nil {
		return err
	}

	var result string
	switch {
	case ok && cached == Processing:
		final, err := s.awaitLeader(ctx, dict, fileID)
		if err != nil {
			return err
		}
		if final == "" {
			// Лидер не дожил до результата: снимаем маркер и переигрываем.
			if err := dict.Delete(ctx, fileID); err != nil {
				return err
			}
			return s.reschedule(ctx, task)
		}
		result = final
	case ok:
		result = cached
	default:
		if err := dict.Set(ctx, fileID, Processing); err != nil {
			return err
		}
		result, err = s.process(ctx, desc)
		if err != nil {
			switch faults.FromMTProto(err).Kind {
			case faults.RateLimited, faults.AuthLost:
				// Маркер остаётся: после паузы задача вернётся тем же лидером.
				task.Tries++
				logger.Warn("ocr download deferred", zap.Int64("id", task.ID), zap.Error(err))
				return s.reschedule(ctx, task)
			default:
				if derr := dict.Delete(ctx, fileID); derr != nil {
					logger.Warn("clear processing marker", zap.Error(derr))
				}
				return err
			}
		}
		if err := dict.Set(ctx, fileID, result); err != nil {
			return err
		}
	}

	return s.store.UpdateText(ctx, task.ID, result+"\n"+caption)
}

// process — путь лидера: скачать, залить, распознать, отформатировать.
func (s *Service) process(ctx context.Context, desc PhotoDescriptor) (string, error) {
	data, err := s.download.Download(ctx, desc)
	if err != nil {
		return "", err
	}
	logger.Info("pic downloaded", zap.String("file_id", desc.FileID()), zap.Int("bytes", len(data)))

	fullPath, err := s.upload.Upload(ctx, desc.Path, desc.Filename, data)
	if err != nil {
		return "", err
	}
	recognized, err := s.recognize.Recognize(ctx, fullPath)
	if err != nil {
		return "", err
	}
	logger.Info("ocr complete", zap.String("path", fullPath))

	result := "tgpic://" + s.bucketName + "/" + fullPath
	if recognized.OCR != nil {
		result += "\nOCR result:\n" + *recognized.OCR
	}
	if recognized.Barcode != nil {
		result += "\nBarcode result:\n" + *recognized.Barcode
	}
	return result, nil
}

// awaitLeader опрашивает кэш, пока лидер не запишет результат. Пустая строка
// без ошибки означает, что результата не дождались.
func (s *Service) awaitLeader(ctx context.Context, dict cache.Dict, fileID string) (string, error) {
	for i := 0; i < leaderRetryLimit; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(leaderPause):
		}
		value, ok, err := dict.Get(ctx, fileID)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", nil
		}
		if value != Processing {
			return value, nil
		}
	}
	return "", nil
}

func (s *Service) reschedule(ctx context.Context, task Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return s.queue.Put(ctx, payload)
}
