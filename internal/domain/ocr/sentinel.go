// Package ocr — координатор распознавания фотографий. Строка сообщения с
// фото несёт сентинел-блоб с дескриптором файла; воркер скачивает фото через
// наблюдавший его аккаунт, заливает в blob-хранилище, зовёт OCR-микросервис
// и переписывает текст строки распознанным результатом.
package ocr

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"telegram-ingest/internal/domain/entity"
)

// PhotoDescriptor — JSON-блоб сентинели: всё, что нужно воркеру, чтобы
// скачать фото без повторного обращения к апдейту. FileReference кодируется
// в base64 штатным маршалингом []byte.
type PhotoDescriptor struct {
	Client        int64  `json:"client"`
	PhotoID       int64  `json:"photo_id"`
	AccessHash    int64  `json:"access_hash"`
	FileReference []byte `json:"file_reference"`
	ThumbSize     string `json:"thumb_size"`
	DCID          int    `json:"dc_id"`
	Path          string `json:"path"`
	Filename      string `json:"filename"`
	// BotFileID заполнен, когда фото наблюдал бот: скачивание идёт через
	// Bot API getFile, а не через MTProto-локацию.
	BotFileID string `json:"bot_file_id,omitempty"`
}

// NewPhotoDescriptor строит дескриптор по фото из апдейта. clientUID — uid
// аккаунта, который видел сообщение и чьей авторизацией файл скачивается.
func NewPhotoDescriptor(clientUID int64, photo *tg.Photo, now time.Time) PhotoDescriptor {
	return PhotoDescriptor{
		Client:        clientUID,
		PhotoID:       photo.ID,
		AccessHash:    photo.AccessHash,
		FileReference: photo.FileReference,
		ThumbSize:     largestThumb(photo),
		DCID:          photo.DCID,
		Path:          fmt.Sprintf("%d/%d", now.Year(), int(now.Month())),
		Filename:      fmt.Sprintf("%d-%d_%d.jpg", now.Unix(), photo.ID, photo.DCID),
	}
}

// FileID — стабильный идентификатор файла: часть имени после таймстемпа.
// Ключ дневного кэша результатов: одно фото, разосланное по многим чатам,
// распознаётся один раз.
func (d PhotoDescriptor) FileID() string {
	if i := strings.Index(d.Filename, "-"); i >= 0 {
		return d.Filename[i+1:]
	}
	return d.Filename
}

// BuildSentinelText собирает текст строки для фото-сообщения:
// сентинел, дескриптор и исходная подпись, разделённые переводами строки.
func BuildSentinelText(desc PhotoDescriptor, caption string) (string, error) {
	blob, err := json.Marshal(desc)
	if err != nil {
		return "", errors.Wrap(err, "marshal photo descriptor")
	}
	return entity.OCRSentinel + "\n" + string(blob) + "\n" + caption, nil
}

// ParseSentinel разбирает текст строки с сентинелью на дескриптор и подпись.
func ParseSentinel(text string) (PhotoDescriptor, string, error) {
	parts := strings.SplitN(text, "\n", 3)
	if len(parts) < 2 || parts[0] != entity.OCRSentinel {
		return PhotoDescriptor{}, "", errors.Errorf("text carries no photo sentinel")
	}
	var desc PhotoDescriptor
	if err := json.Unmarshal([]byte(parts[1]), &desc); err != nil {
		return PhotoDescriptor{}, "", errors.Wrap(err, "unmarshal photo descriptor")
	}
	caption := ""
	if len(parts) == 3 {
		caption = parts[2]
	}
	return desc, caption, nil
}

// largestThumb выбирает самый крупный вариант фото.
func largestThumb(photo *tg.Photo) string {
	best := ""
	bestArea := -1
	for _, size := range photo.Sizes {
		ps, ok := size.(*tg.PhotoSize)
		if !ok {
			continue
		}
		if area := ps.W * ps.H; area > bestArea {
			bestArea = area
			best = ps.Type
		}
	}
	return best
}
