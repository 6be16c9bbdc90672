package ocr

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	"telegram-ingest/internal/adapters/telegram/senders"
)

// TelegramDownloader скачивает фото авторизацией наблюдавшего аккаунта:
// user-аккаунты — сырой MTProto-локацией через gotd downloader, боты —
// через Bot API getFile.
type TelegramDownloader struct {
	reg  *senders.Registry
	bot  *gotgbot.Bot
	http *http.Client
}

// NewTelegramDownloader собирает загрузчик. bot может быть nil, если
// бот-наблюдателей нет.
func NewTelegramDownloader(reg *senders.Registry, bot *gotgbot.Bot) *TelegramDownloader {
	return &TelegramDownloader{
		reg:  reg,
		bot:  bot,
		http: &http.Client{Timeout: 60 * time.Second},
	}
}

// Download возвращает байты фото по дескриптору.
func (d *TelegramDownloader) Download(ctx context.Context, desc PhotoDescriptor) ([]byte, error) {
	if desc.BotFileID != "" {
		return d.downloadViaBot(ctx, desc.BotFileID)
	}

	client := d.reg.ByUID(desc.Client)
	if client == nil {
		return nil, errors.Errorf("no client for observer uid %d", desc.Client)
	}
	location := &tg.InputPhotoFileLocation{
		ID:            desc.PhotoID,
		AccessHash:    desc.AccessHash,
		FileReference: desc.FileReference,
		ThumbSize:     desc.ThumbSize,
	}

	var buf bytes.Buffer
	if _, err := downloader.NewDownloader().Download(client.API, location).Stream(ctx, &buf); err != nil {
		return nil, errors.Wrap(err, "download photo")
	}
	return buf.Bytes(), nil
}

func (d *TelegramDownloader) downloadViaBot(ctx context.Context, fileID string) ([]byte, error) {
	if d.bot == nil {
		return nil, errors.New("bot file download requested, but no bot configured")
	}
	file, err := d.bot.GetFile(fileID, nil)
	if err != nil {
		return nil, errors.Wrap(err, "getFile")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.URL(d.bot, nil), nil)
	if err != nil {
		return nil, errors.Wrap(err, "build download request")
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "download file")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("download file: status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
