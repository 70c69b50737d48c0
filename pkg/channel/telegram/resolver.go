package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"tgbridge/pkg/relay"

	"github.com/mymmrac/telego"
)

// FileGetter is the subset of the bot API the resolver needs. *telego.Bot implements it.
type FileGetter interface {
	GetFile(ctx context.Context, params *telego.GetFileParams) (*telego.File, error)
	FileDownloadURL(filepath string) string
}

// Publisher stores a file and returns its public URL. *media.Store implements it.
type Publisher interface {
	Put(name string, content io.Reader) (string, error)
}

// FileResolver turns Telegram file ids into URLs the outbound provider can fetch.
//
// Telegram download URLs embed the bot token, so when a Publisher is configured the file
// is copied there and the republished URL is returned instead.
type FileResolver struct {
	files  FileGetter
	store  Publisher
	client *http.Client
	log    *slog.Logger
}

var _ relay.AttachmentResolver = (*FileResolver)(nil)

// NewFileResolver builds a resolver. store and client may be nil.
func NewFileResolver(files FileGetter, store Publisher, client *http.Client, log *slog.Logger) (*FileResolver, error) {
	if files == nil {
		return nil, errors.New("telegram file getter is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}

	return &FileResolver{
		files:  files,
		store:  store,
		client: client,
		log:    log.With("component", "channel.telegram.resolver"),
	}, nil
}

// ResolveURL returns a fetchable URL for attachment.
func (r *FileResolver) ResolveURL(ctx context.Context, attachment relay.Attachment) (string, error) {
	file, downloadURL, err := r.lookup(ctx, attachment)
	if err != nil {
		return "", err
	}
	if r.store == nil {
		return downloadURL, nil
	}

	body, err := r.download(ctx, downloadURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	publicURL, err := r.store.Put(storedName(attachment, file), body)
	if err != nil {
		return "", fmt.Errorf("republish telegram file: %w", err)
	}

	r.log.Debug("Republished attachment", "file_unique_id", file.FileUniqueID, "url", publicURL)
	return publicURL, nil
}

// Open downloads the attachment content. The caller closes the returned reader.
func (r *FileResolver) Open(ctx context.Context, attachment relay.Attachment) (io.ReadCloser, string, error) {
	file, downloadURL, err := r.lookup(ctx, attachment)
	if err != nil {
		return nil, "", err
	}

	body, err := r.download(ctx, downloadURL)
	if err != nil {
		return nil, "", err
	}

	return body, storedName(attachment, file), nil
}

func (r *FileResolver) lookup(ctx context.Context, attachment relay.Attachment) (*telego.File, string, error) {
	fileID := strings.TrimSpace(attachment.ReferenceID)
	if fileID == "" {
		return nil, "", relay.NewError(relay.ErrorMissingAttachment, "empty telegram file id")
	}

	file, err := r.files.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
	if err != nil {
		return nil, "", fmt.Errorf("get telegram file: %w", err)
	}
	if file == nil || strings.TrimSpace(file.FilePath) == "" {
		return nil, "", relay.NewError(relay.ErrorMissingAttachment, "telegram returned no file path")
	}

	return file, r.files.FileDownloadURL(file.FilePath), nil
}

// download fetches url. Errors never include url, which carries the bot token.
func (r *FileResolver) download(ctx context.Context, downloadURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, errors.New("build telegram download request")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("download telegram file: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download telegram file: HTTP %d", resp.StatusCode)
	}

	return resp.Body, nil
}

// storedName keeps the extension Telegram chose, which lets the media handler pick a
// content type.
func storedName(attachment relay.Attachment, file *telego.File) string {
	base := strings.TrimSpace(file.FileUniqueID)
	if base == "" {
		base = strings.TrimSpace(attachment.ReferenceID)
	}

	ext := path.Ext(file.FilePath)
	if ext == "" {
		ext = path.Ext(attachment.FileName)
	}

	return base + ext
}
