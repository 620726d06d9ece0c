package onedrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/dukerupert/newsletter-admin/internal/model"
)

// Upload stores data at folder/name. Payloads up to SmallUploadLimit use a
// single PUT; larger ones go through a resumable upload session.
func (c *Client) Upload(ctx context.Context, folder, name string, data []byte) (*model.RemoteFile, error) {
	var (
		item *driveItem
		err  error
	)
	if len(data) <= SmallUploadLimit {
		item, err = c.uploadSmall(ctx, folder, name, data)
	} else {
		item, err = c.uploadLarge(ctx, folder, name, data)
	}
	if err != nil {
		return nil, err
	}
	if item.WebURL == "" {
		return nil, unexpected("upload", "drive item %s has no webUrl", item.ID)
	}
	return item.remoteFile(), nil
}

func (c *Client) uploadSmall(ctx context.Context, folder, name string, data []byte) (*driveItem, error) {
	item, err := c.putContent(ctx, folder, name, data)
	if err == nil {
		return item, nil
	}
	if !missingFolder(err) {
		return nil, err
	}

	c.logger.Info("upload rejected, creating folder", "folder", folder, "error", err)
	if ferr := c.CreateFolder(ctx, folder); ferr != nil {
		c.logger.Warn("create folder failed", "folder", folder, "error", ferr)
	}
	return c.putContent(ctx, folder, name, data)
}

// missingFolder reports whether a failed PUT may be fixed by creating the parent folder.
func missingFolder(err error) bool {
	var e *Error
	if !errors.As(err, &e) || e.Kind != KindServer {
		return false
	}
	return e.StatusCode == http.StatusConflict || e.StatusCode == http.StatusBadRequest
}

func (c *Client) putContent(ctx context.Context, folder, name string, data []byte) (*driveItem, error) {
	const op = "upload"
	resp, err := c.send(ctx, op, request{
		method:      http.MethodPut,
		url:         c.itemURL(joinPath(folder, name), ":/content"),
		body:        data,
		contentType: "application/octet-stream",
	})
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK && resp.status != http.StatusCreated {
		return nil, serverError(op, resp)
	}
	return decodeItem(op, resp.body)
}

type createFolderRequest struct {
	Name     string   `json:"name"`
	Folder   struct{} `json:"folder"`
	Conflict string   `json:"@microsoft.graph.conflictBehavior"`
}

// CreateFolder creates the last segment of folder inside its parent.
// Intermediate folders are not created.
func (c *Client) CreateFolder(ctx context.Context, folder string) error {
	const op = "create folder"
	folder = strings.Trim(folder, "/")
	if folder == "" {
		return nil
	}
	parent, leaf := path.Split(folder)

	body, err := json.Marshal(createFolderRequest{Name: leaf, Conflict: "fail"})
	if err != nil {
		return fmt.Errorf("marshal folder request: %w", err)
	}
	resp, err := c.send(ctx, op, request{
		method:      http.MethodPost,
		url:         c.itemURL(parent, ":/children"),
		body:        body,
		contentType: "application/json",
	})
	if err != nil {
		return err
	}
	if resp.status != http.StatusCreated && resp.status != http.StatusOK {
		return serverError(op, resp)
	}
	return nil
}

type uploadSessionRequest struct {
	Item struct {
		Conflict string `json:"@microsoft.graph.conflictBehavior"`
		Name     string `json:"name"`
	} `json:"item"`
}

type uploadSession struct {
	UploadURL          string `json:"uploadUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

func (c *Client) uploadLarge(ctx context.Context, folder, name string, data []byte) (*driveItem, error) {
	const op = "upload chunk"
	session, err := c.createSession(ctx, folder, name)
	if err != nil {
		return nil, err
	}

	total := int64(len(data))
	ranges := chunkRanges(total, ChunkSize)
	for i, r := range ranges {
		resp, err := c.send(ctx, op, request{
			method:    http.MethodPut,
			url:       session.UploadURL,
			body:      data[r.Start:r.End],
			header:    map[string]string{"Content-Range": r.header(total)},
			anonymous: true,
		})
		if err != nil {
			c.cancelSession(ctx, session.UploadURL)
			return nil, err
		}

		last := i == len(ranges)-1
		switch {
		case resp.status == http.StatusAccepted && !last:
			continue
		case (resp.status == http.StatusOK || resp.status == http.StatusCreated) && last:
			return decodeItem(op, resp.body)
		case resp.status >= 200 && resp.status < 300:
			c.cancelSession(ctx, session.UploadURL)
			return nil, unexpected(op, "status %d for chunk %d of %d", resp.status, i+1, len(ranges))
		default:
			c.cancelSession(ctx, session.UploadURL)
			return nil, serverError(op, resp)
		}
	}
	return nil, unexpected(op, "no chunks sent")
}

func (c *Client) createSession(ctx context.Context, folder, name string) (*uploadSession, error) {
	const op = "create upload session"
	var reqBody uploadSessionRequest
	reqBody.Item.Conflict = "replace"
	reqBody.Item.Name = name
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal session request: %w", err)
	}

	resp, err := c.send(ctx, op, request{
		method:      http.MethodPost,
		url:         c.itemURL(joinPath(folder, name), ":/createUploadSession"),
		body:        body,
		contentType: "application/json",
	})
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusOK {
		return nil, serverError(op, resp)
	}

	var s uploadSession
	if err := json.Unmarshal(resp.body, &s); err != nil {
		return nil, &Error{Kind: KindUnexpected, Op: op, Err: fmt.Errorf("decode upload session: %w", err)}
	}
	if s.UploadURL == "" {
		return nil, unexpected(op, "upload session has no uploadUrl")
	}
	return &s, nil
}

func (c *Client) cancelSession(ctx context.Context, uploadURL string) {
	resp, err := c.send(ctx, "cancel upload session", request{method: http.MethodDelete, url: uploadURL, anonymous: true})
	if err != nil {
		c.logger.Warn("cancel upload session", "error", err)
		return
	}
	if resp.status != http.StatusNoContent {
		c.logger.Warn("cancel upload session", "status", resp.status)
	}
}

// byteRange is a half-open interval [Start, End).
type byteRange struct {
	Start, End int64
}

func (r byteRange) header(total int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End-1, total)
}

func chunkRanges(total, size int64) []byteRange {
	var ranges []byteRange
	for start := int64(0); start < total; start += size {
		ranges = append(ranges, byteRange{Start: start, End: min(start+size, total)})
	}
	return ranges
}

func (it *driveItem) remoteFile() *model.RemoteFile {
	return &model.RemoteFile{
		ID:        it.ID,
		Name:      it.Name,
		WebURL:    it.WebURL,
		Size:      it.Size,
		CreatedAt: it.CreatedDateTime,
	}
}
