package onedrive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/dukerupert/newsletter-admin/internal/model"
)

const listPageSize = 200

type childrenPage struct {
	Value    []driveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// List returns the files directly inside folder, following pagination.
// Sub-folders are skipped.
func (c *Client) List(ctx context.Context, folder string) ([]model.RemoteFile, error) {
	const op = "list folder"
	next := c.itemURL(folder, ":/children") + "?" + url.Values{"$top": {fmt.Sprint(listPageSize)}}.Encode()

	files := []model.RemoteFile{}
	for next != "" {
		resp, err := c.send(ctx, op, request{method: http.MethodGet, url: next})
		if err != nil {
			return nil, err
		}
		if resp.status != http.StatusOK {
			return nil, serverError(op, resp)
		}

		var page childrenPage
		if err := json.Unmarshal(resp.body, &page); err != nil {
			return nil, &Error{Kind: KindUnexpected, Op: op, Err: fmt.Errorf("decode children: %w", err)}
		}
		for _, it := range page.Value {
			if it.Folder != nil {
				continue
			}
			if it.ID == "" || it.CreatedDateTime.IsZero() {
				return nil, unexpected(op, "child %q is missing id or createdDateTime", it.Name)
			}
			files = append(files, *it.remoteFile())
		}
		next = page.NextLink
	}
	return files, nil
}

// Delete removes the drive item with the given id.
func (c *Client) Delete(ctx context.Context, id string) error {
	const op = "delete item"
	resp, err := c.send(ctx, op, request{
		method: http.MethodDelete,
		url:    c.baseURL + "/me/drive/items/" + url.PathEscape(id),
	})
	if err != nil {
		return err
	}
	if resp.status != http.StatusNoContent && resp.status != http.StatusOK {
		return serverError(op, resp)
	}
	return nil
}
