// Package azure provides an Azure Blob Storage blob.Objects backend.
package azure

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/yjsyyyjszf/dicom-server-1/internal/blob"
	"github.com/yjsyyyjszf/dicom-server-1/internal/fault"
)

// Config selects the container and credentials. Either ConnectionString
// or AccountURL with AccountName and AccountKey must be set.
type Config struct {
	Container        string
	Prefix           string
	ConnectionString string
	AccountURL       string
	AccountName      string
	AccountKey       string
}

// Objects stores objects in an Azure blob container.
type Objects struct {
	client    *azblob.Client
	container string
	prefix    string
}

var _ blob.Objects = (*Objects)(nil)

// New creates an Azure backend.
func New(cfg Config) (*Objects, error) {
	if cfg.Container == "" {
		return nil, fault.Validation("blob.azure", "container is required")
	}
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.ConnectionString != "":
		client, err = azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	case cfg.AccountURL != "" && cfg.AccountName != "":
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
		if err == nil {
			client, err = azblob.NewClientWithSharedKeyCredential(cfg.AccountURL, cred, nil)
		}
	default:
		return nil, fault.Validation("blob.azure", "connection string or account url and name are required")
	}
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}
	return &Objects{client: client, container: cfg.Container, prefix: cfg.Prefix}, nil
}

func (o *Objects) key(name string) string {
	if o.prefix == "" {
		return name
	}
	return path.Join(o.prefix, name)
}

func (o *Objects) Put(ctx context.Context, name string, r io.Reader) (string, error) {
	key := o.key(name)
	if _, err := o.client.UploadStream(ctx, o.container, key, r, nil); err != nil {
		return "", fmt.Errorf("upload %s/%s: %w", o.container, key, err)
	}
	return strings.TrimSuffix(o.client.URL(), "/") + "/" + o.container + "/" + key, nil
}

func (o *Objects) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	key := o.key(name)
	resp, err := o.client.DownloadStream(ctx, o.container, key, nil)
	if bloberror.HasCode(err, bloberror.BlobNotFound) {
		return nil, fault.NotFound("blob.azure", "object %s/%s", o.container, key)
	}
	if err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", o.container, key, err)
	}
	return resp.Body, nil
}

func (o *Objects) Delete(ctx context.Context, name string) error {
	key := o.key(name)
	_, err := o.client.DeleteBlob(ctx, o.container, key, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		return fmt.Errorf("delete %s/%s: %w", o.container, key, err)
	}
	return nil
}
