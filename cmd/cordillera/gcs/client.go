// Copyright (C) 2025 Cordillera Systems (ops@cordillera.sh)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package gcs copies backup artifacts to Google Cloud Storage for
// offsite retention.
package gcs

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Uploader copies a local file to an object path. Satisfied by Client
// and mocked in tests.
type Uploader interface {
	UploadFile(ctx context.Context, localPath, objectPath string) (string, error)
	Close() error
}

// Client wraps a GCS storage client scoped to one bucket.
type Client struct {
	storageClient *storage.Client
	ProjectID     string
	BucketName    string
}

var _ Uploader = (*Client)(nil)

// NewClient builds a bucket-scoped client. When saKeyPath is empty,
// application default credentials are used.
func NewClient(ctx context.Context, projectID, bucketName, saKeyPath string) (*Client, error) {
	var opts []option.ClientOption
	if saKeyPath != "" {
		if _, err := os.Stat(saKeyPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", saKeyPath)
		}
		opts = append(opts, option.WithCredentialsFile(saKeyPath))
	}

	storageClient, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}

	return &Client{
		storageClient: storageClient,
		ProjectID:     projectID,
		BucketName:    bucketName,
	}, nil
}

// UploadFile streams localPath into the bucket at objectPath and returns
// the resulting gs:// URI.
func (c *Client) UploadFile(ctx context.Context, localPath, objectPath string) (string, error) {
	localFile, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open the local file: %s: %w", localPath, err)
	}
	defer localFile.Close()

	obj := c.storageClient.Bucket(c.BucketName).Object(objectPath)
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, localFile); err != nil {
		return "", fmt.Errorf("failed to copy local file %s to GCS object %s: %w", localPath, objectPath, err)
	}

	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close GCS writer for %s: %w", objectPath, err)
	}
	return fmt.Sprintf("gs://%s/%s", c.BucketName, objectPath), nil
}

// Close releases the underlying storage client.
func (c *Client) Close() error {
	return c.storageClient.Close()
}
