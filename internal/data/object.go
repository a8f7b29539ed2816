package data

import (
	"bytes"
	"context"
	"io"

	"github.com/minio/minio-go/v7"
)

// ObjectStore 对象存储的薄封装，接口化是为了测试时替换成内存实现
type ObjectStore interface {
	Put(ctx context.Context, objectName string, content []byte, contentType string) (string, error)
	Get(ctx context.Context, objectName string) ([]byte, error)
	Delete(ctx context.Context, objectName string) error
}

type MinioStore struct {
	client *minio.Client
	bucket string
}

var _ ObjectStore = (*MinioStore)(nil)

func NewMinioStore(client *minio.Client, bucket string) *MinioStore {
	return &MinioStore{client: client, bucket: bucket}
}

// Put 上传字节内容，返回 bucket 内的 object name
func (s *MinioStore) Put(ctx context.Context, objectName string, content []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, s.bucket, objectName,
		bytes.NewReader(content), int64(len(content)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", err
	}
	return objectName, nil
}

func (s *MinioStore) Get(ctx context.Context, objectName string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()
	return io.ReadAll(obj)
}

func (s *MinioStore) Delete(ctx context.Context, objectName string) error {
	return s.client.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{})
}
