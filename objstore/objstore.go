// Package objstore 对象存储抽象，承载批处理作业的输入输出工件。
package objstore

import (
	"context"
	"fmt"
	"io"
)

// Bucket 对象存储接口。实现要求 Delete 对不存在的对象幂等。
type Bucket interface {
	Upload(ctx context.Context, key string, r io.Reader) error
	Download(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// InputKey 返回批处理作业输入文件的对象键。
func InputKey(chatID, jobID int64) string {
	return fmt.Sprintf("%d/batch-%d-input.jsonl", chatID, jobID)
}

// OutputPrefix 返回批处理作业输出目录的对象键前缀。
func OutputPrefix(chatID, jobID int64) string {
	return fmt.Sprintf("%d/batch-%d-output/", chatID, jobID)
}
