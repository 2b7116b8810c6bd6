// internal/idgen/idgen.go
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

const (
	RunPrefix   = "run_"
	TaskPrefix  = "task_"
	BiblePrefix = "bible_"
)

// 去掉易混淆字符
const alphabet = "23456789abcdefghjkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"

const length = 12

// New 生成带前缀的短 ID
func New(prefix string) (string, error) {
	id, err := nanoid.Generate(alphabet, length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}

// MustNew 生成失败时退回到时间无关的默认随机串
func MustNew(prefix string) string {
	id, err := New(prefix)
	if err != nil {
		return prefix + nanoid.Must()
	}
	return id
}
