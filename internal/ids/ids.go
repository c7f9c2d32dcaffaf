// Package ids 生成系统内的标识符：实体使用 UUID，追加写的流水使用单调递增的 ULID。
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewEntityID 返回智能体、请求等实体使用的 UUID。
func NewEntityID() string {
	return uuid.NewString()
}

// NewSequentialID 返回按时间单调递增的 ULID，同一毫秒内也保持有序。
func NewSequentialID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
