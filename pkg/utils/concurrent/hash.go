package concurrent

import (
	"hash/fnv"
)

// HashString FNV-1a, 连接键和配置名都是字符串
func HashString(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
