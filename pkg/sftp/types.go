package sftp

const (
	DefaultChunkSize = 32 * 1024 // 32KB SFTP 默认包大小
	// MaxChunkSize 单个 READ/WRITE 请求的数据上限, 与 maxPacketLen 留出余量
	MaxChunkSize = 256 * 1024
)

// TransferConfig 定义传输配置
type TransferConfig struct {
	ChunkSize int // 单次读写请求的大小
}

func DefaultConfig() TransferConfig {
	return TransferConfig{
		ChunkSize: DefaultChunkSize,
	}
}

// ProgressCallback 进度回调，n 为本次增量传输的字节数
type ProgressCallback func(n int)

// Entry 目录项, Attrs 是 READDIR 响应里随名字一起返回的属性
type Entry struct {
	Name     string
	LongName string
	Attrs    Attributes
}

// Stat 把条目属性转成 StatRecord
func (e *Entry) Stat() StatRecord {
	var r StatRecord
	e.Attrs.ApplyTo(&r)
	return r
}
