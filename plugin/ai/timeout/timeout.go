// Package timeout defines centralized timeout constants for model operations.
// Package timeout 定义模型操作的集中式超时常量。
package timeout

import "time"

// Model channel timeout constants.
// 模型通道超时常量。
const (
	// ModelInitTimeout bounds loading a model in the worker.
	// ModelInitTimeout 是 worker 加载模型的超时时间。
	ModelInitTimeout = 60 * time.Second

	// EmbedTimeout is the timeout for a single embedding request.
	// EmbedTimeout 是单次向量生成请求的超时时间。
	EmbedTimeout = 10 * time.Second

	// BatchEmbedTimeout is the timeout for a batch embedding request.
	// BatchEmbedTimeout 是批量向量生成请求的超时时间。
	BatchEmbedTimeout = 30 * time.Second

	// ChangeModelTimeout bounds swapping the loaded model.
	ChangeModelTimeout = 60 * time.Second

	// WorkerExitTimeout is how long a terminated worker process may take to exit before it is killed.
	// WorkerExitTimeout 是 worker 进程退出的等待时间，超时后强制终止。
	WorkerExitTimeout = 5 * time.Second

	// TerminateTimeout bounds the terminate handshake with the worker.
	TerminateTimeout = time.Second
)
