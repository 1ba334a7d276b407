package contract

import (
	"context"
	"io"
)

// ArtifactID: 相对输出根的工件标识（文件名或相对路径）。
type ArtifactID string

// Writer: 将工件持久化到输出根。
// 约束：
//  1. 同一 ArtifactID 单写者；
//  2. Write/Copy 为原子替换：读者要么看到完整旧文件，要么看到完整新文件；
//  3. Copy 保留源文件的权限位与修改时间；
//  4. ctx 取消/超时需尽快返回；
//  5. 错误直接上抛（不做重试/回退）。
type Writer interface {
	Write(ctx context.Context, id ArtifactID, r io.Reader) error
	// Copy 将 src 拷贝为 id，返回目标绝对路径。
	Copy(ctx context.Context, src string, id ArtifactID) (string, error)
	// Remove 删除 id；不存在视为成功。
	Remove(ctx context.Context, id ArtifactID) error
	// Root 返回输出根的绝对路径。
	Root() string
}
