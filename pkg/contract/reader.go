package contract

import "context"

// Reader: 输入树的发现抽象。
// 约束：
// 1) 只做枚举，不读取内容；
// 2) 返回路径为 root 与条目名的拼接，调用方负责排序语义；
// 3) 不在内部起并发；
// 4) ctx 取消需尽快返回。
type Reader interface {
	// Dirs 返回 root 下的直接子目录（含指向目录的符号链接）。
	Dirs(ctx context.Context, root string) ([]string, error)
	// Files 返回 dir 下以 suffix 结尾的常规文件（含指向常规文件的符号链接）。
	Files(ctx context.Context, dir, suffix string) ([]string, error)
}
