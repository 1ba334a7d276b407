package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cohortconv/pkg/contract"
)

// Options 为 FileSystem Reader 的可选配置（最小必要）。
type Options struct {
	// ExcludeDirNames: 枚举受试者目录时跳过这些目录名（基名完全匹配，忽略大小写）。
	// 例如 [".git","@eaDir"]。
	ExcludeDirNames []string `json:"exclude_dir_names"`
	// SkipHidden: 跳过以 "." 开头的条目（含 .tmp-* 临时文件）。默认 true。
	SkipHidden *bool `json:"skip_hidden,omitempty"`
}

// FileSystem 实现基于本地文件系统的 Reader。
type FileSystem struct {
	// 以小写形式保存，比较时按小写基名匹配。
	excludeDir map[string]struct{}
	skipHidden bool
}

// New 创建 FileSystem Reader。
func New(opts *Options) *FileSystem {
	ex := make(map[string]struct{})
	skip := true
	if opts != nil {
		for _, name := range opts.ExcludeDirNames {
			if name == "" {
				continue
			}
			// 小写基名匹配，调用方无需关心大小写与前后斜杠。
			ex[strings.ToLower(strings.Trim(name, `/\`))] = struct{}{}
		}
		if opts.SkipHidden != nil {
			skip = *opts.SkipHidden
		}
	}
	return &FileSystem{excludeDir: ex, skipHidden: skip}
}

var _ contract.Reader = (*FileSystem)(nil)

// Dirs 返回 root 下的直接子目录路径（字典序）。
// 指向目录的符号链接视为目录；失效的符号链接与非目录条目被忽略。
func (r *FileSystem) Dirs(ctx context.Context, root string) ([]string, error) {
	entries, err := r.list(ctx, root)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if _, skip := r.excludeDir[strings.ToLower(e.Name())]; skip {
			continue
		}
		p := filepath.Join(root, e.Name())
		if e.IsDir() {
			out = append(out, p)
			continue
		}
		if e.Type()&os.ModeSymlink != 0 {
			// 判断符号链接目标；失效链接忽略
			if t, err := os.Stat(p); err == nil && t.IsDir() {
				out = append(out, p)
			}
		}
	}
	return out, nil
}

// Files 返回 dir 下以 suffix 结尾的常规文件路径（字典序，不递归）。
// 允许指向常规文件的符号链接；其他非常规条目（目录、设备、FIFO）跳过。
func (r *FileSystem) Files(ctx context.Context, dir, suffix string) ([]string, error) {
	entries, err := r.list(ctx, dir)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if e.Type()&os.ModeSymlink != 0 {
			t, err := os.Stat(p)
			if err != nil || !t.Mode().IsRegular() {
				continue
			}
			out = append(out, p)
			continue
		}
		if e.Type().IsRegular() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *FileSystem) list(ctx context.Context, dir string) ([]os.DirEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	// 稳定顺序：字典序（os.ReadDir 已排序，这里显式保证）
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	if !r.skipHidden {
		return entries, nil
	}
	kept := entries[:0]
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		kept = append(kept, e)
	}
	return kept, nil
}
