package contract

import (
	"path/filepath"
	"strings"
)

// SubjectName 由受试者目录路径得到原始受试者名（目录基名）。
// 兼容带结尾分隔符的路径（例如 "root/1000001/"）。
func SubjectName(dir string) string {
	return filepath.Base(filepath.Clean(dir))
}

// ValidName 校验单段名称：非空、非 . / ..、不含本平台路径分隔符与卷名。
// 反向转换以原始受试者名作为输出目录，必须保证不会逃逸输出根。
// 反斜杠仅在 Windows 上是分隔符；Unix 上 `a\b` 是合法目录名。
func ValidName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrPathInvalid
	}
	if strings.ContainsAny(name, "/"+string(filepath.Separator)) {
		return ErrPathInvalid
	}
	if filepath.VolumeName(name) != "" {
		return ErrPathInvalid
	}
	return nil
}
