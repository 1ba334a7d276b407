package extract

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"cohortconv/internal/dataset"
)

// Layout 从受试者目录内的 .nii.gz 文件中为每个规范模态挑出一个源文件。
// 返回的映射键为模态；任何模态无法唯一确定时返回错误。
type Layout func(files []string) (map[dataset.Modality]string, error)

// Layouts: 名称 → 布局。
var Layouts = map[string]Layout{
	"gnc":  GNC,
	"ukbb": UKBB,
}

// LayoutNames 返回排序后的布局名。
func LayoutNames() []string {
	out := make([]string, 0, len(Layouts))
	for k := range Layouts {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// gncKeys: 文件基名包含的子串 → 模态；按此顺序匹配。
var gncKeys = []struct {
	key string
	mod dataset.Modality
}{
	{"wat", dataset.Water},
	{"opp", dataset.OpposedPhase},
	{"in", dataset.InPhase},
	{"fat", dataset.Fat},
}

// GNC: 基名包含 wat/opp/in/fat 子串的文件各恰好一个。
func GNC(files []string) (map[dataset.Modality]string, error) {
	out := make(map[dataset.Modality]string, len(gncKeys))
	for _, k := range gncKeys {
		var hits []string
		for _, f := range files {
			if strings.Contains(filepath.Base(f), k.key) {
				hits = append(hits, f)
			}
		}
		switch len(hits) {
		case 0:
			return nil, fmt.Errorf("no file for %q", k.key)
		case 1:
			out[k.mod] = hits[0]
		default:
			return nil, fmt.Errorf("%d files for %q", len(hits), k.key)
		}
	}
	return out, nil
}

// ukbbNames: 拼接工具的输出名 → 模态。
var ukbbNames = map[string]dataset.Modality{
	"T1_water" + dataset.Ext: dataset.Water,
	"T1_opp" + dataset.Ext:   dataset.OpposedPhase,
	"T1_in" + dataset.Ext:    dataset.InPhase,
	"T1_fat" + dataset.Ext:   dataset.Fat,
}

// UKBB: 精确匹配 T1_water/T1_opp/T1_in/T1_fat；其余文件忽略。
// 缺失的模态留给完整性校验处理。
func UKBB(files []string) (map[dataset.Modality]string, error) {
	out := make(map[dataset.Modality]string, len(ukbbNames))
	for _, f := range files {
		if m, ok := ukbbNames[filepath.Base(f)]; ok {
			out[m] = f
		}
	}
	return out, nil
}
