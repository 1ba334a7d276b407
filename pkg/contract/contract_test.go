package contract

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSubjectName 由目录路径取受试者名。
func TestSubjectName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"普通路径", filepath.Join("root", "1000001"), "1000001"},
		{"结尾分隔符", filepath.Join("root", "1000001") + string(filepath.Separator), "1000001"},
		{"单段", "sub-01", "sub-01"},
		{"多余分隔符", "root//a//", "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SubjectName(tt.input))
		})
	}
}

// TestValidName 输出目录名必须为单段名称。
func TestValidName(t *testing.T) {
	for _, ok := range []string{"1000001", "sub-01", "a.b", "患者01"} {
		require.NoError(t, ValidName(ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "a/b", "../x"} {
		require.ErrorIs(t, ValidName(bad), ErrPathInvalid, bad)
	}
	// 反斜杠随平台分隔符而定
	if filepath.Separator == '\\' {
		require.ErrorIs(t, ValidName(`a\b`), ErrPathInvalid)
	} else {
		require.NoError(t, ValidName(`a\b`))
	}
}

// TestCaseRecordClone 克隆后互不影响。
func TestCaseRecordClone(t *testing.T) {
	r := CaseRecord{
		CaseID:         "ukbb_4ch_1",
		SequenceNumber: 1,
		ModalityMappings: []ModalityMapping{
			{OriginalPath: "/a/wat.nii.gz", ConvertedPath: "/b/ukbb_4ch_1_0000.nii.gz"},
		},
	}
	c := r.Clone()
	c.ModalityMappings[0].ConvertedPath = "changed"
	assert.Equal(t, "/b/ukbb_4ch_1_0000.nii.gz", r.ModalityMappings[0].ConvertedPath)

	empty := CaseRecord{}.Clone()
	assert.Nil(t, empty.ModalityMappings)
}
