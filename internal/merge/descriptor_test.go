package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontask/dataengine/internal/errs"
)

func TestLoadDescriptor_JSON(t *testing.T) {
	data := []byte(`{
		"initial_column_names": ["sid", "Mark"],
		"rename_column_names": {"Mark": "midterm"},
		"columns_to_upload": {"midterm": true},
		"dst_selected_key": "sid",
		"src_selected_key": "sid",
		"how_merge": "left",
		"override_columns_names": []
	}`)

	d, err := LoadDescriptor("merge.json", data)
	require.NoError(t, err)
	assert.Equal(t, []string{"sid", "Mark"}, d.InitialNames)
	assert.Equal(t, map[string]string{"Mark": "midterm"}, d.Rename)
	assert.Equal(t, map[string]bool{"midterm": true}, d.Keep)
	assert.Equal(t, "sid", d.DstKey)
	assert.Equal(t, Left, d.How)
}

func TestLoadDescriptor_CUE(t *testing.T) {
	data := []byte(`
dst_selected_key: "sid"
src_selected_key: "student"
how_merge:        "outer"
`)
	d, err := LoadDescriptor("merge.cue", data)
	require.NoError(t, err)
	assert.Equal(t, Outer, d.How)
	assert.Equal(t, "student", d.SrcKey)
	assert.Nil(t, d.Rename)
}

func TestLoadDescriptor_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"syntax", `{"how_merge": `},
		{"unknown how", `{"dst_selected_key": "sid", "src_selected_key": "sid", "how_merge": "cross"}`},
		{"missing key", `{"src_selected_key": "sid", "how_merge": "inner"}`},
		{"empty key", `{"dst_selected_key": "", "src_selected_key": "sid", "how_merge": "inner"}`},
		{"unknown field", `{"dst_selected_key": "sid", "src_selected_key": "sid", "how_merge": "inner", "extra": 1}`},
		{"empty rename", `{"dst_selected_key": "sid", "src_selected_key": "sid", "how_merge": "inner", "rename_column_names": {"a": ""}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDescriptor("merge.json", []byte(tt.data))
			require.Error(t, err)
			assert.Equal(t, errs.InvalidValue, errs.KindOf(err))
		})
	}
}
