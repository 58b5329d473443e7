package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/ontask/dataengine/internal/errs"
	"github.com/ontask/dataengine/internal/frame"
)

func TestCSV_InfersTypes(t *testing.T) {
	src := &CSV{Data: []byte("sid,email,score,passed\n1,a@x.org,7.5,true\n2,b@x.org,,false\n")}
	f, types, err := src.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, map[string]frame.DataType{
		"sid":    frame.TypeInteger,
		"email":  frame.TypeString,
		"score":  frame.TypeDouble,
		"passed": frame.TypeBoolean,
	}, types)
	assert.Equal(t, 2, f.NumRows())
	assert.Equal(t, frame.Null{}, f.Cell(1, "score"))
	assert.Equal(t, "utf-8", src.Encoding())
	assert.Empty(t, src.Warnings())
}

func TestCSV_Encodings(t *testing.T) {
	plain := "name,city\nJosé,Málaga\n"
	utf16, _, err := transform.Bytes(unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder(), []byte(plain))
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		enc  string
	}{
		{"utf-8", []byte(plain), "utf-8"},
		{"utf-8 with bom", append([]byte{0xEF, 0xBB, 0xBF}, plain...), "utf-8"},
		{"utf-16le", utf16, "utf-16le"},
		{"latin-1", []byte("name,city\nJos\xe9,M\xe1laga\n"), "latin-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &CSV{Data: tt.data}
			f, _, err := src.Fetch(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.enc, src.Encoding())
			assert.Equal(t, []string{"name", "city"}, f.Names())
			assert.Equal(t, frame.String("José"), f.Cell(0, "name"))
			assert.Equal(t, frame.String("Málaga"), f.Cell(0, "city"))
		})
	}
}

func TestCSV_NormalizesHeaderNames(t *testing.T) {
	// "e" followed by a combining acute accent.
	src := &CSV{Data: []byte(" Nome\u0301 ,x\nA,1\n")}
	f, _, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Nom\u00e9", "x"}, f.Names())
}

func TestCSV_RaggedRowsAndSkips(t *testing.T) {
	data := "Course report\nsid;name\n1;Ana;extra\n2\n3;Cy\nGenerated today\n"
	src := &CSV{Data: []byte(data), Delimiter: ';', SkipTop: 1, SkipBottom: 1}
	f, _, err := src.Fetch(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"sid", "name"}, f.Names())
	assert.Equal(t, 3, f.NumRows())
	assert.Equal(t, frame.Null{}, f.Cell(1, "name"))
	assert.Len(t, src.Warnings(), 2)
}

func TestCSV_Hints(t *testing.T) {
	src := &CSV{Data: []byte("code\n001\n002\n"), Hints: map[string]frame.DataType{"code": frame.TypeString}}
	f, types, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, frame.TypeString, types["code"])
	assert.Equal(t, frame.String("001"), f.Cell(0, "code"))
}

func TestCSV_Empty(t *testing.T) {
	_, _, err := (&CSV{}).Fetch(context.Background())
	assert.True(t, errs.Is(err, errs.InvalidValue))
}

func TestJSONRecords(t *testing.T) {
	src := &JSONRecords{Data: []byte(`[{"sid": 1, "name": "Ana"}, {"sid": 2, "name": null}]`)}
	f, types, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, frame.TypeInteger, types["sid"])
	assert.Equal(t, 2, f.NumRows())

	_, _, err = (&JSONRecords{Data: []byte(`{"not": "a list"}`)}).Fetch(context.Background())
	assert.True(t, errs.Is(err, errs.InvalidValue))
}

func TestOpen_PicksAdapterByExtension(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "data.JSON")
	csvPath := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`[{"a": 1}]`), 0o644))
	require.NoError(t, os.WriteFile(csvPath, []byte("a\n1\n"), 0o644))

	src, err := Open(jsonPath, nil)
	require.NoError(t, err)
	assert.IsType(t, &JSONRecords{}, src)

	src, err = Open(csvPath, nil)
	require.NoError(t, err)
	assert.IsType(t, &CSV{}, src)

	_, err = Open(filepath.Join(dir, "missing.csv"), nil)
	assert.Error(t, err)
}
