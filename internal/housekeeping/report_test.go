package housekeeping

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/blockadesystems/acmekeeper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestDumpCSV_LineBreaksStayInsideValues(t *testing.T) {
	e := New(nil, WithLogger(zaptest.NewLogger(t)))
	reportName := filepath.Join(t.TempDir(), "report")
	fields := []string{"a", "b"}
	rows := []model.Row{
		{"a": "fo\no1", "b": "x\r\ny"},
		{"a": "fo\ro2"},
	}

	e.dump("test", FormatCSV, reportName, func() [][]any { return ToRows(fields, rows) }, nil)

	f, err := os.Open(reportName + ".csv")
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Len(t, records, 3, "header plus one record per row")
	assert.Equal(t, []string{"a", "b"}, records[0])
	assert.Equal(t, []string{"fo\no1", "x\ny"}, records[1])
	assert.Equal(t, []string{"fo\ro2", ""}, records[2])
}

