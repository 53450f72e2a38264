package export

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCSVExporterRender(t *testing.T) {
	table := Table{
		Columns: []string{"Applicant", "Status", "Amount"},
		Rows: [][]string{
			{"Ana Torres", "SUBMITTED", "1250.00"},
			{"Luis Vega", "ACCEPTED", "1250.00"},
		},
	}

	out, err := NewCSVExporter().Render(table)
	require.NoError(t, err)

	text := string(out)
	require.True(t, strings.HasPrefix(text, "Applicant,Status,Amount\n"))
	require.Contains(t, text, "Ana Torres,SUBMITTED,1250.00")
	require.Contains(t, text, "Luis Vega,ACCEPTED,1250.00")
}

func TestCSVExporterRequiresColumns(t *testing.T) {
	_, err := NewCSVExporter().Render(Table{})
	require.Error(t, err)
}

func TestPDFExporterRender(t *testing.T) {
	table := Table{
		Title:   "Cycle EN-B1 Requests",
		Columns: []string{"Applicant", "Status"},
		Rows:    [][]string{{"Ana Torres", "SUBMITTED"}},
	}

	out, err := NewPDFExporter().Render(table)
	require.NoError(t, err)
	require.True(t, len(out) > 0)
	require.Equal(t, "%PDF", string(out[:4]))
}

func TestPDFExporterPadsShortRows(t *testing.T) {
	table := Table{
		Columns: []string{"A", "B", "C"},
		Rows:    [][]string{{"only"}},
	}

	_, err := NewPDFExporter().Render(table)
	require.NoError(t, err)
}
